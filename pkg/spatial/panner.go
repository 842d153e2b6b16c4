package spatial

import (
	"fmt"
	"math"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/pose"
)

// Spatializer renders mono voice buffers into the output channels.
// RenderBuffer receives the source position relative to the listener and
// samples aligned with frame 0 of io. Callers serialize calls on one
// Spatializer.
type Spatializer interface {
	Prepare(io *audio.IOData)
	RenderBuffer(io *audio.IOData, rel pose.Vec3, samples []float32)
	Finalize(io *audio.IOData)
}

// New returns the spatializer registered under name.
func New(name string) (Spatializer, error) {
	switch name {
	case "stereo", "":
		return &StereoPanner{}, nil
	case "mono":
		return &MonoPanner{}, nil
	default:
		return nil, fmt.Errorf("unknown spatializer %q", name)
	}
}

// StereoPanner pans by azimuth with an equal-power law into outputs 0 and
// 1. The listener faces -z with +x to the right.
type StereoPanner struct {
	mixer audio.Mixer
}

func (p *StereoPanner) Prepare(io *audio.IOData)  {}
func (p *StereoPanner) Finalize(io *audio.IOData) {}

// Gains returns the left and right gains for a relative position.
func (p *StereoPanner) Gains(rel pose.Vec3) (float32, float32) {
	d := math.Hypot(rel.X, rel.Z)
	pan := 0.0
	if d > 0 {
		pan = rel.X / d
	}
	theta := (pan + 1) * math.Pi / 4
	return float32(math.Cos(theta)), float32(math.Sin(theta))
}

func (p *StereoPanner) RenderBuffer(io *audio.IOData, rel pose.Vec3, samples []float32) {
	switch io.ChannelsOut() {
	case 0:
		return
	case 1:
		p.mixer.MixGain(io.Out(0), samples, 1)
		return
	}
	l, r := p.Gains(rel)
	p.mixer.MixGain(io.Out(0), samples, l)
	p.mixer.MixGain(io.Out(1), samples, r)
}

// MonoPanner copies the voice into every output channel.
type MonoPanner struct{}

func (p *MonoPanner) Prepare(io *audio.IOData)  {}
func (p *MonoPanner) Finalize(io *audio.IOData) {}

func (p *MonoPanner) RenderBuffer(io *audio.IOData, rel pose.Vec3, samples []float32) {
	for ch := 0; ch < io.ChannelsOut(); ch++ {
		audio.Mix(io.Out(ch), samples)
	}
}

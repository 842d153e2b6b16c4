package instruments

import (
	"math"
	"sync/atomic"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/graphics"
	"github.com/allolib/allosynth/pkg/pose"
	"github.com/allolib/allosynth/pkg/synth"
	"github.com/allolib/allosynth/pkg/voice"
)

const (
	SineName           = "Sine"
	PositionedSineName = "PositionedSine"
)

// Register adds the stock voices to s.
func Register(s *synth.PolySynth) {
	s.RegisterVoiceType(SineName, func() voice.Voice { return NewSine() })
	s.RegisterVoiceType(PositionedSineName, func() voice.Voice { return NewPositionedSine() })
}

type stage int

const (
	stageIdle stage = iota
	stageAttack
	stageSustain
	stageRelease
)

// oscillator is a sine with a linear attack/release envelope.
type oscillator struct {
	amplitude *voice.Parameter
	frequency *voice.Parameter
	attack    *voice.Parameter
	release   *voice.Parameter

	phase   float64
	level   float64
	stage   stage
	stopped bool // trigger off seen, release starts at the block's end frame

	// envelope level at the end of the last block, for other goroutines
	shown atomic.Uint64
}

func (o *oscillator) init() {
	o.amplitude = voice.NewFloatParameter("amplitude", 0.1)
	o.frequency = voice.NewFloatParameter("frequency", 440)
	o.attack = voice.NewFloatParameter("attack", 0.01)
	o.release = voice.NewFloatParameter("release", 0.1)
}

func (o *oscillator) params() []*voice.Parameter {
	return []*voice.Parameter{o.amplitude, o.frequency, o.attack, o.release}
}

func (o *oscillator) start() {
	o.phase = 0
	o.level = 0
	o.stage = stageAttack
	o.stopped = false
	o.shown.Store(0)
}

func (o *oscillator) stop() { o.stopped = true }

func (o *oscillator) beginRelease() {
	o.stopped = false
	if o.stage != stageIdle {
		o.stage = stageRelease
	}
}

func (o *oscillator) shownLevel() float64 { return math.Float64frombits(o.shown.Load()) }

// step returns the next envelope value for a given sample rate.
func (o *oscillator) step(sampleRate float64) float64 {
	switch o.stage {
	case stageAttack:
		if a := o.attack.Float(); a > 0 {
			o.level += 1 / (a * sampleRate)
		} else {
			o.level = 1
		}
		if o.level >= 1 {
			o.level = 1
			o.stage = stageSustain
		}
	case stageRelease:
		if r := o.release.Float(); r > 0 {
			o.level -= 1 / (r * sampleRate)
		} else {
			o.level = 0
		}
		if o.level <= 0 {
			o.level = 0
			o.stage = stageIdle
		}
	}
	return o.level
}

// render writes the window of io to channel 0 and reports whether the
// release has finished. A pending stop turns into the release at endFrame,
// the voice's end offset within this block (-1 while it lies ahead).
func (o *oscillator) render(io *audio.IOData, endFrame int) bool {
	sr := io.SampleRate()
	inc := 2 * math.Pi * o.frequency.Float() / sr
	amp := o.amplitude.Float()
	defer func() { o.shown.Store(math.Float64bits(o.level)) }()
	for io.Next() {
		if o.stopped && endFrame >= 0 && io.Index() >= endFrame {
			o.beginRelease()
		}
		env := o.step(sr)
		io.AddOut(0, float32(amp*env*math.Sin(o.phase)))
		o.phase += inc
		if o.phase >= 2*math.Pi {
			o.phase -= 2 * math.Pi
		}
		if o.stage == stageIdle {
			return true
		}
	}
	return false
}

// Sine is a mono sine voice with trigger parameters amplitude, frequency,
// attack and release, in that order.
type Sine struct {
	voice.Base
	osc oscillator
}

func NewSine() *Sine {
	v := &Sine{}
	v.osc.init()
	v.RegisterTriggerParameters(v.osc.params()...)
	v.Init()
	return v
}

func (v *Sine) OnTriggerOn()  { v.osc.start() }
func (v *Sine) OnTriggerOff() { v.osc.stop() }

func (v *Sine) OnProcessAudio(io *audio.IOData) {
	if v.osc.render(io, v.BlockEndFrame()) {
		v.Free()
	}
}

// Level returns the envelope level at the end of the last rendered block.
func (v *Sine) Level() float64 { return v.osc.shownLevel() }

// PositionedSine is a Sine placed in the scene. It is drawn as a small
// octahedron whose brightness follows the envelope.
type PositionedSine struct {
	voice.PositionedVoice
	osc  oscillator
	mesh graphics.Mesh
}

func NewPositionedSine() *PositionedSine {
	v := &PositionedSine{
		mesh: graphics.Mesh{Name: "octahedron", Vertices: octahedron(0.1)},
	}
	v.osc.init()
	v.RegisterTriggerParameters(v.osc.params()...)
	v.Init()
	return v
}

func (v *PositionedSine) OnTriggerOn()  { v.osc.start() }
func (v *PositionedSine) OnTriggerOff() { v.osc.stop() }

func (v *PositionedSine) OnProcessAudio(io *audio.IOData) {
	if v.osc.render(io, v.BlockEndFrame()) {
		v.Free()
	}
}

func (v *PositionedSine) OnProcessGraphics(g graphics.Graphics) {
	l := float32(v.osc.shownLevel())
	v.mesh.Color = [4]float32{l, l, 1, 1}
	g.Draw(&v.mesh)
}

func octahedron(r float64) []pose.Vec3 {
	return []pose.Vec3{
		{X: r}, {X: -r},
		{Y: r}, {Y: -r},
		{Z: r}, {Z: -r},
	}
}

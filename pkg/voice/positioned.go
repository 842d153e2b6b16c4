package voice

import (
	"math"
	"sync/atomic"

	"github.com/allolib/allosynth/pkg/graphics"
	"github.com/allolib/allosynth/pkg/pose"
)

// PoseFieldCount is the number of trailing trigger fields a PositionedVoice
// reserves: x, y, z, qw, qx, qy, qz, size.
const PoseFieldCount = 8

// Positioned is implemented by voices that have a place in the scene.
type Positioned interface {
	Voice
	Pose() pose.Pose
	Size() float64
	AudioOutOffsets() []pose.Vec3
	ApplyTransformations(g graphics.Graphics)
}

// PositionedVoice is a Base with a pose and a uniform size. Pose and size
// can be changed from Update while audio renders on another goroutine.
type PositionedVoice struct {
	Base

	pose    pose.Shared
	size    atomic.Uint64
	offsets []pose.Vec3
}

// Init resets bookkeeping and places the voice at the origin with unit size.
func (v *PositionedVoice) Init() {
	v.Base.Init()
	v.pose.Store(pose.Identity())
	v.SetSize(1)
}

func (v *PositionedVoice) Pose() pose.Pose     { return v.pose.Load() }
func (v *PositionedVoice) SetPose(p pose.Pose) { v.pose.Store(p) }

func (v *PositionedVoice) Size() float64     { return math.Float64frombits(v.size.Load()) }
func (v *PositionedVoice) SetSize(s float64) { v.size.Store(math.Float64bits(s)) }

// AudioOutOffsets returns per-channel positions relative to the voice used
// when the voice renders more than one channel.
func (v *PositionedVoice) AudioOutOffsets() []pose.Vec3 { return v.offsets }

// SetAudioOutOffsets sets one offset per output channel and resizes the
// voice's channel count to match.
func (v *PositionedVoice) SetAudioOutOffsets(offsets []pose.Vec3) {
	v.offsets = offsets
	v.SetChannelsOut(len(offsets))
}

// SetTriggerParams binds the registered parameters followed by the eight
// pose fields. With the wrong count, or a non-float pose field, nothing
// changes.
func (v *PositionedVoice) SetTriggerParams(fields []ParamField) bool {
	n := len(v.params)
	if len(fields) != n+PoseFieldCount {
		return false
	}
	for _, f := range fields[n:] {
		if f.Kind != KindFloat {
			return false
		}
	}
	if !v.Base.SetTriggerParams(fields[:n]) {
		return false
	}

	p := fields[n:]
	v.SetPose(pose.Pose{
		Pos:  pose.Vec3{X: p[0].F, Y: p[1].F, Z: p[2].F},
		Quat: pose.Quat{W: p[3].F, X: p[4].F, Y: p[5].F, Z: p[6].F},
	})
	v.SetSize(p[7].F)
	return true
}

// TriggerParams returns the parameter values followed by the pose fields.
func (v *PositionedVoice) TriggerParams() []ParamField {
	p := v.Pose()
	return append(v.Base.TriggerParams(),
		FloatField(p.Pos.X), FloatField(p.Pos.Y), FloatField(p.Pos.Z),
		FloatField(p.Quat.W), FloatField(p.Quat.X), FloatField(p.Quat.Y), FloatField(p.Quat.Z),
		FloatField(v.Size()),
	)
}

// ApplyTransformations moves g into the voice's frame: translate, rotate,
// then scale.
func (v *PositionedVoice) ApplyTransformations(g graphics.Graphics) {
	p := v.Pose()
	g.Translate(p.Pos)
	g.Rotate(p.Quat)
	g.Scale(v.Size())
}

package graphics

import (
	"errors"
	"sync"

	"github.com/allolib/allosynth/pkg/pose"
)

// ErrUnbalancedMatrix is returned by Recorder.EndFrame when a frame left
// pushed matrices on the stack or popped more than it pushed.
var ErrUnbalancedMatrix = errors.New("unbalanced matrix stack")

// Mesh is a named drawable. Vertices are in model space.
type Mesh struct {
	Name     string
	Vertices []pose.Vec3
	Color    [4]float32
}

// Graphics is the drawing surface voices render into.
type Graphics interface {
	PushMatrix()
	PopMatrix()
	Translate(v pose.Vec3)
	Rotate(q pose.Quat)
	Scale(s float64)
	Draw(m *Mesh)
}

// Transform is a similarity transform: uniform scale, then rotation, then
// translation.
type Transform struct {
	Pos   pose.Vec3
	Quat  pose.Quat
	Scale float64
}

// IdentityTransform leaves points where they are.
var IdentityTransform = Transform{Quat: pose.IdentityQuat, Scale: 1}

// Apply maps a model-space point into the space the transform targets.
func (t Transform) Apply(p pose.Vec3) pose.Vec3 {
	return t.Pos.Add(t.Quat.Rotate(p.Scale(t.Scale)))
}

// DrawCall is one recorded Draw with the transform active at the time.
type DrawCall struct {
	Mesh     string     `json:"mesh"`
	Position pose.Vec3  `json:"position"`
	Rotation pose.Quat  `json:"rotation"`
	Scale    float64    `json:"scale"`
	Color    [4]float32 `json:"color"`
	Vertices int        `json:"vertices"`
}

// Recorder is a Graphics that keeps a display list per frame instead of
// talking to a GPU. It is safe to read the last finished frame from another
// goroutine while a new one is being recorded.
type Recorder struct {
	stack   []Transform
	current Transform
	calls   []DrawCall
	bad     bool

	mutex  sync.RWMutex
	last   []DrawCall
	frames uint64
}

// NewRecorder creates a recorder positioned at the identity transform.
func NewRecorder() *Recorder {
	return &Recorder{current: IdentityTransform}
}

// BeginFrame discards any partially recorded frame.
func (r *Recorder) BeginFrame() {
	r.stack = r.stack[:0]
	r.current = IdentityTransform
	r.calls = r.calls[:0]
	r.bad = false
}

// EndFrame publishes the recorded draw list.
func (r *Recorder) EndFrame() error {
	calls := make([]DrawCall, len(r.calls))
	copy(calls, r.calls)

	r.mutex.Lock()
	r.last = calls
	r.frames++
	r.mutex.Unlock()

	if r.bad || len(r.stack) != 0 {
		return ErrUnbalancedMatrix
	}
	return nil
}

// LastFrame returns the draw list of the most recently finished frame.
func (r *Recorder) LastFrame() []DrawCall {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.last
}

// Frames returns how many frames have been finished.
func (r *Recorder) Frames() uint64 {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.frames
}

// Calls returns the draw calls recorded so far in the current frame.
func (r *Recorder) Calls() []DrawCall {
	return r.calls
}

// Depth returns the number of pushed matrices.
func (r *Recorder) Depth() int {
	return len(r.stack)
}

func (r *Recorder) PushMatrix() {
	r.stack = append(r.stack, r.current)
}

func (r *Recorder) PopMatrix() {
	if len(r.stack) == 0 {
		r.bad = true
		return
	}
	r.current = r.stack[len(r.stack)-1]
	r.stack = r.stack[:len(r.stack)-1]
}

func (r *Recorder) Translate(v pose.Vec3) {
	r.current.Pos = r.current.Apply(v)
}

func (r *Recorder) Rotate(q pose.Quat) {
	r.current.Quat = r.current.Quat.Mul(q.Normalize())
}

func (r *Recorder) Scale(s float64) {
	r.current.Scale *= s
}

func (r *Recorder) Draw(m *Mesh) {
	if m == nil {
		return
	}
	r.calls = append(r.calls, DrawCall{
		Mesh:     m.Name,
		Position: r.current.Pos,
		Rotation: r.current.Quat,
		Scale:    r.current.Scale,
		Color:    m.Color,
		Vertices: len(m.Vertices),
	})
}

package voice

import (
	"sync/atomic"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/graphics"
)

// List identifies the allocator list currently holding a voice.
type List int

const (
	ListNone    List = iota // never seen by an allocator
	ListHeld                // handed out by GetVoice, not yet triggered
	ListFree
	ListPending
	ListActive
	ListFreeing // swept from active, free callbacks still running
)

func (l List) String() string {
	switch l {
	case ListFree:
		return "free"
	case ListPending:
		return "pending"
	case ListActive:
		return "active"
	case ListHeld:
		return "held"
	case ListFreeing:
		return "freeing"
	default:
		return "none"
	}
}

// Voice is a schedulable unit of sound and graphics. Implementations embed
// Base, which supplies the lifecycle bookkeeping and no-op callbacks, and
// override what they need.
type Voice interface {
	// Init puts the voice in its free state. Constructors call it; the
	// allocator only resets the embedded Base, so trigger parameters set on
	// a fresh voice survive its first TriggerOn.
	Init()

	OnProcessAudio(io *audio.IOData)
	OnProcessGraphics(g graphics.Graphics)
	Update(dt float64)

	// OnTriggerOn resets playback state. OnTriggerOff starts the voice's
	// ending; the voice calls Free when it has nothing more to render.
	OnTriggerOn()
	OnTriggerOff()

	SetTriggerParams(fields []ParamField) bool
	TriggerParams() []ParamField

	base() *Base
}

// BaseOf returns the bookkeeping embedded in v.
func BaseOf(v Voice) *Base {
	return v.base()
}

// Base carries the state every voice needs. The zero value is not ready
// until Init has run.
type Base struct {
	id       int
	active   atomic.Bool
	userData any
	typeName string
	list     atomic.Int32

	onOffset  int
	offOffset int
	blockEnd  int
	freeAtEnd bool

	params      []*Parameter
	channelsOut int
}

func (b *Base) base() *Base { return b }

// Init resets bookkeeping to the free state.
func (b *Base) Init() {
	b.id = -1
	b.offOffset = -1
	b.blockEnd = -1
	if b.channelsOut == 0 {
		b.channelsOut = 1
	}
}

func (b *Base) OnProcessAudio(io *audio.IOData)       {}
func (b *Base) OnProcessGraphics(g graphics.Graphics) {}
func (b *Base) Update(dt float64)                     {}
func (b *Base) OnTriggerOn()                          {}

// OnTriggerOff frees the voice once its end offset has been rendered.
// Voices with a release tail override it and call Free themselves.
func (b *Base) OnTriggerOff() {
	if b.offOffset <= 0 {
		b.Free()
		return
	}
	b.freeAtEnd = true
}

// Free marks the voice inactive. The allocator reclaims it on its next
// sweep.
func (b *Base) Free() {
	b.active.Store(false)
}

func (b *Base) Active() bool { return b.active.Load() }

func (b *Base) ID() int      { return b.id }
func (b *Base) SetID(id int) { b.id = id }

func (b *Base) UserData() any           { return b.userData }
func (b *Base) SetUserData(data any)    { b.userData = data }
func (b *Base) TypeName() string        { return b.typeName }
func (b *Base) SetTypeName(name string) { b.typeName = name }

// List reports which allocator list holds the voice. Only the allocator
// changes it, under the lock of the list involved.
func (b *Base) List() List           { return List(b.list.Load()) }
func (b *Base) SetList(list List)    { b.list.Store(int32(list)) }
func (b *Base) ChannelsOut() int     { return max(b.channelsOut, 1) }
func (b *Base) SetChannelsOut(n int) { b.channelsOut = n }

// RegisterTriggerParameters appends parameters bound, in order, by
// SetTriggerParams.
func (b *Base) RegisterTriggerParameters(params ...*Parameter) {
	b.params = append(b.params, params...)
}

// Parameters returns the registered trigger parameters.
func (b *Base) Parameters() []*Parameter { return b.params }

// SetTriggerParams binds fields to the registered parameters. Nothing is
// changed unless the count matches and every field fits its parameter.
func (b *Base) SetTriggerParams(fields []ParamField) bool {
	if len(fields) != len(b.params) {
		return false
	}
	for i, p := range b.params {
		if !p.accepts(fields[i]) {
			return false
		}
	}
	for i, p := range b.params {
		p.set(fields[i])
	}
	return true
}

// TriggerParams returns the current values of the registered parameters.
func (b *Base) TriggerParams() []ParamField {
	fields := make([]ParamField, len(b.params))
	for i, p := range b.params {
		fields[i] = p.Field()
	}
	return fields
}

// StartOffsetFrames returns the frame in the current block at which the
// voice starts and consumes one block of the pending start delay. A result
// of framesPerBuffer or more means the voice has not started yet.
func (b *Base) StartOffsetFrames(framesPerBuffer int) int {
	frames := b.onOffset
	b.onOffset -= framesPerBuffer
	if b.onOffset < 0 {
		b.onOffset = 0
	}
	return frames
}

// EndOffsetFrames returns the frame in [0, framesPerBuffer) at which the
// voice stops in the current block, or -1 when it keeps sounding past it.
// The result is also kept for BlockEndFrame.
func (b *Base) EndOffsetFrames(framesPerBuffer int) int {
	b.blockEnd = -1
	if b.offOffset < 0 {
		return -1
	}
	if b.offOffset < framesPerBuffer {
		b.blockEnd = b.offOffset
		b.offOffset = -1
		return b.blockEnd
	}
	b.offOffset -= framesPerBuffer
	return -1
}

// BlockEndFrame returns the end offset found for the block being rendered,
// or -1. Voices with a release tail start it there.
func (b *Base) BlockEndFrame() int { return b.blockEnd }

// FreesAtEnd reports whether the voice stops at its end offset rather than
// rendering a release tail past it.
func (b *Base) FreesAtEnd() bool { return b.freeAtEnd }

// BlockRendered is called by the renderer after a block whose end offset
// was endOffset (-1 for none).
func (b *Base) BlockRendered(endOffset int) {
	if endOffset >= 0 && b.freeAtEnd {
		b.freeAtEnd = false
		b.Free()
	}
}

// TriggerOn activates v to start offsetFrames into the next rendered block.
func TriggerOn(v Voice, offsetFrames int) {
	b := v.base()
	b.onOffset = max(offsetFrames, 0)
	b.offOffset = -1
	b.blockEnd = -1
	b.freeAtEnd = false
	b.active.Store(true)
	v.OnTriggerOn()
}

// TriggerOff schedules v to end offsetFrames into the next rendered block.
func TriggerOff(v Voice, offsetFrames int) {
	b := v.base()
	b.offOffset = max(offsetFrames, 0)
	v.OnTriggerOff()
}

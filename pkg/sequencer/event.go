package sequencer

import (
	"fmt"

	"github.com/allolib/allosynth/pkg/voice"
)

// EventKind tags what an Event does when its start time is reached.
type EventKind int

const (
	// EventVoice triggers a voice and, once its duration has elapsed,
	// turns it off.
	EventVoice EventKind = iota
	// EventPFields rebinds the trigger parameters of a sounding voice.
	EventPFields
	// EventTempo reports a tempo change to the tempo callbacks.
	EventTempo
)

func (k EventKind) String() string {
	switch k {
	case EventVoice:
		return "voice"
	case EventPFields:
		return "pfields"
	case EventTempo:
		return "tempo"
	default:
		return "unknown"
	}
}

// Event is one entry of a sequence. Times are in seconds.
type Event struct {
	Kind      EventKind
	StartTime float64
	// Duration is -1 for a voice whose turn-off has not been scheduled.
	Duration float64
	// ID is the voice id given in the score, or -1 to let the allocator
	// assign one. For EventPFields it is the voice to update.
	ID       int
	TypeName string
	Fields   []voice.ParamField
	// Voice, when set, is triggered instead of allocating one by TypeName.
	// It is consumed by the first trigger.
	Voice voice.Voice
	Tempo float64
}

// NewVoiceEvent creates an event that allocates a voice of typeName.
func NewVoiceEvent(start, duration float64, typeName string, fields []voice.ParamField) *Event {
	return &Event{
		Kind:      EventVoice,
		StartTime: start,
		Duration:  duration,
		ID:        -1,
		TypeName:  typeName,
		Fields:    fields,
	}
}

// EndTime returns when a voice event turns off, or -1 while that is unknown.
func (e *Event) EndTime() float64 {
	if e.Duration < 0 {
		return -1
	}
	return e.StartTime + e.Duration
}

func (e *Event) String() string {
	switch e.Kind {
	case EventVoice:
		return fmt.Sprintf("voice %s @%g+%g id %d [%s]", e.voiceTypeName(), e.StartTime, e.Duration, e.ID, voice.FormatFields(e.Fields))
	case EventPFields:
		return fmt.Sprintf("pfields @%g id %d [%s]", e.StartTime, e.ID, voice.FormatFields(e.Fields))
	case EventTempo:
		return fmt.Sprintf("tempo @%g %g bpm", e.StartTime, e.Tempo)
	default:
		return "unknown event"
	}
}

func (e *Event) voiceTypeName() string {
	if e.TypeName == "" && e.Voice != nil {
		return voice.BaseOf(e.Voice).TypeName()
	}
	return e.TypeName
}

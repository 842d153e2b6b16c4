package sequencer

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/allolib/allosynth/pkg/synth"
	"github.com/allolib/allosynth/pkg/voice"
)

// Registrar accepts trigger callbacks. *synth.PolySynth implements it.
type Registrar interface {
	RegisterTriggerOnCallback(cb synth.TriggerOnCallback)
	RegisterTriggerOffCallback(cb synth.TriggerOffCallback)
}

// Recorder captures the triggers of an allocator as score events, timed
// from the start of the recording.
type Recorder struct {
	clock func() float64

	mutex     sync.Mutex
	recording bool
	startTime float64
	events    []*Event
	open      map[int]*Event
}

// NewRecorder hooks a recorder into r. clock supplies the current time in
// seconds; nil uses the wall clock.
func NewRecorder(r Registrar, clock func() float64) *Recorder {
	if clock == nil {
		began := time.Now()
		clock = func() float64 { return time.Since(began).Seconds() }
	}
	rec := &Recorder{clock: clock, open: make(map[int]*Event)}
	r.RegisterTriggerOnCallback(rec.onTriggerOn)
	r.RegisterTriggerOffCallback(rec.onTriggerOff)
	return rec
}

// StartRecord discards earlier events and starts timing from now.
func (r *Recorder) StartRecord() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.events = nil
	clear(r.open)
	r.startTime = r.clock()
	r.recording = true
}

// StopRecord ends the recording. Voices still sounding are closed at the
// stop time.
func (r *Recorder) StopRecord() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.recording {
		return
	}
	now := r.clock() - r.startTime
	for id, e := range r.open {
		e.Duration = max(now-e.StartTime, 0)
		delete(r.open, id)
	}
	r.recording = false
}

func (r *Recorder) Recording() bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.recording
}

// Events returns the recorded events in trigger order.
func (r *Recorder) Events() []*Event {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]*Event(nil), r.events...)
}

func (r *Recorder) onTriggerOn(v voice.Voice, offsetFrames, id int, userData any) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if !r.recording {
		return true
	}
	e := &Event{
		Kind:      EventVoice,
		StartTime: r.clock() - r.startTime,
		Duration:  -1,
		ID:        id,
		TypeName:  voice.BaseOf(v).TypeName(),
		Fields:    v.TriggerParams(),
	}
	r.events = append(r.events, e)
	r.open[id] = e
	return true
}

func (r *Recorder) onTriggerOff(id int) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if e, ok := r.open[id]; ok {
		e.Duration = max(r.clock()-r.startTime-e.StartTime, 0)
		delete(r.open, id)
	}
	return true
}

// Write writes the recording as '+' and '-' lines.
func (r *Recorder) Write(w io.Writer) error {
	return WriteSequence(w, r.Events())
}

// Save writes the recording to path.
func (r *Recorder) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	if err := r.Write(f); err != nil {
		f.Close()
		return fmt.Errorf("write recording: %w", err)
	}
	return f.Close()
}

package midi

import (
	"errors"
	"fmt"
	"math"
	"sync"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/allolib/allosynth/pkg/log"
	"github.com/allolib/allosynth/pkg/voice"
)

var ErrAlreadyOpen = errors.New("MIDI input already open")

// Target starts and releases voices for played notes.
type Target interface {
	TriggerVoice(typeName string, fields []voice.ParamField) (int, error)
	ReleaseVoice(id int) error
}

// FieldsFunc builds the trigger fields for a note.
type FieldsFunc func(key, velocity uint8) []voice.ParamField

// Options configures an Input.
type Options struct {
	VoiceType string
	// Channel restricts input to one MIDI channel; negative accepts all.
	Channel int
	Fields  FieldsFunc
}

func DefaultOptions() Options {
	return Options{
		VoiceType: "Sine",
		Channel:   -1,
		Fields:    SineFields,
	}
}

// KeyFrequency returns the equal-tempered frequency of key, A4 (69) at
// 440 Hz.
func KeyFrequency(key uint8) float64 {
	return 440 * math.Pow(2, (float64(key)-69)/12)
}

// SineFields maps a note to the amplitude, frequency, attack and release
// fields of the stock sine voices.
func SineFields(key, velocity uint8) []voice.ParamField {
	return []voice.ParamField{
		voice.FloatField(float64(velocity) / 127 * 0.25),
		voice.FloatField(KeyFrequency(key)),
		voice.FloatField(0.01),
		voice.FloatField(0.2),
	}
}

type note struct {
	channel uint8
	key     uint8
}

// Input turns MIDI notes into voice triggers. Each sounding (channel, key)
// pair remembers the id of the voice it started.
type Input struct {
	target Target
	opts   Options

	mutex sync.Mutex
	held  map[note]int
	stop  func()
	port  string
}

func NewInput(target Target, opts Options) *Input {
	if opts.Fields == nil {
		opts.Fields = SineFields
	}
	return &Input{
		target: target,
		opts:   opts,
		held:   make(map[note]int),
	}
}

// Open listens to the first input port whose name starts with portName.
// A MIDI driver must have been registered by importing one.
func (in *Input) Open(portName string) error {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	if in.stop != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, in.port)
	}

	port, err := gomidi.FindInPort(portName)
	if err != nil {
		return fmt.Errorf("find MIDI input %q: %w", portName, err)
	}
	stop, err := gomidi.ListenTo(port, func(msg gomidi.Message, timestampms int32) {
		in.Handle(msg)
	})
	if err != nil {
		return fmt.Errorf("listen to MIDI input %q: %w", port.String(), err)
	}
	in.stop = stop
	in.port = port.String()
	log.Infof("MIDI input opened: %s", in.port)
	return nil
}

// Close stops listening and releases every held note.
func (in *Input) Close() {
	in.mutex.Lock()
	stop := in.stop
	in.stop = nil
	in.mutex.Unlock()
	if stop != nil {
		stop()
		log.Infof("MIDI input closed: %s", in.port)
	}
	in.AllNotesOff()
}

// Handle applies one MIDI message. A note-on with velocity zero counts as a
// note-off.
func (in *Input) Handle(msg gomidi.Message) {
	var channel, key, velocity uint8
	switch {
	case msg.GetNoteStart(&channel, &key, &velocity):
		if in.accepts(channel) {
			in.noteOn(note{channel, key}, velocity)
		}
	case msg.GetNoteEnd(&channel, &key):
		if in.accepts(channel) {
			in.noteOff(note{channel, key})
		}
	}
}

func (in *Input) accepts(channel uint8) bool {
	return in.opts.Channel < 0 || int(channel) == in.opts.Channel
}

func (in *Input) noteOn(n note, velocity uint8) {
	in.mutex.Lock()
	defer in.mutex.Unlock()

	// Retriggering a held key releases the earlier voice first.
	if id, ok := in.held[n]; ok {
		in.release(id)
		delete(in.held, n)
	}
	id, err := in.target.TriggerVoice(in.opts.VoiceType, in.opts.Fields(n.key, velocity))
	if err != nil {
		log.Warnf("MIDI note %d on channel %d not triggered: %v", n.key, n.channel, err)
		return
	}
	in.held[n] = id
}

func (in *Input) noteOff(n note) {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	id, ok := in.held[n]
	if !ok {
		return
	}
	delete(in.held, n)
	in.release(id)
}

func (in *Input) release(id int) {
	if err := in.target.ReleaseVoice(id); err != nil {
		log.Debugf("MIDI release of voice %d: %v", id, err)
	}
}

// AllNotesOff releases every held note.
func (in *Input) AllNotesOff() {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	for n, id := range in.held {
		in.release(id)
		delete(in.held, n)
	}
}

// Held returns the number of sounding notes.
func (in *Input) Held() int {
	in.mutex.Lock()
	defer in.mutex.Unlock()
	return len(in.held)
}

// Ports lists the input ports of the registered driver.
func Ports() []string {
	var names []string
	for _, p := range gomidi.GetInPorts() {
		names = append(names, p.String())
	}
	return names
}

package sequencer

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/graphics"
	"github.com/allolib/allosynth/pkg/log"
	"github.com/allolib/allosynth/pkg/synth"
	"github.com/allolib/allosynth/pkg/voice"
)

// Synth is the allocator a sequencer drives. Both *synth.PolySynth and
// *scene.DynamicScene satisfy it.
type Synth interface {
	GetVoice(name string, forceAlloc bool) voice.Voice
	InsertFreeVoice(v voice.Voice)
	TriggerOn(v voice.Voice, offsetFrames, id int, userData any) int
	TriggerOffAt(id, offsetFrames int) bool
	VoiceByID(id int) voice.Voice

	RenderAudio(io *audio.IOData)
	RenderGraphics(g graphics.Graphics)
	Update(dt float64)
}

type (
	SequenceCallback func(name string)
	TempoCallback    func(bpm float64)
)

// Options configures a SynthSequencer.
type Options struct {
	// TimeMaster selects which render call advances the master clock.
	TimeMaster synth.TimeMasterMode
	// CPUGranularity is the tick of the clock goroutine in CPU mode.
	CPUGranularity time.Duration
	// FrameRate is the assumed graphics frame rate in graphics mode.
	FrameRate float64
	Directory string
}

// DefaultOptions advances time from the audio callback.
func DefaultOptions() Options {
	return Options{
		TimeMaster:     synth.TimeMasterAudio,
		CPUGranularity: time.Millisecond,
		FrameRate:      60,
		Directory:      ".",
	}
}

// sounding is a triggered voice event waiting for its turn-off.
type sounding struct {
	event *Event
	id    int
}

// SynthSequencer plays timed voice events into a Synth. The master clock
// advances once per tick of the configured time master, and events due in
// that tick are triggered with frame offsets inside the block.
type SynthSequencer struct {
	synth Synth
	mode  synth.TimeMasterMode

	eventMutex sync.Mutex
	events     []*Event
	next       int
	sounding   []sounding
	name       string

	masterTime atomic.Uint64
	playing    atomic.Bool

	dirMutex  sync.RWMutex
	directory string

	frameDuration float64

	callbackMutex  sync.RWMutex
	beginCallbacks []SequenceCallback
	endCallbacks   []SequenceCallback
	tempoCallbacks []TempoCallback

	cpuMutex       sync.Mutex
	cpuGranularity time.Duration
	cpuStop        chan struct{}
	cpuDone        chan struct{}
}

// New creates a sequencer driving s.
func New(s Synth, opts Options) *SynthSequencer {
	def := DefaultOptions()
	if opts.CPUGranularity <= 0 {
		opts.CPUGranularity = def.CPUGranularity
	}
	if opts.FrameRate <= 0 {
		opts.FrameRate = def.FrameRate
	}
	if opts.Directory == "" {
		opts.Directory = def.Directory
	}
	return &SynthSequencer{
		synth:          s,
		mode:           opts.TimeMaster,
		directory:      opts.Directory,
		frameDuration:  1 / opts.FrameRate,
		cpuGranularity: opts.CPUGranularity,
	}
}

// Synth returns the allocator the sequencer drives.
func (s *SynthSequencer) Synth() Synth { return s.synth }

// TimeMaster returns which render call advances the clock.
func (s *SynthSequencer) TimeMaster() synth.TimeMasterMode { return s.mode }

// MasterTime returns the clock in seconds.
func (s *SynthSequencer) MasterTime() float64 { return math.Float64frombits(s.masterTime.Load()) }

func (s *SynthSequencer) setMasterTime(t float64) { s.masterTime.Store(math.Float64bits(t)) }

// Playing reports whether a sequence started by PlaySequence is running.
func (s *SynthSequencer) Playing() bool { return s.playing.Load() }

// CurrentSequence returns the name of the last sequence played.
func (s *SynthSequencer) CurrentSequence() string {
	s.eventMutex.Lock()
	defer s.eventMutex.Unlock()
	return s.name
}

func (s *SynthSequencer) Directory() string {
	s.dirMutex.RLock()
	defer s.dirMutex.RUnlock()
	return s.directory
}

// SetDirectory sets where sequence files are looked up.
func (s *SynthSequencer) SetDirectory(dir string) {
	s.dirMutex.Lock()
	defer s.dirMutex.Unlock()
	s.directory = dir
}

func (s *SynthSequencer) RegisterSequenceBeginCallback(cb SequenceCallback) {
	s.callbackMutex.Lock()
	defer s.callbackMutex.Unlock()
	s.beginCallbacks = append(s.beginCallbacks, cb)
}

func (s *SynthSequencer) RegisterSequenceEndCallback(cb SequenceCallback) {
	s.callbackMutex.Lock()
	defer s.callbackMutex.Unlock()
	s.endCallbacks = append(s.endCallbacks, cb)
}

func (s *SynthSequencer) RegisterTempoCallback(cb TempoCallback) {
	s.callbackMutex.Lock()
	defer s.callbackMutex.Unlock()
	s.tempoCallbacks = append(s.tempoCallbacks, cb)
}

// SequencePath returns the file holding the named sequence.
func (s *SynthSequencer) SequencePath(name string) (string, error) {
	dir := s.Directory()
	if dir == "" {
		return "", ErrNoDirectory
	}
	file := name
	if filepath.Ext(file) != Extension {
		file += Extension
	}
	path := filepath.Join(dir, file)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s", ErrSequenceNotFound, name)
	}
	return path, nil
}

func (s *SynthSequencer) open(name string) (io.ReadCloser, error) {
	path, err := s.SequencePath(name)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// SequenceList returns the names of the sequences in the directory.
func (s *SynthSequencer) SequenceList() []string {
	entries, err := os.ReadDir(s.Directory())
	if err != nil {
		log.Warnf("Listing sequences in %s: %v", s.Directory(), err)
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Extension {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), Extension))
	}
	sort.Strings(names)
	return names
}

// LoadSequence reads the named sequence, scaling its times by timeScale and
// shifting them by timeOffset. A missing file is logged and yields no
// events.
func (s *SynthSequencer) LoadSequence(name string, timeOffset, timeScale float64) []*Event {
	rc, err := s.open(name)
	if err != nil {
		log.Errorf("Loading sequence %q: %v", name, err)
		return nil
	}
	defer rc.Close()

	p := &parser{open: s.open, stack: []string{name}}
	events := p.parse(rc, name, timeOffset, timeScale)
	log.WithFields(logrus.Fields{"sequence": name, "events": len(events)}).Debug("Sequence loaded")
	return events
}

// SaveSequence writes events to the named sequence file.
func (s *SynthSequencer) SaveSequence(name string, events []*Event) error {
	dir := s.Directory()
	if dir == "" {
		return ErrNoDirectory
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sequence directory: %w", err)
	}
	if filepath.Ext(name) != Extension {
		name += Extension
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("create sequence: %w", err)
	}
	if err := WriteSequence(f, events); err != nil {
		f.Close()
		return fmt.Errorf("write sequence: %w", err)
	}
	return f.Close()
}

// PlaySequence replaces the event list with the named sequence and plays
// it from startTime. Events before startTime are skipped.
func (s *SynthSequencer) PlaySequence(name string, startTime float64) {
	events := s.LoadSequence(name, 0, 1)
	s.PlayEvents(name, events, startTime)
}

// PlayEvents plays an already loaded event list.
func (s *SynthSequencer) PlayEvents(name string, events []*Event, startTime float64) {
	s.eventMutex.Lock()
	s.releaseLocked()
	s.events = events
	s.next = sort.Search(len(events), func(i int) bool { return events[i].StartTime >= startTime })
	s.name = name
	s.setMasterTime(startTime)
	s.playing.Store(true)
	s.eventMutex.Unlock()

	log.WithFields(logrus.Fields{"sequence": name, "events": len(events), "start": startTime}).Info("Playing sequence")

	if s.mode == synth.TimeMasterCPU {
		s.startCPUClock(startTime)
	}

	s.callbackMutex.RLock()
	callbacks := s.beginCallbacks
	s.callbackMutex.RUnlock()
	for _, cb := range callbacks {
		cb(name)
	}
}

// StopSequence turns off sounding voices, returns voices held by pending
// events to the allocator and clears the event list.
func (s *SynthSequencer) StopSequence() {
	s.stopCPUClock()

	s.eventMutex.Lock()
	s.releaseLocked()
	s.events = nil
	s.next = 0
	s.playing.Store(false)
	s.eventMutex.Unlock()
}

func (s *SynthSequencer) releaseLocked() {
	for _, e := range s.events {
		if e.Voice != nil {
			s.synth.InsertFreeVoice(e.Voice)
			e.Voice = nil
		}
	}
	for _, sv := range s.sounding {
		s.synth.TriggerOffAt(sv.id, 0)
	}
	s.sounding = nil
}

// Events returns a copy of the event list.
func (s *SynthSequencer) Events() []*Event {
	s.eventMutex.Lock()
	defer s.eventMutex.Unlock()
	return append([]*Event(nil), s.events...)
}

// insert adds e keeping start order; equal times keep insertion order.
// Events in the past start at the next tick.
func (s *SynthSequencer) insert(e *Event) {
	s.eventMutex.Lock()
	defer s.eventMutex.Unlock()
	if now := s.MasterTime(); e.StartTime < now {
		e.StartTime = now
	}
	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].StartTime > e.StartTime })
	i = max(i, s.next)
	s.events = append(s.events, nil)
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = e
}

// AddVoice schedules an already allocated voice. A negative duration
// leaves the voice on until something turns it off.
func (s *SynthSequencer) AddVoice(v voice.Voice, startTime, duration float64) {
	s.insert(&Event{
		Kind:      EventVoice,
		StartTime: startTime,
		Duration:  duration,
		ID:        -1,
		TypeName:  voice.BaseOf(v).TypeName(),
		Voice:     v,
	})
}

// AddVoiceFromNow schedules v delay seconds after the current master time.
func (s *SynthSequencer) AddVoiceFromNow(v voice.Voice, delay, duration float64) {
	s.AddVoice(v, s.MasterTime()+delay, duration)
}

// AddPFields schedules new trigger parameters for the sounding voice id.
func (s *SynthSequencer) AddPFields(startTime float64, id int, fields []voice.ParamField) {
	s.insert(&Event{Kind: EventPFields, StartTime: startTime, Duration: 0, ID: id, Fields: fields})
}

// ProcessEvents triggers the events due between blockStart and the master
// time and turns off voices whose duration has elapsed. ticksPerSecond
// converts times into frame offsets within the block; 0 starts everything
// at the top of the block. It returns at once if another goroutine holds
// the event list.
func (s *SynthSequencer) ProcessEvents(blockStart, ticksPerSecond float64) {
	if !s.eventMutex.TryLock() {
		return
	}
	now := s.MasterTime()
	offset := func(t float64) int {
		if ticksPerSecond <= 0 || t <= blockStart {
			return 0
		}
		return int((t - blockStart) * ticksPerSecond)
	}

	var tempos []float64
	for s.next < len(s.events) && s.events[s.next].StartTime <= now {
		e := s.events[s.next]
		s.next++
		switch e.Kind {
		case EventVoice:
			s.startVoice(e, offset(e.StartTime))
		case EventPFields:
			s.applyPFields(e)
		case EventTempo:
			tempos = append(tempos, e.Tempo)
		}
	}

	offs := 0
	kept := s.sounding[:0]
	for _, sv := range s.sounding {
		end := sv.event.EndTime()
		if end < 0 || end > now {
			kept = append(kept, sv)
			continue
		}
		s.synth.TriggerOffAt(sv.id, offset(end))
		offs++
	}
	clear(s.sounding[len(kept):])
	s.sounding = kept

	finished := offs > 0 && s.next == len(s.events) && len(s.sounding) == 0 && s.playing.Load()
	name := s.name
	if finished {
		s.playing.Store(false)
	}
	s.eventMutex.Unlock()

	if len(tempos) == 0 && !finished {
		return
	}
	s.callbackMutex.RLock()
	tempoCallbacks, endCallbacks := s.tempoCallbacks, s.endCallbacks
	s.callbackMutex.RUnlock()
	for _, bpm := range tempos {
		for _, cb := range tempoCallbacks {
			cb(bpm)
		}
	}
	if finished {
		log.Infof("Sequence %q finished", name)
		for _, cb := range endCallbacks {
			cb(name)
		}
	}
}

func (s *SynthSequencer) startVoice(e *Event, offsetFrames int) {
	v := e.Voice
	e.Voice = nil
	if v == nil {
		if v = s.synth.GetVoice(e.TypeName, true); v == nil {
			log.Debugf("No %s voice available, dropping event at %g", e.TypeName, e.StartTime)
			return
		}
		if len(e.Fields) > 0 && !v.SetTriggerParams(e.Fields) {
			log.WithFields(logrus.Fields{"type": e.TypeName, "fields": voice.FormatFields(e.Fields)}).
				Warn("Trigger parameters do not match the voice, keeping previous values")
		}
	}

	id := s.synth.TriggerOn(v, offsetFrames, e.ID, nil)
	if id < 0 {
		return
	}
	s.sounding = append(s.sounding, sounding{event: e, id: id})
}

func (s *SynthSequencer) applyPFields(e *Event) {
	v := s.synth.VoiceByID(e.ID)
	if v == nil {
		log.Debugf("No sounding voice %d for parameter update", e.ID)
		return
	}
	if !v.SetTriggerParams(e.Fields) {
		log.WithFields(logrus.Fields{"id": e.ID, "fields": voice.FormatFields(e.Fields)}).
			Warn("Parameter update does not match the voice")
	}
}

// RenderAudio advances the clock by one block when audio is the time
// master, processes due events with sample offsets, then renders the synth.
func (s *SynthSequencer) RenderAudio(io *audio.IOData) {
	if s.mode == synth.TimeMasterAudio {
		blockStart := s.MasterTime()
		s.setMasterTime(blockStart + float64(io.FramesPerBuffer())/io.SampleRate())
		s.ProcessEvents(blockStart, io.SampleRate())
	}
	s.synth.RenderAudio(io)
}

// RenderGraphics advances the clock by one frame when graphics is the time
// master, then draws the synth.
func (s *SynthSequencer) RenderGraphics(g graphics.Graphics) {
	if s.mode == synth.TimeMasterGraphics {
		blockStart := s.MasterTime()
		s.setMasterTime(blockStart + s.frameDuration)
		s.ProcessEvents(blockStart, 0)
	}
	s.synth.RenderGraphics(g)
}

// Update advances the clock by dt when update is the time master, then
// updates the synth.
func (s *SynthSequencer) Update(dt float64) {
	if s.mode == synth.TimeMasterUpdate {
		blockStart := s.MasterTime()
		s.setMasterTime(blockStart + dt)
		s.ProcessEvents(blockStart, 0)
	}
	s.synth.Update(dt)
}

func (s *SynthSequencer) startCPUClock(startTime float64) {
	s.stopCPUClock()

	s.cpuMutex.Lock()
	defer s.cpuMutex.Unlock()
	stop, done := make(chan struct{}), make(chan struct{})
	s.cpuStop, s.cpuDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.cpuGranularity)
		defer ticker.Stop()
		began := time.Now()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				blockStart := s.MasterTime()
				s.setMasterTime(startTime + time.Since(began).Seconds())
				s.ProcessEvents(blockStart, 0)
			}
		}
	}()
}

func (s *SynthSequencer) stopCPUClock() {
	s.cpuMutex.Lock()
	stop, done := s.cpuStop, s.cpuDone
	s.cpuStop, s.cpuDone = nil, nil
	s.cpuMutex.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

// Close stops the clock goroutine.
func (s *SynthSequencer) Close() {
	s.stopCPUClock()
}

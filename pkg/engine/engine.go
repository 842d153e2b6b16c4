package engine

import (
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/config"
	"github.com/allolib/allosynth/pkg/graphics"
	"github.com/allolib/allosynth/pkg/instruments"
	"github.com/allolib/allosynth/pkg/log"
	"github.com/allolib/allosynth/pkg/midi"
	"github.com/allolib/allosynth/pkg/params"
	"github.com/allolib/allosynth/pkg/pose"
	"github.com/allolib/allosynth/pkg/scene"
	"github.com/allolib/allosynth/pkg/sequencer"
	"github.com/allolib/allosynth/pkg/spatial"
	"github.com/allolib/allosynth/pkg/synth"
	"github.com/allolib/allosynth/pkg/voice"
)

var (
	_ Controller    = (*Engine)(nil)
	_ params.Target = (*Engine)(nil)
	_ midi.Target   = (*Engine)(nil)
)

// Engine owns the audio driver, the scene and the sequencer playing into
// it, and publishes every rendered block on the bus.
type Engine struct {
	cfg    *config.Config
	driver audio.Driver
	scene  *scene.DynamicScene
	seq    *sequencer.SynthSequencer
	bus    *audio.Bus
	rec    *sequencer.Recorder

	// graphics goroutine only
	graphics *graphics.Recorder

	blocks    atomic.Uint64
	tempo     atomic.Uint64
	startTime time.Time

	doneMutex sync.Mutex
	done      chan struct{}

	mutex        sync.Mutex
	started      bool
	stopGraphics chan struct{}
	graphicsDone chan struct{}
	osc          *params.Server
	midi         *midi.Input

	shutdownOnce sync.Once
}

// New builds the scene and sequencer described by cfg around driver.
// Nothing runs until Start.
func New(cfg *config.Config, driver audio.Driver) (*Engine, error) {
	mode, err := synth.ParseTimeMasterMode(cfg.Sequencer.TimeMaster)
	if err != nil {
		return nil, err
	}
	law, err := spatial.ParseAttenuationLaw(cfg.Scene.Attenuation.Law)
	if err != nil {
		return nil, err
	}
	sp, err := spatial.New(cfg.Scene.Spatializer)
	if err != nil {
		return nil, err
	}

	opts := scene.DefaultOptions()
	opts.Synth.TimeMaster = mode
	if cfg.Sequencer.CPUGranularity > 0 {
		opts.Synth.CPUGranularity = cfg.Sequencer.CPUGranularity
	}
	opts.AudioThreads = cfg.Scene.AudioThreads
	opts.UpdateThreads = cfg.Scene.UpdateThreads
	opts.SortDrawing = cfg.Scene.SortDrawing
	opts.VoiceMaxChannels = cfg.Scene.VoiceMaxChannels
	opts.VoiceBusChannels = cfg.Scene.VoiceBusChannels
	opts.Spatializer = sp
	opts.Attenuation = spatial.DistanceAttenuation{
		Law:     law,
		Near:    cfg.Scene.Attenuation.Near,
		Far:     cfg.Scene.Attenuation.Far,
		FarBias: cfg.Scene.Attenuation.FarBias,
	}
	sc := scene.New(opts)

	instruments.Register(sc.PolySynth)
	for name, n := range cfg.Scene.Polyphony {
		sc.AllocatePolyphony(name, n)
	}
	for _, name := range cfg.Scene.DisableAllocation {
		sc.DisableAllocation(name)
	}

	e := &Engine{
		cfg:    cfg,
		driver: driver,
		scene:  sc,
		seq: sequencer.New(sc, sequencer.Options{
			TimeMaster:     mode,
			CPUGranularity: cfg.Sequencer.CPUGranularity,
			FrameRate:      cfg.Scene.FrameRate,
			Directory:      cfg.Sequencer.Directory,
		}),
		bus:       audio.NewBus(),
		graphics:  graphics.NewRecorder(),
		startTime: time.Now(),
		done:      closedChan(),
	}
	e.rec = sequencer.NewRecorder(sc, nil)
	e.seq.RegisterSequenceEndCallback(func(name string) { e.finishSequence() })
	e.seq.RegisterTempoCallback(func(bpm float64) { e.tempo.Store(math.Float64bits(bpm)) })

	log.WithFields(logrus.Fields{
		"backend":     driver.Name(),
		"time_master": mode.String(),
		"spatializer": cfg.Scene.Spatializer,
		"attenuation": law.String(),
	}).Info("Engine created")
	return e, nil
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

func (e *Engine) Scene() *scene.DynamicScene           { return e.scene }
func (e *Engine) Sequencer() *sequencer.SynthSequencer { return e.seq }
func (e *Engine) Bus() *audio.Bus                      { return e.bus }
func (e *Engine) Recorder() *sequencer.Recorder        { return e.rec }
func (e *Engine) Driver() audio.Driver                 { return e.driver }
func (e *Engine) AudioFormat() audio.DriverConfig      { return e.driver.Config() }
func (e *Engine) LastFrame() []graphics.DrawCall       { return e.graphics.LastFrame() }
func (e *Engine) ListenerPose() pose.Pose              { return e.scene.ListenerPose() }
func (e *Engine) SetListenerPose(p pose.Pose)          { e.scene.SetListenerPose(p) }
func (e *Engine) AllNotesOff()                         { e.scene.AllNotesOff() }
func (e *Engine) Voices() []synth.VoiceInfo            { return e.scene.Stats().ActiveVoices }
func (e *Engine) Sequences() []string                  { return e.seq.SequenceList() }

// Start starts the audio driver, the graphics loop and the configured OSC
// and MIDI inputs.
func (e *Engine) Start() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.started {
		return audio.ErrAlreadyStarted
	}

	if err := e.driver.Start(e.Process); err != nil {
		return fmt.Errorf("start audio driver: %w", err)
	}
	e.started = true

	e.stopGraphics = make(chan struct{})
	e.graphicsDone = make(chan struct{})
	go e.graphicsLoop(e.stopGraphics, e.graphicsDone)

	if addr := e.cfg.OSC.Addr; addr != "" {
		s := params.NewServer(addr, e)
		s.Watch(e.scene)
		for _, l := range e.cfg.OSC.Listeners {
			if err := s.AddListener(l); err != nil {
				log.Warnf("Skipping OSC listener: %v", err)
			}
		}
		if err := s.Start(); err != nil {
			log.Errorf("OSC disabled: %v", err)
		} else {
			e.osc = s
		}
	}

	if port := e.cfg.MIDI.InputPort; port != "" {
		opts := midi.DefaultOptions()
		if e.cfg.MIDI.VoiceType != "" {
			opts.VoiceType = e.cfg.MIDI.VoiceType
		}
		in := midi.NewInput(e, opts)
		if err := in.Open(port); err != nil {
			log.Errorf("MIDI input disabled: %v", err)
		} else {
			e.midi = in
		}
	}

	log.Infof("Engine started: %s driver, %d Hz, %d frames per block",
		e.driver.Name(), e.driver.Config().SampleRate, e.driver.Config().FramesPerBuffer)
	return nil
}

// Shutdown stops inputs, the graphics loop and the driver, then the
// sequencer and scene goroutines.
func (e *Engine) Shutdown() error {
	e.shutdownOnce.Do(func() {
		e.mutex.Lock()
		started := e.started
		e.started = false
		osc, in := e.osc, e.midi
		stop, done := e.stopGraphics, e.graphicsDone
		e.mutex.Unlock()

		if in != nil {
			in.Close()
		}
		if osc != nil {
			osc.Stop()
		}
		if started {
			close(stop)
			<-done
			e.driver.Stop()
		}
		e.seq.Close()
		e.scene.Close()
		e.bus.Shutdown()
		e.finishSequence()
		log.Info("Engine shut down")
	})
	return nil
}

// Process is the audio callback: it renders one block through the
// sequencer and publishes it.
func (e *Engine) Process(io *audio.IOData) {
	e.seq.RenderAudio(io)
	seq := e.blocks.Add(1) - 1
	if !e.bus.HasSubscribers() {
		return
	}

	sr := uint32(io.SampleRate())
	e.bus.Publish(&audio.Block{
		Stream:     audio.StreamMaster,
		Sequence:   seq,
		SampleRate: sr,
		Channels:   uint16(io.ChannelsOut()),
		Samples:    io.Interleave(nil),
	})
	if io.ChannelsBus() > 0 {
		e.bus.Publish(&audio.Block{
			Stream:     audio.StreamBus,
			Sequence:   seq,
			SampleRate: sr,
			Channels:   uint16(io.ChannelsBus()),
			Samples:    interleaveBus(io),
		})
	}
}

func interleaveBus(io *audio.IOData) []float32 {
	chans := io.ChannelsBus()
	dst := make([]float32, io.FramesPerBuffer()*chans)
	for ch := 0; ch < chans; ch++ {
		for i, s := range io.Bus(ch) {
			dst[i*chans+ch] = s
		}
	}
	return dst
}

func (e *Engine) graphicsLoop(stop, done chan struct{}) {
	defer close(done)

	rate := e.cfg.Scene.FrameRate
	if rate <= 0 {
		rate = 60
	}
	ticker := time.NewTicker(time.Duration(float64(time.Second) / rate))
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			e.RenderFrame(now.Sub(last).Seconds())
			last = now
		}
	}
}

// RenderFrame updates the voices by dt seconds and records one graphics
// frame. Only one goroutine may call it.
func (e *Engine) RenderFrame(dt float64) {
	e.seq.Update(dt)
	e.graphics.BeginFrame()
	e.seq.RenderGraphics(e.graphics)
	if err := e.graphics.EndFrame(); err != nil {
		log.WarnOnce("engine-graphics-frame", "Graphics frame %d: %v", e.graphics.Frames(), err)
	}
}

// VoiceTypes returns the registered voice type names, sorted.
func (e *Engine) VoiceTypes() []string {
	names := e.scene.VoiceTypes()
	slices.Sort(names)
	return names
}

// TriggerVoice starts a voice of typeName now and returns its id. Fields
// that do not fit the voice are logged and the voice keeps its previous
// parameters.
func (e *Engine) TriggerVoice(typeName string, fields []voice.ParamField) (int, error) {
	if !slices.Contains(e.scene.VoiceTypes(), typeName) {
		return -1, fmt.Errorf("%w: %q", ErrUnknownVoiceType, typeName)
	}
	v := e.scene.GetVoice(typeName, true)
	if v == nil {
		return -1, fmt.Errorf("%w: %s", ErrAllocationFailed, typeName)
	}
	if len(fields) > 0 && !v.SetTriggerParams(fields) {
		log.WithFields(logrus.Fields{"type": typeName, "fields": voice.FormatFields(fields)}).
			Warn("Trigger parameters do not match the voice, keeping previous values")
	}
	id := e.scene.TriggerOn(v, 0, -1, nil)
	if id < 0 {
		return -1, ErrVoiceVetoed
	}
	return id, nil
}

// ReleaseVoice turns off the pending or active voice with id.
func (e *Engine) ReleaseVoice(id int) error {
	if e.scene.VoiceByID(id) == nil {
		return fmt.Errorf("%w: %d", ErrVoiceNotFound, id)
	}
	if !e.scene.TriggerOff(id) {
		return fmt.Errorf("%w: turn-off of %d", ErrVoiceVetoed, id)
	}
	return nil
}

// PlaySequence plays the named sequence from startTime.
func (e *Engine) PlaySequence(name string, startTime float64) error {
	if _, err := e.seq.SequencePath(name); err != nil {
		return err
	}
	e.doneMutex.Lock()
	e.done = make(chan struct{})
	e.doneMutex.Unlock()
	e.tempo.Store(0)

	e.seq.PlaySequence(name, startTime)
	return nil
}

func (e *Engine) StopSequence() {
	e.seq.StopSequence()
	e.finishSequence()
}

// SequenceDone returns a channel closed when the sequence started by the
// last PlaySequence ends or is stopped.
func (e *Engine) SequenceDone() <-chan struct{} {
	e.doneMutex.Lock()
	defer e.doneMutex.Unlock()
	return e.done
}

func (e *Engine) finishSequence() {
	e.doneMutex.Lock()
	defer e.doneMutex.Unlock()
	select {
	case <-e.done:
	default:
		close(e.done)
	}
}

// StartRecording records triggers from now on.
func (e *Engine) StartRecording() {
	e.rec.StartRecord()
	log.Info("Recording started")
}

// StopRecording ends the recording and saves it as the named sequence. An
// empty name discards it.
func (e *Engine) StopRecording(name string) error {
	e.rec.StopRecord()
	if name == "" {
		return nil
	}
	dir := e.seq.Directory()
	if dir == "" {
		return sequencer.ErrNoDirectory
	}
	path := filepath.Join(dir, name+sequencer.Extension)
	if err := e.rec.Save(path); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"path": path, "events": len(e.rec.Events())}).Info("Recording saved")
	return nil
}

// Stats returns a snapshot of the engine.
func (e *Engine) Stats() Stats {
	dc := e.driver.Config()
	return Stats{
		Backend:       e.driver.Name(),
		SampleRate:    dc.SampleRate,
		BlockSize:     dc.FramesPerBuffer,
		Blocks:        e.blocks.Load(),
		GraphicFrames: e.graphics.Frames(),
		DrawCalls:     len(e.graphics.LastFrame()),
		AudioThreads:  e.scene.AudioThreads(),
		Uptime:        time.Since(e.startTime),
		Listener:      e.scene.ListenerPose(),
		Sequence: SequenceState{
			Name:       e.seq.CurrentSequence(),
			Playing:    e.seq.Playing(),
			MasterTime: e.seq.MasterTime(),
			TimeMaster: e.seq.TimeMaster().String(),
			Tempo:      math.Float64frombits(e.tempo.Load()),
		},
		Synth: e.scene.Stats(),
		Bus:   e.bus.GetStats(),
	}
}

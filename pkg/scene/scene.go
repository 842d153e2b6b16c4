package scene

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/graphics"
	"github.com/allolib/allosynth/pkg/log"
	"github.com/allolib/allosynth/pkg/pose"
	"github.com/allolib/allosynth/pkg/spatial"
	"github.com/allolib/allosynth/pkg/synth"
	"github.com/allolib/allosynth/pkg/threadpool"
	"github.com/allolib/allosynth/pkg/voice"
)

// Options configures a DynamicScene.
type Options struct {
	Synth synth.Options

	// AudioThreads above one renders voices on that many goroutines.
	AudioThreads int
	// UpdateThreads above zero dispatches Update through a ThreadPool.
	UpdateThreads int
	// SortDrawing draws positioned voices back to front.
	SortDrawing bool

	// VoiceMaxChannels is the channel count of each voice's scratch block.
	VoiceMaxChannels int
	// VoiceBusChannels is the number of buses voices may write.
	VoiceBusChannels int

	Attenuation spatial.DistanceAttenuation
	Spatializer spatial.Spatializer
}

// DefaultOptions renders on the calling goroutine with stereo panning and
// no distance attenuation.
func DefaultOptions() Options {
	return Options{
		Synth:            synth.DefaultOptions(),
		VoiceMaxChannels: 1,
		Attenuation:      spatial.DistanceAttenuation{Law: spatial.LawNone, Near: 1, Far: 50},
	}
}

// DynamicScene is a PolySynth that places voices in space. Audio from each
// voice is rendered into a scratch block, attenuated by its distance from
// the listener and handed to the spatializer. Rendering can be spread over
// a fixed set of audio goroutines, and Update over a ThreadPool.
type DynamicScene struct {
	*synth.PolySynth

	listener    *pose.Shared
	attenuation atomic.Pointer[spatial.DistanceAttenuation]
	sortDrawing atomic.Bool

	spatializerMutex sync.Mutex
	spatializer      spatial.Spatializer

	voiceChannels int
	busChannels   int

	// single-goroutine rendering
	scratch voiceScratch

	threads *audioThreads
	pool    *threadpool.ThreadPool

	closeOnce sync.Once
}

// New creates a scene. Worker goroutines are started here and stopped by
// Close.
func New(opts Options) *DynamicScene {
	if opts.Spatializer == nil {
		opts.Spatializer = &spatial.StereoPanner{}
	}
	s := &DynamicScene{
		PolySynth:     synth.NewPolySynth(opts.Synth),
		listener:      pose.NewShared(pose.Identity()),
		spatializer:   opts.Spatializer,
		voiceChannels: max(opts.VoiceMaxChannels, 1),
		busChannels:   max(opts.VoiceBusChannels, 0),
	}
	atten := opts.Attenuation
	s.attenuation.Store(&atten)
	s.sortDrawing.Store(opts.SortDrawing)

	if opts.AudioThreads > 1 {
		s.threads = newAudioThreads(s, opts.AudioThreads)
	}
	if opts.UpdateThreads > 0 {
		s.pool = threadpool.New(opts.UpdateThreads)
	}
	log.Debugf("Scene created: audio threads %d, update threads %d, spatializer %T",
		opts.AudioThreads, opts.UpdateThreads, opts.Spatializer)
	return s
}

// Close stops the audio goroutines, the update pool and the allocator's
// CPU clock.
func (s *DynamicScene) Close() {
	s.closeOnce.Do(func() {
		if s.threads != nil {
			s.threads.stop()
		}
		if s.pool != nil {
			s.pool.StopThreads()
		}
		s.PolySynth.Close()
	})
}

// ListenerPose returns the current listener pose.
func (s *DynamicScene) ListenerPose() pose.Pose { return s.listener.Load() }

// SetListenerPose publishes a new listener pose. Audio goroutines pick it
// up at the next block.
func (s *DynamicScene) SetListenerPose(p pose.Pose) { s.listener.Store(p) }

// DistanceAttenuation returns the attenuation in use.
func (s *DynamicScene) DistanceAttenuation() spatial.DistanceAttenuation {
	return *s.attenuation.Load()
}

// SetDistanceAttenuation replaces the attenuation from the next block.
func (s *DynamicScene) SetDistanceAttenuation(d spatial.DistanceAttenuation) {
	s.attenuation.Store(&d)
}

// SetSortDrawing enables back-to-front drawing of positioned voices.
func (s *DynamicScene) SetSortDrawing(sorted bool) { s.sortDrawing.Store(sorted) }

// Spatializer returns the current spatializer.
func (s *DynamicScene) Spatializer() spatial.Spatializer {
	s.spatializerMutex.Lock()
	defer s.spatializerMutex.Unlock()
	return s.spatializer
}

// SetSpatializer swaps the spatializer between blocks.
func (s *DynamicScene) SetSpatializer(sp spatial.Spatializer) {
	s.spatializerMutex.Lock()
	defer s.spatializerMutex.Unlock()
	s.spatializer = sp
}

// blockContext is what every voice render in one block shares.
type blockContext struct {
	io          *audio.IOData
	listener    pose.Pose
	attenuation spatial.DistanceAttenuation
	buses       int
}

// RenderAudio renders and spatializes every active voice into io.
func (s *DynamicScene) RenderAudio(io *audio.IOData) {
	master := s.TimeMaster() == synth.TimeMasterAudio
	if master {
		s.ProcessVoices()
		s.ProcessVoiceTurnOff()
	}

	buses := s.busChannels
	if buses > io.ChannelsBus() {
		log.WarnOnce("scene-bus-channels", "Voices use %d bus channels but the driver provides %d; extra bus output is dropped",
			s.busChannels, io.ChannelsBus())
		buses = io.ChannelsBus()
	}
	ctx := blockContext{
		io:          io,
		listener:    s.listener.Load(),
		attenuation: *s.attenuation.Load(),
		buses:       buses,
	}

	sp := s.Spatializer()
	sp.Prepare(io)
	s.ActiveList(func(active []voice.Voice) {
		if s.threads != nil {
			s.threads.render(ctx, active)
			return
		}
		s.scratch.io = ensureScratch(s.scratch.io, io, s.voiceChannels, s.busChannels)
		for i := len(active) - 1; i >= 0; i-- {
			v := active[i]
			if voice.BaseOf(v).Active() {
				s.renderVoice(v, &s.scratch, ctx)
			}
		}
	})
	sp.Finalize(io)

	s.PostProcess(io)

	if master {
		s.ProcessInactiveVoices()
	}
}

func ensureScratch(scratch, io *audio.IOData, channels, buses int) *audio.IOData {
	fpb := io.FramesPerBuffer()
	if scratch == nil {
		return audio.NewIOData(fpb, channels, buses, io.SampleRate())
	}
	if scratch.FramesPerBuffer() != fpb {
		scratch.Resize(fpb, channels, buses)
	}
	scratch.SetSampleRate(io.SampleRate())
	return scratch
}

// voiceScratch is the per-goroutine state renderVoice reuses across voices
// and blocks.
type voiceScratch struct {
	io        *audio.IOData
	mixer     audio.Mixer
	positions []pose.Vec3
	gains     []float32
}

// channels resizes the position and gain slices to n, growing them only when
// a voice has more channels than any before it.
func (sc *voiceScratch) channels(n int) ([]pose.Vec3, []float32) {
	if cap(sc.gains) < n {
		sc.positions = make([]pose.Vec3, n)
		sc.gains = make([]float32, n)
	}
	return sc.positions[:n], sc.gains[:n]
}

// renderVoice renders one voice into the scratch block, then attenuates and
// spatializes each of its channels into the block output. Writes into the
// shared block happen under the spatializer lock.
func (s *DynamicScene) renderVoice(v voice.Voice, sc *voiceScratch, ctx blockContext) {
	scratch := sc.io
	scratch.ZeroOut()
	scratch.ZeroBus()
	if !synth.RenderVoice(v, scratch, ctx.io.FramesPerBuffer()) {
		return
	}

	channels := min(voice.BaseOf(v).ChannelsOut(), scratch.ChannelsOut())
	positions, gains := sc.channels(channels)
	for ch := range gains {
		positions[ch] = pose.Vec3{}
		gains[ch] = 1
	}
	if pv, ok := v.(voice.Positioned); ok {
		p := pv.Pose()
		offsets := pv.AudioOutOffsets()
		for ch := range positions {
			src := p.Pos
			if ch < len(offsets) {
				src = src.Add(p.Quat.Rotate(offsets[ch]))
			}
			positions[ch] = ctx.listener.Relative(src)
			gains[ch] = ctx.attenuation.Attenuation(positions[ch].Len())
		}
	}
	for ch := 0; ch < channels; ch++ {
		audio.Gain(scratch.Out(ch), gains[ch])
	}

	s.spatializerMutex.Lock()
	defer s.spatializerMutex.Unlock()
	for ch := 0; ch < channels; ch++ {
		s.spatializer.RenderBuffer(ctx.io, positions[ch], scratch.Out(ch))
	}
	for b := 0; b < ctx.buses; b++ {
		sc.mixer.MixGain(ctx.io.Bus(b), scratch.Bus(b), 1)
	}
}

// RenderGraphics draws every active voice. Positioned voices are drawn in
// their own frame, back to front when sorting is enabled.
func (s *DynamicScene) RenderGraphics(g graphics.Graphics) {
	master := s.TimeMaster() == synth.TimeMasterGraphics
	if master {
		s.ProcessVoices()
		s.ProcessVoiceTurnOff()
	}

	listener := s.listener.Load()
	s.ActiveList(func(active []voice.Voice) {
		order := make([]voice.Voice, 0, len(active))
		for i := len(active) - 1; i >= 0; i-- {
			if voice.BaseOf(active[i]).Active() {
				order = append(order, active[i])
			}
		}
		if s.sortDrawing.Load() {
			sortBackToFront(order, listener.Pos)
		}

		for _, v := range order {
			pv, ok := v.(voice.Positioned)
			if !ok {
				v.OnProcessGraphics(g)
				continue
			}
			g.PushMatrix()
			pv.ApplyTransformations(g)
			v.OnProcessGraphics(g)
			g.PopMatrix()
		}
	})

	if master {
		s.ProcessInactiveVoices()
	}
}

// sortBackToFront orders positioned voices by decreasing distance from
// the listener. Voices without a pose count as being at the listener.
func sortBackToFront(voices []voice.Voice, listener pose.Vec3) {
	dist := make(map[voice.Voice]float64, len(voices))
	for _, v := range voices {
		if pv, ok := v.(voice.Positioned); ok {
			dist[v] = pv.Pose().Pos.Distance(listener)
		}
	}
	sort.SliceStable(voices, func(i, j int) bool {
		return dist[voices[i]] > dist[voices[j]]
	})
}

// Update advances every active voice by dt. With an update pool, voices
// update in parallel and Update returns once all of them have finished.
func (s *DynamicScene) Update(dt float64) {
	master := s.TimeMaster() == synth.TimeMasterUpdate
	if master {
		s.ProcessVoices()
		s.ProcessVoiceTurnOff()
	}

	s.ActiveList(func(active []voice.Voice) {
		for i := len(active) - 1; i >= 0; i-- {
			v := active[i]
			if !voice.BaseOf(v).Active() {
				continue
			}
			if s.pool == nil {
				v.Update(dt)
				continue
			}
			s.pool.Enqueue(func() { v.Update(dt) })
		}
		if s.pool != nil {
			s.pool.WaitForProcessingDone()
		}
	})

	if master {
		s.ProcessInactiveVoices()
	}
}

// AudioThreads returns the number of audio render goroutines, or 0 when
// voices render on the caller.
func (s *DynamicScene) AudioThreads() int {
	if s.threads == nil {
		return 0
	}
	return len(s.threads.workers)
}

// ThreadMap returns the voice ids assigned to each audio goroutine in the
// last threaded block.
func (s *DynamicScene) ThreadMap() [][]int {
	if s.threads == nil {
		return nil
	}
	s.threads.mutex.Lock()
	defer s.threads.mutex.Unlock()
	m := make([][]int, len(s.threads.workers))
	for i, w := range s.threads.workers {
		m[i] = append([]int{}, w.ids...)
	}
	return m
}

func (s *DynamicScene) String() string {
	return fmt.Sprintf("DynamicScene(%s, %d audio threads)", s.TimeMaster(), s.AudioThreads())
}

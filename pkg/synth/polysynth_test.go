package synth

import (
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/graphics"
	"github.com/allolib/allosynth/pkg/voice"
)

type countingVoice struct {
	voice.Base
	level   *voice.Parameter
	frames  int
	draws   int
	updates int
}

func newCountingVoice() voice.Voice {
	v := &countingVoice{level: voice.NewFloatParameter("level", 1)}
	v.RegisterTriggerParameters(v.level)
	return v
}

func (v *countingVoice) OnProcessAudio(io *audio.IOData) {
	for io.Next() {
		io.AddOut(0, float32(v.level.Float()))
		v.frames++
	}
}

func (v *countingVoice) OnProcessGraphics(g graphics.Graphics) { v.draws++ }
func (v *countingVoice) Update(dt float64)                     { v.updates++ }

type otherVoice struct {
	voice.Base
}

func newSynth(t *testing.T, mode TimeMasterMode) *PolySynth {
	t.Helper()
	opts := DefaultOptions()
	opts.TimeMaster = mode
	s := NewPolySynth(opts)
	s.RegisterVoiceType("Count", newCountingVoice)
	s.RegisterVoiceType("Other", func() voice.Voice { return &otherVoice{} })
	t.Cleanup(s.Close)
	return s
}

func trigger(t *testing.T, s *PolySynth, name string, offset int) int {
	t.Helper()
	v := s.GetVoice(name, true)
	if v == nil {
		t.Fatalf("GetVoice(%q) = nil", name)
	}
	return s.TriggerOn(v, offset, -1, nil)
}

// checkLists verifies that every known voice is in exactly one place.
func checkLists(t *testing.T, s *PolySynth, known map[voice.Voice]bool, held map[voice.Voice]bool) {
	t.Helper()
	lists := s.Lists()
	where := make(map[voice.Voice]int)
	mark := func(vs []voice.Voice, want voice.List) {
		for _, v := range vs {
			where[v]++
			if got := voice.BaseOf(v).List(); got != want {
				t.Errorf("voice in %s list reports list %s", want, got)
			}
		}
	}
	mark(lists.Free, voice.ListFree)
	mark(lists.Pending, voice.ListPending)
	mark(lists.Active, voice.ListActive)
	for v := range held {
		where[v]++
	}
	for v := range known {
		if where[v] != 1 {
			t.Fatalf("voice %p (id %d) is in %d lists, want 1", v, voice.BaseOf(v).ID(), where[v])
		}
	}
	for v := range where {
		if !known[v] {
			t.Fatalf("unknown voice %p in lists", v)
		}
	}
}

func TestListExclusivity(t *testing.T) {
	s := newSynth(t, TimeMasterAudio)
	io := audio.NewIOData(64, 1, 0, 44100)
	rng := rand.New(rand.NewSource(1))

	var veto atomic.Bool
	s.RegisterTriggerOnCallback(func(voice.Voice, int, int, any) bool { return !veto.Load() })

	known := make(map[voice.Voice]bool)
	held := make(map[voice.Voice]bool)
	var all []voice.Voice
	var ids []int

	for step := 0; step < 4000; step++ {
		switch op := rng.Intn(7); op {
		case 0, 1:
			v := s.GetVoice("Count", true)
			if !known[v] {
				all = append(all, v)
			}
			known[v] = true
			if rng.Intn(4) == 0 {
				held[v] = true // keep it checked out for a while
				break
			}
			id := s.TriggerOn(v, rng.Intn(128), -1, nil)
			ids = append(ids, id)
		case 2:
			if len(ids) > 0 {
				i := rng.Intn(len(ids))
				s.TriggerOffAt(ids[i], rng.Intn(128))
				if rng.Intn(2) == 0 {
					ids = append(ids[:i], ids[i+1:]...)
				}
			}
		case 3:
			for v := range held {
				delete(held, v)
				ids = append(ids, s.TriggerOn(v, 0, -1, nil))
				break
			}
		case 4:
			s.RenderAudio(io)
		case 5, 6:
			// retrigger whatever list the voice is in, vetoed half the time
			if len(all) == 0 {
				break
			}
			v := all[rng.Intn(len(all))]
			if held[v] {
				break
			}
			veto.Store(op == 6)
			if id := s.TriggerOn(v, rng.Intn(128), -1, nil); id >= 0 {
				ids = append(ids, id)
			}
			veto.Store(false)
		}
		checkLists(t, s, known, held)
	}
}

func TestRetrigger(t *testing.T) {
	s := newSynth(t, TimeMasterAudio)
	io := audio.NewIOData(64, 1, 0, 44100)
	var veto atomic.Bool
	s.RegisterTriggerOnCallback(func(voice.Voice, int, int, any) bool { return !veto.Load() })

	v := s.GetVoice("Count", true)
	known := map[voice.Voice]bool{v: true}
	id := s.TriggerOn(v, 0, -1, nil)

	tests := []struct {
		name  string
		veto  bool
		steps func()
		want  voice.List
	}{
		{"vetoed while pending", true, func() {}, voice.ListPending},
		{"pending again", false, func() {}, voice.ListPending},
		{"active again", false, func() { s.RenderAudio(io) }, voice.ListActive},
		{"vetoed while active", true, func() { s.RenderAudio(io) }, voice.ListActive},
	}

	for _, test := range tests {
		test.steps()
		veto.Store(test.veto)
		got := s.TriggerOn(v, 0, id, nil)
		veto.Store(false)
		if test.veto && got != -1 {
			t.Errorf("%s: TriggerOn = %d, want -1", test.name, got)
		}
		if !test.veto && got != id {
			t.Errorf("%s: TriggerOn = %d, want %d", test.name, got, id)
		}
		if l := voice.BaseOf(v).List(); l != test.want {
			t.Errorf("%s: list = %s, want %s", test.name, l, test.want)
		}
		checkLists(t, s, known, nil)
	}

	s.RenderAudio(io)
	if got := len(s.Lists().Active); got != 1 {
		t.Errorf("active voices = %d, want 1", got)
	}
	if got := len(s.Lists().Free); got != 0 {
		t.Errorf("free voices = %d, want 0", got)
	}
}

func TestTriggerOn_FromFreeList(t *testing.T) {
	s := newSynth(t, TimeMasterAudio)
	s.AllocatePolyphony("Count", 2)

	v := s.Lists().Free[0]
	if id := s.TriggerOn(v, 0, -1, nil); id < 0 {
		t.Fatalf("TriggerOn = %d", id)
	}
	lists := s.Lists()
	if len(lists.Free) != 1 || len(lists.Pending) != 1 {
		t.Errorf("free/pending = %d/%d, want 1/1", len(lists.Free), len(lists.Pending))
	}
	if lists.Free[0] == v {
		t.Error("triggered voice still on the free list")
	}
}

func TestIDsIncrease(t *testing.T) {
	s := newSynth(t, TimeMasterAudio)
	io := audio.NewIOData(64, 1, 0, 44100)

	last := -1
	for i := 0; i < 50; i++ {
		id := trigger(t, s, "Count", 0)
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
		if i%3 == 0 {
			s.TriggerOff(id)
			s.RenderAudio(io) // recycles voices
		}
	}

	// an explicit id does not move the counter backwards
	v := s.GetVoice("Count", true)
	if got := s.TriggerOn(v, 0, 5, nil); got != 5 {
		t.Errorf("TriggerOn with id 5 = %d", got)
	}
	if next := trigger(t, s, "Count", 0); next <= last {
		t.Errorf("auto id after explicit = %d, want > %d", next, last)
	}
}

func TestTriggerOffTwice(t *testing.T) {
	s := newSynth(t, TimeMasterAudio)
	io := audio.NewIOData(64, 1, 0, 44100)

	var freed atomic.Int32
	s.RegisterFreeCallback(func(voice.Voice) { freed.Add(1) })

	id := trigger(t, s, "Count", 0)
	s.RenderAudio(io)

	s.TriggerOff(id)
	s.TriggerOff(id)
	s.RenderAudio(io)
	s.TriggerOff(id)
	s.RenderAudio(io)

	if got := freed.Load(); got != 1 {
		t.Errorf("free callbacks = %d, want 1", got)
	}
	if got := len(s.Lists().Free); got != 1 {
		t.Errorf("free list length = %d, want 1", got)
	}
}

func TestDisableAllocation(t *testing.T) {
	s := newSynth(t, TimeMasterAudio)
	s.DisableAllocation("Count")

	if v := s.GetVoice("Count", true); v != nil {
		t.Errorf("GetVoice with allocation disabled and empty free list = %T, want nil", v)
	}

	// another type in the free list is never substituted
	s.InsertFreeVoice(&otherVoice{})
	if v := s.GetVoice("Count", true); v != nil {
		t.Errorf("GetVoice returned %T for disabled type", v)
	}

	s.AllocatePolyphony("Count", 1)
	v := s.GetVoice("Count", true)
	if v == nil {
		t.Fatal("GetVoice with a free voice = nil")
	}
	if name := voice.BaseOf(v).TypeName(); name != "Count" {
		t.Errorf("TypeName() = %q, want Count", name)
	}
	if s.GetVoice("Count", true) != nil {
		t.Error("second GetVoice returned a voice beyond the allocated polyphony")
	}

	s.EnableAllocation("Count")
	if s.GetVoice("Count", true) == nil {
		t.Error("GetVoice after EnableAllocation = nil")
	}
}

func TestGetVoice(t *testing.T) {
	s := newSynth(t, TimeMasterAudio)

	tests := []struct {
		name       string
		forceAlloc bool
		wantNil    bool
	}{
		{"Count", true, false},
		{"Count", false, true},
		{"Missing", true, true},
	}
	for _, test := range tests {
		got := s.GetVoice(test.name, test.forceAlloc)
		if (got == nil) != test.wantNil {
			t.Errorf("GetVoice(%q, %v) = %v, want nil: %v", test.name, test.forceAlloc, got, test.wantNil)
		}
	}

	s.InsertFreeVoice(&otherVoice{})
	if v := s.GetVoice("otherVoice", false); v == nil {
		t.Error("GetVoice by reflected type name = nil")
	}
}

func TestTriggerOnVeto(t *testing.T) {
	s := newSynth(t, TimeMasterAudio)
	s.RegisterTriggerOnCallback(func(v voice.Voice, offset, id int, userData any) bool {
		return userData != "veto"
	})

	v := s.GetVoice("Count", true)
	if id := s.TriggerOn(v, 0, -1, "veto"); id != -1 {
		t.Errorf("vetoed TriggerOn = %d, want -1", id)
	}
	if voice.BaseOf(v).Active() {
		t.Error("vetoed voice is active")
	}
	if got := voice.BaseOf(v).List(); got != voice.ListFree {
		t.Errorf("vetoed voice list = %s, want free", got)
	}

	if id := s.TriggerOn(s.GetVoice("Count", true), 0, -1, "ok"); id < 0 {
		t.Errorf("TriggerOn = %d, want >= 0", id)
	}
}

func TestTriggerOffVeto(t *testing.T) {
	s := newSynth(t, TimeMasterAudio)
	s.RegisterTriggerOffCallback(func(id int) bool { return false })
	io := audio.NewIOData(64, 1, 0, 44100)

	id := trigger(t, s, "Count", 0)
	if s.TriggerOff(id) {
		t.Error("vetoed TriggerOff = true")
	}
	s.RenderAudio(io)
	if len(s.Lists().Active) != 1 {
		t.Error("voice turned off despite veto")
	}
}

func TestRenderAudio_Offsets(t *testing.T) {
	s := newSynth(t, TimeMasterAudio)
	io := audio.NewIOData(64, 1, 0, 44100)

	v := s.GetVoice("Count", true)
	id := s.TriggerOn(v, 100, -1, nil)
	cv := v.(*countingVoice)

	s.RenderAudio(io) // starts at 100: nothing in the first block
	if cv.frames != 0 {
		t.Errorf("frames after first block = %d, want 0", cv.frames)
	}
	s.RenderAudio(io)
	if cv.frames != 28 {
		t.Errorf("frames after second block = %d, want 28", cv.frames)
	}
	if io.Out(0)[35] != 0 || io.Out(0)[36] != 1 {
		t.Errorf("second block output starts at wrong frame")
	}

	s.TriggerOffAt(id, 10)
	io.ZeroOut()
	s.RenderAudio(io)
	if cv.frames != 38 {
		t.Errorf("frames after turn-off block = %d, want 38", cv.frames)
	}
	if len(s.Lists().Free) != 1 {
		t.Error("voice not reclaimed after its end offset")
	}
}

func TestRenderAudio_DelayedEnd(t *testing.T) {
	tests := []struct {
		name       string
		on, off    int
		wantFrames int
	}{
		{"on and off in later block", 300, 400, 100},
		{"off spans blocks", 100, 600, 500},
		{"off before on", 300, 100, 0},
		{"off at on", 300, 300, 0},
	}

	for _, test := range tests {
		s := newSynth(t, TimeMasterAudio)
		io := audio.NewIOData(256, 1, 0, 44100)

		v := s.GetVoice("Count", true)
		id := s.TriggerOn(v, test.on, -1, nil)
		s.TriggerOffAt(id, test.off)
		for i := 0; i < 4; i++ {
			s.RenderAudio(io)
		}

		if got := v.(*countingVoice).frames; got != test.wantFrames {
			t.Errorf("%s: frames = %d, want %d", test.name, got, test.wantFrames)
		}
		if got := voice.BaseOf(v).List(); got != voice.ListFree {
			t.Errorf("%s: list = %s, want free", test.name, got)
		}
	}
}

func TestRenderAudio_ChannelMap(t *testing.T) {
	s := newSynth(t, TimeMasterAudio)
	s.SetChannelMap([]int{1})
	io := audio.NewIOData(16, 2, 0, 44100)

	trigger(t, s, "Count", 0)
	s.RenderAudio(io)

	if io.Out(0)[0] != 0 || io.Out(1)[0] != 1 {
		t.Errorf("mapped output = %v/%v, want 0/1", io.Out(0)[0], io.Out(1)[0])
	}
}

func TestPostProcess(t *testing.T) {
	s := newSynth(t, TimeMasterAudio)
	s.RegisterPostProcessCallback(func(io *audio.IOData) {
		audio.Gain(io.Out(0), 0.5)
	})
	io := audio.NewIOData(16, 1, 0, 44100)
	trigger(t, s, "Count", 0)
	s.RenderAudio(io)
	if io.Out(0)[3] != 0.5 {
		t.Errorf("post-processed sample = %v, want 0.5", io.Out(0)[3])
	}
}

func TestTimeMasterGating(t *testing.T) {
	tests := []struct {
		mode   TimeMasterMode
		tick   func(s *PolySynth)
		others []func(s *PolySynth)
	}{
		{TimeMasterGraphics, func(s *PolySynth) { s.RenderGraphics(graphics.NewRecorder()) },
			[]func(*PolySynth){func(s *PolySynth) { s.Update(0.1) }, func(s *PolySynth) { s.RenderAudio(audio.NewIOData(8, 1, 0, 44100)) }}},
		{TimeMasterUpdate, func(s *PolySynth) { s.Update(0.1) },
			[]func(*PolySynth){func(s *PolySynth) { s.RenderGraphics(graphics.NewRecorder()) }, func(s *PolySynth) { s.RenderAudio(audio.NewIOData(8, 1, 0, 44100)) }}},
	}

	for _, test := range tests {
		s := newSynth(t, test.mode)
		trigger(t, s, "Count", 0)
		for _, other := range test.others {
			other(s)
		}
		if len(s.Lists().Pending) != 1 {
			t.Errorf("%s: non-master render moved pending voices", test.mode)
		}
		test.tick(s)
		if len(s.Lists().Active) != 1 {
			t.Errorf("%s: master tick did not activate voice", test.mode)
		}
	}
}

func TestGraphicsAndUpdateWalk(t *testing.T) {
	s := newSynth(t, TimeMasterAudio)
	io := audio.NewIOData(8, 1, 0, 44100)
	v := s.GetVoice("Count", true)
	s.TriggerOn(v, 0, -1, nil)
	s.RenderAudio(io)

	s.RenderGraphics(graphics.NewRecorder())
	s.Update(1.0 / 60)
	cv := v.(*countingVoice)
	if cv.draws != 1 || cv.updates != 1 {
		t.Errorf("draws/updates = %d/%d, want 1/1", cv.draws, cv.updates)
	}
}

func TestCPUTimeMaster(t *testing.T) {
	s := newSynth(t, TimeMasterCPU)
	trigger(t, s, "Count", 0)

	deadline := time.Now().Add(2 * time.Second)
	for len(s.Lists().Active) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(s.Lists().Active) != 1 {
		t.Fatal("CPU clock did not activate the voice")
	}
	s.Close()
	s.Close()
}

func TestAllNotesOffAndStats(t *testing.T) {
	s := newSynth(t, TimeMasterAudio)
	io := audio.NewIOData(8, 1, 0, 44100)
	trigger(t, s, "Count", 0)
	trigger(t, s, "Count", 0)
	s.RenderAudio(io)
	trigger(t, s, "Other", 0)

	st := s.Stats()
	if st.Types["Count"].Active != 2 || st.Types["Other"].Pending != 1 {
		t.Errorf("Stats().Types = %+v", st.Types)
	}
	if len(st.ActiveVoices) != 2 || st.ActiveVoices[0].ID != 1 {
		t.Errorf("ActiveVoices = %+v, want most recent (id 1) first", st.ActiveVoices)
	}

	s.AllNotesOff()
	s.RenderAudio(io)
	lists := s.Lists()
	if len(lists.Active) != 0 || len(lists.Pending) != 0 || len(lists.Free) != 3 {
		t.Errorf("after AllNotesOff: %d active, %d pending, %d free", len(lists.Active), len(lists.Pending), len(lists.Free))
	}
}

func TestParseTimeMasterMode(t *testing.T) {
	for _, mode := range []TimeMasterMode{TimeMasterAudio, TimeMasterGraphics, TimeMasterUpdate, TimeMasterCPU, TimeMasterFree} {
		got, err := ParseTimeMasterMode(mode.String())
		if err != nil || got != mode {
			t.Errorf("ParseTimeMasterMode(%q) = %v, %v", mode.String(), got, err)
		}
	}
	if _, err := ParseTimeMasterMode("wall"); !errors.Is(err, ErrUnknownTimeMaster) {
		t.Errorf("ParseTimeMasterMode(wall) error = %v, want %v", err, ErrUnknownTimeMaster)
	}
}

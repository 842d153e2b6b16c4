package sequencer

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/synth"
	"github.com/allolib/allosynth/pkg/voice"
)

const (
	sampleRate = 44100
	blockSize  = 256
)

type noteVoice struct {
	voice.Base
	freq *voice.Parameter
}

func newNoteVoice() voice.Voice {
	v := &noteVoice{freq: voice.NewFloatParameter("frequency", 440)}
	v.RegisterTriggerParameters(v.freq)
	return v
}

func (v *noteVoice) OnProcessAudio(io *audio.IOData) {
	for io.Next() {
		io.AddOut(0, 0.1)
	}
}

type trigger struct {
	id     int
	offset int
	time   float64
	freq   float64
}

// harness records every trigger the sequencer sends to the synth.
type harness struct {
	synth *synth.PolySynth
	seq   *SynthSequencer

	mutex sync.Mutex
	ons   []trigger
	offs  []trigger
	ends  []string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	so := synth.DefaultOptions()
	so.TimeMaster = opts.TimeMaster
	h := &harness{synth: synth.NewPolySynth(so)}
	h.synth.RegisterVoiceType("Sine", newNoteVoice)
	h.seq = New(h.synth, opts)
	t.Cleanup(func() {
		h.seq.Close()
		h.synth.Close()
	})

	h.synth.RegisterTriggerOnCallback(func(v voice.Voice, offset, id int, _ any) bool {
		h.mutex.Lock()
		defer h.mutex.Unlock()
		freq := 0.0
		if nv, ok := v.(*noteVoice); ok {
			freq = nv.freq.Float()
		}
		h.ons = append(h.ons, trigger{id: id, offset: offset, time: h.seq.MasterTime(), freq: freq})
		return true
	})
	h.synth.RegisterTriggerOffCallback(func(id int) bool {
		h.mutex.Lock()
		defer h.mutex.Unlock()
		h.offs = append(h.offs, trigger{id: id, time: h.seq.MasterTime()})
		return true
	})
	h.seq.RegisterSequenceEndCallback(func(name string) {
		h.mutex.Lock()
		defer h.mutex.Unlock()
		h.ends = append(h.ends, name)
	})
	return h
}

func (h *harness) renderUntil(t float64) {
	io := audio.NewIOData(blockSize, 1, 0, sampleRate)
	for h.seq.MasterTime() < t {
		io.ZeroOut()
		h.seq.RenderAudio(io)
	}
}

func TestSequencer_ThreeNotes(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	events := parse("@ 0 0.5 Sine 220\n@ 1 0.5 Sine 330\n@ 2 0.5 Sine 440\n")
	h.seq.PlayEvents("three", events, 0)
	h.renderUntil(3)

	if len(h.ons) != 3 || len(h.offs) != 3 {
		t.Fatalf("got %d ons and %d offs, want 3 and 3", len(h.ons), len(h.offs))
	}
	ids := make(map[int]bool)
	for i, on := range h.ons {
		ids[on.id] = true
		off := h.offs[i]
		if off.id != on.id {
			t.Errorf("off %d id = %d, want %d", i, off.id, on.id)
		}
		if start := float64(i); off.time < start+0.5 || off.time < on.time {
			t.Errorf("voice %d on at %v, off at %v, want off no earlier than %v", on.id, on.time, off.time, start+0.5)
		}
		if want := []float64{220, 330, 440}[i]; on.freq != want {
			t.Errorf("voice %d frequency = %v, want %v", on.id, on.freq, want)
		}
	}
	if len(ids) != 3 {
		t.Errorf("distinct ids = %d, want 3", len(ids))
	}
	if len(h.ends) != 1 || h.ends[0] != "three" {
		t.Errorf("end callbacks = %v, want [three]", h.ends)
	}
	if h.seq.Playing() {
		t.Error("Playing() = true after the last turn-off")
	}
}

func TestSequencer_DurationWindow(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	block := float64(blockSize) / sampleRate

	var text strings.Builder
	starts := []float64{0, 0.013, 0.1, 0.25, 0.31}
	durs := []float64{0.05, 0.2, 0.001, 0.5, 0.123}
	for i := range starts {
		text.WriteString("@ ")
		text.WriteString(formatTime(starts[i]))
		text.WriteString(" ")
		text.WriteString(formatTime(durs[i]))
		text.WriteString(" Sine\n")
	}
	h.seq.PlayEvents("window", parse(text.String()), 0)
	h.renderUntil(1.5)

	if len(h.offs) != len(starts) {
		t.Fatalf("len(offs) = %d, want %d", len(h.offs), len(starts))
	}
	onByID := make(map[int]int)
	for i, on := range h.ons {
		onByID[on.id] = i
	}
	for _, off := range h.offs {
		i := onByID[off.id]
		end := starts[i] + durs[i]
		if off.time < end || off.time >= end+block {
			t.Errorf("voice %d off at %v, want in [%v, %v)", off.id, off.time, end, end+block)
		}
	}
}

func TestSequencer_Offsets(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	start := 100.0 / sampleRate
	h.seq.PlayEvents("offset", []*Event{NewVoiceEvent(start, 1, "Sine", nil)}, 0)
	h.renderUntil(0.001)

	if len(h.ons) != 1 {
		t.Fatalf("len(ons) = %d, want 1", len(h.ons))
	}
	if h.ons[0].offset != 100 && h.ons[0].offset != 99 {
		t.Errorf("offset = %d, want 100", h.ons[0].offset)
	}
}

func TestSequencer_StartTimeSkipsEarlierEvents(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	events := parse("@ 0 0.1 Sine\n@ 0.5 0.1 Sine\n@ 1 0.1 Sine\n")
	h.seq.PlayEvents("skip", events, 0.4)
	if got := h.seq.MasterTime(); got != 0.4 {
		t.Errorf("MasterTime() = %v, want 0.4", got)
	}
	h.renderUntil(2)
	if len(h.ons) != 2 {
		t.Errorf("len(ons) = %d, want 2", len(h.ons))
	}
}

func TestSequencer_ExplicitIDs(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.seq.PlayEvents("ids", parse("+ 0 40 Sine 110\n- 0.2 40\n"), 0)
	h.renderUntil(0.5)

	if len(h.ons) != 1 || h.ons[0].id != 40 || h.ons[0].freq != 110 {
		t.Errorf("ons = %+v, want voice 40 at 110 Hz", h.ons)
	}
	if len(h.offs) != 1 || h.offs[0].id != 40 || h.offs[0].time < 0.2 {
		t.Errorf("offs = %+v, want voice 40 at 0.2 s or later", h.offs)
	}
}

func TestSequencer_MismatchedFieldsStillTrigger(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.seq.PlayEvents("bad", parse("@ 0 0.1 Sine 1 2 3\n"), 0)
	h.renderUntil(0.05)
	if len(h.ons) != 1 || h.ons[0].freq != 440 {
		t.Errorf("ons = %+v, want one trigger with the default frequency", h.ons)
	}
}

func TestSequencer_AllocationFailureDropsEvent(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.synth.DisableAllocation("Sine")
	h.seq.PlayEvents("none", parse("@ 0 0.1 Sine\n@ 0 0.1 Missing\n"), 0)
	h.renderUntil(0.5)
	if len(h.ons) != 0 || len(h.offs) != 0 {
		t.Errorf("got %d ons and %d offs, want none", len(h.ons), len(h.offs))
	}
}

func TestSequencer_AddVoiceFromNow(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	h.renderUntil(1)

	v := h.synth.GetVoice("Sine", true)
	h.seq.AddVoiceFromNow(v, 0, 0.1)
	now := h.seq.MasterTime()
	h.renderUntil(now + 0.5)

	if len(h.ons) != 1 || len(h.offs) != 1 {
		t.Fatalf("got %d ons and %d offs, want 1 and 1", len(h.ons), len(h.offs))
	}
	if h.offs[0].time < now+0.1 {
		t.Errorf("off at %v, want at least %v", h.offs[0].time, now+0.1)
	}
	if len(h.ends) != 0 {
		t.Errorf("end callbacks = %v, want none without PlaySequence", h.ends)
	}
}

func TestSequencer_AddPFields(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	v := h.synth.GetVoice("Sine", true).(*noteVoice)
	h.seq.AddVoice(v, 0, -1)
	h.renderUntil(0.05)
	if len(h.ons) != 1 {
		t.Fatalf("len(ons) = %d, want 1", len(h.ons))
	}

	h.seq.AddPFields(0.1, h.ons[0].id, []voice.ParamField{voice.FloatField(1000)})
	h.renderUntil(0.2)
	if got := v.freq.Float(); got != 1000 {
		t.Errorf("frequency after update = %v, want 1000", got)
	}
}

func TestSequencer_StopReturnsHeldVoices(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	held := h.synth.GetVoice("Sine", true)
	h.seq.AddVoice(held, 10, 1)
	h.seq.PlayEvents("long", parse("@ 0 5 Sine\n"), 0)

	h.renderUntil(0.1)
	if len(h.ons) != 1 {
		t.Fatalf("len(ons) = %d, want 1", len(h.ons))
	}

	h.seq.StopSequence()
	if len(h.offs) != 1 {
		t.Errorf("len(offs) = %d, want 1 for the sounding voice", len(h.offs))
	}
	if h.seq.Playing() || len(h.seq.Events()) != 0 {
		t.Errorf("after stop: Playing() = %v, %d events", h.seq.Playing(), len(h.seq.Events()))
	}
}

func TestSequencer_StopBeforeStart(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	held := h.synth.GetVoice("Sine", true)
	h.seq.AddVoice(held, 10, 1)
	h.seq.StopSequence()
	if got := voice.BaseOf(held).List(); got != voice.ListFree {
		t.Errorf("held voice list = %v, want %v", got, voice.ListFree)
	}
}

func TestProcessEvents_SkipsWhenLocked(t *testing.T) {
	h := newHarness(t, Options{TimeMaster: synth.TimeMasterFree})
	h.seq.PlayEvents("locked", parse("@ 0 1 Sine\n"), 0)

	h.seq.eventMutex.Lock()
	h.seq.setMasterTime(0.01)
	h.seq.ProcessEvents(0, sampleRate)
	h.seq.eventMutex.Unlock()
	if len(h.ons) != 0 {
		t.Fatalf("ProcessEvents triggered %d voices while the event list was locked", len(h.ons))
	}

	h.seq.ProcessEvents(0, sampleRate)
	if len(h.ons) != 1 {
		t.Errorf("len(ons) = %d after unlock, want 1", len(h.ons))
	}
}

func TestSequencer_TempoCallback(t *testing.T) {
	h := newHarness(t, DefaultOptions())
	var tempos []float64
	h.seq.RegisterTempoCallback(func(bpm float64) { tempos = append(tempos, bpm) })
	h.seq.PlayEvents("tempo", parse("t 90\n@ 0 1 Sine\nt 180\n"), 0)
	h.renderUntil(0.1)
	if len(tempos) != 2 || tempos[0] != 90 || tempos[1] != 180 {
		t.Errorf("tempos = %v, want [90 180]", tempos)
	}
}

func TestSequencer_CPUClock(t *testing.T) {
	dir := t.TempDir()
	writeScore(t, dir, "quick", "@ 0 0.01 Sine\n@ 0.02 0.01 Sine\n")

	opts := DefaultOptions()
	opts.TimeMaster = synth.TimeMasterCPU
	opts.Directory = dir
	h := newHarness(t, opts)

	done := make(chan string, 1)
	h.seq.RegisterSequenceEndCallback(func(name string) { done <- name })
	h.seq.PlaySequence("quick", 0)

	select {
	case name := <-done:
		if name != "quick" {
			t.Errorf("ended sequence = %q, want quick", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sequence did not finish on the CPU clock")
	}
	h.seq.StopSequence()

	h.mutex.Lock()
	defer h.mutex.Unlock()
	if len(h.ons) != 2 || len(h.offs) != 2 {
		t.Errorf("got %d ons and %d offs, want 2 and 2", len(h.ons), len(h.offs))
	}
}

func TestSequencer_SaveAndPlay(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.Directory = dir
	h := newHarness(t, opts)

	if err := h.seq.SaveSequence("saved", parse("@ 0 0.1 Sine 550\n")); err != nil {
		t.Fatalf("SaveSequence() = %v", err)
	}
	if _, err := h.seq.SequencePath("saved"); err != nil {
		t.Fatalf("SequencePath() = %v", err)
	}
	h.seq.PlaySequence("saved", 0)
	h.renderUntil(0.5)
	if len(h.ons) != 1 || h.ons[0].freq != 550 {
		t.Errorf("ons = %+v, want one 550 Hz voice", h.ons)
	}
}

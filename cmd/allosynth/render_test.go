package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/config"
	"github.com/allolib/allosynth/pkg/engine"
	"github.com/allolib/allosynth/pkg/sequencer"
)

func renderConfig(t *testing.T, score string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Audio.Backend = "headless"
	cfg.Audio.SampleRate = 8000
	cfg.Audio.FramesPerBuffer = 80
	cfg.Scene.Polyphony = map[string]int{"Sine": 2}
	cfg.Scene.Attenuation.Law = "none"
	cfg.Sequencer.Directory = t.TempDir()
	cfg.OSC.Addr = ""
	if err := os.WriteFile(filepath.Join(cfg.Sequencer.Directory, "score"+sequencer.Extension), []byte(score), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newRenderEngine(t *testing.T, cfg *config.Config) (*engine.Engine, *audio.HeadlessDriver) {
	t.Helper()
	d := audio.NewHeadlessDriver(driverConfig(cfg), false)
	e, err := engine.New(cfg, d)
	if err != nil {
		t.Fatalf("engine.New() = %v", err)
	}
	t.Cleanup(func() { e.Shutdown() })
	return e, d
}

func TestRender(t *testing.T) {
	cfg := renderConfig(t, "@ 0 0.1 Sine 0.2 440 0 0.01\n")
	e, d := newRenderEngine(t, cfg)

	var out bytes.Buffer
	frames, err := render(e, d, &out, "score", 0, 5, 0.1)
	if err != nil {
		t.Fatalf("render() = %v", err)
	}
	// 0.1 s of score and 0.1 s of tail, 80 frames per block at 8 kHz.
	if frames < 1600 || frames > 1600+20*80 || frames%80 != 0 {
		t.Errorf("frames = %d, want a whole number of blocks from 1600", frames)
	}
	if want := frames * cfg.Audio.OutputChannels * 4; out.Len() != want {
		t.Errorf("output is %d bytes, want %d", out.Len(), want)
	}

	samples := make([]float32, out.Len()/4)
	if err := binary.Read(bytes.NewReader(out.Bytes()), binary.LittleEndian, samples); err != nil {
		t.Fatal(err)
	}
	peak := 0.0
	for _, s := range samples[:800*2] {
		peak = math.Max(peak, math.Abs(float64(s)))
	}
	if peak == 0 {
		t.Error("rendered score is silent")
	}
	for i, s := range samples[len(samples)-80*2:] {
		if s != 0 {
			t.Errorf("tail sample %d = %v, want silence after release", i, s)
			break
		}
	}
}

func TestRender_MaxLength(t *testing.T) {
	cfg := renderConfig(t, "@ 0 10 Sine 0.2 440 0 0.01\n")
	e, d := newRenderEngine(t, cfg)

	var out bytes.Buffer
	frames, err := render(e, d, &out, "score", 0, 0.1, 0)
	if err != nil {
		t.Fatalf("render() = %v", err)
	}
	if frames != 800 {
		t.Errorf("frames = %d, want 800", frames)
	}
	if e.Stats().Sequence.Playing {
		t.Error("sequence still playing after the length limit")
	}
}

func TestRender_Missing(t *testing.T) {
	cfg := renderConfig(t, "")
	e, d := newRenderEngine(t, cfg)

	frames, err := render(e, d, &bytes.Buffer{}, "nope", 0, 1, 0)
	if !errors.Is(err, sequencer.ErrSequenceNotFound) || frames != 0 {
		t.Errorf("render(nope) = %d, %v, want 0, ErrSequenceNotFound", frames, err)
	}
}

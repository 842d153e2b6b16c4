package main

import (
	"bufio"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/config"
	"github.com/allolib/allosynth/pkg/engine"
	"github.com/allolib/allosynth/pkg/log"
)

func runRender(args []string) {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	out := fs.String("o", "", "Output file (default <sequence>.f32)")
	start := fs.Float64("start", 0, "Start time in seconds")
	tail := fs.Float64("tail", 1, "Seconds rendered after the sequence ends")
	maxLen := fs.Float64("max", 600, "Maximum seconds rendered before the tail")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s render [options] <sequence>\n\nRenders a sequence faster than realtime to interleaved little-endian float32.\n\nOptions:\n", os.Args[0])
		fs.PrintDefaults()
	}

	cfg, err := config.Load(fs, args)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}
	name := fs.Arg(0)
	if *out == "" {
		*out = name + ".f32"
	}

	cfg.Audio.Backend = "headless"
	cfg.OSC.Addr = ""
	cfg.MIDI.InputPort = ""
	if cfg.Sequencer.TimeMaster != "audio" {
		log.Warnf("Rendering offline uses the audio time master, ignoring %q", cfg.Sequencer.TimeMaster)
		cfg.Sequencer.TimeMaster = "audio"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	log.InitWithFormat(cfg.LogLevel, cfg.LogFormat)

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", *out, err)
	}
	defer f.Close()

	driver := audio.NewHeadlessDriver(driverConfig(cfg), false)
	e, err := engine.New(cfg, driver)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer e.Shutdown()

	w := bufio.NewWriter(f)
	frames, err := render(e, driver, w, name, *start, *maxLen, *tail)
	if err != nil {
		log.Fatalf("Render failed: %v", err)
	}
	if err := w.Flush(); err != nil {
		log.Fatalf("Failed to write %s: %v", *out, err)
	}

	log.Infof("Rendered %s: %d frames (%.2fs) of %d channels at %d Hz to %s",
		name, frames, float64(frames)/float64(cfg.Audio.SampleRate), cfg.Audio.OutputChannels, cfg.Audio.SampleRate, *out)
}

// render plays name from start and writes blocks to w until the sequence
// ends or maxLen seconds pass, then tail more seconds. It returns the
// number of frames written.
func render(e *engine.Engine, d *audio.HeadlessDriver, w io.Writer, name string, start, maxLen, tail float64) (int, error) {
	if err := e.PlaySequence(name, start); err != nil {
		return 0, err
	}

	dc := d.Config()
	blocksFor := func(seconds float64) int {
		return int(math.Ceil(seconds * float64(dc.SampleRate) / float64(dc.FramesPerBuffer)))
	}

	var buf []float32
	frames := 0
	sink := func(data *audio.IOData) error {
		buf = data.Interleave(buf[:0])
		frames += data.FramesPerBuffer()
		return binary.Write(w, binary.LittleEndian, buf)
	}

	done := e.SequenceDone()
	for i, limit := 0, blocksFor(maxLen); i < limit; i++ {
		if err := d.RenderBlocks(1, e.Process, sink); err != nil {
			return frames, err
		}
		select {
		case <-done:
			err := d.RenderBlocks(blocksFor(tail), e.Process, sink)
			return frames, err
		default:
		}
	}
	log.Warnf("Sequence %s still playing after %.0fs, stopping", name, maxLen)
	e.StopSequence()
	err := d.RenderBlocks(blocksFor(tail), e.Process, sink)
	return frames, err
}

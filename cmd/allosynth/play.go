package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/allolib/allosynth/pkg/config"
	"github.com/allolib/allosynth/pkg/log"
	"github.com/allolib/allosynth/pkg/tui"
)

func runPlay(args []string) {
	fs := flag.NewFlagSet("play", flag.ExitOnError)
	start := fs.Float64("start", 0, "Start time in seconds")
	tail := fs.Duration("tail", 500*time.Millisecond, "Time to keep rendering release tails after the sequence ends")
	useTUI := fs.Bool("tui", false, "Show the terminal status view")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s play [options] <sequence>\n\nPlays a sequence from the sequence directory on the audio device.\n\nOptions:\n", os.Args[0])
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
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}
	name := fs.Arg(0)

	if *useTUI {
		// Log lines would tear the alt screen.
		cfg.LogLevel = "error"
	}
	log.InitWithFormat(cfg.LogLevel, cfg.LogFormat)

	e := startEngine(cfg)
	defer e.Shutdown()

	if err := e.PlaySequence(name, *start); err != nil {
		log.Errorf("Failed to play %s: %v", name, err)
		return
	}

	if *useTUI {
		if err := tui.Run(e, tui.Options{Title: "allosynth " + name, Done: e.SequenceDone()}); err != nil {
			log.Errorf("TUI error: %v", err)
		}
		return
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-e.SequenceDone():
		log.Infof("Sequence %s finished", name)
		time.Sleep(*tail)
	case <-stop:
		log.Info("Interrupted")
		e.StopSequence()
	}
}

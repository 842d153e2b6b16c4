package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/config"
	"github.com/allolib/allosynth/pkg/engine"
	"github.com/allolib/allosynth/pkg/log"
	"github.com/allolib/allosynth/pkg/server"
)

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s server [options]\n\nRuns the engine with the HTTP/WebSocket control server.\n\nOptions:\n", os.Args[0])
		fs.PrintDefaults()
	}

	cfg, err := config.Load(fs, args)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	log.InitWithFormat(cfg.LogLevel, cfg.LogFormat)
	log.Info("Starting server...")

	e := startEngine(cfg)

	wsServer := server.NewWebSocketServer(e.Bus(), e, cfg)
	httpServer := server.NewHTTPServer(e, wsServer)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpServer,
	}

	go func() {
		log.Infof("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	waitForShutdown(srv, e)
}

// startEngine opens the configured audio backend and starts an engine on it.
func startEngine(cfg *config.Config) *engine.Engine {
	driver, err := audio.NewDriver(cfg.Audio.Backend, driverConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to open audio backend: %v", err)
	}
	e, err := engine.New(cfg, driver)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	if err := e.Start(); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	return e
}

func waitForShutdown(srv *http.Server, e *engine.Engine) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// HTTP first, then the engine its handlers call into.
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Error during HTTP server shutdown: %v", err)
	} else {
		log.Info("HTTP server shut down successfully")
	}

	if err := e.Shutdown(); err != nil {
		log.Errorf("Error during engine shutdown: %v", err)
	}

	log.Info("Server shutdown complete.")
}

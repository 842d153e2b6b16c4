package main

import (
	"fmt"
	"os"

	"github.com/allolib/allosynth/pkg/audio"
	"github.com/allolib/allosynth/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "server":
		runServer(os.Args[2:])
	case "play":
		runPlay(os.Args[2:])
	case "render":
		runRender(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  server    Run the engine with the HTTP/WebSocket control server
  play      Play a sequence on the audio device
  render    Render a sequence to a raw float32 file

Run '%s <command> -h' for more information on a command.
`, os.Args[0], os.Args[0])
}

func driverConfig(cfg *config.Config) audio.DriverConfig {
	return audio.DriverConfig{
		SampleRate:      cfg.Audio.SampleRate,
		FramesPerBuffer: cfg.Audio.FramesPerBuffer,
		ChannelsOut:     cfg.Audio.OutputChannels,
		ChannelsBus:     cfg.Audio.BusChannels,
	}
}

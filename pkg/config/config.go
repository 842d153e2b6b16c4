package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// WebSocketConfig holds WebSocket-specific configuration
type WebSocketConfig struct {
	WriteTimeout       time.Duration `yaml:"write_timeout"`        // Timeout for writing messages to WebSocket
	ReadTimeout        time.Duration `yaml:"read_timeout"`         // Timeout for reading messages from WebSocket (keepalive)
	PingInterval       time.Duration `yaml:"ping_interval"`        // Interval for sending ping messages
	AudioFlushInterval time.Duration `yaml:"audio_flush_interval"` // Interval for flushing aggregated audio blocks
	QueueSize          int           `yaml:"queue_size"`           // Per-client block queue
}

// AudioConfig describes the audio device the engine renders into.
type AudioConfig struct {
	Backend         string `yaml:"backend"` // "oto" or "headless"
	SampleRate      int    `yaml:"sample_rate"`
	FramesPerBuffer int    `yaml:"frames_per_buffer"`
	OutputChannels  int    `yaml:"output_channels"`
	BusChannels     int    `yaml:"bus_channels"`
}

// AttenuationConfig mirrors spatial.DistanceAttenuation in config form.
type AttenuationConfig struct {
	Law     string  `yaml:"law"` // none, linear, inverse, inverse-square
	Near    float64 `yaml:"near"`
	Far     float64 `yaml:"far"`
	FarBias float64 `yaml:"far_bias"`
}

// SceneConfig controls the scene renderer.
type SceneConfig struct {
	Spatializer       string            `yaml:"spatializer"` // stereo or mono
	AudioThreads      int               `yaml:"audio_threads"`
	UpdateThreads     int               `yaml:"update_threads"`
	SortDrawing       bool              `yaml:"sort_drawing"`
	VoiceBusChannels  int               `yaml:"voice_bus_channels"`
	VoiceMaxChannels  int               `yaml:"voice_max_channels"`
	FrameRate         float64           `yaml:"frame_rate"`
	Polyphony         map[string]int    `yaml:"polyphony"`          // voices preallocated per type name
	DisableAllocation []string          `yaml:"disable_allocation"` // type names with fixed polyphony
	Attenuation       AttenuationConfig `yaml:"attenuation"`
}

// SequencerConfig controls the score player.
type SequencerConfig struct {
	Directory      string        `yaml:"directory"`
	TimeMaster     string        `yaml:"time_master"` // audio, graphics, update, cpu
	CPUGranularity time.Duration `yaml:"cpu_granularity"`
}

// OSCConfig controls the OSC parameter server.
type OSCConfig struct {
	Addr      string   `yaml:"addr"`
	Listeners []string `yaml:"listeners"` // host:port targets for published events
}

// MIDIConfig controls MIDI note input.
type MIDIConfig struct {
	InputPort string `yaml:"input_port"`
	VoiceType string `yaml:"voice_type"`
}

type Config struct {
	// Server configuration
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Audio     AudioConfig     `yaml:"audio"`
	Scene     SceneConfig     `yaml:"scene"`
	Sequencer SequencerConfig `yaml:"sequencer"`
	OSC       OSCConfig       `yaml:"osc"`
	MIDI      MIDIConfig      `yaml:"midi"`

	// WebSocket configuration
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:  ":8080",
		LogLevel:  "info",
		LogFormat: "json",

		Audio: AudioConfig{
			Backend:         "oto",
			SampleRate:      44100,
			FramesPerBuffer: 256,
			OutputChannels:  2,
			BusChannels:     0,
		},
		Scene: SceneConfig{
			Spatializer:      "stereo",
			AudioThreads:     0,
			UpdateThreads:    0,
			VoiceMaxChannels: 1,
			FrameRate:        60,
			Polyphony:        map[string]int{"Sine": 16, "PositionedSine": 16},
			Attenuation: AttenuationConfig{
				Law:  "inverse",
				Near: 1,
				Far:  50,
			},
		},
		Sequencer: SequencerConfig{
			Directory:      ".",
			TimeMaster:     "audio",
			CPUGranularity: time.Millisecond,
		},
		OSC: OSCConfig{
			Addr: ":9010",
		},
		MIDI: MIDIConfig{
			VoiceType: "Sine",
		},

		// WebSocket defaults
		WebSocket: WebSocketConfig{
			WriteTimeout:       5 * time.Second,
			ReadTimeout:        3 * time.Minute,
			PingInterval:       60 * time.Second,
			AudioFlushInterval: 100 * time.Millisecond,
			QueueSize:          256,
		},
	}
}

// Load builds the configuration from, in increasing precedence: defaults,
// the YAML file named by -config or ALLOSYNTH_CONFIG, environment variables,
// and command line flags. fs receives the shared flags; the caller may have
// registered subcommand flags on it already.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Default()

	path := os.Getenv("ALLOSYNTH_CONFIG")
	if p, ok := lookupFlagArg(args, "config"); ok {
		path = p
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	fs.String("config", path, "YAML configuration file")
	fs.StringVar(&cfg.HTTPAddr, "http", cfg.HTTPAddr, "HTTP server address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, text)")
	fs.StringVar(&cfg.Audio.Backend, "backend", cfg.Audio.Backend, "Audio backend (oto, headless)")
	fs.IntVar(&cfg.Audio.SampleRate, "sample-rate", cfg.Audio.SampleRate, "Audio sample rate")
	fs.IntVar(&cfg.Audio.FramesPerBuffer, "block-size", cfg.Audio.FramesPerBuffer, "Frames per audio block")
	fs.IntVar(&cfg.Audio.OutputChannels, "channels", cfg.Audio.OutputChannels, "Output channels")
	fs.IntVar(&cfg.Scene.AudioThreads, "audio-threads", cfg.Scene.AudioThreads, "Audio render threads (0 renders on the audio thread)")
	fs.IntVar(&cfg.Scene.UpdateThreads, "update-threads", cfg.Scene.UpdateThreads, "Voice update worker threads")
	fs.StringVar(&cfg.Sequencer.Directory, "sequences", cfg.Sequencer.Directory, "Directory holding .synthSequence files")
	fs.StringVar(&cfg.Sequencer.TimeMaster, "time-master", cfg.Sequencer.TimeMaster, "Sequencer clock (audio, graphics, update, cpu)")
	fs.StringVar(&cfg.OSC.Addr, "osc", cfg.OSC.Addr, "OSC listen address (empty disables)")
	fs.StringVar(&cfg.MIDI.InputPort, "midi-in", cfg.MIDI.InputPort, "MIDI input port name prefix (empty disables)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile overlays the YAML file at path onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		c.HTTPAddr = addr
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if backend := os.Getenv("AUDIO_BACKEND"); backend != "" {
		c.Audio.Backend = backend
	}
	if sampleRate := os.Getenv("AUDIO_SAMPLE_RATE"); sampleRate != "" {
		if rate, err := strconv.Atoi(sampleRate); err == nil {
			c.Audio.SampleRate = rate
		}
	}
	if block := os.Getenv("AUDIO_BLOCK_SIZE"); block != "" {
		if n, err := strconv.Atoi(block); err == nil {
			c.Audio.FramesPerBuffer = n
		}
	}
	if channels := os.Getenv("AUDIO_CHANNELS"); channels != "" {
		if ch, err := strconv.Atoi(channels); err == nil {
			c.Audio.OutputChannels = ch
		}
	}
	if dir := os.Getenv("SEQUENCE_DIR"); dir != "" {
		c.Sequencer.Directory = dir
	}
	if addr := os.Getenv("OSC_ADDR"); addr != "" {
		c.OSC.Addr = addr
	}

	// WebSocket configuration from environment variables (timeout values in seconds)
	if timeout := os.Getenv("WEBSOCKET_WRITE_TIMEOUT"); timeout != "" {
		if seconds, err := strconv.Atoi(timeout); err == nil {
			c.WebSocket.WriteTimeout = time.Duration(seconds) * time.Second
		}
	}
	if timeout := os.Getenv("WEBSOCKET_READ_TIMEOUT"); timeout != "" {
		if seconds, err := strconv.Atoi(timeout); err == nil {
			c.WebSocket.ReadTimeout = time.Duration(seconds) * time.Second
		}
	}
	if interval := os.Getenv("WEBSOCKET_PING_INTERVAL"); interval != "" {
		if seconds, err := strconv.Atoi(interval); err == nil {
			c.WebSocket.PingInterval = time.Duration(seconds) * time.Second
		}
	}
	if interval := os.Getenv("WEBSOCKET_AUDIO_FLUSH_INTERVAL"); interval != "" {
		if ms, err := strconv.Atoi(interval); err == nil {
			c.WebSocket.AudioFlushInterval = time.Duration(ms) * time.Millisecond
		}
	}
}

func (c *Config) Validate() error {
	if c.Audio.SampleRate <= 0 {
		return ErrInvalidSampleRate
	}
	if c.Audio.FramesPerBuffer <= 0 {
		return ErrInvalidBlockSize
	}
	if c.Audio.OutputChannels <= 0 {
		return ErrInvalidChannels
	}
	if c.Audio.BusChannels < 0 || c.Scene.VoiceBusChannels < 0 {
		return ErrInvalidChannels
	}
	if c.Scene.AudioThreads < 0 || c.Scene.UpdateThreads < 0 {
		return ErrInvalidThreadCount
	}
	switch c.Audio.Backend {
	case "oto", "headless":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Audio.Backend)
	}
	switch c.Sequencer.TimeMaster {
	case "audio", "graphics", "update", "cpu":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTimeMaster, c.Sequencer.TimeMaster)
	}
	switch c.Scene.Attenuation.Law {
	case "none", "linear", "inverse", "inverse-square":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAttenuationLaw, c.Scene.Attenuation.Law)
	}
	if c.Scene.Attenuation.Far <= c.Scene.Attenuation.Near {
		return ErrInvalidAttenuationRange
	}
	return nil
}

// lookupFlagArg finds -name value, --name value or -name=value in args
// before the flag set parses them, so the config file can be loaded first.
func lookupFlagArg(args []string, name string) (string, bool) {
	for i, a := range args {
		for _, prefix := range []string{"-" + name, "--" + name} {
			if a == prefix && i+1 < len(args) {
				return args[i+1], true
			}
			if len(a) > len(prefix) && a[:len(prefix)+1] == prefix+"=" {
				return a[len(prefix)+1:], true
			}
		}
	}
	return "", false
}

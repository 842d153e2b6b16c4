package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/allolib/allosynth/pkg/log"
)

var (
	ErrUnknownBackend     = errors.New("unknown audio backend")
	ErrBackendUnavailable = errors.New("audio backend not available in this build")
	ErrAlreadyStarted     = errors.New("audio driver already started")
)

// Callback renders one block into io. It runs on the driver's audio
// goroutine.
type Callback func(io *IOData)

// DriverConfig is the block shape a driver delivers.
type DriverConfig struct {
	SampleRate      int
	FramesPerBuffer int
	ChannelsOut     int
	ChannelsBus     int
}

// BlockDuration is the wall-clock length of one block.
func (c DriverConfig) BlockDuration() time.Duration {
	return time.Duration(float64(c.FramesPerBuffer) / float64(c.SampleRate) * float64(time.Second))
}

// Driver delivers fixed-size blocks to a Callback.
type Driver interface {
	Name() string
	Config() DriverConfig
	Start(cb Callback) error
	Stop()
}

// NewDriver returns the driver for backend ("oto" or "headless").
func NewDriver(backend string, cfg DriverConfig) (Driver, error) {
	switch backend {
	case "headless":
		return NewHeadlessDriver(cfg, true), nil
	case "oto":
		d, err := NewOtoDriver(cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// HeadlessDriver runs the callback without an audio device. In realtime
// mode blocks are paced by a ticker at the block rate; otherwise they are
// rendered back to back.
type HeadlessDriver struct {
	cfg      DriverConfig
	realtime bool
	io       *IOData

	mutex    sync.Mutex
	stopChan chan struct{}
	done     chan struct{}
}

// NewHeadlessDriver creates a driver that renders into memory.
func NewHeadlessDriver(cfg DriverConfig, realtime bool) *HeadlessDriver {
	return &HeadlessDriver{
		cfg:      cfg,
		realtime: realtime,
		io:       NewIOData(cfg.FramesPerBuffer, cfg.ChannelsOut, cfg.ChannelsBus, float64(cfg.SampleRate)),
	}
}

func (d *HeadlessDriver) Name() string         { return "headless" }
func (d *HeadlessDriver) Config() DriverConfig { return d.cfg }

// Start runs cb on a new goroutine until Stop.
func (d *HeadlessDriver) Start(cb Callback) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.stopChan != nil {
		return ErrAlreadyStarted
	}
	d.stopChan = make(chan struct{})
	d.done = make(chan struct{})

	go d.run(cb, d.stopChan, d.done)

	log.Infof("Headless audio started: %d Hz, %d frames, %d out, %d bus (realtime=%v)",
		d.cfg.SampleRate, d.cfg.FramesPerBuffer, d.cfg.ChannelsOut, d.cfg.ChannelsBus, d.realtime)
	return nil
}

func (d *HeadlessDriver) run(cb Callback, stop, done chan struct{}) {
	defer close(done)

	if !d.realtime {
		for {
			select {
			case <-stop:
				return
			default:
				d.renderBlock(cb)
			}
		}
	}

	ticker := time.NewTicker(d.cfg.BlockDuration())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.renderBlock(cb)
		}
	}
}

func (d *HeadlessDriver) renderBlock(cb Callback) {
	d.io.ZeroOut()
	d.io.ZeroBus()
	d.io.SetRange(0, d.io.FramesPerBuffer())
	cb(d.io)
}

// RenderBlocks renders n blocks synchronously on the calling goroutine and
// hands each finished block to sink. It must not be mixed with Start.
func (d *HeadlessDriver) RenderBlocks(n int, cb Callback, sink func(io *IOData) error) error {
	for i := 0; i < n; i++ {
		d.renderBlock(cb)
		if sink != nil {
			if err := sink(d.io); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stop halts the render goroutine and waits for the block in progress.
func (d *HeadlessDriver) Stop() {
	d.mutex.Lock()
	stop, done := d.stopChan, d.done
	d.stopChan, d.done = nil, nil
	d.mutex.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	log.Info("Headless audio stopped")
}

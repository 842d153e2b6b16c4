//go:build !headless

package audio

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/ebitengine/oto/v3"

	"github.com/allolib/allosynth/pkg/log"
)

// OtoDriver plays blocks through the system audio device. The device pulls
// bytes through Read; every time the pending block runs out the callback
// renders the next one.
type OtoDriver struct {
	cfg DriverConfig
	ctx *oto.Context
	io  *IOData

	cb         atomic.Pointer[Callback]
	interleave []float32
	pending    []byte
	pos        int

	mutex  sync.Mutex // Only for setup/control operations
	player *oto.Player
}

// NewOtoDriver opens the default output device. Bus channels are rendered
// but never reach the device.
func NewOtoDriver(cfg DriverConfig) (*OtoDriver, error) {
	op := &oto.NewContextOptions{
		SampleRate:   cfg.SampleRate,
		ChannelCount: cfg.ChannelsOut,
		Format:       oto.FormatFloat32LE,
		BufferSize:   2 * cfg.BlockDuration(),
	}

	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, err
	}
	<-ready

	return &OtoDriver{
		cfg: cfg,
		ctx: ctx,
		io:  NewIOData(cfg.FramesPerBuffer, cfg.ChannelsOut, cfg.ChannelsBus, float64(cfg.SampleRate)),
	}, nil
}

func (d *OtoDriver) Name() string         { return "oto" }
func (d *OtoDriver) Config() DriverConfig { return d.cfg }

func (d *OtoDriver) Start(cb Callback) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.player != nil {
		return ErrAlreadyStarted
	}
	d.cb.Store(&cb)
	d.player = d.ctx.NewPlayer(d)
	d.player.Play()

	log.Infof("Oto audio started: %d Hz, %d frames, %d channels",
		d.cfg.SampleRate, d.cfg.FramesPerBuffer, d.cfg.ChannelsOut)
	return nil
}

// Read implements io.Reader for the oto player.
func (d *OtoDriver) Read(p []byte) (int, error) {
	cb := d.cb.Load()
	n := 0
	for n < len(p) {
		if d.pos >= len(d.pending) {
			if cb == nil {
				clear(p[n:])
				return len(p), nil
			}
			d.renderBlock(*cb)
		}
		c := copy(p[n:], d.pending[d.pos:])
		d.pos += c
		n += c
	}
	return n, nil
}

func (d *OtoDriver) renderBlock(cb Callback) {
	d.io.ZeroOut()
	d.io.ZeroBus()
	d.io.SetRange(0, d.io.FramesPerBuffer())
	cb(d.io)

	d.interleave = d.io.Interleave(d.interleave)
	if cap(d.pending) < 4*len(d.interleave) {
		d.pending = make([]byte, 4*len(d.interleave))
	}
	d.pending = d.pending[:4*len(d.interleave)]
	for i, s := range d.interleave {
		binary.LittleEndian.PutUint32(d.pending[4*i:], math.Float32bits(s))
	}
	d.pos = 0
}

func (d *OtoDriver) Stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.player == nil {
		return
	}
	d.player.Pause()
	if err := d.player.Close(); err != nil {
		log.Warnf("Failed to close oto player: %v", err)
	}
	d.player = nil
	d.cb.Store(nil)
	log.Info("Oto audio stopped")
}

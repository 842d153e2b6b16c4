package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// Stream names a published block source.
type Stream string

const (
	StreamMaster Stream = "master" // mixed output channels
	StreamBus    Stream = "bus"    // auxiliary bus channels
)

// ErrShortBlock is returned by DecodeBlock for truncated input.
var ErrShortBlock = errors.New("encoded block too short")

// Block is one rendered audio block as published on the Bus. Sequence counts
// blocks since the engine started; Samples are interleaved.
type Block struct {
	Stream     Stream
	Sequence   uint64
	SampleRate uint32
	Channels   uint16
	Samples    []float32
}

// Frames returns the number of sample frames in the block.
func (b *Block) Frames() int {
	if b.Channels == 0 {
		return 0
	}
	return len(b.Samples) / int(b.Channels)
}

// BlockHeaderSize is Sequence + SampleRate + Channels + Frames.
var BlockHeaderSize = binary.Size(uint64(0)) + binary.Size(uint32(0)) + binary.Size(uint16(0)) + binary.Size(uint32(0))

// EncodedSize is the length of Encode's output.
func (b *Block) EncodedSize() int {
	return BlockHeaderSize + 4*len(b.Samples)
}

// Encode serializes the block for WebSocket transmission: a little endian
// header followed by float32 LE samples.
func (b *Block) Encode() []byte {
	buf := make([]byte, b.EncodedSize())
	b.EncodeTo(buf)
	return buf
}

// EncodeTo writes the encoding into buf, which must hold EncodedSize bytes.
func (b *Block) EncodeTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], b.Sequence)
	binary.LittleEndian.PutUint32(buf[8:12], b.SampleRate)
	binary.LittleEndian.PutUint16(buf[12:14], b.Channels)
	binary.LittleEndian.PutUint32(buf[14:18], uint32(b.Frames()))
	for i, s := range b.Samples {
		binary.LittleEndian.PutUint32(buf[BlockHeaderSize+4*i:], math.Float32bits(s))
	}
}

// DecodeBlock parses the output of Encode. Stream is not part of the wire
// format and is left empty.
func DecodeBlock(data []byte) (*Block, error) {
	if len(data) < BlockHeaderSize {
		return nil, ErrShortBlock
	}
	b := &Block{
		Sequence:   binary.LittleEndian.Uint64(data[0:8]),
		SampleRate: binary.LittleEndian.Uint32(data[8:12]),
		Channels:   binary.LittleEndian.Uint16(data[12:14]),
	}
	frames := int(binary.LittleEndian.Uint32(data[14:18]))
	n := frames * int(b.Channels)
	if len(data) < BlockHeaderSize+4*n {
		return nil, ErrShortBlock
	}
	b.Samples = make([]float32, n)
	for i := range b.Samples {
		b.Samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[BlockHeaderSize+4*i:]))
	}
	return b, nil
}

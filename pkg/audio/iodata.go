package audio

// IOData is one block of planar audio: output channels, auxiliary buses, and
// a frame cursor restricted to a render window. Renderers walk it with
//
//	for io.Next() {
//		io.Out(0)[io.Index()] += s
//	}
//
// after the caller has positioned the window with SetRange.
type IOData struct {
	framesPerBuffer int
	sampleRate      float64

	out [][]float32
	bus [][]float32

	frame int
	end   int
}

// NewIOData allocates a block of frames for the given channel counts.
func NewIOData(framesPerBuffer, channelsOut, channelsBus int, sampleRate float64) *IOData {
	io := &IOData{sampleRate: sampleRate}
	io.Resize(framesPerBuffer, channelsOut, channelsBus)
	return io
}

// Resize reallocates channel storage when the shape changes. Contents are
// zeroed.
func (io *IOData) Resize(framesPerBuffer, channelsOut, channelsBus int) {
	io.framesPerBuffer = framesPerBuffer
	io.out = makeChannels(io.out, channelsOut, framesPerBuffer)
	io.bus = makeChannels(io.bus, channelsBus, framesPerBuffer)
	io.SetRange(0, framesPerBuffer)
}

func makeChannels(chans [][]float32, n, frames int) [][]float32 {
	if cap(chans) < n {
		chans = make([][]float32, n)
	}
	chans = chans[:n]
	for i := range chans {
		if cap(chans[i]) < frames {
			chans[i] = make([]float32, frames)
		} else {
			chans[i] = chans[i][:frames]
			clear(chans[i])
		}
	}
	return chans
}

func (io *IOData) FramesPerBuffer() int { return io.framesPerBuffer }
func (io *IOData) SampleRate() float64  { return io.sampleRate }
func (io *IOData) ChannelsOut() int     { return len(io.out) }
func (io *IOData) ChannelsBus() int     { return len(io.bus) }

func (io *IOData) SetSampleRate(sr float64) { io.sampleRate = sr }

// Out returns the whole block of output channel ch.
func (io *IOData) Out(ch int) []float32 { return io.out[ch] }

// Bus returns the whole block of bus channel ch.
func (io *IOData) Bus(ch int) []float32 { return io.bus[ch] }

// SetBus points bus channel ch at buf, which must hold a full block. It is
// used to share master buses with per-voice scratch blocks.
func (io *IOData) SetBus(ch int, buf []float32) { io.bus[ch] = buf[:io.framesPerBuffer] }

// SetRange limits the cursor to frames [start, end) and rewinds it so the
// next call to Next lands on start.
func (io *IOData) SetRange(start, end int) {
	if end > io.framesPerBuffer {
		end = io.framesPerBuffer
	}
	io.end = end
	io.Frame(start)
}

// Frame positions the cursor just before offset.
func (io *IOData) Frame(offset int) {
	io.frame = offset - 1
}

// Next advances the cursor and reports whether it is still inside the
// render window.
func (io *IOData) Next() bool {
	io.frame++
	return io.frame < io.end
}

// Index is the frame the cursor is on.
func (io *IOData) Index() int { return io.frame }

// End is the exclusive end of the render window.
func (io *IOData) End() int { return io.end }

// AddOut accumulates s into output channel ch at the cursor.
func (io *IOData) AddOut(ch int, s float32) { io.out[ch][io.frame] += s }

// AddBus accumulates s into bus channel ch at the cursor.
func (io *IOData) AddBus(ch int, s float32) { io.bus[ch][io.frame] += s }

func (io *IOData) ZeroOut() {
	for _, c := range io.out {
		clear(c)
	}
}

func (io *IOData) ZeroBus() {
	for _, c := range io.bus {
		clear(c)
	}
}

// Interleave writes the output channels frame by frame into dst, growing it
// when needed, and returns the filled slice.
func (io *IOData) Interleave(dst []float32) []float32 {
	n := io.framesPerBuffer * len(io.out)
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	chans := len(io.out)
	for ch, c := range io.out {
		for i, s := range c {
			dst[i*chans+ch] = s
		}
	}
	return dst
}

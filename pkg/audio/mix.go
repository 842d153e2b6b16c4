package audio

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// Mix adds src into dst over their common length.
func Mix(dst, src []float32) {
	n := min(len(dst), len(src))
	if n == 0 {
		return
	}
	vek32.Add_Inplace(dst[:n], src[:n])
}

// Gain scales buf in place.
func Gain(buf []float32, gain float32) {
	if len(buf) == 0 || gain == 1 {
		return
	}
	vek32.MulNumber_Inplace(buf, gain)
}

// RMS returns the root mean square level of buf.
func RMS(buf []float32) float32 {
	if len(buf) == 0 {
		return 0
	}
	return float32(math.Sqrt(float64(vek32.Dot(buf, buf)) / float64(len(buf))))
}

// Mixer accumulates scaled signals. It keeps a scratch buffer, so one Mixer
// must not be shared between goroutines.
type Mixer struct {
	tmp []float32
}

// MixGain adds src*gain into dst over their common length.
func (m *Mixer) MixGain(dst, src []float32, gain float32) {
	n := min(len(dst), len(src))
	if n == 0 || gain == 0 {
		return
	}
	if gain == 1 {
		vek32.Add_Inplace(dst[:n], src[:n])
		return
	}
	if cap(m.tmp) < n {
		m.tmp = make([]float32, n)
	}
	tmp := vek32.MulNumber_Into(m.tmp[:n], src[:n], gain)
	vek32.Add_Inplace(dst[:n], tmp)
}

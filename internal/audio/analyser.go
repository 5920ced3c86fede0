package audio

import (
	"encoding/binary"
	"math"
	"math/cmplx"
	"sync"
)

// DefaultFFTSize matches the analyser size the visualizer samples with.
const DefaultFFTSize = 256

// Analyser keeps the most recent FFTSize samples of a PCM16 stream and
// reports their frequency magnitudes on demand. Write and the read methods
// may be called from different goroutines.
type Analyser struct {
	mu      sync.Mutex
	size    int
	ring    []float64
	next    int
	filled  bool
	window  []float64
	closed  bool
	scratch []complex128
}

func NewAnalyser(fftSize int) *Analyser {
	if fftSize <= 0 || fftSize&(fftSize-1) != 0 {
		fftSize = DefaultFFTSize
	}
	window := make([]float64, fftSize)
	for i := range window {
		// Blackman window, as browser analysers apply.
		x := 2 * math.Pi * float64(i) / float64(fftSize-1)
		window[i] = 0.42 - 0.5*math.Cos(x) + 0.08*math.Cos(2*x)
	}
	return &Analyser{
		size:    fftSize,
		ring:    make([]float64, fftSize),
		window:  window,
		scratch: make([]complex128, fftSize),
	}
}

// FrequencyBinCount is half the FFT size.
func (a *Analyser) FrequencyBinCount() int { return a.size / 2 }

// Write appends PCM16LE mono samples. Writes after Close are dropped.
func (a *Analyser) Write(pcm []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return len(pcm), nil
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		a.ring[a.next] = float64(s) / 32768
		a.next++
		if a.next == a.size {
			a.next = 0
			a.filled = true
		}
	}
	return len(pcm), nil
}

// ByteFrequencyData fills out with magnitudes scaled into 0..255 the way a
// Web Audio analyser does (-100..-30 dB range).
func (a *Analyser) ByteFrequencyData(out []uint8) {
	mags := a.magnitudes()
	const minDB, maxDB = -100.0, -30.0
	for i := range out {
		if i >= len(mags) {
			out[i] = 0
			continue
		}
		db := minDB
		if mags[i] > 0 {
			db = 20 * math.Log10(mags[i])
		}
		v := (db - minDB) / (maxDB - minDB) * 255
		out[i] = uint8(math.Max(0, math.Min(255, v)))
	}
}

// MeanLevel is the average of ByteFrequencyData over all bins, 0..255.
func (a *Analyser) MeanLevel() float64 {
	bins := make([]uint8, a.FrequencyBinCount())
	a.ByteFrequencyData(bins)
	sum := 0
	for _, b := range bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(bins))
}

// Close releases the analyser; later reads return silence.
func (a *Analyser) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for i := range a.ring {
		a.ring[i] = 0
	}
}

func (a *Analyser) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Analyser) magnitudes() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.size
	for i := 0; i < n; i++ {
		idx := (a.next + i) % n
		a.scratch[i] = complex(a.ring[idx]*a.window[i], 0)
	}
	fft(a.scratch)
	out := make([]float64, n/2)
	for i := range out {
		out[i] = cmplx.Abs(a.scratch[i]) / float64(n)
	}
	return out
}

// fft is an in-place iterative radix-2 transform; len(x) must be a power of two.
func fft(x []complex128) {
	n := len(x)
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}
	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			for k := 0; k < size/2; k++ {
				u := x[start+k]
				v := x[start+k+size/2] * w
				x[start+k] = u + v
				x[start+k+size/2] = u - v
				w *= step
			}
		}
	}
}

package media

import (
	"math"
	"sync"
	"sync/atomic"
)

// Analyser keeps the most recent time-domain samples of the source, before
// gain is applied.
type Analyser struct {
	mu   sync.Mutex
	ring []float32
	pos  int
	full bool
}

const DefaultFFTSize = 2048

func NewAnalyser(size int) *Analyser {
	if size <= 0 {
		size = DefaultFFTSize
	}
	return &Analyser{ring: make([]float32, size)}
}

func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.ring[a.pos] = s
		a.pos++
		if a.pos == len(a.ring) {
			a.pos = 0
			a.full = true
		}
	}
}

// TimeDomain copies out the buffered samples, oldest first.
func (a *Analyser) TimeDomain() []float32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.full {
		return append([]float32(nil), a.ring[:a.pos]...)
	}
	out := make([]float32, 0, len(a.ring))
	out = append(out, a.ring[a.pos:]...)
	return append(out, a.ring[:a.pos]...)
}

func (a *Analyser) LevelDB() float64 { return LevelDB(a.TimeDomain()) }

// Gain scales samples by a factor that may change between frames.
type Gain struct {
	bits atomic.Uint64
}

// NewGain starts muted.
func NewGain() *Gain { return &Gain{} }

func (g *Gain) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

func (g *Gain) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// Apply writes the scaled samples into dst, which must be as long as src.
func (g *Gain) Apply(dst, src []float32) {
	v := float32(g.Value())
	for i, s := range src {
		dst[i] = s * v
	}
}

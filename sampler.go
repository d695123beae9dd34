package queueview

import (
	"math/rand/v2"
	"sync"
)

// Sampler decides whether a deletion should also attempt to advance the
// browse start. Implementations must be safe for concurrent use.
type Sampler interface {
	Sample() bool
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func() bool

// Sample calls f.
func (f SamplerFunc) Sample() bool { return f() }

// Always samples every deletion.
var Always Sampler = SamplerFunc(func() bool { return true })

// Never disables deletion-triggered advancement. Maintenance must then be
// driven explicitly, e.g. through AdvanceBrowseStart or Maintain.
var Never Sampler = SamplerFunc(func() bool { return false })

// RateSampler samples with probability 1/pace.
type RateSampler struct {
	pace int

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRateSampler returns a sampler firing on average once every pace calls.
// A pace below 1 is treated as 1.
func NewRateSampler(pace int) *RateSampler {
	return &RateSampler{pace: max(pace, 1)}
}

// NewSeededRateSampler returns a RateSampler with a deterministic source.
func NewSeededRateSampler(pace int, seed uint64) *RateSampler {
	s := NewRateSampler(pace)
	s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return s
}

// Pace returns the configured pace.
func (s *RateSampler) Pace() int { return s.pace }

// Sample reports whether this call is selected.
func (s *RateSampler) Sample() bool {
	if s.pace == 1 {
		return true
	}
	if s.rng == nil {
		return rand.IntN(s.pace) == 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(s.pace) == 0
}

package service

import (
	"math/rand"
	"time"
)

// Clock supplies the wall-clock time used for hour-of-day decisions and timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the real UTC clock.
func SystemClock() Clock { return systemClock{} }

// Sampler draws uniform samples in [0, 1).
type Sampler interface {
	Float64() float64
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() float64

func (f SamplerFunc) Float64() float64 { return f() }

// DefaultSampler uses the process-wide generator, which is safe for concurrent use.
var DefaultSampler Sampler = SamplerFunc(rand.Float64)

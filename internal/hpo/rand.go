package hpo

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// MaxSeed bounds the seeds a policy hands to the delegates it spawns:
// non-negative values that fit in 31 bits.
const MaxSeed = int64(1)<<31 - 1

// Rand is a seeded random source safe for concurrent draws. Studies may run
// trials from several goroutines at once, so every sampler routes its
// randomness through one of these.
type Rand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRand returns a source seeded with seed. A zero seed picks an
// entropy-based one, matching the "no seed given" constructor convention.
func NewRand(seed int64) *Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Rand{rng: rand.New(rand.NewSource(seed))}
}

// NextSeed draws a seed in [1, MaxSeed] for a spawned component. Zero is
// excluded because every constructor reads it as "pick your own", which
// would break fixed-seed reproducibility.
func (r *Rand) NextSeed() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return 1 + r.rng.Int63n(MaxSeed)
}

// Reseed rewinds the source onto a fresh entropy-based seed.
func (r *Rand) Reseed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Float64 draws from [0, 1).
func (r *Rand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// NormFloat64 draws from the standard normal.
func (r *Rand) NormFloat64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.NormFloat64()
}

// Intn draws from [0, n).
func (r *Rand) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(n)
}

// Perm returns a random permutation of [0, n).
func (r *Rand) Perm(n int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Perm(n)
}

// Uniform draws from [low, high).
func (r *Rand) Uniform(low, high float64) float64 {
	return low + (high-low)*r.Float64()
}

// DrawUniform samples an internal representation uniformly from the
// distribution's domain, honoring log scaling and step grids.
func (r *Rand) DrawUniform(d Distribution) float64 {
	switch x := d.(type) {
	case FloatDistribution:
		if x.Single() {
			return x.Low
		}
		if x.Log {
			return math.Exp(r.Uniform(math.Log(x.Low), math.Log(x.High)))
		}
		return x.alignToStep(r.Uniform(x.Low, x.High))
	case IntDistribution:
		if x.Single() {
			return float64(x.Low)
		}
		if x.Log {
			v := math.Exp(r.Uniform(math.Log(float64(x.Low)), math.Log(float64(x.High)+1)))
			return x.alignToStep(v)
		}
		return x.alignToStep(r.Uniform(float64(x.Low), float64(x.High)+1) - 0.5)
	case CategoricalDistribution:
		return float64(r.Intn(len(x.Choices)))
	default:
		return 0
	}
}

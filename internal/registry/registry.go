// Package registry maps strategy and benchmark names to constructors, in
// the database/sql driver idiom: implementation packages register
// themselves from init, and callers resolve by name. YAML suites and the
// CLI refer to both kinds of plugin exclusively through these names.
package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/logging"
)

// SamplerSpec carries the construction knobs shared across strategies.
// Zero values defer to each strategy's own defaults, so an empty spec is
// always valid.
type SamplerSpec struct {
	// Seed fixes the strategy's random source; zero means entropy-seeded.
	Seed int64
	// StartupTrials is the observation count a model-based strategy waits
	// for before fitting (TPE startup phase, GP minimum history).
	StartupTrials int
	// PopulationSize sizes genetic generations.
	PopulationSize int
	// TrialsUntilCMAES and TrialsUntilNSGA tune the auto policy's
	// hand-off thresholds.
	TrialsUntilCMAES int
	TrialsUntilNSGA  int
	// Constraints is attached to every constraint-aware strategy.
	Constraints hpo.ConstraintsFunc
	Logger      *logging.Logger
}

// SamplerFactory builds a strategy from a spec.
type SamplerFactory func(SamplerSpec) (hpo.Sampler, error)

// ProblemFactory builds a benchmark problem in its canonical shape.
type ProblemFactory func() hpo.Problem

var (
	mu       sync.RWMutex
	samplers = make(map[string]SamplerFactory)
	problems = make(map[string]ProblemFactory)
)

// RegisterSampler makes a strategy constructible by name. It panics when
// the name is already taken or the factory is nil: registration happens
// from init, so both are programmer errors.
func RegisterSampler(name string, f SamplerFactory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("registry: nil sampler factory for " + name)
	}
	if _, dup := samplers[name]; dup {
		panic("registry: RegisterSampler called twice for " + name)
	}
	samplers[name] = f
}

// RegisterProblem makes a benchmark constructible by name. Same panic
// contract as RegisterSampler.
func RegisterProblem(name string, f ProblemFactory) {
	mu.Lock()
	defer mu.Unlock()
	if f == nil {
		panic("registry: nil problem factory for " + name)
	}
	if _, dup := problems[name]; dup {
		panic("registry: RegisterProblem called twice for " + name)
	}
	problems[name] = f
}

// NewSampler constructs the named strategy.
func NewSampler(name string, spec SamplerSpec) (hpo.Sampler, error) {
	mu.RLock()
	f, ok := samplers[name]
	mu.RUnlock()
	if !ok {
		return nil, hpo.NewErrorf("unknown sampler %q (registered: %s)", name, strings.Join(Samplers(), ", ")).
			WithComponent("registry")
	}
	return f(spec)
}

// NewProblem constructs the named benchmark.
func NewProblem(name string) (hpo.Problem, error) {
	mu.RLock()
	f, ok := problems[name]
	mu.RUnlock()
	if !ok {
		return nil, hpo.NewErrorf("unknown problem %q (registered: %s)", name, strings.Join(Problems(), ", ")).
			WithComponent("registry")
	}
	return f(), nil
}

// Samplers lists the registered strategy names, sorted.
func Samplers() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(samplers))
	for name := range samplers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Problems lists the registered benchmark names, sorted.
func Problems() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(problems))
	for name := range problems {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Package bench carries the benchmark problems the suite runner and the
// CLI exercise samplers against: the classical continuous test functions,
// constrained variants, and multi-objective problems for the genetic
// strategies. Every problem registers itself under its canonical name and
// shape; custom dimensionalities go through the constructors.
package bench

import (
	"strconv"

	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/registry"
)

// defaultDims is the dimensionality the continuous functions register with.
const defaultDims = 2

func init() {
	for name, spec := range functions {
		registry.RegisterProblem(name, func() hpo.Problem {
			return &Continuous{name: name, dims: defaultDims, low: spec.low, high: spec.high, fn: spec.fn}
		})
	}
	registry.RegisterProblem("sphere-constrained", func() hpo.Problem {
		return NewConstrainedSphere(defaultDims)
	})
	registry.RegisterProblem("binh-korn", func() hpo.Problem {
		return &BinhKorn{}
	})
	registry.RegisterProblem("dtlz2", func() hpo.Problem {
		return NewDTLZ2(3, 7)
	})
}

// paramName is the canonical axis name of dimension i.
func paramName(i int) string { return "x" + strconv.Itoa(i) }

// Continuous is a single-objective box-constrained test function.
type Continuous struct {
	name      string
	dims      int
	low, high float64
	fn        func(x []float64) float64
}

// NewContinuous builds one of the named continuous functions with the given
// dimensionality.
func NewContinuous(name string, dims int) (*Continuous, error) {
	spec, ok := functions[name]
	if !ok {
		return nil, hpo.NewErrorf("unknown continuous function %q", name).WithComponent("bench")
	}
	if dims < 1 {
		return nil, hpo.NewErrorf("function %q needs at least one dimension, got %d", name, dims).
			WithComponent("bench")
	}
	return &Continuous{name: name, dims: dims, low: spec.low, high: spec.high, fn: spec.fn}, nil
}

// Name implements hpo.Problem.
func (p *Continuous) Name() string { return p.name }

// Directions implements hpo.Problem.
func (p *Continuous) Directions() []hpo.Direction { return []hpo.Direction{hpo.Minimize} }

// SearchSpace implements hpo.Problem.
func (p *Continuous) SearchSpace() map[string]hpo.Distribution {
	space := make(map[string]hpo.Distribution, p.dims)
	for i := 0; i < p.dims; i++ {
		space[paramName(i)] = hpo.FloatDistribution{Low: p.low, High: p.high}
	}
	return space
}

// Evaluate implements hpo.Problem.
func (p *Continuous) Evaluate(trial *hpo.Trial) ([]float64, error) {
	x, err := p.suggest(trial)
	if err != nil {
		return nil, err
	}
	return []float64{p.fn(x)}, nil
}

func (p *Continuous) suggest(trial *hpo.Trial) ([]float64, error) {
	x := make([]float64, p.dims)
	for i := range x {
		v, err := trial.SuggestFloat(paramName(i), p.low, p.high)
		if err != nil {
			return nil, err
		}
		x[i] = v
	}
	return x, nil
}

// ConstrainedSphere is the sphere pushed off its unconstrained optimum: the
// plane constraint sum(x) >= 1 excludes the origin, so feasible solutions
// live on or above the hyperplane.
type ConstrainedSphere struct {
	inner *Continuous
}

// NewConstrainedSphere builds the constrained sphere. Panics below one
// dimension.
func NewConstrainedSphere(dims int) *ConstrainedSphere {
	if dims < 1 {
		panic("bench: constrained sphere needs at least one dimension")
	}
	spec := functions["sphere"]
	return &ConstrainedSphere{inner: &Continuous{
		name: "sphere-constrained",
		dims: dims,
		low:  spec.low,
		high: spec.high,
		fn:   spec.fn,
	}}
}

// Name implements hpo.Problem.
func (p *ConstrainedSphere) Name() string { return p.inner.name }

// Directions implements hpo.Problem.
func (p *ConstrainedSphere) Directions() []hpo.Direction { return p.inner.Directions() }

// SearchSpace implements hpo.Problem.
func (p *ConstrainedSphere) SearchSpace() map[string]hpo.Distribution { return p.inner.SearchSpace() }

// Evaluate implements hpo.Problem.
func (p *ConstrainedSphere) Evaluate(trial *hpo.Trial) ([]float64, error) {
	return p.inner.Evaluate(trial)
}

// EvaluateConstraints implements hpo.ConstrainedProblem: positive when the
// parameters sum below one.
func (p *ConstrainedSphere) EvaluateConstraints(trial *hpo.FrozenTrial) ([]float64, error) {
	sum := 0.0
	for i := 0; i < p.inner.dims; i++ {
		v, ok := trial.Params[paramName(i)]
		if !ok {
			return nil, hpo.NewErrorf("trial %d is missing parameter %q", trial.ID, paramName(i)).
				WithComponent("bench")
		}
		sum += v
	}
	return []float64{1 - sum}, nil
}

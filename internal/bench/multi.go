package bench

import (
	"math"

	"github.com/tunehub/tunehub/internal/hpo"
)

// BinhKorn is the classical constrained bi-objective problem: two quadratic
// bowls pulling in opposite directions, with a disc constraint cutting into
// the front.
type BinhKorn struct{}

// Name implements hpo.Problem.
func (BinhKorn) Name() string { return "binh-korn" }

// Directions implements hpo.Problem.
func (BinhKorn) Directions() []hpo.Direction {
	return []hpo.Direction{hpo.Minimize, hpo.Minimize}
}

// SearchSpace implements hpo.Problem.
func (BinhKorn) SearchSpace() map[string]hpo.Distribution {
	return map[string]hpo.Distribution{
		"x": hpo.FloatDistribution{Low: 0, High: 5},
		"y": hpo.FloatDistribution{Low: 0, High: 3},
	}
}

// Evaluate implements hpo.Problem.
func (BinhKorn) Evaluate(trial *hpo.Trial) ([]float64, error) {
	x, err := trial.SuggestFloat("x", 0, 5)
	if err != nil {
		return nil, err
	}
	y, err := trial.SuggestFloat("y", 0, 3)
	if err != nil {
		return nil, err
	}
	f1 := 4*x*x + 4*y*y
	f2 := (x-5)*(x-5) + (y-5)*(y-5)
	return []float64{f1, f2}, nil
}

// EvaluateConstraints implements hpo.ConstrainedProblem. The first
// constraint keeps solutions inside a disc around (5, 0); the second keeps
// them outside a disc around (8, -3) and never binds inside the box, which
// matches the problem's classical statement.
func (BinhKorn) EvaluateConstraints(trial *hpo.FrozenTrial) ([]float64, error) {
	x, ok := trial.Params["x"]
	if !ok {
		return nil, hpo.NewErrorf("trial %d is missing parameter %q", trial.ID, "x").WithComponent("bench")
	}
	y, ok := trial.Params["y"]
	if !ok {
		return nil, hpo.NewErrorf("trial %d is missing parameter %q", trial.ID, "y").WithComponent("bench")
	}
	c1 := (x-5)*(x-5) + y*y - 25
	c2 := 7.7 - ((x-8)*(x-8) + (y+3)*(y+3))
	return []float64{c1, c2}, nil
}

// DTLZ2 is the scalable multi-objective problem whose Pareto front is the
// positive orthant of the unit sphere. The first objectives-1 parameters
// position a solution on the front; the rest control the distance to it.
type DTLZ2 struct {
	objectives int
	dims       int
}

// NewDTLZ2 builds the problem. Panics when the shape is unusable: at least
// two objectives, and at least as many dimensions as objectives.
func NewDTLZ2(objectives, dims int) *DTLZ2 {
	if objectives < 2 {
		panic("bench: DTLZ2 needs at least two objectives")
	}
	if dims < objectives {
		panic("bench: DTLZ2 needs at least as many dimensions as objectives")
	}
	return &DTLZ2{objectives: objectives, dims: dims}
}

// Name implements hpo.Problem.
func (p *DTLZ2) Name() string { return "dtlz2" }

// Directions implements hpo.Problem.
func (p *DTLZ2) Directions() []hpo.Direction {
	dirs := make([]hpo.Direction, p.objectives)
	for i := range dirs {
		dirs[i] = hpo.Minimize
	}
	return dirs
}

// SearchSpace implements hpo.Problem.
func (p *DTLZ2) SearchSpace() map[string]hpo.Distribution {
	space := make(map[string]hpo.Distribution, p.dims)
	for i := 0; i < p.dims; i++ {
		space[paramName(i)] = hpo.FloatDistribution{Low: 0, High: 1}
	}
	return space
}

// Evaluate implements hpo.Problem.
func (p *DTLZ2) Evaluate(trial *hpo.Trial) ([]float64, error) {
	x := make([]float64, p.dims)
	for i := range x {
		v, err := trial.SuggestFloat(paramName(i), 0, 1)
		if err != nil {
			return nil, err
		}
		x[i] = v
	}

	m := p.objectives
	g := 0.0
	for _, v := range x[m-1:] {
		g += (v - 0.5) * (v - 0.5)
	}

	values := make([]float64, m)
	for j := 0; j < m; j++ {
		f := 1 + g
		for i := 0; i < m-1-j; i++ {
			f *= math.Cos(x[i] * math.Pi / 2)
		}
		if j > 0 {
			f *= math.Sin(x[m-1-j] * math.Pi / 2)
		}
		values[j] = f
	}
	return values, nil
}

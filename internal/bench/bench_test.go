package bench

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/hpo/samplers/random"
	"github.com/tunehub/tunehub/internal/hpo/storage"
)

// evalAt runs one evaluation at a pinned point through the real trial
// machinery and returns the objective values plus the frozen record.
func evalAt(t *testing.T, problem hpo.Problem, params map[string]any) ([]float64, *hpo.FrozenTrial) {
	t.Helper()
	study, err := hpo.NewStudy(hpo.StudyConfig{
		Name:       "bench-eval",
		Directions: problem.Directions(),
		Storage:    storage.NewMemory(),
		Sampler:    random.New(1),
	})
	require.NoError(t, err)
	require.NoError(t, study.EnqueueTrial(params))
	trial, err := study.Ask()
	require.NoError(t, err)
	values, err := problem.Evaluate(trial)
	require.NoError(t, err)
	frozen, err := study.Storage().GetTrial(trial.ID())
	require.NoError(t, err)
	return values, frozen
}

func pointParams(at []float64) map[string]any {
	params := make(map[string]any, len(at))
	for i, v := range at {
		params[paramName(i)] = v
	}
	return params
}

func TestContinuousGlobalMinima(t *testing.T) {
	cases := []struct {
		name string
		at   []float64
		want float64
		tol  float64
	}{
		{"sphere", []float64{0, 0}, 0, 1e-9},
		{"rosenbrock", []float64{1, 1}, 0, 1e-9},
		{"rastrigin", []float64{0, 0}, 0, 1e-9},
		{"ackley", []float64{0, 0}, 0, 1e-9},
		{"griewank", []float64{0, 0}, 0, 1e-9},
		{"schwefel", []float64{420.968746, 420.968746}, 0, 1e-3},
		{"levy", []float64{1, 1}, 0, 1e-9},
		{"styblinski-tang", []float64{-2.903534, -2.903534}, -78.332331, 1e-3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			problem, err := NewContinuous(tc.name, len(tc.at))
			require.NoError(t, err)
			values, _ := evalAt(t, problem, pointParams(tc.at))
			require.Len(t, values, 1)
			assert.InDelta(t, tc.want, values[0], tc.tol)
		})
	}
}

func TestContinuousDescribesItself(t *testing.T) {
	problem, err := NewContinuous("rastrigin", 3)
	require.NoError(t, err)

	assert.Equal(t, "rastrigin", problem.Name())
	assert.Equal(t, []hpo.Direction{hpo.Minimize}, problem.Directions())

	space := problem.SearchSpace()
	require.Len(t, space, 3)
	for name, dist := range space {
		fd, ok := dist.(hpo.FloatDistribution)
		require.True(t, ok, "dimension %s", name)
		assert.Equal(t, hpo.FloatDistribution{Low: -5.12, High: 5.12}, fd)
	}
}

func TestNewContinuousRejectsBadShapes(t *testing.T) {
	_, err := NewContinuous("himmelblau", 2)
	assert.Error(t, err)

	_, err = NewContinuous("sphere", 0)
	assert.Error(t, err)
}

func TestConstrainedSphereScoresViolation(t *testing.T) {
	problem := NewConstrainedSphere(2)

	values, frozen := evalAt(t, problem, map[string]any{"x0": 1.0, "x1": 0.0})
	assert.InDelta(t, 1.0, values[0], 1e-9)
	cs, err := problem.EvaluateConstraints(frozen)
	require.NoError(t, err)
	require.Len(t, cs, 1)
	assert.InDelta(t, 0.0, cs[0], 1e-9, "on the constraint plane")

	_, frozen = evalAt(t, problem, map[string]any{"x0": 0.0, "x1": 0.0})
	cs, err = problem.EvaluateConstraints(frozen)
	require.NoError(t, err)
	assert.Greater(t, cs[0], 0.0, "the unconstrained optimum is infeasible here")
}

func TestConstrainedSphereNeedsSampledParams(t *testing.T) {
	problem := NewConstrainedSphere(2)
	_, err := problem.EvaluateConstraints(&hpo.FrozenTrial{ID: 7})
	assert.Error(t, err)
}

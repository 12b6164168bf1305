package cmaes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/hpo/storage"
)

func newCMAESStudy(t *testing.T, sampler *Sampler) *hpo.Study {
	t.Helper()
	study, err := hpo.NewStudy(hpo.StudyConfig{
		Name:    "cmaes-test",
		Storage: storage.NewMemory(),
		Sampler: sampler,
	})
	require.NoError(t, err)
	return study
}

// completeXY runs one trial with two unit-interval parameters and the
// given objective value.
func completeXY(t *testing.T, study *hpo.Study) {
	t.Helper()
	trial, err := study.Ask()
	require.NoError(t, err)
	x, err := trial.SuggestFloat("x", 0, 1)
	require.NoError(t, err)
	y, err := trial.SuggestFloat("y", 0, 1)
	require.NoError(t, err)
	require.NoError(t, study.Tell(trial.ID(), []float64{x*x + y*y}, hpo.StateComplete))
}

func TestSamplerImplementsContract(t *testing.T) {
	var _ hpo.Sampler = New(Options{})
	assert.Equal(t, "cmaes", New(Options{}).Name())
}

func TestRelativeSpaceIsNumericOnly(t *testing.T) {
	sampler := New(Options{Seed: 1})
	study := newCMAESStudy(t, sampler)

	trial, err := study.Ask()
	require.NoError(t, err)
	_, err = trial.SuggestFloat("x", 0, 1)
	require.NoError(t, err)
	_, err = trial.SuggestCategorical("opt", []any{"adam", "sgd"})
	require.NoError(t, err)
	require.NoError(t, study.Tell(trial.ID(), []float64{1}, hpo.StateComplete))

	space, err := sampler.InferRelativeSearchSpace(study, nil)
	require.NoError(t, err)
	assert.Contains(t, space, "x")
	assert.NotContains(t, space, "opt")
}

func TestSampleRelativeTagsTrialGeneration(t *testing.T) {
	sampler := New(Options{Seed: 1, PopulationSize: 4})
	study := newCMAESStudy(t, sampler)

	// The first trial sees an empty relative space and stays untagged.
	completeXY(t, study)

	trial, err := study.Ask()
	require.NoError(t, err)
	_, err = trial.SuggestFloat("x", 0, 1)
	require.NoError(t, err)

	frozen, err := study.Storage().GetTrial(trial.ID())
	require.NoError(t, err)
	g, ok := trialGeneration(frozen)
	require.True(t, ok, "covariance-model trials carry a generation tag")
	assert.Equal(t, 0, g)

	attrs, err := study.SystemAttrs()
	require.NoError(t, err)
	assert.Contains(t, attrs, stateKey)
}

func TestGenerationAdvancesAfterPopulationCompletes(t *testing.T) {
	sampler := New(Options{Seed: 3, PopulationSize: 4})
	study := newCMAESStudy(t, sampler)

	// One seeding trial, then a full population of tagged trials.
	for i := 0; i < 5; i++ {
		completeXY(t, study)
	}
	names := []string{"x", "y"}
	st, err := sampler.loadStrategy(study, names)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 0, st.generation)

	// The next ask folds the completed population in.
	completeXY(t, study)
	st, err = sampler.loadStrategy(study, names)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 1, st.generation)
}

func TestSpaceChangeRestartsStrategy(t *testing.T) {
	sampler := New(Options{Seed: 1, PopulationSize: 4})
	study := newCMAESStudy(t, sampler)
	for i := 0; i < 3; i++ {
		completeXY(t, study)
	}

	st, err := sampler.loadStrategy(study, []string{"x", "y"})
	require.NoError(t, err)
	require.NotNil(t, st)

	st, err = sampler.loadStrategy(study, []string{"x"})
	require.NoError(t, err)
	assert.Nil(t, st, "a changed search space discards the covariance state")
}

func TestWarmStartEstimatesFromPromisingTrials(t *testing.T) {
	space := map[string]hpo.Distribution{
		"x": hpo.FloatDistribution{Low: 0, High: 1},
		"y": hpo.FloatDistribution{Low: 0, High: 1},
	}
	names := []string{"x", "y"}

	source := make([]*hpo.FrozenTrial, 0, 20)
	for i := 0; i < 20; i++ {
		x := 0.8 - 0.03*float64(i) // the last trials cluster near 0.2
		source = append(source, &hpo.FrozenTrial{
			State:  hpo.StateComplete,
			Values: []float64{(x - 0.2) * (x - 0.2)},
			Params: map[string]float64{"x": x, "y": x},
		})
	}
	sampler := New(Options{Seed: 1, SourceTrials: source})
	study := newCMAESStudy(t, sampler)

	st := sampler.warmStartStrategy(study, space, names)
	require.NotNil(t, st)
	assert.InDelta(t, 0.23, st.mean.AtVec(0), 0.05, "mean sits on the promising cluster")
	assert.GreaterOrEqual(t, st.sigma, 0.05)
	assert.LessOrEqual(t, st.sigma, 0.5)

	// Too few usable source trials fall back to the default start.
	bare := New(Options{Seed: 1, SourceTrials: source[:1]})
	assert.Nil(t, bare.warmStartStrategy(study, space, names))
}

func TestOptimizeQuadratic(t *testing.T) {
	sampler := New(Options{Seed: 11})
	study := newCMAESStudy(t, sampler)

	err := study.Optimize(context.Background(), func(trial *hpo.Trial) ([]float64, error) {
		x, err := trial.SuggestFloat("x", -5, 5)
		if err != nil {
			return nil, err
		}
		return []float64{(x - 2) * (x - 2)}, nil
	}, 40)
	require.NoError(t, err)

	best, err := study.BestTrial()
	require.NoError(t, err)
	assert.Less(t, best.Values[0], 0.5)
}

func TestSampleIndependentDrawsUniform(t *testing.T) {
	sampler := New(Options{Seed: 2, WarnIndependentSampling: true})
	study := newCMAESStudy(t, sampler)
	dist := hpo.CategoricalDistribution{Choices: []any{"a", "b"}}

	for i := 0; i < 50; i++ {
		ir, err := sampler.SampleIndependent(study, &hpo.FrozenTrial{}, "opt", dist)
		require.NoError(t, err)
		assert.True(t, dist.Contains(ir))
	}
}

package hpo_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/hpo/storage"
)

// scriptedSampler implements hpo.Sampler with canned responses and records
// the order the study drives its hooks in.
type scriptedSampler struct {
	calls       []string
	relSpace    map[string]hpo.Distribution
	relParams   map[string]float64
	independent float64
	beforeErr   error
	afterErr    error
	afterState  hpo.TrialState
	afterValues []float64
	constraints hpo.ConstraintsFunc
}

func (s *scriptedSampler) Name() string { return "scripted" }

func (s *scriptedSampler) InferRelativeSearchSpace(*hpo.Study, *hpo.FrozenTrial) (map[string]hpo.Distribution, error) {
	s.calls = append(s.calls, "infer")
	return s.relSpace, nil
}

func (s *scriptedSampler) SampleRelative(*hpo.Study, *hpo.FrozenTrial, map[string]hpo.Distribution) (map[string]float64, error) {
	s.calls = append(s.calls, "relative")
	return s.relParams, nil
}

func (s *scriptedSampler) SampleIndependent(_ *hpo.Study, _ *hpo.FrozenTrial, name string, _ hpo.Distribution) (float64, error) {
	s.calls = append(s.calls, "independent:"+name)
	return s.independent, nil
}

func (s *scriptedSampler) BeforeTrial(*hpo.Study, *hpo.FrozenTrial) error {
	s.calls = append(s.calls, "before")
	return s.beforeErr
}

func (s *scriptedSampler) AfterTrial(study *hpo.Study, trial *hpo.FrozenTrial, state hpo.TrialState, values []float64) error {
	s.calls = append(s.calls, "after")
	s.afterState = state
	s.afterValues = values
	if err := hpo.ProcessConstraints(study, trial, state, s.constraints); err != nil {
		return err
	}
	return s.afterErr
}

func (s *scriptedSampler) ReseedRNG() {}

func newTestStudy(t *testing.T, sampler hpo.Sampler, directions ...hpo.Direction) *hpo.Study {
	t.Helper()
	study, err := hpo.NewStudy(hpo.StudyConfig{
		Name:       "test",
		Directions: directions,
		Storage:    storage.NewMemory(),
		Sampler:    sampler,
	})
	require.NoError(t, err)
	return study
}

func TestNewStudyValidation(t *testing.T) {
	_, err := hpo.NewStudy(hpo.StudyConfig{Sampler: &scriptedSampler{}})
	assert.Error(t, err, "storage is required")
	_, err = hpo.NewStudy(hpo.StudyConfig{Storage: storage.NewMemory()})
	assert.Error(t, err, "sampler is required")

	study := newTestStudy(t, &scriptedSampler{})
	assert.Equal(t, []hpo.Direction{hpo.Minimize}, study.Directions(), "direction defaults to minimize")
	assert.False(t, study.MultiObjective())
}

func TestStudyAskTellLifecycle(t *testing.T) {
	sampler := &scriptedSampler{
		relSpace:    map[string]hpo.Distribution{"x": hpo.FloatDistribution{Low: 0, High: 1}},
		relParams:   map[string]float64{"x": 0.5},
		independent: 0.25,
	}
	study := newTestStudy(t, sampler)

	trial, err := study.Ask()
	require.NoError(t, err)
	assert.Equal(t, []string{"before", "infer", "relative"}, sampler.calls)

	x, err := trial.SuggestFloat("x", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.5, x, "relative sample is reused")

	y, err := trial.SuggestFloat("y", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.25, y, "uncovered parameter goes through SampleIndependent")

	yAgain, err := trial.SuggestFloat("y", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, y, yAgain)
	assert.Equal(t, []string{"before", "infer", "relative", "independent:y"}, sampler.calls,
		"repeated suggestions reuse the stored draw")

	require.NoError(t, study.Tell(trial.ID(), []float64{0.9}, hpo.StateComplete))
	assert.Equal(t, hpo.StateComplete, sampler.afterState)
	assert.Equal(t, []float64{0.9}, sampler.afterValues)

	stored, err := study.Storage().GetTrial(trial.ID())
	require.NoError(t, err)
	assert.Equal(t, hpo.StateComplete, stored.State)
	assert.Equal(t, []float64{0.9}, stored.Values)
	assert.Equal(t, 0.5, stored.Params["x"])
	assert.Equal(t, 0.25, stored.Params["y"])
}

func TestStudyAskFailsTrialOnBeforeTrialError(t *testing.T) {
	sampler := &scriptedSampler{beforeErr: errors.New("boom")}
	study := newTestStudy(t, sampler)

	_, err := study.Ask()
	require.Error(t, err)

	trials, err := study.Trials()
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, hpo.StateFail, trials[0].State, "trial must not stay RUNNING")
}

func TestStudyTellAfterTrialErrorLeavesTrialRunning(t *testing.T) {
	sampler := &scriptedSampler{afterErr: errors.New("boom")}
	study := newTestStudy(t, sampler)

	trial, err := study.Ask()
	require.NoError(t, err)

	err = study.Tell(trial.ID(), []float64{1}, hpo.StateComplete)
	require.Error(t, err)

	stored, err := study.Storage().GetTrial(trial.ID())
	require.NoError(t, err)
	assert.Equal(t, hpo.StateRunning, stored.State)

	sampler.afterErr = nil
	require.NoError(t, study.Tell(trial.ID(), []float64{1}, hpo.StateComplete))
}

func TestStudyTellValidation(t *testing.T) {
	study := newTestStudy(t, &scriptedSampler{})

	trial, err := study.Ask()
	require.NoError(t, err)

	err = study.Tell(trial.ID(), []float64{1}, hpo.StateRunning)
	assert.True(t, errors.Is(err, hpo.ErrInvalidState))

	err = study.Tell(trial.ID(), []float64{1, 2}, hpo.StateComplete)
	assert.Error(t, err, "value count must match directions")

	require.NoError(t, study.Tell(trial.ID(), []float64{1}, hpo.StateComplete))
	err = study.Tell(trial.ID(), []float64{1}, hpo.StateComplete)
	assert.True(t, errors.Is(err, hpo.ErrTrialNotRunning), "telling twice is rejected")

	err = study.Tell(999, []float64{1}, hpo.StateComplete)
	assert.True(t, errors.Is(err, hpo.ErrUnknownTrial))
}

func TestStudyTellPrunedAndFailedSkipValueCheck(t *testing.T) {
	study := newTestStudy(t, &scriptedSampler{})

	trial, err := study.Ask()
	require.NoError(t, err)
	require.NoError(t, study.Tell(trial.ID(), nil, hpo.StatePruned))

	trial, err = study.Ask()
	require.NoError(t, err)
	require.NoError(t, study.Tell(trial.ID(), nil, hpo.StateFail))
}

func TestStudyEnqueueTrial(t *testing.T) {
	sampler := &scriptedSampler{independent: 0.9}
	study := newTestStudy(t, sampler)

	require.NoError(t, study.EnqueueTrial(map[string]any{"x": 0.25, "opt": "sgd"}))

	trial, err := study.Ask()
	require.NoError(t, err)

	x, err := trial.SuggestFloat("x", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.25, x, "enqueued value wins over the sampler")

	opt, err := trial.SuggestCategorical("opt", []any{"adam", "sgd"})
	require.NoError(t, err)
	assert.Equal(t, "sgd", opt)

	free, err := trial.SuggestFloat("free", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.9, free, "parameters outside the queue still go to the sampler")
}

func TestStudySuggestValidatesSampledValues(t *testing.T) {
	sampler := &scriptedSampler{independent: 42} // outside every domain below
	study := newTestStudy(t, sampler)

	trial, err := study.Ask()
	require.NoError(t, err)
	_, err = trial.SuggestFloat("x", 0, 1)
	assert.Error(t, err, "out-of-domain samples are rejected, not clamped")
}

func TestStudyBestTrial(t *testing.T) {
	study := newTestStudy(t, &scriptedSampler{})

	_, err := study.BestTrial()
	assert.Error(t, err, "no completed trials yet")

	for _, v := range []float64{3, 1, 2} {
		trial, err := study.Ask()
		require.NoError(t, err)
		require.NoError(t, study.Tell(trial.ID(), []float64{v}, hpo.StateComplete))
	}
	best, err := study.BestTrial()
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, best.Values)

	maxStudy := newTestStudy(t, &scriptedSampler{}, hpo.Maximize)
	for _, v := range []float64{3, 1, 2} {
		trial, err := maxStudy.Ask()
		require.NoError(t, err)
		require.NoError(t, maxStudy.Tell(trial.ID(), []float64{v}, hpo.StateComplete))
	}
	best, err = maxStudy.BestTrial()
	require.NoError(t, err)
	assert.Equal(t, []float64{3}, best.Values)
}

func TestStudyBestTrialRejectsMultiObjective(t *testing.T) {
	study := newTestStudy(t, &scriptedSampler{}, hpo.Minimize, hpo.Minimize)
	_, err := study.BestTrial()
	assert.Error(t, err)
}

func TestStudyParetoFront(t *testing.T) {
	study := newTestStudy(t, &scriptedSampler{}, hpo.Minimize, hpo.Minimize)
	for _, vs := range [][]float64{{1, 4}, {2, 2}, {3, 3}} {
		trial, err := study.Ask()
		require.NoError(t, err)
		require.NoError(t, study.Tell(trial.ID(), vs, hpo.StateComplete))
	}
	front, err := study.ParetoFront()
	require.NoError(t, err)
	require.Len(t, front, 2)
}

func TestStudyOptimize(t *testing.T) {
	sampler := &scriptedSampler{independent: 0.5}
	study := newTestStudy(t, sampler)

	evals := 0
	err := study.Optimize(context.Background(), func(trial *hpo.Trial) ([]float64, error) {
		evals++
		x, err := trial.SuggestFloat("x", 0, 1)
		if err != nil {
			return nil, err
		}
		return []float64{x * x}, nil
	}, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, evals)

	trials, err := study.Trials(hpo.StateComplete)
	require.NoError(t, err)
	assert.Len(t, trials, 5)
}

func TestStudyOptimizeFailingObjective(t *testing.T) {
	study := newTestStudy(t, &scriptedSampler{})

	err := study.Optimize(context.Background(), func(*hpo.Trial) ([]float64, error) {
		return nil, errors.New("objective exploded")
	}, 3)
	require.Error(t, err)

	failed, err := study.Trials(hpo.StateFail)
	require.NoError(t, err)
	assert.Len(t, failed, 1, "the failing trial is marked FAIL and the loop stops")
}

func TestStudyOptimizeHonorsContext(t *testing.T) {
	study := newTestStudy(t, &scriptedSampler{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := study.Optimize(ctx, func(*hpo.Trial) ([]float64, error) {
		return []float64{0}, nil
	}, 10)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessConstraintsRecordsOnComplete(t *testing.T) {
	sampler := &scriptedSampler{
		constraints: func(trial *hpo.FrozenTrial) ([]float64, error) {
			return []float64{-0.5, 1.5}, nil
		},
	}
	study := newTestStudy(t, sampler)

	trial, err := study.Ask()
	require.NoError(t, err)
	require.NoError(t, study.Tell(trial.ID(), []float64{1}, hpo.StateComplete))

	stored, err := study.Storage().GetTrial(trial.ID())
	require.NoError(t, err)
	got, ok := hpo.TrialConstraints(stored)
	require.True(t, ok)
	assert.Equal(t, []float64{-0.5, 1.5}, got)

	violation, ok := hpo.ConstraintViolation(stored)
	require.True(t, ok)
	assert.Equal(t, 1.5, violation, "only positive parts count")
}

func TestProcessConstraintsSkipsPruned(t *testing.T) {
	evaluated := false
	sampler := &scriptedSampler{
		constraints: func(*hpo.FrozenTrial) ([]float64, error) {
			evaluated = true
			return []float64{0}, nil
		},
	}
	study := newTestStudy(t, sampler)

	trial, err := study.Ask()
	require.NoError(t, err)
	require.NoError(t, study.Tell(trial.ID(), nil, hpo.StatePruned))
	assert.False(t, evaluated, "pruned trials have no constraints to evaluate")

	stored, err := study.Storage().GetTrial(trial.ID())
	require.NoError(t, err)
	_, ok := hpo.TrialConstraints(stored)
	assert.False(t, ok)
}

func TestProcessConstraintsErrorPropagates(t *testing.T) {
	sampler := &scriptedSampler{
		constraints: func(*hpo.FrozenTrial) ([]float64, error) {
			return nil, errors.New("constraint evaluation failed")
		},
	}
	study := newTestStudy(t, sampler)

	trial, err := study.Ask()
	require.NoError(t, err)
	err = study.Tell(trial.ID(), []float64{1}, hpo.StateComplete)
	require.Error(t, err)

	stored, err := study.Storage().GetTrial(trial.ID())
	require.NoError(t, err)
	assert.Equal(t, hpo.StateRunning, stored.State, "failed constraint evaluation leaves the trial undecided")
}

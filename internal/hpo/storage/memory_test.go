package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunehub/tunehub/internal/hpo"
)

// testClock returns a deterministic timestamp source that advances one
// second per call.
func testClock() func() time.Time {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	return func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
}

func TestMemoryTrialLifecycle(t *testing.T) {
	store := NewMemory(WithClock(testClock()))
	defer store.Close()

	studyID, err := store.CreateStudy("lifecycle", []hpo.Direction{hpo.Minimize})
	require.NoError(t, err)

	trial, err := store.CreateTrial(studyID, hpo.StateRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, trial.Number)
	assert.Equal(t, hpo.StateRunning, trial.State)
	assert.False(t, trial.StartedAt.IsZero())

	dist := hpo.FloatDistribution{Low: -5, High: 5}
	require.NoError(t, store.SetTrialParam(trial.ID, "x", 1.5, dist))
	require.NoError(t, store.SetTrialUserAttr(trial.ID, "note", "warm"))
	require.NoError(t, store.SetTrialSystemAttr(trial.ID, "auto:sampler", "tpe"))

	require.NoError(t, store.FinalizeTrial(trial.ID, hpo.StateComplete, []float64{0.25}))

	got, err := store.GetTrial(trial.ID)
	require.NoError(t, err)
	assert.Equal(t, hpo.StateComplete, got.State)
	assert.Equal(t, []float64{0.25}, got.Values)
	assert.Equal(t, 1.5, got.Params["x"])
	assert.Equal(t, dist, got.Distributions["x"])
	assert.Equal(t, "warm", got.UserAttrs["note"])
	assert.Equal(t, "tpe", got.SystemAttrs["auto:sampler"])
	assert.True(t, got.CompletedAt.After(got.StartedAt))
}

func TestMemoryTrialNumbersPerStudy(t *testing.T) {
	store := NewMemory()
	defer store.Close()

	a, err := store.CreateStudy("a", []hpo.Direction{hpo.Minimize})
	require.NoError(t, err)
	b, err := store.CreateStudy("b", []hpo.Direction{hpo.Minimize})
	require.NoError(t, err)

	for want := 0; want < 3; want++ {
		trial, err := store.CreateTrial(a, hpo.StateRunning, nil)
		require.NoError(t, err)
		assert.Equal(t, want, trial.Number)
	}
	trial, err := store.CreateTrial(b, hpo.StateRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, trial.Number, "numbering restarts per study")
}

func TestMemoryPopWaitingTrial(t *testing.T) {
	store := NewMemory(WithClock(testClock()))
	defer store.Close()

	studyID, err := store.CreateStudy("queue", []hpo.Direction{hpo.Minimize})
	require.NoError(t, err)

	first, err := store.CreateTrial(studyID, hpo.StateWaiting, map[string]any{"fixed_params": map[string]any{"x": 1.0}})
	require.NoError(t, err)
	second, err := store.CreateTrial(studyID, hpo.StateWaiting, nil)
	require.NoError(t, err)

	popped, err := store.PopWaitingTrial(studyID)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, first.ID, popped.ID, "oldest waiting trial pops first")
	assert.Equal(t, hpo.StateRunning, popped.State)
	assert.False(t, popped.StartedAt.IsZero())

	popped, err = store.PopWaitingTrial(studyID)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, second.ID, popped.ID)

	popped, err = store.PopWaitingTrial(studyID)
	require.NoError(t, err)
	assert.Nil(t, popped, "empty queue yields nil without error")
}

func TestMemoryTrialsStateFilter(t *testing.T) {
	store := NewMemory()
	defer store.Close()

	studyID, err := store.CreateStudy("filter", []hpo.Direction{hpo.Minimize})
	require.NoError(t, err)

	complete, err := store.CreateTrial(studyID, hpo.StateRunning, nil)
	require.NoError(t, err)
	require.NoError(t, store.FinalizeTrial(complete.ID, hpo.StateComplete, []float64{1}))

	pruned, err := store.CreateTrial(studyID, hpo.StateRunning, nil)
	require.NoError(t, err)
	require.NoError(t, store.FinalizeTrial(pruned.ID, hpo.StatePruned, nil))

	_, err = store.CreateTrial(studyID, hpo.StateRunning, nil)
	require.NoError(t, err)

	all, err := store.Trials(studyID)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	finished, err := store.Trials(studyID, hpo.StateComplete, hpo.StatePruned)
	require.NoError(t, err)
	require.Len(t, finished, 2)
	assert.Equal(t, complete.ID, finished[0].ID)
	assert.Equal(t, pruned.ID, finished[1].ID)

	running, err := store.Trials(studyID, hpo.StateRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)
}

func TestMemoryReturnsCopies(t *testing.T) {
	store := NewMemory()
	defer store.Close()

	studyID, err := store.CreateStudy("copies", []hpo.Direction{hpo.Minimize})
	require.NoError(t, err)
	trial, err := store.CreateTrial(studyID, hpo.StateRunning, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetTrialParam(trial.ID, "x", 2.0, hpo.FloatDistribution{Low: 0, High: 4}))

	got, err := store.GetTrial(trial.ID)
	require.NoError(t, err)
	got.Params["x"] = -100
	got.SystemAttrs["rogue"] = true

	fresh, err := store.GetTrial(trial.ID)
	require.NoError(t, err)
	assert.Equal(t, 2.0, fresh.Params["x"], "mutating a returned trial must not reach the store")
	assert.NotContains(t, fresh.SystemAttrs, "rogue")
	if diff := cmp.Diff(got.Number, fresh.Number); diff != "" {
		t.Errorf("number mismatch (-got +fresh):\n%s", diff)
	}
}

func TestMemoryValidation(t *testing.T) {
	store := NewMemory()
	defer store.Close()

	studyID, err := store.CreateStudy("validation", []hpo.Direction{hpo.Minimize})
	require.NoError(t, err)
	trial, err := store.CreateTrial(studyID, hpo.StateRunning, nil)
	require.NoError(t, err)

	t.Run("unknown study", func(t *testing.T) {
		_, err := store.CreateTrial(999, hpo.StateRunning, nil)
		assert.True(t, errors.Is(err, hpo.ErrUnknownStudy))
		_, err = store.Trials(999)
		assert.True(t, errors.Is(err, hpo.ErrUnknownStudy))
	})

	t.Run("unknown trial", func(t *testing.T) {
		_, err := store.GetTrial(999)
		assert.True(t, errors.Is(err, hpo.ErrUnknownTrial))
		err = store.SetTrialParam(999, "x", 0, hpo.FloatDistribution{Low: 0, High: 1})
		assert.True(t, errors.Is(err, hpo.ErrUnknownTrial))
	})

	t.Run("finalize requires terminal state", func(t *testing.T) {
		err := store.FinalizeTrial(trial.ID, hpo.StateRunning, nil)
		assert.True(t, errors.Is(err, hpo.ErrInvalidState))
	})

	t.Run("finished trials are immutable", func(t *testing.T) {
		require.NoError(t, store.FinalizeTrial(trial.ID, hpo.StateComplete, []float64{0}))
		err := store.FinalizeTrial(trial.ID, hpo.StateFail, nil)
		assert.True(t, errors.Is(err, hpo.ErrTrialNotRunning))
		err = store.SetTrialParam(trial.ID, "y", 1, hpo.FloatDistribution{Low: 0, High: 1})
		assert.True(t, errors.Is(err, hpo.ErrTrialNotRunning))
		err = store.SetTrialSystemAttr(trial.ID, "k", "v")
		assert.True(t, errors.Is(err, hpo.ErrTrialNotRunning))
	})
}

func TestMemoryStudySystemAttrs(t *testing.T) {
	store := NewMemory()
	defer store.Close()

	studyID, err := store.CreateStudy("attrs", []hpo.Direction{hpo.Minimize, hpo.Maximize})
	require.NoError(t, err)

	require.NoError(t, store.SetStudySystemAttr(studyID, "cmaes:state", "generation-3"))
	attrs, err := store.StudySystemAttrs(studyID)
	require.NoError(t, err)
	assert.Equal(t, "generation-3", attrs["cmaes:state"])

	attrs["cmaes:state"] = "tampered"
	fresh, err := store.StudySystemAttrs(studyID)
	require.NoError(t, err)
	assert.Equal(t, "generation-3", fresh["cmaes:state"], "returned map is a copy")
}

func TestMemoryCompletionOrderFollowsClock(t *testing.T) {
	store := NewMemory(WithClock(testClock()))
	defer store.Close()

	studyID, err := store.CreateStudy("clock", []hpo.Direction{hpo.Minimize})
	require.NoError(t, err)

	a, err := store.CreateTrial(studyID, hpo.StateRunning, nil)
	require.NoError(t, err)
	b, err := store.CreateTrial(studyID, hpo.StateRunning, nil)
	require.NoError(t, err)

	// b finishes before a even though a started first.
	require.NoError(t, store.FinalizeTrial(b.ID, hpo.StateComplete, []float64{1}))
	require.NoError(t, store.FinalizeTrial(a.ID, hpo.StateComplete, []float64{2}))

	trials, err := store.Trials(studyID, hpo.StateComplete)
	require.NoError(t, err)
	require.Len(t, trials, 2)
	byID := map[int64]*hpo.FrozenTrial{trials[0].ID: trials[0], trials[1].ID: trials[1]}
	assert.True(t, byID[b.ID].CompletedAt.Before(byID[a.ID].CompletedAt))
}

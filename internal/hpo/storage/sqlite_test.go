package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunehub/tunehub/internal/hpo"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "tunehub.db"), WithClock(testClock()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteTrialRoundTrip(t *testing.T) {
	store := newTestSQLite(t)

	studyID, err := store.CreateStudy("roundtrip", []hpo.Direction{hpo.Minimize})
	require.NoError(t, err)

	trial, err := store.CreateTrial(studyID, hpo.StateRunning, map[string]any{"auto:sampler": "gp"})
	require.NoError(t, err)
	assert.Equal(t, 0, trial.Number)
	assert.Equal(t, "gp", trial.SystemAttrs["auto:sampler"])

	dists := map[string]hpo.Distribution{
		"lr":     hpo.FloatDistribution{Low: 1e-5, High: 1e-1, Log: true},
		"layers": hpo.IntDistribution{Low: 1, High: 8, Step: 1},
		"act":    hpo.CategoricalDistribution{Choices: []any{"relu", "tanh", "sigmoid"}},
	}
	internal := map[string]float64{"lr": -4.2, "layers": 3, "act": 1}
	for name, d := range dists {
		require.NoError(t, store.SetTrialParam(trial.ID, name, internal[name], d))
	}
	require.NoError(t, store.FinalizeTrial(trial.ID, hpo.StateComplete, []float64{0.125}))

	got, err := store.GetTrial(trial.ID)
	require.NoError(t, err)
	assert.Equal(t, hpo.StateComplete, got.State)
	assert.Equal(t, []float64{0.125}, got.Values)
	if diff := cmp.Diff(internal, got.Params); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(dists, got.Distributions); diff != "" {
		t.Errorf("distributions mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, got.CompletedAt.After(got.StartedAt))
}

func TestSQLiteAttrValuesSurviveJSON(t *testing.T) {
	store := newTestSQLite(t)

	studyID, err := store.CreateStudy("attrs", []hpo.Direction{hpo.Minimize})
	require.NoError(t, err)
	trial, err := store.CreateTrial(studyID, hpo.StateRunning, nil)
	require.NoError(t, err)

	require.NoError(t, store.SetTrialSystemAttr(trial.ID, "constraints", []float64{-1, 0.5}))
	require.NoError(t, store.SetTrialUserAttr(trial.ID, "budget", 42))

	got, err := store.GetTrial(trial.ID)
	require.NoError(t, err)

	// JSON decoding yields []any and float64; readers must cope.
	constraints, ok := hpo.TrialConstraints(got)
	require.True(t, ok)
	assert.Equal(t, []float64{-1, 0.5}, constraints)
	assert.Equal(t, float64(42), got.UserAttrs["budget"])
}

func TestSQLitePopWaitingTrial(t *testing.T) {
	store := newTestSQLite(t)

	studyID, err := store.CreateStudy("queue", []hpo.Direction{hpo.Minimize})
	require.NoError(t, err)

	first, err := store.CreateTrial(studyID, hpo.StateWaiting, nil)
	require.NoError(t, err)
	_, err = store.CreateTrial(studyID, hpo.StateWaiting, nil)
	require.NoError(t, err)

	popped, err := store.PopWaitingTrial(studyID)
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, first.ID, popped.ID)
	assert.Equal(t, hpo.StateRunning, popped.State)

	_, err = store.PopWaitingTrial(studyID)
	require.NoError(t, err)
	popped, err = store.PopWaitingTrial(studyID)
	require.NoError(t, err)
	assert.Nil(t, popped)
}

func TestSQLiteValidation(t *testing.T) {
	store := newTestSQLite(t)

	_, err := store.CreateTrial(999, hpo.StateRunning, nil)
	assert.True(t, errors.Is(err, hpo.ErrUnknownStudy))

	_, err = store.GetTrial(999)
	assert.True(t, errors.Is(err, hpo.ErrUnknownTrial))

	_, err = store.StudySystemAttrs(999)
	assert.True(t, errors.Is(err, hpo.ErrUnknownStudy))

	studyID, err := store.CreateStudy("validation", []hpo.Direction{hpo.Minimize})
	require.NoError(t, err)
	trial, err := store.CreateTrial(studyID, hpo.StateRunning, nil)
	require.NoError(t, err)
	require.NoError(t, store.FinalizeTrial(trial.ID, hpo.StatePruned, nil))

	err = store.SetTrialParam(trial.ID, "x", 0, hpo.FloatDistribution{Low: 0, High: 1})
	assert.True(t, errors.Is(err, hpo.ErrTrialNotRunning))
	err = store.SetTrialUserAttr(trial.ID, "k", "v")
	assert.True(t, errors.Is(err, hpo.ErrTrialNotRunning))
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tunehub.db")

	store, err := NewSQLite(path, WithClock(testClock()))
	require.NoError(t, err)
	studyID, err := store.CreateStudy("persist", []hpo.Direction{hpo.Minimize})
	require.NoError(t, err)
	trial, err := store.CreateTrial(studyID, hpo.StateRunning, nil)
	require.NoError(t, err)
	require.NoError(t, store.SetTrialParam(trial.ID, "x", 0.5, hpo.FloatDistribution{Low: 0, High: 1}))
	require.NoError(t, store.FinalizeTrial(trial.ID, hpo.StateComplete, []float64{3.5}))
	require.NoError(t, store.SetStudySystemAttr(studyID, "seed", 7))
	require.NoError(t, store.Close())

	reopened, err := NewSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	trials, err := reopened.Trials(studyID, hpo.StateComplete)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, []float64{3.5}, trials[0].Values)
	assert.Equal(t, 0.5, trials[0].Params["x"])

	attrs, err := reopened.StudySystemAttrs(studyID)
	require.NoError(t, err)
	assert.Equal(t, float64(7), attrs["seed"])
}

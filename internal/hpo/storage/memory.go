// Package storage provides the persistence backends behind hpo.Storage: a
// process-local memory store and a SQLite store.
package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/tunehub/tunehub/internal/hpo"
)

// Option configures a backend.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the timestamp source. Tests use it to control
// completion-time ordering.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type memoryStudy struct {
	id          int64
	name        string
	directions  []hpo.Direction
	systemAttrs map[string]any
	trialIDs    []int64
}

// Memory is an in-process Storage backend guarded by a single RWMutex.
// It is the default for embedded studies and tests.
type Memory struct {
	mu          sync.RWMutex
	now         func() time.Time
	studies     map[int64]*memoryStudy
	trials      map[int64]*hpo.FrozenTrial
	nextStudyID int64
	nextTrialID int64
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		now:     o.now,
		studies: make(map[int64]*memoryStudy),
		trials:  make(map[int64]*hpo.FrozenTrial),
	}
}

// CreateStudy implements hpo.Storage.
func (m *Memory) CreateStudy(name string, directions []hpo.Direction) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextStudyID++
	dirs := make([]hpo.Direction, len(directions))
	copy(dirs, directions)
	m.studies[m.nextStudyID] = &memoryStudy{
		id:          m.nextStudyID,
		name:        name,
		directions:  dirs,
		systemAttrs: make(map[string]any),
	}
	return m.nextStudyID, nil
}

// CreateTrial implements hpo.Storage.
func (m *Memory) CreateTrial(studyID int64, state hpo.TrialState, systemAttrs map[string]any) (*hpo.FrozenTrial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	study, ok := m.studies[studyID]
	if !ok {
		return nil, hpo.WrapErrorf(hpo.ErrUnknownStudy, "study %d", studyID)
	}
	m.nextTrialID++
	t := &hpo.FrozenTrial{
		ID:            m.nextTrialID,
		Number:        len(study.trialIDs),
		StudyID:       studyID,
		State:         state,
		Params:        make(map[string]float64),
		Distributions: make(map[string]hpo.Distribution),
		UserAttrs:     make(map[string]any),
		SystemAttrs:   make(map[string]any),
	}
	for k, v := range systemAttrs {
		t.SystemAttrs[k] = v
	}
	if state == hpo.StateRunning {
		t.StartedAt = m.now()
	}
	m.trials[t.ID] = t
	study.trialIDs = append(study.trialIDs, t.ID)
	return copyTrial(t), nil
}

// GetTrial implements hpo.Storage.
func (m *Memory) GetTrial(trialID int64) (*hpo.FrozenTrial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trials[trialID]
	if !ok {
		return nil, hpo.WrapErrorf(hpo.ErrUnknownTrial, "trial %d", trialID)
	}
	return copyTrial(t), nil
}

// Trials implements hpo.Storage.
func (m *Memory) Trials(studyID int64, states ...hpo.TrialState) ([]*hpo.FrozenTrial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	study, ok := m.studies[studyID]
	if !ok {
		return nil, hpo.WrapErrorf(hpo.ErrUnknownStudy, "study %d", studyID)
	}
	out := make([]*hpo.FrozenTrial, 0, len(study.trialIDs))
	for _, id := range study.trialIDs {
		t := m.trials[id]
		if matchesState(t.State, states) {
			out = append(out, copyTrial(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// PopWaitingTrial implements hpo.Storage.
func (m *Memory) PopWaitingTrial(studyID int64) (*hpo.FrozenTrial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	study, ok := m.studies[studyID]
	if !ok {
		return nil, hpo.WrapErrorf(hpo.ErrUnknownStudy, "study %d", studyID)
	}
	for _, id := range study.trialIDs {
		t := m.trials[id]
		if t.State == hpo.StateWaiting {
			t.State = hpo.StateRunning
			t.StartedAt = m.now()
			return copyTrial(t), nil
		}
	}
	return nil, nil
}

// SetTrialParam implements hpo.Storage.
func (m *Memory) SetTrialParam(trialID int64, name string, internal float64, dist hpo.Distribution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trials[trialID]
	if !ok {
		return hpo.WrapErrorf(hpo.ErrUnknownTrial, "trial %d", trialID)
	}
	if t.State != hpo.StateRunning {
		return hpo.WrapErrorf(hpo.ErrTrialNotRunning, "trial %d is %s", trialID, t.State)
	}
	t.Params[name] = internal
	t.Distributions[name] = dist
	return nil
}

// SetTrialUserAttr implements hpo.Storage.
func (m *Memory) SetTrialUserAttr(trialID int64, key string, value any) error {
	return m.setTrialAttr(trialID, key, value, false)
}

// SetTrialSystemAttr implements hpo.Storage.
func (m *Memory) SetTrialSystemAttr(trialID int64, key string, value any) error {
	return m.setTrialAttr(trialID, key, value, true)
}

func (m *Memory) setTrialAttr(trialID int64, key string, value any, system bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trials[trialID]
	if !ok {
		return hpo.WrapErrorf(hpo.ErrUnknownTrial, "trial %d", trialID)
	}
	if t.State.IsFinished() {
		return hpo.WrapErrorf(hpo.ErrTrialNotRunning, "trial %d is %s", trialID, t.State)
	}
	if system {
		t.SystemAttrs[key] = value
	} else {
		t.UserAttrs[key] = value
	}
	return nil
}

// SetStudySystemAttr implements hpo.Storage.
func (m *Memory) SetStudySystemAttr(studyID int64, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	study, ok := m.studies[studyID]
	if !ok {
		return hpo.WrapErrorf(hpo.ErrUnknownStudy, "study %d", studyID)
	}
	study.systemAttrs[key] = value
	return nil
}

// StudySystemAttrs implements hpo.Storage.
func (m *Memory) StudySystemAttrs(studyID int64) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	study, ok := m.studies[studyID]
	if !ok {
		return nil, hpo.WrapErrorf(hpo.ErrUnknownStudy, "study %d", studyID)
	}
	out := make(map[string]any, len(study.systemAttrs))
	for k, v := range study.systemAttrs {
		out[k] = v
	}
	return out, nil
}

// FinalizeTrial implements hpo.Storage.
func (m *Memory) FinalizeTrial(trialID int64, state hpo.TrialState, values []float64) error {
	if !state.IsFinished() {
		return hpo.WrapErrorf(hpo.ErrInvalidState, "finalize with %s", state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trials[trialID]
	if !ok {
		return hpo.WrapErrorf(hpo.ErrUnknownTrial, "trial %d", trialID)
	}
	if t.State != hpo.StateRunning {
		return hpo.WrapErrorf(hpo.ErrTrialNotRunning, "trial %d is %s", trialID, t.State)
	}
	t.State = state
	if values != nil {
		t.Values = make([]float64, len(values))
		copy(t.Values, values)
	}
	t.CompletedAt = m.now()
	return nil
}

// Close implements hpo.Storage.
func (m *Memory) Close() error { return nil }

func matchesState(s hpo.TrialState, states []hpo.TrialState) bool {
	if len(states) == 0 {
		return true
	}
	for _, want := range states {
		if s == want {
			return true
		}
	}
	return false
}

// copyTrial clones a record so callers can hold it without racing the
// store. Distribution values are immutable and shared.
func copyTrial(t *hpo.FrozenTrial) *hpo.FrozenTrial {
	out := &hpo.FrozenTrial{
		ID:          t.ID,
		Number:      t.Number,
		StudyID:     t.StudyID,
		State:       t.State,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.Values != nil {
		out.Values = make([]float64, len(t.Values))
		copy(out.Values, t.Values)
	}
	out.Params = make(map[string]float64, len(t.Params))
	for k, v := range t.Params {
		out.Params[k] = v
	}
	out.Distributions = make(map[string]hpo.Distribution, len(t.Distributions))
	for k, v := range t.Distributions {
		out.Distributions[k] = v
	}
	out.UserAttrs = make(map[string]any, len(t.UserAttrs))
	for k, v := range t.UserAttrs {
		out.UserAttrs[k] = v
	}
	out.SystemAttrs = make(map[string]any, len(t.SystemAttrs))
	for k, v := range t.SystemAttrs {
		out.SystemAttrs[k] = v
	}
	return out
}

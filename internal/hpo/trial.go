package hpo

import (
	"time"
)

// TrialState is the lifecycle state of a trial.
type TrialState int

const (
	// StateRunning marks a trial whose parameters are being sampled and
	// whose objective is being evaluated.
	StateRunning TrialState = iota
	// StateComplete marks a trial that finished with objective values.
	StateComplete
	// StatePruned marks a trial stopped early.
	StatePruned
	// StateFail marks a trial whose evaluation errored.
	StateFail
	// StateWaiting marks an enqueued trial that has not started yet.
	StateWaiting
)

func (s TrialState) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateComplete:
		return "COMPLETE"
	case StatePruned:
		return "PRUNED"
	case StateFail:
		return "FAIL"
	case StateWaiting:
		return "WAITING"
	default:
		return "UNKNOWN"
	}
}

// IsFinished reports whether the state is terminal.
func (s TrialState) IsFinished() bool {
	return s == StateComplete || s == StatePruned || s == StateFail
}

// FrozenTrial is the immutable record of one optimization attempt. Storage
// backends hand out copies; samplers must treat them as read-only.
type FrozenTrial struct {
	// ID is unique across the storage backend.
	ID int64
	// Number is the trial's zero-based position within its study.
	Number int
	// StudyID links back to the owning study.
	StudyID int64
	// State is the lifecycle state at snapshot time.
	State TrialState
	// Values holds the objective values of a finished trial, one per
	// study direction.
	Values []float64
	// Params maps parameter names to their internal representation.
	Params map[string]float64
	// Distributions maps parameter names to the distribution they were
	// suggested from.
	Distributions map[string]Distribution
	// UserAttrs carries caller-set annotations.
	UserAttrs map[string]any
	// SystemAttrs carries sampler- and policy-written bookkeeping.
	SystemAttrs map[string]any
	// StartedAt is when the trial entered RUNNING.
	StartedAt time.Time
	// CompletedAt is when the trial reached a terminal state.
	CompletedAt time.Time
}

// ParamExternal returns the user-facing value of a sampled parameter.
func (t *FrozenTrial) ParamExternal(name string) (any, bool) {
	ir, ok := t.Params[name]
	if !ok {
		return nil, false
	}
	d, ok := t.Distributions[name]
	if !ok {
		return nil, false
	}
	return d.ToExternal(ir), true
}

// ParamNames returns the set of sampled parameter names.
func (t *FrozenTrial) ParamNames() map[string]struct{} {
	names := make(map[string]struct{}, len(t.Params))
	for name := range t.Params {
		names[name] = struct{}{}
	}
	return names
}

// fixedParamsKey stores enqueued parameter values on WAITING trials.
const fixedParamsKey = "fixed_params"

// Trial is the live handle used while a trial runs. Suggest methods pull
// values from the study's sampler: parameters covered by the relative
// search space reuse the joint sample drawn at Ask time, everything else
// goes through SampleIndependent.
type Trial struct {
	study     *Study
	id        int64
	number    int
	relSpace  map[string]Distribution
	relParams map[string]float64
	fixed     map[string]any
}

// ID returns the storage-wide trial identifier.
func (t *Trial) ID() int64 { return t.id }

// Number returns the trial's position within its study.
func (t *Trial) Number() int { return t.number }

// Study returns the owning study.
func (t *Trial) Study() *Study { return t.study }

// SuggestFloat samples a float parameter from [low, high].
func (t *Trial) SuggestFloat(name string, low, high float64) (float64, error) {
	ir, err := t.suggest(name, FloatDistribution{Low: low, High: high})
	return ir, err
}

// SuggestLogFloat samples a float parameter on a log scale.
func (t *Trial) SuggestLogFloat(name string, low, high float64) (float64, error) {
	ir, err := t.suggest(name, FloatDistribution{Low: low, High: high, Log: true})
	return ir, err
}

// SuggestDiscreteFloat samples a float parameter on the grid low, low+step, ...
func (t *Trial) SuggestDiscreteFloat(name string, low, high, step float64) (float64, error) {
	ir, err := t.suggest(name, FloatDistribution{Low: low, High: high, Step: step})
	return ir, err
}

// SuggestInt samples an integer parameter from [low, high].
func (t *Trial) SuggestInt(name string, low, high int64) (int64, error) {
	ir, err := t.suggest(name, IntDistribution{Low: low, High: high})
	if err != nil {
		return 0, err
	}
	return IntDistribution{Low: low, High: high}.ToExternal(ir).(int64), nil
}

// Suggest samples a parameter from an explicit distribution and returns
// its user-facing value. The typed Suggest methods are the usual entry
// points; this generic form serves callers that build distributions from
// wire or suite payloads.
func (t *Trial) Suggest(name string, d Distribution) (any, error) {
	ir, err := t.suggest(name, d)
	if err != nil {
		return nil, err
	}
	return d.ToExternal(ir), nil
}

// SuggestCategorical samples one of the given choices.
func (t *Trial) SuggestCategorical(name string, choices []any) (any, error) {
	d := CategoricalDistribution{Choices: choices}
	ir, err := t.suggest(name, d)
	if err != nil {
		return nil, err
	}
	return d.ToExternal(ir), nil
}

// suggest resolves one parameter to its internal representation, persisting
// the draw. Repeated suggestions of a known parameter return the stored
// value.
func (t *Trial) suggest(name string, d Distribution) (float64, error) {
	frozen, err := t.study.storage.GetTrial(t.id)
	if err != nil {
		return 0, WrapError(err, "loading trial").WithOperation("suggest").WithComponent("hpo")
	}
	if frozen.State != StateRunning {
		return 0, WrapErrorf(ErrTrialNotRunning, "trial %d is %s", t.id, frozen.State).WithOperation("suggest")
	}

	if ir, ok := frozen.Params[name]; ok {
		return ir, nil
	}

	ir, err := t.resolve(frozen, name, d)
	if err != nil {
		return 0, err
	}
	ir = alignInternal(d, ir)
	if !d.Contains(ir) {
		return 0, NewErrorf("sampled value %v for %q escapes its distribution", ir, name).
			WithOperation("suggest").WithComponent("hpo")
	}
	if err := t.study.storage.SetTrialParam(t.id, name, ir, d); err != nil {
		return 0, WrapError(err, "persisting parameter").WithOperation("suggest").WithComponent("hpo")
	}
	return ir, nil
}

func (t *Trial) resolve(frozen *FrozenTrial, name string, d Distribution) (float64, error) {
	if fixed, ok := t.fixed[name]; ok {
		ir, err := d.ToInternal(fixed)
		if err != nil {
			return 0, WrapErrorf(err, "enqueued value for %q", name).WithOperation("suggest")
		}
		return ir, nil
	}
	if rd, ok := t.relSpace[name]; ok && DistributionsEqual(rd, d) {
		if ir, ok := t.relParams[name]; ok && d.Contains(ir) {
			return ir, nil
		}
	}
	return t.study.sampler.SampleIndependent(t.study, frozen, name, d)
}

// SetUserAttr attaches an annotation to the trial.
func (t *Trial) SetUserAttr(key string, value any) error {
	return t.study.storage.SetTrialUserAttr(t.id, key, value)
}

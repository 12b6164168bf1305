package hpo

// Sampler is the capability set every sampling strategy implements. A
// sampler sees each trial through three phases: BeforeTrial when the trial
// enters RUNNING, any number of relative/independent sampling calls while
// the objective runs, and AfterTrial exactly once when the trial reaches a
// terminal state.
type Sampler interface {
	// Name identifies the strategy, e.g. "tpe". It is recorded as a trial
	// diagnostic and used for registry lookups.
	Name() string

	// InferRelativeSearchSpace returns the subspace this sampler will
	// sample jointly for the given trial. Parameters outside it reach the
	// sampler through SampleIndependent.
	InferRelativeSearchSpace(study *Study, trial *FrozenTrial) (map[string]Distribution, error)

	// SampleRelative draws all parameters of the relative search space at
	// once, keyed by name, in internal representation. It may return an
	// empty map to defer every parameter to independent sampling.
	SampleRelative(study *Study, trial *FrozenTrial, space map[string]Distribution) (map[string]float64, error)

	// SampleIndependent draws a single parameter outside the relative
	// search space.
	SampleIndependent(study *Study, trial *FrozenTrial, name string, dist Distribution) (float64, error)

	// BeforeTrial runs once when the trial enters RUNNING, before any
	// sampling call.
	BeforeTrial(study *Study, trial *FrozenTrial) error

	// AfterTrial runs once when the trial is told its terminal state,
	// before storage finalizes it. state is COMPLETE, FAIL, or PRUNED.
	AfterTrial(study *Study, trial *FrozenTrial, state TrialState, values []float64) error

	// ReseedRNG moves the sampler onto a fresh entropy-based seed.
	ReseedRNG()
}

// ConstraintsFunc evaluates the constraint values of a finished trial. A
// value strictly greater than zero marks the constraint as violated; a
// trial is feasible only when every value is at or below zero. Errors
// propagate to the caller unretried.
type ConstraintsFunc func(trial *FrozenTrial) ([]float64, error)

// ConstraintsKey is the trial system attribute where evaluated constraint
// values are stored.
const ConstraintsKey = "constraints"

// ProcessConstraints evaluates the constraints of a successful trial and
// records them on the trial's system attributes. Failed and pruned trials
// are skipped: their parameters never produced objective values worth
// constraining.
func ProcessConstraints(study *Study, trial *FrozenTrial, state TrialState, f ConstraintsFunc) error {
	if f == nil || state != StateComplete {
		return nil
	}
	values, err := f(trial)
	if err != nil {
		return err
	}
	return study.SetTrialSystemAttr(trial.ID, ConstraintsKey, values)
}

// TrialConstraints extracts the recorded constraint values of a trial.
// Attribute values may come back from JSON storage as []any.
func TrialConstraints(trial *FrozenTrial) ([]float64, bool) {
	raw, ok := trial.SystemAttrs[ConstraintsKey]
	if !ok || raw == nil {
		return nil, false
	}
	switch vs := raw.(type) {
	case []float64:
		return vs, true
	case []any:
		out := make([]float64, 0, len(vs))
		for _, v := range vs {
			f, err := toFloat(v)
			if err != nil {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	default:
		return nil, false
	}
}

// ConstraintViolation sums the positive part of a trial's recorded
// constraint values. The second result reports whether constraints were
// recorded at all; trials without a record rank below every evaluated
// trial when constraint-aware strategies compare them.
func ConstraintViolation(trial *FrozenTrial) (float64, bool) {
	vs, ok := TrialConstraints(trial)
	if !ok {
		return 0, false
	}
	total := 0.0
	for _, v := range vs {
		if v > 0 {
			total += v
		}
	}
	return total, true
}

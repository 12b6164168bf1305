// Package auto implements the delegate-choosing meta sampler.
//
// Every trial starts with a fresh decision: the policy inspects the study's
// accumulated history and search-space shape, constructs the best-fit
// delegate, and binds it to the trial identifier. Sampling calls for that
// trial forward verbatim to the bound delegate, and the binding is released
// once the trial finishes.
//
// Single-objective studies route through TPE whenever the space has
// structure only TPE handles (categorical dimensions, conditional
// parameters, a constraint function), otherwise through a Gaussian process
// early on and a warm-started CMA-ES once enough trials have completed.
// Multi-objective studies run TPE until the history can seed a genetic
// population, then NSGA-II, or NSGA-III for four or more objectives.
package auto

import (
	"sort"
	"sync"

	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/hpo/samplers/cmaes"
	"github.com/tunehub/tunehub/internal/hpo/samplers/gp"
	"github.com/tunehub/tunehub/internal/hpo/samplers/nsga"
	"github.com/tunehub/tunehub/internal/hpo/samplers/random"
	"github.com/tunehub/tunehub/internal/hpo/samplers/tpe"
	"github.com/tunehub/tunehub/internal/logging"
	"github.com/tunehub/tunehub/internal/registry"
)

func init() {
	registry.RegisterSampler("auto", func(spec registry.SamplerSpec) (hpo.Sampler, error) {
		return New(Options{
			Seed:             spec.Seed,
			Constraints:      spec.Constraints,
			TrialsUntilCMAES: spec.TrialsUntilCMAES,
			TrialsUntilNSGA:  spec.TrialsUntilNSGA,
			Logger:           spec.Logger,
		}), nil
	})
}

// SamplerKey is the trial system attribute recording which delegate the
// policy chose for that trial. Diagnostic only: later decisions never read
// it back.
const SamplerKey = "auto:sampler"

const (
	defaultTrialsUntilCMAES = 250
	defaultTrialsUntilNSGA  = 1000

	// manyObjectives is where crowding distance stops discriminating and
	// selection moves to reference-direction niching.
	manyObjectives = 4
)

// Options configures the policy.
type Options struct {
	// Seed fixes the policy's random source; zero draws an entropy-based
	// seed. Every spawned delegate is seeded from this source, one draw
	// per decision, so fixed-seed runs replay the same delegate sequence.
	Seed int64
	// Constraints marks a trial infeasible when any returned value is
	// positive. Setting it routes single-objective studies through TPE
	// and attaches the function to every constraint-aware delegate.
	Constraints hpo.ConstraintsFunc
	// TrialsUntilCMAES is the completed-trial count at which
	// single-objective numeric studies switch from the GP to warm-started
	// CMA-ES. Defaults to 250.
	TrialsUntilCMAES int
	// TrialsUntilNSGA is the completed-trial count at which
	// multi-objective studies switch from TPE to NSGA-II/III. Defaults
	// to 1000.
	TrialsUntilNSGA int
	// Logger defaults to a discarding logger.
	Logger *logging.Logger
}

// Sampler is the meta sampler. It keeps one delegate per in-flight trial,
// so interleaved trials from concurrent workers never observe each other's
// delegate.
type Sampler struct {
	rng         *hpo.Rand
	constraints hpo.ConstraintsFunc
	cmaesAfter  int
	nsgaAfter   int
	base        *logging.Logger
	logger      *logging.Logger

	mu    sync.Mutex
	bound map[int64]hpo.Sampler
}

// New creates the policy.
func New(opts Options) *Sampler {
	cmaesAfter := opts.TrialsUntilCMAES
	if cmaesAfter <= 0 {
		cmaesAfter = defaultTrialsUntilCMAES
	}
	nsgaAfter := opts.TrialsUntilNSGA
	if nsgaAfter <= 0 {
		nsgaAfter = defaultTrialsUntilNSGA
	}
	base := opts.Logger
	if base == nil {
		base = logging.Discard()
	}
	return &Sampler{
		rng:         hpo.NewRand(opts.Seed),
		constraints: opts.Constraints,
		cmaesAfter:  cmaesAfter,
		nsgaAfter:   nsgaAfter,
		base:        base,
		logger:      base.WithSampler("auto"),
		bound:       make(map[int64]hpo.Sampler),
	}
}

// Name implements hpo.Sampler.
func (s *Sampler) Name() string { return "auto" }

// BeforeTrial implements hpo.Sampler: evaluate the decision table, bind the
// chosen delegate to this trial, record the choice, and run the delegate's
// own hook.
func (s *Sampler) BeforeTrial(study *hpo.Study, trial *hpo.FrozenTrial) error {
	delegate, err := s.choose(study)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.bound[trial.ID] = delegate
	s.mu.Unlock()

	s.logger.Debug("bound delegate", logging.Fields{
		"trial":    trial.ID,
		"delegate": delegate.Name(),
	})
	if err := study.SetTrialSystemAttr(trial.ID, SamplerKey, delegate.Name()); err != nil {
		// The attribute is informational; the trial proceeds without it.
		s.logger.WithError(err).Warn("recording delegate choice")
	}
	return delegate.BeforeTrial(study, trial)
}

// InferRelativeSearchSpace implements hpo.Sampler by forwarding to the
// delegate bound in BeforeTrial.
func (s *Sampler) InferRelativeSearchSpace(study *hpo.Study, trial *hpo.FrozenTrial) (map[string]hpo.Distribution, error) {
	delegate, err := s.delegate(trial)
	if err != nil {
		return nil, err
	}
	return delegate.InferRelativeSearchSpace(study, trial)
}

// SampleRelative implements hpo.Sampler. On a multi-objective study every
// trial sampled by a non-genetic delegate is tagged as generation zero, so
// that when the study graduates to NSGA-II/III the accumulated history
// seeds the first population instead of being ignored.
func (s *Sampler) SampleRelative(study *hpo.Study, trial *hpo.FrozenTrial, space map[string]hpo.Distribution) (map[string]float64, error) {
	delegate, err := s.delegate(trial)
	if err != nil {
		return nil, err
	}
	if _, genetic := delegate.(*nsga.Sampler); !genetic && study.MultiObjective() {
		key := nsga.GenerationKeyII
		if len(study.Directions()) >= manyObjectives {
			key = nsga.GenerationKeyIII
		}
		if err := study.SetTrialSystemAttr(trial.ID, key, 0); err != nil {
			return nil, hpo.WrapError(err, "tagging pre-switch generation").WithComponent("auto")
		}
	}
	return delegate.SampleRelative(study, trial, space)
}

// SampleIndependent implements hpo.Sampler by forwarding.
func (s *Sampler) SampleIndependent(study *hpo.Study, trial *hpo.FrozenTrial, name string, dist hpo.Distribution) (float64, error) {
	delegate, err := s.delegate(trial)
	if err != nil {
		return 0, err
	}
	return delegate.SampleIndependent(study, trial, name, dist)
}

// AfterTrial implements hpo.Sampler: constraint post-processing when the
// bound delegate is Random (which has no notion of constraints itself),
// then the delegate's own hook. The binding is released either way.
func (s *Sampler) AfterTrial(study *hpo.Study, trial *hpo.FrozenTrial, state hpo.TrialState, values []float64) error {
	if !state.IsFinished() {
		return hpo.WrapErrorf(hpo.ErrInvalidState, "after trial with %s", state).
			WithOperation("after_trial").WithComponent("auto")
	}
	delegate, err := s.delegate(trial)
	if err != nil {
		return err
	}
	defer s.release(trial.ID)

	if _, isRandom := delegate.(*random.Sampler); isRandom && s.constraints != nil {
		if err := hpo.ProcessConstraints(study, trial, state, s.constraints); err != nil {
			return err
		}
	}
	return delegate.AfterTrial(study, trial, state, values)
}

// ReseedRNG implements hpo.Sampler: the policy source and every delegate
// still in flight.
func (s *Sampler) ReseedRNG() {
	s.rng.Reseed()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, delegate := range s.bound {
		delegate.ReseedRNG()
	}
}

// delegate returns the sampler bound to the trial. A missing binding means
// the caller broke the lifecycle protocol, which must fail loudly rather
// than fall back to some default sampler.
func (s *Sampler) delegate(trial *hpo.FrozenTrial) (hpo.Sampler, error) {
	if trial == nil {
		return nil, hpo.WrapError(hpo.ErrUnboundTrial, "nil trial").WithComponent("auto")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delegate, ok := s.bound[trial.ID]
	if !ok {
		return nil, hpo.WrapErrorf(hpo.ErrUnboundTrial, "trial %d", trial.ID).WithComponent("auto")
	}
	return delegate, nil
}

func (s *Sampler) release(trialID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bound, trialID)
}

// choose evaluates the decision table against the study's history.
func (s *Sampler) choose(study *hpo.Study) (hpo.Sampler, error) {
	seen, err := study.Trials(hpo.StateComplete, hpo.StateWaiting)
	if err != nil {
		return nil, hpo.WrapError(err, "loading history").WithComponent("auto")
	}
	if len(seen) == 0 {
		return random.New(s.rng.NextSeed()), nil
	}

	finished, err := study.Trials(hpo.StateComplete, hpo.StatePruned)
	if err != nil {
		return nil, hpo.WrapError(err, "loading history").WithComponent("auto")
	}
	space := hpo.IntersectionSearchSpace(finished)
	if study.MultiObjective() {
		return s.chooseMultiObjective(study)
	}
	return s.chooseSingleObjective(study, finished, space)
}

// chooseSingleObjective: TPE owns every space with structure only it
// handles, the GP covers the early numeric phase, and CMA-ES takes over
// once enough history exists to warm-start it. One-dimensional spaces stay
// with TPE at any trial count, since CMA-ES degenerates there.
func (s *Sampler) chooseSingleObjective(study *hpo.Study, finished []*hpo.FrozenTrial, space map[string]hpo.Distribution) (hpo.Sampler, error) {
	seed := s.rng.NextSeed()
	if s.constraints != nil || hasCategorical(space) || conditionalSpace(finished) {
		return s.newTPE(seed), nil
	}

	complete, err := completedByTime(study)
	if err != nil {
		return nil, err
	}
	if len(complete) < s.cmaesAfter {
		return gp.New(gp.Options{Seed: seed, Logger: s.base}), nil
	}
	if len(space) > 1 {
		// Warm start from the earliest-completing trials: the slice the GP
		// phase explored, identical on every worker regardless of how many
		// trials completed since.
		return cmaes.New(cmaes.Options{
			Seed:                    seed,
			SourceTrials:            complete[:s.cmaesAfter],
			WarnIndependentSampling: true,
			Logger:                  s.base,
		}), nil
	}
	return s.newTPE(seed), nil
}

// chooseMultiObjective: TPE until the history can seed a genetic
// population, then NSGA-II, or NSGA-III for many objectives.
func (s *Sampler) chooseMultiObjective(study *hpo.Study) (hpo.Sampler, error) {
	seed := s.rng.NextSeed()
	complete, err := completedByTime(study)
	if err != nil {
		return nil, err
	}
	if len(complete) < s.nsgaAfter {
		return s.newTPE(seed), nil
	}

	opts := nsga.Options{Seed: seed, Constraints: s.constraints, Logger: s.base}
	if len(study.Directions()) < manyObjectives {
		return nsga.NewII(opts), nil
	}
	return nsga.NewIII(opts), nil
}

func (s *Sampler) newTPE(seed int64) *tpe.Sampler {
	return tpe.New(tpe.Options{
		Seed:         seed,
		ConstantLiar: true,
		Constraints:  s.constraints,
		Logger:       s.base,
	})
}

// completedByTime returns COMPLETE trials stably ordered by completion
// timestamp, earliest first.
func completedByTime(study *hpo.Study) ([]*hpo.FrozenTrial, error) {
	complete, err := study.Trials(hpo.StateComplete)
	if err != nil {
		return nil, hpo.WrapError(err, "loading history").WithComponent("auto")
	}
	sort.SliceStable(complete, func(a, b int) bool {
		return complete[a].CompletedAt.Before(complete[b].CompletedAt)
	})
	return complete, nil
}

func hasCategorical(space map[string]hpo.Distribution) bool {
	for _, d := range space {
		if _, ok := d.(hpo.CategoricalDistribution); ok {
			return true
		}
	}
	return false
}

// conditionalSpace reports whether the set of sampled parameter names
// varies across finished trials, the signature of branching suggest logic.
func conditionalSpace(finished []*hpo.FrozenTrial) bool {
	if len(finished) == 0 {
		return false
	}
	first := finished[0].ParamNames()
	for _, t := range finished[1:] {
		names := t.ParamNames()
		if len(names) != len(first) {
			return true
		}
		for name := range names {
			if _, ok := first[name]; !ok {
				return true
			}
		}
	}
	return false
}

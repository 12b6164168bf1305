// Package tpe implements the tree-structured Parzen estimator strategy:
// finished trials are split into a good and a bad group, a kernel-density
// mixture is fit to each, and candidates drawn from the good density are
// ranked by the density ratio. The joint variant samples every parameter
// of the intersection search space from one mixture component, so
// correlations between parameters survive into the proposal.
package tpe

import (
	"math"
	"sort"

	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/logging"
	"github.com/tunehub/tunehub/internal/registry"
)

func init() {
	registry.RegisterSampler("tpe", func(spec registry.SamplerSpec) (hpo.Sampler, error) {
		return New(Options{
			Seed:          spec.Seed,
			StartupTrials: spec.StartupTrials,
			Constraints:   spec.Constraints,
			Logger:        spec.Logger,
		}), nil
	})
}

const (
	// defaultCandidates is how many draws from the good-trial density are
	// ranked per joint sample.
	defaultCandidates = 24
	// defaultStartupTrials is the history needed before the estimators are
	// fit; earlier draws are uniform.
	defaultStartupTrials = 10
	// maxBelow caps the size of the good group.
	maxBelow = 25
)

// Options configures the strategy.
type Options struct {
	// Seed fixes the random source; zero draws an entropy-based seed.
	Seed int64
	// Candidates overrides how many candidates are ranked per sample.
	Candidates int
	// StartupTrials overrides the history needed before estimators are fit.
	StartupTrials int
	// ConstantLiar counts RUNNING trials as bad observations, so parallel
	// workers spread out instead of proposing near in-flight points.
	ConstantLiar bool
	// Constraints, when set, sorts infeasible trials into the bad group
	// and records constraint values on every completed trial.
	Constraints hpo.ConstraintsFunc
	// WarnIndependentSampling logs when a parameter falls outside the
	// joint search space and is sampled on its own.
	WarnIndependentSampling bool
	// Logger defaults to a discarding logger.
	Logger *logging.Logger
}

// Sampler is the TPE strategy.
type Sampler struct {
	rng             *hpo.Rand
	candidates      int
	startupTrials   int
	constantLiar    bool
	constraints     hpo.ConstraintsFunc
	warnIndependent bool
	logger          *logging.Logger
}

// New creates a TPE sampler.
func New(opts Options) *Sampler {
	candidates := opts.Candidates
	if candidates <= 0 {
		candidates = defaultCandidates
	}
	startup := opts.StartupTrials
	if startup <= 0 {
		startup = defaultStartupTrials
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Sampler{
		rng:             hpo.NewRand(opts.Seed),
		candidates:      candidates,
		startupTrials:   startup,
		constantLiar:    opts.ConstantLiar,
		constraints:     opts.Constraints,
		warnIndependent: opts.WarnIndependentSampling,
		logger:          logger.WithSampler("tpe"),
	}
}

// Name implements hpo.Sampler.
func (s *Sampler) Name() string { return "tpe" }

// InferRelativeSearchSpace implements hpo.Sampler: the intersection space
// over finished trials, minus single-valued dimensions. Categorical
// parameters stay in, the estimators handle them natively.
func (s *Sampler) InferRelativeSearchSpace(study *hpo.Study, _ *hpo.FrozenTrial) (map[string]hpo.Distribution, error) {
	trials, err := study.Trials(hpo.StateComplete, hpo.StatePruned)
	if err != nil {
		return nil, hpo.WrapError(err, "loading history").WithComponent("tpe")
	}
	space := hpo.IntersectionSearchSpace(trials)
	for name, d := range space {
		if d.Single() {
			delete(space, name)
		}
	}
	return space, nil
}

// SampleRelative implements hpo.Sampler: one joint draw over the whole
// space. Before StartupTrials observations it returns an empty map and
// every parameter falls through to SampleIndependent.
func (s *Sampler) SampleRelative(study *hpo.Study, _ *hpo.FrozenTrial, space map[string]hpo.Distribution) (map[string]float64, error) {
	if len(space) == 0 {
		return map[string]float64{}, nil
	}
	below, above, err := s.split(study, space)
	if err != nil {
		return nil, err
	}
	if len(below) == 0 || len(above) == 0 {
		return map[string]float64{}, nil
	}
	return s.ratioSample(space, below, above), nil
}

// SampleIndependent implements hpo.Sampler: the univariate estimator over
// the trials that saw this parameter, or a uniform draw while history is
// short.
func (s *Sampler) SampleIndependent(study *hpo.Study, trial *hpo.FrozenTrial, name string, dist hpo.Distribution) (float64, error) {
	if dist.Single() {
		return s.rng.DrawUniform(dist), nil
	}
	space := map[string]hpo.Distribution{name: dist}
	below, above, err := s.split(study, space)
	if err != nil {
		return 0, err
	}
	if len(below) == 0 || len(above) == 0 {
		return s.rng.DrawUniform(dist), nil
	}
	if s.warnIndependent && trial != nil {
		s.logger.Warn("parameter is outside the joint search space, sampling it independently", logging.Fields{
			"param": name,
			"trial": trial.Number,
		})
	}
	point := s.ratioSample(space, below, above)
	return point[name], nil
}

// BeforeTrial implements hpo.Sampler.
func (s *Sampler) BeforeTrial(*hpo.Study, *hpo.FrozenTrial) error { return nil }

// AfterTrial implements hpo.Sampler: completed trials get their constraint
// values recorded so later splits can see feasibility.
func (s *Sampler) AfterTrial(study *hpo.Study, trial *hpo.FrozenTrial, state hpo.TrialState, _ []float64) error {
	return hpo.ProcessConstraints(study, trial, state, s.constraints)
}

// ReseedRNG implements hpo.Sampler.
func (s *Sampler) ReseedRNG() { s.rng.Reseed() }

// ratioSample draws candidates from the good-trial density and keeps the
// one with the largest log density ratio against the bad-trial density.
func (s *Sampler) ratioSample(space map[string]hpo.Distribution, below, above []map[string]float64) map[string]float64 {
	good := newParzenEstimator(space, below)
	bad := newParzenEstimator(space, above)

	var best map[string]float64
	bestScore := math.Inf(-1)
	for i := 0; i < s.candidates; i++ {
		candidate := good.sample(s.rng)
		if score := good.logPDF(candidate) - bad.logPDF(candidate); score > bestScore {
			bestScore = score
			best = candidate
		}
	}
	return best
}

// split partitions the observed trials into good and bad parameter sets.
// Single-objective studies sort by loss, feasible before infeasible when
// constraints are configured; multi-objective studies sort by
// non-domination rank with a crowding-distance tiebreak. With ConstantLiar
// enabled, RUNNING trials join the bad group.
func (s *Sampler) split(study *hpo.Study, space map[string]hpo.Distribution) (below, above []map[string]float64, err error) {
	names := hpo.SortedParamNames(space)
	complete, err := study.Trials(hpo.StateComplete)
	if err != nil {
		return nil, nil, hpo.WrapError(err, "loading history").WithComponent("tpe")
	}
	directions := study.Directions()
	observed := make([]*hpo.FrozenTrial, 0, len(complete))
	for _, t := range complete {
		if len(t.Values) == len(directions) && observes(t, names, space) {
			observed = append(observed, t)
		}
	}
	if len(observed) < s.startupTrials {
		return nil, nil, nil
	}

	var ordered []*hpo.FrozenTrial
	if len(directions) > 1 {
		ordered = s.orderMultiObjective(observed, directions)
	} else {
		ordered = s.orderSingleObjective(observed, directions[0])
	}

	nBelow := gammaSplit(len(ordered))
	below = paramColumns(ordered[:nBelow], names)
	above = paramColumns(ordered[nBelow:], names)

	if s.constantLiar {
		running, err := study.Trials(hpo.StateRunning)
		if err != nil {
			return nil, nil, hpo.WrapError(err, "loading running trials").WithComponent("tpe")
		}
		for _, t := range running {
			if observes(t, names, space) {
				above = append(above, paramsOf(t, names))
			}
		}
	}
	return below, above, nil
}

func (s *Sampler) orderSingleObjective(trials []*hpo.FrozenTrial, direction hpo.Direction) []*hpo.FrozenTrial {
	sign := 1.0
	if direction == hpo.Maximize {
		sign = -1.0
	}
	loss := func(t *hpo.FrozenTrial) float64 { return sign * t.Values[0] }

	ordered := append([]*hpo.FrozenTrial(nil), trials...)
	if s.constraints == nil {
		sort.SliceStable(ordered, func(i, j int) bool { return loss(ordered[i]) < loss(ordered[j]) })
		return ordered
	}
	violation := func(t *hpo.FrozenTrial) float64 {
		v, ok := hpo.ConstraintViolation(t)
		if !ok {
			// Never evaluated counts as infeasible.
			return math.Inf(1)
		}
		return v
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		vi, vj := violation(ordered[i]), violation(ordered[j])
		if vi != vj {
			return vi < vj
		}
		return loss(ordered[i]) < loss(ordered[j])
	})
	return ordered
}

func (s *Sampler) orderMultiObjective(trials []*hpo.FrozenTrial, directions []hpo.Direction) []*hpo.FrozenTrial {
	dominance := hpo.Dominates
	if s.constraints != nil {
		dominance = hpo.ConstrainedDominates
	}
	ordered := make([]*hpo.FrozenTrial, 0, len(trials))
	for _, front := range hpo.NonDominatedSort(trials, directions, dominance) {
		crowd := hpo.CrowdingDistance(front, directions)
		idx := make([]int, len(front))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool { return crowd[idx[a]] > crowd[idx[b]] })
		for _, i := range idx {
			ordered = append(ordered, front[i])
		}
	}
	return ordered
}

// gammaSplit is the size of the good group: ceil(0.25*sqrt(n)), capped.
func gammaSplit(n int) int {
	g := int(math.Ceil(0.25 * math.Sqrt(float64(n))))
	if g > maxBelow {
		g = maxBelow
	}
	if g < 1 {
		g = 1
	}
	return g
}

// observes reports whether the trial recorded every named parameter under
// a distribution equal to the one being sampled now.
func observes(t *hpo.FrozenTrial, names []string, space map[string]hpo.Distribution) bool {
	for _, name := range names {
		if _, ok := t.Params[name]; !ok {
			return false
		}
		if d, ok := t.Distributions[name]; !ok || !hpo.DistributionsEqual(d, space[name]) {
			return false
		}
	}
	return true
}

func paramsOf(t *hpo.FrozenTrial, names []string) map[string]float64 {
	out := make(map[string]float64, len(names))
	for _, name := range names {
		out[name] = t.Params[name]
	}
	return out
}

func paramColumns(trials []*hpo.FrozenTrial, names []string) []map[string]float64 {
	out := make([]map[string]float64, len(trials))
	for i, t := range trials {
		out[i] = paramsOf(t, names)
	}
	return out
}

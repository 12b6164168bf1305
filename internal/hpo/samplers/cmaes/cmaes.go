// Package cmaes implements covariance matrix adaptation evolution strategy
// sampling. The distribution state lives in study system attributes, so a
// study picked up by another process resumes mid-generation. An optional
// warm start seeds the initial distribution from finished trials of an
// earlier phase of the search.
package cmaes

import (
	"encoding/json"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/logging"
	"github.com/tunehub/tunehub/internal/registry"
)

func init() {
	registry.RegisterSampler("cmaes", func(spec registry.SamplerSpec) (hpo.Sampler, error) {
		return New(Options{
			Seed:           spec.Seed,
			PopulationSize: spec.PopulationSize,
			Logger:         spec.Logger,
		}), nil
	})
}

const (
	// stateKey is the study system attribute holding the JSON strategy
	// state.
	stateKey = "cmaes:state"
	// generationKey is the trial system attribute tying a trial to the
	// generation that proposed it.
	generationKey = "cmaes:generation"

	// defaultSigma is the initial step size in the unit cube.
	defaultSigma = 1.0 / 6
	// warmStartQuantile is the share of source trials treated as
	// promising when estimating the initial distribution.
	warmStartQuantile = 0.1
)

// Options configures the strategy.
type Options struct {
	// Seed fixes the random source; zero draws an entropy-based seed.
	Seed int64
	// PopulationSize overrides Hansen's population heuristic.
	PopulationSize int
	// SourceTrials warm-starts the initial distribution from finished
	// trials, typically the early phase of the same study.
	SourceTrials []*hpo.FrozenTrial
	// WarnIndependentSampling logs when a parameter falls outside the
	// covariance model and is drawn uniformly.
	WarnIndependentSampling bool
	// Logger defaults to a discarding logger.
	Logger *logging.Logger
}

// Sampler is the CMA-ES strategy.
type Sampler struct {
	rng             *hpo.Rand
	popSize         int
	source          []*hpo.FrozenTrial
	warnIndependent bool
	logger          *logging.Logger
}

// New creates a CMA-ES sampler.
func New(opts Options) *Sampler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Sampler{
		rng:             hpo.NewRand(opts.Seed),
		popSize:         opts.PopulationSize,
		source:          opts.SourceTrials,
		warnIndependent: opts.WarnIndependentSampling,
		logger:          logger.WithSampler("cmaes"),
	}
}

// Name implements hpo.Sampler.
func (s *Sampler) Name() string { return "cmaes" }

// InferRelativeSearchSpace implements hpo.Sampler. The covariance model
// embeds numeric parameters into a box; categorical and single-valued
// parameters fall through to independent sampling.
func (s *Sampler) InferRelativeSearchSpace(study *hpo.Study, _ *hpo.FrozenTrial) (map[string]hpo.Distribution, error) {
	trials, err := study.Trials(hpo.StateComplete, hpo.StatePruned)
	if err != nil {
		return nil, hpo.WrapError(err, "loading history").WithComponent("cmaes")
	}
	numeric, dropped := hpo.NumericSubspace(hpo.IntersectionSearchSpace(trials))
	if len(dropped) > 0 {
		s.logger.Debug("parameters fall back to independent sampling", logging.Fields{
			"params": dropped,
		})
	}
	return numeric, nil
}

// SampleRelative implements hpo.Sampler: restore the strategy, fold in any
// newly completed generation, draw the next candidate, and tag the trial
// with its generation so a later call can tell the strategy about it.
func (s *Sampler) SampleRelative(study *hpo.Study, trial *hpo.FrozenTrial, space map[string]hpo.Distribution) (map[string]float64, error) {
	if len(space) == 0 {
		return map[string]float64{}, nil
	}
	names := hpo.SortedParamNames(space)

	st, err := s.loadStrategy(study, names)
	if err != nil {
		return nil, err
	}
	if st == nil {
		st = s.initialStrategy(study, space, names)
	}

	sols, err := s.harvestGeneration(study, space, names, st.generation)
	if err != nil {
		return nil, err
	}
	if len(sols) >= st.lambda {
		st.tell(sols[:st.lambda])
		s.logger.Debug("advanced a generation", logging.Fields{
			"generation": st.generation,
			"sigma":      st.sigma,
		})
	}
	if err := s.saveStrategy(study, names, st); err != nil {
		return nil, err
	}

	if trial != nil {
		if err := study.SetTrialSystemAttr(trial.ID, generationKey, st.generation); err != nil {
			return nil, hpo.WrapError(err, "tagging trial generation").WithComponent("cmaes")
		}
	}

	z := st.askWithin(s.rng)
	out := make(map[string]float64, len(names))
	for i, name := range names {
		out[name] = hpo.UnitDenormalize(space[name], z[i])
	}
	return out, nil
}

// SampleIndependent implements hpo.Sampler: parameters outside the
// covariance model are drawn uniformly.
func (s *Sampler) SampleIndependent(_ *hpo.Study, trial *hpo.FrozenTrial, name string, dist hpo.Distribution) (float64, error) {
	if s.warnIndependent && trial != nil && !dist.Single() {
		s.logger.Warn("parameter is outside the covariance model, sampling it uniformly", logging.Fields{
			"param": name,
			"trial": trial.Number,
		})
	}
	return s.rng.DrawUniform(dist), nil
}

// BeforeTrial implements hpo.Sampler.
func (s *Sampler) BeforeTrial(*hpo.Study, *hpo.FrozenTrial) error { return nil }

// AfterTrial implements hpo.Sampler.
func (s *Sampler) AfterTrial(*hpo.Study, *hpo.FrozenTrial, hpo.TrialState, []float64) error {
	return nil
}

// ReseedRNG implements hpo.Sampler.
func (s *Sampler) ReseedRNG() { s.rng.Reseed() }

// persistedState is the JSON form of a strategy. Learning rates and
// weights are derived, not stored.
type persistedState struct {
	Names      []string    `json:"names"`
	Generation int         `json:"generation"`
	Mean       []float64   `json:"mean"`
	Sigma      float64     `json:"sigma"`
	Cov        [][]float64 `json:"cov"`
	Pc         []float64   `json:"pc"`
	Ps         []float64   `json:"ps"`
	Lambda     int         `json:"lambda"`
}

func (s *Sampler) loadStrategy(study *hpo.Study, names []string) (*strategy, error) {
	attrs, err := study.SystemAttrs()
	if err != nil {
		return nil, hpo.WrapError(err, "loading strategy state").WithComponent("cmaes")
	}
	raw, ok := attrs[stateKey].(string)
	if !ok || raw == "" {
		return nil, nil
	}
	var ps persistedState
	if err := json.Unmarshal([]byte(raw), &ps); err != nil {
		s.logger.Warn("discarding unreadable strategy state", logging.Fields{"error": err.Error()})
		return nil, nil
	}
	if !equalNames(ps.Names, names) || len(ps.Mean) != len(names) {
		// The search space moved under us; the old covariance is useless.
		s.logger.Debug("search space changed, restarting the strategy", nil)
		return nil, nil
	}

	dim := len(names)
	cov := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			cov.SetSym(i, j, ps.Cov[i][j])
		}
	}
	st := newStrategy(dim, ps.Mean, ps.Sigma, cov, ps.Lambda)
	st.generation = ps.Generation
	st.pc = mat.NewVecDense(dim, append([]float64(nil), ps.Pc...))
	st.ps = mat.NewVecDense(dim, append([]float64(nil), ps.Ps...))
	return st, nil
}

func (s *Sampler) saveStrategy(study *hpo.Study, names []string, st *strategy) error {
	dim := st.dim
	cov := make([][]float64, dim)
	for i := 0; i < dim; i++ {
		cov[i] = make([]float64, dim)
		for j := 0; j < dim; j++ {
			cov[i][j] = st.cov.At(i, j)
		}
	}
	ps := persistedState{
		Names:      names,
		Generation: st.generation,
		Mean:       append([]float64(nil), st.mean.RawVector().Data...),
		Sigma:      st.sigma,
		Cov:        cov,
		Pc:         append([]float64(nil), st.pc.RawVector().Data...),
		Ps:         append([]float64(nil), st.ps.RawVector().Data...),
		Lambda:     st.lambda,
	}
	raw, err := json.Marshal(ps)
	if err != nil {
		return hpo.WrapError(err, "encoding strategy state").WithComponent("cmaes")
	}
	if err := study.SetSystemAttr(stateKey, string(raw)); err != nil {
		return hpo.WrapError(err, "saving strategy state").WithComponent("cmaes")
	}
	return nil
}

// initialStrategy builds generation zero: warm-started from the source
// trials when enough of them cover the space, from the cube center
// otherwise.
func (s *Sampler) initialStrategy(study *hpo.Study, space map[string]hpo.Distribution, names []string) *strategy {
	if st := s.warmStartStrategy(study, space, names); st != nil {
		return st
	}
	dim := len(names)
	mean := make([]float64, dim)
	for i := range mean {
		mean[i] = 0.5
	}
	return newStrategy(dim, mean, defaultSigma, nil, s.popSize)
}

// warmStartStrategy estimates the initial mean and covariance from the
// most promising source trials.
func (s *Sampler) warmStartStrategy(study *hpo.Study, space map[string]hpo.Distribution, names []string) *strategy {
	sign := 1.0
	if study.Directions()[0] == hpo.Maximize {
		sign = -1.0
	}
	usable := make([]*hpo.FrozenTrial, 0, len(s.source))
	for _, t := range s.source {
		if t.State == hpo.StateComplete && len(t.Values) > 0 && hasAll(t, names) {
			usable = append(usable, t)
		}
	}
	if len(usable) < 2 {
		return nil
	}
	sort.SliceStable(usable, func(i, j int) bool {
		return sign*usable[i].Values[0] < sign*usable[j].Values[0]
	})
	top := int(math.Ceil(warmStartQuantile * float64(len(usable))))
	if top < 2 {
		top = 2
	}
	promising := usable[:top]

	dim := len(names)
	points := make([][]float64, len(promising))
	for i, t := range promising {
		row := make([]float64, dim)
		for j, name := range names {
			row[j] = hpo.UnitNormalize(space[name], t.Params[name])
		}
		points[i] = row
	}

	mean := make([]float64, dim)
	for _, row := range points {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(len(points))
	}

	cov := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			acc := 0.0
			for _, row := range points {
				acc += (row[i] - mean[i]) * (row[j] - mean[j])
			}
			cov.SetSym(i, j, acc/float64(len(points)-1))
		}
	}

	// Pull the overall scale out of the covariance so step-size
	// adaptation starts from the spread of the promising solutions.
	trace := 0.0
	for i := 0; i < dim; i++ {
		trace += cov.At(i, i)
	}
	sigma := math.Sqrt(trace / float64(dim))
	sigma = math.Min(0.5, math.Max(0.05, sigma))
	inv := 1 / (sigma * sigma)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			v := cov.At(i, j) * inv
			if i == j {
				v += 1e-6
			}
			cov.SetSym(i, j, v)
		}
	}

	s.logger.Debug("warm-started from source trials", logging.Fields{
		"source": len(usable),
		"top":    top,
		"sigma":  sigma,
	})
	return newStrategy(dim, mean, sigma, cov, s.popSize)
}

// harvestGeneration collects the completed solutions proposed by the given
// generation, oldest first.
func (s *Sampler) harvestGeneration(study *hpo.Study, space map[string]hpo.Distribution, names []string, generation int) ([]solution, error) {
	complete, err := study.Trials(hpo.StateComplete)
	if err != nil {
		return nil, hpo.WrapError(err, "loading history").WithComponent("cmaes")
	}
	sign := 1.0
	if study.Directions()[0] == hpo.Maximize {
		sign = -1.0
	}
	var sols []solution
	for _, t := range complete {
		g, ok := trialGeneration(t)
		if !ok || g != generation {
			continue
		}
		if len(t.Values) == 0 || !hasAll(t, names) {
			continue
		}
		z := make([]float64, len(names))
		for i, name := range names {
			z[i] = hpo.UnitNormalize(space[name], t.Params[name])
		}
		sols = append(sols, solution{z: z, fitness: sign * t.Values[0]})
	}
	return sols, nil
}

// trialGeneration reads the generation tag, tolerating the numeric types
// JSON storage hands back.
func trialGeneration(t *hpo.FrozenTrial) (int, bool) {
	switch v := t.SystemAttrs[generationKey].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func hasAll(t *hpo.FrozenTrial, names []string) bool {
	for _, name := range names {
		if _, ok := t.Params[name]; !ok {
			return false
		}
	}
	return true
}

func equalNames(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

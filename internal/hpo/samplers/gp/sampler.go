// Package gp implements a Bayesian-optimization strategy: a Gaussian-process
// surrogate over the numeric relative search space, with candidates chosen
// by maximizing expected improvement.
package gp

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"

	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/hpo/acquisition"
	"github.com/tunehub/tunehub/internal/hpo/kernels"
	"github.com/tunehub/tunehub/internal/logging"
	"github.com/tunehub/tunehub/internal/registry"
)

func init() {
	registry.RegisterSampler("gp", func(spec registry.SamplerSpec) (hpo.Sampler, error) {
		return New(Options{
			Seed:      spec.Seed,
			MinTrials: spec.StartupTrials,
			Logger:    spec.Logger,
		}), nil
	})
}

const (
	// defaultMinTrials is the history needed before the surrogate takes
	// over from uniform draws.
	defaultMinTrials = 10
	// noiseVar regularizes the kernel matrix; targets are standardized, so
	// a small constant works across objectives.
	noiseVar = 1e-6
	// xi is the exploration margin of the acquisition function.
	xi = 0.01
)

// Options configures the strategy.
type Options struct {
	// Seed fixes the random source; zero draws an entropy-based seed.
	Seed int64
	// MinTrials overrides the history needed before the surrogate is fit.
	MinTrials int
	// Logger defaults to a discarding logger.
	Logger *logging.Logger
}

// Sampler is the Gaussian-process strategy.
type Sampler struct {
	rng       *hpo.Rand
	minTrials int
	logger    *logging.Logger
}

// New creates a GP sampler.
func New(opts Options) *Sampler {
	minTrials := opts.MinTrials
	if minTrials <= 0 {
		minTrials = defaultMinTrials
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Sampler{
		rng:       hpo.NewRand(opts.Seed),
		minTrials: minTrials,
		logger:    logger.WithSampler("gp"),
	}
}

// Name implements hpo.Sampler.
func (s *Sampler) Name() string { return "gp" }

// InferRelativeSearchSpace implements hpo.Sampler. The surrogate embeds
// numeric parameters into a box, so categorical and single-valued
// parameters fall through to independent sampling.
func (s *Sampler) InferRelativeSearchSpace(study *hpo.Study, _ *hpo.FrozenTrial) (map[string]hpo.Distribution, error) {
	trials, err := study.Trials(hpo.StateComplete)
	if err != nil {
		return nil, hpo.WrapError(err, "loading history").WithComponent("gp")
	}
	numeric, dropped := hpo.NumericSubspace(hpo.IntersectionSearchSpace(trials))
	if len(dropped) > 0 {
		s.logger.Debug("parameters fall back to independent sampling", logging.Fields{
			"params": dropped,
		})
	}
	return numeric, nil
}

// SampleRelative implements hpo.Sampler. With enough completed trials it
// fits the surrogate, otherwise it returns an empty map and lets every
// parameter go through SampleIndependent.
func (s *Sampler) SampleRelative(study *hpo.Study, _ *hpo.FrozenTrial, space map[string]hpo.Distribution) (map[string]float64, error) {
	if len(space) == 0 {
		return map[string]float64{}, nil
	}
	names := hpo.SortedParamNames(space)

	trials, err := study.Trials(hpo.StateComplete)
	if err != nil {
		return nil, hpo.WrapError(err, "loading history").WithComponent("gp")
	}
	observations := filterObservations(trials, names)
	if len(observations) < s.minTrials {
		return map[string]float64{}, nil
	}

	dims := len(names)
	X := mat.NewDense(len(observations), dims, nil)
	raw := make([]float64, len(observations))
	sign := 1.0
	if study.Directions()[0] == hpo.Maximize {
		sign = -1.0
	}
	for i, t := range observations {
		for j, name := range names {
			X.Set(i, j, hpo.UnitNormalize(space[name], t.Params[name]))
		}
		raw[i] = sign * t.Values[0]
	}

	mean := stat.Mean(raw, nil)
	std := stat.StdDev(raw, nil)
	if std <= 0 || math.IsNaN(std) {
		std = 1.0
	}
	y := mat.NewVecDense(len(raw), nil)
	bestY := math.Inf(1)
	bestIdx := 0
	for i, v := range raw {
		z := (v - mean) / std
		y.SetVec(i, z)
		if z < bestY {
			bestY = z
			bestIdx = i
		}
	}

	lengthScale := math.Sqrt(float64(dims)) / 2
	model := NewModel(kernels.NewMatern52(lengthScale, 1.0), noiseVar, s.logger)
	if err := model.Fit(X, y); err != nil {
		// A degenerate kernel matrix should not kill the study; fall back
		// to uniform draws for this trial.
		s.logger.Warn("surrogate fit failed, falling back to uniform draws", logging.Fields{
			"error": err.Error(),
		})
		return map[string]float64{}, nil
	}

	incumbent := make([]float64, dims)
	mat.Row(incumbent, bestIdx, X)

	point := s.maximizeAcquisition(model, bestY, dims, incumbent)

	out := make(map[string]float64, dims)
	for j, name := range names {
		out[name] = hpo.UnitDenormalize(space[name], point[j])
	}
	return out, nil
}

// SampleIndependent implements hpo.Sampler: parameters outside the numeric
// subspace are drawn uniformly.
func (s *Sampler) SampleIndependent(_ *hpo.Study, _ *hpo.FrozenTrial, name string, dist hpo.Distribution) (float64, error) {
	s.logger.Debug("sampling independently", logging.Fields{"param": name})
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

// maximizeAcquisition searches the unit cube for the point with the highest
// expected improvement: a Latin-hypercube screen followed by Nelder-Mead
// polishing from several starts.
func (s *Sampler) maximizeAcquisition(model *Model, bestY float64, dims int, incumbent []float64) []float64 {
	ei := acquisition.NewExpectedImprovement(bestY, xi)

	negEI := func(x []float64) float64 {
		clamped := make([]float64, len(x))
		for i, v := range x {
			clamped[i] = math.Min(1, math.Max(0, v))
		}
		mu, sigma, err := model.PredictOne(clamped)
		if err != nil {
			return math.Inf(1)
		}
		return -ei.Compute(mu, sigma)
	}

	nScreen := 64 * dims
	if nScreen > 512 {
		nScreen = 512
	}
	candidates := s.latinHypercube(nScreen, dims)

	bestX := append([]float64(nil), incumbent...)
	bestVal := negEI(incumbent)
	for _, c := range candidates {
		if v := negEI(c); v < bestVal {
			bestVal = v
			bestX = append([]float64(nil), c...)
		}
	}

	nStarts := 5 + int(5*math.Sqrt(float64(dims)))
	starts := make([][]float64, 0, nStarts)
	starts = append(starts, append([]float64(nil), bestX...))
	starts = append(starts, append([]float64(nil), incumbent...))
	starts = append(starts, s.latinHypercube(nStarts-2, dims)...)

	problem := optimize.Problem{Func: negEI}
	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Relative:   1e-6,
			Iterations: 100,
		},
	}

	for _, start := range starts {
		method := &optimize.NelderMead{
			Reflection:  1.0,
			Expansion:   2.0,
			Contraction: 0.5,
			Shrink:      0.5,
			SimplexSize: 0.2,
		}
		result, err := optimize.Minimize(problem, start, settings, method)
		if err != nil || result == nil {
			continue
		}
		if result.F < bestVal {
			bestVal = result.F
			bestX = append([]float64(nil), result.X...)
		}
	}

	for i, v := range bestX {
		bestX[i] = math.Min(1, math.Max(0, v))
	}
	return bestX
}

// latinHypercube draws n stratified points from the unit cube.
func (s *Sampler) latinHypercube(n, dims int) [][]float64 {
	if n <= 0 {
		return nil
	}
	pts := make([][]float64, n)
	for i := range pts {
		pts[i] = make([]float64, dims)
	}
	for d := 0; d < dims; d++ {
		perm := s.rng.Perm(n)
		for j := 0; j < n; j++ {
			pts[j][d] = (float64(perm[j]) + s.rng.Float64()) / float64(n)
		}
	}
	return pts
}

// filterObservations keeps completed trials that observed a value and every
// parameter of the space.
func filterObservations(trials []*hpo.FrozenTrial, names []string) []*hpo.FrozenTrial {
	out := make([]*hpo.FrozenTrial, 0, len(trials))
	for _, t := range trials {
		if len(t.Values) == 0 {
			continue
		}
		ok := true
		for _, name := range names {
			if _, exists := t.Params[name]; !exists {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, t)
		}
	}
	return out
}


// Package nsga implements the NSGA-II and NSGA-III genetic strategies for
// multi-objective studies. The population is the study itself: every
// sampled trial carries a generation tag in its system attributes, parents
// are re-selected from finished trials on each sample, and elite selection
// runs non-dominated sorting with a crowding-distance cut (NSGA-II) or
// reference-direction niching (NSGA-III).
package nsga

import (
	"sort"

	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/logging"
	"github.com/tunehub/tunehub/internal/registry"
)

func init() {
	registry.RegisterSampler("nsga2", func(spec registry.SamplerSpec) (hpo.Sampler, error) {
		return NewII(genOptions(spec)), nil
	})
	registry.RegisterSampler("nsga3", func(spec registry.SamplerSpec) (hpo.Sampler, error) {
		return NewIII(genOptions(spec)), nil
	})
}

func genOptions(spec registry.SamplerSpec) Options {
	return Options{
		Seed:           spec.Seed,
		PopulationSize: spec.PopulationSize,
		Constraints:    spec.Constraints,
		Logger:         spec.Logger,
	}
}

const (
	// GenerationKeyII tags trials bred by NSGA-II.
	GenerationKeyII = "nsga2:generation"
	// GenerationKeyIII tags trials bred by NSGA-III.
	GenerationKeyIII = "nsga3:generation"

	defaultPopulation    = 50
	defaultCrossoverProb = 0.9
	defaultSwapProb      = 0.5
)

type variant int

const (
	variantII variant = iota
	variantIII
)

// Options configures either variant.
type Options struct {
	// Seed fixes the random source; zero draws an entropy-based seed.
	Seed int64
	// PopulationSize is the number of trials per generation. Defaults
	// to 50.
	PopulationSize int
	// CrossoverProb is the chance a child mixes two parents instead of
	// cloning one. Defaults to 0.9.
	CrossoverProb float64
	// SwapProb is the per-parameter chance of inheriting from the second
	// parent during crossover. Defaults to 0.5.
	SwapProb float64
	// MutationProb is the per-parameter chance of a uniform resample.
	// Non-positive means 1/dimensions, decided at sampling time.
	MutationProb float64
	// Constraints switches parent selection to constraint dominance and
	// records constraint values on every completed trial.
	Constraints hpo.ConstraintsFunc
	// ReferenceDivisions overrides the Das-Dennis dividing parameter used
	// by NSGA-III. Non-positive picks the smallest value whose point
	// count covers the population.
	ReferenceDivisions int
	// Logger defaults to a discarding logger.
	Logger *logging.Logger
}

// Sampler is a genetic multi-objective strategy, NSGA-II or NSGA-III
// depending on the constructor.
type Sampler struct {
	rng           *hpo.Rand
	variant       variant
	popSize       int
	crossoverProb float64
	swapProb      float64
	mutationProb  float64
	constraints   hpo.ConstraintsFunc
	refDivisions  int
	logger        *logging.Logger
}

// NewII creates an NSGA-II sampler.
func NewII(opts Options) *Sampler { return newSampler(variantII, opts) }

// NewIII creates an NSGA-III sampler.
func NewIII(opts Options) *Sampler { return newSampler(variantIII, opts) }

func newSampler(v variant, opts Options) *Sampler {
	popSize := opts.PopulationSize
	if popSize <= 0 {
		popSize = defaultPopulation
	}
	crossover := opts.CrossoverProb
	if crossover <= 0 {
		crossover = defaultCrossoverProb
	}
	swap := opts.SwapProb
	if swap <= 0 {
		swap = defaultSwapProb
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Sampler{
		rng:           hpo.NewRand(opts.Seed),
		variant:       v,
		popSize:       popSize,
		crossoverProb: crossover,
		swapProb:      swap,
		mutationProb:  opts.MutationProb,
		constraints:   opts.Constraints,
		refDivisions:  opts.ReferenceDivisions,
	}
	s.logger = logger.WithSampler(s.Name())
	return s
}

// Name implements hpo.Sampler.
func (s *Sampler) Name() string {
	if s.variant == variantIII {
		return "nsga3"
	}
	return "nsga2"
}

// GenerationKey returns the trial system attribute this variant uses for
// generation bookkeeping.
func (s *Sampler) GenerationKey() string {
	if s.variant == variantIII {
		return GenerationKeyIII
	}
	return GenerationKeyII
}

// InferRelativeSearchSpace implements hpo.Sampler: the intersection space
// over finished trials, minus single-valued dimensions. Crossover and
// mutation operate on internal representations, so categorical parameters
// stay in.
func (s *Sampler) InferRelativeSearchSpace(study *hpo.Study, _ *hpo.FrozenTrial) (map[string]hpo.Distribution, error) {
	trials, err := study.Trials(hpo.StateComplete, hpo.StatePruned)
	if err != nil {
		return nil, hpo.WrapError(err, "loading history").WithComponent(s.Name())
	}
	space := hpo.IntersectionSearchSpace(trials)
	for name, d := range space {
		if d.Single() {
			delete(space, name)
		}
	}
	return space, nil
}

// SampleRelative implements hpo.Sampler: tag the trial with the current
// generation, then breed a child from the elite of earlier generations.
// During generation zero the population is still being seeded and every
// parameter falls through to a uniform draw.
func (s *Sampler) SampleRelative(study *hpo.Study, trial *hpo.FrozenTrial, space map[string]hpo.Distribution) (map[string]float64, error) {
	if len(space) == 0 {
		return map[string]float64{}, nil
	}
	complete, err := study.Trials(hpo.StateComplete)
	if err != nil {
		return nil, hpo.WrapError(err, "loading history").WithComponent(s.Name())
	}

	generation := s.currentGeneration(complete)
	if trial != nil {
		if err := study.SetTrialSystemAttr(trial.ID, s.GenerationKey(), generation); err != nil {
			return nil, hpo.WrapError(err, "tagging trial generation").WithComponent(s.Name())
		}
	}
	if generation == 0 {
		return map[string]float64{}, nil
	}

	directions := study.Directions()
	parents := s.selectParents(complete, directions, space, generation)
	if len(parents) == 0 {
		return map[string]float64{}, nil
	}
	return s.breed(parents, space), nil
}

// SampleIndependent implements hpo.Sampler: the seeding generation and any
// parameter outside the intersection space draw uniformly.
func (s *Sampler) SampleIndependent(_ *hpo.Study, _ *hpo.FrozenTrial, name string, dist hpo.Distribution) (float64, error) {
	s.logger.Debug("sampling independently", logging.Fields{"param": name})
	return s.rng.DrawUniform(dist), nil
}

// BeforeTrial implements hpo.Sampler.
func (s *Sampler) BeforeTrial(*hpo.Study, *hpo.FrozenTrial) error { return nil }

// AfterTrial implements hpo.Sampler: completed trials get their constraint
// values recorded so selection can rank feasibility.
func (s *Sampler) AfterTrial(study *hpo.Study, trial *hpo.FrozenTrial, state hpo.TrialState, _ []float64) error {
	return hpo.ProcessConstraints(study, trial, state, s.constraints)
}

// ReseedRNG implements hpo.Sampler.
func (s *Sampler) ReseedRNG() { s.rng.Reseed() }

// currentGeneration is the first generation whose tagged completed trials
// have not yet filled a population.
func (s *Sampler) currentGeneration(complete []*hpo.FrozenTrial) int {
	counts := make(map[int]int)
	for _, t := range complete {
		if g, ok := trialGeneration(t, s.GenerationKey()); ok && len(t.Values) > 0 {
			counts[g]++
		}
	}
	g := 0
	for counts[g] >= s.popSize {
		g++
	}
	return g
}

// selectParents runs elite environmental selection over every tagged trial
// of earlier generations: whole non-dominated fronts while they fit, then a
// crowding cut (NSGA-II) or reference-point niching (NSGA-III) on the
// boundary front. The result is ordered best first.
func (s *Sampler) selectParents(complete []*hpo.FrozenTrial, directions []hpo.Direction, space map[string]hpo.Distribution, generation int) []*hpo.FrozenTrial {
	names := hpo.SortedParamNames(space)
	candidates := make([]*hpo.FrozenTrial, 0, len(complete))
	for _, t := range complete {
		g, ok := trialGeneration(t, s.GenerationKey())
		if !ok || g >= generation {
			continue
		}
		if len(t.Values) != len(directions) || !usableParams(t, names, space) {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return nil
	}

	dominance := hpo.Dominates
	if s.constraints != nil {
		dominance = hpo.ConstrainedDominates
	}

	parents := make([]*hpo.FrozenTrial, 0, s.popSize)
	for _, front := range hpo.NonDominatedSort(candidates, directions, dominance) {
		remaining := s.popSize - len(parents)
		if remaining <= 0 {
			break
		}
		if len(front) <= remaining {
			parents = append(parents, orderByCrowding(front, directions)...)
			continue
		}
		if s.variant == variantIII {
			parents = append(parents, s.nichingCut(parents, front, directions, remaining)...)
		} else {
			parents = append(parents, orderByCrowding(front, directions)[:remaining]...)
		}
	}
	return parents
}

// breed creates one child: two binary tournaments pick the parents, a
// uniform crossover mixes them, and a per-parameter mutation resamples.
func (s *Sampler) breed(parents []*hpo.FrozenTrial, space map[string]hpo.Distribution) map[string]float64 {
	names := hpo.SortedParamNames(space)
	first := parents[s.tournament(len(parents))]
	second := parents[s.tournament(len(parents))]

	child := make(map[string]float64, len(names))
	crossing := s.rng.Float64() < s.crossoverProb
	for _, name := range names {
		ir := first.Params[name]
		if crossing && s.rng.Float64() < s.swapProb {
			ir = second.Params[name]
		}
		child[name] = ir
	}

	mutation := s.mutationProb
	if mutation <= 0 {
		mutation = 1 / float64(len(names))
	}
	for _, name := range names {
		if s.rng.Float64() < mutation {
			child[name] = s.rng.DrawUniform(space[name])
		}
	}
	return child
}

// tournament picks the better ranked of two random contenders. Parents are
// ordered best first, so the lower index wins.
func (s *Sampler) tournament(n int) int {
	a, b := s.rng.Intn(n), s.rng.Intn(n)
	if a < b {
		return a
	}
	return b
}

// orderByCrowding returns the front sorted by descending crowding distance.
func orderByCrowding(front []*hpo.FrozenTrial, directions []hpo.Direction) []*hpo.FrozenTrial {
	crowd := hpo.CrowdingDistance(front, directions)
	idx := make([]int, len(front))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return crowd[idx[a]] > crowd[idx[b]] })
	out := make([]*hpo.FrozenTrial, len(front))
	for i, j := range idx {
		out[i] = front[j]
	}
	return out
}

// usableParams reports whether the trial can act as a parent for the given
// space: every parameter present and inside today's domain.
func usableParams(t *hpo.FrozenTrial, names []string, space map[string]hpo.Distribution) bool {
	for _, name := range names {
		ir, ok := t.Params[name]
		if !ok || !space[name].Contains(ir) {
			return false
		}
	}
	return true
}

// trialGeneration reads a generation tag, tolerating the numeric types
// JSON storage hands back.
func trialGeneration(t *hpo.FrozenTrial, key string) (int, bool) {
	switch v := t.SystemAttrs[key].(type) {
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

// objectiveVector returns the trial values with maximized objectives
// sign-flipped, so smaller is always better.
func objectiveVector(t *hpo.FrozenTrial, directions []hpo.Direction) []float64 {
	out := make([]float64, len(directions))
	for i, d := range directions {
		v := t.Values[i]
		if d == hpo.Maximize {
			v = -v
		}
		out[i] = v
	}
	return out
}

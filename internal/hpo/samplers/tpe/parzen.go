package tpe

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tunehub/tunehub/internal/hpo"
)

// priorWeight is the mixture weight of the wide prior component, expressed
// in observation counts. The prior keeps unexplored regions reachable no
// matter how tightly the observations cluster.
const priorWeight = 1.0

// parzenEstimator is a kernel-density mixture over a joint search space.
// Every observation contributes one component; the last component is the
// prior. Numeric dimensions carry truncated Gaussians over the internal
// representation (log space for log-scaled distributions), categorical
// dimensions carry smoothed choice weights. Single-valued dimensions must
// not reach the estimator.
type parzenEstimator struct {
	names   []string
	kernels []kernel
	weights []float64
}

// kernel models one dimension across all mixture components.
type kernel interface {
	sample(rng *hpo.Rand, component int) float64
	logProb(component int, ir float64) float64
}

// newParzenEstimator fits the mixture to the observations, given as
// internal representations keyed by parameter name. Every observation must
// cover every name.
func newParzenEstimator(space map[string]hpo.Distribution, observations []map[string]float64) *parzenEstimator {
	names := hpo.SortedParamNames(space)
	n := len(observations)

	est := &parzenEstimator{names: names}
	for _, name := range names {
		column := make([]float64, n)
		for i, obs := range observations {
			column[i] = obs[name]
		}
		switch d := space[name].(type) {
		case hpo.CategoricalDistribution:
			est.kernels = append(est.kernels, newCategoricalKernel(d, column))
		default:
			est.kernels = append(est.kernels, newNumericKernel(d, column, len(names)))
		}
	}

	total := float64(n) + priorWeight
	weights := make([]float64, n+1)
	for i := 0; i < n; i++ {
		weights[i] = 1.0 / total
	}
	weights[n] = priorWeight / total
	est.weights = weights
	return est
}

// sample draws one joint point: a single component drawn by weight, then
// every dimension from that component.
func (e *parzenEstimator) sample(rng *hpo.Rand) map[string]float64 {
	comp := e.pickComponent(rng)
	out := make(map[string]float64, len(e.names))
	for i, name := range e.names {
		out[name] = e.kernels[i].sample(rng, comp)
	}
	return out
}

func (e *parzenEstimator) pickComponent(rng *hpo.Rand) int {
	u := rng.Float64()
	acc := 0.0
	for i, w := range e.weights {
		acc += w
		if u < acc {
			return i
		}
	}
	return len(e.weights) - 1
}

// logPDF evaluates the mixture log-density at a joint point.
func (e *parzenEstimator) logPDF(point map[string]float64) float64 {
	logs := make([]float64, len(e.weights))
	for comp := range e.weights {
		lp := math.Log(e.weights[comp])
		for i, name := range e.names {
			lp += e.kernels[i].logProb(comp, point[name])
		}
		logs[comp] = lp
	}
	return floats.LogSumExp(logs)
}

// numericKernel holds per-component truncated Gaussians for one dimension.
// mus and sigmas live in transformed space; the last entry is the prior.
type numericKernel struct {
	low, high float64
	logScale  bool
	mus       []float64
	sigmas    []float64
}

func newNumericKernel(d hpo.Distribution, observations []float64, dims int) *numericKernel {
	low, high, logScale := numericBounds(d)
	k := &numericKernel{low: low, high: high, logScale: logScale}
	if logScale {
		k.low, k.high = math.Log(low), math.Log(high)
	}
	width := k.high - k.low
	n := len(observations)

	mus := make([]float64, n, n+1)
	for i, ir := range observations {
		mus[i] = k.transform(ir)
	}

	// Scott's rule, clipped so a tight cluster cannot collapse the
	// bandwidth to zero and a spread one cannot exceed the domain.
	minSigma := width / math.Min(100, float64(n)+1)
	sigma := width
	if n > 1 {
		if s := stat.StdDev(mus, nil); s > 0 && !math.IsNaN(s) {
			sigma = s * math.Pow(float64(n), -1.0/float64(dims+4))
		} else {
			sigma = minSigma
		}
	}
	sigma = math.Min(math.Max(sigma, minSigma), width)

	sigmas := make([]float64, n+1)
	for i := 0; i < n; i++ {
		sigmas[i] = sigma
	}
	k.mus = append(mus, k.low+width/2)
	sigmas[n] = width
	k.sigmas = sigmas
	return k
}

func (k *numericKernel) transform(ir float64) float64 {
	if k.logScale {
		return math.Log(ir)
	}
	return ir
}

func (k *numericKernel) sample(rng *hpo.Rand, component int) float64 {
	mu, sigma := k.mus[component], k.sigmas[component]
	a := distuv.UnitNormal.CDF((k.low - mu) / sigma)
	b := distuv.UnitNormal.CDF((k.high - mu) / sigma)
	u := a + rng.Float64()*(b-a)
	if u <= 0 {
		u = math.SmallestNonzeroFloat64
	}
	if u >= 1 {
		u = 1 - 1e-16
	}
	x := mu + sigma*distuv.UnitNormal.Quantile(u)
	x = math.Min(k.high, math.Max(k.low, x))
	if k.logScale {
		return math.Exp(x)
	}
	return x
}

func (k *numericKernel) logProb(component int, ir float64) float64 {
	x := ir
	if k.logScale {
		if ir <= 0 {
			return math.Inf(-1)
		}
		x = math.Log(ir)
	}
	if x < k.low || x > k.high {
		return math.Inf(-1)
	}
	mu, sigma := k.mus[component], k.sigmas[component]
	z := distuv.UnitNormal.CDF((k.high-mu)/sigma) - distuv.UnitNormal.CDF((k.low-mu)/sigma)
	if z < 1e-300 {
		z = 1e-300
	}
	return distuv.UnitNormal.LogProb((x-mu)/sigma) - math.Log(sigma) - math.Log(z)
}

// categoricalKernel holds per-component choice weights for one dimension.
// Observation components put most of their mass on the observed choice;
// the last component is uniform.
type categoricalKernel struct {
	choiceWeights [][]float64
}

func newCategoricalKernel(d hpo.CategoricalDistribution, observations []float64) *categoricalKernel {
	choices := len(d.Choices)
	n := len(observations)
	rows := make([][]float64, n+1)
	for i, ir := range observations {
		row := make([]float64, choices)
		for c := range row {
			row[c] = priorWeight / float64(choices)
		}
		row[int(math.Round(ir))]++
		for c := range row {
			row[c] /= 1 + priorWeight
		}
		rows[i] = row
	}
	uniform := make([]float64, choices)
	for c := range uniform {
		uniform[c] = 1.0 / float64(choices)
	}
	rows[n] = uniform
	return &categoricalKernel{choiceWeights: rows}
}

func (k *categoricalKernel) sample(rng *hpo.Rand, component int) float64 {
	row := k.choiceWeights[component]
	u := rng.Float64()
	acc := 0.0
	for c, w := range row {
		acc += w
		if u < acc {
			return float64(c)
		}
	}
	return float64(len(row) - 1)
}

func (k *categoricalKernel) logProb(component int, ir float64) float64 {
	row := k.choiceWeights[component]
	idx := int(math.Round(ir))
	if idx < 0 || idx >= len(row) {
		return math.Inf(-1)
	}
	return math.Log(row[idx])
}

func numericBounds(d hpo.Distribution) (low, high float64, logScale bool) {
	switch x := d.(type) {
	case hpo.FloatDistribution:
		return x.Low, x.High, x.Log
	case hpo.IntDistribution:
		return float64(x.Low), float64(x.High), x.Log
	default:
		return 0, 1, false
	}
}

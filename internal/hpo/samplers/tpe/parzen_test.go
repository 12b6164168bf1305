package tpe

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunehub/tunehub/internal/hpo"
)

func observationsAt(name string, values ...float64) []map[string]float64 {
	out := make([]map[string]float64, len(values))
	for i, v := range values {
		out[i] = map[string]float64{name: v}
	}
	return out
}

func TestParzenSamplesStayInDomain(t *testing.T) {
	rng := hpo.NewRand(3)

	tests := []struct {
		name string
		dist hpo.Distribution
		obs  []float64
	}{
		{"linear float", hpo.FloatDistribution{Low: -2, High: 2}, []float64{-1.5, 0, 1.9}},
		{"log float", hpo.FloatDistribution{Low: 1e-6, High: 1e-1, Log: true}, []float64{1e-5, 1e-3, 5e-2}},
		{"int", hpo.IntDistribution{Low: 1, High: 9}, []float64{1, 5, 9}},
		{"categorical", hpo.CategoricalDistribution{Choices: []any{"a", "b", "c"}}, []float64{0, 2, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			space := map[string]hpo.Distribution{"p": tt.dist}
			est := newParzenEstimator(space, observationsAt("p", tt.obs...))
			for i := 0; i < 500; i++ {
				point := est.sample(rng)
				assert.True(t, tt.dist.Contains(point["p"]), "draw %v escaped the domain", point["p"])
			}
		})
	}
}

func TestParzenDensityPeaksNearObservations(t *testing.T) {
	space := map[string]hpo.Distribution{"x": hpo.FloatDistribution{Low: 0, High: 1}}
	est := newParzenEstimator(space, observationsAt("x", 0.18, 0.2, 0.22))

	near := est.logPDF(map[string]float64{"x": 0.2})
	far := est.logPDF(map[string]float64{"x": 0.9})
	assert.Greater(t, near, far)
}

func TestParzenLogScaleDensity(t *testing.T) {
	space := map[string]hpo.Distribution{"lr": hpo.FloatDistribution{Low: 1e-6, High: 1, Log: true}}
	est := newParzenEstimator(space, observationsAt("lr", 1e-4, 2e-4))

	near := est.logPDF(map[string]float64{"lr": 1.5e-4})
	far := est.logPDF(map[string]float64{"lr": 0.5})
	assert.Greater(t, near, far)

	assert.True(t, math.IsInf(est.logPDF(map[string]float64{"lr": -1}), -1),
		"non-positive values have no density on a log scale")
}

func TestParzenPriorKeepsFullDomainReachable(t *testing.T) {
	// All observations pile onto one corner; the prior component must
	// still produce draws across the domain.
	space := map[string]hpo.Distribution{"x": hpo.FloatDistribution{Low: 0, High: 1}}
	obs := make([]float64, 8)
	for i := range obs {
		obs[i] = 0.01
	}
	est := newParzenEstimator(space, observationsAt("x", obs...))

	rng := hpo.NewRand(5)
	sawUpperHalf := false
	for i := 0; i < 2000; i++ {
		if est.sample(rng)["x"] > 0.5 {
			sawUpperHalf = true
			break
		}
	}
	assert.True(t, sawUpperHalf)

	assert.False(t, math.IsInf(est.logPDF(map[string]float64{"x": 0.99}), -1),
		"density stays positive everywhere in the domain")
}

func TestParzenJointSampleUsesOneComponent(t *testing.T) {
	// Observations correlate the two dimensions: x and y are either both
	// low or both high. Joint draws should preserve that coupling far more
	// often than an independent per-dimension mixture would.
	space := map[string]hpo.Distribution{
		"x": hpo.FloatDistribution{Low: 0, High: 1},
		"y": hpo.FloatDistribution{Low: 0, High: 1},
	}
	observations := []map[string]float64{
		{"x": 0.02, "y": 0.02},
		{"x": 0.05, "y": 0.05},
		{"x": 0.08, "y": 0.08},
		{"x": 0.1, "y": 0.1},
		{"x": 0.9, "y": 0.9},
		{"x": 0.92, "y": 0.92},
		{"x": 0.95, "y": 0.95},
		{"x": 0.98, "y": 0.98},
	}
	est := newParzenEstimator(space, observations)

	rng := hpo.NewRand(11)
	coupled := 0
	const draws = 400
	for i := 0; i < draws; i++ {
		p := est.sample(rng)
		if (p["x"] < 0.5) == (p["y"] < 0.5) {
			coupled++
		}
	}
	assert.Greater(t, coupled, draws*6/10)
}

func TestCategoricalKernelWeights(t *testing.T) {
	d := hpo.CategoricalDistribution{Choices: []any{"a", "b", "c"}}
	k := newCategoricalKernel(d, []float64{1})

	require.Len(t, k.choiceWeights, 2)
	observed := k.choiceWeights[0]
	assert.Greater(t, observed[1], observed[0], "the observed choice carries extra mass")
	assert.InDelta(t, 1.0, observed[0]+observed[1]+observed[2], 1e-12)
	assert.Equal(t, observed[0], observed[2], "unobserved choices share the smoothing mass")

	prior := k.choiceWeights[1]
	for _, w := range prior {
		assert.InDelta(t, 1.0/3, w, 1e-12)
	}

	assert.True(t, math.IsInf(k.logProb(0, 7), -1), "out-of-range index has no mass")
}

func TestRatioSampleMovesTowardGoodRegion(t *testing.T) {
	sampler := New(Options{Seed: 23})
	space := map[string]hpo.Distribution{"x": hpo.FloatDistribution{Low: 0, High: 1}}
	below := observationsAt("x", 0.18, 0.2, 0.22)
	above := observationsAt("x", 0.7, 0.75, 0.8, 0.85, 0.9)

	sum := 0.0
	const rounds = 50
	for i := 0; i < rounds; i++ {
		sum += sampler.ratioSample(space, below, above)["x"]
	}
	mean := sum / rounds
	assert.Less(t, math.Abs(mean-0.2), math.Abs(mean-0.8),
		"proposals should cluster near the good observations")
}

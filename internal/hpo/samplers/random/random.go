// Package random implements uniform independent sampling. It is the
// bootstrap strategy: with no finished trials there is no history to model,
// so every parameter is drawn uniformly from its distribution.
package random

import (
	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/registry"
)

func init() {
	registry.RegisterSampler("random", func(spec registry.SamplerSpec) (hpo.Sampler, error) {
		return New(spec.Seed), nil
	})
}

// Sampler draws every parameter independently and uniformly.
type Sampler struct {
	rng *hpo.Rand
}

// New creates a random sampler. A zero seed picks an entropy-based one.
func New(seed int64) *Sampler {
	return &Sampler{rng: hpo.NewRand(seed)}
}

// Name implements hpo.Sampler.
func (s *Sampler) Name() string { return "random" }

// InferRelativeSearchSpace implements hpo.Sampler. Random sampling has no
// joint structure, so the relative space is always empty and every
// parameter arrives through SampleIndependent.
func (s *Sampler) InferRelativeSearchSpace(*hpo.Study, *hpo.FrozenTrial) (map[string]hpo.Distribution, error) {
	return map[string]hpo.Distribution{}, nil
}

// SampleRelative implements hpo.Sampler.
func (s *Sampler) SampleRelative(*hpo.Study, *hpo.FrozenTrial, map[string]hpo.Distribution) (map[string]float64, error) {
	return map[string]float64{}, nil
}

// SampleIndependent implements hpo.Sampler.
func (s *Sampler) SampleIndependent(_ *hpo.Study, _ *hpo.FrozenTrial, _ string, dist hpo.Distribution) (float64, error) {
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

package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunehub/tunehub/internal/hpo"
	"github.com/tunehub/tunehub/internal/registry"

	_ "github.com/tunehub/tunehub/internal/bench"
	_ "github.com/tunehub/tunehub/internal/hpo/samplers/auto"
	_ "github.com/tunehub/tunehub/internal/hpo/samplers/cmaes"
	_ "github.com/tunehub/tunehub/internal/hpo/samplers/gp"
	_ "github.com/tunehub/tunehub/internal/hpo/samplers/nsga"
	_ "github.com/tunehub/tunehub/internal/hpo/samplers/random"
	_ "github.com/tunehub/tunehub/internal/hpo/samplers/tpe"
)

func TestRegisteredSamplers(t *testing.T) {
	names := registry.Samplers()
	assert.Equal(t, []string{"auto", "cmaes", "gp", "nsga2", "nsga3", "random", "tpe"}, names)

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			sampler, err := registry.NewSampler(name, registry.SamplerSpec{Seed: 1})
			require.NoError(t, err)
			assert.Implements(t, (*hpo.Sampler)(nil), sampler)
		})
	}
}

func TestRegisteredProblems(t *testing.T) {
	names := registry.Problems()
	assert.Contains(t, names, "sphere")
	assert.Contains(t, names, "binh-korn")
	assert.Contains(t, names, "dtlz2")
	assert.Contains(t, names, "sphere-constrained")

	for _, name := range names {
		problem, err := registry.NewProblem(name)
		require.NoError(t, err)
		assert.Equal(t, name, problem.Name())
		assert.NotEmpty(t, problem.SearchSpace())
		assert.NotEmpty(t, problem.Directions())
	}
}

func TestUnknownLookups(t *testing.T) {
	_, err := registry.NewSampler("bogus", registry.SamplerSpec{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown sampler")

	_, err = registry.NewProblem("bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown problem")
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	assert.Panics(t, func() {
		registry.RegisterSampler("random", nil)
	})
	assert.Panics(t, func() {
		registry.RegisterSampler("random", func(registry.SamplerSpec) (hpo.Sampler, error) {
			return nil, nil
		})
	})
}

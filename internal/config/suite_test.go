package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validSuite = `
name: smoke
studies:
  - name: sphere-auto
    problem: sphere
    sampler: auto
    budget: 100
    parallelism: 4
    options:
      seed: 42
      trials_until_cmaes: 50
  - name: binh-korn-nsga
    problem: binh-korn
    sampler: nsga2
    budget: 200
`

func TestParseSuite(t *testing.T) {
	suite, err := ParseSuite([]byte(validSuite))
	require.NoError(t, err)

	assert.Equal(t, "smoke", suite.Name)
	require.Len(t, suite.Studies, 2)

	first := suite.Studies[0]
	assert.Equal(t, "sphere-auto", first.Name)
	assert.Equal(t, "auto", first.Sampler)
	assert.Equal(t, 4, first.Parallelism)
	assert.Equal(t, int64(42), first.Options.Seed)
	assert.Equal(t, 50, first.Options.TrialsUntilCMAES)

	// Defaults applied during validation.
	second := suite.Studies[1]
	assert.Equal(t, 1, second.Parallelism)
}

func TestParseSuiteDefaultsSampler(t *testing.T) {
	suite, err := ParseSuite([]byte(`
name: s
studies:
  - name: a
    problem: sphere
    budget: 10
`))
	require.NoError(t, err)
	assert.Equal(t, "auto", suite.Studies[0].Sampler)
}

func TestParseSuiteRejectsUnknownFields(t *testing.T) {
	_, err := ParseSuite([]byte(`
name: s
studies:
  - name: a
    problem: sphere
    budget: 10
    paralellism: 4
`))
	require.Error(t, err)
}

func TestParseSuiteValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing name", "studies: [{name: a, problem: p, budget: 1}]"},
		{"no studies", "name: s"},
		{"missing study name", "name: s\nstudies: [{problem: p, budget: 1}]"},
		{"missing problem", "name: s\nstudies: [{name: a, budget: 1}]"},
		{"zero budget", "name: s\nstudies: [{name: a, problem: p}]"},
		{"negative budget", "name: s\nstudies: [{name: a, problem: p, budget: -5}]"},
		{"duplicate study", "name: s\nstudies: [{name: a, problem: p, budget: 1}, {name: a, problem: p, budget: 1}]"},
		{"parallelism too high", "name: s\nstudies: [{name: a, problem: p, budget: 1, parallelism: 4096}]"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseSuite([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadSuiteFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validSuite), 0o644))

	suite, err := LoadSuite(path)
	require.NoError(t, err)
	assert.Equal(t, "smoke", suite.Name)

	_, err = LoadSuite(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestInterval(t *testing.T) {
	i := Interval[int]{1, 10}
	assert.True(t, i.In(1))
	assert.True(t, i.In(10))
	assert.False(t, i.In(0))
	assert.False(t, i.In(11))
	assert.Equal(t, "[1, 10]", i.String())
}

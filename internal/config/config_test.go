package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 250, cfg.Sampler.TrialsUntilCMAES)
	assert.Equal(t, 1000, cfg.Sampler.TrialsUntilNSGA)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("TUNEHUB_HTTP_PORT", "9090")
	t.Setenv("TUNEHUB_STORAGE_DRIVER", "sqlite")
	t.Setenv("TUNEHUB_TRIALS_UNTIL_CMAES", "100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 100, cfg.Sampler.TrialsUntilCMAES)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"port out of range", map[string]string{"TUNEHUB_HTTP_PORT": "70000"}},
		{"unknown driver", map[string]string{"TUNEHUB_STORAGE_DRIVER": "etcd"}},
		{"zero rate limit", map[string]string{"TUNEHUB_HTTP_RATE_LIMIT": "0"}},
		{"negative cmaes threshold", map[string]string{"TUNEHUB_TRIALS_UNTIL_CMAES": "-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

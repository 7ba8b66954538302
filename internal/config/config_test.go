package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookup(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestFromLookup_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := FromLookup(lookup(map[string]string{"DB_SOURCE": "postgres://localhost/settleops"}))
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.True(t, cfg.SyncEnabled)
	assert.Equal(t, 8*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, uint32(5), cfg.BreakerThreshold)
	assert.Equal(t, time.Minute, cfg.BreakerResetTimeout)
	assert.Equal(t, time.Minute, cfg.Jobs.ExpiryInterval)
	assert.True(t, cfg.Jobs.ReconcileEnabled)
}

func TestFromLookup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "postgres requires DB_SOURCE",
			env:     map[string]string{},
			wantErr: "DB_SOURCE",
		},
		{
			name: "memory store needs no DB_SOURCE",
			env:  map[string]string{"STORE_DRIVER": "memory"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DriverMemory, cfg.StoreDriver)
			},
		},
		{
			name:    "unknown driver",
			env:     map[string]string{"STORE_DRIVER": "sqlite"},
			wantErr: "STORE_DRIVER",
		},
		{
			name:    "bad duration",
			env:     map[string]string{"STORE_DRIVER": "memory", "HTTP_TIMEOUT": "soon"},
			wantErr: "HTTP_TIMEOUT",
		},
		{
			name:    "bad bool",
			env:     map[string]string{"STORE_DRIVER": "memory", "SYNC_ENABLED": "maybe"},
			wantErr: "SYNC_ENABLED",
		},
		{
			name:    "zero breaker threshold",
			env:     map[string]string{"STORE_DRIVER": "memory", "BREAKER_THRESHOLD": "0"},
			wantErr: "BREAKER_THRESHOLD",
		},
		{
			name: "overrides",
			env: map[string]string{
				"STORE_DRIVER":          "memory",
				"SERVER_PORT":           "9090",
				"SYNC_ENABLED":          "false",
				"REDIS_ADDR":            "localhost:6379",
				"REDIS_DB":              "2",
				"BREAKER_RESET_TIMEOUT": "30s",
				"JOB_SYNC_ENABLED":      "false",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "9090", cfg.Port)
				assert.False(t, cfg.SyncEnabled)
				assert.Equal(t, "localhost:6379", cfg.RedisAddr)
				assert.Equal(t, 2, cfg.RedisDB)
				assert.Equal(t, 30*time.Second, cfg.BreakerResetTimeout)
				assert.False(t, cfg.Jobs.SyncEnabled)
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := FromLookup(lookup(tt.env))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

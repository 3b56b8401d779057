package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/weftlab/weft/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weft.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Address)
	assert.Equal(t, "observed", cfg.Dedup.Policy)
	assert.Equal(t, 2*time.Minute, cfg.Guards.WaitDeadline.Std())
	assert.Equal(t, 30*time.Second, cfg.FenceTTL.Std())
	assert.Equal(t, 8, cfg.Budgets.Ticks)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
redis:
  address: redis.internal:6379
  prefix: "weft:prod:"
dedup:
  policy: strict
  lookback: 5m
guards:
  max_branch_length: 1024
  wait_deadline: 90s
fence_ttl: 10s
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Address)
	assert.Equal(t, "weft:prod:", cfg.Redis.Prefix)
	assert.Equal(t, "strict", cfg.Dedup.Policy)
	assert.Equal(t, 5*time.Minute, cfg.Dedup.Lookback.Std())
	assert.Equal(t, 1024, cfg.Guards.MaxBranchLength)
	assert.Equal(t, 90*time.Second, cfg.Guards.WaitDeadline.Std())
	assert.Equal(t, 10*time.Second, cfg.FenceTTL.Std())

	// Untouched sections keep their defaults.
	assert.Equal(t, 16, cfg.Budgets.Tools)
	assert.Equal(t, 5, cfg.Guards.MaxIdleRounds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestDurationDecoding(t *testing.T) {
	var parsed struct {
		Short config.Duration `yaml:"short"`
		Nanos config.Duration `yaml:"nanos"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("short: 1h30m\nnanos: 1500000000"), &parsed))
	assert.Equal(t, 90*time.Minute, parsed.Short.Std())
	assert.Equal(t, 1500*time.Millisecond, parsed.Nanos.Std())

	var bad struct {
		D config.Duration `yaml:"d"`
	}
	require.Error(t, yaml.Unmarshal([]byte("d: fortnight"), &bad))
}

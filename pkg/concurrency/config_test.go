package concurrency

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_RespectsEnvironmentOverrides(t *testing.T) {
	t.Setenv("ARBOR_MAX_CONCURRENT", "42")
	t.Setenv("ARBOR_RUNNER_WORKERS", "7")
	t.Setenv("ARBOR_DISPATCH_MODE", "SEQUENTIAL")

	cfg := LoadConfig()

	assert.Equal(t, 42, cfg.MaxConcurrent)
	assert.Equal(t, 7, cfg.RunnerWorkers)
	assert.Equal(t, DispatchModeSequential, cfg.DispatchMode)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
}

func TestLoadConfig_MultiplierOverride(t *testing.T) {
	t.Setenv("ARBOR_MAX_CONCURRENT", "")
	t.Setenv("ARBOR_CONCURRENCY_MULTIPLIER", "3")

	cfg := LoadConfig()

	assert.Equal(t, cfg.EffectiveCPUs*3, cfg.MaxConcurrent)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
}

func TestLoadConfig_FallsBackToAutoDetection(t *testing.T) {
	t.Setenv("ARBOR_MAX_CONCURRENT", "")
	t.Setenv("ARBOR_CONCURRENCY_MULTIPLIER", "")
	t.Setenv("ARBOR_RUNNER_WORKERS", "")
	t.Setenv("ARBOR_DISPATCH_MODE", "")

	cfg := LoadConfig()

	require.GreaterOrEqual(t, cfg.MaxConcurrent, 1)
	require.GreaterOrEqual(t, cfg.RunnerWorkers, 1)
	assert.Equal(t, ConfigSourceAutoDetect, cfg.Source)
	assert.Equal(t, DispatchModeConcurrent, cfg.DispatchMode)
	assert.Equal(t, runtime.GOMAXPROCS(0), cfg.EffectiveCPUs)
}

func TestLoadConfig_InvalidModeFallsBack(t *testing.T) {
	t.Setenv("ARBOR_DISPATCH_MODE", "sideways")

	cfg := LoadConfig()
	assert.Equal(t, DispatchModeConcurrent, cfg.DispatchMode)
}

func TestConfig_EngineMaxConcurrent(t *testing.T) {
	cfg := &Config{MaxConcurrent: 8, DispatchMode: DispatchModeConcurrent}
	assert.Equal(t, 8, cfg.EngineMaxConcurrent())

	cfg.DispatchMode = DispatchModeSequential
	assert.Equal(t, 1, cfg.EngineMaxConcurrent())
}

func TestConfig_String(t *testing.T) {
	cfg := &Config{
		MaxConcurrent: 4,
		RunnerWorkers: 2,
		DispatchMode:  DispatchModeConcurrent,
		Source:        ConfigSourceDefault,
	}
	s := cfg.String()
	assert.Contains(t, s, "MaxConcurrent: 4")
	assert.Contains(t, s, "DispatchMode: concurrent")
}

func TestGetOptimalConcurrency(t *testing.T) {
	cpus := runtime.GOMAXPROCS(0)
	assert.Equal(t, cpus*2, GetOptimalConcurrency(0))
	assert.Equal(t, cpus*5, GetOptimalConcurrency(5))
}

func TestGetEffectiveCPUs(t *testing.T) {
	assert.Equal(t, runtime.GOMAXPROCS(0), GetEffectiveCPUs())
}

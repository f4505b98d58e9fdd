package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// DispatchMode defines how invocations within a run are executed.
type DispatchMode string

const (
	DispatchModeConcurrent DispatchMode = "concurrent"
	DispatchModeSequential DispatchMode = "sequential"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// Config holds concurrency configuration parameters
type Config struct {
	// MaxConcurrent caps how many invocations a single run may execute at
	// once. It feeds the engine's run configuration.
	MaxConcurrent int

	// RunnerWorkers is the number of workers pulling and handling run
	// requests concurrently.
	RunnerWorkers int

	// DispatchMode selects concurrent or sequential invocation execution.
	// Sequential forces MaxConcurrent down to 1 at the engine boundary.
	DispatchMode DispatchMode

	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection > defaults
func LoadConfig() *Config {
	config := &Config{}

	// Detect if running in Kubernetes
	config.IsKubernetes = isKubernetes()

	// Get effective CPUs (respects cgroup limits)
	config.EffectiveCPUs = runtime.GOMAXPROCS(0)

	// Load MaxConcurrent with priority
	if maxConcurrent := getEnvInt("ARBOR_MAX_CONCURRENT", 0); maxConcurrent > 0 {
		config.MaxConcurrent = maxConcurrent
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("ARBOR_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.MaxConcurrent = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		// Auto-detect based on environment
		config.MaxConcurrent = getDefaultMaxConcurrent(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}

	// Ensure minimum value
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}

	// Load RunnerWorkers
	if workers := getEnvInt("ARBOR_RUNNER_WORKERS", 0); workers > 0 {
		config.RunnerWorkers = workers
	} else {
		config.RunnerWorkers = getDefaultRunnerWorkers(config.IsKubernetes, config.EffectiveCPUs)
	}

	// Load DispatchMode
	if mode := getEnv("ARBOR_DISPATCH_MODE", ""); mode != "" {
		config.DispatchMode = DispatchMode(strings.ToLower(mode))
	} else {
		config.DispatchMode = DispatchModeConcurrent
	}

	// Validate DispatchMode
	if config.DispatchMode != DispatchModeConcurrent && config.DispatchMode != DispatchModeSequential {
		config.DispatchMode = DispatchModeConcurrent
	}

	return config
}

// EngineMaxConcurrent returns the invocation concurrency cap to hand to the
// engine, honoring the dispatch mode.
func (c *Config) EngineMaxConcurrent() int {
	if c.DispatchMode == DispatchModeSequential {
		return 1
	}
	return c.MaxConcurrent
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	// Kubernetes sets this environment variable in all containers
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getDefaultMaxConcurrent returns sensible defaults based on environment
func getDefaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		// Conservative for Kubernetes to prevent resource exhaustion
		return cpus * 2
	}
	// More aggressive for bare metal
	return cpus * 4
}

// getDefaultRunnerWorkers returns sensible defaults for the runner worker pool
func getDefaultRunnerWorkers(isK8s bool, cpus int) int {
	if isK8s {
		// Conservative for Kubernetes
		return max(cpus, 4)
	}
	// More workers for bare metal
	return max(cpus*2, 8)
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, RunnerWorkers: %d, DispatchMode: %s, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.RunnerWorkers,
		c.DispatchMode,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}

// GetOptimalConcurrency calculates optimal concurrency for a given multiplier
func GetOptimalConcurrency(multiplier int) int {
	cpus := runtime.GOMAXPROCS(0)
	if multiplier <= 0 {
		multiplier = 2
	}
	return cpus * multiplier
}

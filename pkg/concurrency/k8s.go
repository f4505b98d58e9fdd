package concurrency

import (
	"log"
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
)

// InitializeForKubernetes aligns GOMAXPROCS with the container CPU quota.
// This should be called at the very start of main() before any other
// initialization so worker sizing sees the effective CPU count.
// Returns an undo function that restores the original GOMAXPROCS value.
func InitializeForKubernetes() func() {
	// Respects cgroup CPU limits, which is crucial under Kubernetes
	undo, err := maxprocs.Set(maxprocs.Logger(log.Printf))
	if err != nil {
		log.Printf("Failed to set maxprocs: %v", err)
		return func() {}
	}

	log.Printf("Concurrency initialized: GOMAXPROCS=%d", runtime.GOMAXPROCS(0))

	return undo
}

// GetEffectiveCPUs returns the effective number of CPUs available.
// This respects cgroup limits in containerized environments.
func GetEffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}

package runner

import internaltracing "github.com/wehubfusion/Arbor/internal/tracing"

// TracingConfig configures OTLP trace export for a runner. It mirrors the
// internal tracing configuration so callers outside the module can enable
// tracing without reaching into internal packages.
type TracingConfig struct {
	// ServiceName identifies this runner in trace backends.
	ServiceName string

	// ServiceVersion is recorded on the trace resource.
	ServiceVersion string

	// Environment tags spans (development, staging, production).
	Environment string

	// OTLPEndpoint is the host:port of an OTLP-HTTP collector.
	OTLPEndpoint string

	// SampleRatio is the fraction of runs to trace, 0.0 to 1.0.
	SampleRatio float64
}

// DefaultTracingConfig returns a development-friendly configuration
// exporting to a local collector with full sampling.
func DefaultTracingConfig(serviceName string) TracingConfig {
	defaults := internaltracing.DefaultConfig(serviceName)
	return TracingConfig{
		ServiceName:    defaults.ServiceName,
		ServiceVersion: defaults.ServiceVersion,
		Environment:    defaults.Environment,
		OTLPEndpoint:   defaults.OTLPEndpoint,
		SampleRatio:    defaults.SampleRatio,
	}
}

func (c TracingConfig) toInternalConfig() internaltracing.TracingConfig {
	return internaltracing.TracingConfig{
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Environment:    c.Environment,
		OTLPEndpoint:   c.OTLPEndpoint,
		SampleRatio:    c.SampleRatio,
	}
}

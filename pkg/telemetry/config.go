package telemetry

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "console" for human-readable output or "json".
	Format string `yaml:"format"`
}

// MetricsConfig controls Prometheus metrics collection.
type MetricsConfig struct {
	// Enabled turns metric collection on.
	Enabled bool `yaml:"enabled"`

	// Namespace is the metric name prefix.
	Namespace string `yaml:"namespace"`
}

// TracingConfig controls OpenTelemetry trace export.
type TracingConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled"`

	// Exporter is "stdout" or "none".
	Exporter string `yaml:"exporter"`
}

// DefaultConfig returns the telemetry defaults for a CLI run.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Metrics: MetricsConfig{Enabled: false, Namespace: "opsmith"},
		Tracing: TracingConfig{Enabled: false, Exporter: "none"},
	}
}

// Config bundles all telemetry configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

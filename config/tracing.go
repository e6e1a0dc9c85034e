package config

import "fmt"

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled bool `json:"enabled"`
	// Exporter is "stdout" or "noop".
	Exporter    string  `json:"exporter"`
	ServiceName string  `json:"service_name"`
	SampleRatio float64 `json:"sample_ratio"`
}

// SetDefaults fills unset fields.
func (c *TracingConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "ocppgw"
	}
	if c.SampleRatio == 0 {
		c.SampleRatio = 1
	}
}

// Validate checks the exporter name and sample ratio.
func (c TracingConfig) Validate() error {
	switch c.Exporter {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("tracing: unsupported exporter %q", c.Exporter)
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("tracing: sample_ratio must be within [0,1]")
	}
	return nil
}

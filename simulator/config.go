package simulator

import (
	"fmt"
	"time"
)

// Config holds parameters for simulated charge points.
type Config struct {
	// URL is the gateway endpoint without the station id, e.g. ws://localhost:9000/ocpp/.
	URL               string
	Subprotocol       string
	Count             int
	IDPrefix          string
	HeartbeatInterval time.Duration
	ReplyDelay        time.Duration
	DropRate          float64
	Vendor            string
	Model             string
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Subprotocol == "" {
		c.Subprotocol = "ocpp1.6"
	}
	if c.Count <= 0 {
		c.Count = 1
	}
	if c.IDPrefix == "" {
		c.IDPrefix = "cp"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.Vendor == "" {
		c.Vendor = "ocppgw"
	}
	if c.Model == "" {
		c.Model = "simulator"
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("simulator: url is required")
	}
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("simulator: drop rate must be within [0,1]")
	}
	return nil
}

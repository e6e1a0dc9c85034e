package ws

import (
	"fmt"
	"strings"
	"time"
)

// Config controls the station facing websocket endpoint.
type Config struct {
	Addr string `json:"addr"`
	// PathPrefix is stripped from the upgrade path; the final segment is the station id.
	PathPrefix         string   `json:"path_prefix"`
	Subprotocols       []string `json:"subprotocols"`
	RequireSubprotocol bool     `json:"require_subprotocol"`
	// OriginPatterns are passed to the websocket handshake for browser based clients.
	OriginPatterns []string      `json:"origin_patterns"`
	ReadLimit      int64         `json:"read_limit"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	// UpgradeRate is the number of upgrades per second allowed per remote IP.
	UpgradeRate  float64 `json:"upgrade_rate"`
	UpgradeBurst int     `json:"upgrade_burst"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":9000"
	}
	if c.PathPrefix == "" {
		c.PathPrefix = "/ocpp/"
	}
	if !strings.HasSuffix(c.PathPrefix, "/") {
		c.PathPrefix += "/"
	}
	if len(c.Subprotocols) == 0 {
		c.Subprotocols = []string{"ocpp1.6"}
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.UpgradeRate == 0 {
		c.UpgradeRate = 5
	}
	if c.UpgradeBurst == 0 {
		c.UpgradeBurst = 10
	}
}

// Validate checks the configuration after defaults are applied.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.PathPrefix, "/") {
		return fmt.Errorf("server: path_prefix must start with /")
	}
	if c.ReadLimit < 0 {
		return fmt.Errorf("server: read_limit must be positive")
	}
	if c.UpgradeRate < 0 || c.UpgradeBurst < 0 {
		return fmt.Errorf("server: upgrade_rate and upgrade_burst must be positive")
	}
	return nil
}

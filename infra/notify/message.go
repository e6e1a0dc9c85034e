// Package notify delivers station status changes to external systems.
package notify

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/kilianp07/ocppgw/core/station"
)

// DefaultTenant is used in topics and subjects of stations without a tenant.
const DefaultTenant = "default"

// StatusMessage is the JSON document published for a status change.
type StatusMessage struct {
	TenantID  string         `json:"tenant_id,omitempty"`
	StationID string         `json:"station_id"`
	Status    station.Status `json:"status"`
	Message   string         `json:"message,omitempty"`
	Time      time.Time      `json:"time"`
}

func encode(tenantID, stationID string, status station.Status, message string, now time.Time) ([]byte, error) {
	return json.Marshal(StatusMessage{TenantID: tenantID, StationID: stationID, Status: status, Message: message, Time: now.UTC()})
}

func tenantOrDefault(tenantID string) string {
	if tenantID == "" {
		return DefaultTenant
	}
	return tenantID
}

// token makes an identifier safe for use as one MQTT topic level or NATS
// subject token.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '.', '*', '>', '+', '#', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// Package station defines the persisted view of a charging station and the
// persistence and notification contracts the gateway consumes.
package station

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no station matches an external id.
var ErrNotFound = errors.New("station not found")

// Status is the availability reported for a station.
type Status string

const (
	StatusAvailable     Status = "Available"
	StatusPreparing     Status = "Preparing"
	StatusCharging      Status = "Charging"
	StatusSuspendedEVSE Status = "SuspendedEVSE"
	StatusSuspendedEV   Status = "SuspendedEV"
	StatusFinishing     Status = "Finishing"
	StatusReserved      Status = "Reserved"
	StatusUnavailable   Status = "Unavailable"
	StatusFaulted       Status = "Faulted"
)

// DiagnosticsStatus is the lifecycle of a diagnostics upload request.
type DiagnosticsStatus string

const (
	DiagnosticsPending   DiagnosticsStatus = "Pending"
	DiagnosticsCompleted DiagnosticsStatus = "Completed"
	DiagnosticsFailed    DiagnosticsStatus = "Failed"
)

// Diagnostics is the most recent diagnostics request of a station.
type Diagnostics struct {
	Location    string            `json:"location,omitempty"`
	FileName    string            `json:"file_name,omitempty"`
	Status      DiagnosticsStatus `json:"status"`
	RequestedAt time.Time         `json:"requested_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Station is the external record of a charging station.
type Station struct {
	ExternalID             string          `json:"external_id"`
	TenantID               string          `json:"tenant_id,omitempty"`
	Status                 Status          `json:"status"`
	LastHeartbeat          *time.Time      `json:"last_heartbeat,omitempty"`
	Configuration          json.RawMessage `json:"configuration,omitempty"`
	ConfigurationUpdatedAt *time.Time      `json:"configuration_updated_at,omitempty"`
	Diagnostics            *Diagnostics    `json:"diagnostics,omitempty"`
}

// Store persists station state. Every method is one short unit of work;
// concurrent writers are not coordinated and the last write wins.
type Store interface {
	FindByExternalID(ctx context.Context, id string) (Station, error)
	// UpdateStatus sets the status and last heartbeat. A nil heartbeat clears it.
	UpdateStatus(ctx context.Context, id string, status Status, heartbeat *time.Time) error
	UpdateConfiguration(ctx context.Context, id string, cfg json.RawMessage, at time.Time) error
	// UpdateLatestDiagnostics transitions the most recent diagnostics request,
	// creating one when the station has none.
	UpdateLatestDiagnostics(ctx context.Context, id string, fileName *string, status DiagnosticsStatus, completedAt *time.Time) error
	CreateDiagnosticsRequest(ctx context.Context, id, location string, at time.Time) error
	Save(ctx context.Context, st Station) error
}

// Package response applies the side effects of CALLRESULT and CALLERROR
// frames answering server initiated commands. Processing is best effort:
// failures are logged and never reach the receive loop.
package response

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kilianp07/ocppgw/core/logger"
	"github.com/kilianp07/ocppgw/core/monitoring"
	"github.com/kilianp07/ocppgw/core/ocpp"
	"github.com/kilianp07/ocppgw/core/station"
)

// Processor persists the outcome of command responses.
type Processor struct {
	store station.Store
	log   logger.Logger
	now   func() time.Time
}

// NewProcessor creates a Processor writing to store.
func NewProcessor(store station.Store, log logger.Logger) *Processor {
	return &Processor{store: store, log: log, now: time.Now}
}

// Process handles the CALLRESULT payload of action sent to stationID.
func (p *Processor) Process(ctx context.Context, stationID, action string, payload json.RawMessage) {
	defer p.recoverPanic(stationID, action)
	var err error
	switch action {
	case ocpp.ActionGetConfiguration:
		err = p.getConfiguration(ctx, stationID, payload)
	case ocpp.ActionGetDiagnostics:
		err = p.getDiagnostics(ctx, stationID, payload)
	case ocpp.ActionChangeConfiguration:
		err = p.logStatus(stationID, action, payload, &ocpp.ChangeConfigurationResponse{})
	case ocpp.ActionRemoteStartTransaction, ocpp.ActionRemoteStopTransaction:
		err = p.logStatus(stationID, action, payload, &ocpp.RemoteTransactionResponse{})
	default:
		p.log.Debugf("no processor for %s result from %s", action, stationID)
	}
	if err != nil {
		p.log.Errorf("process %s result from %s: %v", action, stationID, err)
	}
}

// ProcessError handles a CALLERROR answering action. A failed GetDiagnostics
// marks the latest diagnostics request Failed; other actions are logged.
func (p *Processor) ProcessError(ctx context.Context, stationID, action string, perr *ocpp.Error) {
	defer p.recoverPanic(stationID, action)
	p.log.Warnf("%s rejected by %s: %v", action, stationID, perr)
	if action != ocpp.ActionGetDiagnostics {
		return
	}
	now := p.now()
	if err := p.store.UpdateLatestDiagnostics(ctx, stationID, nil, station.DiagnosticsFailed, &now); err != nil {
		p.log.Errorf("mark diagnostics of %s failed: %v", stationID, err)
	}
}

func (p *Processor) recoverPanic(stationID, action string) {
	if r := recover(); r != nil {
		err := fmt.Errorf("panic processing %s from %s: %v", action, stationID, r)
		p.log.Errorf("%v", err)
		monitoring.CaptureException(err, map[string]string{"module": "response", "station_id": stationID, "action": action})
	}
}

func (p *Processor) getConfiguration(ctx context.Context, stationID string, payload json.RawMessage) error {
	var resp ocpp.GetConfigurationResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if len(resp.UnknownKey) > 0 {
		p.log.Infof("station %s does not know keys %v", stationID, resp.UnknownKey)
	}
	if len(resp.ConfigurationKey) == 0 {
		p.log.Infof("station %s reported an empty configuration", stationID)
		return nil
	}
	cfg, err := json.Marshal(resp.ConfigurationKey)
	if err != nil {
		return err
	}
	if err := p.store.UpdateConfiguration(ctx, stationID, cfg, p.now()); err != nil {
		return fmt.Errorf("update configuration: %w", err)
	}
	p.log.Debugw("configuration stored", map[string]any{"station_id": stationID, "keys": len(resp.ConfigurationKey)})
	return nil
}

func (p *Processor) getDiagnostics(ctx context.Context, stationID string, payload json.RawMessage) error {
	var resp ocpp.GetDiagnosticsResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if resp.FileName == "" {
		// Nothing to upload yet.
		return p.store.UpdateLatestDiagnostics(ctx, stationID, nil, station.DiagnosticsPending, nil)
	}
	now := p.now()
	name := resp.FileName
	if err := p.store.UpdateLatestDiagnostics(ctx, stationID, &name, station.DiagnosticsCompleted, &now); err != nil {
		return fmt.Errorf("update diagnostics: %w", err)
	}
	p.log.Infof("station %s uploads diagnostics as %s", stationID, name)
	return nil
}

func (p *Processor) logStatus(stationID, action string, payload json.RawMessage, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	var status string
	switch v := out.(type) {
	case *ocpp.ChangeConfigurationResponse:
		status = v.Status
	case *ocpp.RemoteTransactionResponse:
		status = v.Status
	}
	p.log.Infof("%s on %s: %s", action, stationID, status)
	return nil
}

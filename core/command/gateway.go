// Package command sends server initiated CALLs to connected stations.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kilianp07/ocppgw/core/correlation"
	"github.com/kilianp07/ocppgw/core/logger"
	"github.com/kilianp07/ocppgw/core/metrics"
	"github.com/kilianp07/ocppgw/core/ocpp"
	"github.com/kilianp07/ocppgw/core/registry"
	"github.com/kilianp07/ocppgw/core/station"
)

// Gateway issues commands and tracks them until the station answers.
type Gateway struct {
	reg     *registry.Registry
	tracker *correlation.Tracker
	store   station.Store
	sink    metrics.MetricsSink
	log     logger.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewGateway wires a Gateway. A nil sink disables metrics.
func NewGateway(reg *registry.Registry, tracker *correlation.Tracker, store station.Store, sink metrics.MetricsSink, log logger.Logger) *Gateway {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Gateway{
		reg:     reg,
		tracker: tracker,
		store:   store,
		sink:    sink,
		log:     log,
		tracer:  otel.Tracer("ocppgw/command"),
		now:     time.Now,
	}
}

// Send writes a CALL for action to stationID and returns its pending
// handle without waiting for the response. It fails with
// registry.ErrNoActiveConnection, creating no pending entry, when the
// station has no live connection.
func (g *Gateway) Send(ctx context.Context, stationID, action string, payload any) (*correlation.Pending, error) {
	ctx, span := g.tracer.Start(ctx, "ocpp.command "+action, trace.WithAttributes(
		attribute.String("ocpp.station_id", stationID),
		attribute.String("ocpp.action", action),
	))
	defer span.End()

	p, err := g.send(ctx, stationID, action, payload)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("ocpp.message_id", p.ID))
	return p, nil
}

func (g *Gateway) send(ctx context.Context, stationID, action string, payload any) (*correlation.Pending, error) {
	if !g.reg.IsLive(stationID) {
		return nil, fmt.Errorf("station %s: %w", stationID, registry.ErrNoActiveConnection)
	}
	raw, err := ocpp.MarshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", action, err)
	}
	if action == ocpp.ActionGetDiagnostics {
		if err := g.recordDiagnosticsRequest(ctx, stationID, raw); err != nil {
			return nil, err
		}
	}
	p := g.tracker.Begin(stationID, action)
	msg, err := ocpp.EncodeCallWithID(p.ID, action, raw)
	if err != nil {
		g.tracker.Cancel(p.ID)
		if action == ocpp.ActionGetDiagnostics {
			g.failDiagnosticsRequest(ctx, stationID)
		}
		return nil, err
	}
	if err := g.reg.Send(ctx, stationID, msg); err != nil {
		g.tracker.Cancel(p.ID)
		if action == ocpp.ActionGetDiagnostics {
			g.failDiagnosticsRequest(ctx, stationID)
		}
		g.record(metrics.CommandEvent{StationID: stationID, Action: action, MessageID: p.ID, Outcome: metrics.OutcomeSendFailed, Time: g.now()})
		return nil, err
	}
	if err := g.sink.RecordFrame(metrics.FrameEvent{StationID: stationID, Direction: metrics.Outbound, Type: ocpp.CallType.String(), Action: action, Time: g.now()}); err != nil {
		g.log.Debugf("record frame: %v", err)
	}
	g.log.Debugf("sent %s %s to %s", action, p.ID, stationID)
	return p, nil
}

func (g *Gateway) recordDiagnosticsRequest(ctx context.Context, stationID string, raw json.RawMessage) error {
	var req ocpp.GetDiagnosticsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode %s payload: %w", ocpp.ActionGetDiagnostics, err)
	}
	if err := g.store.CreateDiagnosticsRequest(ctx, stationID, req.Location, g.now()); err != nil {
		return fmt.Errorf("record diagnostics request: %w", err)
	}
	return nil
}

// failDiagnosticsRequest closes the request recorded for a CALL that never
// reached the station.
func (g *Gateway) failDiagnosticsRequest(ctx context.Context, stationID string) {
	now := g.now()
	if err := g.store.UpdateLatestDiagnostics(ctx, stationID, nil, station.DiagnosticsFailed, &now); err != nil {
		g.log.Warnf("mark diagnostics request of %s failed: %v", stationID, err)
	}
}

func (g *Gateway) record(ev metrics.CommandEvent) {
	if rec, ok := g.sink.(metrics.CommandRecorder); ok {
		if err := rec.RecordCommand(ev); err != nil {
			g.log.Debugf("record command: %v", err)
		}
	}
}

// Call sends the command and waits for its outcome. A CALLERROR is returned
// as *ocpp.Error. When ctx ends first the request stays pending so a late
// response is still processed.
func (g *Gateway) Call(ctx context.Context, stationID, action string, payload any) (json.RawMessage, error) {
	p, err := g.Send(ctx, stationID, action, payload)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// GetConfiguration requests the given keys, or all keys when none are given.
func (g *Gateway) GetConfiguration(ctx context.Context, stationID string, keys ...string) (*correlation.Pending, error) {
	return g.Send(ctx, stationID, ocpp.ActionGetConfiguration, ocpp.GetConfigurationRequest{Key: keys})
}

// ChangeConfiguration sets one configuration key.
func (g *Gateway) ChangeConfiguration(ctx context.Context, stationID, key, value string) (*correlation.Pending, error) {
	return g.Send(ctx, stationID, ocpp.ActionChangeConfiguration, ocpp.ChangeConfigurationRequest{Key: key, Value: value})
}

// GetDiagnostics asks the station to upload diagnostics to location. A
// Pending diagnostics request is recorded before the CALL is written.
func (g *Gateway) GetDiagnostics(ctx context.Context, stationID, location string, start, stop *time.Time) (*correlation.Pending, error) {
	req := ocpp.GetDiagnosticsRequest{Location: location}
	if start != nil {
		req.StartTime = ocpp.NewDateTime(*start)
	}
	if stop != nil {
		req.StopTime = ocpp.NewDateTime(*stop)
	}
	return g.Send(ctx, stationID, ocpp.ActionGetDiagnostics, req)
}

// RemoteStartTransaction starts a transaction for idTag, optionally on a
// specific connector.
func (g *Gateway) RemoteStartTransaction(ctx context.Context, stationID, idTag string, connectorID *int) (*correlation.Pending, error) {
	return g.Send(ctx, stationID, ocpp.ActionRemoteStartTransaction, ocpp.RemoteStartTransactionRequest{IDTag: idTag, ConnectorID: connectorID})
}

// RemoteStopTransaction stops a running transaction.
func (g *Gateway) RemoteStopTransaction(ctx context.Context, stationID string, transactionID int) (*correlation.Pending, error) {
	return g.Send(ctx, stationID, ocpp.ActionRemoteStopTransaction, ocpp.RemoteStopTransactionRequest{TransactionID: transactionID})
}

// Package inbound answers CALL frames initiated by stations by delegating
// them to a MessageHandler.
package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kilianp07/ocppgw/core/logger"
	"github.com/kilianp07/ocppgw/core/monitoring"
	"github.com/kilianp07/ocppgw/core/ocpp"
)

// MessageHandler processes the payload of a station initiated CALL. The
// returned value is marshalled as the CALLRESULT payload. Returning an
// *ocpp.Error answers with that code; any other error answers InternalError.
type MessageHandler interface {
	Handle(ctx context.Context, stationID, action string, payload json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to MessageHandler.
type HandlerFunc func(ctx context.Context, stationID, action string, payload json.RawMessage) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, stationID, action string, payload json.RawMessage) (any, error) {
	return f(ctx, stationID, action, payload)
}

// Dispatcher turns a CALL into its reply frame.
type Dispatcher struct {
	handler MessageHandler
	log     logger.Logger
	tracer  trace.Tracer
}

// NewDispatcher creates a Dispatcher delegating to h.
func NewDispatcher(h MessageHandler, log logger.Logger) *Dispatcher {
	return &Dispatcher{handler: h, log: log, tracer: otel.Tracer("ocppgw/inbound")}
}

// Dispatch runs the handler for call and returns a *ocpp.CallResult or a
// *ocpp.CallError carrying the same message id. It never panics.
func (d *Dispatcher) Dispatch(ctx context.Context, stationID string, call *ocpp.Call) ocpp.Frame {
	ctx, span := d.tracer.Start(ctx, "ocpp.inbound "+call.Action, trace.WithAttributes(
		attribute.String("ocpp.station_id", stationID),
		attribute.String("ocpp.action", call.Action),
		attribute.String("ocpp.message_id", call.ID),
	))
	defer span.End()

	res, err := d.invoke(ctx, stationID, call)
	if err == nil {
		payload, merr := ocpp.MarshalPayload(res)
		if merr == nil {
			span.SetStatus(codes.Ok, "")
			return &ocpp.CallResult{ID: call.ID, Payload: payload}
		}
		err = fmt.Errorf("marshal %s response: %w", call.Action, merr)
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	var perr *ocpp.Error
	if errors.As(err, &perr) {
		d.log.Debugf("%s from %s answered with %s: %s", call.Action, stationID, perr.Code, perr.Description)
		return &ocpp.CallError{ID: call.ID, Code: perr.Code, Description: perr.Description}
	}
	d.log.Errorf("handle %s from %s: %v", call.Action, stationID, err)
	monitoring.CaptureException(err, map[string]string{
		"module":     "inbound",
		"station_id": stationID,
		"action":     call.Action,
	})
	return &ocpp.CallError{ID: call.ID, Code: ocpp.InternalError, Description: err.Error()}
}

func (d *Dispatcher) invoke(ctx context.Context, stationID string, call *ocpp.Call) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.handler.Handle(ctx, stationID, call.Action, call.Payload)
}

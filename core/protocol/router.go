// Package protocol routes the frames read from one station connection.
package protocol

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/ocppgw/core/correlation"
	"github.com/kilianp07/ocppgw/core/inbound"
	"github.com/kilianp07/ocppgw/core/logger"
	"github.com/kilianp07/ocppgw/core/metrics"
	"github.com/kilianp07/ocppgw/core/ocpp"
	"github.com/kilianp07/ocppgw/core/response"
)

// Router handles one inbound text message at a time. CALLs go to the
// dispatcher; CALLRESULT and CALLERROR frames complete pending requests.
type Router struct {
	dispatcher *inbound.Dispatcher
	tracker    *correlation.Tracker
	processor  *response.Processor
	sink       metrics.MetricsSink
	log        logger.Logger
	now        func() time.Time
}

// NewRouter creates a Router. A nil sink disables metrics.
func NewRouter(d *inbound.Dispatcher, tracker *correlation.Tracker, p *response.Processor, sink metrics.MetricsSink, log logger.Logger) *Router {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Router{dispatcher: d, tracker: tracker, processor: p, sink: sink, log: log, now: time.Now}
}

// HandleMessage processes data received from stationID and returns the
// frame to write back, or nil when nothing must be sent.
func (r *Router) HandleMessage(ctx context.Context, stationID string, data []byte) []byte {
	frame, err := ocpp.Parse(data)
	if err != nil {
		return r.rejectMalformed(stationID, err)
	}
	switch f := frame.(type) {
	case *ocpp.Call:
		r.recordFrame(stationID, metrics.Inbound, f.MessageType(), f.Action, "")
		reply := r.dispatcher.Dispatch(ctx, stationID, f)
		return r.encodeReply(stationID, f.Action, reply)
	case *ocpp.CallResult:
		r.handleResult(ctx, stationID, f)
	case *ocpp.CallError:
		r.handleError(ctx, stationID, f)
	}
	return nil
}

func (r *Router) rejectMalformed(stationID string, err error) []byte {
	var perr *ocpp.Error
	if !errors.As(err, &perr) {
		perr = &ocpp.Error{Code: ocpp.FormationViolation, Description: err.Error()}
	}
	r.log.Warnf("malformed frame from %s: %v", stationID, perr)
	r.recordFrame(stationID, metrics.Inbound, 0, "", perr.Code)
	out, encErr := ocpp.EncodeCallError(perr.MessageID, perr.Code, perr.Description)
	if encErr != nil {
		r.log.Errorf("encode error reply for %s: %v", stationID, encErr)
		return nil
	}
	r.recordFrame(stationID, metrics.Outbound, ocpp.CallErrorType, "", perr.Code)
	return out
}

func (r *Router) encodeReply(stationID, action string, reply ocpp.Frame) []byte {
	out, err := ocpp.Encode(reply)
	if err != nil {
		// A reply that cannot be encoded still owes the station an answer.
		r.log.Errorf("encode %s reply for %s: %v", action, stationID, err)
		out, err = ocpp.EncodeCallError(reply.MessageID(), ocpp.InternalError, "response encoding failed")
		if err != nil {
			return nil
		}
		reply = &ocpp.CallError{ID: reply.MessageID(), Code: ocpp.InternalError}
	}
	var code ocpp.ErrorCode
	if ce, ok := reply.(*ocpp.CallError); ok {
		code = ce.Code
	}
	r.recordFrame(stationID, metrics.Outbound, reply.MessageType(), action, code)
	return out
}

func (r *Router) handleResult(ctx context.Context, stationID string, f *ocpp.CallResult) {
	p, ok := r.tracker.Complete(stationID, f.ID)
	if !ok {
		r.recordFrame(stationID, metrics.Inbound, f.MessageType(), "", "")
		r.log.Warnf("unmatched CALLRESULT %s from %s", f.ID, stationID)
		return
	}
	r.recordFrame(stationID, metrics.Inbound, f.MessageType(), p.Action, "")
	r.processor.Process(ctx, stationID, p.Action, f.Payload)
	p.Resolve(correlation.Result{Payload: f.Payload})
	r.recordCommand(p, metrics.OutcomeResult)
}

func (r *Router) handleError(ctx context.Context, stationID string, f *ocpp.CallError) {
	p, ok := r.tracker.Complete(stationID, f.ID)
	if !ok {
		r.recordFrame(stationID, metrics.Inbound, f.MessageType(), "", f.Code)
		r.log.Warnf("unmatched CALLERROR %s from %s: %s", f.ID, stationID, f.Code)
		return
	}
	r.recordFrame(stationID, metrics.Inbound, f.MessageType(), p.Action, f.Code)
	perr := f.Err()
	r.processor.ProcessError(ctx, stationID, p.Action, perr)
	p.Resolve(correlation.Result{Err: perr})
	r.recordCommand(p, metrics.OutcomeError)
}

func (r *Router) recordFrame(stationID string, dir metrics.Direction, t ocpp.MessageType, action string, code ocpp.ErrorCode) {
	typ := "MALFORMED"
	if t != 0 {
		typ = t.String()
	}
	ev := metrics.FrameEvent{StationID: stationID, Direction: dir, Type: typ, Action: action, ErrorCode: string(code), Time: r.now()}
	if err := r.sink.RecordFrame(ev); err != nil {
		r.log.Debugf("record frame: %v", err)
	}
}

func (r *Router) recordCommand(p *correlation.Pending, outcome string) {
	rec, ok := r.sink.(metrics.CommandRecorder)
	if !ok {
		return
	}
	now := r.now()
	ev := metrics.CommandEvent{StationID: p.StationID, Action: p.Action, MessageID: p.ID, Outcome: outcome, Latency: now.Sub(p.Created), Time: now}
	if err := rec.RecordCommand(ev); err != nil {
		r.log.Debugf("record command: %v", err)
	}
}

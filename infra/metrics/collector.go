package metrics

import (
	"context"

	coremetrics "github.com/kilianp07/ocppgw/core/metrics"
	"github.com/kilianp07/ocppgw/core/session"
	"github.com/kilianp07/ocppgw/infra/logger"
	"github.com/kilianp07/ocppgw/internal/eventbus"
)

// StartEventCollector subscribes to the connection event bus and records a
// ConnectionEvent for each one. active reports the number of registered
// stations at the time of the event. It stops when the context is canceled
// or the bus is closed.
func StartEventCollector(ctx context.Context, bus *eventbus.Bus[session.Event], sink coremetrics.MetricsSink, active func() int, log logger.Logger) {
	if bus == nil || sink == nil {
		return
	}
	rec, ok := sink.(coremetrics.ConnectionRecorder)
	if !ok {
		return
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	sub := bus.Subscribe()
	go func() {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub:
				if !ok {
					return
				}
				n := 0
				if active != nil {
					n = active()
				}
				err := rec.RecordConnection(coremetrics.ConnectionEvent{
					StationID: ev.StationID,
					Connected: ev.Kind == session.Connected,
					Active:    n,
					Reason:    ev.Reason,
					Time:      ev.Time,
				})
				if err != nil {
					log.Warnf("record connection %s: %v", ev.StationID, err)
				}
			}
		}
	}()
}

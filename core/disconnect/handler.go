// Package disconnect reconciles persisted station state when a connection
// closes.
package disconnect

import (
	"context"
	"errors"

	"github.com/kilianp07/ocppgw/core/logger"
	"github.com/kilianp07/ocppgw/core/registry"
	"github.com/kilianp07/ocppgw/core/station"
)

// Handler runs once per closed connection.
type Handler struct {
	reg      *registry.Registry
	store    station.Store
	notifier station.Notifier
	log      logger.Logger
}

// New creates a Handler. A nil notifier is replaced by station.NopNotifier.
func New(reg *registry.Registry, store station.Store, notifier station.Notifier, log logger.Logger) *Handler {
	if notifier == nil {
		notifier = station.NopNotifier{}
	}
	return &Handler{reg: reg, store: store, notifier: notifier, log: log}
}

// HandleClosed evicts ch from the registry and marks the station
// Unavailable. When the station already reconnected on a newer channel
// nothing else happens. A station that is already Unavailable is left as is
// and no notification is sent, so repeated closes notify at most once.
func (h *Handler) HandleClosed(ctx context.Context, stationID string, ch registry.Channel, reason string) {
	if !h.reg.Release(stationID, ch) {
		if _, ok := h.reg.Get(stationID); ok {
			h.log.Infof("station %s closed a superseded connection (%s)", stationID, reason)
			return
		}
	}

	st, err := h.store.FindByExternalID(ctx, stationID)
	if err != nil {
		if errors.Is(err, station.ErrNotFound) {
			h.log.Warnf("disconnected station %s has no record", stationID)
		} else {
			h.log.Errorf("load station %s after disconnect: %v", stationID, err)
		}
		return
	}
	if st.Status == station.StatusUnavailable {
		h.log.Debugf("station %s already unavailable", stationID)
		return
	}
	if err := h.store.UpdateStatus(ctx, stationID, station.StatusUnavailable, nil); err != nil {
		h.log.Errorf("mark station %s unavailable: %v", stationID, err)
		return
	}
	h.log.Infof("station %s disconnected: %s", stationID, reason)
	if err := h.notifier.NotifyStatusChanged(ctx, st.TenantID, stationID, station.StatusUnavailable, reason); err != nil {
		h.log.Warnf("notify disconnect of %s: %v", stationID, err)
	}
}

package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/kilianp07/ocppgw/core/logger"
	"github.com/kilianp07/ocppgw/core/ocpp"
	"github.com/kilianp07/ocppgw/core/station"
)

// BasicConfig configures BasicHandler.
type BasicConfig struct {
	// HeartbeatInterval is returned in BootNotification responses, in seconds.
	HeartbeatInterval int `json:"heartbeat_interval"`
	// AutoRegister creates unknown stations on BootNotification instead of
	// rejecting them.
	AutoRegister bool `json:"auto_register"`
	// DefaultTenant is assigned to auto registered stations.
	DefaultTenant string `json:"default_tenant"`
}

// SetDefaults applies fallback values for optional fields.
func (c *BasicConfig) SetDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 300
	}
}

// BasicHandler is a minimal MessageHandler for standalone deployments. It
// keeps the station record in step with BootNotification, Heartbeat and
// StatusNotification and refuses every other action with NotImplemented.
type BasicHandler struct {
	cfg      BasicConfig
	store    station.Store
	notifier station.Notifier
	log      logger.Logger
	now      func() time.Time
}

// NewBasicHandler creates a BasicHandler. A nil notifier disables status
// change notifications.
func NewBasicHandler(cfg BasicConfig, store station.Store, notifier station.Notifier, log logger.Logger) *BasicHandler {
	cfg.SetDefaults()
	if notifier == nil {
		notifier = station.NopNotifier{}
	}
	return &BasicHandler{cfg: cfg, store: store, notifier: notifier, log: log, now: time.Now}
}

func (h *BasicHandler) Handle(ctx context.Context, stationID, action string, payload json.RawMessage) (any, error) {
	switch action {
	case ocpp.ActionBootNotification:
		return h.bootNotification(ctx, stationID, payload)
	case ocpp.ActionHeartbeat:
		return h.heartbeat(ctx, stationID)
	case ocpp.ActionStatusNotification:
		return h.statusNotification(ctx, stationID, payload)
	default:
		return nil, ocpp.NewError(ocpp.NotImplemented, "action %s is not supported", action)
	}
}

func (h *BasicHandler) bootNotification(ctx context.Context, stationID string, payload json.RawMessage) (any, error) {
	var req ocpp.BootNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.FormationViolation, "invalid BootNotification payload: %v", err)
	}
	now := h.now().UTC()
	resp := ocpp.BootNotificationResponse{Status: "Accepted", CurrentTime: ocpp.DateTime{Time: now}, Interval: h.cfg.HeartbeatInterval}

	_, err := h.store.FindByExternalID(ctx, stationID)
	switch {
	case errors.Is(err, station.ErrNotFound):
		if !h.cfg.AutoRegister {
			h.log.Warnf("rejecting boot of unknown station %s", stationID)
			resp.Status = "Rejected"
			return resp, nil
		}
		st := station.Station{ExternalID: stationID, TenantID: h.cfg.DefaultTenant, Status: station.StatusAvailable, LastHeartbeat: &now}
		if err := h.store.Save(ctx, st); err != nil {
			return nil, err
		}
		h.log.Infof("registered station %s (%s %s)", stationID, req.ChargePointVendor, req.ChargePointModel)
	case err != nil:
		return nil, err
	default:
		if err := h.store.UpdateStatus(ctx, stationID, station.StatusAvailable, &now); err != nil {
			return nil, err
		}
		h.log.Infof("station %s booted (%s %s)", stationID, req.ChargePointVendor, req.ChargePointModel)
	}
	return resp, nil
}

func (h *BasicHandler) heartbeat(ctx context.Context, stationID string) (any, error) {
	now := h.now().UTC()
	st, err := h.store.FindByExternalID(ctx, stationID)
	if err != nil {
		// The station still gets its time reference.
		h.log.Debugf("heartbeat from %s not recorded: %v", stationID, err)
		return ocpp.HeartbeatResponse{CurrentTime: ocpp.DateTime{Time: now}}, nil
	}
	if err := h.store.UpdateStatus(ctx, stationID, st.Status, &now); err != nil {
		h.log.Warnf("record heartbeat of %s: %v", stationID, err)
	}
	return ocpp.HeartbeatResponse{CurrentTime: ocpp.DateTime{Time: now}}, nil
}

func (h *BasicHandler) statusNotification(ctx context.Context, stationID string, payload json.RawMessage) (any, error) {
	var req ocpp.StatusNotificationRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.FormationViolation, "invalid StatusNotification payload: %v", err)
	}
	if req.Status == "" {
		return nil, ocpp.NewError(ocpp.OccurrenceConstraintViolation, "status is required")
	}
	// Only connector 0 describes the station as a whole.
	if req.ConnectorID != 0 {
		h.log.Debugf("station %s connector %d is %s", stationID, req.ConnectorID, req.Status)
		return struct{}{}, nil
	}
	st, err := h.store.FindByExternalID(ctx, stationID)
	if err != nil {
		h.log.Warnf("status of %s not recorded: %v", stationID, err)
		return struct{}{}, nil
	}
	status := station.Status(req.Status)
	if st.Status == status {
		return struct{}{}, nil
	}
	if err := h.store.UpdateStatus(ctx, stationID, status, st.LastHeartbeat); err != nil {
		return nil, err
	}
	if err := h.notifier.NotifyStatusChanged(ctx, st.TenantID, stationID, status, req.Info); err != nil {
		h.log.Warnf("notify status of %s: %v", stationID, err)
	}
	return struct{}{}, nil
}

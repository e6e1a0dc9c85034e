package inbound

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ocppgw/core/ocpp"
	"github.com/kilianp07/ocppgw/core/station"
	"github.com/kilianp07/ocppgw/infra/logger"
)

type statusCall struct {
	tenant, station string
	status          station.Status
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []statusCall
}

func (f *fakeNotifier) NotifyStatusChanged(_ context.Context, tenantID, stationID string, status station.Status, _ string) error {
	f.mu.Lock()
	f.calls = append(f.calls, statusCall{tenantID, stationID, status})
	f.mu.Unlock()
	return nil
}

var fixedNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func newBasic(t *testing.T, cfg BasicConfig) (*BasicHandler, *station.MemoryStore, *fakeNotifier) {
	t.Helper()
	store := station.NewMemoryStore()
	n := &fakeNotifier{}
	h := NewBasicHandler(cfg, store, n, logger.NopLogger{})
	h.now = func() time.Time { return fixedNow }
	return h, store, n
}

// Heartbeat answered on the same id with the current time in UTC.
func TestHeartbeatReply(t *testing.T) {
	h, store, _ := newBasic(t, BasicConfig{})
	require.NoError(t, store.Save(context.Background(), station.Station{ExternalID: "CP001", Status: station.StatusCharging}))
	d := NewDispatcher(h, logger.NopLogger{})

	f := d.Dispatch(context.Background(), "CP001", call("msg-1", ocpp.ActionHeartbeat, `{}`))
	out, err := ocpp.Encode(f)
	require.NoError(t, err)
	assert.Equal(t, `[3,"msg-1",{"currentTime":"2025-01-01T00:00:00Z"}]`, string(out))

	st, err := store.FindByExternalID(context.Background(), "CP001")
	require.NoError(t, err)
	assert.Equal(t, station.StatusCharging, st.Status)
	require.NotNil(t, st.LastHeartbeat)
	assert.True(t, st.LastHeartbeat.Equal(fixedNow))
}

func TestHeartbeatUnknownStation(t *testing.T) {
	h, _, _ := newBasic(t, BasicConfig{})
	res, err := h.Handle(context.Background(), "ghost", ocpp.ActionHeartbeat, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, fixedNow.Equal(res.(ocpp.HeartbeatResponse).CurrentTime.Time))
}

func TestBootNotification(t *testing.T) {
	payload := json.RawMessage(`{"chargePointVendor":"ACME","chargePointModel":"X1"}`)

	h, store, _ := newBasic(t, BasicConfig{})
	res, err := h.Handle(context.Background(), "CP001", ocpp.ActionBootNotification, payload)
	require.NoError(t, err)
	assert.Equal(t, "Rejected", res.(ocpp.BootNotificationResponse).Status)
	_, err = store.FindByExternalID(context.Background(), "CP001")
	assert.ErrorIs(t, err, station.ErrNotFound)

	h, store, _ = newBasic(t, BasicConfig{AutoRegister: true, DefaultTenant: "t1", HeartbeatInterval: 60})
	res, err = h.Handle(context.Background(), "CP001", ocpp.ActionBootNotification, payload)
	require.NoError(t, err)
	boot := res.(ocpp.BootNotificationResponse)
	assert.Equal(t, "Accepted", boot.Status)
	assert.Equal(t, 60, boot.Interval)
	st, err := store.FindByExternalID(context.Background(), "CP001")
	require.NoError(t, err)
	assert.Equal(t, "t1", st.TenantID)
	assert.Equal(t, station.StatusAvailable, st.Status)

	require.NoError(t, store.UpdateStatus(context.Background(), "CP001", station.StatusUnavailable, nil))
	_, err = h.Handle(context.Background(), "CP001", ocpp.ActionBootNotification, payload)
	require.NoError(t, err)
	st, _ = store.FindByExternalID(context.Background(), "CP001")
	assert.Equal(t, station.StatusAvailable, st.Status)
	require.NotNil(t, st.LastHeartbeat)
}

func TestBootNotificationInvalidPayload(t *testing.T) {
	h, _, _ := newBasic(t, BasicConfig{})
	_, err := h.Handle(context.Background(), "CP001", ocpp.ActionBootNotification, json.RawMessage(`{"chargePointVendor":1}`))
	var perr *ocpp.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ocpp.FormationViolation, perr.Code)
}

func TestStatusNotification(t *testing.T) {
	h, store, n := newBasic(t, BasicConfig{})
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, station.Station{ExternalID: "CP001", TenantID: "t1", Status: station.StatusAvailable}))

	_, err := h.Handle(ctx, "CP001", ocpp.ActionStatusNotification, json.RawMessage(`{"connectorId":1,"errorCode":"NoError","status":"Charging"}`))
	require.NoError(t, err)
	st, _ := store.FindByExternalID(ctx, "CP001")
	assert.Equal(t, station.StatusAvailable, st.Status, "connector status must not change the station")

	_, err = h.Handle(ctx, "CP001", ocpp.ActionStatusNotification, json.RawMessage(`{"connectorId":0,"errorCode":"NoError","status":"Faulted"}`))
	require.NoError(t, err)
	st, _ = store.FindByExternalID(ctx, "CP001")
	assert.Equal(t, station.StatusFaulted, st.Status)
	require.Len(t, n.calls, 1)
	assert.Equal(t, statusCall{"t1", "CP001", station.StatusFaulted}, n.calls[0])

	// unchanged status is not notified again
	_, err = h.Handle(ctx, "CP001", ocpp.ActionStatusNotification, json.RawMessage(`{"connectorId":0,"errorCode":"NoError","status":"Faulted"}`))
	require.NoError(t, err)
	assert.Len(t, n.calls, 1)

	_, err = h.Handle(ctx, "CP001", ocpp.ActionStatusNotification, json.RawMessage(`{"connectorId":0}`))
	var perr *ocpp.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ocpp.OccurrenceConstraintViolation, perr.Code)
}

func TestUnsupportedActionNotImplemented(t *testing.T) {
	h, _, _ := newBasic(t, BasicConfig{})
	d := NewDispatcher(h, logger.NopLogger{})
	ce, ok := d.Dispatch(context.Background(), "CP001", call("m9", "MeterValues", `{}`)).(*ocpp.CallError)
	require.True(t, ok)
	assert.Equal(t, "m9", ce.ID)
	assert.Equal(t, ocpp.NotImplemented, ce.Code)
}

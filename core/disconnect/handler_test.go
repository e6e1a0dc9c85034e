package disconnect

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ocppgw/core/registry"
	"github.com/kilianp07/ocppgw/core/station"
	"github.com/kilianp07/ocppgw/infra/logger"
)

type fakeChannel struct{ closed bool }

func (*fakeChannel) Send(context.Context, []byte) error { return nil }
func (*fakeChannel) Close(string) error                 { return nil }
func (*fakeChannel) Live() bool                         { return true }

type notification struct {
	tenant, station string
	status          station.Status
	message         string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notification
	err   error
}

func (f *fakeNotifier) NotifyStatusChanged(_ context.Context, tenantID, stationID string, status station.Status, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notification{tenantID, stationID, status, message})
	return f.err
}

func setup(t *testing.T) (*Handler, *registry.Registry, *station.MemoryStore, *fakeNotifier) {
	t.Helper()
	reg := registry.New(logger.NopLogger{})
	store := station.NewMemoryStore()
	hb := time.Now().UTC()
	require.NoError(t, store.Save(context.Background(), station.Station{ExternalID: "CP001", TenantID: "t1", Status: station.StatusCharging, LastHeartbeat: &hb}))
	n := &fakeNotifier{}
	return New(reg, store, n, logger.NopLogger{}), reg, store, n
}

// Unexpected close marks the station unavailable and notifies once.
func TestHandleClosed(t *testing.T) {
	h, reg, store, n := setup(t)
	ch := &fakeChannel{}
	reg.Register("CP001", ch)

	h.HandleClosed(context.Background(), "CP001", ch, "connection reset")

	assert.False(t, reg.IsLive("CP001"))
	st, err := store.FindByExternalID(context.Background(), "CP001")
	require.NoError(t, err)
	assert.Equal(t, station.StatusUnavailable, st.Status)
	assert.Nil(t, st.LastHeartbeat)
	require.Len(t, n.calls, 1)
	assert.Equal(t, notification{"t1", "CP001", station.StatusUnavailable, "connection reset"}, n.calls[0])

	// repeated close does not notify again
	h.HandleClosed(context.Background(), "CP001", ch, "connection reset")
	assert.Len(t, n.calls, 1)
}

func TestHandleClosedSupersededConnection(t *testing.T) {
	h, reg, store, n := setup(t)
	old, current := &fakeChannel{}, &fakeChannel{}
	reg.Register("CP001", old)
	reg.Register("CP001", current)

	h.HandleClosed(context.Background(), "CP001", old, "superseded by a new connection")

	got, ok := reg.Get("CP001")
	require.True(t, ok)
	assert.Same(t, current, got)
	st, _ := store.FindByExternalID(context.Background(), "CP001")
	assert.Equal(t, station.StatusCharging, st.Status)
	assert.Empty(t, n.calls)
}

func TestHandleClosedUnknownStation(t *testing.T) {
	h, reg, _, n := setup(t)
	ch := &fakeChannel{}
	reg.Register("ghost", ch)
	h.HandleClosed(context.Background(), "ghost", ch, "eof")
	assert.Equal(t, 0, reg.Len())
	assert.Empty(t, n.calls)
}

func TestHandleClosedNotifyFailureIsLogged(t *testing.T) {
	h, reg, store, n := setup(t)
	n.err = errors.New("broker down")
	ch := &fakeChannel{}
	reg.Register("CP001", ch)

	assert.NotPanics(t, func() { h.HandleClosed(context.Background(), "CP001", ch, "eof") })
	st, _ := store.FindByExternalID(context.Background(), "CP001")
	assert.Equal(t, station.StatusUnavailable, st.Status)
}

type failingStore struct{ *station.MemoryStore }

func (failingStore) UpdateStatus(context.Context, string, station.Status, *time.Time) error {
	return errors.New("db down")
}

func TestHandleClosedStoreFailureSkipsNotify(t *testing.T) {
	_, reg, store, n := setup(t)
	h := New(reg, failingStore{store}, n, logger.NopLogger{})
	ch := &fakeChannel{}
	reg.Register("CP001", ch)
	h.HandleClosed(context.Background(), "CP001", ch, "eof")
	assert.Empty(t, n.calls)
}

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ocppgw/core/station"
)

func newStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "stations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreSaveAndFind(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	hb := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	_, err := s.FindByExternalID(ctx, "CP001")
	assert.ErrorIs(t, err, station.ErrNotFound)

	require.NoError(t, s.Save(ctx, station.Station{ExternalID: "CP001", TenantID: "t1", Status: station.StatusAvailable, LastHeartbeat: &hb}))
	st, err := s.FindByExternalID(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, "t1", st.TenantID)
	assert.Equal(t, station.StatusAvailable, st.Status)
	require.NotNil(t, st.LastHeartbeat)
	assert.True(t, st.LastHeartbeat.Equal(hb))
	assert.Nil(t, st.Configuration)
	assert.Nil(t, st.Diagnostics)
}

func TestSQLiteStoreUpdateStatusClearsHeartbeat(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	hb := time.Now()
	require.NoError(t, s.Save(ctx, station.Station{ExternalID: "CP001", Status: station.StatusCharging, LastHeartbeat: &hb}))

	require.NoError(t, s.UpdateStatus(ctx, "CP001", station.StatusUnavailable, nil))
	st, err := s.FindByExternalID(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, station.StatusUnavailable, st.Status)
	assert.Nil(t, st.LastHeartbeat)

	assert.ErrorIs(t, s.UpdateStatus(ctx, "ghost", station.StatusAvailable, nil), station.ErrNotFound)
}

func TestSQLiteStoreConfiguration(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, station.Station{ExternalID: "CP001", Status: station.StatusAvailable}))
	at := time.Date(2025, 2, 1, 8, 30, 0, 0, time.UTC)

	cfg := json.RawMessage(`[{"key":"HeartbeatInterval","value":"300","readonly":false}]`)
	require.NoError(t, s.UpdateConfiguration(ctx, "CP001", cfg, at))
	st, err := s.FindByExternalID(ctx, "CP001")
	require.NoError(t, err)
	assert.JSONEq(t, string(cfg), string(st.Configuration))
	require.NotNil(t, st.ConfigurationUpdatedAt)
	assert.True(t, st.ConfigurationUpdatedAt.Equal(at))
}

func TestSQLiteStoreDiagnostics(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, station.Station{ExternalID: "CP001", Status: station.StatusAvailable}))
	requested := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateDiagnosticsRequest(ctx, "CP001", "ftp://old", requested.Add(-time.Hour)))
	require.NoError(t, s.CreateDiagnosticsRequest(ctx, "CP001", "ftp://new", requested))
	st, err := s.FindByExternalID(ctx, "CP001")
	require.NoError(t, err)
	require.NotNil(t, st.Diagnostics)
	assert.Equal(t, "ftp://new", st.Diagnostics.Location)
	assert.Equal(t, station.DiagnosticsPending, st.Diagnostics.Status)

	done := requested.Add(time.Minute)
	name := "diag.zip"
	require.NoError(t, s.UpdateLatestDiagnostics(ctx, "CP001", &name, station.DiagnosticsCompleted, &done))
	st, err = s.FindByExternalID(ctx, "CP001")
	require.NoError(t, err)
	assert.Equal(t, station.DiagnosticsCompleted, st.Diagnostics.Status)
	assert.Equal(t, "diag.zip", st.Diagnostics.FileName)
	assert.Equal(t, "ftp://new", st.Diagnostics.Location)
	require.NotNil(t, st.Diagnostics.CompletedAt)
	assert.True(t, st.Diagnostics.CompletedAt.Equal(done))
	assert.True(t, st.Diagnostics.RequestedAt.Equal(requested))
}

func TestSQLiteStoreDiagnosticsCreatedOnDemand(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, station.Station{ExternalID: "CP001", Status: station.StatusAvailable}))

	require.NoError(t, s.UpdateLatestDiagnostics(ctx, "CP001", nil, station.DiagnosticsFailed, nil))
	st, err := s.FindByExternalID(ctx, "CP001")
	require.NoError(t, err)
	require.NotNil(t, st.Diagnostics)
	assert.Equal(t, station.DiagnosticsFailed, st.Diagnostics.Status)

	assert.ErrorIs(t, s.UpdateLatestDiagnostics(ctx, "ghost", nil, station.DiagnosticsFailed, nil), station.ErrNotFound)
	assert.ErrorIs(t, s.CreateDiagnosticsRequest(ctx, "ghost", "x", time.Now()), station.ErrNotFound)
}

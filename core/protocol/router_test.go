package protocol

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ocppgw/core/correlation"
	"github.com/kilianp07/ocppgw/core/inbound"
	"github.com/kilianp07/ocppgw/core/metrics"
	"github.com/kilianp07/ocppgw/core/ocpp"
	"github.com/kilianp07/ocppgw/core/response"
	"github.com/kilianp07/ocppgw/core/station"
	"github.com/kilianp07/ocppgw/infra/logger"
)

type frameSink struct {
	metrics.NopSink
	mu       sync.Mutex
	frames   []metrics.FrameEvent
	commands []metrics.CommandEvent
}

func (s *frameSink) RecordFrame(ev metrics.FrameEvent) error {
	s.mu.Lock()
	s.frames = append(s.frames, ev)
	s.mu.Unlock()
	return nil
}

func (s *frameSink) RecordCommand(ev metrics.CommandEvent) error {
	s.mu.Lock()
	s.commands = append(s.commands, ev)
	s.mu.Unlock()
	return nil
}

type fixture struct {
	router  *Router
	tracker *correlation.Tracker
	store   *station.MemoryStore
	sink    *frameSink
}

func newFixture(t *testing.T, h inbound.MessageHandler) fixture {
	t.Helper()
	store := station.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), station.Station{ExternalID: "CP001", Status: station.StatusAvailable}))
	tr := correlation.NewTracker()
	sink := &frameSink{}
	if h == nil {
		h = inbound.HandlerFunc(func(context.Context, string, string, json.RawMessage) (any, error) {
			return nil, ocpp.NewError(ocpp.NotImplemented, "not implemented")
		})
	}
	r := NewRouter(inbound.NewDispatcher(h, logger.NopLogger{}), tr, response.NewProcessor(store, logger.NopLogger{}), sink, logger.NopLogger{})
	return fixture{router: r, tracker: tr, store: store, sink: sink}
}

// Heartbeat CALL answered on the same id.
func TestRouterHeartbeat(t *testing.T) {
	h := inbound.HandlerFunc(func(_ context.Context, _ string, action string, _ json.RawMessage) (any, error) {
		require.Equal(t, ocpp.ActionHeartbeat, action)
		return ocpp.HeartbeatResponse{CurrentTime: ocpp.DateTime{Time: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}}, nil
	})
	f := newFixture(t, h)
	out := f.router.HandleMessage(context.Background(), "CP001", []byte(`[2,"msg-1","Heartbeat",{}]`))
	assert.Equal(t, `[3,"msg-1",{"currentTime":"2025-01-01T00:00:00Z"}]`, string(out))

	require.Len(t, f.sink.frames, 2)
	assert.Equal(t, metrics.Inbound, f.sink.frames[0].Direction)
	assert.Equal(t, "CALL", f.sink.frames[0].Type)
	assert.Equal(t, metrics.Outbound, f.sink.frames[1].Direction)
	assert.Equal(t, "CALLRESULT", f.sink.frames[1].Type)
}

func TestRouterUnknownActionNotImplemented(t *testing.T) {
	f := newFixture(t, nil)
	out := f.router.HandleMessage(context.Background(), "CP001", []byte(`[2,"m7","DataTransfer",{}]`))
	assert.JSONEq(t, `[4,"m7","NotImplemented","not implemented",{}]`, string(out))
}

// GetConfiguration result persisted and its id no longer pending.
func TestRouterGetConfigurationResult(t *testing.T) {
	f := newFixture(t, nil)
	p := f.tracker.Begin("CP001", ocpp.ActionGetConfiguration)

	msg := `[3,"` + p.ID + `",{"configurationKey":[{"key":"HeartbeatInterval","value":"300","readonly":false}]}]`
	out := f.router.HandleMessage(context.Background(), "CP001", []byte(msg))
	assert.Nil(t, out)
	assert.Equal(t, 0, f.tracker.Len())

	st, err := f.store.FindByExternalID(context.Background(), "CP001")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"key":"HeartbeatInterval","value":"300","readonly":false}]`, string(st.Configuration))
	assert.NotNil(t, st.ConfigurationUpdatedAt)

	res, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(res), "HeartbeatInterval")
	require.Len(t, f.sink.commands, 1)
	assert.Equal(t, metrics.OutcomeResult, f.sink.commands[0].Outcome)
}

// A CALLRESULT with no matching pending request changes nothing.
func TestRouterUnmatchedResult(t *testing.T) {
	f := newFixture(t, nil)
	other := f.tracker.Begin("CP001", ocpp.ActionGetConfiguration)
	before, _ := f.store.FindByExternalID(context.Background(), "CP001")

	out := f.router.HandleMessage(context.Background(), "CP001", []byte(`[3,"unknown-id",{"configurationKey":[{"key":"a","readonly":true}]}]`))
	assert.Nil(t, out)
	after, _ := f.store.FindByExternalID(context.Background(), "CP001")
	assert.Equal(t, before, after)
	assert.Equal(t, 1, f.tracker.Len())

	// a response on another station's id is also unmatched
	out = f.router.HandleMessage(context.Background(), "CP002", []byte(`[3,"`+other.ID+`",{}]`))
	assert.Nil(t, out)
	assert.Equal(t, 1, f.tracker.Len())
}

func TestRouterCallErrorResolvesPending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.CreateDiagnosticsRequest(ctx, "CP001", "ftp://x", time.Now()))
	p := f.tracker.Begin("CP001", ocpp.ActionGetDiagnostics)

	out := f.router.HandleMessage(ctx, "CP001", []byte(`[4,"`+p.ID+`","InternalError","upload failed",{}]`))
	assert.Nil(t, out)
	_, err := p.Wait(ctx)
	var perr *ocpp.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ocpp.InternalError, perr.Code)
	assert.Equal(t, "upload failed", perr.Description)

	st, _ := f.store.FindByExternalID(ctx, "CP001")
	assert.Equal(t, station.DiagnosticsFailed, st.Diagnostics.Status)

	// duplicate delivery is unmatched
	assert.Nil(t, f.router.HandleMessage(ctx, "CP001", []byte(`[4,"`+p.ID+`","InternalError","upload failed",{}]`)))
}

func TestRouterMalformedFrames(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		in   string
		want string
	}{
		{`not json`, `[4,"","FormationViolation"`},
		{`[]`, `[4,"","FormationViolation"`},
		{`[2,"m1","Heartbeat"]`, `[4,"m1","FormationViolation"`},
		{`[9,"m2",{}]`, `[4,"m2","ProtocolError"`},
	}
	for _, c := range cases {
		out := f.router.HandleMessage(context.Background(), "CP001", []byte(c.in))
		require.NotNil(t, out, c.in)
		assert.Contains(t, string(out), c.want, c.in)
		_, err := ocpp.Parse(out)
		assert.NoError(t, err, "reply must be a valid CALLERROR")
	}
}

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/kilianp07/ocppgw/core/command"
	"github.com/kilianp07/ocppgw/core/correlation"
	"github.com/kilianp07/ocppgw/core/disconnect"
	"github.com/kilianp07/ocppgw/core/inbound"
	"github.com/kilianp07/ocppgw/core/ocpp"
	"github.com/kilianp07/ocppgw/core/protocol"
	"github.com/kilianp07/ocppgw/core/registry"
	"github.com/kilianp07/ocppgw/core/response"
	"github.com/kilianp07/ocppgw/core/session"
	"github.com/kilianp07/ocppgw/core/station"
	"github.com/kilianp07/ocppgw/infra/logger"
	"github.com/kilianp07/ocppgw/internal/eventbus"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyStatusChanged(_ context.Context, _, stationID string, status station.Status, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, stationID+":"+string(status))
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type harness struct {
	srv      *Server
	http     *httptest.Server
	reg      *registry.Registry
	tracker  *correlation.Tracker
	store    *station.MemoryStore
	notifier *recordingNotifier
	gateway  *command.Gateway
	bus      *eventbus.Bus[session.Event]
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := logger.NopLogger{}
	h := &harness{
		reg:      registry.New(log),
		tracker:  correlation.NewTracker(),
		store:    station.NewMemoryStore(),
		notifier: &recordingNotifier{},
		bus:      eventbus.New[session.Event](),
	}
	handler := inbound.NewBasicHandler(inbound.BasicConfig{HeartbeatInterval: 60}, h.store, h.notifier, log)
	router := protocol.NewRouter(inbound.NewDispatcher(handler, log), h.tracker, response.NewProcessor(h.store, log), nil, log)
	disc := disconnect.New(h.reg, h.store, h.notifier, log)
	h.gateway = command.NewGateway(h.reg, h.tracker, h.store, nil, log)
	h.srv = NewServer(cfg, h.reg, router, disc, h.bus, log)
	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(h.http.Close)
	return h
}

func (h *harness) save(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, h.store.Save(context.Background(), station.Station{ExternalID: id, Status: station.StatusAvailable}))
}

func (h *harness) dial(t *testing.T, ctx context.Context, id string, subprotocols ...string) *websocket.Conn {
	t.Helper()
	if subprotocols == nil {
		subprotocols = []string{"ocpp1.6"}
	}
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ocpp/" + id
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: subprotocols})
	require.NoError(t, err)
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestHeartbeatRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	h.save(t, "CP-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := h.dial(t, ctx, "CP-1")
	defer c.CloseNow()
	assert.Equal(t, "ocpp1.6", c.Subprotocol())

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`[2,"hb-1","Heartbeat",{}]`)))
	_, data, err := c.Read(ctx)
	require.NoError(t, err)

	fr, err := ocpp.Parse(data)
	require.NoError(t, err)
	res, ok := fr.(*ocpp.CallResult)
	require.True(t, ok, "expected CALLRESULT, got %s", data)
	assert.Equal(t, "hb-1", res.ID)

	st, err := h.store.FindByExternalID(ctx, "CP-1")
	require.NoError(t, err)
	assert.NotNil(t, st.LastHeartbeat)
}

func TestMalformedFrameAnsweredWithCallError(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := h.dial(t, ctx, "CP-1")
	defer c.CloseNow()

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`[2,"bad-1"`)))
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	fr, err := ocpp.Parse(data)
	require.NoError(t, err)
	_, ok := fr.(*ocpp.CallError)
	assert.True(t, ok, "expected CALLERROR, got %s", data)

	// The connection survives the bad frame.
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`[2,"hb-2","Heartbeat",{}]`)))
	_, data, err = c.Read(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hb-2"`)
}

func TestGatewayCallOverSocket(t *testing.T) {
	h := newHarness(t, Config{})
	h.save(t, "CP-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := h.dial(t, ctx, "CP-1")
	defer c.CloseNow()
	waitFor(t, func() bool { return h.reg.IsLive("CP-1") })

	type callResult struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan callResult, 1)
	go func() {
		p, err := h.gateway.Call(ctx, "CP-1", "GetConfiguration", ocpp.GetConfigurationRequest{})
		done <- callResult{p, err}
	}()

	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	fr, err := ocpp.Parse(data)
	require.NoError(t, err)
	call, ok := fr.(*ocpp.Call)
	require.True(t, ok)
	assert.Equal(t, "GetConfiguration", call.Action)

	reply := `[3,"` + call.ID + `",{"configurationKey":[{"key":"HeartbeatInterval","value":"60","readonly":false}]}]`
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(reply)))

	res := <-done
	require.NoError(t, res.err)
	assert.Contains(t, string(res.payload), "HeartbeatInterval")
	assert.Equal(t, 0, h.tracker.Len())

	waitFor(t, func() bool {
		st, err := h.store.FindByExternalID(ctx, "CP-1")
		return err == nil && st.ConfigurationUpdatedAt != nil
	})
}

func TestDisconnectMarksUnavailable(t *testing.T) {
	h := newHarness(t, Config{})
	h.save(t, "CP-1")
	events := h.bus.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := h.dial(t, ctx, "CP-1")
	ev := <-events
	assert.Equal(t, session.Connected, ev.Kind)
	assert.Equal(t, "ocpp1.6", ev.Subprotocol)

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))

	select {
	case ev = <-events:
	case <-ctx.Done():
		t.Fatalf("no disconnect event")
	}
	assert.Equal(t, session.Disconnected, ev.Kind)
	assert.Equal(t, "closed by station", ev.Reason)
	assert.False(t, h.reg.IsLive("CP-1"))

	st, err := h.store.FindByExternalID(ctx, "CP-1")
	require.NoError(t, err)
	assert.Equal(t, station.StatusUnavailable, st.Status)
	assert.Nil(t, st.LastHeartbeat)
	assert.Equal(t, 1, h.notifier.count())
}

func TestReconnectSupersedesPreviousConnection(t *testing.T) {
	h := newHarness(t, Config{})
	h.save(t, "CP-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first := h.dial(t, ctx, "CP-1")
	defer first.CloseNow()
	waitFor(t, func() bool { return h.reg.IsLive("CP-1") })
	old, _ := h.reg.Get("CP-1")

	second := h.dial(t, ctx, "CP-1")
	defer second.CloseNow()
	waitFor(t, func() bool {
		cur, ok := h.reg.Get("CP-1")
		return ok && cur != old
	})

	_, _, err := first.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	// The superseded close neither evicts nor notifies.
	time.Sleep(50 * time.Millisecond)
	assert.True(t, h.reg.IsLive("CP-1"))
	assert.Equal(t, 0, h.notifier.count())
	st, err := h.store.FindByExternalID(ctx, "CP-1")
	require.NoError(t, err)
	assert.Equal(t, station.StatusAvailable, st.Status)
}

func TestRequireSubprotocol(t *testing.T) {
	h := newHarness(t, Config{RequireSubprotocol: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := h.dial(t, ctx, "CP-1", "ocpp2.0.1")
	defer c.CloseNow()
	_, _, err := c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
	assert.False(t, h.reg.IsLive("CP-1"))
}

func TestStopClosesStationsGoingAway(t *testing.T) {
	h := newHarness(t, Config{})
	h.save(t, "CP-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := h.dial(t, ctx, "CP-1")
	defer c.CloseNow()
	waitFor(t, func() bool { return h.reg.IsLive("CP-1") })

	go func() { _ = h.srv.Stop(ctx) }()

	_, _, err := c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	waitFor(t, func() bool { return h.reg.Len() == 0 })
}

func TestUpgradeAfterStopRefused(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Stop(ctx))

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ocpp/CP-1"
	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{"ocpp1.6"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 0, h.reg.Len())
}

func TestMissingStationID(t *testing.T) {
	h := newHarness(t, Config{})
	resp, err := http.Get(h.http.URL + "/ocpp/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpgradeThrottled(t *testing.T) {
	h := newHarness(t, Config{UpgradeRate: 0.001, UpgradeBurst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := h.dial(t, ctx, "CP-1")
	defer c.CloseNow()

	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ocpp/CP-2"
	_, resp, err := websocket.Dial(ctx, url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestStationIDFromPath(t *testing.T) {
	cases := map[string]string{
		"/ocpp/CP-1":        "CP-1",
		"/ocpp/tenant/CP-2": "CP-2",
		"/ocpp/":            "",
		"/ocpp/CP%2F01":     "CP/01",
		"/ocpp/CP%zz":       "",
	}
	for in, want := range cases {
		if got := stationIDFromPath("/ocpp/", in); got != want {
			t.Fatalf("stationIDFromPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLimiterPrune(t *testing.T) {
	l := newIPLimiter(1, 1)
	now := time.Now()
	l.now = func() time.Time { return now }
	assert.True(t, l.allow("10.0.0.1"))
	assert.False(t, l.allow("10.0.0.1"))

	now = now.Add(limiterIdle + time.Second)
	l.prune()
	assert.Empty(t, l.clients)
}

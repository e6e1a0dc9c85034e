package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/ocppgw/core/factory"
	"github.com/kilianp07/ocppgw/core/station"
	"github.com/kilianp07/ocppgw/infra/logger"
	inframqtt "github.com/kilianp07/ocppgw/infra/mqtt"
)

var fixed = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func TestMQTTNotifierPublishesRetainedStatus(t *testing.T) {
	pub := inframqtt.NewMockPublisher()
	n := NewMQTTNotifier(pub, "ocpp/")
	n.now = func() time.Time { return fixed }

	err := n.NotifyStatusChanged(context.Background(), "", "CP-1", station.StatusUnavailable, "connection closed")
	require.NoError(t, err)

	msgs := pub.Published()
	require.Len(t, msgs, 1)
	assert.Equal(t, "ocpp/default/CP-1/status", msgs[0].Topic)
	assert.True(t, msgs[0].Retained)

	var got StatusMessage
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &got))
	assert.Equal(t, "CP-1", got.StationID)
	assert.Equal(t, station.StatusUnavailable, got.Status)
	assert.Equal(t, "connection closed", got.Message)
	assert.True(t, got.Time.Equal(fixed))
}

func TestMQTTNotifierSanitizesTopicLevels(t *testing.T) {
	n := NewMQTTNotifier(inframqtt.NewMockPublisher(), "")
	if got := n.Topic("acme/eu", "CP#1"); got != "ocpp/acme_eu/CP_1/status" {
		t.Fatalf("unexpected topic %q", got)
	}
}

func TestMQTTNotifierPublishError(t *testing.T) {
	pub := inframqtt.NewMockPublisher()
	n := NewMQTTNotifier(pub, "ocpp")
	pub.FailTopic[n.Topic("t1", "CP-1")] = true

	err := n.NotifyStatusChanged(context.Background(), "t1", "CP-1", station.StatusAvailable, "")
	assert.Error(t, err)
	assert.Empty(t, pub.Published())
}

type fakeNATS struct {
	mu      sync.Mutex
	subj    []string
	data    [][]byte
	err     error
	drained bool
}

func (f *fakeNATS) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.subj = append(f.subj, subj)
	f.data = append(f.data, data)
	return nil
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func TestNATSNotifierSubject(t *testing.T) {
	conn := &fakeNATS{}
	n := newNATSNotifier(conn, "gw.")
	n.now = func() time.Time { return fixed }

	require.NoError(t, n.NotifyStatusChanged(context.Background(), "acme", "CP.1 >", station.StatusFaulted, "boom"))
	require.Len(t, conn.subj, 1)
	assert.Equal(t, "gw.acme.CP_1__.status", conn.subj[0])

	var got StatusMessage
	require.NoError(t, json.Unmarshal(conn.data[0], &got))
	assert.Equal(t, "acme", got.TenantID)
	assert.Equal(t, station.StatusFaulted, got.Status)

	n.Close()
	assert.True(t, conn.drained)
}

func TestNewNATSNotifierConnectError(t *testing.T) {
	orig := connectNATS
	defer func() { connectNATS = orig }()
	var gotURL string
	connectNATS = func(cfg NATSConfig, _ ...natsOption) (natsConn, error) {
		gotURL = cfg.URL
		return nil, errors.New("refused")
	}

	_, err := NewNATSNotifier(NATSConfig{URL: "nats://example:4222"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats://example:4222")
	assert.Equal(t, "nats://example:4222", gotURL)
}

type failingNotifier struct {
	calls int
	err   error
}

func (f *failingNotifier) NotifyStatusChanged(context.Context, string, string, station.Status, string) error {
	f.calls++
	return f.err
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingNotifier{err: errors.New("broker down")}
	b := NewBreakerNotifier("test", inner, BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, logger.NopLogger{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		err := b.NotifyStatusChanged(ctx, "", "CP-1", station.StatusUnavailable, "")
		if err == nil || err.Error() != "broker down" {
			t.Fatalf("call %d: expected inner error, got %v", i, err)
		}
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	err := b.NotifyStatusChanged(ctx, "", "CP-1", station.StatusUnavailable, "")
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, inner.calls)
}

func TestBreakerPassesSuccess(t *testing.T) {
	inner := &failingNotifier{}
	b := NewBreakerNotifier("ok", inner, BreakerConfig{}, logger.NopLogger{})
	for i := 0; i < 10; i++ {
		require.NoError(t, b.NotifyStatusChanged(context.Background(), "", "CP-1", station.StatusAvailable, ""))
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
	assert.Equal(t, 10, inner.calls)
}

func TestFactoryLogNotifier(t *testing.T) {
	n, err := station.NewNotifier(nil)
	require.NoError(t, err)
	assert.IsType(t, station.NopNotifier{}, n)

	n, err = station.NewNotifier([]factory.ModuleConfig{{Type: "log"}})
	require.NoError(t, err)
	require.NoError(t, n.NotifyStatusChanged(context.Background(), "", "CP-1", station.StatusAvailable, ""))
}

func TestFactoryNATSUsesConfig(t *testing.T) {
	orig := connectNATS
	defer func() { connectNATS = orig }()
	conn := &fakeNATS{}
	var gotCfg NATSConfig
	connectNATS = func(cfg NATSConfig, _ ...natsOption) (natsConn, error) {
		gotCfg = cfg
		return conn, nil
	}

	n, err := station.NewNotifier([]factory.ModuleConfig{{Type: "nats", Conf: map[string]any{
		"url":            "nats://nats:4222",
		"subject_prefix": "fleet",
		"timeout":        "2s",
		"breaker":        map[string]any{"max_failures": 3},
	}}})
	require.NoError(t, err)
	assert.Equal(t, "nats://nats:4222", gotCfg.URL)
	assert.Equal(t, 2*time.Second, gotCfg.Timeout)

	require.NoError(t, n.NotifyStatusChanged(context.Background(), "", "CP-9", station.StatusAvailable, ""))
	assert.Equal(t, []string{"fleet.default.CP-9.status"}, conn.subj)
}

package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kilianp07/ocppgw/core/station"
	"github.com/kilianp07/ocppgw/infra/logger"
)

// NATSConfig defines the NATS connection used for notifications.
type NATSConfig struct {
	URL           string        `json:"url"`
	Name          string        `json:"name"`
	SubjectPrefix string        `json:"subject_prefix"`
	Token         string        `json:"token"`
	Timeout       time.Duration `json:"timeout"`
}

type natsConn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

type natsOption = nats.Option

var connectNATS = func(cfg NATSConfig, opts ...natsOption) (natsConn, error) {
	return nats.Connect(cfg.URL, opts...)
}

// NATSNotifier publishes status messages on <prefix>.<tenant>.<station>.status.
type NATSNotifier struct {
	conn   natsConn
	prefix string
	now    func() time.Time
}

// NewNATSNotifier connects to the NATS server described by cfg.
func NewNATSNotifier(cfg NATSConfig) (*NATSNotifier, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Name == "" {
		cfg.Name = "ocppgw"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	log := logger.New("nats_notifier")
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("nats reconnected to %s", c.ConnectedUrl())
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	conn, err := connectNATS(cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	return newNATSNotifier(conn, cfg.SubjectPrefix), nil
}

func newNATSNotifier(conn natsConn, prefix string) *NATSNotifier {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = "ocpp"
	}
	return &NATSNotifier{conn: conn, prefix: prefix, now: time.Now}
}

// Subject returns the status subject of a station.
func (n *NATSNotifier) Subject(tenantID, stationID string) string {
	return fmt.Sprintf("%s.%s.%s.status", n.prefix, token(tenantOrDefault(tenantID)), token(stationID))
}

func (n *NATSNotifier) NotifyStatusChanged(_ context.Context, tenantID, stationID string, status station.Status, message string) error {
	payload, err := encode(tenantID, stationID, status, message, n.now())
	if err != nil {
		return err
	}
	return n.conn.Publish(n.Subject(tenantID, stationID), payload)
}

// Close drains pending messages and closes the connection.
func (n *NATSNotifier) Close() {
	_ = n.conn.Drain()
}

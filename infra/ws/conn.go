package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/kilianp07/ocppgw/core/logger"
	"github.com/kilianp07/ocppgw/core/session"
)

// ErrClosed is returned when writing to a connection that is closing.
var ErrClosed = errors.New("connection closed")

// conn is the registry.Channel of one station websocket.
type conn struct {
	stationID    string
	subprotocol  string
	ws           *websocket.Conn
	life         *session.Lifecycle
	writeTimeout time.Duration

	mu     sync.Mutex
	reason string
}

func newConn(stationID, subprotocol string, c *websocket.Conn, writeTimeout time.Duration, log logger.Logger) *conn {
	return &conn{
		stationID:    stationID,
		subprotocol:  subprotocol,
		ws:           c,
		life:         session.NewLifecycle(stationID, log),
		writeTimeout: writeTimeout,
	}
}

func (c *conn) Send(ctx context.Context, msg []byte) error {
	if !c.life.Open() {
		return ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, msg)
}

// Close starts the closing handshake. Only the first call has an effect.
func (c *conn) Close(reason string) error {
	if !c.life.BeginClose(context.Background()) {
		return nil
	}
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()
	return c.ws.Close(websocket.StatusGoingAway, reason)
}

func (c *conn) Live() bool { return c.life.Open() }

// finish marks the connection closed and returns the reason to report. ok is
// false when finish already ran.
func (c *conn) finish(readErr error) (reason string, ok bool) {
	if !c.life.Finish(context.Background()) {
		return "", false
	}
	c.mu.Lock()
	reason = c.reason
	c.mu.Unlock()
	if reason != "" {
		return reason, true
	}
	return closeReason(readErr), true
}

func closeReason(err error) string {
	switch status := websocket.CloseStatus(err); status {
	case -1:
		if err == nil {
			return "connection closed"
		}
		return err.Error()
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return "closed by station"
	default:
		return "closed by station: " + status.String()
	}
}

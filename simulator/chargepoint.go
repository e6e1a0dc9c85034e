// Package simulator runs OCPP-J charge points against a gateway. It is used
// by the simulate command and by end-to-end tests.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kilianp07/ocppgw/core/logger"
	"github.com/kilianp07/ocppgw/core/ocpp"
)

// ErrNotConnected is returned by Call before Run connected.
var ErrNotConnected = errors.New("charge point not connected")

type configValue struct {
	value    string
	readonly bool
}

// ChargePoint is one simulated station.
type ChargePoint struct {
	ID                string
	URL               string
	Subprotocol       string
	HeartbeatInterval time.Duration
	Vendor            string
	Model             string
	Strategy          ReplyStrategy
	Log               logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan ocpp.Frame
	config    map[string]configValue
	txCounter int
	received  []string
}

// NewChargePoint creates a charge point with a small default configuration.
func NewChargePoint(id string, cfg Config, log logger.Logger) *ChargePoint {
	cfg.SetDefaults()
	return &ChargePoint{
		ID:                id,
		URL:               cfg.URL,
		Subprotocol:       cfg.Subprotocol,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Vendor:            cfg.Vendor,
		Model:             cfg.Model,
		Strategy:          RandomReply{Delay: cfg.ReplyDelay, DropRate: cfg.DropRate},
		Log:               log,
		pending:           make(map[string]chan ocpp.Frame),
		config: map[string]configValue{
			"HeartbeatInterval":        {value: fmt.Sprint(int(cfg.HeartbeatInterval.Seconds()))},
			"NumberOfConnectors":       {value: "1", readonly: true},
			"MeterValueSampleInterval": {value: "60"},
		},
	}
}

// Connect dials the gateway.
func (cp *ChargePoint) Connect(ctx context.Context) error {
	url := strings.TrimSuffix(cp.URL, "/") + "/" + cp.ID
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{Subprotocols: []string{cp.Subprotocol}})
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	cp.mu.Lock()
	cp.conn = c
	cp.mu.Unlock()
	return nil
}

// Run connects, boots and then serves the connection until ctx is done or
// the gateway closes it.
func (cp *ChargePoint) Run(ctx context.Context) error {
	if err := cp.Connect(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- cp.readLoop(ctx)
		cancel()
	}()

	if err := cp.boot(ctx); err != nil {
		cp.Close()
		return err
	}
	go cp.heartbeatLoop(ctx)

	select {
	case <-ctx.Done():
		cp.Close()
		<-readErr
		return nil
	case err := <-readErr:
		if ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
			return nil
		}
		return err
	}
}

// Close closes the connection normally.
func (cp *ChargePoint) Close() {
	cp.mu.Lock()
	c := cp.conn
	cp.mu.Unlock()
	if c != nil {
		_ = c.Close(websocket.StatusNormalClosure, "")
	}
}

func (cp *ChargePoint) boot(ctx context.Context) error {
	raw, err := cp.Call(ctx, ocpp.ActionBootNotification, ocpp.BootNotificationRequest{
		ChargePointVendor: cp.Vendor,
		ChargePointModel:  cp.Model,
	})
	if err != nil {
		return fmt.Errorf("boot notification: %w", err)
	}
	var res ocpp.BootNotificationResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode boot response: %w", err)
	}
	cp.Log.Infof("%s: boot %s, interval %ds", cp.ID, res.Status, res.Interval)
	if res.Status != "Accepted" {
		return nil
	}
	_, err = cp.Call(ctx, ocpp.ActionStatusNotification, ocpp.StatusNotificationRequest{
		ConnectorID: 0,
		ErrorCode:   "NoError",
		Status:      "Available",
	})
	return err
}

func (cp *ChargePoint) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(cp.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := cp.Call(ctx, ocpp.ActionHeartbeat, struct{}{}); err != nil && ctx.Err() == nil {
				cp.Log.Warnf("%s: heartbeat: %v", cp.ID, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Call sends a CALL to the gateway and waits for its answer.
func (cp *ChargePoint) Call(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	cp.mu.Lock()
	c := cp.conn
	cp.mu.Unlock()
	if c == nil {
		return nil, ErrNotConnected
	}
	p, err := ocpp.MarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ch := make(chan ocpp.Frame, 1)
	cp.mu.Lock()
	cp.pending[id] = ch
	cp.mu.Unlock()
	defer func() {
		cp.mu.Lock()
		delete(cp.pending, id)
		cp.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, c, []any{ocpp.CallType, id, action, p}); err != nil {
		return nil, err
	}
	select {
	case f := <-ch:
		if ce, ok := f.(*ocpp.CallError); ok {
			return nil, ce.Err()
		}
		return f.(*ocpp.CallResult).Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cp *ChargePoint) readLoop(ctx context.Context) error {
	cp.mu.Lock()
	c := cp.conn
	cp.mu.Unlock()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, c, &raw); err != nil {
			return err
		}
		f, err := ocpp.Parse(raw)
		if err != nil {
			cp.Log.Warnf("%s: unreadable frame: %v", cp.ID, err)
			continue
		}
		switch v := f.(type) {
		case *ocpp.Call:
			go cp.answer(ctx, c, v)
		case *ocpp.CallResult, *ocpp.CallError:
			cp.mu.Lock()
			ch, ok := cp.pending[f.MessageID()]
			cp.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

func (cp *ChargePoint) answer(ctx context.Context, c *websocket.Conn, call *ocpp.Call) {
	cp.mu.Lock()
	cp.received = append(cp.received, call.Action)
	cp.mu.Unlock()

	delay, ok := cp.Strategy.Plan()
	if !ok {
		cp.Log.Debugf("%s: dropping %s %s", cp.ID, call.Action, call.ID)
		return
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	var frame []byte
	res, err := cp.handle(call)
	if err != nil {
		var perr *ocpp.Error
		if !errors.As(err, &perr) {
			perr = &ocpp.Error{Code: ocpp.InternalError, Description: err.Error()}
		}
		frame, err = ocpp.EncodeCallError(call.ID, perr.Code, perr.Description)
	} else {
		frame, err = ocpp.EncodeCallResult(call.ID, res)
	}
	if err != nil {
		cp.Log.Errorf("%s: encode answer to %s: %v", cp.ID, call.Action, err)
		return
	}
	if err := c.Write(ctx, websocket.MessageText, frame); err != nil && ctx.Err() == nil {
		cp.Log.Warnf("%s: answer %s: %v", cp.ID, call.Action, err)
	}
}

func (cp *ChargePoint) handle(call *ocpp.Call) (any, error) {
	switch call.Action {
	case ocpp.ActionGetConfiguration:
		var req ocpp.GetConfigurationRequest
		if err := json.Unmarshal(call.Payload, &req); err != nil {
			return nil, ocpp.NewError(ocpp.FormationViolation, "%v", err)
		}
		return cp.configuration(req.Key), nil
	case ocpp.ActionChangeConfiguration:
		var req ocpp.ChangeConfigurationRequest
		if err := json.Unmarshal(call.Payload, &req); err != nil {
			return nil, ocpp.NewError(ocpp.FormationViolation, "%v", err)
		}
		return ocpp.ChangeConfigurationResponse{Status: cp.changeConfiguration(req.Key, req.Value)}, nil
	case ocpp.ActionGetDiagnostics:
		return ocpp.GetDiagnosticsResponse{FileName: fmt.Sprintf("%s-%d.log", cp.ID, time.Now().Unix())}, nil
	case ocpp.ActionRemoteStartTransaction:
		cp.mu.Lock()
		cp.txCounter++
		cp.mu.Unlock()
		return ocpp.RemoteTransactionResponse{Status: "Accepted"}, nil
	case ocpp.ActionRemoteStopTransaction:
		var req ocpp.RemoteStopTransactionRequest
		if err := json.Unmarshal(call.Payload, &req); err != nil {
			return nil, ocpp.NewError(ocpp.FormationViolation, "%v", err)
		}
		cp.mu.Lock()
		defer cp.mu.Unlock()
		if req.TransactionID <= 0 || req.TransactionID > cp.txCounter {
			return ocpp.RemoteTransactionResponse{Status: "Rejected"}, nil
		}
		return ocpp.RemoteTransactionResponse{Status: "Accepted"}, nil
	default:
		return nil, ocpp.NewError(ocpp.NotImplemented, "%s is not supported", call.Action)
	}
}

func (cp *ChargePoint) configuration(keys []string) ocpp.GetConfigurationResponse {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	var res ocpp.GetConfigurationResponse
	if len(keys) == 0 {
		for k := range cp.config {
			keys = append(keys, k)
		}
		sort.Strings(keys)
	}
	for _, k := range keys {
		v, ok := cp.config[k]
		if !ok {
			res.UnknownKey = append(res.UnknownKey, k)
			continue
		}
		val := v.value
		res.ConfigurationKey = append(res.ConfigurationKey, ocpp.KeyValue{Key: k, Value: &val, Readonly: v.readonly})
	}
	return res
}

func (cp *ChargePoint) changeConfiguration(key, value string) string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	v, ok := cp.config[key]
	switch {
	case !ok:
		return "NotSupported"
	case v.readonly:
		return "Rejected"
	}
	cp.config[key] = configValue{value: value}
	return "Accepted"
}

// Received returns the actions of the server commands received so far.
func (cp *ChargePoint) Received() []string {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return append([]string(nil), cp.received...)
}

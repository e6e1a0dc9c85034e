// Package session models the lifetime of one station connection.
package session

import (
	"context"
	"time"

	"github.com/looplab/fsm"

	"github.com/kilianp07/ocppgw/core/logger"
)

// Connection states.
const (
	StateOpen    = "open"
	StateClosing = "closing"
	StateClosed  = "closed"
)

const (
	eventClose  = "close"
	eventFinish = "finish"
)

// Lifecycle is the Open -> Closing -> Closed state machine of a connection.
// An abrupt transport failure moves Open straight to Closed.
type Lifecycle struct {
	fsm *fsm.FSM
}

// NewLifecycle returns a Lifecycle in the open state.
func NewLifecycle(stationID string, log logger.Logger) *Lifecycle {
	return &Lifecycle{fsm: fsm.NewFSM(
		StateOpen,
		fsm.Events{
			{Name: eventClose, Src: []string{StateOpen}, Dst: StateClosing},
			{Name: eventFinish, Src: []string{StateOpen, StateClosing}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				log.Debugf("station %s connection %s -> %s", stationID, e.Src, e.Dst)
			},
		},
	)}
}

// State returns the current state name.
func (l *Lifecycle) State() string { return l.fsm.Current() }

// Open reports whether the connection still accepts traffic.
func (l *Lifecycle) Open() bool { return l.fsm.Is(StateOpen) }

// BeginClose moves an open connection to closing. It reports whether this
// call performed the transition.
func (l *Lifecycle) BeginClose(ctx context.Context) bool {
	return l.fsm.Event(ctx, eventClose) == nil
}

// Finish moves the connection to closed. It returns true exactly once per
// connection, for the caller that must run the disconnect handling.
func (l *Lifecycle) Finish(ctx context.Context) bool {
	return l.fsm.Event(ctx, eventFinish) == nil
}

// EventKind distinguishes connection events published on the bus.
type EventKind int

const (
	Connected EventKind = iota
	Disconnected
)

func (k EventKind) String() string {
	if k == Connected {
		return "connected"
	}
	return "disconnected"
}

// Event announces a station connecting or disconnecting.
type Event struct {
	Kind        EventKind
	StationID   string
	Subprotocol string
	Reason      string
	Time        time.Time
}

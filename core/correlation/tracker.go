// Package correlation tracks server initiated CALLs until the station answers.
//
// Correlation ids are random uuids drawn from a single process wide space.
// Completion is additionally scoped to the station the request was sent to,
// so a response carrying another station's id is treated as unmatched.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRequestExpired resolves requests that never received a response.
var ErrRequestExpired = errors.New("request expired without response")

// Result is the outcome delivered to a Pending handle.
type Result struct {
	Payload json.RawMessage
	// Err is an *ocpp.Error for a CALLERROR or ErrRequestExpired.
	Err error
}

// Pending is an outbound request awaiting its CALLRESULT or CALLERROR.
type Pending struct {
	ID        string
	Action    string
	StationID string
	Created   time.Time

	once   sync.Once
	done   chan struct{}
	result Result
}

// Resolve delivers the result. Only the first call has an effect.
func (p *Pending) Resolve(r Result) bool {
	resolved := false
	p.once.Do(func() {
		p.result = r
		close(p.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the request is resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the request is resolved or ctx is done.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.result.Payload, p.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tracker is a concurrency safe table of pending requests.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*Pending
	now     func() time.Time
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]*Pending), now: time.Now}
}

// Begin registers a new request for action sent to stationID.
func (t *Tracker) Begin(stationID, action string) *Pending {
	p := &Pending{Action: action, StationID: stationID, done: make(chan struct{})}
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		p.ID = uuid.NewString()
		if _, taken := t.pending[p.ID]; !taken {
			break
		}
	}
	p.Created = t.now()
	t.pending[p.ID] = p
	return p
}

// Complete removes and returns the request with the given id if it was
// issued to stationID. Unknown ids return false: stale or duplicate
// responses and responses to requests issued before a restart.
func (t *Tracker) Complete(stationID, id string) (*Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[id]
	if !ok || p.StationID != stationID {
		return nil, false
	}
	delete(t.pending, id)
	return p, true
}

// Cancel drops a request without resolving it.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

// Expire removes requests older than maxAge and resolves them with
// ErrRequestExpired.
func (t *Tracker) Expire(maxAge time.Duration) []*Pending {
	cutoff := t.now().Add(-maxAge)
	var expired []*Pending
	t.mu.Lock()
	for id, p := range t.pending {
		if p.Created.Before(cutoff) {
			delete(t.pending, id)
			expired = append(expired, p)
		}
	}
	t.mu.Unlock()
	for _, p := range expired {
		p.Resolve(Result{Err: ErrRequestExpired})
	}
	return expired
}

// Len returns the number of pending requests.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

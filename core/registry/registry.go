// Package registry maps station identifiers to their live duplex channel.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kilianp07/ocppgw/core/logger"
)

// ErrNoActiveConnection is returned when a station has no live channel.
var ErrNoActiveConnection = errors.New("no active connection")

// Channel is the transport handle of one station connection.
type Channel interface {
	Send(ctx context.Context, msg []byte) error
	Close(reason string) error
	// Live reports whether the channel still accepts writes.
	Live() bool
}

// Registry holds at most one channel per station identifier.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Channel
	log   logger.Logger
}

// New creates an empty Registry.
func New(log logger.Logger) *Registry {
	return &Registry{conns: make(map[string]Channel), log: log}
}

// Register stores ch for id, replacing any previous entry. A superseded
// channel is closed in the background.
func (r *Registry) Register(id string, ch Channel) {
	r.mu.Lock()
	prev := r.conns[id]
	r.conns[id] = ch
	r.mu.Unlock()
	if prev == nil || prev == ch {
		return
	}
	r.log.Warnf("station %s reconnected, closing superseded connection", id)
	go func() {
		if err := prev.Close("superseded by a new connection"); err != nil {
			r.log.Debugf("close superseded connection of %s: %v", id, err)
		}
	}()
}

// Unregister removes the entry for id. It is a no-op when absent.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Release removes the entry for id only while it still points at ch and
// reports whether ch was the registered channel.
func (r *Registry) Release(id string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[id]; ok && cur == ch {
		delete(r.conns, id)
		return true
	}
	return false
}

// Get returns the registered channel for id.
func (r *Registry) Get(id string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.conns[id]
	return ch, ok
}

// IsLive reports whether id has a registered channel accepting writes.
func (r *Registry) IsLive(id string) bool {
	ch, ok := r.Get(id)
	return ok && ch.Live()
}

// Send writes msg to the channel registered for id.
func (r *Registry) Send(ctx context.Context, id string, msg []byte) error {
	ch, ok := r.Get(id)
	if !ok || !ch.Live() {
		return fmt.Errorf("station %s: %w", id, ErrNoActiveConnection)
	}
	if err := ch.Send(ctx, msg); err != nil {
		return fmt.Errorf("send to %s: %w", id, err)
	}
	return nil
}

// IDs returns the registered station identifiers in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered stations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every registered channel concurrently and waits for the
// close calls to return. Entries are removed by the disconnect path.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	chans := make(map[string]Channel, len(r.conns))
	for id, ch := range r.conns {
		chans[id] = ch
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for id, ch := range chans {
		wg.Add(1)
		go func(id string, ch Channel) {
			defer wg.Done()
			if err := ch.Close(reason); err != nil {
				r.log.Debugf("close %s: %v", id, err)
			}
		}(id, ch)
	}
	wg.Wait()
}

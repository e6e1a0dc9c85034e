package station

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps stations in memory. It backs tests and single node runs
// without a database.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Station
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]Station{}}
}

func (s *MemoryStore) FindByExternalID(_ context.Context, id string) (Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.data[id]
	if !ok {
		return Station{}, ErrNotFound
	}
	return clone(st), nil
}

func (s *MemoryStore) Save(_ context.Context, st Station) error {
	s.mu.Lock()
	s.data[st.ExternalID] = clone(st)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status Status, heartbeat *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data[id]
	if !ok {
		return ErrNotFound
	}
	st.Status = status
	st.LastHeartbeat = copyTime(heartbeat)
	s.data[id] = st
	return nil
}

func (s *MemoryStore) UpdateConfiguration(_ context.Context, id string, cfg json.RawMessage, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data[id]
	if !ok {
		return ErrNotFound
	}
	st.Configuration = append(json.RawMessage(nil), cfg...)
	st.ConfigurationUpdatedAt = copyTime(&at)
	s.data[id] = st
	return nil
}

func (s *MemoryStore) CreateDiagnosticsRequest(_ context.Context, id, location string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data[id]
	if !ok {
		return ErrNotFound
	}
	st.Diagnostics = &Diagnostics{Location: location, Status: DiagnosticsPending, RequestedAt: at}
	s.data[id] = st
	return nil
}

func (s *MemoryStore) UpdateLatestDiagnostics(_ context.Context, id string, fileName *string, status DiagnosticsStatus, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.data[id]
	if !ok {
		return ErrNotFound
	}
	d := Diagnostics{RequestedAt: time.Now().UTC()}
	if st.Diagnostics != nil {
		d = *st.Diagnostics
	}
	d.Status = status
	if fileName != nil {
		d.FileName = *fileName
	}
	d.CompletedAt = copyTime(completedAt)
	st.Diagnostics = &d
	s.data[id] = st
	return nil
}

func clone(st Station) Station {
	st.LastHeartbeat = copyTime(st.LastHeartbeat)
	st.ConfigurationUpdatedAt = copyTime(st.ConfigurationUpdatedAt)
	if st.Configuration != nil {
		st.Configuration = append(json.RawMessage(nil), st.Configuration...)
	}
	if st.Diagnostics != nil {
		d := *st.Diagnostics
		d.CompletedAt = copyTime(d.CompletedAt)
		st.Diagnostics = &d
	}
	return st
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

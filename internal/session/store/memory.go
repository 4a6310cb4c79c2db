package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	v1 "github.com/batondev/baton/pkg/api/v1"
)

// Memory is a map-backed store for tests and ephemeral deployments.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

func (m *Memory) Save(ctx context.Context, rec *Record) error {
	cp, err := copyRecord(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Session.ID] = cp
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	rec, ok := m.records[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec)
}

func (m *Memory) List(ctx context.Context) ([]*Record, error) {
	m.mu.RLock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		cp, err := copyRecord(rec)
		if err != nil {
			m.mu.RUnlock()
			return nil, err
		}
		out = append(out, cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Session.CreatedAt.After(out[j].Session.CreatedAt)
	})
	return out, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *Memory) Close() error { return nil }

// copyRecord deep-copies through JSON so callers never share mutable state
// with the store.
func copyRecord(rec *Record) (*Record, error) {
	data, err := json.Marshal(rec.Session)
	if err != nil {
		return nil, err
	}
	var sess v1.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}

	cp := &Record{Session: &sess}
	if rec.Options != nil {
		data, err := json.Marshal(rec.Options)
		if err != nil {
			return nil, err
		}
		var opts v1.SessionOptions
		if err := json.Unmarshal(data, &opts); err != nil {
			return nil, err
		}
		cp.Options = &opts
	}
	return cp, nil
}

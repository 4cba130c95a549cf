// Package store persists per-client activation history. The protocol core
// only depends on the Store interface; the SQLite implementation mirrors the
// schema the stock deployment ships.
package store

import (
	"context"
	"sync"

	"github.com/qvint/kmsd/wire"
)

// ClientRecord is one client machine's last observed activation.
type ClientRecord struct {
	ClientMachineID wire.GUID
	ApplicationID   wire.GUID
	SKUID           wire.GUID
	LicenseStatus   uint32
	LastActivation  uint64 // filetime of the newest accepted request
	RequestCount    uint32
	MachineName     string
}

// Store is the persistence interface the dispatcher consumes. All methods
// must be safe for concurrent callers. Upserts for the same client machine
// are last-writer-wins keyed on LastActivation: a write older than the
// stored record is dropped.
type Store interface {
	Get(ctx context.Context, id wire.GUID) (*ClientRecord, error)
	Upsert(ctx context.Context, rec ClientRecord) error
	List(ctx context.Context) ([]ClientRecord, error)
}

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	clients map[wire.GUID]ClientRecord
}

func NewMemory() *Memory {
	return &Memory{clients: make(map[wire.GUID]ClientRecord)}
}

func (m *Memory) Get(_ context.Context, id wire.GUID) (*ClientRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.clients[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) Upsert(_ context.Context, rec ClientRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.clients[rec.ClientMachineID]
	if ok {
		if rec.LastActivation < old.LastActivation {
			return nil
		}
		rec.RequestCount = old.RequestCount + 1
	} else {
		rec.RequestCount = 1
	}
	m.clients[rec.ClientMachineID] = rec
	return nil
}

func (m *Memory) List(_ context.Context) ([]ClientRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ClientRecord, 0, len(m.clients))
	for _, rec := range m.clients {
		out = append(out, rec)
	}
	return out, nil
}

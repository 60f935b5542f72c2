// Package memstore is an in-memory Store implementation, grounded on
// internal/store/memory/memory.go's mutex-guarded-maps pattern from the
// teacher. It is used for tests and single-process dev; data does not
// survive process restarts.
package memstore

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/worldline-go/types"

	"github.com/mind-orchestrator/mind/internal/model"
	"github.com/mind-orchestrator/mind/internal/store"
)

// Memory is an in-memory implementation of store.Store.
type Memory struct {
	mu       sync.RWMutex
	models   map[string]model.Record
	gpuAsg   map[string]int
	keys     map[string]model.APIKey // hash -> key
	sessions map[string]int64        // hash -> expiresAtMS
}

var _ store.Store = (*Memory)(nil)

// New creates an empty in-memory store.
func New() *Memory {
	slog.Info("using in-memory state store (data will not persist across restarts)")

	return &Memory{
		models:   make(map[string]model.Record),
		gpuAsg:   make(map[string]int),
		keys:     make(map[string]model.APIKey),
		sessions: make(map[string]int64),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) GetModel(_ context.Context, abbr string) (*model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.models[abbr]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (m *Memory) ListModels(_ context.Context) ([]model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Record, 0, len(m.models))
	for _, rec := range m.models {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b model.Record) int {
		if a.Abbr < b.Abbr {
			return -1
		}
		if a.Abbr > b.Abbr {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *Memory) PutModel(_ context.Context, rec model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.models[rec.Abbr] = rec
	return nil
}

func (m *Memory) DeleteModel(_ context.Context, abbr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.models, abbr)
	delete(m.gpuAsg, abbr)
	return nil
}

func (m *Memory) PutGPUAssignment(_ context.Context, abbr string, gpuDevice int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gpuAsg[abbr] = gpuDevice
	return nil
}

func (m *Memory) DeleteGPUAssignment(_ context.Context, abbr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.gpuAsg, abbr)
	return nil
}

func (m *Memory) GetAPIKeyByHash(_ context.Context, hash string) (*model.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k, ok := m.keys[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &k, nil
}

func (m *Memory) ListAPIKeys(_ context.Context) ([]model.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.APIKey, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b model.APIKey) int {
		if a.CreatedAt.Time.After(b.CreatedAt.Time) {
			return -1
		}
		if a.CreatedAt.Time.Before(b.CreatedAt.Time) {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *Memory) PutAPIKey(_ context.Context, hash string, key model.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keys[hash] = key
	return nil
}

func (m *Memory) DeleteAPIKeyByHash(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.keys, hash)
	return nil
}

func (m *Memory) DeleteAPIKeyByPrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for hash, k := range m.keys {
		if k.Prefix == prefix {
			delete(m.keys, hash)
		}
	}
	return nil
}

func (m *Memory) TouchAPIKeyLastUsed(_ context.Context, hash string, epochMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[hash]
	if !ok {
		return store.ErrNotFound
	}
	k.LastUsedAt = types.NewTimeNull(time.UnixMilli(epochMS).UTC())
	m.keys[hash] = k
	return nil
}

func (m *Memory) PutSession(_ context.Context, hash string, expiresAtMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions[hash] = expiresAtMS
	return nil
}

func (m *Memory) GetSessionExpiry(_ context.Context, hash string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exp, ok := m.sessions[hash]
	if !ok {
		return 0, store.ErrNotFound
	}
	return exp, nil
}

func (m *Memory) DeleteSession(_ context.Context, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, hash)
	return nil
}

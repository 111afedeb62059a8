package config

import (
	"context"
	"sync"

	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
	"github.com/fairlinestudio/open-pay-go/internal/platform/value"
)

// MemoryBackend holds entries in process. It enforces the same version
// discipline as the Postgres backend so tests exercise real conflicts.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

func memKey(service, brand, tenantID, key string) string {
	return service + "\x00" + brand + "\x00" + tenantID + "\x00" + key
}

func copyEntry(e Entry) Entry {
	cp := e
	cp.Value = value.Clone(e.Value)
	cp.SensitivePaths = append([]string(nil), e.SensitivePaths...)
	return cp
}

func (b *MemoryBackend) Find(_ context.Context, service, brand, tenantID, key string) (Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[memKey(service, brand, tenantID, key)]
	if !ok {
		return Entry{}, false, nil
	}
	return copyEntry(e), true, nil
}

func (b *MemoryBackend) List(_ context.Context, service string) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, 0)
	for _, e := range b.entries {
		if e.Service == service {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (b *MemoryBackend) Upsert(_ context.Context, e Entry, expectedVersion int64) (Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := memKey(e.Service, e.Brand, e.TenantID, e.Key)
	existing, ok := b.entries[k]
	if expectedVersion == 0 && ok {
		return Entry{}, errs.E(errs.Conflict, "config entry already exists", "key", e.Key)
	}
	if expectedVersion != 0 && (!ok || existing.Version != expectedVersion) {
		return Entry{}, errs.E(errs.TransientConflict, "config entry version changed", "key", e.Key)
	}
	b.entries[k] = copyEntry(e)
	return copyEntry(e), nil
}

func (b *MemoryBackend) Delete(_ context.Context, service, brand, tenantID, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, memKey(service, brand, tenantID, key))
	return nil
}

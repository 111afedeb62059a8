// Package config is the dynamic configuration store. Entries are keyed by
// (service, brand, tenant, key), carry sensitive-path lists, and resolve
// most-specific-first. Reads go through a short in-process TTL cache;
// invalidation across replicas is bounded by that TTL.
package config

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
	"github.com/fairlinestudio/open-pay-go/internal/platform/value"
)

const cacheTTL = 5 * time.Minute

// Entry is one stored configuration value.
type Entry struct {
	Service        string
	Brand          string
	TenantID       string
	Key            string
	Value          any
	SensitivePaths []string
	Description    string
	Version        int64
	UpdatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Scope carries the caller identity and the brand/tenant dimensions used
// during resolution.
type Scope struct {
	Brand            string
	TenantID         string
	ActorID          string
	Capabilities     []string
	IncludeSensitive bool
}

func (s Scope) privileged() bool {
	for _, c := range s.Capabilities {
		if c == "admin" || c == "system" {
			return true
		}
	}
	return false
}

// Backend persists entries. Upsert with expectedVersion 0 creates; any other
// value must match the stored version or the write is rejected.
type Backend interface {
	Find(ctx context.Context, service, brand, tenantID, key string) (Entry, bool, error)
	List(ctx context.Context, service string) ([]Entry, error)
	Upsert(ctx context.Context, e Entry, expectedVersion int64) (Entry, error)
	Delete(ctx context.Context, service, brand, tenantID, key string) error
}

type cached struct {
	entry     Entry
	found     bool
	expiresAt time.Time
}

type Store struct {
	Clock  clock.Clock
	Logger *zap.Logger

	backend Backend

	mu    sync.Mutex
	cache map[string]cached
}

func NewStore(backend Backend, clk clock.Clock, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		Clock:   clk,
		Logger:  logger,
		backend: backend,
		cache:   make(map[string]cached),
	}
}

func (s *Store) now() time.Time {
	if s.Clock == nil {
		return time.Now().UTC()
	}
	return s.Clock.Now().UTC()
}

func cacheKey(service, brand, tenantID, key string) string {
	return service + "\x00" + brand + "\x00" + tenantID + "\x00" + key
}

func (s *Store) lookup(ctx context.Context, service, brand, tenantID, key string) (Entry, bool, error) {
	ck := cacheKey(service, brand, tenantID, key)
	s.mu.Lock()
	if c, ok := s.cache[ck]; ok && c.expiresAt.After(s.now()) {
		s.mu.Unlock()
		return c.entry, c.found, nil
	}
	s.mu.Unlock()

	e, found, err := s.backend.Find(ctx, service, brand, tenantID, key)
	if err != nil {
		return Entry{}, false, err
	}
	s.mu.Lock()
	s.cache[ck] = cached{entry: e, found: found, expiresAt: s.now().Add(cacheTTL)}
	s.mu.Unlock()
	return e, found, nil
}

// resolve applies the precedence order: exact (service,brand,tenant) ->
// (service,brand) -> (service,tenant) -> (service). First hit wins.
func (s *Store) resolve(ctx context.Context, service, key string, scope Scope) (Entry, bool, error) {
	type dim struct{ brand, tenant string }
	order := []dim{
		{scope.Brand, scope.TenantID},
		{scope.Brand, ""},
		{"", scope.TenantID},
		{"", ""},
	}
	seen := make(map[dim]bool, 4)
	for _, d := range order {
		if seen[d] {
			continue
		}
		seen[d] = true
		e, found, err := s.lookup(ctx, service, d.brand, d.tenant, key)
		if err != nil {
			return Entry{}, false, err
		}
		if found {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

func (s *Store) filter(e Entry, scope Scope) any {
	if len(e.SensitivePaths) == 0 {
		return value.Clone(e.Value)
	}
	if scope.IncludeSensitive && scope.privileged() {
		return value.Clone(e.Value)
	}
	return value.StripPaths(e.Value, e.SensitivePaths)
}

// Get resolves a key and returns its filtered value.
func (s *Store) Get(ctx context.Context, service, key string, scope Scope) (any, error) {
	e, found, err := s.resolve(ctx, service, key, scope)
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "config store unavailable", err, "service", service, "key", key)
	}
	if !found {
		return nil, errs.E(errs.NotFound, "config key not found", "service", service, "key", key)
	}
	return s.filter(e, scope), nil
}

// GetOr resolves a key, falling back to def on missing key or backend
// failure. Backend failures are logged, never surfaced.
func (s *Store) GetOr(ctx context.Context, service, key string, scope Scope, def any) any {
	v, err := s.Get(ctx, service, key, scope)
	if err != nil {
		if !errs.Is(err, errs.NotFound) {
			s.Logger.Warn("config lookup failed, using default",
				zap.String("service", service), zap.String("key", key), zap.Error(err))
		}
		return def
	}
	return v
}

// GetAll returns every filtered value visible to the scope for a service.
func (s *Store) GetAll(ctx context.Context, service string, scope Scope) (map[string]any, error) {
	entries, err := s.backend.List(ctx, service)
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "config store unavailable", err, "service", service)
	}
	out := make(map[string]any)
	for _, key := range keysOf(entries) {
		e, found, err := s.resolve(ctx, service, key, scope)
		if err != nil {
			return nil, errs.Wrap(errs.DependencyUnavailable, "config store unavailable", err, "service", service)
		}
		if found {
			out[key] = s.filter(e, scope)
		}
	}
	return out, nil
}

func keysOf(entries []Entry) []string {
	seen := make(map[string]bool, len(entries))
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if !seen[e.Key] {
			seen[e.Key] = true
			keys = append(keys, e.Key)
		}
	}
	return keys
}

// Set validates sensitive paths against the value, bumps the version via an
// optimistic check, and invalidates the cache for the exact tuple.
func (s *Store) Set(ctx context.Context, service, key string, val any, scope Scope, sensitivePaths []string, description string) (Entry, error) {
	for _, p := range sensitivePaths {
		if !value.Has(val, p) {
			return Entry{}, errs.E(errs.InvalidInput, "sensitive path does not exist in value",
				"service", service, "key", key, "path", p)
		}
	}
	existing, found, err := s.backend.Find(ctx, service, scope.Brand, scope.TenantID, key)
	if err != nil {
		return Entry{}, errs.Wrap(errs.DependencyUnavailable, "config store unavailable", err)
	}
	now := s.now()
	e := Entry{
		Service:        service,
		Brand:          scope.Brand,
		TenantID:       scope.TenantID,
		Key:            key,
		Value:          value.Clone(val),
		SensitivePaths: append([]string(nil), sensitivePaths...),
		Description:    description,
		UpdatedBy:      scope.ActorID,
		UpdatedAt:      now,
	}
	var expected int64
	if found {
		expected = existing.Version
		e.CreatedAt = existing.CreatedAt
		e.Version = existing.Version + 1
	} else {
		e.CreatedAt = now
		e.Version = 1
	}
	stored, err := s.backend.Upsert(ctx, e, expected)
	if err != nil {
		return Entry{}, err
	}
	s.invalidate(service, scope.Brand, scope.TenantID, key)
	return stored, nil
}

// Delete removes the exact tuple and invalidates its cache line.
func (s *Store) Delete(ctx context.Context, service, key string, scope Scope) error {
	if err := s.backend.Delete(ctx, service, scope.Brand, scope.TenantID, key); err != nil {
		return errs.Wrap(errs.DependencyUnavailable, "config store unavailable", err)
	}
	s.invalidate(service, scope.Brand, scope.TenantID, key)
	return nil
}

// Reload drops every cached line for the service so the next read refetches.
func (s *Store) Reload(service string) {
	prefix := service + "\x00"
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.cache {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(s.cache, k)
		}
	}
}

func (s *Store) invalidate(service, brand, tenantID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, cacheKey(service, brand, tenantID, key))
}

// Default declares a service-level configuration entry registered at boot.
type Default struct {
	Key            string
	Value          any
	SensitivePaths []string
	Description    string
}

// RegisterDefaults upserts missing service-level keys and leaves existing
// ones untouched.
func (s *Store) RegisterDefaults(ctx context.Context, service string, defaults []Default) error {
	for _, d := range defaults {
		_, found, err := s.backend.Find(ctx, service, "", "", d.Key)
		if err != nil {
			return errs.Wrap(errs.DependencyUnavailable, "config store unavailable", err, "service", service)
		}
		if found {
			continue
		}
		now := s.now()
		_, err = s.backend.Upsert(ctx, Entry{
			Service:        service,
			Key:            d.Key,
			Value:          value.Clone(d.Value),
			SensitivePaths: append([]string(nil), d.SensitivePaths...),
			Description:    d.Description,
			Version:        1,
			UpdatedBy:      "system",
			CreatedAt:      now,
			UpdatedAt:      now,
		}, 0)
		if err != nil && !errs.Is(err, errs.Conflict) {
			return err
		}
	}
	return nil
}

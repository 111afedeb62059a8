package cache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

type Memory struct {
	Clock clock.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemory(clk clock.Clock) *Memory {
	return &Memory{Clock: clk, entries: make(map[string]memoryEntry)}
}

func (m *Memory) now() time.Time {
	if m.Clock == nil {
		return time.Now().UTC()
	}
	return m.Clock.Now().UTC()
}

func (m *Memory) live(e memoryEntry) bool {
	return e.expiresAt.IsZero() || e.expiresAt.After(m.now())
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !m.live(e) {
		delete(m.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memoryEntry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Scan(_ context.Context, pattern string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := make([]string, 0)
	for k, e := range m.entries {
		if !m.live(e) {
			continue
		}
		if matchGlob(pattern, k) {
			out = append(out, k)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || !m.live(e) {
		e = memoryEntry{value: "0"}
		if ttl > 0 {
			e.expiresAt = m.now().Add(ttl)
		}
	}
	n, _ := strconv.ParseInt(e.value, 10, 64)
	n++
	e.value = strconv.FormatInt(n, 10)
	m.entries[key] = e
	return n, nil
}

// matchGlob supports the "*" wildcard, which is all the callers use.
func matchGlob(pattern, s string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

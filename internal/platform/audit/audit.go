// Package audit keeps a hash-chained trail of mutating operations. Every
// financial or identity mutation appends an event with before/after JSON
// snapshots; chain verification detects tampering or lost writes.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

type Event struct {
	AuditID    string
	OccurredAt time.Time
	RecordedAt time.Time
	ActorID    string
	ActorType  string
	TenantID   string
	ObjectType string
	ObjectID   string
	Action     string
	Before     []byte
	After      []byte
	Result     Result
	Reason     string
	HashPrev   string
	HashCurr   string
}

var ErrCorruptChain = errors.New("audit chain corruption detected")

func ComputeHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.AuditID))
	_, _ = h.Write([]byte("|" + e.RecordedAt.UTC().Format(time.RFC3339Nano)))
	_, _ = h.Write([]byte("|" + e.ActorID + "|" + e.TenantID + "|" + e.ObjectType + "|" + e.ObjectID + "|" + e.Action + "|" + string(e.Result)))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x|%x", e.Before, e.After)))
	return hex.EncodeToString(h.Sum(nil))
}

// Trail is an in-memory hash chain. One trail per service keeps chains short
// and verification cheap.
type Trail struct {
	mu     sync.Mutex
	events []Event
	last   string
}

func NewTrail() *Trail {
	return &Trail{last: "GENESIS"}
}

func (t *Trail) Append(e Event) (Event, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.events) > 0 {
		prev := t.events[len(t.events)-1]
		if ComputeHash(prev.HashPrev, prev) != prev.HashCurr {
			return Event{}, ErrCorruptChain
		}
	}

	e.HashPrev = t.last
	e.HashCurr = ComputeHash(t.last, e)
	t.events = append(t.events, e)
	t.last = e.HashCurr
	return e, nil
}

func (t *Trail) Events() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Verify walks the full chain and returns the index of the first broken
// link, or -1 when intact.
func (t *Trail) Verify() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := "GENESIS"
	for i, e := range t.events {
		if e.HashPrev != prev || ComputeHash(prev, e) != e.HashCurr {
			return i
		}
		prev = e.HashCurr
	}
	return -1
}

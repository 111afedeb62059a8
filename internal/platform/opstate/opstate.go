// Package opstate tracks in-flight operations through short-lived cache
// entries so a crashed worker leaves a discoverable trace instead of a
// silent gap. Recovery sweeps read these states to find stuck work.
package opstate

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/cache"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRecovered  = "recovered"
)

const (
	activeTTL   = 60 * time.Second
	terminalTTL = 300 * time.Second
)

// State is the cached record. Timestamps travel as ISO-8601 strings so any
// reader can parse them regardless of runtime.
type State struct {
	OperationID   string   `json:"operationId"`
	OperationType string   `json:"operationType"`
	Status        string   `json:"status"`
	StartedAt     string   `json:"startedAt"`
	LastHeartbeat string   `json:"lastHeartbeat"`
	Steps         []string `json:"steps,omitempty"`
	CurrentStep   string   `json:"currentStep,omitempty"`
	Error         string   `json:"error,omitempty"`
}

func (s State) StartedTime() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s.StartedAt)
}

func (s State) HeartbeatTime() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s.LastHeartbeat)
}

type Tracker struct {
	cache cache.Cache
	clk   clock.Clock
}

func NewTracker(c cache.Cache, clk clock.Clock) *Tracker {
	return &Tracker{cache: c, clk: clk}
}

func key(opType, opID string) string {
	return "operation_state:" + opType + ":" + opID
}

func ttlFor(status string) time.Duration {
	switch status {
	case StatusCompleted, StatusFailed, StatusRecovered:
		return terminalTTL
	default:
		return activeTTL
	}
}

func (t *Tracker) now() string {
	return t.clk.Now().UTC().Format(time.RFC3339Nano)
}

// SetState records a fresh operation. Status defaults to pending.
func (t *Tracker) SetState(ctx context.Context, opType, opID, status string, steps []string) (State, error) {
	if opType == "" || opID == "" {
		return State{}, errs.E(errs.InvalidInput, "operation type and id required")
	}
	if status == "" {
		status = StatusPending
	}
	now := t.now()
	s := State{
		OperationID:   opID,
		OperationType: opType,
		Status:        status,
		StartedAt:     now,
		LastHeartbeat: now,
		Steps:         steps,
	}
	return s, t.write(ctx, s)
}

// UpdateHeartbeat refreshes the liveness stamp, optionally advancing the
// current step, and re-arms the in-flight TTL.
func (t *Tracker) UpdateHeartbeat(ctx context.Context, opType, opID, currentStep string) error {
	s, err := t.Get(ctx, opType, opID)
	if err != nil {
		return err
	}
	s.Status = StatusInProgress
	s.LastHeartbeat = t.now()
	if currentStep != "" {
		s.CurrentStep = currentStep
	}
	return t.write(ctx, s)
}

func (t *Tracker) MarkCompleted(ctx context.Context, opType, opID string) error {
	return t.finish(ctx, opType, opID, StatusCompleted, "")
}

func (t *Tracker) MarkFailed(ctx context.Context, opType, opID, reason string) error {
	return t.finish(ctx, opType, opID, StatusFailed, reason)
}

// MarkRecovered is used by recovery sweeps after they repair an operation.
func (t *Tracker) MarkRecovered(ctx context.Context, opType, opID string) error {
	return t.finish(ctx, opType, opID, StatusRecovered, "")
}

func (t *Tracker) finish(ctx context.Context, opType, opID, status, reason string) error {
	s, err := t.Get(ctx, opType, opID)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			// the active entry may have expired; record the outcome anyway
			s = State{OperationID: opID, OperationType: opType, StartedAt: t.now()}
		} else {
			return err
		}
	}
	s.Status = status
	s.LastHeartbeat = t.now()
	s.Error = reason
	return t.write(ctx, s)
}

func (t *Tracker) Get(ctx context.Context, opType, opID string) (State, error) {
	raw, ok, err := t.cache.Get(ctx, key(opType, opID))
	if err != nil {
		return State{}, errs.Wrap(errs.DependencyUnavailable, "operation state read failed", err)
	}
	if !ok {
		return State{}, errs.E(errs.NotFound, "operation state not found", "type", opType, "id", opID)
	}
	var s State
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return State{}, errs.Wrap(errs.Fatal, "operation state corrupt", err, "type", opType, "id", opID)
	}
	return s, nil
}

// FindStuck returns pending or in-progress operations of the given type
// whose heartbeat is older than maxAge. The scan is cursor-based and bounded
// so it never blocks the shared cache.
func (t *Tracker) FindStuck(ctx context.Context, opType string, maxAge time.Duration) ([]State, error) {
	keys, err := t.cache.Scan(ctx, "operation_state:"+opType+":*", 500)
	if err != nil {
		return nil, errs.Wrap(errs.DependencyUnavailable, "operation state scan failed", err)
	}
	cutoff := t.clk.Now().UTC().Add(-maxAge)
	out := make([]State, 0)
	for _, k := range keys {
		raw, ok, err := t.cache.Get(ctx, k)
		if err != nil || !ok {
			continue
		}
		var s State
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		if s.Status != StatusPending && s.Status != StatusInProgress {
			continue
		}
		hb, err := s.HeartbeatTime()
		if err != nil {
			// unparseable heartbeat counts as stale
			out = append(out, s)
			continue
		}
		if hb.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *Tracker) DeleteState(ctx context.Context, opType, opID string) error {
	if err := t.cache.Delete(ctx, key(opType, opID)); err != nil {
		return errs.Wrap(errs.DependencyUnavailable, "operation state delete failed", err)
	}
	return nil
}

func (t *Tracker) write(ctx context.Context, s State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return errs.Wrap(errs.Fatal, "operation state encode failed", err)
	}
	if err := t.cache.Set(ctx, key(s.OperationType, s.OperationID), string(raw), ttlFor(s.Status)); err != nil {
		return errs.Wrap(errs.DependencyUnavailable, "operation state write failed", err)
	}
	return nil
}

// TypeOfKey extracts the operation type from a raw cache key, for sweeps
// that scan across types.
func TypeOfKey(k string) string {
	parts := strings.SplitN(k, ":", 3)
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

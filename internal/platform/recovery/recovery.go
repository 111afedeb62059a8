// Package recovery restores ledger consistency for operations left behind
// by crashed or interrupted workers. Per-operation-type handlers know how
// to inspect, reverse, or delete their operations; the framework owns the
// dispatch rules and the periodic sweep.
package recovery

import (
	"context"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
	"github.com/fairlinestudio/open-pay-go/internal/platform/opstate"
	"github.com/fairlinestudio/open-pay-go/internal/platform/repo"
)

const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
	StatusRecovered = "recovered"
)

// Operation is a handler's view of the record under recovery.
type Operation struct {
	ID     string
	Type   string
	Status string
	Meta   map[string]any
}

// Handler adapts one operation type to the framework. Transactional scope
// rides on the context passed to each method.
type Handler interface {
	GetOperationType() string
	// FindOperation returns nil when the operation does not exist.
	FindOperation(ctx context.Context, id string) (*Operation, error)
	// FindRelatedPostings returns ids of ledger postings the operation made.
	FindRelatedPostings(ctx context.Context, op *Operation) ([]string, error)
	NeedsRecovery(ctx context.Context, op *Operation, postings []string) (bool, error)
	// ReverseOperation creates the opposite operation and returns its id.
	ReverseOperation(ctx context.Context, op *Operation) (string, error)
	DeleteOperation(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id, status string, meta map[string]any) error
}

// NeedsRecoveryDefault is the rule handlers fall back to: anything that
// either left postings without reaching a clean terminal state, or reached
// approved/completed and is being recovered at the caller's request.
func NeedsRecoveryDefault(op *Operation, postings []string) bool {
	switch op.Status {
	case StatusPending, StatusFailed:
		return len(postings) > 0 || op.Status == StatusPending
	case StatusApproved, StatusCompleted:
		return true
	default:
		return false
	}
}

type Action string

const (
	ActionNone          Action = "no_action_needed"
	ActionReversed      Action = "reversed"
	ActionDeleted       Action = "deleted"
	ActionAlreadyFailed Action = "already_failed"
)

const (
	ReasonNotFound   = "operation_not_found"
	ReasonConsistent = "operation_consistent"
	ReasonContested  = "recovery_in_progress"
)

type Outcome struct {
	Action              Action `json:"action"`
	Reason              string `json:"reason,omitempty"`
	RecoveryOperationID string `json:"recoveryOperationId,omitempty"`
}

type Framework struct {
	handlers map[string]Handler
	tracker  *opstate.Tracker
	sessions repo.Sessions
}

func NewFramework(tracker *opstate.Tracker, sessions repo.Sessions) *Framework {
	if sessions == nil {
		sessions = repo.NoopSessions{}
	}
	return &Framework{handlers: make(map[string]Handler), tracker: tracker, sessions: sessions}
}

func (f *Framework) Register(h Handler) {
	f.handlers[h.GetOperationType()] = h
}

func (f *Framework) Handler(opType string) (Handler, bool) {
	h, ok := f.handlers[opType]
	return h, ok
}

func (f *Framework) Types() []string {
	out := make([]string, 0, len(f.handlers))
	for t := range f.handlers {
		out = append(out, t)
	}
	return out
}

// Recover repairs one operation. The in-progress tracker entry keeps two
// replicas from recovering the same operation at once; the loser backs off
// with a contested outcome.
func (f *Framework) Recover(ctx context.Context, opType, opID string) (Outcome, error) {
	h, ok := f.handlers[opType]
	if !ok {
		return Outcome{}, errs.E(errs.InvalidInput, "no recovery handler registered", "type", opType)
	}

	stateType := "recovery_" + opType
	if existing, err := f.tracker.Get(ctx, stateType, opID); err == nil {
		if existing.Status == opstate.StatusPending || existing.Status == opstate.StatusInProgress {
			return Outcome{Action: ActionNone, Reason: ReasonContested}, nil
		}
	}
	if _, err := f.tracker.SetState(ctx, stateType, opID, opstate.StatusInProgress, nil); err != nil {
		return Outcome{}, err
	}

	var out Outcome
	err := f.sessions.WithSession(ctx, func(ctx context.Context) error {
		var err error
		out, err = f.recoverInSession(ctx, h, opID)
		return err
	})
	if err != nil {
		_ = f.tracker.MarkFailed(ctx, stateType, opID, err.Error())
		return Outcome{}, err
	}
	if err := f.tracker.MarkCompleted(ctx, stateType, opID); err != nil {
		return out, err
	}
	return out, nil
}

func (f *Framework) recoverInSession(ctx context.Context, h Handler, opID string) (Outcome, error) {
	op, err := h.FindOperation(ctx, opID)
	if err != nil {
		return Outcome{}, err
	}
	if op == nil {
		return Outcome{Action: ActionNone, Reason: ReasonNotFound}, nil
	}

	postings, err := h.FindRelatedPostings(ctx, op)
	if err != nil {
		return Outcome{}, err
	}

	needs, err := h.NeedsRecovery(ctx, op, postings)
	if err != nil {
		return Outcome{}, err
	}
	if !needs {
		return Outcome{Action: ActionNone, Reason: ReasonConsistent}, nil
	}

	switch op.Status {
	case StatusApproved, StatusCompleted:
		return f.reverse(ctx, h, op)
	case StatusPending:
		if len(postings) > 0 {
			return f.reverse(ctx, h, op)
		}
		if err := h.DeleteOperation(ctx, op.ID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Action: ActionDeleted}, nil
	case StatusFailed:
		if len(postings) > 0 {
			return f.reverse(ctx, h, op)
		}
		return Outcome{Action: ActionAlreadyFailed}, nil
	default:
		return Outcome{Action: ActionNone, Reason: ReasonConsistent}, nil
	}
}

func (f *Framework) reverse(ctx context.Context, h Handler, op *Operation) (Outcome, error) {
	revID, err := h.ReverseOperation(ctx, op)
	if err != nil {
		return Outcome{}, err
	}
	meta := map[string]any{"recoveryOperationId": revID, "recoveredFrom": op.Status}
	if err := h.UpdateStatus(ctx, op.ID, StatusRecovered, meta); err != nil {
		return Outcome{}, err
	}
	return Outcome{Action: ActionReversed, RecoveryOperationID: revID}, nil
}

// RecoverStuck finds stale operations of one type and repairs them one at a
// time. Per-operation failures are reported but do not stop the pass.
type StuckResult struct {
	OperationID string
	Outcome     Outcome
	Err         error
}

func (f *Framework) RecoverStuck(ctx context.Context, opType string, maxAge time.Duration) ([]StuckResult, error) {
	if _, ok := f.handlers[opType]; !ok {
		return nil, errs.E(errs.InvalidInput, "no recovery handler registered", "type", opType)
	}
	stuck, err := f.tracker.FindStuck(ctx, opType, maxAge)
	if err != nil {
		return nil, err
	}
	out := make([]StuckResult, 0, len(stuck))
	for _, s := range stuck {
		outcome, err := f.Recover(ctx, opType, s.OperationID)
		out = append(out, StuckResult{OperationID: s.OperationID, Outcome: outcome, Err: err})
		if err == nil {
			_ = f.tracker.MarkRecovered(ctx, opType, s.OperationID)
		}
	}
	return out, nil
}

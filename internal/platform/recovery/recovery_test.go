package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/cache"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
	"github.com/fairlinestudio/open-pay-go/internal/platform/opstate"
)

type fakeHandler struct {
	ops        map[string]*Operation
	postings   map[string][]string
	reversed   []string
	deleted    []string
	statuses   map[string]string
	metas      map[string]map[string]any
	reverseErr error
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		ops:      map[string]*Operation{},
		postings: map[string][]string{},
		statuses: map[string]string{},
		metas:    map[string]map[string]any{},
	}
}

func (h *fakeHandler) GetOperationType() string { return "transfer" }

func (h *fakeHandler) FindOperation(_ context.Context, id string) (*Operation, error) {
	return h.ops[id], nil
}

func (h *fakeHandler) FindRelatedPostings(_ context.Context, op *Operation) ([]string, error) {
	return h.postings[op.ID], nil
}

func (h *fakeHandler) NeedsRecovery(_ context.Context, op *Operation, postings []string) (bool, error) {
	return NeedsRecoveryDefault(op, postings), nil
}

func (h *fakeHandler) ReverseOperation(_ context.Context, op *Operation) (string, error) {
	if h.reverseErr != nil {
		return "", h.reverseErr
	}
	h.reversed = append(h.reversed, op.ID)
	return "rev-" + op.ID, nil
}

func (h *fakeHandler) DeleteOperation(_ context.Context, id string) error {
	h.deleted = append(h.deleted, id)
	delete(h.ops, id)
	return nil
}

func (h *fakeHandler) UpdateStatus(_ context.Context, id, status string, meta map[string]any) error {
	h.statuses[id] = status
	h.metas[id] = meta
	return nil
}

func newFramework(t *testing.T) (*Framework, *fakeHandler, *opstate.Tracker, *clock.Fixed) {
	t.Helper()
	clk := &clock.Fixed{T: time.Date(2026, 5, 4, 7, 0, 0, 0, time.UTC)}
	tracker := opstate.NewTracker(cache.NewMemory(clk), clk)
	f := NewFramework(tracker, nil)
	h := newFakeHandler()
	f.Register(h)
	return f, h, tracker, clk
}

func TestRecoverMissingOperation(t *testing.T) {
	f, _, _, _ := newFramework(t)
	out, err := f.Recover(context.Background(), "transfer", "nope")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if out.Action != ActionNone || out.Reason != ReasonNotFound {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestRecoverConsistentOperation(t *testing.T) {
	f, h, _, _ := newFramework(t)
	h.ops["op-1"] = &Operation{ID: "op-1", Type: "transfer", Status: StatusRecovered}
	out, err := f.Recover(context.Background(), "transfer", "op-1")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if out.Action != ActionNone || out.Reason != ReasonConsistent {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestRecoverDispatchByStatus(t *testing.T) {
	cases := []struct {
		name       string
		status     string
		postings   []string
		wantAction Action
	}{
		{"approved reverses", StatusApproved, []string{"p1", "p2"}, ActionReversed},
		{"completed reverses", StatusCompleted, []string{"p1"}, ActionReversed},
		{"pending with postings reverses", StatusPending, []string{"p1"}, ActionReversed},
		{"pending without postings deletes", StatusPending, nil, ActionDeleted},
		{"failed with postings reverses", StatusFailed, []string{"p1"}, ActionReversed},
		{"failed without postings stays", StatusFailed, nil, ActionAlreadyFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, h, _, _ := newFramework(t)
			h.ops["op-1"] = &Operation{ID: "op-1", Type: "transfer", Status: tc.status}
			h.postings["op-1"] = tc.postings

			out, err := f.Recover(context.Background(), "transfer", "op-1")
			if err != nil {
				t.Fatalf("recover: %v", err)
			}
			if out.Action != tc.wantAction {
				t.Fatalf("action = %q, want %q", out.Action, tc.wantAction)
			}
			if tc.wantAction == ActionReversed {
				if out.RecoveryOperationID != "rev-op-1" {
					t.Fatalf("recovery op id = %q", out.RecoveryOperationID)
				}
				if h.statuses["op-1"] != StatusRecovered {
					t.Fatalf("original status = %q", h.statuses["op-1"])
				}
				if h.metas["op-1"]["recoveryOperationId"] != "rev-op-1" {
					t.Fatalf("meta = %+v", h.metas["op-1"])
				}
			}
			if tc.wantAction == ActionDeleted && len(h.deleted) != 1 {
				t.Fatalf("deleted = %v", h.deleted)
			}
		})
	}
}

func TestRecoverContested(t *testing.T) {
	f, h, tracker, _ := newFramework(t)
	h.ops["op-1"] = &Operation{ID: "op-1", Type: "transfer", Status: StatusApproved}

	// another replica already claimed this operation
	if _, err := tracker.SetState(context.Background(), "recovery_transfer", "op-1", opstate.StatusInProgress, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	out, err := f.Recover(context.Background(), "transfer", "op-1")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if out.Action != ActionNone || out.Reason != ReasonContested {
		t.Fatalf("outcome: %+v", out)
	}
	if len(h.reversed) != 0 {
		t.Fatalf("contested recovery still reversed: %v", h.reversed)
	}
}

func TestRecoverUnknownType(t *testing.T) {
	f, _, _, _ := newFramework(t)
	if _, err := f.Recover(context.Background(), "unknown", "op-1"); !errs.Is(err, errs.InvalidInput) {
		t.Fatalf("err = %v, want InvalidInput", err)
	}
}

func TestRecoverHandlerFailureMarksTrackerFailed(t *testing.T) {
	f, h, tracker, _ := newFramework(t)
	h.ops["op-1"] = &Operation{ID: "op-1", Type: "transfer", Status: StatusApproved}
	h.reverseErr = errs.E(errs.DependencyUnavailable, "ledger down")

	if _, err := f.Recover(context.Background(), "transfer", "op-1"); err == nil {
		t.Fatalf("expected error")
	}
	s, err := tracker.Get(context.Background(), "recovery_transfer", "op-1")
	if err != nil {
		t.Fatalf("tracker get: %v", err)
	}
	if s.Status != opstate.StatusFailed {
		t.Fatalf("tracker status = %q", s.Status)
	}
}

func TestRecoverStuckSweep(t *testing.T) {
	f, h, tracker, clk := newFramework(t)
	ctx := context.Background()

	h.ops["stale-1"] = &Operation{ID: "stale-1", Type: "transfer", Status: StatusPending}
	h.postings["stale-1"] = []string{"p1"}
	h.ops["stale-2"] = &Operation{ID: "stale-2", Type: "transfer", Status: StatusPending}

	if _, err := tracker.SetState(ctx, "transfer", "stale-1", opstate.StatusInProgress, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := tracker.SetState(ctx, "transfer", "stale-2", opstate.StatusInProgress, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	clk.Advance(30 * time.Second)
	if _, err := tracker.SetState(ctx, "transfer", "fresh", opstate.StatusInProgress, nil); err != nil {
		t.Fatalf("set: %v", err)
	}

	results, err := f.RecoverStuck(ctx, "transfer", 20*time.Second)
	if err != nil {
		t.Fatalf("recover stuck: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %+v, want 2", results)
	}
	actions := map[string]Action{}
	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("op %s: %v", r.OperationID, r.Err)
		}
		actions[r.OperationID] = r.Outcome.Action
	}
	if actions["stale-1"] != ActionReversed || actions["stale-2"] != ActionDeleted {
		t.Fatalf("actions: %+v", actions)
	}

	// repaired operations drop out of the next sweep
	results, err = f.RecoverStuck(ctx, "transfer", 20*time.Second)
	if err != nil || len(results) != 0 {
		t.Fatalf("second sweep: %+v, %v", results, err)
	}
}

func TestSweepContinuesPastFailures(t *testing.T) {
	f, h, tracker, clk := newFramework(t)
	ctx := context.Background()

	h.ops["bad"] = &Operation{ID: "bad", Type: "transfer", Status: StatusApproved}
	h.ops["good"] = &Operation{ID: "good", Type: "transfer", Status: StatusPending}

	if _, err := tracker.SetState(ctx, "transfer", "bad", opstate.StatusInProgress, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := tracker.SetState(ctx, "transfer", "good", opstate.StatusInProgress, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	clk.Advance(30 * time.Second)

	h.reverseErr = errs.E(errs.DependencyUnavailable, "ledger down")
	job := NewJob(f, time.Minute, 20*time.Second, nil)
	repaired, failed := job.Sweep(ctx)
	if repaired != 1 || failed != 1 {
		t.Fatalf("repaired=%d failed=%d, want 1/1", repaired, failed)
	}
}

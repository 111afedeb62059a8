// Package saga runs ordered multi-step operations with per-step
// compensations. A failed critical step unwinds everything executed so far,
// in reverse order, each compensation in its own isolated scope.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/cache"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

// Run is the mutable state threaded through one saga execution. Each run
// owns its Values map; runs never share state.
type Run struct {
	SagaID string
	Values map[string]any
	Errors []string
}

func (r *Run) Set(key string, v any) {
	if r.Values == nil {
		r.Values = map[string]any{}
	}
	r.Values[key] = v
}

func (r *Run) Get(key string) (any, bool) {
	v, ok := r.Values[key]
	return v, ok
}

func (r *Run) String(key string) string {
	s, _ := r.Values[key].(string)
	return s
}

type Step struct {
	Name     string
	Critical bool
	Execute  func(ctx context.Context, run *Run) error
	// Compensate undoes Execute. It must be idempotent and must not assume
	// state written by later steps exists.
	Compensate func(ctx context.Context, run *Run) error
}

type Result struct {
	Success     bool           `json:"success"`
	Errors      []string       `json:"errors,omitempty"`
	StepName    string         `json:"stepName,omitempty"`
	Compensated bool           `json:"compensated,omitempty"`
	Values      map[string]any `json:"values,omitempty"`
}

// resultWindow bounds how long a sagaId short-circuits to its original
// result.
const resultWindow = 10 * time.Minute

type Orchestrator struct {
	cache cache.Cache
}

// NewOrchestrator wires the idempotency cache. cache may be nil, which
// disables sagaId short-circuiting.
func NewOrchestrator(c cache.Cache) *Orchestrator {
	return &Orchestrator{cache: c}
}

func resultKey(sagaID string) string {
	return "saga_result:" + sagaID
}

// Execute runs the steps in order. A repeated call with the same sagaID
// inside the result window returns the original result without re-running
// anything.
func (o *Orchestrator) Execute(ctx context.Context, sagaID string, steps []Step, input map[string]any) (Result, error) {
	if sagaID != "" && o.cache != nil {
		if raw, ok, err := o.cache.Get(ctx, resultKey(sagaID)); err == nil && ok {
			var cached Result
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				return cached, nil
			}
		}
	}

	run := &Run{SagaID: sagaID, Values: map[string]any{}}
	for k, v := range input {
		run.Values[k] = v
	}

	var executed []Step
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			res := o.unwind(run, executed, step.Name,
				errs.E(errs.Expired, "saga cancelled", "step", step.Name))
			return o.remember(ctx, sagaID, res), nil
		}
		err := runStep(ctx, step, run)
		if err == nil {
			executed = append(executed, step)
			continue
		}
		if !step.Critical {
			run.Errors = append(run.Errors, step.Name+": "+err.Error())
			continue
		}
		res := o.unwind(run, executed, step.Name, err)
		return o.remember(ctx, sagaID, res), nil
	}

	res := Result{Success: true, Errors: run.Errors, Values: run.Values}
	return o.remember(ctx, sagaID, res), nil
}

// unwind compensates executed steps in reverse order. Each compensation is
// isolated; a panicking or failing compensation is recorded and the unwind
// continues.
func (o *Orchestrator) unwind(run *Run, executed []Step, failedStep string, cause error) Result {
	res := Result{
		Success:     false,
		Errors:      append(append([]string{}, run.Errors...), cause.Error()),
		StepName:    failedStep,
		Compensated: true,
		Values:      run.Values,
	}
	for i := len(executed) - 1; i >= 0; i-- {
		step := executed[i]
		if step.Compensate == nil {
			continue
		}
		// compensations run detached from the cancelled request context
		if err := runCompensation(context.Background(), step, run); err != nil {
			res.Errors = append(res.Errors, "compensate "+step.Name+": "+err.Error())
		}
	}
	return res
}

func (o *Orchestrator) remember(ctx context.Context, sagaID string, res Result) Result {
	if sagaID == "" || o.cache == nil {
		return res
	}
	if raw, err := json.Marshal(res); err == nil {
		_ = o.cache.Set(ctx, resultKey(sagaID), string(raw), resultWindow)
	}
	return res
}

func runStep(ctx context.Context, step Step, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.E(errs.Fatal, fmt.Sprintf("step panicked: %v", r), "step", step.Name)
		}
	}()
	return step.Execute(ctx, run)
}

func runCompensation(ctx context.Context, step Step, run *Run) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.E(errs.Fatal, fmt.Sprintf("compensation panicked: %v", r), "step", step.Name)
		}
	}()
	return step.Compensate(ctx, run)
}

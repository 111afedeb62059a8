package recovery

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Job sweeps every registered handler's operation type on a timer.
type Job struct {
	framework *Framework
	interval  time.Duration
	maxAge    time.Duration
	log       *zap.Logger
	stop      chan struct{}
	done      chan struct{}
}

func NewJob(f *Framework, interval, maxAge time.Duration, log *zap.Logger) *Job {
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{
		framework: f,
		interval:  interval,
		maxAge:    maxAge,
		log:       log,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (j *Job) Start() {
	go j.loop()
}

func (j *Job) Stop() {
	close(j.stop)
	<-j.done
}

func (j *Job) loop() {
	defer close(j.done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			j.Sweep(context.Background())
		}
	}
}

// Sweep runs one pass over all registered types. Exported so one-shot
// callers (recoverctl) reuse the same path as the timer.
func (j *Job) Sweep(ctx context.Context) (repaired, failed int) {
	for _, opType := range j.framework.Types() {
		results, err := j.framework.RecoverStuck(ctx, opType, j.maxAge)
		if err != nil {
			j.log.Warn("recovery sweep failed",
				zap.String("operationType", opType), zap.Error(err))
			failed++
			continue
		}
		for _, r := range results {
			if r.Err != nil {
				failed++
				j.log.Warn("operation recovery failed",
					zap.String("operationType", opType),
					zap.String("operationId", r.OperationID),
					zap.Error(r.Err))
				continue
			}
			repaired++
			j.log.Info("operation recovered",
				zap.String("operationType", opType),
				zap.String("operationId", r.OperationID),
				zap.String("action", string(r.Outcome.Action)),
				zap.String("recoveryOperationId", r.Outcome.RecoveryOperationID))
		}
	}
	return repaired, failed
}

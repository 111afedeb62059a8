package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// MaintenanceJob runs the periodic sweeps that keep stores tidy: expired or
// long-revoked sessions are deleted and lapsed bonuses reclaimed. OTP
// challenges live in the TTL cache and need no sweep.
type MaintenanceJob struct {
	identity *IdentityService
	bonus    *BonusService
	interval time.Duration
	log      *zap.Logger
	stop     chan struct{}
	done     chan struct{}
}

func NewMaintenanceJob(identity *IdentityService, bonus *BonusService, interval time.Duration, log *zap.Logger) *MaintenanceJob {
	if log == nil {
		log = zap.NewNop()
	}
	return &MaintenanceJob{
		identity: identity,
		bonus:    bonus,
		interval: interval,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (j *MaintenanceJob) Start() {
	go j.loop()
}

func (j *MaintenanceJob) Stop() {
	close(j.stop)
	<-j.done
}

func (j *MaintenanceJob) loop() {
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

// Sweep runs one pass of every cleanup. A failing sweep is logged and the
// next tick retries; the counts are returned for one-shot callers.
func (j *MaintenanceJob) Sweep(ctx context.Context) (sessionsCleaned, bonusesExpired int) {
	if j.identity != nil {
		n, err := j.identity.CleanupExpiredSessions(ctx)
		if err != nil {
			j.log.Warn("session cleanup failed", zap.Error(err))
		} else if n > 0 {
			sessionsCleaned = n
			j.log.Info("expired sessions cleaned", zap.Int("count", n))
		}
	}
	if j.bonus != nil {
		n, err := j.bonus.ExpireBonuses(ctx)
		if err != nil {
			j.log.Warn("bonus expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			bonusesExpired = n
			j.log.Info("expired bonuses reclaimed", zap.Int("count", n))
		}
	}
	return sessionsCleaned, bonusesExpired
}

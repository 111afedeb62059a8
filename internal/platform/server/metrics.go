package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ledgerPostsTotal       *prometheus.CounterVec
	ledgerConflictRetries  prometheus.Counter
	loginAttemptsTotal     *prometheus.CounterVec
	lockoutActivations     prometheus.Counter
	sessionsActive         prometheus.Gauge
	sessionsCleanedTotal   prometheus.Counter
	transfersTotal         *prometheus.CounterVec
	recoveryRunsTotal      *prometheus.CounterVec
	bonusAwardsTotal       *prometheus.CounterVec
	notificationSendsTotal *prometheus.CounterVec
	rateLimitRejections    prometheus.Counter
}

// NewMetrics registers the metric families with reg. Passing nil uses a
// private registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ledgerPostsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_pay",
				Subsystem: "ledger",
				Name:      "posts_total",
				Help:      "Committed ledger posts partitioned by transaction type and result.",
			},
			[]string{"type", "result"},
		),
		ledgerConflictRetries: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_pay",
				Subsystem: "ledger",
				Name:      "conflict_retries_total",
				Help:      "Write-conflict retries performed by the posting engine.",
			},
		),
		loginAttemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_pay",
				Subsystem: "identity",
				Name:      "login_attempts_total",
				Help:      "Login attempts partitioned by result.",
			},
			[]string{"result"},
		),
		lockoutActivations: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_pay",
				Subsystem: "identity",
				Name:      "lockout_activations_total",
				Help:      "Accounts locked after repeated credential failures.",
			},
		),
		sessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "open_pay",
				Subsystem: "identity",
				Name:      "sessions_active",
				Help:      "Currently valid sessions.",
			},
		),
		sessionsCleanedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_pay",
				Subsystem: "identity",
				Name:      "sessions_cleaned_total",
				Help:      "Sessions deleted by the cleanup worker.",
			},
		),
		transfersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_pay",
				Subsystem: "wallet",
				Name:      "transfers_total",
				Help:      "Transfers partitioned by terminal status.",
			},
			[]string{"status"},
		),
		recoveryRunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_pay",
				Subsystem: "recovery",
				Name:      "runs_total",
				Help:      "Recovery outcomes partitioned by action.",
			},
			[]string{"action"},
		),
		bonusAwardsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_pay",
				Subsystem: "bonus",
				Name:      "awards_total",
				Help:      "Bonus awards partitioned by bonus type.",
			},
			[]string{"type"},
		),
		notificationSendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "open_pay",
				Subsystem: "notify",
				Name:      "sends_total",
				Help:      "Notification sends partitioned by channel and result.",
			},
			[]string{"channel", "result"},
		),
		rateLimitRejections: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: "open_pay",
				Subsystem: "gateway",
				Name:      "rate_limit_rejections_total",
				Help:      "Requests rejected by the fixed-window rate limiter.",
			},
		),
	}
}

func (m *Metrics) ledgerPost(txType, result string) {
	if m == nil {
		return
	}
	m.ledgerPostsTotal.WithLabelValues(txType, result).Inc()
}

func (m *Metrics) ledgerRetry() {
	if m == nil {
		return
	}
	m.ledgerConflictRetries.Inc()
}

func (m *Metrics) loginAttempt(result string) {
	if m == nil {
		return
	}
	m.loginAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) lockout() {
	if m == nil {
		return
	}
	m.lockoutActivations.Inc()
}

func (m *Metrics) sessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionClosed(n int) {
	if m == nil {
		return
	}
	m.sessionsActive.Sub(float64(n))
}

func (m *Metrics) sessionsCleaned(n int) {
	if m == nil {
		return
	}
	m.sessionsCleanedTotal.Add(float64(n))
}

func (m *Metrics) transfer(status string) {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) recoveryRun(action string) {
	if m == nil {
		return
	}
	m.recoveryRunsTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) bonusAward(bonusType string) {
	if m == nil {
		return
	}
	m.bonusAwardsTotal.WithLabelValues(bonusType).Inc()
}

func (m *Metrics) notificationSend(channel, result string) {
	if m == nil {
		return
	}
	m.notificationSendsTotal.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) rateLimited() {
	if m == nil {
		return
	}
	m.rateLimitRejections.Inc()
}

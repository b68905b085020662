package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/glowkit/credit-ledger/pkg/logger"
)

// LedgerMetrics интерфейс для метрик леджера
type LedgerMetrics interface {
	IncDebit(plan string)
	IncDebitRefused(reason string)
	IncRefund(plan string)
	IncRolloverGrant(interval string)
	IncWebhookEvent(status string)
	IncStaleTransition()
	ObserveOverageCharge(amount float64, mode string)
	ObservePoolCharge(pool string, amount float64)
}

type ledgerMetrics struct {
	log              *logger.Logger
	debitsTotal      *prometheus.CounterVec
	debitsRefused    *prometheus.CounterVec
	refundsTotal     *prometheus.CounterVec
	rolloverGrants   *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	staleTransitions prometheus.Counter
	overageCharges   *prometheus.HistogramVec
	poolCharges      *prometheus.HistogramVec
}

// NewLedgerMetrics создает новые метрики леджера
func NewLedgerMetrics(registry *prometheus.Registry, log *logger.Logger) LedgerMetrics {
	debitsTotal := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_debits_total",
			Help: "The total number of accepted credit debits",
		},
		[]string{"plan"},
	)

	debitsRefused := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_debits_refused_total",
			Help: "The total number of refused debits by reason",
		},
		[]string{"reason"},
	)

	refundsTotal := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_refunds_total",
			Help: "The total number of credit refunds",
		},
		[]string{"plan"},
	)

	rolloverGrants := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_rollover_grants_total",
			Help: "The total number of plan credit top-ups granted",
		},
		[]string{"interval"},
	)

	webhookEvents := promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_webhook_events_total",
			Help: "The total number of processed subscription webhook events",
		},
		[]string{"status"},
	)

	staleTransitions := promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_stale_transitions_total",
			Help: "The total number of out-of-order webhook events dropped",
		},
	)

	overageCharges := promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_overage_charge_amount",
			Help:    "Overage charge amounts distribution",
			Buckets: prometheus.ExponentialBuckets(0.15, 2, 8),
		},
		[]string{"mode"},
	)

	poolCharges := promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_pool_charge_credits",
			Help:    "Credits charged per pool distribution",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
		[]string{"pool"},
	)

	return &ledgerMetrics{
		log:              log,
		debitsTotal:      debitsTotal,
		debitsRefused:    debitsRefused,
		refundsTotal:     refundsTotal,
		rolloverGrants:   rolloverGrants,
		webhookEvents:    webhookEvents,
		staleTransitions: staleTransitions,
		overageCharges:   overageCharges,
		poolCharges:      poolCharges,
	}
}

// IncDebit увеличивает счетчик принятых списаний
func (m *ledgerMetrics) IncDebit(plan string) {
	m.debitsTotal.WithLabelValues(plan).Inc()
}

// IncDebitRefused увеличивает счетчик отказов по причине
func (m *ledgerMetrics) IncDebitRefused(reason string) {
	m.debitsRefused.WithLabelValues(reason).Inc()
}

// IncRefund увеличивает счетчик возвратов
func (m *ledgerMetrics) IncRefund(plan string) {
	m.refundsTotal.WithLabelValues(plan).Inc()
}

// IncRolloverGrant увеличивает счетчик начислений кредитов плана
func (m *ledgerMetrics) IncRolloverGrant(interval string) {
	m.rolloverGrants.WithLabelValues(interval).Inc()
}

// IncWebhookEvent увеличивает счетчик обработанных вебхук-событий
func (m *ledgerMetrics) IncWebhookEvent(status string) {
	m.webhookEvents.WithLabelValues(status).Inc()
}

// IncStaleTransition увеличивает счетчик отброшенных устаревших переходов
func (m *ledgerMetrics) IncStaleTransition() {
	m.staleTransitions.Inc()
}

// ObserveOverageCharge записывает сумму чарджа перерасхода
func (m *ledgerMetrics) ObserveOverageCharge(amount float64, mode string) {
	m.overageCharges.WithLabelValues(mode).Observe(amount)
}

// ObservePoolCharge записывает списание по пулу
func (m *ledgerMetrics) ObservePoolCharge(pool string, amount float64) {
	m.poolCharges.WithLabelValues(pool).Observe(amount)
}

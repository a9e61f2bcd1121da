// Package metrics holds the agent's Prometheus collectors. Every method is safe to call on a
// nil *Metrics so components can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yourorg/rebalance-agent/internal/types"
)

// Metrics holds Prometheus metrics for the agent
type Metrics struct {
	cycles          *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	price           *prometheus.GaugeVec
	balanceUSD      *prometheus.GaugeVec
	operations      *prometheus.CounterVec
	locks           *prometheus.GaugeVec
	processingLocks prometheus.Gauge
	cooldowns       prometheus.Gauge
	circuitBreaker  *prometheus.GaugeVec
	approvals       *prometheus.CounterVec
	withdrawals     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalance_task_cycles_total",
				Help: "Total number of periodic task cycles by outcome",
			},
			[]string{"task", "outcome"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rebalance_task_cycle_duration_seconds",
				Help:    "Periodic task cycle duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"task"},
		),
		price: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rebalance_native_price_usd",
				Help: "Latest accepted native asset price per chain",
			},
			[]string{"chain_id"},
		),
		balanceUSD: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rebalance_balance_usd",
				Help: "USD value held per chain and token",
			},
			[]string{"chain_id", "token"},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalance_operations_total",
				Help: "Rebalance operations by resulting status",
			},
			[]string{"status"},
		),
		locks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rebalance_resource_locks",
				Help: "Known resource locks by lifecycle status",
			},
			[]string{"status"},
		),
		processingLocks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rebalance_processing_locks_held",
				Help: "Processing locks currently held",
			},
		),
		cooldowns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rebalance_active_cooldowns",
				Help: "Chain and token pairs currently in failure cooldown",
			},
		),
		circuitBreaker: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rebalance_price_circuit_state",
				Help: "Price circuit breaker state per chain (0=closed, 1=open, 2=half-open)",
			},
			[]string{"chain_id"},
		),
		approvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalance_approvals_total",
				Help: "Approval transactions by outcome",
			},
			[]string{"chain_id", "token", "outcome"},
		),
		withdrawals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalance_lock_withdrawals_total",
				Help: "Forced withdrawals by outcome",
			},
			[]string{"chain_id", "outcome"},
		),
	}

	reg.MustRegister(
		m.cycles,
		m.cycleDuration,
		m.price,
		m.balanceUSD,
		m.operations,
		m.locks,
		m.processingLocks,
		m.cooldowns,
		m.circuitBreaker,
		m.approvals,
		m.withdrawals,
	)
	return m
}

// ObserveCycle records one run of a periodic task
func (m *Metrics) ObserveCycle(task, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(task, outcome).Inc()
	m.cycleDuration.WithLabelValues(task).Observe(d.Seconds())
}

// SetPrice records the latest price of a chain's native asset
func (m *Metrics) SetPrice(chainID types.ChainID, price float64) {
	if m == nil {
		return
	}
	m.price.WithLabelValues(chainID.Label()).Set(price)
}

// SetBalanceUSD records the USD value of a token on a chain
func (m *Metrics) SetBalanceUSD(chainID types.ChainID, token types.Token, usd float64) {
	if m == nil {
		return
	}
	m.balanceUSD.WithLabelValues(chainID.Label(), token.String()).Set(usd)
}

// IncOperation counts an operation reaching status
func (m *Metrics) IncOperation(status string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(status).Inc()
}

// SetLockCounts replaces the per-status lock gauges
func (m *Metrics) SetLockCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.locks.Reset()
	for status, n := range counts {
		m.locks.WithLabelValues(status).Set(float64(n))
	}
}

// SetProcessingLocks records the number of held processing locks
func (m *Metrics) SetProcessingLocks(n int) {
	if m == nil {
		return
	}
	m.processingLocks.Set(float64(n))
}

// SetCooldowns records the number of pairs in cooldown
func (m *Metrics) SetCooldowns(n int) {
	if m == nil {
		return
	}
	m.cooldowns.Set(float64(n))
}

// SetCircuitState records a chain's price breaker state
func (m *Metrics) SetCircuitState(chainID types.ChainID, state int) {
	if m == nil {
		return
	}
	m.circuitBreaker.WithLabelValues(chainID.Label()).Set(float64(state))
}

// IncApproval counts an approval attempt
func (m *Metrics) IncApproval(chainID types.ChainID, token types.Token, outcome string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(chainID.Label(), token.String(), outcome).Inc()
}

// IncWithdrawal counts a forced withdrawal reaching a final outcome
func (m *Metrics) IncWithdrawal(chainID types.ChainID, outcome string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(chainID.Label(), outcome).Inc()
}

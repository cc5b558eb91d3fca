package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

var (
	// Worker metrics
	WorkerCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finance_worker_cycles_total",
			Help: "Periodic worker cycles by outcome",
		},
		[]string{"worker", "result"},
	)

	WorkerCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "finance_worker_cycle_duration_seconds",
			Help:    "Duration of one periodic worker cycle",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
		[]string{"worker"},
	)

	RegistryModified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finance_registry_modified_total",
			Help: "Worker cycles cut short because the tenant registry changed",
		},
		[]string{"worker"},
	)

	// Ledger metrics
	CreditBalance = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "finance_credit_balance",
			Help: "Prepaid credit balance per tenant",
		},
		[]string{"user_id", "provider_id"},
	)

	Invoices = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finance_invoices_total",
			Help: "Invoices generated by strategy and initial state",
		},
		[]string{"strategy", "state"},
	)

	EnforcementActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "finance_enforcement_actions_total",
			Help: "Pause and resume commands issued to the orchestrator",
		},
		[]string{"strategy", "action", "result"},
	)

	TenantsRegistered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "finance_tenants_registered",
			Help: "Tenants currently managed per strategy",
		},
		[]string{"strategy"},
	)
)

// ObserveCycle records the outcome of one worker cycle.
func ObserveCycle(worker, result string, took time.Duration) {
	WorkerCycles.WithLabelValues(worker, result).Inc()
	WorkerCycleDuration.WithLabelValues(worker).Observe(took.Seconds())
}

// UpdateCreditBalance publishes a tenant's balance.
func UpdateCreditBalance(userID, providerID string, balance decimal.Decimal) {
	CreditBalance.WithLabelValues(userID, providerID).Set(balance.InexactFloat64())
}

// DeleteCreditBalance drops the series of a removed tenant.
func DeleteCreditBalance(userID, providerID string) {
	CreditBalance.DeleteLabelValues(userID, providerID)
}

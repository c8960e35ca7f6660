// Package metrics holds the Prometheus collectors of the metering service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metering"

// Debit outcomes.
const (
	DebitOK           = "ok"
	DebitInsufficient = "insufficient_funds"
	DebitError        = "error"
)

var ActiveMonitors = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "active_monitors",
	Help:      "Accounts with a running metering loop in this process.",
})

var Ticks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "ticks_total",
	Help:      "Metering ticks by outcome.",
}, []string{"outcome"})

var Debits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "debits_total",
	Help:      "Per-appliance debit attempts by outcome.",
}, []string{"outcome"})

var EnergyKWh = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "energy_kwh_total",
	Help:      "Energy accumulated by appliances across all meters.",
})

var Transactions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "ledger_transactions_total",
	Help:      "Ledger entries appended by type.",
}, []string{"type"})

var LedgerAuditGaps = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "ledger_audit_gaps_total",
	Help:      "Balance changes that succeeded while their ledger append failed.",
})

var LedgerFallbackReads = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "ledger_fallback_reads_total",
	Help:      "Ledger reads served by the bounded scan after the indexed query failed.",
}, []string{"op"})

var Shutoffs = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "meter_shutoffs_total",
	Help:      "Whole-meter shutoffs caused by missing funds.",
})

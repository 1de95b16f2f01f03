// Package metrics exposes Prometheus instruments for the trust layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Audit pipeline metrics
	AuditEntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssdp_trust_audit_entries_total",
			Help: "Total number of audit entries created",
		},
		[]string{"action", "severity"},
	)

	AuditPersistTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssdp_trust_audit_persist_total",
			Help: "Audit store append outcomes",
		},
		[]string{"result"},
	)

	AuditPersistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ssdp_trust_audit_persist_duration_seconds",
			Help:    "Duration of audit store appends including retries",
			Buckets: prometheus.DefBuckets,
		},
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ssdp_trust_audit_queue_depth",
			Help: "Current depth of the audit write queue",
		},
	)

	AuditSpoolDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ssdp_trust_audit_spool_depth",
			Help: "Entries held in the local fail-safe spool",
		},
	)

	AuditDeadLetterDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ssdp_trust_audit_dead_letter_depth",
			Help: "Entries the store rejected permanently",
		},
	)

	AuditSpoolDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ssdp_trust_audit_spool_dropped_total",
			Help: "Entries dropped because the spool was full",
		},
	)

	AuditIntegrityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ssdp_trust_audit_integrity_failures_total",
			Help: "Checksum mismatches detected during verification",
		},
	)

	CriticalAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssdp_trust_critical_alerts_total",
			Help: "CRITICAL operational alerts raised",
		},
		[]string{"kind"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ssdp_trust_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	// Authorization metrics
	AccessDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssdp_trust_access_decisions_total",
			Help: "Access decisions by role and outcome",
		},
		[]string{"role", "outcome", "reason"},
	)

	OwnershipCacheResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssdp_trust_ownership_cache_total",
			Help: "Ownership cache lookups by result",
		},
		[]string{"result"},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ssdp_trust_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	// Compliance metrics
	ComplianceViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ssdp_trust_compliance_violations_total",
			Help: "Compliance violations found by standard and severity",
		},
		[]string{"standard", "severity"},
	)

	ComplianceScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ssdp_trust_compliance_scan_duration_seconds",
			Help:    "Duration of batch compliance scans",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Package metrics exposes bridge health as Prometheus metrics through a
// pull-based collector, so gathering never blocks the sync path.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ConnectionStatus reports the AMI link state.
type ConnectionStatus interface {
	Connected() bool
}

// SessionStats reports in-flight call sessions.
type SessionStats interface {
	ActiveCount() int
}

// SyncStats reports delivery pipeline state.
type SyncStats interface {
	QueueDepth() int
	Paused() bool
	SyncedCount(direction string) int64
	DeadLetteredCount() int64
}

// TokenStatus reports CRM credential health.
type TokenStatus interface {
	Valid(ctx context.Context) bool
}

// CallLogStats reports the durable call ledger.
type CallLogStats interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// DeadLetterCounter reports the durable dead-letter backlog.
type DeadLetterCounter interface {
	Count(ctx context.Context) (int64, error)
}

// Collector gathers gauges and counters from the live components on each
// scrape.
type Collector struct {
	ami         ConnectionStatus
	sessions    SessionStats
	sync        SyncStats
	tokens      TokenStatus
	callLogs    CallLogStats
	deadLetters DeadLetterCounter
	started     time.Time

	amiConnected    *prometheus.Desc
	trackedSessions *prometheus.Desc
	queueDepth      *prometheus.Desc
	syncPaused      *prometheus.Desc
	callsSynced     *prometheus.Desc
	callLogTotal    *prometheus.Desc
	deadLettered    *prometheus.Desc
	deadLetterQueue *prometheus.Desc
	tokenValid      *prometheus.Desc
	uptime          *prometheus.Desc
}

// NewCollector wires a collector over the running components.
func NewCollector(ami ConnectionStatus, sessions SessionStats, sync SyncStats, tokens TokenStatus, callLogs CallLogStats, deadLetters DeadLetterCounter) *Collector {
	return &Collector{
		ami:         ami,
		sessions:    sessions,
		sync:        sync,
		tokens:      tokens,
		callLogs:    callLogs,
		deadLetters: deadLetters,
		started:     time.Now(),

		amiConnected: prometheus.NewDesc("pbxlink_ami_connected",
			"Whether the AMI session is established (1) or down (0)", nil, nil),
		trackedSessions: prometheus.NewDesc("pbxlink_tracked_sessions",
			"Number of in-flight call sessions", nil, nil),
		queueDepth: prometheus.NewDesc("pbxlink_sync_queue_depth",
			"Number of calls waiting for a sync worker", nil, nil),
		syncPaused: prometheus.NewDesc("pbxlink_sync_paused",
			"Whether delivery is paused awaiting re-authorization", nil, nil),
		callsSynced: prometheus.NewDesc("pbxlink_calls_synced_total",
			"Calls delivered to the CRM since start", []string{"direction"}, nil),
		callLogTotal: prometheus.NewDesc("pbxlink_call_logs",
			"Call log records stored, by direction", []string{"direction"}, nil),
		deadLettered: prometheus.NewDesc("pbxlink_calls_dead_lettered_total",
			"Calls dead-lettered since start", nil, nil),
		deadLetterQueue: prometheus.NewDesc("pbxlink_dead_letters",
			"Dead letters currently stored", nil, nil),
		tokenValid: prometheus.NewDesc("pbxlink_crm_token_valid",
			"Whether the CRM access token is usable without a refresh", nil, nil),
		uptime: prometheus.NewDesc("pbxlink_uptime_seconds",
			"Seconds since the service started", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.amiConnected
	ch <- c.trackedSessions
	ch <- c.queueDepth
	ch <- c.syncPaused
	ch <- c.callsSynced
	ch <- c.callLogTotal
	ch <- c.deadLettered
	ch <- c.deadLetterQueue
	ch <- c.tokenValid
	ch <- c.uptime
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.amiConnected, prometheus.GaugeValue, boolValue(c.ami.Connected()))
	ch <- prometheus.MustNewConstMetric(c.trackedSessions, prometheus.GaugeValue, float64(c.sessions.ActiveCount()))
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(c.sync.QueueDepth()))
	ch <- prometheus.MustNewConstMetric(c.syncPaused, prometheus.GaugeValue, boolValue(c.sync.Paused()))
	ch <- prometheus.MustNewConstMetric(c.callsSynced, prometheus.CounterValue, float64(c.sync.SyncedCount("inbound")), "inbound")
	ch <- prometheus.MustNewConstMetric(c.callsSynced, prometheus.CounterValue, float64(c.sync.SyncedCount("outbound")), "outbound")
	ch <- prometheus.MustNewConstMetric(c.deadLettered, prometheus.CounterValue, float64(c.sync.DeadLetteredCount()))
	ch <- prometheus.MustNewConstMetric(c.tokenValid, prometheus.GaugeValue, boolValue(c.tokens.Valid(context.Background())))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.CounterValue, time.Since(c.started).Seconds())

	if n, err := c.deadLetters.Count(context.Background()); err == nil {
		ch <- prometheus.MustNewConstMetric(c.deadLetterQueue, prometheus.GaugeValue, float64(n))
	}
	if counts, err := c.callLogs.CountByDirection(context.Background()); err == nil {
		for direction, n := range counts {
			ch <- prometheus.MustNewConstMetric(c.callLogTotal, prometheus.GaugeValue, float64(n), direction)
		}
	}
}

// NewRegistry builds a registry holding only bridge metrics.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return reg
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

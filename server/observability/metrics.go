package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedSubscribers tracks live WebSocket subscribers per channel.
	ConnectedSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "boxd_connected_subscribers",
		Help: "Current number of WebSocket subscribers",
	}, []string{"channel"})

	// CommandsTotal tracks dispatched commands by type and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxd_commands_total",
		Help: "Total commands dispatched, by type and result status",
	}, []string{"type", "status"})

	// CommandDuration tracks end-to-end dispatch latency.
	CommandDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "boxd_command_duration_seconds",
		Help:    "Command dispatch latency (auth to publish)",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8), // 100µs to ~1.6s
	})

	// BroadcastDropped tracks frames dropped because a subscriber queue
	// was full.
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boxd_broadcast_dropped_total",
		Help: "Broadcast frames dropped due to full subscriber queues",
	})

	// SlowConsumerCloses tracks subscribers dropped for not keeping up.
	SlowConsumerCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boxd_slow_consumer_closes_total",
		Help: "Subscribers closed with the slow_consumer code",
	})

	// RateLimited tracks commands rejected by the per-box token buckets.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boxd_rate_limited_total",
		Help: "Commands rejected by rate limiting, by command class",
	}, []string{"kind"})

	// ActiveBoxes tracks the number of live boxes.
	ActiveBoxes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "boxd_active_boxes",
		Help: "Current number of live boxes",
	})

	// SnapshotPersistFailures tracks failed best-effort snapshot writes.
	SnapshotPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boxd_snapshot_persist_failures_total",
		Help: "Failed best-effort snapshot persistence writes",
	})

	// SpectatorTokensIssued tracks minted spectator tokens.
	SpectatorTokensIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "boxd_spectator_tokens_issued_total",
		Help: "Spectator tokens minted via the public token endpoint",
	})
)

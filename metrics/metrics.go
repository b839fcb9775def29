// Package metrics implements MetricsCollector (spec §4.11): Prometheus
// counters/gauges/histograms driven by the event bus, plus periodic
// snapshot persistence into the engine's observability store so historical
// throughput survives a restart (grounded on observability.MetricsManager's
// buffered async SQLite writer).
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hazyhaar/vqm/events"
	"github.com/hazyhaar/vqm/observability"
)

// Collector is the MetricsCollector component: a Prometheus registry kept
// current by subscribing to the engine's event bus.
type Collector struct {
	registry *prometheus.Registry
	history  *observability.MetricsManager

	messagesEnqueued   *prometheus.CounterVec
	messagesProcessed  *prometheus.CounterVec
	messagesFailed     *prometheus.CounterVec
	messagesDLQ        *prometheus.CounterVec
	scheduledExecuted  prometheus.Counter
	eventsDropped      prometheus.Gauge
	breakerState       *prometheus.GaugeVec
	endToEndLatency    *prometheus.HistogramVec
	processingLatency  *prometheus.HistogramVec

	bus        *events.Bus
	subID      uint64
	unsubscribe func()
}

// New creates a Collector and registers every metric with a fresh registry.
// history may be nil to disable durable snapshotting.
func New(bus *events.Bus, history *observability.MetricsManager) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		history:  history,
		bus:      bus,

		messagesEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vqm_messages_enqueued_total", Help: "Messages enqueued, by queue.",
		}, []string{"queue_id"}),
		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vqm_messages_processed_total", Help: "Messages successfully acked, by queue.",
		}, []string{"queue_id"}),
		messagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vqm_messages_failed_total", Help: "Message failures, by queue and whether a retry was scheduled.",
		}, []string{"queue_id", "will_retry"}),
		messagesDLQ: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vqm_messages_dlq_total", Help: "Messages moved to the dead letter queue, by queue.",
		}, []string{"queue_id"}),
		scheduledExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vqm_scheduled_jobs_executed_total", Help: "Scheduled jobs fired.",
		}),
		eventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vqm_events_dropped_total", Help: "Events dropped by the bus due to a full subscriber buffer.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vqm_circuit_breaker_state", Help: "Circuit breaker state per handler (0=closed, 1=half_open, 2=open).",
		}, []string{"handler_id"}),
		endToEndLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "vqm_message_end_to_end_latency_seconds", Help: "Enqueue-to-completion latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue_id"}),
		processingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "vqm_message_processing_latency_seconds", Help: "Claim-to-outcome latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue_id"}),
	}

	reg.MustRegister(
		c.messagesEnqueued, c.messagesProcessed, c.messagesFailed, c.messagesDLQ,
		c.scheduledExecuted, c.eventsDropped, c.breakerState,
		c.endToEndLatency, c.processingLatency,
	)

	if bus != nil {
		id, ch := bus.Subscribe()
		c.subID = id
		c.unsubscribe = func() { bus.Unsubscribe(id) }
		go c.consume(ch)
	}

	return c
}

// Registry exposes the underlying Prometheus registry. adminapi has no route
// that serves it.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Close unsubscribes from the event bus. Safe to call once.
func (c *Collector) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

func (c *Collector) consume(ch <-chan events.Event) {
	for e := range ch {
		c.observe(e)
	}
}

func (c *Collector) observe(e events.Event) {
	switch e.Kind {
	case events.KindMessageEnqueued:
		c.messagesEnqueued.WithLabelValues(e.QueueID).Inc()
	case events.KindMessageProcessed:
		c.messagesProcessed.WithLabelValues(e.QueueID).Inc()
		if e.EndToEndLatency > 0 {
			c.endToEndLatency.WithLabelValues(e.QueueID).Observe(e.EndToEndLatency.Seconds())
		}
		if e.ProcessingLatency > 0 {
			c.processingLatency.WithLabelValues(e.QueueID).Observe(e.ProcessingLatency.Seconds())
		}
	case events.KindMessageFailed:
		willRetry := "false"
		if e.WillRetry {
			willRetry = "true"
		}
		c.messagesFailed.WithLabelValues(e.QueueID, willRetry).Inc()
		if e.ProcessingLatency > 0 {
			c.processingLatency.WithLabelValues(e.QueueID).Observe(e.ProcessingLatency.Seconds())
		}
	case events.KindMessageMovedToDlq:
		c.messagesDLQ.WithLabelValues(e.QueueID).Inc()
	case events.KindScheduledJobExecuted:
		c.scheduledExecuted.Inc()
	case events.KindCircuitBreakerStateChange:
		c.breakerState.WithLabelValues(e.HandlerID).Set(breakerStateValue(e.ToState))
	}

	if c.bus != nil {
		c.eventsDropped.Set(float64(c.bus.Dropped()))
	}
	if c.history != nil {
		c.history.RecordSimple(string(e.Kind), 1, "count")
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// Snapshot is the point-in-time summary the engine's get_stats operation
// returns, mirroring the original engine's stats struct field-for-field
// (spec §4.11, SPEC_FULL §12).
type Snapshot struct {
	Timestamp          time.Time
	TotalQueues        int
	ActiveQueues       int
	TotalMessages      int64
	PendingMessages    int64
	ProcessingMessages int64
	TotalWorkers       int
	ActiveWorkers      int
	MessagesPerSecond  float64
	AvgProcessingTimeMs float64
	ErrorRate          float64
	UptimeSecs         int64

	QueueDepths map[string]int64
}

// SnapshotNow persists a full Snapshot to durable history, for the engine's
// periodic cleanup-task tick.
func (c *Collector) SnapshotNow(ctx context.Context, s Snapshot) {
	if c.history == nil {
		return
	}
	c.history.RecordSimple("messages_per_second", s.MessagesPerSecond, "rate")
	c.history.RecordSimple("avg_processing_time_ms", s.AvgProcessingTimeMs, "milliseconds")
	c.history.RecordSimple("error_rate", s.ErrorRate, "ratio")
	c.history.RecordSimple("active_workers", float64(s.ActiveWorkers), "count")
	c.history.RecordSimple("pending_messages", float64(s.PendingMessages), "count")
	for queueID, depth := range s.QueueDepths {
		c.history.Record(&observability.Metric{
			Name: "queue_depth", Timestamp: s.Timestamp, Value: float64(depth),
			Labels: map[string]string{"queue_id": queueID}, Unit: "count",
		})
	}
}

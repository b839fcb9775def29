// Package events defines the engine's EngineEvent variant set and the
// bounded, lossy broadcast bus that fans them out to MetricsCollector and
// external subscribers (spec §4.11, §9 "Broadcast event channel").
//
// The exact variant set (MessageEnqueued, MessageProcessingStarted,
// MessageProcessed, MessageFailed, MessageMovedToDlq, WorkerRegistered,
// WorkerHeartbeat, WorkerDisconnected, QueueCreated, QueuePaused,
// QueueResumed, CircuitBreakerStateChanged, ScheduledJobExecuted,
// AlertTriggered) is restored from original_source/engine/mod.rs's
// EngineEvent enum (SPEC_FULL.md §12) — spec.md's component table names
// only a subset of these.
package events

import "time"

// Kind tags which EngineEvent variant a value carries.
type Kind string

const (
	KindMessageEnqueued           Kind = "message_enqueued"
	KindMessageProcessingStarted  Kind = "message_processing_started"
	KindMessageProcessed          Kind = "message_processed"
	KindMessageFailed             Kind = "message_failed"
	KindMessageMovedToDlq         Kind = "message_moved_to_dlq"
	KindWorkerRegistered          Kind = "worker_registered"
	KindWorkerHeartbeat           Kind = "worker_heartbeat"
	KindWorkerDisconnected        Kind = "worker_disconnected"
	KindQueueCreated              Kind = "queue_created"
	KindQueuePaused               Kind = "queue_paused"
	KindQueueResumed              Kind = "queue_resumed"
	KindCircuitBreakerStateChange Kind = "circuit_breaker_state_changed"
	KindScheduledJobExecuted      Kind = "scheduled_job_executed"
	KindAlertTriggered            Kind = "alert_triggered"
)

// Event is a tagged struct carrying every EngineEvent variant's fields
// (Go has no sum type; the Kind discriminates which fields are populated,
// the way a Rust enum's variant does — see DESIGN.md's Open Question log).
type Event struct {
	Kind      Kind
	At        time.Time
	QueueID   string
	MessageID string
	WorkerID  string
	HandlerID string
	ScheduleID string

	// MessageFailed / MessageMovedToDlq
	WillRetry bool
	Reason    string

	// CircuitBreakerStateChanged
	FromState string
	ToState   string

	// AlertTriggered
	AlertName string
	Severity  string
	Detail    string

	// EndToEndLatency is populated on MessageProcessed (enqueue→complete).
	EndToEndLatency time.Duration
	// ProcessingLatency is populated on MessageProcessed/MessageFailed
	// (claim→outcome, used for the processing-latency histogram).
	ProcessingLatency time.Duration
}

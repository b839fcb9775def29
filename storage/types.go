// Package storage is the durable persistence layer for the queue engine: a
// thin, transactional wrapper over SQLite modelled on vtq's visibility-timeout
// claim pattern (github.com/hazyhaar/vqm's predecessor, vtq.Q) and
// horos47/core/jobs' status-machine queue, generalized to multi-tenant
// queues, workers, handlers, circuit-breaker rows, schedules and a DLQ.
//
// Every entity maps to one table. IDs are UUIDv7 strings (idgen.UUIDv7) so
// primary-key order matches creation order. Times are stored as Unix
// milliseconds for monotonic, timezone-free comparisons, matching vtq's
// convention.
package storage

import (
	"encoding/json"
	"time"
)

// QueueState is the lifecycle state of a Queue.
type QueueState string

const (
	QueueActive   QueueState = "active"
	QueuePaused   QueueState = "paused"
	QueueDraining QueueState = "draining"
	QueueArchived QueueState = "archived"
)

// RateLimitConfig is the optional per-queue rate limit, embedded in
// QueueConfig's JSON blob.
type RateLimitConfig struct {
	RPS   uint32 `json:"rps"`
	Burst uint32 `json:"burst"`
}

// QueueConfig holds the tunables enumerated in spec §3 for a Queue.
type QueueConfig struct {
	MaxInFlight        uint32           `json:"max_in_flight"`
	VisibilityTimeoutS uint32           `json:"visibility_timeout_s"`
	DefaultPriority    int32            `json:"default_priority"`
	RetentionDays      uint32           `json:"retention_days"`
	DLQEnabled         bool             `json:"dlq_enabled"`
	RateLimit          *RateLimitConfig `json:"rate_limit,omitempty"`
	// DedupWindowS bounds how long an idempotency_key is remembered for
	// dedup purposes. Not named explicitly in spec.3 beyond "configurable
	// dedup window"; defaulted here to 24h.
	DedupWindowS uint32 `json:"dedup_window_s"`
}

func (c *QueueConfig) defaults() {
	if c.MaxInFlight == 0 {
		c.MaxInFlight = 100
	}
	if c.VisibilityTimeoutS == 0 {
		c.VisibilityTimeoutS = 30
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
	if c.DedupWindowS == 0 {
		c.DedupWindowS = 24 * 3600
	}
}

// Queue is a named, tenant-scoped priority message queue.
type Queue struct {
	ID        string
	Name      string
	TenantID  string
	State     QueueState
	Config    QueueConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageStatus is the state-machine position of a Message (spec §3).
type MessageStatus string

const (
	StatusPending       MessageStatus = "pending"
	StatusClaimed       MessageStatus = "claimed"
	StatusCompleted     MessageStatus = "completed"
	StatusFailed        MessageStatus = "failed"
	StatusDeadLetter    MessageStatus = "dead_letter"
	StatusScheduledRetry MessageStatus = "scheduled_retry"
)

// Message is a single unit of work enqueued onto a Queue.
type Message struct {
	ID             string
	QueueID        string
	Payload        []byte
	Headers        map[string]string
	Priority       int32
	Status         MessageStatus
	AttemptCount   uint32
	MaxAttempts    uint32
	AvailableAt    time.Time
	VisibleUntil   *time.Time
	ClaimedBy      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	IdempotencyKey *string
	LastError      *string
}

// WorkerState is the lifecycle state of a Worker (spec §3).
type WorkerState string

const (
	WorkerActive       WorkerState = "active"
	WorkerIdle         WorkerState = "idle"
	WorkerStale        WorkerState = "stale"
	WorkerDisconnected WorkerState = "disconnected"
)

// Worker is a registered consumer process.
type Worker struct {
	ID                string
	GroupID           string
	SubscribedQueues  []string
	State             WorkerState
	LastHeartbeat     time.Time
	ActiveMessageCount uint32
	Capacity          uint32
	CreatedAt         time.Time
}

// HandlerKind tags how a Handler is invoked (spec §9 "Dynamic handler registry").
type HandlerKind string

const (
	HandlerHTTPWebhook HandlerKind = "http_webhook"
	HandlerInProcess   HandlerKind = "in_process"
)

// Handler is the currently-active processor for a Queue.
type Handler struct {
	ID          string
	QueueID     string
	Endpoint    string
	Kind        HandlerKind
	TimeoutMs   uint32
	BreakerConf BreakerConfig
	CreatedAt   time.Time
}

// BreakerConfig holds the per-handler circuit breaker tunables (spec §4.3).
type BreakerConfig struct {
	WindowSize     uint32  `json:"window_size"`
	ThresholdRatio float64 `json:"threshold_ratio"`
	MinCalls       uint32  `json:"min_calls"`
	ResetTimeoutS  uint32  `json:"reset_timeout_s"`
	ProbeCount     uint32  `json:"probe_count"`
}

func (c *BreakerConfig) defaults() {
	if c.WindowSize == 0 {
		c.WindowSize = 20
	}
	if c.ThresholdRatio == 0 {
		c.ThresholdRatio = 0.5
	}
	if c.MinCalls == 0 {
		c.MinCalls = 5
	}
	if c.ResetTimeoutS == 0 {
		c.ResetTimeoutS = 30
	}
	if c.ProbeCount == 0 {
		c.ProbeCount = 1
	}
}

// BreakerState is a breaker's Closed/Open/HalfOpen state machine row.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerRow is the persisted circuit-breaker row for a handler.
type BreakerRow struct {
	HandlerID             string
	State                 BreakerState
	FailureCount          uint32
	SuccessCountHalfOpen  uint32
	OpenedAt              *time.Time
}

// ScheduledJob drives periodic enqueues (spec §4.10).
type ScheduledJob struct {
	ID              string
	CronOrInterval  string
	TargetQueueID   string
	PayloadTemplate []byte
	Enabled         bool
	LastRunAt       *time.Time
	NextRunAt       time.Time
	CreatedAt       time.Time
}

// DlqEntry is a terminal-failure snapshot (spec §4.9).
type DlqEntry struct {
	ID               string
	OriginalMessageID string
	QueueID          string
	PayloadSnapshot  []byte
	Headers          map[string]string
	FailureReason    string
	AttemptCount     uint32
	MovedAt          time.Time
	ReplayedAt       *time.Time
}

func marshalHeaders(h map[string]string) ([]byte, error) {
	if h == nil {
		h = map[string]string{}
	}
	return json.Marshal(h)
}

func unmarshalHeaders(b []byte) (map[string]string, error) {
	h := map[string]string{}
	if len(b) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, err
	}
	return h, nil
}

func marshalStrings(ss []string) ([]byte, error) {
	if ss == nil {
		ss = []string{}
	}
	return json.Marshal(ss)
}

func unmarshalStrings(b []byte) ([]string, error) {
	var ss []string
	if len(b) == 0 {
		return ss, nil
	}
	if err := json.Unmarshal(b, &ss); err != nil {
		return nil, err
	}
	return ss, nil
}

package hookbridge

import (
	"fmt"
	"time"
)

// Operation identifies the host mutation kind a change event was produced by.
// Wire values follow the host vocabulary: deletes are spelled "unlink".
type Operation string

const (
	OperationCreate Operation = "create"
	OperationWrite  Operation = "write"
	OperationDelete Operation = "unlink"
)

// ParseOperation converts a wire string to an Operation.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OperationCreate, OperationWrite, OperationDelete:
		return Operation(s), nil
	}
	return "", Error{Code: ConfigInvalid, Err: fmt.Errorf("unknown operation %q", s)}
}

// Priority classifies events for dispatch ordering and instant-send eligibility.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to a sortable weight, highest first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// Category groups events for consumers that filter by business area.
type Category string

const (
	CategoryBusiness     Category = "business"
	CategorySystem       Category = "system"
	CategoryNotification Category = "notification"
	CategoryCustom       Category = "custom"
)

// DispatchStatus is the state of a push-delivery record.
type DispatchStatus string

const (
	StatusPending    DispatchStatus = "pending"
	StatusProcessing DispatchStatus = "processing"
	StatusSent       DispatchStatus = "sent"
	StatusFailed     DispatchStatus = "failed"
	StatusDead       DispatchStatus = "dead"
)

// IsTerminal reports whether the status admits no further transitions.
func (s DispatchStatus) IsTerminal() bool {
	return s == StatusSent || s == StatusDead
}

// AuthKind selects how subscriber credentials are materialized into request headers.
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBasic  AuthKind = "basic"
	AuthBearer AuthKind = "bearer"
	AuthAPIKey AuthKind = "api_key"
)

// Resolution is the operator-facing state of a dead letter.
type Resolution string

const (
	ResolutionPending  Resolution = "pending"
	ResolutionRetrying Resolution = "retrying"
	ResolutionResolved Resolution = "resolved"
	ResolutionIgnored  Resolution = "ignored"
)

// AuditAction names what happened to a dispatch record.
type AuditAction string

const (
	AuditCreated       AuditAction = "created"
	AuditSent          AuditAction = "sent"
	AuditFailed        AuditAction = "failed"
	AuditRetried       AuditAction = "retried"
	AuditArchived      AuditAction = "archived"
	AuditDeleted       AuditAction = "deleted"
	AuditStatusChanged AuditAction = "status_changed"
)

// Rule is a declarative tracking policy binding a (model, operation) pair to
// payload settings and subscribers. At most one active rule may exist per pair;
// the rule store enforces that on add/update.
type Rule struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Model     string    `json:"model"`
	Operation Operation `json:"operation"`
	Active    bool      `json:"active"`
	// Sequence orders rules that target the same model; lower runs first.
	Sequence int `json:"sequence"`
	// Domain is a filter expression evaluated against the record snapshot.
	// Empty means match-all. Compiled at rule save and registry rebuild.
	Domain string `json:"domain,omitempty"`
	// TrackedFields limits write interception to mutations touching any of
	// these fields. Empty means any field.
	TrackedFields []string `json:"tracked_fields,omitempty"`
	Priority      Priority `json:"priority"`
	Category      Category `json:"category"`
	SubscriberIDs []int64  `json:"subscriber_ids,omitempty"`
	// TemplateSrc, when non-empty, is handed to the payload renderer collaborator.
	TemplateSrc string `json:"template_src,omitempty"`
	// InstantSend requests synchronous-ish delivery for high priority events.
	InstantSend bool `json:"instant_send"`
	RateLimit   int  `json:"rate_limit"`
	// DebounceSecs overrides the engine debounce window for this rule when > 0.
	DebounceSecs int `json:"debounce_secs"`
	// TestMode appends log entries flagged as test but never enqueues dispatches.
	TestMode  bool      `json:"test_mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscriber describes one HTTP endpoint that receives pushed events.
type Subscriber struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	EndpointURL string   `json:"endpoint_url"`
	Auth        AuthKind `json:"auth"`
	Username    string   `json:"username,omitempty"`
	Password    string   `json:"password,omitempty"`
	Token       string   `json:"token,omitempty"`
	APIKey      string   `json:"api_key,omitempty"`
	// APIKeyHeader is the header name the key is sent in. Defaults to X-API-Key.
	APIKeyHeader string `json:"api_key_header,omitempty"`
	TimeoutSecs  int    `json:"timeout_secs"`
	// InsecureSkipVerify disables TLS certificate verification for this
	// endpoint. The zero value verifies.
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`
	// RateLimitPerWindow caps successful deliveries within WindowSecs; 0 disables.
	RateLimitPerWindow int               `json:"rate_limit_per_window"`
	WindowSecs         int               `json:"window_secs"`
	CustomHeaders      map[string]string `json:"custom_headers,omitempty"`
	Enabled            bool              `json:"enabled"`
}

// EventLogEntry is the canonical change record in the pull store. IDs are
// assigned by the store and strictly increase with insertion order.
type EventLogEntry struct {
	ID          int64          `json:"id"`
	Model       string         `json:"model"`
	RecordID    int64          `json:"record_id"`
	Operation   Operation      `json:"event"`
	Payload     map[string]any `json:"payload"`
	Priority    Priority       `json:"priority"`
	Category    Category       `json:"category"`
	Timestamp   time.Time      `json:"timestamp"`
	UserID      int64          `json:"user_id,omitempty"`
	RuleID      int64          `json:"rule_id,omitempty"`
	IsProcessed bool           `json:"is_processed"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
	IsArchived  bool           `json:"is_archived"`
	ArchivedAt  *time.Time     `json:"archived_at,omitempty"`
}

// DeliveryError is the structured error captured on a failed delivery attempt.
type DeliveryError struct {
	// Kind is one of timeout, connection_error, http_4xx, http_5xx, other.
	Kind    string `json:"kind"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// DispatchRecord is one push-delivery attempt for one subscriber. It traverses
// the pending -> processing -> sent|failed -> dead status machine and is
// terminal at sent or dead.
type DispatchRecord struct {
	ID           int64          `json:"id"`
	EventLogID   *int64         `json:"event_log_id,omitempty"`
	Model        string         `json:"model"`
	RecordID     int64          `json:"record_id"`
	Operation    Operation      `json:"event"`
	SubscriberID int64          `json:"subscriber_id"`
	Payload      map[string]any `json:"payload"`
	Priority     Priority       `json:"priority"`
	Category     Category       `json:"category"`
	Status       DispatchStatus `json:"status"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	NextRetryAt  *time.Time     `json:"next_retry_at,omitempty"`
	LastError    *DeliveryError `json:"last_error,omitempty"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	ResponseCode int            `json:"response_code,omitempty"`
	ProcessingMS int64          `json:"processing_ms,omitempty"`
	// StartedAt marks the transition into processing; the retry sweep reclaims
	// records stuck past the configured threshold.
	StartedAt *time.Time `json:"started_at,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	UserID    int64      `json:"user_id,omitempty"`
	RuleID    int64      `json:"rule_id,omitempty"`
}

// DeadLetter is the post-mortem row created exactly once when a dispatch
// record exhausts its retry budget.
type DeadLetter struct {
	ID            int64      `json:"id"`
	DispatchID    int64      `json:"dispatch_id"`
	Model         string     `json:"model"`
	RecordID      int64      `json:"record_id"`
	SubscriberID  int64      `json:"subscriber_id"`
	FailedAt      time.Time  `json:"failed_at"`
	RetryAttempts int        `json:"retry_attempts"`
	OriginalError string     `json:"original_error"`
	Resolution    Resolution `json:"resolution"`
	Resolver      string     `json:"resolver,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	Notes         string     `json:"notes,omitempty"`
}

// SyncState is a per-consumer pull cursor, unique by (UserID, DeviceID).
type SyncState struct {
	ID                int64     `json:"id"`
	UserID            int64     `json:"user_id"`
	DeviceID          string    `json:"device_id"`
	AppType           string    `json:"app_type"`
	LastEventID       int64     `json:"last_event_id"`
	LastSyncTime      time.Time `json:"last_sync_time"`
	SyncCount         int64     `json:"sync_count"`
	TotalEventsSynced int64     `json:"total_events_synced"`
	Active            bool      `json:"active"`
}

// AuditRecord is an immutable history line for a dispatch record.
type AuditRecord struct {
	ID            int64          `json:"id"`
	DispatchID    int64          `json:"dispatch_id"`
	Action        AuditAction    `json:"action"`
	Timestamp     time.Time      `json:"timestamp"`
	UserID        int64          `json:"user_id,omitempty"`
	OldValues     map[string]any `json:"old_values,omitempty"`
	NewValues     map[string]any `json:"new_values,omitempty"`
	ChangedFields []string       `json:"changed_fields,omitempty"`
	Note          string         `json:"note,omitempty"`
}

// ErrorRecord is a row in the error sink. Interception failures land here
// instead of propagating into the host commit path.
type ErrorRecord struct {
	ID        int64     `json:"id"`
	Model     string    `json:"model"`
	RecordID  int64     `json:"record_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PullQuery is the cursor query consumers issue against the event log.
type PullQuery struct {
	LastEventID int64    `json:"last_event_id"`
	Limit       int      `json:"limit"`
	Models      []string `json:"models,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
}

// PullResult is one pull batch. LastID echoes the query cursor when the
// batch is empty, otherwise it is the max id in the batch.
type PullResult struct {
	Events  []EventLogEntry `json:"events"`
	LastID  int64           `json:"last_id"`
	HasMore bool            `json:"has_more"`
	Count   int             `json:"count"`
}

// ModelCount pairs a model name with an event count for statistics.
type ModelCount struct {
	Model string `json:"model"`
	Count int64  `json:"count"`
}

// Statistics summarizes event log activity over a period.
type Statistics struct {
	TotalEvents int64            `json:"total_events"`
	Processed   int64            `json:"processed"`
	Pending     int64            `json:"pending"`
	Archived    int64            `json:"archived"`
	ByModel     []ModelCount     `json:"by_model"`
	ByPriority  map[string]int64 `json:"by_priority"`
	PeriodDays  int              `json:"period_days"`
}

// ValidateRecordID rejects the reserved zero id. Negative ids are synthetic
// markers (test events, connection probes) and pass.
func ValidateRecordID(id int64) error {
	if id == 0 {
		return Error{Code: ConfigInvalid, Err: fmt.Errorf("record_id 0 is reserved")}
	}
	return nil
}

// IsSynthetic reports whether the record id marks a synthetic event.
func IsSynthetic(recordID int64) bool {
	return recordID < 0
}

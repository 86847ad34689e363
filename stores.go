package hookbridge

import (
	"context"
	"time"
)

// RuleStore persists tracking rules. Add and Update enforce the soft
// uniqueness invariant: at most one active rule per (model, operation).
type RuleStore interface {
	// Add assigns an id and inserts. Returns a ConfigInvalid coded error when
	// an active rule for the same (model, operation) already exists.
	Add(ctx context.Context, r *Rule) error
	Update(ctx context.Context, r *Rule) error
	Delete(ctx context.Context, id int64) error
	// Get returns nil when the rule does not exist.
	Get(ctx context.Context, id int64) (*Rule, error)
	All(ctx context.Context, activeOnly bool) ([]Rule, error)
}

// SubscriberStore persists HTTP endpoint descriptors. Endpoint URLs are unique.
type SubscriberStore interface {
	Add(ctx context.Context, s *Subscriber) error
	Update(ctx context.Context, s *Subscriber) error
	Get(ctx context.Context, id int64) (*Subscriber, error)
	All(ctx context.Context, enabledOnly bool) ([]Subscriber, error)
}

// EventLogStore persists the pull journal. Append assigns ids that strictly
// increase with insertion order; readers never observe a gap being filled.
type EventLogStore interface {
	// Append inserts the entry and returns its assigned id. A zero Timestamp
	// is stamped by the store.
	Append(ctx context.Context, e *EventLogEntry) (int64, error)
	Get(ctx context.Context, id int64) (*EventLogEntry, error)
	// ListByRecord returns the non-archived entries for a (model, record_id)
	// pair; the supersession block runs against this set.
	ListByRecord(ctx context.Context, model string, recordID int64) ([]EventLogEntry, error)
	DeleteByIDs(ctx context.Context, ids []int64) (int, error)
	// Pull serves the cursor query: id > last, not processed, not archived,
	// optional model/priority filters, ascending by id, capped at q.Limit.
	// The bool reports whether further matching rows exist past the batch.
	Pull(ctx context.Context, q PullQuery) ([]EventLogEntry, bool, error)
	// MarkProcessed flips is_processed for the ids that exist. Idempotent;
	// returns how many rows changed state.
	MarkProcessed(ctx context.Context, ids []int64, at time.Time) (int, error)
	// ArchiveBefore archives processed, non-archived entries older than cutoff.
	ArchiveBefore(ctx context.Context, cutoff time.Time, at time.Time) (int, error)
	// DeleteArchivedBefore removes archived entries older than cutoff.
	DeleteArchivedBefore(ctx context.Context, cutoff time.Time) (int, error)
	PendingCount(ctx context.Context) (int64, error)
	Stats(ctx context.Context, since time.Time) (*Statistics, error)
	// DistinctRecords lists the distinct (model, record_id) pairs present in
	// non-archived entries; the orphan sweep probes each against the host.
	DistinctRecords(ctx context.Context) ([]Tuple[string, int64], error)
}

// DispatchStore persists push delivery records and their status machine.
type DispatchStore interface {
	Add(ctx context.Context, r *DispatchRecord) (int64, error)
	Get(ctx context.Context, id int64) (*DispatchRecord, error)
	Update(ctx context.Context, r *DispatchRecord) error
	// SelectDue returns up to limit records with status pending, or failed
	// with next_retry_at due and retries remaining, ordered by priority
	// descending then timestamp ascending.
	SelectDue(ctx context.Context, now time.Time, limit int) ([]DispatchRecord, error)
	// CASStatus transitions id from one status to another atomically and
	// reports whether this caller won. Entering processing stamps StartedAt;
	// leaving it clears the stamp.
	CASStatus(ctx context.Context, id int64, from, to DispatchStatus) (bool, error)
	// CountSentSince counts successful deliveries to a subscriber within the
	// rate limit window.
	CountSentSince(ctx context.Context, subscriberID int64, since time.Time) (int, error)
	// ReclaimStuck returns processing records started before the threshold to
	// pending so a later sweep retries them.
	ReclaimStuck(ctx context.Context, before time.Time) (int, error)
	ListBySubscriber(ctx context.Context, subscriberID int64, limit int) ([]DispatchRecord, error)
}

// DeadLetterStore persists post-mortem rows for dead dispatches.
type DeadLetterStore interface {
	Add(ctx context.Context, d *DeadLetter) (int64, error)
	Get(ctx context.Context, id int64) (*DeadLetter, error)
	// GetByDispatch returns nil when no dead letter exists for the dispatch;
	// MarkDead consults it to create at most one row per dispatch.
	GetByDispatch(ctx context.Context, dispatchID int64) (*DeadLetter, error)
	Update(ctx context.Context, d *DeadLetter) error
	// List filters by resolution; empty resolution returns all.
	List(ctx context.Context, resolution Resolution, limit int) ([]DeadLetter, error)
}

// SyncStateStore persists per-consumer pull cursors.
type SyncStateStore interface {
	GetOrCreate(ctx context.Context, userID int64, deviceID, appType string) (*SyncState, error)
	Get(ctx context.Context, userID int64, deviceID string) (*SyncState, error)
	Update(ctx context.Context, s *SyncState) error
	List(ctx context.Context, activeOnly bool) ([]SyncState, error)
	DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// AuditStore persists the append-only dispatch history.
type AuditStore interface {
	Add(ctx context.Context, a *AuditRecord) (int64, error)
	ListByDispatch(ctx context.Context, dispatchID int64) ([]AuditRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ErrorSink persists interception and append failures so the host commit
// path never observes them.
type ErrorSink interface {
	Record(ctx context.Context, model string, recordID int64, message string) error
	List(ctx context.Context, limit int) ([]ErrorRecord, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Stores bundles the persisted tables the engine wires together.
type Stores struct {
	Rules       RuleStore
	Subscribers SubscriberStore
	EventLog    EventLogStore
	Dispatch    DispatchStore
	DeadLetters DeadLetterStore
	SyncStates  SyncStateStore
	Audit       AuditStore
	Errors      ErrorSink
}

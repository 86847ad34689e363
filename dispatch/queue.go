// Package dispatch drives push delivery: it fans one event out to a record
// per enabled subscriber and walks each record through the
// pending -> processing -> sent|failed -> dead status machine. Every
// transition is audited; permanent failures land in the dead-letter queue
// exactly once.
package dispatch

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/geniustep/hookbridge"
	"github.com/geniustep/hookbridge/delivery"
	"github.com/geniustep/hookbridge/payload"
)

// Now lambda to allow unit tests to inject replayable time.Now.
var Now = time.Now

// postponeDelay pushes a rate-limited record back without consuming a retry.
const postponeDelay = 5 * time.Second

// Deliverer is the HTTP client seam.
type Deliverer interface {
	Deliver(ctx context.Context, sub *hookbridge.Subscriber, payload map[string]any) delivery.Outcome
}

// Notifier hears about new dead letters. The default implementation logs;
// hosts plug in mail or chat alerting.
type Notifier interface {
	NotifyDeadLetter(ctx context.Context, dl *hookbridge.DeadLetter)
}

type logNotifier struct{}

func (logNotifier) NotifyDeadLetter(ctx context.Context, dl *hookbridge.DeadLetter) {
	log.Error(fmt.Sprintf("dead letter %d: dispatch %d to subscriber %d failed permanently: %s",
		dl.ID, dl.DispatchID, dl.SubscriberID, dl.OriginalError))
}

// Queue owns the dispatch records. One instance per engine.
type Queue struct {
	baseCtx     context.Context
	dispatch    hookbridge.DispatchStore
	deadletters hookbridge.DeadLetterStore
	audit       hookbridge.AuditStore
	subscribers hookbridge.SubscriberStore
	client      Deliverer
	notifier    Notifier
	options     hookbridge.Options
}

// NewQueue builds the queue. ctx outlives individual requests; background
// instant sends run on it.
func NewQueue(ctx context.Context, stores hookbridge.Stores, client Deliverer, options hookbridge.Options) *Queue {
	options.ApplyDefaults()
	return &Queue{
		baseCtx:     ctx,
		dispatch:    stores.Dispatch,
		deadletters: stores.DeadLetters,
		audit:       stores.Audit,
		subscribers: stores.Subscribers,
		client:      client,
		notifier:    logNotifier{},
		options:     options,
	}
}

// SetNotifier replaces the dead-letter notifier.
func (q *Queue) SetNotifier(n Notifier) {
	if n != nil {
		q.notifier = n
	}
}

// Enqueue creates one pending dispatch per enabled subscriber of the rule.
// Insert failures for one subscriber do not block the others; the error
// reports the loss so the caller can sink it.
func (q *Queue) Enqueue(ctx context.Context, e *hookbridge.EventLogEntry, rule *hookbridge.Rule) ([]int64, error) {
	var ids []int64
	var failed int
	var lastErr error
	for _, subID := range rule.SubscriberIDs {
		sub, err := q.subscribers.Get(ctx, subID)
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		if sub == nil || !sub.Enabled {
			log.Debug(fmt.Sprintf("subscriber %d skipped for event %d: missing or disabled", subID, e.ID))
			continue
		}

		eventID := e.ID
		rec := &hookbridge.DispatchRecord{
			EventLogID:   &eventID,
			Model:        e.Model,
			RecordID:     e.RecordID,
			Operation:    e.Operation,
			SubscriberID: sub.ID,
			Payload:      payload.WireEvent(e),
			Priority:     e.Priority,
			Category:     e.Category,
			Status:       hookbridge.StatusPending,
			MaxRetries:   q.options.MaxRetries,
			Timestamp:    Now().UTC(),
			UserID:       e.UserID,
			RuleID:       rule.ID,
		}
		id, err := q.dispatch.Add(ctx, rec)
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		ids = append(ids, id)
		q.auditRec(ctx, rec, hookbridge.AuditCreated, fmt.Sprintf("enqueued for subscriber %d", sub.ID), nil, nil)
	}
	if failed > 0 {
		return ids, fmt.Errorf("%d dispatch inserts failed for event %d, last: %w", failed, e.ID, lastErr)
	}
	return ids, nil
}

// ProcessPending selects due records and fans them out to the worker pool.
// Per-record failures are logged and audited, never propagated; the return
// value is how many records were picked up.
func (q *Queue) ProcessPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = q.options.DispatchBatchSize
	}
	due, err := q.dispatch.SelectDue(ctx, Now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}
	runner := hookbridge.NewTaskRunner(ctx, q.options.DispatcherPoolSize)
	for _, rec := range due {
		id := rec.ID
		runner.Go(func() error {
			if err := q.ProcessOne(runner.GetContext(), id); err != nil {
				log.Error(fmt.Sprintf("dispatch %d: %v", id, err))
			}
			return nil
		})
	}
	if err := runner.Wait(); err != nil {
		return len(due), err
	}
	return len(due), nil
}

// ProcessNow pushes freshly enqueued records through delivery without
// waiting for the sweep. It returns immediately; the work rides the queue's
// base context so request cancellation does not abort it.
func (q *Queue) ProcessNow(ctx context.Context, ids []int64) {
	if len(ids) == 0 {
		return
	}
	go func() {
		for _, id := range ids {
			if err := q.ProcessOne(q.baseCtx, id); err != nil {
				log.Warn(fmt.Sprintf("instant dispatch %d: %v", id, err))
			}
		}
	}()
}

// ProcessOne claims and delivers a single record. Losing the claim to a
// sibling worker is a quiet no-op.
func (q *Queue) ProcessOne(ctx context.Context, id int64) error {
	rec, err := q.dispatch.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		log.Debug(fmt.Sprintf("dispatch %d vanished before processing", id))
		return nil
	}
	if rec.Status != hookbridge.StatusPending && rec.Status != hookbridge.StatusFailed {
		return nil
	}

	claimed, err := q.dispatch.CASStatus(ctx, id, rec.Status, hookbridge.StatusProcessing)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}
	now := Now().UTC()
	rec.Status = hookbridge.StatusProcessing
	rec.StartedAt = &now

	sub, err := q.subscribers.Get(ctx, rec.SubscriberID)
	if err != nil {
		// Store hiccup: release the claim so the next sweep retries.
		if rerr := q.release(ctx, rec, now.Add(postponeDelay)); rerr != nil {
			log.Error(fmt.Sprintf("release of dispatch %d failed: %v", rec.ID, rerr))
		}
		return err
	}
	if sub == nil || !sub.Enabled {
		return q.markDead(ctx, rec, &hookbridge.DeliveryError{
			Kind:    delivery.KindOther,
			Message: fmt.Sprintf("subscriber %d missing or disabled", rec.SubscriberID),
		})
	}

	if sub.RateLimitPerWindow > 0 {
		window := q.options.RateLimitWindow
		if sub.WindowSecs > 0 {
			window = time.Duration(sub.WindowSecs) * time.Second
		}
		sent, err := q.dispatch.CountSentSince(ctx, sub.ID, now.Add(-window))
		if err != nil {
			// The limiter fails open; delivery matters more than the cap.
			log.Warn(fmt.Sprintf("rate limit probe for subscriber %d failed: %v", sub.ID, err))
		} else if sent >= sub.RateLimitPerWindow {
			log.Debug(fmt.Sprintf("subscriber %d rate limited, dispatch %d postponed", sub.ID, rec.ID))
			return q.release(ctx, rec, now.Add(postponeDelay))
		}
	}

	start := time.Now()
	out := q.client.Deliver(ctx, sub, rec.Payload)
	elapsedMS := time.Since(start).Milliseconds()

	if out.Success {
		return q.markSent(ctx, rec, out, elapsedMS)
	}

	rec.RetryCount++
	rec.LastError = out.DeliveryError()
	rec.ResponseCode = out.StatusCode
	rec.ProcessingMS = elapsedMS
	if rec.RetryCount >= rec.MaxRetries {
		return q.markDead(ctx, rec, rec.LastError)
	}
	return q.scheduleRetry(ctx, rec)
}

// release returns a claimed record to pending with a wake-up time, leaving
// the retry budget untouched.
func (q *Queue) release(ctx context.Context, rec *hookbridge.DispatchRecord, at time.Time) error {
	rec.Status = hookbridge.StatusPending
	rec.NextRetryAt = &at
	rec.StartedAt = nil
	return q.dispatch.Update(ctx, rec)
}

func (q *Queue) markSent(ctx context.Context, rec *hookbridge.DispatchRecord, out delivery.Outcome, elapsedMS int64) error {
	now := Now().UTC()
	rec.Status = hookbridge.StatusSent
	rec.SentAt = &now
	rec.ResponseCode = out.StatusCode
	rec.ProcessingMS = elapsedMS
	rec.LastError = nil
	rec.NextRetryAt = nil
	rec.StartedAt = nil
	if err := q.dispatch.Update(ctx, rec); err != nil {
		return err
	}
	q.auditRec(ctx, rec, hookbridge.AuditSent,
		fmt.Sprintf("delivered with status %d in %dms", rec.ResponseCode, rec.ProcessingMS),
		map[string]any{"status": string(hookbridge.StatusProcessing)},
		map[string]any{"status": string(hookbridge.StatusSent)})

	// A successful manual retry resolves its dead letter.
	dl, err := q.deadletters.GetByDispatch(ctx, rec.ID)
	if err != nil {
		log.Warn(fmt.Sprintf("dead letter lookup for dispatch %d failed: %v", rec.ID, err))
		return nil
	}
	if dl != nil && dl.Resolution == hookbridge.ResolutionRetrying {
		dl.Resolution = hookbridge.ResolutionResolved
		dl.ResolvedAt = &now
		if err := q.deadletters.Update(ctx, dl); err != nil {
			log.Warn(fmt.Sprintf("dead letter %d resolution update failed: %v", dl.ID, err))
		}
	}
	return nil
}

// backoff doubles per attempt: delay = base * 2^(retryCount-1).
func (q *Queue) backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return q.options.BaseRetryDelay * time.Duration(1<<uint(retryCount-1))
}

func (q *Queue) scheduleRetry(ctx context.Context, rec *hookbridge.DispatchRecord) error {
	at := Now().UTC().Add(q.backoff(rec.RetryCount))
	rec.Status = hookbridge.StatusFailed
	rec.NextRetryAt = &at
	rec.StartedAt = nil
	if err := q.dispatch.Update(ctx, rec); err != nil {
		return err
	}
	kind := ""
	if rec.LastError != nil {
		kind = rec.LastError.Kind
	}
	q.auditRec(ctx, rec, hookbridge.AuditRetried,
		fmt.Sprintf("attempt %d of %d failed (%s), retry at %s", rec.RetryCount, rec.MaxRetries, kind, at.Format(time.RFC3339)),
		nil, nil)
	return nil
}

// markDead finalizes a record and files its dead letter. The dead-letter
// store is idempotent per dispatch, so crash-replays cannot duplicate it.
func (q *Queue) markDead(ctx context.Context, rec *hookbridge.DispatchRecord, derr *hookbridge.DeliveryError) error {
	old := rec.Status
	now := Now().UTC()
	rec.Status = hookbridge.StatusDead
	rec.LastError = derr
	rec.NextRetryAt = nil
	rec.StartedAt = nil
	if err := q.dispatch.Update(ctx, rec); err != nil {
		return err
	}

	msg := ""
	if derr != nil {
		msg = derr.Error()
	}
	dl := &hookbridge.DeadLetter{
		DispatchID:    rec.ID,
		Model:         rec.Model,
		RecordID:      rec.RecordID,
		SubscriberID:  rec.SubscriberID,
		FailedAt:      now,
		RetryAttempts: rec.RetryCount,
		OriginalError: msg,
		Resolution:    hookbridge.ResolutionPending,
	}
	if _, err := q.deadletters.Add(ctx, dl); err != nil {
		return hookbridge.Error{Code: hookbridge.PermanentFailure, Err: err, UserData: rec.ID}
	}
	q.auditRec(ctx, rec, hookbridge.AuditFailed,
		fmt.Sprintf("retry budget exhausted after %d attempts: %s", rec.RetryCount, msg),
		map[string]any{"status": string(old)},
		map[string]any{"status": string(hookbridge.StatusDead)})
	q.notifier.NotifyDeadLetter(ctx, dl)
	return nil
}

// ReclaimStuck returns processing records abandoned past the threshold to
// pending.
func (q *Queue) ReclaimStuck(ctx context.Context) (int, error) {
	return q.dispatch.ReclaimStuck(ctx, Now().UTC().Add(-q.options.StuckThreshold))
}

// DeadLetters lists dead letters, optionally filtered by resolution.
func (q *Queue) DeadLetters(ctx context.Context, resolution hookbridge.Resolution, limit int) ([]hookbridge.DeadLetter, error) {
	return q.deadletters.List(ctx, resolution, limit)
}

// RetryDead resets a dead dispatch to pending with a fresh retry budget and
// marks the dead letter retrying. The next sweep or an explicit
// ProcessPending picks it up.
func (q *Queue) RetryDead(ctx context.Context, deadLetterID int64, resolver string) error {
	dl, err := q.deadletters.Get(ctx, deadLetterID)
	if err != nil {
		return err
	}
	if dl == nil {
		return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("dead letter %d not found", deadLetterID)}
	}
	rec, err := q.dispatch.Get(ctx, dl.DispatchID)
	if err != nil {
		return err
	}
	if rec == nil {
		return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("dispatch %d for dead letter %d not found", dl.DispatchID, deadLetterID)}
	}
	if rec.Status != hookbridge.StatusDead {
		return nil
	}

	rec.Status = hookbridge.StatusPending
	rec.RetryCount = 0
	rec.NextRetryAt = nil
	rec.SentAt = nil
	rec.StartedAt = nil
	if err := q.dispatch.Update(ctx, rec); err != nil {
		return err
	}
	dl.Resolution = hookbridge.ResolutionRetrying
	dl.Resolver = resolver
	if err := q.deadletters.Update(ctx, dl); err != nil {
		return err
	}
	q.auditRec(ctx, rec, hookbridge.AuditStatusChanged,
		fmt.Sprintf("manual retry by %s", resolver),
		map[string]any{"status": string(hookbridge.StatusDead)},
		map[string]any{"status": string(hookbridge.StatusPending)})
	return nil
}

// BulkRetryDead retries a batch, returning how many were reset. Individual
// failures are logged so one bad id does not abort the rest.
func (q *Queue) BulkRetryDead(ctx context.Context, deadLetterIDs []int64, resolver string) (int, error) {
	n := 0
	for _, id := range deadLetterIDs {
		if err := q.RetryDead(ctx, id, resolver); err != nil {
			log.Warn(fmt.Sprintf("bulk retry of dead letter %d failed: %v", id, err))
			continue
		}
		n++
	}
	return n, nil
}

// IgnoreDead closes a dead letter without redelivery.
func (q *Queue) IgnoreDead(ctx context.Context, deadLetterID int64, resolver, notes string) error {
	dl, err := q.deadletters.Get(ctx, deadLetterID)
	if err != nil {
		return err
	}
	if dl == nil {
		return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("dead letter %d not found", deadLetterID)}
	}
	now := Now().UTC()
	dl.Resolution = hookbridge.ResolutionIgnored
	dl.Resolver = resolver
	dl.ResolvedAt = &now
	dl.Notes = notes
	return q.deadletters.Update(ctx, dl)
}

// TestConnection sends a synthetic payload to the subscriber outside the
// queue. The record id is negative so consumers can recognize the probe.
func (q *Queue) TestConnection(ctx context.Context, subscriberID int64) (delivery.Outcome, error) {
	sub, err := q.subscribers.Get(ctx, subscriberID)
	if err != nil {
		return delivery.Outcome{}, err
	}
	if sub == nil {
		return delivery.Outcome{}, hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("subscriber %d not found", subscriberID)}
	}
	probe := map[string]any{
		"event_id":  int64(0),
		"model":     "webhook.subscriber",
		"record_id": int64(-1),
		"event":     string(hookbridge.OperationCreate),
		"timestamp": Now().UTC().Format(time.RFC3339),
		"priority":  string(hookbridge.PriorityLow),
		"category":  string(hookbridge.CategorySystem),
		"data": map[string]any{
			"test":    true,
			"message": fmt.Sprintf("connection test for subscriber %d", sub.ID),
		},
	}
	return q.client.Deliver(ctx, sub, probe), nil
}

func (q *Queue) auditRec(ctx context.Context, rec *hookbridge.DispatchRecord, action hookbridge.AuditAction, note string, oldValues, newValues map[string]any) {
	if q.audit == nil {
		return
	}
	audit := &hookbridge.AuditRecord{
		DispatchID: rec.ID,
		Action:     action,
		Timestamp:  Now().UTC(),
		UserID:     rec.UserID,
		OldValues:  oldValues,
		NewValues:  newValues,
		Note:       note,
	}
	if oldValues != nil || newValues != nil {
		audit.ChangedFields = []string{"status"}
	}
	if _, err := q.audit.Add(ctx, audit); err != nil {
		log.Warn(fmt.Sprintf("audit %s for dispatch %d failed: %v", action, rec.ID, err))
	}
}

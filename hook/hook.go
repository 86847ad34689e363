// Package hook is the interception entry point. Host mutation paths call
// OnCreated, OnWritten and OnDeleted; everything funnels through one path
// that filters, debounces, builds payloads and appends to the event log.
// The hook never returns an error to the host: failures are logged, recorded
// to the error sink and swallowed.
package hook

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"time"

	"github.com/geniustep/hookbridge"
	"github.com/geniustep/hookbridge/payload"
	"github.com/geniustep/hookbridge/registry"
)

// Appender is the event log service seam. Append returns the assigned id,
// or zero when supersession intentionally dropped the entry.
type Appender interface {
	Append(ctx context.Context, e *hookbridge.EventLogEntry) (int64, error)
}

// Enqueuer is the dispatch queue seam. ProcessNow nudges freshly enqueued
// records into immediate delivery without waiting for the sweep.
type Enqueuer interface {
	Enqueue(ctx context.Context, e *hookbridge.EventLogEntry, rule *hookbridge.Rule) ([]int64, error)
	ProcessNow(ctx context.Context, ids []int64)
}

// Interceptor owns the per-mutation pipeline. One instance per engine.
type Interceptor struct {
	registry *registry.Registry
	debounce *Debouncer
	builder  *payload.Builder
	events   Appender
	queue    Enqueuer
	sink     hookbridge.ErrorSink
	window   time.Duration
}

func NewInterceptor(reg *registry.Registry, deb *Debouncer, builder *payload.Builder, events Appender, queue Enqueuer, sink hookbridge.ErrorSink, options hookbridge.Options) *Interceptor {
	options.ApplyDefaults()
	return &Interceptor{
		registry: reg,
		debounce: deb,
		builder:  builder,
		events:   events,
		queue:    queue,
		sink:     sink,
		window:   options.DebounceWindow,
	}
}

// target carries one record through the universal path. Deletes travel with
// their pre-delete snapshot; the live record is already gone.
type target struct {
	recordID int64
	captured *hookbridge.CapturedRecord
}

// OnCreated intercepts freshly created records.
func (i *Interceptor) OnCreated(ctx context.Context, model string, recordIDs []int64) {
	targets := make([]target, 0, len(recordIDs))
	for _, id := range recordIDs {
		targets = append(targets, target{recordID: id})
	}
	i.intercept(ctx, hookbridge.OperationCreate, model, targets, nil)
}

// OnWritten intercepts updated records. changed lists the mutated field
// names and drives tracked-field filtering and the payload's change list.
func (i *Interceptor) OnWritten(ctx context.Context, model string, recordIDs []int64, changed []string) {
	targets := make([]target, 0, len(recordIDs))
	for _, id := range recordIDs {
		targets = append(targets, target{recordID: id})
	}
	i.intercept(ctx, hookbridge.OperationWrite, model, targets, changed)
}

// OnDeleted intercepts deletions. The host captures each record before the
// row disappears.
func (i *Interceptor) OnDeleted(ctx context.Context, model string, captured []hookbridge.CapturedRecord) {
	targets := make([]target, 0, len(captured))
	for idx := range captured {
		targets = append(targets, target{recordID: captured[idx].RecordID, captured: &captured[idx]})
	}
	i.intercept(ctx, hookbridge.OperationDelete, model, targets, nil)
}

func (i *Interceptor) intercept(ctx context.Context, op hookbridge.Operation, model string, targets []target, changed []string) {
	if hookbridge.WebhookDisabled(ctx) {
		return
	}
	tracked, err := i.registry.IsTracked(ctx, model)
	if err != nil {
		i.sinkErr(ctx, model, 0, op, fmt.Errorf("rule registry unavailable: %w", err))
		return
	}
	if !tracked {
		return
	}
	rules, err := i.registry.RulesFor(ctx, model, op)
	if err != nil {
		i.sinkErr(ctx, model, 0, op, fmt.Errorf("rule lookup: %w", err))
		return
	}
	if len(rules) == 0 {
		return
	}

	window := i.debounceWindow(rules)
	for _, tgt := range targets {
		if err := hookbridge.ValidateRecordID(tgt.recordID); err != nil {
			i.sinkErr(ctx, model, tgt.recordID, op, err)
			continue
		}
		// One debounce decision per record, shared by every matching rule.
		if !i.debounce.Allow(model, tgt.recordID, op, window) {
			log.Debug(fmt.Sprintf("debounced %s %s#%d", op, model, tgt.recordID))
			continue
		}
		for _, rule := range rules {
			i.applyRule(ctx, op, model, tgt, changed, rule)
		}
	}
}

// debounceWindow picks the window for one invocation. Rules arrive ordered
// by sequence then id, so the first per-rule override wins; without one the
// engine default applies.
func (i *Interceptor) debounceWindow(rules []*registry.CompiledRule) time.Duration {
	for _, r := range rules {
		if r.DebounceSecs > 0 {
			return time.Duration(r.DebounceSecs) * time.Second
		}
	}
	return i.window
}

// applyRule runs one rule against one record. Each failure is contained to
// that pair; other rules and records still fire.
func (i *Interceptor) applyRule(ctx context.Context, op hookbridge.Operation, model string, tgt target, changed []string, rule *registry.CompiledRule) {
	if op == hookbridge.OperationWrite && len(rule.TrackedFields) > 0 && !intersects(rule.TrackedFields, changed) {
		return
	}

	var body map[string]any
	var err error
	if op == hookbridge.OperationDelete {
		body, err = i.builder.ForCaptured(ctx, &rule.Rule, op, model, *tgt.captured)
	} else {
		body, err = i.builder.ForEntity(ctx, &rule.Rule, op, model, tgt.recordID, writeChanged(op, changed))
	}
	if err != nil {
		i.sinkErr(ctx, model, tgt.recordID, op, fmt.Errorf("payload build: %w", err))
		return
	}

	matched, err := rule.Matches(body, changed, op)
	if err != nil {
		// Filter evaluation failures fail open; the event still flows.
		i.sinkErr(ctx, model, tgt.recordID, op, fmt.Errorf("rule %d domain evaluation: %w", rule.ID, err))
	}
	if !matched {
		return
	}

	entry := &hookbridge.EventLogEntry{
		Model:     model,
		RecordID:  tgt.recordID,
		Operation: op,
		Payload:   body,
		Priority:  rule.Priority,
		Category:  rule.Category,
		Timestamp: Now(),
		UserID:    hookbridge.UserFromContext(ctx),
		RuleID:    rule.ID,
	}
	id, err := i.events.Append(ctx, entry)
	if err != nil {
		// The event log service records append failures itself; sinking here
		// again would double the row.
		var hbErr hookbridge.Error
		if errors.As(err, &hbErr) && hbErr.Code == hookbridge.AppendFailure {
			log.Error(fmt.Sprintf("append %s %s#%d: %v", op, model, tgt.recordID, err))
		} else {
			i.sinkErr(ctx, model, tgt.recordID, op, fmt.Errorf("append: %w", err))
		}
		return
	}
	if id == 0 {
		// Superseded by an existing create row.
		return
	}
	if rule.TestMode {
		log.Debug(fmt.Sprintf("test-mode rule %d logged %s %s#%d without dispatch", rule.ID, op, model, tgt.recordID))
		return
	}

	ids, err := i.queue.Enqueue(ctx, entry, &rule.Rule)
	if err != nil {
		i.sinkErr(ctx, model, tgt.recordID, op, fmt.Errorf("enqueue: %w", err))
		return
	}
	if rule.InstantSend && rule.Priority == hookbridge.PriorityHigh && len(ids) > 0 {
		i.queue.ProcessNow(ctx, ids)
	}
}

// sinkErr logs and records a swallowed interception failure. Sink failures
// themselves can only be logged.
func (i *Interceptor) sinkErr(ctx context.Context, model string, recordID int64, op hookbridge.Operation, err error) {
	log.Error(fmt.Sprintf("intercept %s %s#%d: %v", op, model, recordID, err))
	if i.sink == nil {
		return
	}
	if serr := i.sink.Record(ctx, model, recordID, fmt.Sprintf("%s: %v", op, err)); serr != nil {
		log.Error(fmt.Sprintf("error sink write failed: %v", serr))
	}
}

func writeChanged(op hookbridge.Operation, changed []string) []string {
	if op == hookbridge.OperationWrite {
		return changed
	}
	return nil
}

func intersects(tracked, changed []string) bool {
	for _, t := range tracked {
		for _, c := range changed {
			if t == c {
				return true
			}
		}
	}
	return false
}

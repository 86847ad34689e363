// Package payload turns host entities into the wire shape consumers receive.
// Field serialization is driven by the host's field descriptors for live
// records and by value inference for pre-delete snapshots.
package payload

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/geniustep/hookbridge"
)

// Now lambda to allow unit tests to inject replayable time.Now.
var Now = time.Now

const (
	// DateLayout is the wire format for date-only fields.
	DateLayout = "2006-01-02"
	// manyRefCap bounds serialized to-many references; anything past it is
	// dropped to keep payloads deliverable.
	manyRefCap = 50
)

// bookkeepingFields are host-maintained columns that never ride in payloads.
var bookkeepingFields = map[string]struct{}{
	"create_uid":  {},
	"create_date": {},
	"write_uid":   {},
	"write_date":  {},
}

func skipField(name string) bool {
	if len(name) > 0 && name[0] == '_' {
		return true
	}
	_, skip := bookkeepingFields[name]
	return skip
}

// Renderer is the optional template collaborator. When a rule carries a
// template, the builder hands it the serialized record and uses the result
// as the payload body. Render failures fall back to the standard body.
type Renderer interface {
	Render(ctx context.Context, templateSrc string, record map[string]any) (map[string]any, error)
}

// Builder assembles event payloads from live entities or captured snapshots.
type Builder struct {
	accessor hookbridge.EntityAccessor
	renderer Renderer
}

func NewBuilder(accessor hookbridge.EntityAccessor, renderer Renderer) *Builder {
	return &Builder{
		accessor: accessor,
		renderer: renderer,
	}
}

// serializeValue converts one field value per its kind. Unknown shapes pass
// through untouched; the marshaler downstream decides if they survive.
func serializeValue(kind hookbridge.FieldKind, v any) any {
	if v == nil {
		if kind == hookbridge.FieldOneRef || kind == hookbridge.FieldManyRef {
			return nil
		}
		if kind == hookbridge.FieldBlob {
			return false
		}
		return nil
	}
	switch kind {
	case hookbridge.FieldDate:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(DateLayout)
		}
		return v
	case hookbridge.FieldDateTime:
		if t, ok := v.(time.Time); ok {
			return t.UTC().Format(time.RFC3339)
		}
		return v
	case hookbridge.FieldOneRef:
		switch ref := v.(type) {
		case hookbridge.RefValue:
			return map[string]any{"id": ref.ID, "name": ref.Name}
		case *hookbridge.RefValue:
			if ref == nil {
				return nil
			}
			return map[string]any{"id": ref.ID, "name": ref.Name}
		case map[string]any:
			return map[string]any{"id": ref["id"], "name": ref["name"]}
		}
		return v
	case hookbridge.FieldManyRef:
		switch refs := v.(type) {
		case []hookbridge.RefValue:
			n := len(refs)
			if n > manyRefCap {
				n = manyRefCap
			}
			out := make([]any, 0, n)
			for _, ref := range refs[:n] {
				out = append(out, map[string]any{"id": ref.ID, "name": ref.Name})
			}
			return out
		case []any:
			n := len(refs)
			if n > manyRefCap {
				n = manyRefCap
			}
			out := make([]any, 0, n)
			for _, ref := range refs[:n] {
				out = append(out, serializeValue(hookbridge.FieldOneRef, ref))
			}
			return out
		}
		return v
	case hookbridge.FieldBlob:
		// Binary content never rides in payloads, only its presence.
		switch b := v.(type) {
		case []byte:
			return len(b) > 0
		case string:
			return b != ""
		}
		return true
	}
	return v
}

// SerializeSnapshot converts a captured value map, inferring each field's kind
// from its value. Internal and bookkeeping keys are dropped.
func SerializeSnapshot(snapshot map[string]any) map[string]any {
	out := make(map[string]any, len(snapshot))
	for name, v := range snapshot {
		if skipField(name) {
			continue
		}
		out[name] = serializeValue(hookbridge.InferFieldKind(v), v)
	}
	return out
}

func (b *Builder) metadata(model string, recordID int64, displayName string, op hookbridge.Operation, rule *hookbridge.Rule) map[string]any {
	md := map[string]any{
		"model":        model,
		"id":           recordID,
		"display_name": displayName,
		"operation":    string(op),
		"timestamp":    Now().UTC().Format(time.RFC3339),
	}
	if rule != nil {
		md["rule_id"] = rule.ID
		if rule.TestMode {
			md["test_mode"] = true
		}
	}
	return md
}

func (b *Builder) render(ctx context.Context, rule *hookbridge.Rule, body map[string]any) map[string]any {
	if rule == nil || rule.TemplateSrc == "" || b.renderer == nil {
		return body
	}
	rendered, err := b.renderer.Render(ctx, rule.TemplateSrc, body)
	if err != nil {
		log.Warn(fmt.Sprintf("payload template for rule %d failed, using standard body: %v", rule.ID, err))
		return body
	}
	return rendered
}

// ForEntity builds the payload body for a live record. A rule's tracked
// fields double as the include list; without one every stored field rides
// along minus internal names. Per-field read errors drop that field and
// continue; an event with a few missing fields beats no event.
func (b *Builder) ForEntity(ctx context.Context, rule *hookbridge.Rule, op hookbridge.Operation, model string, recordID int64, changed []string) (map[string]any, error) {
	if b.accessor == nil {
		return nil, hookbridge.Error{Code: hookbridge.InterceptionFailure, Err: fmt.Errorf("no entity accessor configured")}
	}
	fields, err := b.accessor.Fields(ctx, model)
	if err != nil {
		return nil, hookbridge.Error{Code: hookbridge.InterceptionFailure, Err: fmt.Errorf("payload fields for %s: %w", model, err)}
	}

	var include map[string]struct{}
	if rule != nil && len(rule.TrackedFields) > 0 {
		include = make(map[string]struct{}, len(rule.TrackedFields))
		for _, name := range rule.TrackedFields {
			include[name] = struct{}{}
		}
	}

	body := make(map[string]any, len(fields))
	for _, f := range fields {
		if f.Kind == hookbridge.FieldComputedNonStored {
			continue
		}
		if include != nil {
			// An explicit include list is operator intent, so it is not
			// subject to the internal-name skip.
			if _, ok := include[f.Name]; !ok {
				continue
			}
		} else if skipField(f.Name) {
			continue
		}
		v, err := b.accessor.Value(ctx, model, recordID, f.Name)
		if err != nil {
			log.Warn(fmt.Sprintf("payload field %s.%s read failed, dropped: %v", model, f.Name, err))
			continue
		}
		body[f.Name] = serializeValue(f.Kind, v)
	}

	displayName, err := b.accessor.DisplayName(ctx, model, recordID)
	if err != nil {
		displayName = fmt.Sprintf("%s(%d)", model, recordID)
	}

	body = b.render(ctx, rule, body)
	body["_metadata"] = b.metadata(model, recordID, displayName, op, rule)
	if op == hookbridge.OperationWrite && len(changed) > 0 {
		body["_changed_fields"] = changed
	}
	return body, nil
}

// ForCaptured builds the payload body for a deleted record from its
// pre-delete snapshot.
func (b *Builder) ForCaptured(ctx context.Context, rule *hookbridge.Rule, op hookbridge.Operation, model string, captured hookbridge.CapturedRecord) (map[string]any, error) {
	body := SerializeSnapshot(captured.Snapshot)
	displayName := captured.DisplayName
	if displayName == "" {
		displayName = fmt.Sprintf("%s(%d)", model, captured.RecordID)
	}
	body = b.render(ctx, rule, body)
	body["_metadata"] = b.metadata(model, captured.RecordID, displayName, op, rule)
	return body, nil
}

// stringSlice normalizes a payload value that may have round-tripped through
// JSON into []any.
func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// WireEvent assembles the envelope consumers receive for one log entry.
func WireEvent(e *hookbridge.EventLogEntry) map[string]any {
	return map[string]any{
		"event_id":       e.ID,
		"model":          e.Model,
		"record_id":      e.RecordID,
		"event":          string(e.Operation),
		"timestamp":      e.Timestamp.UTC().Format(time.RFC3339),
		"priority":       string(e.Priority),
		"category":       string(e.Category),
		"data":           e.Payload,
		"changed_fields": stringSlice(e.Payload["_changed_fields"]),
	}
}

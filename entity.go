package hookbridge

import (
	"context"
	"reflect"
	"time"
)

// FieldKind classifies a host entity field for payload serialization.
type FieldKind int

const (
	FieldScalar FieldKind = iota
	FieldDate
	FieldDateTime
	FieldOneRef
	FieldManyRef
	FieldBlob
	// FieldComputedNonStored fields are skipped by the payload builder.
	FieldComputedNonStored
)

// FieldDescriptor describes one named field of a host model.
type FieldDescriptor struct {
	Name string    `json:"name"`
	Kind FieldKind `json:"kind"`
}

// RefValue is the serialized form of a reference field: {id, name}.
type RefValue struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// CapturedRecord is a pre-delete snapshot handed to the interception hook.
// The live entity no longer exists when delete events are built, so payload
// construction reads from the captured values instead.
type CapturedRecord struct {
	RecordID    int64          `json:"record_id"`
	DisplayName string         `json:"display_name"`
	Snapshot    map[string]any `json:"snapshot"`
}

// EntityAccessor is the capability the host hands the pipeline for reading
// entities by name. The payload builder and the orphan sweep are polymorphic
// over it; a nil accessor disables the orphan sweep.
type EntityAccessor interface {
	// Fields lists the field descriptors of a model.
	Fields(ctx context.Context, model string) ([]FieldDescriptor, error)
	// Value reads one named field of a record.
	Value(ctx context.Context, model string, recordID int64, field string) (any, error)
	// DisplayName returns the human-readable record name.
	DisplayName(ctx context.Context, model string, recordID int64) (string, error)
	// Exists probes record existence; the orphan sweep uses it.
	Exists(ctx context.Context, model string, recordID int64) (bool, error)
}

// InferFieldKind classifies a raw value when the host supplies no descriptor
// (captured snapshots carry values, not schemas).
func InferFieldKind(v any) FieldKind {
	if v == nil {
		return FieldScalar
	}

	switch v.(type) {
	case time.Time:
		return FieldDateTime
	case RefValue, *RefValue:
		return FieldOneRef
	case []RefValue:
		return FieldManyRef
	case string, bool,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, uintptr,
		float32, float64:
		return FieldScalar
	}

	val := reflect.ValueOf(v)
	kind := val.Kind()

	if kind == reflect.Map {
		// Maps with id+name shape serialize as one-reference values.
		if m, ok := v.(map[string]any); ok {
			if _, hasID := m["id"]; hasID {
				if _, hasName := m["name"]; hasName {
					return FieldOneRef
				}
			}
		}
		return FieldScalar
	}

	if kind == reflect.Slice || kind == reflect.Array {
		// Byte slice -> blob.
		if val.Type().Elem().Kind() == reflect.Uint8 {
			return FieldBlob
		}
		if val.Len() > 0 {
			if InferFieldKind(val.Index(0).Interface()) == FieldOneRef {
				return FieldManyRef
			}
		}
		return FieldScalar
	}

	return FieldScalar
}

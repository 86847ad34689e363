package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/geniustep/hookbridge"
)

// ErrorSink keeps pipeline failures in memory for operator inspection.
type ErrorSink struct {
	mu     sync.RWMutex
	rows   map[int64]hookbridge.ErrorRecord
	nextID int64
}

func NewErrorSink() *ErrorSink {
	return &ErrorSink{
		rows: make(map[int64]hookbridge.ErrorRecord),
	}
}

func (s *ErrorSink) Record(ctx context.Context, model string, recordID int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.rows[s.nextID] = hookbridge.ErrorRecord{
		ID:        s.nextID,
		Model:     model,
		RecordID:  recordID,
		Message:   message,
		Timestamp: Now().UTC(),
	}
	return nil
}

func (s *ErrorSink) List(ctx context.Context, limit int) ([]hookbridge.ErrorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := make([]hookbridge.ErrorRecord, 0, len(s.rows))
	for _, row := range s.rows {
		r = append(r, row)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID > r[j].ID })
	if limit > 0 && len(r) > limit {
		r = r[:limit]
	}
	return r, nil
}

func (s *ErrorSink) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.rows {
		if row.Timestamp.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/geniustep/hookbridge"
)

// AuditStore keeps the per-dispatch trail in memory, oldest first per dispatch.
type AuditStore struct {
	mu     sync.RWMutex
	rows   map[int64]hookbridge.AuditRecord
	order  []int64
	nextID int64
}

func NewAuditStore() *AuditStore {
	return &AuditStore{
		rows: make(map[int64]hookbridge.AuditRecord),
	}
}

func (s *AuditStore) Add(ctx context.Context, a *hookbridge.AuditRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	row := *a
	row.ID = s.nextID
	if row.Timestamp.IsZero() {
		row.Timestamp = Now().UTC()
	}
	s.rows[row.ID] = row
	s.order = append(s.order, row.ID)
	a.ID = row.ID
	a.Timestamp = row.Timestamp
	return row.ID, nil
}

func (s *AuditStore) ListByDispatch(ctx context.Context, dispatchID int64) ([]hookbridge.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r []hookbridge.AuditRecord
	for _, id := range s.order {
		row, ok := s.rows[id]
		if ok && row.DispatchID == dispatchID {
			r = append(r, row)
		}
	}
	return r, nil
}

func (s *AuditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.rows {
		if row.Timestamp.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	if n > 0 {
		kept := s.order[:0]
		for _, id := range s.order {
			if _, ok := s.rows[id]; ok {
				kept = append(kept, id)
			}
		}
		s.order = kept
	}
	return n, nil
}

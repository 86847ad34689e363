package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/geniustep/hookbridge"
)

// DispatchStore keeps per-subscriber delivery attempts in memory.
type DispatchStore struct {
	mu     sync.RWMutex
	rows   map[int64]hookbridge.DispatchRecord
	nextID int64
}

func NewDispatchStore() *DispatchStore {
	return &DispatchStore{
		rows: make(map[int64]hookbridge.DispatchRecord),
	}
}

func (s *DispatchStore) Add(ctx context.Context, d *hookbridge.DispatchRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	row := *d
	row.ID = s.nextID
	if row.Timestamp.IsZero() {
		row.Timestamp = Now().UTC()
	}
	if row.Status == "" {
		row.Status = hookbridge.StatusPending
	}
	s.rows[row.ID] = row
	d.ID = row.ID
	d.Timestamp = row.Timestamp
	d.Status = row.Status
	return row.ID, nil
}

func (s *DispatchStore) Get(ctx context.Context, id int64) (*hookbridge.DispatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *DispatchStore) Update(ctx context.Context, d *hookbridge.DispatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[d.ID]; !ok {
		return hookbridge.Error{
			Code: hookbridge.Unknown,
			Err:  errMissingRow("dispatch", d.ID),
		}
	}
	s.rows[d.ID] = *d
	return nil
}

// SelectDue returns pending rows plus failed rows whose retry time has come,
// most urgent first: priority rank descending, then enqueue time ascending.
// Pending rows carrying a future NextRetryAt are postponed, not due.
func (s *DispatchStore) SelectDue(ctx context.Context, now time.Time, limit int) ([]hookbridge.DispatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []hookbridge.DispatchRecord
	for _, row := range s.rows {
		switch row.Status {
		case hookbridge.StatusPending:
			if row.NextRetryAt == nil || !row.NextRetryAt.After(now) {
				due = append(due, row)
			}
		case hookbridge.StatusFailed:
			if row.RetryCount < row.MaxRetries && row.NextRetryAt != nil && !row.NextRetryAt.After(now) {
				due = append(due, row)
			}
		}
	}
	sort.Slice(due, func(i, j int) bool {
		ri, rj := due[i].Priority.Rank(), due[j].Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		if !due[i].Timestamp.Equal(due[j].Timestamp) {
			return due[i].Timestamp.Before(due[j].Timestamp)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *DispatchStore) CASStatus(ctx context.Context, id int64, from, to hookbridge.DispatchStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok || row.Status != from {
		return false, nil
	}
	row.Status = to
	if to == hookbridge.StatusProcessing {
		t := Now().UTC()
		row.StartedAt = &t
	} else {
		row.StartedAt = nil
	}
	s.rows[id] = row
	return true, nil
}

func (s *DispatchStore) CountSentSince(ctx context.Context, subscriberID int64, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, row := range s.rows {
		if row.SubscriberID != subscriberID || row.Status != hookbridge.StatusSent {
			continue
		}
		if row.SentAt != nil && !row.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *DispatchStore) ReclaimStuck(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.rows {
		if row.Status != hookbridge.StatusProcessing {
			continue
		}
		if row.StartedAt == nil || row.StartedAt.Before(before) {
			row.Status = hookbridge.StatusPending
			row.StartedAt = nil
			s.rows[id] = row
			n++
		}
	}
	return n, nil
}

func (s *DispatchStore) ListBySubscriber(ctx context.Context, subscriberID int64, limit int) ([]hookbridge.DispatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r []hookbridge.DispatchRecord
	for _, row := range s.rows {
		if row.SubscriberID == subscriberID {
			r = append(r, row)
		}
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID > r[j].ID })
	if limit > 0 && len(r) > limit {
		r = r[:limit]
	}
	return r, nil
}

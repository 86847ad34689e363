package inmemory

import (
	"context"
	"sort"
	"sync"

	"github.com/geniustep/hookbridge"
)

// DeadLetterStore keeps exhausted deliveries in memory, indexed by the
// dispatch row that died so MarkDead can stay idempotent.
type DeadLetterStore struct {
	mu         sync.RWMutex
	rows       map[int64]hookbridge.DeadLetter
	byDispatch map[int64]int64
	nextID     int64
}

func NewDeadLetterStore() *DeadLetterStore {
	return &DeadLetterStore{
		rows:       make(map[int64]hookbridge.DeadLetter),
		byDispatch: make(map[int64]int64),
	}
}

func (s *DeadLetterStore) Add(ctx context.Context, d *hookbridge.DeadLetter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byDispatch[d.DispatchID]; ok {
		d.ID = id
		return id, nil
	}
	s.nextID++
	row := *d
	row.ID = s.nextID
	if row.FailedAt.IsZero() {
		row.FailedAt = Now().UTC()
	}
	if row.Resolution == "" {
		row.Resolution = hookbridge.ResolutionPending
	}
	s.rows[row.ID] = row
	s.byDispatch[row.DispatchID] = row.ID
	d.ID = row.ID
	d.FailedAt = row.FailedAt
	d.Resolution = row.Resolution
	return row.ID, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id int64) (*hookbridge.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *DeadLetterStore) GetByDispatch(ctx context.Context, dispatchID int64) (*hookbridge.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byDispatch[dispatchID]
	if !ok {
		return nil, nil
	}
	row := s.rows[id]
	return &row, nil
}

func (s *DeadLetterStore) Update(ctx context.Context, d *hookbridge.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[d.ID]; !ok {
		return hookbridge.Error{Code: hookbridge.Unknown, Err: errMissingRow("dead letter", d.ID)}
	}
	s.rows[d.ID] = *d
	return nil
}

func (s *DeadLetterStore) List(ctx context.Context, resolution hookbridge.Resolution, limit int) ([]hookbridge.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r []hookbridge.DeadLetter
	for _, row := range s.rows {
		if resolution != "" && row.Resolution != resolution {
			continue
		}
		r = append(r, row)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID > r[j].ID })
	if limit > 0 && len(r) > limit {
		r = r[:limit]
	}
	return r, nil
}

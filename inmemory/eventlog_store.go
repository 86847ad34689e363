package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/geniustep/hookbridge"
)

// Now lambda to allow unit tests to inject replayable time.Now.
var Now = time.Now

// EventLogStore keeps the pull journal in memory. IDs are assigned from a
// single counter under the store mutex, so insertion order and id order agree.
type EventLogStore struct {
	mu     sync.RWMutex
	rows   map[int64]hookbridge.EventLogEntry
	order  []int64
	nextID int64
}

func NewEventLogStore() *EventLogStore {
	return &EventLogStore{
		rows: make(map[int64]hookbridge.EventLogEntry),
	}
}

func (s *EventLogStore) Append(ctx context.Context, e *hookbridge.EventLogEntry) (int64, error) {
	if err := hookbridge.ValidateRecordID(e.RecordID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	row := *e
	row.ID = s.nextID
	if row.Timestamp.IsZero() {
		row.Timestamp = Now().UTC()
	}
	s.rows[row.ID] = row
	s.order = append(s.order, row.ID)
	e.ID = row.ID
	e.Timestamp = row.Timestamp
	return row.ID, nil
}

func (s *EventLogStore) Get(ctx context.Context, id int64) (*hookbridge.EventLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *EventLogStore) ListByRecord(ctx context.Context, model string, recordID int64) ([]hookbridge.EventLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r []hookbridge.EventLogEntry
	for _, id := range s.order {
		row, ok := s.rows[id]
		if !ok {
			continue
		}
		if row.Model == model && row.RecordID == recordID && !row.IsArchived {
			r = append(r, row)
		}
	}
	return r, nil
}

func (s *EventLogStore) DeleteByIDs(ctx context.Context, ids []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.rows[id]; ok {
			delete(s.rows, id)
			n++
		}
	}
	s.compactOrder(n)
	return n, nil
}

// compactOrder drops deleted ids from the insertion order once n rows went
// away, keeping the slice from growing across supersession and sweeps.
func (s *EventLogStore) compactOrder(n int) {
	if n == 0 {
		return
	}
	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := s.rows[id]; ok {
			kept = append(kept, id)
		}
	}
	s.order = kept
}

func (s *EventLogStore) matchesPull(row hookbridge.EventLogEntry, q hookbridge.PullQuery) bool {
	if row.ID <= q.LastEventID || row.IsProcessed || row.IsArchived {
		return false
	}
	if len(q.Models) > 0 {
		found := false
		for _, m := range q.Models {
			if row.Model == m {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Priority != "" && row.Priority != q.Priority {
		return false
	}
	return true
}

func (s *EventLogStore) Pull(ctx context.Context, q hookbridge.PullQuery) ([]hookbridge.EventLogEntry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	var batch []hookbridge.EventLogEntry
	hasMore := false
	for _, id := range s.order {
		row, ok := s.rows[id]
		if !ok || !s.matchesPull(row, q) {
			continue
		}
		if len(batch) < limit {
			batch = append(batch, row)
			continue
		}
		hasMore = true
		break
	}
	return batch, hasMore, nil
}

func (s *EventLogStore) MarkProcessed(ctx context.Context, ids []int64, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		row, ok := s.rows[id]
		if !ok || row.IsProcessed {
			continue
		}
		t := at
		row.IsProcessed = true
		row.ProcessedAt = &t
		s.rows[id] = row
		n++
	}
	return n, nil
}

func (s *EventLogStore) ArchiveBefore(ctx context.Context, cutoff time.Time, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.rows {
		if row.IsProcessed && !row.IsArchived && row.Timestamp.Before(cutoff) {
			t := at
			row.IsArchived = true
			row.ArchivedAt = &t
			s.rows[id] = row
			n++
		}
	}
	return n, nil
}

func (s *EventLogStore) DeleteArchivedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.rows {
		if row.IsArchived && row.Timestamp.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	s.compactOrder(n)
	return n, nil
}

func (s *EventLogStore) PendingCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, row := range s.rows {
		if !row.IsProcessed && !row.IsArchived {
			n++
		}
	}
	return n, nil
}

func (s *EventLogStore) Stats(ctx context.Context, since time.Time) (*hookbridge.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := hookbridge.Statistics{
		ByPriority: make(map[string]int64),
	}
	byModel := make(map[string]int64)
	for _, row := range s.rows {
		if row.Timestamp.Before(since) {
			continue
		}
		st.TotalEvents++
		if row.IsProcessed {
			st.Processed++
		} else if !row.IsArchived {
			st.Pending++
		}
		if row.IsArchived {
			st.Archived++
		}
		byModel[row.Model]++
		st.ByPriority[string(row.Priority)]++
	}
	for m, c := range byModel {
		st.ByModel = append(st.ByModel, hookbridge.ModelCount{Model: m, Count: c})
	}
	sort.Slice(st.ByModel, func(i, j int) bool {
		if st.ByModel[i].Count != st.ByModel[j].Count {
			return st.ByModel[i].Count > st.ByModel[j].Count
		}
		return st.ByModel[i].Model < st.ByModel[j].Model
	})
	if len(st.ByModel) > 10 {
		st.ByModel = st.ByModel[:10]
	}
	return &st, nil
}

func (s *EventLogStore) DistinctRecords(ctx context.Context) ([]hookbridge.Tuple[string, int64], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type pair struct {
		model string
		id    int64
	}
	seen := make(map[pair]struct{})
	var r []hookbridge.Tuple[string, int64]
	for _, id := range s.order {
		row, ok := s.rows[id]
		if !ok || row.IsArchived {
			continue
		}
		p := pair{row.Model, row.RecordID}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		r = append(r, hookbridge.Tuple[string, int64]{First: row.Model, Second: row.RecordID})
	}
	return r, nil
}

package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/geniustep/hookbridge"
)

// SyncStateStore keeps one cursor row per (user, device) pair in memory.
type SyncStateStore struct {
	mu     sync.RWMutex
	rows   map[int64]hookbridge.SyncState
	byPair map[hookbridge.Tuple[int64, string]]int64
	nextID int64
}

func NewSyncStateStore() *SyncStateStore {
	return &SyncStateStore{
		rows:   make(map[int64]hookbridge.SyncState),
		byPair: make(map[hookbridge.Tuple[int64, string]]int64),
	}
}

func (s *SyncStateStore) GetOrCreate(ctx context.Context, userID int64, deviceID, appType string) (*hookbridge.SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := hookbridge.Tuple[int64, string]{First: userID, Second: deviceID}
	if id, ok := s.byPair[key]; ok {
		row := s.rows[id]
		return &row, nil
	}
	s.nextID++
	row := hookbridge.SyncState{
		ID:       s.nextID,
		UserID:   userID,
		DeviceID: deviceID,
		AppType:  appType,
		Active:   true,
	}
	s.rows[row.ID] = row
	s.byPair[key] = row.ID
	return &row, nil
}

func (s *SyncStateStore) Get(ctx context.Context, userID int64, deviceID string) (*hookbridge.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPair[hookbridge.Tuple[int64, string]{First: userID, Second: deviceID}]
	if !ok {
		return nil, nil
	}
	row := s.rows[id]
	return &row, nil
}

func (s *SyncStateStore) Update(ctx context.Context, st *hookbridge.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[st.ID]; !ok {
		return hookbridge.Error{Code: hookbridge.Unknown, Err: errMissingRow("sync state", st.ID)}
	}
	s.rows[st.ID] = *st
	return nil
}

func (s *SyncStateStore) List(ctx context.Context, activeOnly bool) ([]hookbridge.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := make([]hookbridge.SyncState, 0, len(s.rows))
	for _, row := range s.rows {
		if activeOnly && !row.Active {
			continue
		}
		r = append(r, row)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r, nil
}

func (s *SyncStateStore) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, row := range s.rows {
		if row.Active {
			continue
		}
		if !row.LastSyncTime.IsZero() && row.LastSyncTime.Before(cutoff) {
			delete(s.rows, id)
			delete(s.byPair, hookbridge.Tuple[int64, string]{First: row.UserID, Second: row.DeviceID})
			n++
		}
	}
	return n, nil
}

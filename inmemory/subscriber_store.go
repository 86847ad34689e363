package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/geniustep/hookbridge"
)

// SubscriberStore keeps webhook endpoints in memory. Endpoint URLs are unique.
type SubscriberStore struct {
	mu     sync.RWMutex
	rows   map[int64]hookbridge.Subscriber
	nextID int64
}

func NewSubscriberStore() *SubscriberStore {
	return &SubscriberStore{
		rows: make(map[int64]hookbridge.Subscriber),
	}
}

func (s *SubscriberStore) duplicateURL(sub *hookbridge.Subscriber) bool {
	for _, row := range s.rows {
		if row.ID != sub.ID && row.EndpointURL == sub.EndpointURL {
			return true
		}
	}
	return false
}

func (s *SubscriberStore) Add(ctx context.Context, sub *hookbridge.Subscriber) error {
	if sub.EndpointURL == "" {
		return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("subscriber endpoint URL is required")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.duplicateURL(sub) {
		return hookbridge.Error{
			Code: hookbridge.ConfigInvalid,
			Err:  fmt.Errorf("a subscriber for %s already exists", sub.EndpointURL),
		}
	}
	s.nextID++
	row := *sub
	row.ID = s.nextID
	s.rows[row.ID] = row
	sub.ID = row.ID
	return nil
}

func (s *SubscriberStore) Update(ctx context.Context, sub *hookbridge.Subscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[sub.ID]; !ok {
		return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: errMissingRow("subscriber", sub.ID)}
	}
	if s.duplicateURL(sub) {
		return hookbridge.Error{
			Code: hookbridge.ConfigInvalid,
			Err:  fmt.Errorf("a subscriber for %s already exists", sub.EndpointURL),
		}
	}
	s.rows[sub.ID] = *sub
	return nil
}

func (s *SubscriberStore) Get(ctx context.Context, id int64) (*hookbridge.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *SubscriberStore) All(ctx context.Context, enabledOnly bool) ([]hookbridge.Subscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r []hookbridge.Subscriber
	for _, row := range s.rows {
		if enabledOnly && !row.Enabled {
			continue
		}
		r = append(r, row)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ID < r[j].ID })
	return r, nil
}

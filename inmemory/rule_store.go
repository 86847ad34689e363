package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/geniustep/hookbridge"
)

func errMissingRow(table string, id int64) error {
	return fmt.Errorf("%s row %d does not exist", table, id)
}

// RuleStore keeps interception rules in memory. At most one active rule may
// exist per (model, operation) pair; the second Add or an Update that would
// collide fails with ConfigInvalid.
type RuleStore struct {
	mu     sync.RWMutex
	rows   map[int64]hookbridge.Rule
	nextID int64
}

func NewRuleStore() *RuleStore {
	return &RuleStore{
		rows: make(map[int64]hookbridge.Rule),
	}
}

func (s *RuleStore) conflicts(r *hookbridge.Rule) *hookbridge.Rule {
	if !r.Active {
		return nil
	}
	for _, row := range s.rows {
		if row.ID != r.ID && row.Active && row.Model == r.Model && row.Operation == r.Operation {
			return &row
		}
	}
	return nil
}

func (s *RuleStore) Add(ctx context.Context, r *hookbridge.Rule) error {
	if r.Model == "" {
		return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("rule model is required")}
	}
	if _, err := hookbridge.ParseOperation(string(r.Operation)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if dup := s.conflicts(r); dup != nil {
		return hookbridge.Error{
			Code:     hookbridge.ConfigInvalid,
			Err:      fmt.Errorf("an active rule for %s/%s already exists", r.Model, r.Operation),
			UserData: dup.ID,
		}
	}
	s.nextID++
	row := *r
	row.ID = s.nextID
	if row.CreatedAt.IsZero() {
		row.CreatedAt = Now().UTC()
	}
	row.UpdatedAt = row.CreatedAt
	s.rows[row.ID] = row
	r.ID = row.ID
	r.CreatedAt = row.CreatedAt
	r.UpdatedAt = row.UpdatedAt
	return nil
}

func (s *RuleStore) Update(ctx context.Context, r *hookbridge.Rule) error {
	if _, err := hookbridge.ParseOperation(string(r.Operation)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.rows[r.ID]
	if !ok {
		return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: errMissingRow("rule", r.ID)}
	}
	if dup := s.conflicts(r); dup != nil {
		return hookbridge.Error{
			Code:     hookbridge.ConfigInvalid,
			Err:      fmt.Errorf("an active rule for %s/%s already exists", r.Model, r.Operation),
			UserData: dup.ID,
		}
	}
	row := *r
	row.CreatedAt = old.CreatedAt
	row.UpdatedAt = Now().UTC()
	s.rows[row.ID] = row
	r.CreatedAt = row.CreatedAt
	r.UpdatedAt = row.UpdatedAt
	return nil
}

func (s *RuleStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: errMissingRow("rule", id)}
	}
	delete(s.rows, id)
	return nil
}

func (s *RuleStore) Get(ctx context.Context, id int64) (*hookbridge.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *RuleStore) All(ctx context.Context, activeOnly bool) ([]hookbridge.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var r []hookbridge.Rule
	for _, row := range s.rows {
		if activeOnly && !row.Active {
			continue
		}
		r = append(r, row)
	}
	sort.Slice(r, func(i, j int) bool {
		if r[i].Sequence != r[j].Sequence {
			return r[i].Sequence < r[j].Sequence
		}
		return r[i].ID < r[j].ID
	})
	return r, nil
}

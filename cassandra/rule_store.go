package cassandra

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"github.com/geniustep/hookbridge"
)

const ruleColumns = "id, name, model, op, active, seq, domain, tracked, priority, category, subs, template, instant, rate_limit, debounce, test_mode, c_at, u_at"

// Rule writes across instances serialize on one cache lock so the one-active-
// rule-per-pair invariant holds without a relational unique constraint.
const ruleWriteLockDuration = time.Duration(1 * time.Minute)

// RuleStore persists tracking rules in the rule table.
type RuleStore struct {
	cache hookbridge.Cache
}

func NewRuleStore() *RuleStore {
	return &RuleStore{
		cache: hookbridge.NewCacheClient(),
	}
}

func scanRuleRows(iter *gocql.Iter) ([]hookbridge.Rule, error) {
	r := make([]hookbridge.Rule, 0, iter.NumRows())
	var (
		id                                                int64
		name, model, op, domain, priority, category, tmpl string
		active, instant, testMode                         bool
		seq, rateLimit, debounce                          int
		tracked                                           []string
		subs                                              []int64
		cAt, uAt                                          time.Time
	)
	for iter.Scan(&id, &name, &model, &op, &active, &seq, &domain, &tracked, &priority, &category, &subs, &tmpl, &instant, &rateLimit, &debounce, &testMode, &cAt, &uAt) {
		r = append(r, hookbridge.Rule{
			ID:            id,
			Name:          name,
			Model:         model,
			Operation:     hookbridge.Operation(op),
			Active:        active,
			Sequence:      seq,
			Domain:        domain,
			TrackedFields: tracked,
			Priority:      hookbridge.Priority(priority),
			Category:      hookbridge.Category(category),
			SubscriberIDs: subs,
			TemplateSrc:   tmpl,
			InstantSend:   instant,
			RateLimit:     rateLimit,
			DebounceSecs:  debounce,
			TestMode:      testMode,
			CreatedAt:     cAt.UTC(),
			UpdatedAt:     uAt.UTC(),
		})
		tracked, subs = nil, nil
	}
	if err := iter.Close(); err != nil {
		return r, err
	}
	return r, nil
}

// activeConflict reports the id of an active rule occupying (model, op) other
// than selfID, or 0.
func (s *RuleStore) activeConflict(ctx context.Context, model string, op hookbridge.Operation, selfID int64) (int64, error) {
	selectStatement := fmt.Sprintf("SELECT id FROM %s.rule WHERE model = ? AND op = ? AND active = true ALLOW FILTERING;", connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, model, string(op)).WithContext(ctx)
	if connection.Config.ConsistencyBook.RuleGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.RuleGet)
	}
	iter := qry.Iter()
	var id int64
	for iter.Scan(&id) {
		if id != selfID {
			iter.Close()
			return id, nil
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	return 0, nil
}

func (s *RuleStore) write(ctx context.Context, r *hookbridge.Rule, consistency gocql.Consistency) error {
	insertStatement := fmt.Sprintf("INSERT INTO %s.rule (%s) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);", connection.Config.Keyspace, ruleColumns)
	qry := connection.Session.Query(insertStatement, r.ID, r.Name, r.Model, string(r.Operation), r.Active, r.Sequence, r.Domain, r.TrackedFields,
		string(r.Priority), string(r.Category), r.SubscriberIDs, r.TemplateSrc, r.InstantSend, r.RateLimit, r.DebounceSecs, r.TestMode, r.CreatedAt, r.UpdatedAt).WithContext(ctx)
	if consistency > gocql.Any {
		qry.Consistency(consistency)
	}
	return qry.Exec()
}

func (s *RuleStore) Add(ctx context.Context, r *hookbridge.Rule) error {
	if r.Model == "" {
		return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("rule model is required")}
	}
	if _, err := hookbridge.ParseOperation(string(r.Operation)); err != nil {
		return err
	}
	if connection == nil {
		return fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	lk := s.cache.CreateLockKeys([]string{"rules"})
	if ok, _, err := s.cache.Lock(ctx, ruleWriteLockDuration, lk); !ok || err != nil {
		if err != nil {
			return err
		}
		return hookbridge.Error{Code: hookbridge.LockAcquisitionFailure, Err: fmt.Errorf("rule table is locked by another writer")}
	}
	defer s.cache.Unlock(ctx, lk)

	if r.Active {
		dup, err := s.activeConflict(ctx, r.Model, r.Operation, 0)
		if err != nil {
			return err
		}
		if dup != 0 {
			return hookbridge.Error{
				Code:     hookbridge.ConfigInvalid,
				Err:      fmt.Errorf("an active rule for %s/%s already exists", r.Model, r.Operation),
				UserData: dup,
			}
		}
	}

	id, err := nextID(ctx, s.cache, "rule")
	if err != nil {
		return err
	}
	r.ID = id
	if r.CreatedAt.IsZero() {
		r.CreatedAt = Now().UTC()
	}
	r.UpdatedAt = r.CreatedAt
	return s.write(ctx, r, connection.Config.ConsistencyBook.RuleAdd)
}

func (s *RuleStore) Update(ctx context.Context, r *hookbridge.Rule) error {
	if _, err := hookbridge.ParseOperation(string(r.Operation)); err != nil {
		return err
	}
	if connection == nil {
		return fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	lk := s.cache.CreateLockKeys([]string{"rules"})
	if ok, _, err := s.cache.Lock(ctx, ruleWriteLockDuration, lk); !ok || err != nil {
		if err != nil {
			return err
		}
		return hookbridge.Error{Code: hookbridge.LockAcquisitionFailure, Err: fmt.Errorf("rule table is locked by another writer")}
	}
	defer s.cache.Unlock(ctx, lk)

	old, err := s.Get(ctx, r.ID)
	if err != nil {
		return err
	}
	if old == nil {
		return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("rule row %d does not exist", r.ID)}
	}
	if r.Active {
		dup, err := s.activeConflict(ctx, r.Model, r.Operation, r.ID)
		if err != nil {
			return err
		}
		if dup != 0 {
			return hookbridge.Error{
				Code:     hookbridge.ConfigInvalid,
				Err:      fmt.Errorf("an active rule for %s/%s already exists", r.Model, r.Operation),
				UserData: dup,
			}
		}
	}
	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = Now().UTC()
	return s.write(ctx, r, connection.Config.ConsistencyBook.RuleUpdate)
}

func (s *RuleStore) Delete(ctx context.Context, id int64) error {
	if connection == nil {
		return fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	deleteStatement := fmt.Sprintf("DELETE FROM %s.rule WHERE id = ?;", connection.Config.Keyspace)
	qry := connection.Session.Query(deleteStatement, id).WithContext(ctx)
	if connection.Config.ConsistencyBook.RuleRemove > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.RuleRemove)
	}
	return qry.Exec()
}

func (s *RuleStore) Get(ctx context.Context, id int64) (*hookbridge.Rule, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT %s FROM %s.rule WHERE id = ?;", ruleColumns, connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, id).WithContext(ctx)
	if connection.Config.ConsistencyBook.RuleGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.RuleGet)
	}
	rows, err := scanRuleRows(qry.Iter())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *RuleStore) All(ctx context.Context, activeOnly bool) ([]hookbridge.Rule, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT %s FROM %s.rule;", ruleColumns, connection.Config.Keyspace)
	if activeOnly {
		selectStatement = fmt.Sprintf("SELECT %s FROM %s.rule WHERE active = true ALLOW FILTERING;", ruleColumns, connection.Config.Keyspace)
	}
	qry := connection.Session.Query(selectStatement).WithContext(ctx)
	if connection.Config.ConsistencyBook.RuleGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.RuleGet)
	}
	rows, err := scanRuleRows(qry.Iter())
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Sequence != rows[j].Sequence {
			return rows[i].Sequence < rows[j].Sequence
		}
		return rows[i].ID < rows[j].ID
	})
	return rows, nil
}

package cassandra

import (
	"context"
	"fmt"
	"sort"

	"github.com/gocql/gocql"

	"github.com/geniustep/hookbridge"
)

const subscriberColumns = "id, name, url, auth, username, password, token, api_key, key_header, timeout, insecure_tls, rl_max, rl_window, headers, enabled"

// SubscriberStore persists webhook endpoints in the subscriber table.
type SubscriberStore struct {
	cache hookbridge.Cache
}

func NewSubscriberStore() *SubscriberStore {
	return &SubscriberStore{
		cache: hookbridge.NewCacheClient(),
	}
}

func scanSubscriberRows(iter *gocql.Iter) ([]hookbridge.Subscriber, error) {
	r := make([]hookbridge.Subscriber, 0, iter.NumRows())
	var (
		id                                                            int64
		name, url, auth, username, password, token, apiKey, keyHeader string
		timeout, rlMax, rlWindow                                      int
		insecure, enabled                                             bool
		headers                                                       map[string]string
	)
	for iter.Scan(&id, &name, &url, &auth, &username, &password, &token, &apiKey, &keyHeader, &timeout, &insecure, &rlMax, &rlWindow, &headers, &enabled) {
		r = append(r, hookbridge.Subscriber{
			ID:                 id,
			Name:               name,
			EndpointURL:        url,
			Auth:               hookbridge.AuthKind(auth),
			Username:           username,
			Password:           password,
			Token:              token,
			APIKey:             apiKey,
			APIKeyHeader:       keyHeader,
			TimeoutSecs:        timeout,
			InsecureSkipVerify: insecure,
			RateLimitPerWindow: rlMax,
			WindowSecs:         rlWindow,
			CustomHeaders:      headers,
			Enabled:            enabled,
		})
		headers = nil
	}
	if err := iter.Close(); err != nil {
		return r, err
	}
	return r, nil
}

func (s *SubscriberStore) write(ctx context.Context, sub *hookbridge.Subscriber, consistency gocql.Consistency) error {
	insertStatement := fmt.Sprintf("INSERT INTO %s.subscriber (%s) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?);", connection.Config.Keyspace, subscriberColumns)
	qry := connection.Session.Query(insertStatement, sub.ID, sub.Name, sub.EndpointURL, string(sub.Auth), sub.Username, sub.Password, sub.Token,
		sub.APIKey, sub.APIKeyHeader, sub.TimeoutSecs, sub.InsecureSkipVerify, sub.RateLimitPerWindow, sub.WindowSecs, sub.CustomHeaders, sub.Enabled).WithContext(ctx)
	if consistency > gocql.Any {
		qry.Consistency(consistency)
	}
	return qry.Exec()
}

// duplicateURL reports the id of another subscriber already bound to url, or 0.
func (s *SubscriberStore) duplicateURL(ctx context.Context, url string, selfID int64) (int64, error) {
	selectStatement := fmt.Sprintf("SELECT id FROM %s.subscriber WHERE url = ? ALLOW FILTERING;", connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, url).WithContext(ctx)
	if connection.Config.ConsistencyBook.SubscriberGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.SubscriberGet)
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

func (s *SubscriberStore) Add(ctx context.Context, sub *hookbridge.Subscriber) error {
	if sub.EndpointURL == "" {
		return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("subscriber endpoint URL is required")}
	}
	if connection == nil {
		return fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	dup, err := s.duplicateURL(ctx, sub.EndpointURL, 0)
	if err != nil {
		return err
	}
	if dup != 0 {
		return hookbridge.Error{
			Code: hookbridge.ConfigInvalid,
			Err:  fmt.Errorf("a subscriber for %s already exists", sub.EndpointURL),
		}
	}

	id, err := nextID(ctx, s.cache, "subscriber")
	if err != nil {
		return err
	}
	sub.ID = id
	return s.write(ctx, sub, connection.Config.ConsistencyBook.SubscriberAdd)
}

func (s *SubscriberStore) Update(ctx context.Context, sub *hookbridge.Subscriber) error {
	if connection == nil {
		return fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	old, err := s.Get(ctx, sub.ID)
	if err != nil {
		return err
	}
	if old == nil {
		return hookbridge.Error{Code: hookbridge.ConfigInvalid, Err: fmt.Errorf("subscriber row %d does not exist", sub.ID)}
	}
	dup, err := s.duplicateURL(ctx, sub.EndpointURL, sub.ID)
	if err != nil {
		return err
	}
	if dup != 0 {
		return hookbridge.Error{
			Code: hookbridge.ConfigInvalid,
			Err:  fmt.Errorf("a subscriber for %s already exists", sub.EndpointURL),
		}
	}
	return s.write(ctx, sub, connection.Config.ConsistencyBook.SubscriberUpdate)
}

func (s *SubscriberStore) Get(ctx context.Context, id int64) (*hookbridge.Subscriber, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT %s FROM %s.subscriber WHERE id = ?;", subscriberColumns, connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, id).WithContext(ctx)
	if connection.Config.ConsistencyBook.SubscriberGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.SubscriberGet)
	}
	rows, err := scanSubscriberRows(qry.Iter())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *SubscriberStore) All(ctx context.Context, enabledOnly bool) ([]hookbridge.Subscriber, error) {
	if connection == nil {
		return nil, fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")
	}

	selectStatement := fmt.Sprintf("SELECT %s FROM %s.subscriber;", subscriberColumns, connection.Config.Keyspace)
	if enabledOnly {
		selectStatement = fmt.Sprintf("SELECT %s FROM %s.subscriber WHERE enabled = true ALLOW FILTERING;", subscriberColumns, connection.Config.Keyspace)
	}
	qry := connection.Session.Query(selectStatement).WithContext(ctx)
	if connection.Config.ConsistencyBook.SubscriberGet > gocql.Any {
		qry.Consistency(connection.Config.ConsistencyBook.SubscriberGet)
	}
	rows, err := scanSubscriberRows(qry.Iter())
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

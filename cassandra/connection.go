// Package cassandra persists the hookbridge tables in a Cassandra keyspace.
// It is the durable half of the Clustered backend; id sequences and row-level
// coordination run through the shared cache (see the redis package).
package cassandra

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
)

// Config contains configuration for connecting to a Cassandra cluster and the
// hookbridge keyspace.
type Config struct {
	// ClusterHosts lists contact points for the Cassandra cluster.
	ClusterHosts []string
	// Keyspace is the keyspace used for hookbridge tables.
	Keyspace string
	// Consistency is the default consistency level for queries.
	Consistency gocql.Consistency
	// ConnectionTimeout is the session connection timeout.
	ConnectionTimeout time.Duration
	// Authenticator is used when the cluster requires authentication.
	Authenticator gocql.Authenticator
	// ReplicationClause defines the keyspace replication (e.g., SimpleStrategy).
	ReplicationClause string

	// ConsistencyBook allows overriding per-API consistency levels.
	ConsistencyBook ConsistencyBook
}

// ConsistencyBook enumerates per-API consistency levels used by this package.
// Levels left at gocql.Any fall back to the session default.
type ConsistencyBook struct {
	RuleAdd    gocql.Consistency
	RuleUpdate gocql.Consistency
	RuleGet    gocql.Consistency
	RuleRemove gocql.Consistency

	SubscriberAdd    gocql.Consistency
	SubscriberUpdate gocql.Consistency
	SubscriberGet    gocql.Consistency

	EventLogAdd    gocql.Consistency
	EventLogUpdate gocql.Consistency
	EventLogGet    gocql.Consistency
	EventLogRemove gocql.Consistency

	DispatchAdd    gocql.Consistency
	DispatchUpdate gocql.Consistency
	DispatchGet    gocql.Consistency
}

// Connection wraps a Cassandra session and its configuration.
type Connection struct {
	Session *gocql.Session
	Config
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated reports whether a global Connection has been created.
func IsConnectionInstantiated() bool {
	return connection != nil
}

// OpenConnection returns the existing global Connection or opens a new one
// using the provided config. The keyspace and all hookbridge tables are
// created when absent.
func OpenConnection(config Config) (*Connection, error) {
	if connection != nil {
		return connection, nil
	}
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}
	if config.Keyspace == "" {
		// default keyspace
		config.Keyspace = "hookbridge"
	}
	if config.Consistency == gocql.Any {
		// Defaults to LocalQuorum consistency. You should set it to an appropriate level.
		config.Consistency = gocql.LocalQuorum
	}
	cluster := gocql.NewCluster(config.ClusterHosts...)
	cluster.Consistency = config.Consistency
	if config.ReplicationClause == "" {
		// Specify an appropriate replication feature.
		config.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}
	if config.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = config.ConnectionTimeout
	}
	if config.Authenticator != nil {
		cluster.Authenticator = config.Authenticator
		// Clear the authenticator just to be safer, we don't need to keep it hanging around.
		config.Authenticator = nil
	}
	var c = Connection{
		Config: config,
	}
	s, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	if err := s.Query(fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", config.Keyspace, config.ReplicationClause)).Exec(); err != nil {
		return nil, err
	}
	ddl := []string{
		"CREATE TABLE IF NOT EXISTS %s.rule (id bigint PRIMARY KEY, name text, model text, op text, active boolean, seq int, domain text, tracked list<text>, priority text, category text, subs list<bigint>, template text, instant boolean, rate_limit int, debounce int, test_mode boolean, c_at timestamp, u_at timestamp);",
		"CREATE TABLE IF NOT EXISTS %s.subscriber (id bigint PRIMARY KEY, name text, url text, auth text, username text, password text, token text, api_key text, key_header text, timeout int, insecure_tls boolean, rl_max int, rl_window int, headers map<text,text>, enabled boolean);",
		"CREATE TABLE IF NOT EXISTS %s.event_log (id bigint PRIMARY KEY, model text, record_id bigint, event text, payload blob, priority text, category text, ts timestamp, user_id bigint, rule_id bigint, processed boolean, p_at timestamp, archived boolean, a_at timestamp);",
		"CREATE TABLE IF NOT EXISTS %s.dispatch (id bigint PRIMARY KEY, event_log_id bigint, model text, record_id bigint, event text, sub_id bigint, payload blob, priority text, category text, status text, retries int, max_retries int, next_retry timestamp, err_kind text, err_code int, err_msg text, sent_at timestamp, resp_code int, proc_ms bigint, started_at timestamp, ts timestamp, user_id bigint, rule_id bigint);",
		"CREATE TABLE IF NOT EXISTS %s.dead_letter (id bigint PRIMARY KEY, dispatch_id bigint, model text, record_id bigint, sub_id bigint, failed_at timestamp, attempts int, orig_err text, resolution text, resolver text, resolved_at timestamp, notes text);",
		"CREATE TABLE IF NOT EXISTS %s.sync_state (user_id bigint, device_id text, id bigint, app_type text, last_event_id bigint, last_sync timestamp, sync_count bigint, total_synced bigint, active boolean, PRIMARY KEY (user_id, device_id));",
		"CREATE TABLE IF NOT EXISTS %s.audit (dispatch_id bigint, id bigint, action text, ts timestamp, user_id bigint, old_values blob, new_values blob, changed list<text>, note text, PRIMARY KEY (dispatch_id, id));",
		"CREATE TABLE IF NOT EXISTS %s.error_log (id bigint PRIMARY KEY, model text, record_id bigint, message text, ts timestamp);",
	}
	for _, stmt := range ddl {
		if err := s.Query(fmt.Sprintf(stmt, config.Keyspace)).Exec(); err != nil {
			return nil, err
		}
	}

	c.Session = s
	connection = &c
	return connection, nil
}

// CloseConnection closes and clears the global connection, if it exists.
func CloseConnection() {
	if connection != nil {
		mux.Lock()
		defer mux.Unlock()
		if connection == nil {
			return
		}
		connection.Session.Close()
		connection = nil
	}
}

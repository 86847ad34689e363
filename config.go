package hookbridge

import (
	"time"
)

type DatabaseType int

const (
	// Standalone mode uses an in-memory cache for coordination (locks, sequences, etc.).
	// It is appropriate for standalone or embedded applications running in a single process.
	Standalone DatabaseType = iota
	// Clustered mode uses Redis for coordination (locks, sequences, etc.).
	// It allows hosting multiple pipeline instances across a network.
	Clustered
)

// RedisCacheConfig holds configuration for connecting to a Redis server or cluster.
type RedisCacheConfig struct {
	// Address is the host:port of the Redis server/cluster.
	Address string `json:"address"`
	// Password is the password used to authenticate.
	Password string `json:"password"`
	// DB is the database index to select.
	DB int `json:"db"`
}

// Options holds the configuration for the pipeline engine.
type Options struct {
	// CacheType specifies the type of cache to use (e.g. InMemory, Redis).
	CacheType CacheType `json:"cache_type"`
	// RedisConfig specifies the Redis configuration when CacheType is Redis.
	RedisConfig *RedisCacheConfig `json:"redis_config,omitempty"`
	// Keyspace to be used for the durable stores (Cassandra). Empty selects
	// the in-memory stores.
	Keyspace string `json:"keyspace,omitempty"`
	// ClusterHosts lists Cassandra contact points when Keyspace is set.
	ClusterHosts []string `json:"cluster_hosts,omitempty"`

	// Type specifies the database type (Standalone or Clustered).
	// This is a convenience field that sets the default CacheType.
	Type DatabaseType `json:"type"`

	// BaseRetryDelay is the first push-retry delay; attempt n waits
	// BaseRetryDelay * 2^(n-1).
	BaseRetryDelay time.Duration `json:"base_retry_delay"`
	// MaxRetries is the per-dispatch retry budget before dead-lettering.
	MaxRetries int `json:"max_retries"`
	// ArchiveAfterDays ages processed event log entries into the archive.
	ArchiveAfterDays int `json:"archive_after_days"`
	// DeleteAfterDays removes archived event log entries.
	DeleteAfterDays int `json:"delete_after_days"`
	// AuditTTLDays removes audit records and error sink rows.
	AuditTTLDays int `json:"audit_ttl_days"`
	// SyncStateTTLDays removes inactive consumer cursors.
	SyncStateTTLDays int `json:"sync_state_ttl_days"`
	// DebounceWindow collapses repeated events per (model, record_id, bucket).
	DebounceWindow time.Duration `json:"debounce_window"`
	// DebounceEvictAfter ages debounce entries out of the in-process map.
	DebounceEvictAfter time.Duration `json:"debounce_evict_after"`
	// DispatcherPoolSize bounds concurrent push deliveries.
	DispatcherPoolSize int `json:"dispatcher_pool_size"`
	// DispatchBatchSize caps records picked per dispatcher pass.
	DispatchBatchSize int `json:"dispatch_batch_size"`
	// RateLimitWindow is the default per-subscriber rate limit window when the
	// subscriber does not carry its own.
	RateLimitWindow time.Duration `json:"rate_limit_window"`
	// StuckThreshold reclaims processing records abandoned by a crashed worker.
	StuckThreshold time.Duration `json:"stuck_threshold"`
	// ShutdownGrace bounds dispatcher drain on engine stop.
	ShutdownGrace time.Duration `json:"shutdown_grace"`
	// APIKey authenticates pull API callers via the X-API-Key header. Key auth
	// rejects everything while empty.
	APIKey string `json:"api_key,omitempty"`
	// UserAgent identifies the system on outbound deliveries.
	UserAgent string `json:"user_agent,omitempty"`
}

// ApplyDefaults fills zero-valued tunables with their documented defaults.
func (o *Options) ApplyDefaults() {
	if o.BaseRetryDelay == 0 {
		o.BaseRetryDelay = 60 * time.Second
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	if o.ArchiveAfterDays == 0 {
		o.ArchiveAfterDays = 7
	}
	if o.DeleteAfterDays == 0 {
		o.DeleteAfterDays = 30
	}
	if o.AuditTTLDays == 0 {
		o.AuditTTLDays = 180
	}
	if o.SyncStateTTLDays == 0 {
		o.SyncStateTTLDays = 90
	}
	if o.DebounceWindow == 0 {
		o.DebounceWindow = 3 * time.Second
	}
	if o.DebounceEvictAfter == 0 {
		o.DebounceEvictAfter = 60 * time.Second
	}
	if o.DispatcherPoolSize == 0 {
		o.DispatcherPoolSize = 4
	}
	if o.DispatchBatchSize == 0 {
		o.DispatchBatchSize = 100
	}
	if o.RateLimitWindow == 0 {
		o.RateLimitWindow = 60 * time.Second
	}
	if o.StuckThreshold == 0 {
		o.StuckThreshold = 10 * time.Minute
	}
	if o.ShutdownGrace == 0 {
		o.ShutdownGrace = 30 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = "HookBridge-Webhook/" + Version
	}
}

// IsCassandraHybrid reports whether durable stores run on Cassandra.
func (o Options) IsCassandraHybrid() bool {
	return o.Keyspace != ""
}

func (o Options) GetDatabaseType() DatabaseType {
	switch o.CacheType {
	case Redis:
		return Clustered
	default:
		return Standalone
	}
}

func (o *Options) SetDatabaseType(t DatabaseType) {
	o.Type = t
	if t == Clustered {
		o.CacheType = Redis
	} else {
		o.CacheType = InMemory
	}
}

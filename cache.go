package hookbridge

import (
	"context"
	"time"
)

// Tuple is a general purpose pairing of two typed values.
type Tuple[T1 any, T2 any] struct {
	First  T1
	Second T2
}

// LockKey is a single named lock and its ownership state. Lock IDs identify
// the owner so unlock only releases keys this process actually won.
type LockKey struct {
	Key         string
	LockID      UUID
	IsLockOwner bool
}

// Cache is the coordination surface shared by the pipeline: small key/value
// caching, atomic counters for id sequences, and named distributed locks.
// Clustered deployments back it with Redis; Standalone with an in-process map.
type Cache interface {
	// Set stores a string value under key with the given expiration (0 = no expiry).
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	// Get fetches a string value; found=false with nil error when the key is absent.
	Get(ctx context.Context, key string) (bool, string, error)
	// GetEx fetches a string value and slides its expiration.
	GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error)
	// SetStruct marshals value and stores it under key.
	SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	// GetStruct fetches and unmarshals into target; found=false when absent.
	GetStruct(ctx context.Context, key string, target interface{}) (bool, error)
	// GetStructEx fetches, unmarshals, and slides the expiration.
	GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error)
	// Delete removes keys; absence is not an error.
	Delete(ctx context.Context, keys []string) (bool, error)
	// Incr atomically increments the integer held at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Ping tests backend connectivity.
	Ping(ctx context.Context) error
	// Clear removes all entries. Use with caution on shared backends.
	Clear(ctx context.Context) error

	// CreateLockKeys creates lock keys using newly generated lock IDs.
	CreateLockKeys(keys []string) []*LockKey
	// CreateLockKeysForIDs builds lock keys from (name, lockID) tuples.
	CreateLockKeysForIDs(keys []Tuple[string, UUID]) []*LockKey
	// Lock attempts to acquire all keys for the TTL duration. On conflict it
	// returns false plus the conflicting owner's lock ID.
	Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error)
	// IsLocked reports whether all keys are currently owned by this process.
	IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error)
	// IsLockedByOthers reports whether all named keys are locked by other processes.
	IsLockedByOthers(ctx context.Context, lockKeyNames []string) (bool, error)
	// Unlock releases the keys owned by this process.
	Unlock(ctx context.Context, lockKeys []*LockKey) error
	// FormatLockKey converts a name to the namespaced lock key.
	FormatLockKey(k string) string
}

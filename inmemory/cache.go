// Package inmemory implements the hookbridge Cache and all persisted stores
// in process memory. It backs Standalone deployments and the test suites;
// Clustered deployments use the redis and cassandra packages instead.
package inmemory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/geniustep/hookbridge"
)

type item struct {
	data       []byte
	expiration time.Time
}

// Cache is a mutex-guarded map with expirations and real lock semantics: a
// lock key is an owned entry, acquisition is set-if-absent, and unlock only
// removes keys this caller won. That keeps Standalone behavior equivalent to
// the Redis-backed locker.
type Cache struct {
	mu     sync.Mutex
	lookup map[string]item
}

var marshaler = hookbridge.NewMarshaler()

var std *Cache
var stdOnce sync.Once

// NewCache returns the process-wide cache. Every caller shares one instance
// so locks taken through one client are visible to all others, mirroring how
// the redis package shares its singleton connection.
func NewCache() hookbridge.Cache {
	stdOnce.Do(func() {
		std = &Cache{lookup: make(map[string]item)}
	})
	return std
}

// NewIsolatedCache returns a private instance, for tests that must not share
// state with the rest of the process.
func NewIsolatedCache() hookbridge.Cache {
	return &Cache{
		lookup: make(map[string]item),
	}
}

// get returns the live entry, dropping it when expired. Callers hold mu.
func (c *Cache) get(key string) (item, bool) {
	it, ok := c.lookup[key]
	if !ok {
		return item{}, false
	}
	if !it.expiration.IsZero() && time.Now().After(it.expiration) {
		delete(c.lookup, key)
		return item{}, false
	}
	return it, true
}

func (c *Cache) set(key string, data []byte, expiration time.Duration) {
	var exp time.Time
	if expiration > 0 {
		exp = time.Now().Add(expiration)
	}
	c.lookup[key] = item{data: data, expiration: exp}
}

func (c *Cache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, []byte(value), expiration)
	return nil
}

func (c *Cache) Get(ctx context.Context, key string) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.get(key)
	if !ok {
		return false, "", nil
	}
	return true, string(it.data), nil
}

func (c *Cache) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.get(key)
	if !ok {
		return false, "", nil
	}
	if expiration > 0 {
		it.expiration = time.Now().Add(expiration)
		c.lookup[key] = it
	}
	return true, string(it.data), nil
}

func (c *Cache) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := marshaler.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, data, expiration)
	return nil
}

func (c *Cache) GetStruct(ctx context.Context, key string, target interface{}) (bool, error) {
	if target == nil {
		return false, fmt.Errorf("target can't be nil")
	}
	c.mu.Lock()
	it, ok := c.get(key)
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := marshaler.Unmarshal(it.data, target); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error) {
	if target == nil {
		return false, fmt.Errorf("target can't be nil")
	}
	c.mu.Lock()
	it, ok := c.get(key)
	if ok && expiration > 0 {
		it.expiration = time.Now().Add(expiration)
		c.lookup[key] = it
	}
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := marshaler.Unmarshal(it.data, target); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Cache) Delete(ctx context.Context, keys []string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := true
	for _, k := range keys {
		if _, ok := c.lookup[k]; !ok {
			r = false
			continue
		}
		delete(c.lookup, k)
	}
	return r, nil
}

func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var v int64
	if it, ok := c.get(key); ok {
		parsed, err := strconv.ParseInt(string(it.data), 10, 64)
		if err != nil {
			return 0, err
		}
		v = parsed
	}
	v++
	c.set(key, []byte(strconv.FormatInt(v, 10)), 0)
	return v, nil
}

func (c *Cache) Ping(ctx context.Context) error {
	return nil
}

func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookup = make(map[string]item)
	return nil
}

// Locking implementation

func (c *Cache) FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}

func (c *Cache) CreateLockKeys(keys []string) []*hookbridge.LockKey {
	locks := make([]*hookbridge.LockKey, len(keys))
	for i, k := range keys {
		locks[i] = &hookbridge.LockKey{
			Key:    c.FormatLockKey(k),
			LockID: hookbridge.NewUUID(),
		}
	}
	return locks
}

func (c *Cache) CreateLockKeysForIDs(keys []hookbridge.Tuple[string, hookbridge.UUID]) []*hookbridge.LockKey {
	locks := make([]*hookbridge.LockKey, len(keys))
	for i, k := range keys {
		locks[i] = &hookbridge.LockKey{
			Key:    c.FormatLockKey(k.First),
			LockID: k.Second,
		}
	}
	return locks
}

func (c *Cache) Lock(ctx context.Context, duration time.Duration, lockKeys []*hookbridge.LockKey) (bool, hookbridge.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, lk := range lockKeys {
		if it, ok := c.get(lk.Key); ok {
			if string(it.data) != lk.LockID.String() {
				id, _ := hookbridge.ParseUUID(string(it.data))
				return false, id, nil
			}
			continue
		}
		c.set(lk.Key, []byte(lk.LockID.String()), duration)
		lk.IsLockOwner = true
	}
	return true, hookbridge.NilUUID, nil
}

func (c *Cache) IsLocked(ctx context.Context, lockKeys []*hookbridge.LockKey) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := true
	for _, lk := range lockKeys {
		it, ok := c.get(lk.Key)
		if !ok || string(it.data) != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, nil
}

func (c *Cache) IsLockedByOthers(ctx context.Context, lockKeyNames []string) (bool, error) {
	if len(lockKeyNames) == 0 {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, lkn := range lockKeyNames {
		if _, ok := c.get(lkn); !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c *Cache) Unlock(ctx context.Context, lockKeys []*hookbridge.LockKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		delete(c.lookup, lk.Key)
	}
	return nil
}

func init() {
	hookbridge.RegisterCacheFactory(hookbridge.InMemory, NewCache)
}

package hookbridge

import (
	"context"
	"testing"
	"time"
)

func TestCacheFactoryRegistry(t *testing.T) {
	// Save original registry and factory so other tests see a clean slate.
	originalRegistry := make(map[CacheType]CacheFactory)
	for k, v := range cacheRegistry {
		originalRegistry[k] = v
	}
	originalFactory := globalCacheFactory
	defer func() {
		cacheRegistry = originalRegistry
		globalCacheFactory = originalFactory
	}()

	cacheRegistry = make(map[CacheType]CacheFactory)
	globalCacheFactory = nil

	if c := NewCacheClient(); c != nil {
		t.Error("expected nil client before any factory is registered")
	}

	RegisterCacheFactory(InMemory, func() Cache { return &stubCache{} })
	SetCacheFactory(InMemory)
	if c := NewCacheClient(); c == nil {
		t.Error("expected client after registration")
	}

	// Selecting an unregistered type keeps the previous factory.
	SetCacheFactory(Redis)
	if c := NewCacheClient(); c == nil {
		t.Error("unregistered type should not clear the factory")
	}
}

// Minimal stub implementation.
type stubCache struct{}

func (m *stubCache) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	return nil
}
func (m *stubCache) Get(ctx context.Context, key string) (bool, string, error) {
	return false, "", nil
}
func (m *stubCache) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	return false, "", nil
}
func (m *stubCache) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return nil
}
func (m *stubCache) GetStruct(ctx context.Context, key string, target interface{}) (bool, error) {
	return false, nil
}
func (m *stubCache) GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error) {
	return false, nil
}
func (m *stubCache) Delete(ctx context.Context, keys []string) (bool, error) { return true, nil }
func (m *stubCache) Incr(ctx context.Context, key string) (int64, error)     { return 0, nil }
func (m *stubCache) Ping(ctx context.Context) error                          { return nil }
func (m *stubCache) Clear(ctx context.Context) error                         { return nil }
func (m *stubCache) FormatLockKey(k string) string                           { return k }
func (m *stubCache) CreateLockKeys(keys []string) []*LockKey                 { return nil }
func (m *stubCache) CreateLockKeysForIDs(keys []Tuple[string, UUID]) []*LockKey {
	return nil
}
func (m *stubCache) Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error) {
	return true, UUID{}, nil
}
func (m *stubCache) IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error) {
	return false, nil
}
func (m *stubCache) IsLockedByOthers(ctx context.Context, lockKeyNames []string) (bool, error) {
	return false, nil
}
func (m *stubCache) Unlock(ctx context.Context, lockKeys []*LockKey) error { return nil }

package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/geniustep/hookbridge"
)

// mockRedis emulates the full Cache contract over an in-process map. Lock
// semantics match the real client: set-if-absent then owner verification.
// Expirations are ignored.
type mockRedis struct {
	mu     sync.Mutex
	lookup map[string][]byte
}

// NewMockClient returns a new Redis mock client for tests.
func NewMockClient() hookbridge.Cache {
	return &mockRedis{
		lookup: make(map[string][]byte),
	}
}

func (m *mockRedis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookup[key] = []byte(value)
	return nil
}

func (m *mockRedis) Get(ctx context.Context, key string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ba, ok := m.lookup[key]
	if !ok {
		return false, "", nil
	}
	return true, string(ba), nil
}

// Mock only supports Get; GetEx just calls Get ignoring expiration.
func (m *mockRedis) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	return m.Get(ctx, key)
}

func (m *mockRedis) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	ba, err := marshaler.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookup[key] = ba
	return nil
}

func (m *mockRedis) GetStruct(ctx context.Context, key string, target interface{}) (bool, error) {
	m.mu.Lock()
	ba, ok := m.lookup[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := marshaler.Unmarshal(ba, target); err != nil {
		return false, err
	}
	return true, nil
}

func (m *mockRedis) GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error) {
	return m.GetStruct(ctx, key, target)
}

func (m *mockRedis) Delete(ctx context.Context, keys []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := true
	for _, k := range keys {
		if _, ok := m.lookup[k]; !ok {
			r = false
			continue
		}
		delete(m.lookup, k)
	}
	return r, nil
}

func (m *mockRedis) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var v int64
	if ba, ok := m.lookup[key]; ok {
		parsed, err := strconv.ParseInt(string(ba), 10, 64)
		if err != nil {
			return 0, err
		}
		v = parsed
	}
	v++
	m.lookup[key] = []byte(strconv.FormatInt(v, 10))
	return v, nil
}

func (m *mockRedis) Ping(ctx context.Context) error {
	return nil
}

func (m *mockRedis) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookup = make(map[string][]byte)
	return nil
}

func (m *mockRedis) Lock(ctx context.Context, duration time.Duration, lockKeys []*hookbridge.LockKey) (bool, hookbridge.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lk := range lockKeys {
		if ba, ok := m.lookup[lk.Key]; ok {
			if string(ba) != lk.LockID.String() {
				id, _ := hookbridge.ParseUUID(string(ba))
				return false, id, nil
			}
			continue
		}
		m.lookup[lk.Key] = []byte(lk.LockID.String())
		lk.IsLockOwner = true
	}
	return true, hookbridge.NilUUID, nil
}

func (m *mockRedis) IsLocked(ctx context.Context, lockKeys []*hookbridge.LockKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := true
	for _, lk := range lockKeys {
		ba, ok := m.lookup[lk.Key]
		if !ok || string(ba) != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, nil
}

func (m *mockRedis) IsLockedByOthers(ctx context.Context, lockKeyNames []string) (bool, error) {
	if len(lockKeyNames) == 0 {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lkn := range lockKeyNames {
		if _, ok := m.lookup[lkn]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func (m *mockRedis) Unlock(ctx context.Context, lockKeys []*hookbridge.LockKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		delete(m.lookup, lk.Key)
	}
	return nil
}

func (m *mockRedis) CreateLockKeysForIDs(keys []hookbridge.Tuple[string, hookbridge.UUID]) []*hookbridge.LockKey {
	lockKeys := make([]*hookbridge.LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &hookbridge.LockKey{
			Key:    m.FormatLockKey(keys[i].First),
			LockID: keys[i].Second,
		}
	}
	return lockKeys
}

func (m *mockRedis) CreateLockKeys(keys []string) []*hookbridge.LockKey {
	lockKeys := make([]*hookbridge.LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &hookbridge.LockKey{
			Key:    m.FormatLockKey(keys[i]),
			LockID: hookbridge.NewUUID(),
		}
	}
	return lockKeys
}

func (m *mockRedis) FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/geniustep/hookbridge"
)

type subscriberRow struct {
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Timeout  int    `json:"timeout"`
}

func TestMockStructRoundTrip(t *testing.T) {
	c := NewMockClient()
	ctx := context.Background()

	in := subscriberRow{Name: "bridge", Endpoint: "https://bridge.example/hook", Timeout: 30}
	if err := c.SetStruct(ctx, "sub:1", &in, 0); err != nil {
		t.Error(err)
		t.FailNow()
	}
	var out subscriberRow
	found, err := c.GetStruct(ctx, "sub:1", &out)
	if err != nil || !found {
		t.Errorf("expected found struct, got found=%v err=%v", found, err)
		t.FailNow()
	}
	if out.Endpoint != in.Endpoint || out.Timeout != in.Timeout {
		t.Errorf("round trip mismatch, got %+v", out)
	}

	if found, _, _ := c.Get(ctx, "absent"); found {
		t.Errorf("expected absent key to report not found")
	}
}

func TestMockIncr(t *testing.T) {
	c := NewMockClient()
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		got, err := c.Incr(ctx, "seq:event_log")
		if err != nil {
			t.Error(err)
			t.FailNow()
		}
		if got != want {
			t.Errorf("Incr = %d, want %d", got, want)
		}
	}
}

func TestMockLockOwnership(t *testing.T) {
	c := NewMockClient()
	ctx := context.Background()

	first := c.CreateLockKeys([]string{"worker:retry-sweep"})
	if ok, _, err := c.Lock(ctx, time.Minute, first); !ok || err != nil {
		t.Errorf("first lock should win, got ok=%v err=%v", ok, err)
		t.FailNow()
	}

	second := c.CreateLockKeys([]string{"worker:retry-sweep"})
	if ok, owner, _ := c.Lock(ctx, time.Minute, second); ok {
		t.Errorf("second lock should lose")
	} else if owner != first[0].LockID {
		t.Errorf("conflict should report first owner, got %v", owner)
	}

	// Unlock by a non-owner must not release the key.
	if err := c.Unlock(ctx, second); err != nil {
		t.Error(err)
	}
	if locked, _ := c.IsLockedByOthers(ctx, []string{first[0].Key}); !locked {
		t.Errorf("key should still be held after non-owner unlock")
	}

	if err := c.Unlock(ctx, first); err != nil {
		t.Error(err)
	}
	retry := c.CreateLockKeys([]string{"worker:retry-sweep"})
	if ok, _, _ := c.Lock(ctx, time.Minute, retry); !ok {
		t.Errorf("lock should be acquirable after owner unlock")
	}
}

func TestMockIsLocked(t *testing.T) {
	c := NewMockClient()
	ctx := context.Background()

	keys := c.CreateLockKeysForIDs([]hookbridge.Tuple[string, hookbridge.UUID]{
		{First: "evlog:sale.order:42", Second: hookbridge.NewUUID()},
	})
	if ok, _, _ := c.Lock(ctx, time.Minute, keys); !ok {
		t.FailNow()
	}
	if ok, _ := c.IsLocked(ctx, keys); !ok {
		t.Errorf("owner should observe its own lock")
	}
	stranger := c.CreateLockKeys([]string{"evlog:sale.order:42"})
	if ok, _ := c.IsLocked(ctx, stranger); ok {
		t.Errorf("stranger should not observe ownership")
	}
}

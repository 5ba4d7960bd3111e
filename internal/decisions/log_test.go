package decisions

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLog(t *testing.T) (*Log, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewLog(rdb, 0), mr
}

func TestLog_AppendOrderAndTTL(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLog(t)

	for _, summary := range []string{"first", "second", "third"} {
		if err := l.Append(ctx, item("42", summary)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	items, err := l.All(ctx, "42")
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	for i, want := range []string{"first", "second", "third"} {
		if items[i].Summary != want {
			t.Errorf("items[%d] = %q, want %q", i, items[i].Summary, want)
		}
	}

	ttl := mr.TTL(decisionsKey("42"))
	if ttl <= 0 || ttl > defaultDecisionsTTL {
		t.Errorf("ttl = %v, want within (0, %v]", ttl, defaultDecisionsTTL)
	}
}

func TestLog_AppendRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLog(t)

	if err := l.Append(ctx, item("42", "first")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	mr.FastForward(defaultDecisionsTTL - time.Minute)
	if err := l.Append(ctx, item("42", "second")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if ttl := mr.TTL(decisionsKey("42")); ttl < defaultDecisionsTTL-time.Minute {
		t.Errorf("ttl after refresh = %v", ttl)
	}
}

func TestLog_AllMissingKey(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	items, err := l.All(ctx, "nope")
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("items = %v, want empty", items)
	}
}

func TestLog_AllSkipsCorruptEntries(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLog(t)

	if err := l.Append(ctx, item("42", "good")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	mr.Lpush(decisionsKey("42"), "{corrupt")

	items, err := l.All(ctx, "42")
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(items) != 1 || items[0].Summary != "good" {
		t.Errorf("items = %+v, want only the valid entry", items)
	}
}

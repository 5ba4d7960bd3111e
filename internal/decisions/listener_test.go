package decisions

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/loqui-ai/loqui/internal/llm"
	"github.com/loqui-ai/loqui/internal/tracker"
	"github.com/loqui-ai/loqui/pkg/types"
)

func TestMeetingIDFromChannel(t *testing.T) {
	tests := []struct {
		channel string
		want    string
	}{
		{"tc:meeting:42:mutable", "42"},
		{"tc:meeting:abc-def:mutable", "abc-def"},
		{"bogus", ""},
		{"tc:meeting:42:mutable:extra", ""},
	}
	for _, tc := range tests {
		if got := meetingIDFromChannel(tc.channel); got != tc.want {
			t.Errorf("meetingIDFromChannel(%q) = %q, want %q", tc.channel, got, tc.want)
		}
	}
}

func TestListener_DispatchesSnapshots(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	analyst := &fakeAnalyst{captures: []*llm.Capture{capture("Ship the gateway rollout")}}
	decLog := NewLog(rdb, 0)
	hub := NewHub(0, nil, quietLogger())
	engine := New(analyst, tracker.NewStore(), decLog, hub,
		WithDebounce(0), WithWindow(defaultWindowSegments, 0), WithLogger(quietLogger()))
	l := NewListener(rdb, engine, quietLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()

	payload, err := json.Marshal(types.SegmentsUpdated{
		Event:     types.EventSegmentsUpdated,
		MeetingID: "42",
		Payload: types.SegmentsUpdatedPayload{
			Segments: []types.Segment{windowSeg(0, "we will ship")},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	// The subscription may not be live yet; keep publishing until the item
	// lands or the deadline passes.
	deadline := time.Now().Add(3 * time.Second)
	for {
		rdb.Publish(ctx, types.MutableChannel("42"), payload)
		items, err := decLog.All(ctx, "42")
		if err != nil {
			t.Fatalf("All: %v", err)
		}
		if len(items) > 0 {
			if items[0].Summary != "Ship the gateway rollout" {
				t.Errorf("item = %+v", items[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("snapshot never reached the engine")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on cancel")
	}
}

func TestListener_IgnoresMalformedPayloads(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	analyst := &fakeAnalyst{}
	engine := New(analyst, tracker.NewStore(), NewLog(rdb, 0), NewHub(0, nil, quietLogger()),
		WithDebounce(0), WithLogger(quietLogger()))
	l := NewListener(rdb, engine, quietLogger())

	l.dispatch(ctx, &redis.Message{Channel: types.MutableChannel("42"), Payload: "{not json"})
	l.dispatch(ctx, &redis.Message{Channel: "bogus", Payload: `{"event":"segments_updated","payload":{"segments":[{"start":0,"end":1,"text":"x"}]}}`})

	time.Sleep(50 * time.Millisecond)
	if got := analyst.calls(); got != 0 {
		t.Errorf("LLM calls = %d, want 0 for undeliverable payloads", got)
	}
}

package collector

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/loqui-ai/loqui/internal/stream"
	"github.com/loqui-ai/loqui/pkg/types"
)

// fakeStore records promoted batches and can be scripted to fail.
type fakeStore struct {
	mu      sync.Mutex
	batches []promotedBatch
	failErr error
}

type promotedBatch struct {
	meetingID string
	segments  []types.Segment
}

func (f *fakeStore) UpsertSegments(_ context.Context, meetingID string, segments []types.Segment) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return 0, f.failErr
	}
	f.batches = append(f.batches, promotedBatch{meetingID, append([]types.Segment(nil), segments...)})
	return len(segments), nil
}

func (f *fakeStore) all() []promotedBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]promotedBatch(nil), f.batches...)
}

func setup(t *testing.T, opts ...Option) (*Collector, *fakeStore, *miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := &fakeStore{}
	c := New(rdb, store, opts...)
	return c, store, mr, rdb
}

func startEvent(uid, meetingID string) types.StreamEvent {
	return types.StreamEvent{
		Type: types.EventSessionStart,
		SessionStart: &types.SessionStart{
			Type:           types.EventSessionStart,
			UID:            uid,
			MeetingID:      meetingID,
			StartTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
}

func transcriptionEvent(uid, meetingID string, segs ...types.Segment) types.StreamEvent {
	return types.StreamEvent{
		Type: types.EventTranscription,
		Transcription: &types.Transcription{
			Type:      types.EventTranscription,
			UID:       uid,
			MeetingID: meetingID,
			Segments:  segs,
		},
	}
}

func TestHandleEvent_MirrorsSegments(t *testing.T) {
	c, _, mr, _ := setup(t)
	ctx := context.Background()

	if err := c.handleEvent(ctx, startEvent("s1", "42")); err != nil {
		t.Fatalf("session_start: %v", err)
	}
	if err := c.handleEvent(ctx, transcriptionEvent("s1", "42",
		final(0, 2.5, "hello world."), partial(2.5, 3.0, "how"))); err != nil {
		t.Fatalf("transcription: %v", err)
	}

	raw := mr.HGet(segmentsKey("42"), "0.000")
	if raw == "" {
		t.Fatal("segment not mirrored to meeting hash")
	}
	var seg types.Segment
	if err := json.Unmarshal([]byte(raw), &seg); err != nil {
		t.Fatalf("decode mirrored segment: %v", err)
	}
	if seg.Text != "hello world." || seg.Completed != types.SegmentFinal {
		t.Errorf("mirrored segment = %+v", seg)
	}

	members, err := mr.SMembers(activeMeetingsKey)
	if err != nil || len(members) != 1 || members[0] != "42" {
		t.Errorf("active_meetings = %v (%v), want [42]", members, err)
	}

	if ttl := mr.TTL(segmentsKey("42")); ttl <= 0 || ttl > segmentsHashTTL {
		t.Errorf("hash TTL = %v, want within (0, %v]", ttl, segmentsHashTTL)
	}
}

func TestHandleEvent_PublishesSnapshot(t *testing.T) {
	c, _, _, rdb := setup(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, types.MutableChannel("42"))
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil { // subscription confirmation
		t.Fatalf("subscribe: %v", err)
	}

	c.handleEvent(ctx, startEvent("s1", "42"))
	if err := c.handleEvent(ctx, transcriptionEvent("s1", "42", final(0, 1, "first"))); err != nil {
		t.Fatalf("transcription: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var update types.SegmentsUpdated
		if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		if update.Event != types.EventSegmentsUpdated || update.MeetingID != "42" {
			t.Errorf("snapshot header = %+v", update)
		}
		if len(update.Payload.Segments) != 1 || update.Payload.Segments[0].Text != "first" {
			t.Errorf("snapshot segments = %+v", update.Payload.Segments)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}
}

func TestHandleEvent_SnapshotBounded(t *testing.T) {
	c, _, _, rdb := setup(t, WithSnapshotSize(3))
	ctx := context.Background()

	c.handleEvent(ctx, startEvent("s1", "42"))
	segs := make([]types.Segment, 5)
	for i := range segs {
		segs[i] = final(float64(i), float64(i)+1, "seg")
	}

	sub := rdb.Subscribe(ctx, types.MutableChannel("42"))
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := c.handleEvent(ctx, transcriptionEvent("s1", "42", segs...)); err != nil {
		t.Fatalf("transcription: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var update types.SegmentsUpdated
		if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
			t.Fatalf("decode snapshot: %v", err)
		}
		if len(update.Payload.Segments) != 3 {
			t.Fatalf("snapshot size = %d, want 3", len(update.Payload.Segments))
		}
		// Most recent by start time survive.
		if update.Payload.Segments[0].Start != 2 {
			t.Errorf("oldest kept start = %v, want 2", update.Payload.Segments[0].Start)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}
}

func TestPromoteTick_MovesAgedFinals(t *testing.T) {
	c, store, mr, _ := setup(t, WithImmutabilityThreshold(30*time.Second))
	ctx := context.Background()

	c.handleEvent(ctx, startEvent("s1", "42"))
	c.handleEvent(ctx, transcriptionEvent("s1", "42", final(0, 2.5, "stable"), partial(2.5, 3, "live")))

	// Age the final past the threshold.
	s := c.session("s1", "42", time.Now())
	s.mu.Lock()
	s.segments[startKey(0)].updatedAt = time.Now().Add(-time.Minute)
	s.mu.Unlock()

	c.promoteTick(ctx)

	batches := store.all()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if batches[0].meetingID != "42" || len(batches[0].segments) != 1 || batches[0].segments[0].Text != "stable" {
		t.Errorf("batch = %+v", batches[0])
	}

	// Promoted slot left the map and the hash; the partial stays.
	if _, ok := s.segments[startKey(0)]; ok {
		t.Error("promoted slot still in mutable map")
	}
	if mr.HGet(segmentsKey("42"), "0.000") != "" {
		t.Error("promoted field still in meeting hash")
	}
	if mr.HGet(segmentsKey("42"), "2.500") == "" {
		t.Error("partial should remain mirrored")
	}
}

func TestPromoteTick_StoreFailureKeepsMap(t *testing.T) {
	c, store, _, _ := setup(t, WithImmutabilityThreshold(0))
	ctx := context.Background()

	c.handleEvent(ctx, startEvent("s1", "42"))
	c.handleEvent(ctx, transcriptionEvent("s1", "42", final(0, 1, "keep me")))

	store.failErr = context.DeadlineExceeded
	c.promoteTick(ctx)

	s := c.session("s1", "42", time.Now())
	if _, ok := s.segments[startKey(0)]; !ok {
		t.Fatal("segment lost after failed promotion")
	}

	// Next tick with a healthy store succeeds.
	store.failErr = nil
	c.promoteTick(ctx)
	if len(store.all()) != 1 {
		t.Errorf("batches = %d, want 1 after retry", len(store.all()))
	}
}

func TestSessionEnd_FlushesAndRetires(t *testing.T) {
	c, store, mr, _ := setup(t)
	ctx := context.Background()

	c.handleEvent(ctx, startEvent("s1", "42"))
	c.handleEvent(ctx, transcriptionEvent("s1", "42", final(0, 1, "flush me")))
	c.handleEvent(ctx, types.StreamEvent{
		Type:       types.EventSessionEnd,
		SessionEnd: &types.SessionEnd{Type: types.EventSessionEnd, UID: "s1", MeetingID: "42"},
	})

	if len(store.all()) != 1 {
		t.Fatalf("batches = %d, want 1 (session-end flush ignores age)", len(store.all()))
	}

	c.mu.Lock()
	_, alive := c.sessions["s1"]
	c.mu.Unlock()
	if alive {
		t.Error("session state not dropped")
	}

	members, _ := mr.SMembers(activeMeetingsKey)
	if len(members) != 0 {
		t.Errorf("active_meetings = %v, want empty after last session", members)
	}
}

func TestSessionEnd_FlushesTrailingPartial(t *testing.T) {
	c, store, _, _ := setup(t)
	ctx := context.Background()

	c.handleEvent(ctx, startEvent("s1", "42"))
	c.handleEvent(ctx, transcriptionEvent("s1", "42",
		final(0, 2.5, "committed."), partial(2.5, 3.4, "and one more thi")))
	c.handleEvent(ctx, types.StreamEvent{
		Type:       types.EventSessionEnd,
		SessionEnd: &types.SessionEnd{Type: types.EventSessionEnd, UID: "s1", MeetingID: "42"},
	})

	batches := store.all()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	segs := batches[0].segments
	if len(segs) != 2 {
		t.Fatalf("flushed = %d segments, want 2 (trailing partial included)", len(segs))
	}
	if segs[1].Text != "and one more thi" || segs[1].Completed != types.SegmentFinal {
		t.Errorf("trailing segment = %+v, want the partial flushed as final", segs[1])
	}
}

func TestPromoteTick_StablePartialPromoted(t *testing.T) {
	c, store, mr, _ := setup(t, WithImmutabilityThreshold(30*time.Second))
	ctx := context.Background()

	c.handleEvent(ctx, startEvent("s1", "42"))
	c.handleEvent(ctx, transcriptionEvent("s1", "42", partial(0, 1.8, "trailing thought")))

	s := c.session("s1", "42", time.Now())
	s.mu.Lock()
	s.segments[startKey(0)].updatedAt = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	c.promoteTick(ctx)

	batches := store.all()
	if len(batches) != 1 || len(batches[0].segments) != 1 {
		t.Fatalf("batches = %+v, want one single-segment batch", batches)
	}
	if got := batches[0].segments[0]; got.Text != "trailing thought" || got.Completed != types.SegmentFinal {
		t.Errorf("promoted = %+v, want the stable partial as final", got)
	}
	if !s.empty() {
		t.Error("promoted slot still in mutable map")
	}
	if mr.HGet(segmentsKey("42"), "0.000") != "" {
		t.Error("promoted field still in meeting hash")
	}
}

func TestPromoteTick_DropsIdleSession(t *testing.T) {
	c, _, mr, _ := setup(t)
	ctx := context.Background()

	c.handleEvent(ctx, startEvent("s1", "42"))
	c.handleEvent(ctx, transcriptionEvent("s1", "42", final(0, 1, "orphaned")))

	s := c.session("s1", "42", time.Now())
	s.mu.Lock()
	s.lastSeen = time.Now().Add(-2 * idleSessionTimeout)
	s.segments[startKey(0)].updatedAt = time.Now().Add(-2 * idleSessionTimeout)
	s.mu.Unlock()

	c.promoteTick(ctx)

	c.mu.Lock()
	_, alive := c.sessions["s1"]
	c.mu.Unlock()
	if alive {
		t.Error("idle session not torn down")
	}
	members, _ := mr.SMembers(activeMeetingsKey)
	if len(members) != 0 {
		t.Errorf("active_meetings = %v, want empty after idle teardown", members)
	}
}

func TestSessionEnd_FiresMeetingEndHook(t *testing.T) {
	ended := make(chan string, 1)
	c, _, _, _ := setup(t, WithMeetingEndHook(func(_ context.Context, meetingID string) {
		ended <- meetingID
	}))
	ctx := context.Background()

	c.handleEvent(ctx, startEvent("s1", "42"))
	c.handleEvent(ctx, startEvent("s2", "42"))
	c.handleEvent(ctx, types.StreamEvent{
		Type:       types.EventSessionEnd,
		SessionEnd: &types.SessionEnd{Type: types.EventSessionEnd, UID: "s1", MeetingID: "42"},
	})

	select {
	case id := <-ended:
		t.Fatalf("hook fired for %q while a session was still live", id)
	case <-time.After(50 * time.Millisecond):
	}

	c.handleEvent(ctx, types.StreamEvent{
		Type:       types.EventSessionEnd,
		SessionEnd: &types.SessionEnd{Type: types.EventSessionEnd, UID: "s2", MeetingID: "42"},
	})

	select {
	case id := <-ended:
		if id != "42" {
			t.Errorf("hook meeting id = %q, want 42", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("hook never fired after the last session ended")
	}
}

func TestProcessEntry_PoisonPillAcked(t *testing.T) {
	c, _, _, rdb := setup(t)
	ctx := context.Background()

	if err := c.ensureGroup(ctx); err != nil {
		t.Fatalf("ensureGroup: %v", err)
	}
	id, err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.streamName,
		Values: map[string]any{stream.PayloadField: "{not json"},
	}).Result()
	if err != nil {
		t.Fatalf("xadd: %v", err)
	}

	res, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.streamName, ">"},
		Count:    1,
	}).Result()
	if err != nil {
		t.Fatalf("xreadgroup: %v", err)
	}
	c.processEntry(ctx, res[0].Messages[0])

	pending, err := rdb.XPending(ctx, c.streamName, c.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("pending = %d, want 0 (poison pill must be acked), id=%s", pending.Count, id)
	}
}

func TestConsumeLoop_ProcessesStreamEntries(t *testing.T) {
	c, _, _, rdb := setup(t, WithImmutabilityThreshold(0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prod := stream.NewProducer(rdb, c.streamName)
	if err := prod.PublishSessionStart(ctx, types.SessionStart{
		UID: "s1", MeetingID: "42", StartTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		t.Fatalf("publish start: %v", err)
	}
	if err := prod.PublishTranscription(ctx, types.Transcription{
		UID: "s1", MeetingID: "42", Segments: []types.Segment{final(0, 1, "from stream")},
	}); err != nil {
		t.Fatalf("publish transcription: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.consumeLoop(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		s, ok := c.sessions["s1"]
		c.mu.Unlock()
		if ok && !s.empty() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumeLoop did not stop on cancellation")
	}

	c.mu.Lock()
	s, ok := c.sessions["s1"]
	c.mu.Unlock()
	if !ok {
		t.Fatal("session never created from stream")
	}
	if got := s.promotable(time.Now(), 0, true); len(got) != 1 || got[0].Text != "from stream" {
		t.Errorf("merged segments = %+v", got)
	}
}

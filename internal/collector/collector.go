// Package collector consumes the segment stream and maintains the mutable
// transcript state for every live session.
//
// Three cooperating pieces:
//
//   - The consumer reads the Redis Stream through a consumer group
//     (at-least-once, deferred ack) and folds transcription events into
//     per-session mutable segment maps.
//   - The mirror reflects those maps into Redis (hash per meeting plus the
//     active_meetings set) and publishes segments_updated snapshots on the
//     per-meeting pub/sub channel.
//   - The promoter periodically moves segments that have been stable for the
//     immutability threshold into the durable store, marking lingering
//     partials final, then removes them from the mutable state.
//
// The consumer and promoter never await each other; they share only the
// per-session maps, each guarded by its own lock.
package collector

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/loqui-ai/loqui/internal/observe"
	"github.com/loqui-ai/loqui/internal/stream"
	"github.com/loqui-ai/loqui/pkg/types"
)

const (
	defaultPendingTimeout        = 60 * time.Second
	defaultImmutabilityThreshold = 30 * time.Second
	defaultTickInterval          = 10 * time.Second

	// restartBackoff spaces restarts of a failed background loop.
	restartBackoff = 5 * time.Second
)

// SegmentStore is the durable side of promotion.
type SegmentStore interface {
	UpsertSegments(ctx context.Context, meetingID string, segments []types.Segment) (int, error)
}

// Option is a functional option for configuring a Collector.
type Option func(*Collector)

// WithStream overrides the stream name and consumer group.
func WithStream(name, group string) Option {
	return func(c *Collector) {
		c.streamName = name
		c.group = group
	}
}

// WithConsumerName overrides the consumer name within the group. Defaults to
// the hostname.
func WithConsumerName(name string) Option {
	return func(c *Collector) { c.consumer = name }
}

// WithPendingTimeout sets the idle time after which pending entries are
// reclaimed from dead consumers.
func WithPendingTimeout(d time.Duration) Option {
	return func(c *Collector) { c.pendingTimeout = d }
}

// WithImmutabilityThreshold sets how long a segment must sit unchanged
// before promotion.
func WithImmutabilityThreshold(d time.Duration) Option {
	return func(c *Collector) { c.immutabilityThreshold = d }
}

// WithTickInterval sets the promoter cadence.
func WithTickInterval(d time.Duration) Option {
	return func(c *Collector) { c.tickInterval = d }
}

// WithSnapshotSize bounds the segment count in pub/sub snapshots.
func WithSnapshotSize(n int) Option {
	return func(c *Collector) { c.mirror.snapshotSize = n }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *Collector) { c.log = log }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Collector) { c.metrics = m }
}

// WithMeetingEndHook registers a callback fired once per meeting, after its
// last session ends and the mutable mirror is retired. The hook runs on its
// own goroutine so slow consumers never stall the stream reader.
func WithMeetingEndHook(hook func(ctx context.Context, meetingID string)) Option {
	return func(c *Collector) { c.onMeetingEnd = hook }
}

// Collector owns the consumer-group reader, the mutable session maps, and
// the promoter.
type Collector struct {
	rdb   redis.UniversalClient
	store SegmentStore

	streamName            string
	group                 string
	consumer              string
	pendingTimeout        time.Duration
	immutabilityThreshold time.Duration
	tickInterval          time.Duration

	mirror       mirror
	onMeetingEnd func(ctx context.Context, meetingID string)
	metrics      *observe.Metrics
	log          *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New creates a Collector reading the segment stream from rdb and promoting
// into store.
func New(rdb redis.UniversalClient, store SegmentStore, opts ...Option) *Collector {
	host, _ := os.Hostname()
	if host == "" {
		host = "collector"
	}
	c := &Collector{
		rdb:                   rdb,
		store:                 store,
		streamName:            stream.DefaultStreamName,
		group:                 stream.DefaultConsumerGroup,
		consumer:              host,
		pendingTimeout:        defaultPendingTimeout,
		immutabilityThreshold: defaultImmutabilityThreshold,
		tickInterval:          defaultTickInterval,
		mirror:                mirror{rdb: rdb},
		metrics:               observe.DefaultMetrics(),
		log:                   slog.Default(),
		sessions:              make(map[string]*sessionState),
	}
	for _, o := range opts {
		o(c)
	}
	c.mirror.rdb = rdb
	return c
}

// Run drives the consumer and the promoter until ctx is cancelled. Loop
// failures restart with a backoff; only context cancellation ends Run.
func (c *Collector) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.restartLoop(gctx, "consumer", c.consumeLoop) })
	g.Go(func() error { return c.restartLoop(gctx, "promoter", c.promoteLoop) })
	return g.Wait()
}

// restartLoop keeps a background loop alive across failures.
func (c *Collector) restartLoop(ctx context.Context, name string, loop func(context.Context) error) error {
	for {
		err := loop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Error("background loop failed, restarting", "loop", name, "error", err, "backoff", restartBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(restartBackoff):
		}
	}
}

// session returns the state for uid, creating it when the session_start was
// missed (stream trimming, consumer restart).
func (c *Collector) session(uid, meetingID string, startTime time.Time) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[uid]; ok {
		return s
	}
	if !c.meetingHasSessionsLocked(meetingID) {
		c.metrics.ActiveMeetings.Add(context.Background(), 1)
	}
	s := newSessionState(uid, meetingID, startTime)
	c.sessions[uid] = s
	return s
}

func (c *Collector) dropSession(uid string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[uid]
	if !ok {
		return
	}
	delete(c.sessions, uid)
	if !c.meetingHasSessionsLocked(s.meetingID) {
		c.metrics.ActiveMeetings.Add(context.Background(), -1)
	}
}

// sessionSnapshot returns the current session states, for the promoter.
func (c *Collector) sessionSnapshot() []*sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*sessionState, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// meetingHasSessions reports whether any live session belongs to meetingID.
func (c *Collector) meetingHasSessions(meetingID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meetingHasSessionsLocked(meetingID)
}

// Caller holds c.mu.
func (c *Collector) meetingHasSessionsLocked(meetingID string) bool {
	for _, s := range c.sessions {
		if s.meetingID == meetingID {
			return true
		}
	}
	return false
}

// handleEvent applies one decoded stream event to the mutable state. Returns
// an error only for infrastructure failures; bad data is logged and dropped.
func (c *Collector) handleEvent(ctx context.Context, ev types.StreamEvent) error {
	switch ev.Type {
	case types.EventSessionStart:
		start, err := time.Parse(time.RFC3339Nano, ev.SessionStart.StartTimestamp)
		if err != nil {
			c.log.Warn("session_start with bad timestamp, using now",
				"uid", ev.SessionStart.UID, "timestamp", ev.SessionStart.StartTimestamp)
			start = time.Now().UTC()
		}
		c.session(ev.SessionStart.UID, ev.SessionStart.MeetingID, start)
		c.log.Info("session started", "uid", ev.SessionStart.UID, "meeting_id", ev.SessionStart.MeetingID)

	case types.EventTranscription:
		t := ev.Transcription
		s := c.session(t.UID, t.MeetingID, time.Now().UTC())
		changed := s.merge(t.Segments, time.Now())
		if len(changed) == 0 {
			return nil
		}
		if err := c.mirror.write(ctx, s.meetingID, changed); err != nil {
			return err
		}
		if err := c.mirror.publishSnapshot(ctx, s.meetingID); err != nil {
			c.log.Warn("snapshot publish failed", "meeting_id", s.meetingID, "error", err)
		}

	case types.EventSessionEnd:
		c.endSession(ctx, ev.SessionEnd.UID)
	}
	return nil
}

// endSession flushes everything left in the session's map as finals and
// tears its state down.
func (c *Collector) endSession(ctx context.Context, uid string) {
	c.mu.Lock()
	s, ok := c.sessions[uid]
	c.mu.Unlock()
	if !ok {
		return
	}

	promoted := s.promotable(time.Now(), 0, true)
	if len(promoted) > 0 {
		if _, err := c.store.UpsertSegments(ctx, s.meetingID, promoted); err != nil {
			// Leave the map intact; the promoter retries on its next tick and
			// the session stays registered until the flush lands.
			c.log.Error("session-end flush failed", "uid", uid, "error", err)
			return
		}
		s.forget(promoted)
		c.metrics.SegmentsPromoted.Add(ctx, int64(len(promoted)))
		if err := c.mirror.remove(ctx, s.meetingID, promoted); err != nil {
			c.log.Warn("mirror cleanup failed", "uid", uid, "error", err)
		}
		if err := c.mirror.publishSnapshot(ctx, s.meetingID); err != nil {
			c.log.Warn("snapshot publish failed", "meeting_id", s.meetingID, "error", err)
		}
	}

	c.dropSession(uid)
	if !c.meetingHasSessions(s.meetingID) {
		if err := c.mirror.retire(ctx, s.meetingID); err != nil {
			c.log.Warn("retire meeting failed", "meeting_id", s.meetingID, "error", err)
		}
		if c.onMeetingEnd != nil {
			go c.onMeetingEnd(context.WithoutCancel(ctx), s.meetingID)
		}
	}
	c.log.Info("session ended", "uid", uid, "meeting_id", s.meetingID, "flushed", len(promoted))
}

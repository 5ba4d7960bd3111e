package collector

import (
	"context"
	"time"
)

// promoteLoop runs the promotion tick at the configured interval until ctx
// is cancelled.
func (c *Collector) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.promoteTick(ctx)
		}
	}
}

// idleSessionTimeout bounds how long a session without stream activity stays
// registered when its session_end never arrives. Matches the mirror hash TTL
// so in-memory and Redis state expire together.
const idleSessionTimeout = segmentsHashTTL

// promoteTick scans every session for segments older than the immutability
// threshold and moves them to the durable store, then tears down sessions
// idle past idleSessionTimeout. A store failure leaves the session's map
// untouched; the next tick retries.
func (c *Collector) promoteTick(ctx context.Context) {
	begin := time.Now()
	defer func() {
		c.metrics.PromoterTickDuration.Record(ctx, time.Since(begin).Seconds())
	}()

	now := time.Now()
	for _, s := range c.sessionSnapshot() {
		promoted := s.promotable(now, c.immutabilityThreshold, false)
		if len(promoted) == 0 {
			continue
		}

		if _, err := c.store.UpsertSegments(ctx, s.meetingID, promoted); err != nil {
			c.log.Error("segment promotion failed",
				"uid", s.uid, "meeting_id", s.meetingID, "count", len(promoted), "error", err)
			continue
		}
		s.forget(promoted)
		c.metrics.SegmentsPromoted.Add(ctx, int64(len(promoted)))

		if err := c.mirror.remove(ctx, s.meetingID, promoted); err != nil {
			c.log.Warn("mirror cleanup failed", "uid", s.uid, "error", err)
		}
		if err := c.mirror.publishSnapshot(ctx, s.meetingID); err != nil {
			c.log.Warn("snapshot publish failed", "meeting_id", s.meetingID, "error", err)
		}
		c.log.Debug("segments promoted",
			"uid", s.uid, "meeting_id", s.meetingID, "count", len(promoted))
	}

	for _, s := range c.sessionSnapshot() {
		if s.idle(now, idleSessionTimeout) {
			c.log.Warn("dropping idle session, session_end presumed lost",
				"uid", s.uid, "meeting_id", s.meetingID)
			c.endSession(ctx, s.uid)
		}
	}
}

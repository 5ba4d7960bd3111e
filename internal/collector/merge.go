package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loqui-ai/loqui/pkg/types"
)

const (
	// activeMeetingsKey tracks meetings that currently have mutable segments.
	activeMeetingsKey = "active_meetings"

	// segmentsHashTTL keeps abandoned meeting hashes from lingering forever.
	segmentsHashTTL = 3600 * time.Second

	// defaultSnapshotSize bounds the segment snapshot in each pub/sub message.
	defaultSnapshotSize = 50
)

// segmentsKey returns the Redis hash mirroring a meeting's mutable segments.
func segmentsKey(meetingID string) string {
	return "meeting:" + meetingID + ":segments"
}

// startKey renders a segment start time as a map/hash field key, rounded to
// 3 decimal places so passes that re-emit the same slot collide.
func startKey(start float64) string {
	return strconv.FormatFloat(start, 'f', 3, 64)
}

// trackedSegment is one slot of the mutable map with its freshness stamp.
type trackedSegment struct {
	seg       types.Segment
	updatedAt time.Time
}

// sessionState is the per-session mutable segment map. The consumer is its
// single writer; the promoter reads and deletes under the same lock.
type sessionState struct {
	uid       string
	meetingID string
	startTime time.Time

	mu       sync.Mutex
	segments map[string]*trackedSegment
	lastSeen time.Time
}

func newSessionState(uid, meetingID string, startTime time.Time) *sessionState {
	return &sessionState{
		uid:       uid,
		meetingID: meetingID,
		startTime: startTime,
		segments:  make(map[string]*trackedSegment),
		lastSeen:  time.Now(),
	}
}

// merge folds incoming segments into the map. A final overrides anything; a
// partial never overwrites a final. Returns the segments that actually
// changed the map.
func (s *sessionState) merge(segments []types.Segment, now time.Time) []types.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now

	var changed []types.Segment
	for _, seg := range segments {
		if seg.End <= seg.Start {
			continue
		}
		key := startKey(seg.Start)
		if existing, ok := s.segments[key]; ok {
			if existing.seg.Completed == types.SegmentFinal && seg.Completed == types.SegmentPartial {
				continue
			}
			if existing.seg == seg {
				continue
			}
		}
		s.segments[key] = &trackedSegment{seg: seg, updatedAt: now}
		changed = append(changed, seg)
	}
	return changed
}

// promotable returns the segments whose last write is older than threshold,
// sorted by start time and marked final. Stability is the promotion
// criterion: a partial whose slot has stopped changing is promoted the same
// as a final. When flushAll is set the age check is skipped (session
// teardown).
func (s *sessionState) promotable(now time.Time, threshold time.Duration, flushAll bool) []types.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.Segment
	for _, ts := range s.segments {
		if !flushAll && now.Sub(ts.updatedAt) < threshold {
			continue
		}
		seg := ts.seg
		seg.Completed = types.SegmentFinal
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// forget removes promoted segments from the map. A slot is only removed if it
// still holds the segment that was promoted; a concurrent re-write wins.
// Promotion marks partials final, so the flag is left out of the comparison.
func (s *sessionState) forget(promoted []types.Segment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range promoted {
		key := startKey(seg.Start)
		ts, ok := s.segments[key]
		if !ok {
			continue
		}
		cur := ts.seg
		cur.Completed = seg.Completed
		if cur == seg {
			delete(s.segments, key)
		}
	}
}

func (s *sessionState) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments) == 0
}

// idle reports whether the session has gone without stream activity for
// longer than timeout.
func (s *sessionState) idle(now time.Time, timeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen) > timeout
}

// mirror maintains the Redis reflection of the mutable maps: a hash per
// meeting, the active_meetings set, and the per-meeting pub/sub channel.
type mirror struct {
	rdb          redis.UniversalClient
	snapshotSize int
}

// write reflects changed segments into the meeting hash and refreshes the
// TTL and active-meetings membership.
func (m *mirror) write(ctx context.Context, meetingID string, changed []types.Segment) error {
	if len(changed) == 0 {
		return nil
	}
	fields := make(map[string]any, len(changed))
	for _, seg := range changed {
		data, err := json.Marshal(seg)
		if err != nil {
			return fmt.Errorf("collector: marshal segment: %w", err)
		}
		fields[startKey(seg.Start)] = string(data)
	}

	key := segmentsKey(meetingID)
	pipe := m.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, segmentsHashTTL)
	pipe.SAdd(ctx, activeMeetingsKey, meetingID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("collector: mirror segments: %w", err)
	}
	return nil
}

// remove deletes promoted segment fields from the meeting hash.
func (m *mirror) remove(ctx context.Context, meetingID string, promoted []types.Segment) error {
	if len(promoted) == 0 {
		return nil
	}
	fields := make([]string, len(promoted))
	for i, seg := range promoted {
		fields[i] = startKey(seg.Start)
	}
	if err := m.rdb.HDel(ctx, segmentsKey(meetingID), fields...).Err(); err != nil {
		return fmt.Errorf("collector: remove mirrored segments: %w", err)
	}
	return nil
}

// retire drops the meeting from the active set once no mutable segments
// remain. The hash itself expires via TTL.
func (m *mirror) retire(ctx context.Context, meetingID string) error {
	if err := m.rdb.SRem(ctx, activeMeetingsKey, meetingID).Err(); err != nil {
		return fmt.Errorf("collector: retire meeting: %w", err)
	}
	return nil
}

// publishSnapshot reads the meeting's mirrored segments back, sorts them, and
// publishes the most recent snapshotSize on the meeting's mutable channel.
// Best-effort: pub/sub failure is returned for logging but never blocks the
// pipeline.
func (m *mirror) publishSnapshot(ctx context.Context, meetingID string) error {
	raw, err := m.rdb.HGetAll(ctx, segmentsKey(meetingID)).Result()
	if err != nil {
		return fmt.Errorf("collector: read meeting hash: %w", err)
	}

	segments := make([]types.Segment, 0, len(raw))
	for _, data := range raw {
		var seg types.Segment
		if err := json.Unmarshal([]byte(data), &seg); err != nil {
			continue
		}
		segments = append(segments, seg)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	size := m.snapshotSize
	if size <= 0 {
		size = defaultSnapshotSize
	}
	if len(segments) > size {
		segments = segments[len(segments)-size:]
	}

	msg := types.SegmentsUpdated{
		Event:     types.EventSegmentsUpdated,
		MeetingID: meetingID,
		Payload:   types.SegmentsUpdatedPayload{Segments: segments},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("collector: marshal snapshot: %w", err)
	}
	if err := m.rdb.Publish(ctx, types.MutableChannel(meetingID), data).Err(); err != nil {
		return fmt.Errorf("collector: publish snapshot: %w", err)
	}
	return nil
}

package decisions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loqui-ai/loqui/pkg/types"
)

// defaultDecisionsTTL is how long a meeting's decision log outlives its last
// append. Two hours covers the meeting plus post-meeting reads.
const defaultDecisionsTTL = 2 * time.Hour

// decisionsKey returns the Redis list key holding a meeting's decision log.
func decisionsKey(meetingID string) string {
	return "meeting:" + meetingID + ":decisions"
}

// Log is the durable per-meeting decision log: a Redis list of JSON items,
// totally ordered by append, with a TTL refreshed on every write.
type Log struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewLog returns a Log over the given Redis client. ttl <= 0 uses the
// default of two hours.
func NewLog(rdb redis.UniversalClient, ttl time.Duration) *Log {
	if ttl <= 0 {
		ttl = defaultDecisionsTTL
	}
	return &Log{rdb: rdb, ttl: ttl}
}

// Append stores one item at the tail of the meeting's log and refreshes the
// log's TTL.
func (l *Log) Append(ctx context.Context, item types.DecisionItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("decisions: encode item: %w", err)
	}
	key := decisionsKey(item.MeetingID)
	pipe := l.rdb.Pipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("decisions: append item: %w", err)
	}
	return nil
}

// All returns the full decision log for a meeting in append order. A missing
// key yields an empty slice. Entries that fail to decode are skipped; the log
// is append-only JSON written by Append, so a bad entry means external
// interference rather than a caller bug.
func (l *Log) All(ctx context.Context, meetingID string) ([]types.DecisionItem, error) {
	raw, err := l.rdb.LRange(ctx, decisionsKey(meetingID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("decisions: read log: %w", err)
	}
	items := make([]types.DecisionItem, 0, len(raw))
	for _, r := range raw {
		var item types.DecisionItem
		if err := json.Unmarshal([]byte(r), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

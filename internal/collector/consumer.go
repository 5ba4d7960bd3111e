package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqui-ai/loqui/internal/observe"
	"github.com/loqui-ai/loqui/internal/stream"
	"github.com/loqui-ai/loqui/pkg/types"
)

const (
	// readBatch and readBlock tune the blocking XREADGROUP call.
	readBatch = 32
	readBlock = 2 * time.Second

	// claimInterval paces the periodic reclaim of pending entries.
	claimInterval = 30 * time.Second

	// claimBatch bounds entries per XAUTOCLAIM call.
	claimBatch = 64
)

// consumeLoop reads the stream through the consumer group until ctx is
// cancelled. In-flight entries are processed and acked before returning.
func (c *Collector) consumeLoop(ctx context.Context) error {
	if err := c.ensureGroup(ctx); err != nil {
		return err
	}

	// Reclaim anything a dead consumer left pending before reading new work.
	if err := c.claimPending(ctx); err != nil {
		c.log.Warn("startup pending claim failed", "error", err)
	}
	lastClaim := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Since(lastClaim) >= claimInterval {
			if err := c.claimPending(ctx); err != nil {
				c.log.Warn("periodic pending claim failed", "error", err)
			}
			lastClaim = time.Now()
		}

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.streamName, ">"},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("collector: xreadgroup: %w", err)
		}

		for _, str := range res {
			for _, msg := range str.Messages {
				c.processEntry(ctx, msg)
			}
		}
	}
}

// ensureGroup creates the consumer group (and the stream) if missing.
func (c *Collector) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.streamName, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("collector: create consumer group: %w", err)
	}
	return nil
}

// claimPending reassigns entries idle beyond the pending timeout to this
// consumer and processes them.
func (c *Collector) claimPending(ctx context.Context) error {
	start := "0-0"
	for {
		msgs, next, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   c.streamName,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.pendingTimeout,
			Start:    start,
			Count:    claimBatch,
		}).Result()
		if err != nil {
			return fmt.Errorf("collector: xautoclaim: %w", err)
		}
		for _, msg := range msgs {
			c.processEntry(ctx, msg)
		}
		if next == "0-0" || len(msgs) == 0 {
			return nil
		}
		start = next
	}
}

// processEntry handles a single stream entry and acks it. Malformed entries
// are acked after logging so they cannot wedge the group (poison pill);
// infrastructure failures leave the entry pending for reclaim.
func (c *Collector) processEntry(ctx context.Context, msg redis.XMessage) {
	begin := time.Now()
	status := "ok"
	entryType := "unknown"
	defer func() {
		c.metrics.StreamConsumeDuration.Record(ctx, time.Since(begin).Seconds(),
			metric.WithAttributes(observe.Attr("status", status)))
		c.metrics.RecordStreamEntry(ctx, entryType, status)
	}()

	payload, ok := msg.Values[stream.PayloadField].(string)
	if !ok {
		status = "malformed"
		c.log.Warn("stream entry without payload field", "id", msg.ID)
		c.ack(ctx, msg.ID)
		return
	}

	ev, err := types.DecodeStreamEvent([]byte(payload))
	if err != nil {
		status = "parse_error"
		c.log.Warn("dropping undecodable stream entry", "id", msg.ID, "error", err)
		c.ack(ctx, msg.ID)
		return
	}
	entryType = ev.Type

	if err := c.handleEvent(ctx, ev); err != nil {
		// Not acked: the entry stays pending and is reclaimed after the
		// pending timeout.
		status = "retry"
		c.log.Error("stream entry processing failed", "id", msg.ID, "type", ev.Type, "error", err)
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *Collector) ack(ctx context.Context, id string) {
	if err := c.rdb.XAck(ctx, c.streamName, c.group, id).Err(); err != nil {
		c.log.Warn("xack failed", "id", id, "error", err)
	}
}

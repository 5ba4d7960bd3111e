package decisions

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loqui-ai/loqui/pkg/types"
)

// channelPattern matches the per-meeting mutable-segment channels published
// by the collector.
const channelPattern = "tc:meeting:*:mutable"

// listenerRestartBackoff spaces reconnect attempts after a pub/sub failure.
const listenerRestartBackoff = 5 * time.Second

// Listener subscribes to the collector's segment snapshots and feeds them to
// the Engine.
type Listener struct {
	rdb    redis.UniversalClient
	engine *Engine
	log    *slog.Logger
}

// NewListener returns a Listener over the given Redis client and engine.
func NewListener(rdb redis.UniversalClient, engine *Engine, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	return &Listener{rdb: rdb, engine: engine, log: log}
}

// Run subscribes to the snapshot channels and dispatches updates until the
// context is cancelled. A dropped subscription reconnects after a backoff.
func (l *Listener) Run(ctx context.Context) error {
	l.log.InfoContext(ctx, "decision listener starting",
		"pattern", channelPattern,
		"window", l.engine.windowSegments,
		"offset", l.engine.offsetSegments,
		"debounce", l.engine.debounce)

	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.log.ErrorContext(ctx, "pub/sub subscription lost, reconnecting",
			"error", err, "backoff", listenerRestartBackoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(listenerRestartBackoff):
		}
	}
}

// listen holds one pattern subscription open and processes its messages.
func (l *Listener) listen(ctx context.Context) error {
	sub := l.rdb.PSubscribe(ctx, channelPattern)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return redis.ErrClosed
			}
			l.dispatch(ctx, msg)
		}
	}
}

// dispatch decodes one snapshot message and hands it to the engine. Analysis
// may block on the LLM, so it runs on its own goroutine; the engine's
// per-meeting debounce and try-lock keep concurrent updates cheap.
func (l *Listener) dispatch(ctx context.Context, msg *redis.Message) {
	var update types.SegmentsUpdated
	if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
		l.log.ErrorContext(ctx, "failed to parse snapshot message",
			"channel", msg.Channel, "error", err)
		return
	}
	meetingID := update.MeetingID
	if meetingID == "" {
		meetingID = meetingIDFromChannel(msg.Channel)
	}
	segments := update.Payload.Segments
	if meetingID == "" || len(segments) == 0 {
		return
	}
	go l.engine.HandleUpdate(ctx, meetingID, segments)
}

// meetingIDFromChannel extracts "42" from "tc:meeting:42:mutable".
func meetingIDFromChannel(channel string) string {
	parts := strings.Split(channel, ":")
	if len(parts) == 4 {
		return parts[2]
	}
	return ""
}

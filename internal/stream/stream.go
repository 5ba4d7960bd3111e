// Package stream carries transcript events from the gateway to the collector
// over a Redis Stream.
//
// Every entry is an XADD map with a single "payload" field holding one JSON
// event (session_start, transcription, or session_end). The collector reads
// the stream through a consumer group with at-least-once semantics; the
// producer side here is fire-and-forget with the stream capped approximately
// by MAXLEN.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/loqui-ai/loqui/pkg/types"
)

// Defaults shared by producer and consumer.
const (
	DefaultStreamName    = "transcription_segments"
	DefaultConsumerGroup = "transcription_collector_group"

	// PayloadField is the single entry field carrying the JSON event.
	PayloadField = "payload"

	// maxStreamLen caps the stream with approximate trimming.
	maxStreamLen = 100_000
)

// Producer appends events to the segment stream.
type Producer struct {
	rdb    redis.UniversalClient
	stream string
}

// NewProducer returns a Producer writing to the named stream. An empty name
// selects DefaultStreamName.
func NewProducer(rdb redis.UniversalClient, stream string) *Producer {
	if stream == "" {
		stream = DefaultStreamName
	}
	return &Producer{rdb: rdb, stream: stream}
}

// Stream returns the stream key this producer writes to.
func (p *Producer) Stream() string { return p.stream }

// PublishSessionStart appends a session_start event.
func (p *Producer) PublishSessionStart(ctx context.Context, ev types.SessionStart) error {
	ev.Type = types.EventSessionStart
	return p.publish(ctx, ev)
}

// PublishTranscription appends a transcription event.
func (p *Producer) PublishTranscription(ctx context.Context, ev types.Transcription) error {
	ev.Type = types.EventTranscription
	return p.publish(ctx, ev)
}

// PublishSessionEnd appends a session_end event.
func (p *Producer) PublishSessionEnd(ctx context.Context, ev types.SessionEnd) error {
	ev.Type = types.EventSessionEnd
	return p.publish(ctx, ev)
}

func (p *Producer) publish(ctx context.Context, ev any) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("stream: marshal event: %w", err)
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{PayloadField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("stream: xadd: %w", err)
	}
	return nil
}

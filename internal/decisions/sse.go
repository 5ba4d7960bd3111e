package decisions

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loqui-ai/loqui/internal/observe"
	"github.com/loqui-ai/loqui/pkg/types"
)

// defaultSubscriberQueue bounds the per-subscriber item queue. A subscriber
// that cannot keep up loses its oldest items, never the whole stream.
const defaultSubscriberQueue = 100

// Subscriber is one live decision-stream consumer. Items arrive on C in
// publish order; missed items are gone (the /all snapshot is the catch-up
// path).
type Subscriber struct {
	C chan types.DecisionItem
}

// Hub fans detected items out to the SSE subscribers of each meeting.
type Hub struct {
	queueSize int
	metrics   *observe.Metrics
	log       *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

// NewHub returns a Hub with the given per-subscriber queue size. size <= 0
// uses the default of 100.
func NewHub(size int, metrics *observe.Metrics, log *slog.Logger) *Hub {
	if size <= 0 {
		size = defaultSubscriberQueue
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		queueSize: size,
		metrics:   metrics,
		log:       log,
		subs:      make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber for a meeting. The caller must
// Unsubscribe when done.
func (h *Hub) Subscribe(ctx context.Context, meetingID string) *Subscriber {
	sub := &Subscriber{C: make(chan types.DecisionItem, h.queueSize)}
	h.mu.Lock()
	if h.subs[meetingID] == nil {
		h.subs[meetingID] = make(map[*Subscriber]struct{})
	}
	h.subs[meetingID][sub] = struct{}{}
	h.mu.Unlock()
	h.metrics.SSESubscribers.Add(ctx, 1)
	return sub
}

// Unsubscribe removes a subscriber. Safe to call once per Subscribe.
func (h *Hub) Unsubscribe(ctx context.Context, meetingID string, sub *Subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[meetingID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, meetingID)
		}
	}
	h.mu.Unlock()
	h.metrics.SSESubscribers.Add(ctx, -1)
}

// Publish delivers an item to every subscriber of its meeting without
// blocking. A full queue drops its oldest item to make room.
func (h *Hub) Publish(ctx context.Context, item types.DecisionItem) {
	h.mu.Lock()
	targets := make([]*Subscriber, 0, len(h.subs[item.MeetingID]))
	for sub := range h.subs[item.MeetingID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.C <- item:
			continue
		default:
		}
		// Queue full: evict the oldest, then retry once. If the subscriber
		// drained concurrently both selects may race, so the retry is still
		// non-blocking.
		select {
		case <-sub.C:
		default:
		}
		select {
		case sub.C <- item:
		default:
		}
		h.log.WarnContext(ctx, "sse queue full, dropped oldest item",
			"meeting_id", item.MeetingID)
	}
}

// Package decisions turns the collector's live segment snapshots into a
// stream of captured meeting items.
//
// A pub/sub listener feeds per-meeting segment buffers; each update may
// trigger one debounced, single-flight LLM analysis over a sliding window.
// Items that survive the confidence floor and duplicate checks are appended
// to a durable per-meeting log and fanned out to SSE subscribers.
package decisions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/loqui-ai/loqui/internal/llm"
	"github.com/loqui-ai/loqui/internal/observe"
	"github.com/loqui-ai/loqui/internal/tracker"
	"github.com/loqui-ai/loqui/pkg/types"
)

// Window defaults. The offset skips the trailing in-flight segments whose
// text is still being rewritten by the recognizer.
const (
	defaultWindowSegments = 30
	defaultOffsetSegments = 3
	defaultDebounce       = 2 * time.Second

	// bufferSlack pads the per-meeting buffer beyond window+offset so a
	// burst of updates does not evict segments the next window needs.
	bufferSlack = 10
)

// Analyst is the LLM surface the engine depends on.
type Analyst interface {
	AnalyzeWindow(ctx context.Context, cfg tracker.Config, segments []types.Segment) (*llm.Capture, error)
	IsDuplicate(ctx context.Context, newSummary string, existing []string) (bool, error)
	Summarize(ctx context.Context, items []types.DecisionItem) (llm.Summary, error)
}

var _ Analyst = (*llm.Analyst)(nil)

// meetingState is the per-meeting analysis state. The buffer mutex is held
// only for merges and window builds; the analysis mutex is try-locked for
// the duration of one LLM round trip.
type meetingState struct {
	mu       sync.Mutex
	segments map[float64]types.Segment
	lastCall time.Time

	analysis sync.Mutex
}

// merge upserts segments keyed by start time, then evicts the earliest
// entries beyond capacity.
func (m *meetingState) merge(segments []types.Segment, capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seg := range segments {
		m.segments[seg.Start] = seg
	}
	if len(m.segments) <= capacity {
		return
	}
	starts := make([]float64, 0, len(m.segments))
	for start := range m.segments {
		starts = append(starts, start)
	}
	sort.Float64s(starts)
	for _, start := range starts[:len(starts)-capacity] {
		delete(m.segments, start)
	}
}

// window returns the analysis window: all segments sorted by start, minus
// the trailing offset, truncated to the last size entries.
func (m *meetingState) window(size, offset int) []types.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.segments) <= offset {
		return nil
	}
	segs := make([]types.Segment, 0, len(m.segments))
	for _, seg := range m.segments {
		segs = append(segs, seg)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })
	segs = segs[:len(segs)-offset]
	if len(segs) > size {
		segs = segs[len(segs)-size:]
	}
	return segs
}

// debounced marks the call time and reports whether it came too soon after
// the previous one. The timestamp advances even when the caller goes on to
// lose the analysis try-lock, so bursts collapse into one call per interval.
func (m *meetingState) debounced(now time.Time, interval time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Sub(m.lastCall) < interval {
		return true
	}
	m.lastCall = now
	return false
}

// Option is a functional option for Engine.
type Option func(*Engine)

// WithWindow sets the window and offset sizes in segments.
func WithWindow(size, offset int) Option {
	return func(e *Engine) {
		if size > 0 {
			e.windowSegments = size
		}
		if offset >= 0 {
			e.offsetSegments = offset
		}
	}
}

// WithDebounce sets the minimum interval between LLM calls per meeting.
func WithDebounce(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.debounce = d
		}
	}
}

// WithConfidenceFloor discards captures below the given confidence.
func WithConfidenceFloor(min float64) Option {
	return func(e *Engine) { e.minConfidence = min }
}

// WithDedupThresholds overrides the Jaccard and containment thresholds.
func WithDedupThresholds(jaccard, containment float64) Option {
	return func(e *Engine) {
		e.jaccardThreshold = jaccard
		e.containmentThreshold = containment
	}
}

// WithLLMDedup enables the semantic second-pass duplicate probe. The probe
// fails open: on error the item is treated as new.
func WithLLMDedup(enabled bool) Option {
	return func(e *Engine) { e.llmDedup = enabled }
}

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics sets the metrics sink. Defaults to no-op metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine holds the per-meeting window state and runs the analysis pipeline.
type Engine struct {
	analyst Analyst
	cfg     *tracker.Store
	decLog  *Log
	hub     *Hub

	windowSegments       int
	offsetSegments       int
	debounce             time.Duration
	minConfidence        float64
	jaccardThreshold     float64
	containmentThreshold float64
	llmDedup             bool

	metrics *observe.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	meetings map[string]*meetingState
}

// New constructs an Engine over the given analyst, tracker config store,
// decision log, and SSE hub.
func New(analyst Analyst, cfg *tracker.Store, decLog *Log, hub *Hub, opts ...Option) *Engine {
	e := &Engine{
		analyst:              analyst,
		cfg:                  cfg,
		decLog:               decLog,
		hub:                  hub,
		windowSegments:       defaultWindowSegments,
		offsetSegments:       defaultOffsetSegments,
		debounce:             defaultDebounce,
		jaccardThreshold:     defaultJaccardThreshold,
		containmentThreshold: defaultContainmentThreshold,
		metrics:              observe.DefaultMetrics(),
		log:                  slog.Default(),
		meetings:             make(map[string]*meetingState),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// meeting returns the state for a meeting, creating it on first use.
func (e *Engine) meeting(meetingID string) *meetingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.meetings[meetingID]
	if !ok {
		m = &meetingState{segments: make(map[float64]types.Segment)}
		e.meetings[meetingID] = m
	}
	return m
}

// HandleUpdate merges one segment snapshot into the meeting buffer and, if
// the debounce interval has passed and no analysis is in flight, runs one
// LLM pass over the current window. Errors are logged, not returned: the
// next snapshot retries.
func (e *Engine) HandleUpdate(ctx context.Context, meetingID string, segments []types.Segment) {
	m := e.meeting(meetingID)
	m.merge(segments, e.windowSegments+e.offsetSegments+bufferSlack)

	// An empty window must not consume the debounce budget, or the first
	// real analysis waits an extra interval.
	window := m.window(e.windowSegments, e.offsetSegments)
	if len(window) == 0 {
		return
	}
	if m.debounced(time.Now(), e.debounce) {
		return
	}
	if !m.analysis.TryLock() {
		// A newer snapshot will re-trigger once the in-flight call finishes.
		return
	}
	defer m.analysis.Unlock()

	e.analyze(ctx, meetingID, window)
}

// analyze runs one LLM pass and stores the result if it survives the
// confidence floor and duplicate checks. Caller holds the analysis lock.
func (e *Engine) analyze(ctx context.Context, meetingID string, window []types.Segment) {
	log := e.log.With("meeting_id", meetingID)

	cfg := e.cfg.Get()
	start := time.Now()
	capture, err := e.analyst.AnalyzeWindow(ctx, cfg, window)
	e.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("call", "analyze")))
	if err != nil {
		e.metrics.RecordProviderError(ctx, "llm", "analyze")
		log.WarnContext(ctx, "window analysis failed", "error", err)
		return
	}
	if capture == nil {
		return
	}
	if capture.Confidence < e.minConfidence {
		e.metrics.RecordDecision(ctx, capture.Type, "low_confidence")
		log.DebugContext(ctx, "capture below confidence floor",
			"type", capture.Type, "confidence", capture.Confidence)
		return
	}

	// Dedup failures let the item through: a lost read must never silently
	// suppress output.
	existing, err := e.decLog.All(ctx, meetingID)
	if err != nil {
		log.WarnContext(ctx, "dedup load failed, allowing item through", "error", err)
		existing = nil
	}
	for _, prev := range existing {
		if rule := duplicateRule(prev.Summary, capture.Summary, e.jaccardThreshold, e.containmentThreshold); rule != "" {
			e.metrics.RecordDedupHit(ctx, rule)
			e.metrics.RecordDecision(ctx, capture.Type, "duplicate")
			log.DebugContext(ctx, "duplicate capture discarded",
				"rule", rule, "summary", capture.Summary)
			return
		}
	}
	if e.llmDedup && len(existing) > 0 {
		summaries := make([]string, len(existing))
		for i, item := range existing {
			summaries[i] = item.Summary
		}
		dup, err := e.analyst.IsDuplicate(ctx, capture.Summary, summaries)
		if err != nil {
			log.WarnContext(ctx, "llm dedup probe failed, allowing item through", "error", err)
		} else if dup {
			e.metrics.RecordDedupHit(ctx, ruleLLM)
			e.metrics.RecordDecision(ctx, capture.Type, "duplicate")
			return
		}
	}

	item := types.DecisionItem{
		Type:       capture.Type,
		Summary:    capture.Summary,
		Speaker:    capture.Speaker,
		Confidence: capture.Confidence,
		Entities:   reconcileSlugs(existing, capture.Entities),
		MeetingID:  meetingID,
		CreatedAt:  time.Now().UTC(),
	}
	if item.Entities == nil {
		item.Entities = []types.Entity{}
	}
	if err := e.decLog.Append(ctx, item); err != nil {
		e.metrics.RecordDecision(ctx, capture.Type, "store_error")
		log.ErrorContext(ctx, "failed to store decision item", "error", err)
		return
	}
	e.metrics.RecordDecision(ctx, capture.Type, "stored")
	log.InfoContext(ctx, "decision item stored",
		"type", item.Type, "summary", item.Summary, "confidence", item.Confidence)
	e.hub.Publish(ctx, item)
}

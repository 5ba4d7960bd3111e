package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/loqui-ai/loqui/internal/observe"
	"github.com/loqui-ai/loqui/internal/speaker"
	"github.com/loqui-ai/loqui/pkg/asr"
	"github.com/loqui-ai/loqui/pkg/types"
)

const (
	// Minimum unconsumed audio before a recognition pass is dispatched.
	minChunkBatchSec  = 1.0
	minChunkStreamSec = 0.4

	// asrPollInterval paces the recognition loop while waiting for audio.
	asrPollInterval = 100 * time.Millisecond

	// drainWindow is how long the recognition loop keeps flushing after the
	// audio stream ends before the connection is torn down.
	drainWindow = 2 * time.Second

	// transientBackoff spaces retries after a non-overload backend failure.
	transientBackoff = time.Second
)

// Publisher appends session lifecycle and transcript events to the outbound
// segment stream.
type Publisher interface {
	PublishSessionStart(ctx context.Context, ev types.SessionStart) error
	PublishTranscription(ctx context.Context, ev types.Transcription) error
	PublishSessionEnd(ctx context.Context, ev types.SessionEnd) error
}

// wsConn is the slice of *websocket.Conn the session needs. Tests substitute
// an in-memory implementation.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// session owns one client connection end to end: the rolling buffer, the
// stabiliser, speaker attribution, and the recognition loop. The read loop
// and the recognition loop are the only two goroutines touching it; each
// piece of mutable state has exactly one of them as owner.
type session struct {
	cfg     clientConfig
	conn    wsConn
	backend asr.Backend
	pub     Publisher
	metrics *observe.Metrics
	log     *slog.Logger

	buf  *rollingBuffer
	stab *stabiliser
	attr *speaker.Attributor

	startedAt   time.Time
	minChunkSec float64

	// detectedLanguage is owned by the recognition loop. It holds the backend's
	// detection when the client did not pin a language.
	detectedLanguage string

	drainOnce sync.Once
	drainc    chan struct{}

	writeMu sync.Mutex
}

func newSession(cfg clientConfig, conn wsConn, backend asr.Backend, pub Publisher, m *observe.Metrics, log *slog.Logger) *session {
	useVAD := cfg.UseVAD == nil || *cfg.UseVAD
	minChunk := minChunkBatchSec
	if sb, ok := backend.(interface{ Streaming() bool }); ok && sb.Streaming() {
		minChunk = minChunkStreamSec
	}
	return &session{
		cfg:         cfg,
		conn:        conn,
		backend:     backend,
		pub:         pub,
		metrics:     m,
		log:         log.With("uid", cfg.UID, "meeting_id", string(cfg.MeetingID)),
		buf:         newRollingBuffer(useVAD),
		stab:        newStabiliser(stabiliserConfig{}),
		attr:        speaker.NewAttributor(),
		startedAt:   time.Now().UTC(),
		minChunkSec: minChunk,
		drainc:      make(chan struct{}),
	}
}

// run drives the session until the client disconnects, the audio stream
// drains, or ctx expires (the connection lifetime cap).
func (s *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := types.SessionStart{
		UID:            s.cfg.UID,
		Token:          s.cfg.Token,
		Platform:       s.cfg.Platform,
		MeetingID:      string(s.cfg.MeetingID),
		StartTimestamp: s.startedAt.Format(time.RFC3339Nano),
	}
	if err := s.pub.PublishSessionStart(ctx, start); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer s.beginDrain("client gone")
		return s.readLoop(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return s.asrLoop(gctx)
	})
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		// Lifetime cap or orderly teardown, not a failure.
		runErr = nil
	}

	// Best-effort teardown on a background context: the run context is
	// already cancelled by now.
	endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer endCancel()
	s.sendJSON(endCtx, disconnectMessage{UID: s.cfg.UID, Message: "session complete"})
	if err := s.pub.PublishSessionEnd(endCtx, types.SessionEnd{
		UID:       s.cfg.UID,
		MeetingID: string(s.cfg.MeetingID),
	}); err != nil {
		s.log.Warn("publish session_end failed", "error", err)
	}
	return runErr
}

// beginDrain flips the session into its drain phase. Safe to call repeatedly.
func (s *session) beginDrain(reason string) {
	s.drainOnce.Do(func() {
		s.log.Info("session draining", "reason", reason)
		close(s.drainc)
	})
}

func (s *session) draining() bool {
	select {
	case <-s.drainc:
		return true
	default:
		return false
	}
}

// readLoop consumes client frames: binary PCM (or the end-of-audio sentinel)
// and JSON runtime messages. It exits on disconnect or context cancellation.
func (s *session) readLoop(ctx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			// Normal closure, network failure, and cancellation all end the
			// session the same way: drain whatever audio is already buffered.
			return nil
		}
		switch typ {
		case websocket.MessageBinary:
			if string(data) == string(endOfAudioSentinel) {
				s.beginDrain("end of audio")
				continue
			}
			s.buf.Append(decodePCM(data))
		case websocket.MessageText:
			s.handleRuntimeMessage(data)
		}
	}
}

func (s *session) handleRuntimeMessage(data []byte) {
	var msg runtimeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn("unparseable runtime message", "error", err)
		return
	}
	switch msg.Type {
	case msgSpeakerActivity:
		entries, err := msg.toEntries()
		if err != nil {
			s.log.Warn("bad speaker activity update", "error", err)
			return
		}
		s.attr.Add(entries...)
	case msgSessionControl:
		if msg.Payload.Event == eventLeavingMeeting {
			s.beginDrain("client leaving meeting")
		}
	default:
		s.log.Debug("unknown runtime message type", "type", msg.Type)
	}
}

// asrLoop is the recognition scheduler: wait for enough audio, dispatch a
// pass, stabilise, attribute speakers, publish, and update the client.
func (s *session) asrLoop(ctx context.Context) error {
	var drainDeadline time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if s.draining() && drainDeadline.IsZero() {
			drainDeadline = time.Now().Add(drainWindow)
		}

		if clipped := s.buf.ClipIfStalled(); clipped {
			s.log.Warn("recognition stalled, clipping window", "timestamp_offset", s.buf.TimestampOffset())
		}

		chunk, dur := s.buf.NextChunk()
		endOfUtterance := s.buf.EndOfUtterance()
		// An end-of-utterance flush may bypass the batch minimum but never
		// the absolute floor; shorter audio rides into the next pass.
		if dur < minChunkStreamSec || (dur < s.minChunkSec && !endOfUtterance) {
			if !drainDeadline.IsZero() && time.Now().After(drainDeadline) {
				return nil
			}
			s.resendPrevious(ctx)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(asrPollInterval):
			}
			continue
		}
		if len(chunk) == 0 {
			if !drainDeadline.IsZero() && time.Now().After(drainDeadline) {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(asrPollInterval):
			}
			continue
		}

		tsOffset := s.buf.TimestampOffset()
		opts := asr.Options{
			Language:      s.cfg.Language,
			Task:          s.cfg.Task,
			InitialPrompt: s.cfg.InitialPrompt,
		}

		passStart := time.Now()
		outs, info, err := s.backend.Transcribe(ctx, chunk, opts)
		s.metrics.ASRDuration.Record(ctx, time.Since(passStart).Seconds(),
			metric.WithAttributes(observe.Attr("backend", s.backend.Name())))

		if err != nil {
			if over, ok := asr.IsOverloaded(err); ok {
				// No offset advance: the same audio is retried after the
				// server-suggested pause.
				s.log.Warn("backend overloaded", "retry_after", over.RetryAfter)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(over.RetryAfter):
				}
				continue
			}
			if errors.Is(err, asr.ErrNoAudio) {
				continue
			}
			s.metrics.RecordProviderError(ctx, s.backend.Name(), "asr")
			s.log.Error("recognition pass failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(transientBackoff):
			}
			continue
		}

		if s.cfg.Language == "" && info.DetectedLanguage != "" {
			s.detectedLanguage = info.DetectedLanguage
		}

		finals, partial, advance := s.stab.process(outs, tsOffset, dur)
		if advance > 0 {
			s.buf.Advance(advance)
		}

		if len(finals) == 0 && partial == nil {
			s.resendPrevious(ctx)
			continue
		}

		batch := make([]types.Segment, 0, len(finals)+1)
		batch = append(batch, finals...)
		if partial != nil {
			batch = append(batch, *partial)
		}
		s.decorate(batch)
		s.attr.Attribute(batch, s.startedAt)

		if err := s.pub.PublishTranscription(ctx, types.Transcription{
			UID:       s.cfg.UID,
			Token:     s.cfg.Token,
			Platform:  s.cfg.Platform,
			MeetingID: string(s.cfg.MeetingID),
			Segments:  batch,
			Language:  s.language(),
		}); err != nil {
			s.log.Error("publish transcription failed", "error", err)
		}

		s.sendSegments(ctx, partial)
	}
}

// language returns the effective language code for published segments.
func (s *session) language() string {
	if s.cfg.Language != "" {
		return s.cfg.Language
	}
	return s.detectedLanguage
}

// decorate stamps session identity and absolute wall-clock timing onto
// segments before they leave the gateway.
func (s *session) decorate(segs []types.Segment) {
	lang := s.language()
	for i := range segs {
		segs[i].SessionUID = s.cfg.UID
		segs[i].Language = lang
		abs := s.startedAt.Add(time.Duration(segs[i].Start * float64(time.Second)))
		segs[i].AbsoluteStartTime = abs.Format(time.RFC3339Nano)
	}
}

// sendSegments pushes the recent committed window plus the trailing partial
// to the client.
func (s *session) sendSegments(ctx context.Context, partial *types.Segment) {
	segs := s.stab.recent(sendLastNSegments)
	if partial != nil {
		segs = append(segs, *partial)
	}
	if len(segs) == 0 {
		return
	}
	s.sendJSON(ctx, segmentsMessage{UID: s.cfg.UID, Segments: segs})
}

// resendPrevious re-sends the last partial while passes yield nothing, so the
// client display does not flicker.
func (s *session) resendPrevious(ctx context.Context) {
	prev := s.stab.previousOutput()
	if prev == nil {
		return
	}
	s.sendJSON(ctx, segmentsMessage{UID: s.cfg.UID, Segments: append(s.stab.recent(sendLastNSegments), *prev)})
}

// sendJSON writes one JSON text frame. Write errors are logged, not fatal:
// the read loop notices the dead connection and drains the session.
func (s *session) sendJSON(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal outbound message", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.log.Debug("client write failed", "error", err)
	}
}

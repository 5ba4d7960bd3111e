// Package gateway implements the WebSocket ingestion server.
//
// Each client connection carries one recording session: a mandatory JSON
// config frame, then interleaved binary PCM frames (float32 little-endian,
// 16 kHz mono) and JSON runtime messages. The gateway buffers audio, runs
// overlapping recognition passes against the configured ASR backend,
// stabilises the hypotheses into finals plus one trailing partial, attributes
// speakers from mic-activity reports, and publishes the results to the
// outbound segment stream while echoing a rolling transcript window back to
// the client.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/loqui-ai/loqui/internal/observe"
	"github.com/loqui-ai/loqui/internal/stream"
	"github.com/loqui-ai/loqui/pkg/asr"
)

// configTimeout bounds the wait for the client's config frame.
const configTimeout = 10 * time.Second

var _ Publisher = (*stream.Producer)(nil)

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithMaxClients caps concurrent sessions. Zero keeps the default of 4.
func WithMaxClients(n int) Option {
	return func(s *Server) { s.maxClients = n }
}

// WithMaxConnectionTime caps the lifetime of a single session. Zero keeps
// the default of 600 s.
func WithMaxConnectionTime(d time.Duration) Option {
	return func(s *Server) { s.maxConnTime = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server accepts WebSocket sessions and runs them against one ASR backend.
type Server struct {
	backend asr.Backend
	pub     Publisher

	maxClients  int
	maxConnTime time.Duration

	clients *clientManager
	metrics *observe.Metrics
	log     *slog.Logger
}

// New creates a gateway Server for the given backend and publisher.
func New(backend asr.Backend, pub Publisher, opts ...Option) *Server {
	s := &Server{
		backend: backend,
		pub:     pub,
		metrics: observe.DefaultMetrics(),
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.clients = newClientManager(s.maxClients, s.maxConnTime)
	return s
}

// ServeHTTP upgrades the request and runs the session to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// PCM frames from browser captures routinely exceed the default cap.
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "error", err)
		return
	}
	conn.SetReadLimit(1 << 22)

	if err := s.handle(r.Context(), conn); err != nil {
		s.log.Error("session failed", "error", err)
		conn.Close(websocket.StatusInternalError, "session failed")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// handle runs the config handshake, admission, and the session itself.
func (s *Server) handle(ctx context.Context, conn *websocket.Conn) error {
	cfg, err := s.awaitConfig(ctx, conn)
	if err != nil {
		return err
	}
	log := s.log.With("uid", cfg.UID, "meeting_id", string(cfg.MeetingID), "platform", cfg.Platform)

	ok, waitMinutes := s.clients.tryAdd(cfg.UID)
	if !ok {
		log.Info("server full, client must wait", "wait_minutes", waitMinutes)
		writeJSON(ctx, conn, serverWait(cfg.UID, waitMinutes))
		return nil
	}
	defer s.clients.remove(cfg.UID)

	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(ctx, -1)

	if err := writeJSON(ctx, conn, serverReady(cfg.UID, s.backend.Name())); err != nil {
		return fmt.Errorf("gateway: send ready: %w", err)
	}
	log.Info("session ready", "backend", s.backend.Name())

	deadline, _ := s.clients.deadline(cfg.UID)
	// A client may request a shorter lifetime than the server cap, never a
	// longer one.
	if cfg.MaxConnectionTime > 0 {
		if requested := time.Now().Add(time.Duration(cfg.MaxConnectionTime * float64(time.Second))); requested.Before(deadline) {
			deadline = requested
		}
	}
	sctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	sess := newSession(cfg, conn, s.backend, s.pub, s.metrics, s.log)
	return sess.run(sctx)
}

// awaitConfig reads and validates the mandatory first frame.
func (s *Server) awaitConfig(ctx context.Context, conn *websocket.Conn) (clientConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, configTimeout)
	defer cancel()

	typ, data, err := conn.Read(ctx)
	if err != nil {
		return clientConfig{}, fmt.Errorf("gateway: read config frame: %w", err)
	}
	if typ != websocket.MessageText {
		return clientConfig{}, fmt.Errorf("gateway: first frame must be text, got %v", typ)
	}

	var cfg clientConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return clientConfig{}, fmt.Errorf("gateway: decode config frame: %w", err)
	}
	if err := cfg.validate(); err != nil {
		writeJSON(ctx, conn, serverError(cfg.UID, err.Error()))
		return clientConfig{}, err
	}
	if cfg.Task == "" {
		cfg.Task = "transcribe"
	}
	return cfg, nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gateway: marshal message: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

package decisions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqui-ai/loqui/internal/llm"
	"github.com/loqui-ai/loqui/internal/objstore"
	"github.com/loqui-ai/loqui/internal/tracker"
)

// keepaliveInterval spaces the SSE comment frames that keep idle streams
// open through proxies.
const keepaliveInterval = 15 * time.Second

// Server is the decision listener's HTTP surface: live SSE streams, log
// snapshots, summaries, and the tracker configuration endpoints.
type Server struct {
	engine    *Engine
	decLog    *Log
	hub       *Hub
	cfg       *tracker.Store
	analyst   Analyst
	artifacts objstore.Store
	keepalive time.Duration
	log       *slog.Logger
}

// NewServer wires the HTTP surface over the engine's collaborators.
func NewServer(engine *Engine, decLog *Log, hub *Hub, cfg *tracker.Store, analyst Analyst, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		engine:    engine,
		decLog:    decLog,
		hub:       hub,
		cfg:       cfg,
		analyst:   analyst,
		keepalive: keepaliveInterval,
		log:       log,
	}
}

// ArchiveSummaries stores a copy of each generated summary in the given
// object store under meetings/{meeting_id}/summary.json. Nil disables
// archiving.
func (s *Server) ArchiveSummaries(store objstore.Store) {
	s.artifacts = store
}

// Register adds the decision routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /decisions/{meeting_id}", s.streamDecisions)
	mux.HandleFunc("GET /decisions/{meeting_id}/all", s.allDecisions)
	mux.HandleFunc("GET /summary/{meeting_id}", s.summary)
	mux.HandleFunc("GET /config", s.getConfig)
	mux.HandleFunc("PUT /config", s.putConfig)
	mux.HandleFunc("POST /config/reset", s.resetConfig)
}

// streamDecisions serves the live item stream for one meeting as SSE. Items
// detected before the subscription are not replayed; /all is the snapshot.
func (s *Server) streamDecisions(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("meeting_id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := r.Context()
	sub := s.hub.Subscribe(ctx, meetingID)
	defer s.hub.Unsubscribe(context.WithoutCancel(ctx), meetingID, sub)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case item := <-sub.C:
			data, err := json.Marshal(item)
			if err != nil {
				s.log.ErrorContext(ctx, "failed to encode sse item", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// allDecisions returns the stored decision log for a meeting.
func (s *Server) allDecisions(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("meeting_id")
	items, err := s.decLog.All(r.Context(), meetingID)
	if err != nil {
		s.log.ErrorContext(r.Context(), "failed to read decision log",
			"meeting_id", meetingID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meeting_id": meetingID,
		"count":      len(items),
		"items":      items,
	})
}

// summary returns an LLM-condensed view of the meeting's decision log. An
// empty log short-circuits to an empty summary without touching the model.
func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("meeting_id")
	items, err := s.decLog.All(r.Context(), meetingID)
	if err != nil {
		s.log.WarnContext(r.Context(), "failed to load items for summary",
			"meeting_id", meetingID, "error", err)
		items = nil
	}

	var sum llm.Summary
	if len(items) > 0 {
		sum, err = s.analyst.Summarize(r.Context(), items)
		if err != nil {
			s.log.ErrorContext(r.Context(), "summary generation failed",
				"meeting_id", meetingID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		s.archiveSummary(r.Context(), meetingID, sum)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"meeting_id": meetingID,
		"summary":    sum,
		"item_count": len(items),
	})
}

// archiveSummary writes sum to the artifact store, best effort. A failed
// upload never fails the request that produced the summary.
func (s *Server) archiveSummary(ctx context.Context, meetingID string, sum llm.Summary) {
	if s.artifacts == nil {
		return
	}
	data, err := json.Marshal(sum)
	if err != nil {
		s.log.WarnContext(ctx, "summary archive encode failed", "meeting_id", meetingID, "error", err)
		return
	}
	key := fmt.Sprintf("meetings/%s/summary.json", meetingID)
	if _, err := s.artifacts.Upload(ctx, key, data, "application/json"); err != nil {
		s.log.WarnContext(ctx, "summary archive upload failed",
			"meeting_id", meetingID, "key", key, "error", err)
	}
}

func (s *Server) getConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Get())
}

// putConfig replaces the tracker configuration. Unknown fields are ignored;
// empty fields fall back to the defaults.
func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var cfg tracker.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	stored := s.cfg.Set(cfg)
	s.log.InfoContext(r.Context(), "tracker config updated", "name", stored.Name)
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) resetConfig(w http.ResponseWriter, r *http.Request) {
	s.log.InfoContext(r.Context(), "tracker config reset to defaults")
	writeJSON(w, http.StatusOK, s.cfg.Reset())
}

// writeJSON encodes v with the given status. types.DecisionItem slices are
// always non-nil by construction, so a nil slice never reaches the encoder.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failure"}`, http.StatusInternalServerError)
	}
}

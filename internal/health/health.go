// Package health provides the HTTP liveness and readiness probes shared by
// the gateway and decisions listeners.
//
//   - /healthz (and its /health alias) — liveness; a process that can serve
//     HTTP answers 200.
//   - /readyz — readiness; 200 only while every registered [Checker] (Redis,
//     Postgres, ...) passes.
//
// Responses are JSON with a top-level "status" ("ok" or "fail") and a
// "checks" map naming each probe's result. Checkers run concurrently under
// one shared deadline so a stalled dependency cannot serialise the rest.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds one readiness evaluation across all checkers.
const checkTimeout = 5 * time.Second

// Checker is a named dependency probe. Check returns nil when the dependency
// is healthy and an error describing the failure otherwise.
type Checker struct {
	// Name labels the check in the JSON response, e.g. "redis".
	Name string

	// Check probes the dependency. It must respect ctx cancellation.
	Check func(ctx context.Context) error
}

// result is the JSON response body for the probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction time; the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe; it always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently under a [checkTimeout] deadline
// derived from the request context and returns 503 when any check fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	failures := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			failures[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		if err := failures[i]; err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Checks[c.Name] = "ok"
		}
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux, plus /health as an
// alias of /healthz for clients of the decision endpoints.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /health", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

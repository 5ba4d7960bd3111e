// Package admission bounds the number of concurrent transcription sessions
// the gateway accepts. A fixed pool of worker slots is fronted by a bounded
// wait queue; when both are exhausted (or fail-fast is on and no slot is
// free) the request is rejected with 503 and a Retry-After hint, so load
// sheds at the front door instead of piling onto the ASR backend.
package admission

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned when no worker slot or queue position is available.
var ErrBusy = errors.New("admission: at capacity")

// Defaults.
const (
	defaultMaxConcurrent = 4
	defaultMaxQueue      = 8
	defaultRetryAfter    = 5 * time.Second
)

// Option is a functional option for Limiter.
type Option func(*Limiter)

// WithMaxConcurrent sets the number of worker slots.
func WithMaxConcurrent(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxConcurrent = n
		}
	}
}

// WithMaxQueue sets the number of requests allowed to wait for a slot.
func WithMaxQueue(n int) Option {
	return func(l *Limiter) {
		if n >= 0 {
			l.maxQueue = n
		}
	}
}

// WithFailFast rejects immediately instead of queueing when all worker
// slots are taken.
func WithFailFast(on bool) Option {
	return func(l *Limiter) { l.failFast = on }
}

// WithRetryAfter sets the Retry-After hint sent on rejection.
func WithRetryAfter(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.retryAfter = d
		}
	}
}

// WithLogger sets the limiter logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// Limiter is a counting admission gate. The zero value is not usable; use
// New.
type Limiter struct {
	maxConcurrent int
	maxQueue      int
	failFast      bool
	retryAfter    time.Duration
	log           *slog.Logger

	workers *semaphore.Weighted
	queue   chan struct{}
}

// New builds a Limiter with the given options.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		maxConcurrent: defaultMaxConcurrent,
		maxQueue:      defaultMaxQueue,
		retryAfter:    defaultRetryAfter,
		log:           slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.workers = semaphore.NewWeighted(int64(l.maxConcurrent))
	l.queue = make(chan struct{}, l.maxQueue)
	return l
}

// Acquire claims a worker slot, waiting in the bounded queue unless
// fail-fast is on. Returns ErrBusy when the gate is saturated, or the
// context error if the caller gives up while queued. A nil return must be
// paired with Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.workers.TryAcquire(1) {
		return nil
	}
	if l.failFast {
		return ErrBusy
	}
	select {
	case l.queue <- struct{}{}:
	default:
		return ErrBusy
	}
	defer func() { <-l.queue }()
	return l.workers.Acquire(ctx, 1)
}

// Release returns a worker slot claimed by a successful Acquire.
func (l *Limiter) Release() {
	l.workers.Release(1)
}

// RetryAfter returns the rejection hint duration.
func (l *Limiter) RetryAfter() time.Duration {
	return l.retryAfter
}

// Middleware gates an HTTP handler on the limiter. Rejected requests get a
// 503 with a Retry-After header in whole seconds.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := l.Acquire(r.Context()); err != nil {
			if errors.Is(err, ErrBusy) {
				l.log.WarnContext(r.Context(), "request rejected, server busy",
					"path", r.URL.Path, "retry_after", l.retryAfter)
				w.Header().Set("Retry-After", strconv.Itoa(int(l.retryAfter.Seconds())))
				http.Error(w, "server busy", http.StatusServiceUnavailable)
			}
			return
		}
		defer l.Release()
		next.ServeHTTP(w, r)
	})
}

// Package mock provides a scripted test double for the asr.Backend interface.
//
// Use Backend to feed a fixed sequence of recognition passes to the session
// loop and inspect what audio each pass received.
//
// Example:
//
//	b := &mock.Backend{
//	    Passes: []mock.Pass{
//	        {Outputs: []asr.Output{{Start: 0, End: 1.2, Text: "hello"}}},
//	        {Err: &asr.OverloadedError{RetryAfter: 2 * time.Second, StatusCode: 503}},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/loqui-ai/loqui/pkg/asr"
)

// Pass scripts the result of one Transcribe call.
type Pass struct {
	Outputs []asr.Output
	Info    asr.Info
	Err     error
}

// Call records a single invocation of Backend.Transcribe.
type Call struct {
	// Samples is the number of PCM samples passed in.
	Samples int
	// Opts is the Options value passed in.
	Opts asr.Options
}

// Backend is a scripted implementation of asr.Backend. Once the scripted
// passes are exhausted, further calls return empty results.
type Backend struct {
	mu sync.Mutex

	// Passes are consumed one per Transcribe call, in order.
	Passes []Pass

	// Calls records every Transcribe invocation.
	Calls []Call

	next   int
	closed bool
}

// Compile-time assertion that Backend implements asr.Backend.
var _ asr.Backend = (*Backend)(nil)

// Transcribe records the call and returns the next scripted pass.
func (b *Backend) Transcribe(_ context.Context, pcm []float32, opts asr.Options) ([]asr.Output, asr.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, Call{Samples: len(pcm), Opts: opts})
	if b.next >= len(b.Passes) {
		return nil, asr.Info{}, nil
	}
	p := b.Passes[b.next]
	b.next++
	return p.Outputs, p.Info, p.Err
}

// Name returns "mock".
func (b *Backend) Name() string { return "mock" }

// Close marks the backend closed. Thread-safe, idempotent.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Reset clears recorded calls and rewinds the scripted passes. Thread-safe.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = nil
	b.next = 0
	b.closed = false
}

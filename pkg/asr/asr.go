// Package asr defines the Backend interface for speech recognition engines.
//
// A backend wraps one transcription engine (a remote whisper-server, local
// whisper.cpp bindings, or a cloud streaming API) behind a uniform batch
// contract: hand it a chunk of float32 PCM, get back scored segments plus
// language info. The gateway session loop drives the rolling buffer and calls
// Transcribe once per pass; backends never see or mutate buffer state.
//
// Implementations must be safe to call concurrently across sessions. Calls for
// the same session are serialized by the caller.
package asr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Options carries per-call recognition hints.
type Options struct {
	// Language is the ISO-639-1 code to force, or empty for auto-detection.
	Language string

	// Task is "transcribe" (default) or "translate".
	Task string

	// InitialPrompt biases the decoder towards expected vocabulary.
	InitialPrompt string
}

// Output is one scored segment from a recognition pass. Start and End are
// seconds relative to the beginning of the submitted chunk.
type Output struct {
	Start float64
	End   float64
	Text  string

	// Decoder statistics used by the stabiliser to drop hallucinated segments.
	NoSpeechProb     float64
	AvgLogprob       float64
	CompressionRatio float64
}

// Info describes the recognition pass as a whole.
type Info struct {
	// DetectedLanguage is the ISO-639-1 code the engine settled on.
	DetectedLanguage string

	// LanguageProbability is the engine's confidence in DetectedLanguage (0–1).
	LanguageProbability float64

	// Duration is the length of audio processed, in seconds.
	Duration float64
}

// Backend is the abstraction over any recognition engine.
type Backend interface {
	// Transcribe runs one recognition pass over pcm (float32 mono @ 16 kHz).
	// The input slice must not be mutated or retained past the call.
	Transcribe(ctx context.Context, pcm []float32, opts Options) ([]Output, Info, error)

	// Name identifies the backend in the SERVER_READY handshake and in logs.
	Name() string

	// Close releases engine resources. Safe to call more than once.
	Close() error
}

// ErrNoAudio is returned when the submitted chunk is empty or too short for
// the engine to process.
var ErrNoAudio = errors.New("asr: no audio to transcribe")

// OverloadedError reports that the engine refused the pass due to load. The
// session loop re-buffers the chunk without advancing offsets and sleeps for
// at least RetryAfter before the next pass.
type OverloadedError struct {
	// RetryAfter is the server-suggested wait, or a default when absent.
	RetryAfter time.Duration

	// StatusCode is the HTTP status that signalled the overload (429 or 503),
	// or zero for non-HTTP engines.
	StatusCode int
}

func (e *OverloadedError) Error() string {
	return fmt.Sprintf("asr: backend overloaded (status %d, retry after %s)", e.StatusCode, e.RetryAfter)
}

// IsOverloaded reports whether err wraps an OverloadedError and returns it.
func IsOverloaded(err error) (*OverloadedError, bool) {
	var oe *OverloadedError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}

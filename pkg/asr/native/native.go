// Package native provides an asr.Backend backed by the whisper.cpp CGO
// bindings, eliminating HTTP overhead entirely. The whisper.cpp static
// library (libwhisper.a) and headers (whisper.h) must be available at link
// time via LIBRARY_PATH and C_INCLUDE_PATH environment variables.
//
// The model is loaded once at startup and shared across all sessions. Each
// Transcribe call creates a fresh whisper context; contexts are NOT
// thread-safe but the model itself may be shared across goroutines.
package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqui-ai/loqui/pkg/asr"
)

// Compile-time assertion that Backend satisfies asr.Backend.
var _ asr.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithLanguage sets the default language code used when a call does not force
// one (e.g. "en", "de"). Defaults to auto-detection.
func WithLanguage(lang string) Option {
	return func(b *Backend) { b.language = lang }
}

// Backend implements asr.Backend using whisper.cpp Go bindings (CGO).
type Backend struct {
	model    whisperlib.Model
	language string
}

// New creates a Backend that loads the whisper.cpp model from the given file
// path. The caller must call Close when the backend is no longer needed.
func New(modelPath string, opts ...Option) (*Backend, error) {
	if modelPath == "" {
		return nil, errors.New("native: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("native: load model %q: %w", modelPath, err)
	}
	b := &Backend{model: model}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Name returns "whisper-native".
func (b *Backend) Name() string { return "whisper-native" }

// Close releases the whisper model.
func (b *Backend) Close() error {
	if b.model != nil {
		return b.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over pcm using a fresh context.
// Per-segment decoder statistics are not exposed by the bindings, so the
// stabiliser's drop thresholds never fire for this backend; the zero values
// reported here sit on the keep side of every threshold.
func (b *Backend) Transcribe(ctx context.Context, pcm []float32, opts asr.Options) ([]asr.Output, asr.Info, error) {
	if len(pcm) == 0 {
		return nil, asr.Info{}, asr.ErrNoAudio
	}
	if err := ctx.Err(); err != nil {
		return nil, asr.Info{}, fmt.Errorf("native: transcribe: %w", err)
	}

	wctx, err := b.model.NewContext()
	if err != nil {
		return nil, asr.Info{}, fmt.Errorf("native: create context: %w", err)
	}

	lang := opts.Language
	if lang == "" {
		lang = b.language
	}
	if lang != "" {
		if err := wctx.SetLanguage(lang); err != nil {
			slog.Warn("native: failed to set language, using default", "language", lang, "error", err)
		}
	}
	if opts.InitialPrompt != "" {
		wctx.SetInitialPrompt(opts.InitialPrompt)
	}
	if opts.Task == "translate" {
		wctx.SetTranslate(true)
	}

	if err := wctx.Process(pcm, nil, nil, nil); err != nil {
		return nil, asr.Info{}, fmt.Errorf("native: process audio: %w", err)
	}

	var outs []asr.Output
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, asr.Info{}, fmt.Errorf("native: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		outs = append(outs, asr.Output{
			Start: segment.Start.Seconds(),
			End:   segment.End.Seconds(),
			Text:  text,
		})
	}

	info := asr.Info{
		DetectedLanguage: lang,
		Duration:         float64(len(pcm)) / 16000,
	}
	return outs, info, nil
}

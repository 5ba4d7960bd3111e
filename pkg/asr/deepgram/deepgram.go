// Package deepgram provides an asr.Backend backed by the Deepgram streaming
// WebSocket API.
//
// The backend keeps one persistent duplex connection and adapts it to the
// batch Transcribe contract: each pass writes the PCM chunk as binary frames,
// sends a Finalize control message, and reads until Deepgram commits a final
// result for the flushed audio. Finals carry the same segment schema as the
// batch backends, so the stabiliser treats all backends alike.
//
// A dropped connection is redialled on the next pass; the failed pass surfaces
// an error and the session loop retries without advancing offsets.
package deepgram

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/loqui-ai/loqui/pkg/asr"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"

	sampleRate = 16000

	// finalizeTimeout bounds the wait for Deepgram to flush after a Finalize
	// control message.
	finalizeTimeout = 10 * time.Second
)

// Compile-time assertion that Backend implements asr.Backend.
var _ asr.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithModel sets the Deepgram model to use (e.g. "nova-3", "base").
func WithModel(model string) Option {
	return func(b *Backend) { b.model = model }
}

// WithEndpoint overrides the streaming endpoint URL. Used by tests.
func WithEndpoint(endpoint string) Option {
	return func(b *Backend) { b.endpoint = endpoint }
}

// Backend implements asr.Backend over a persistent Deepgram streaming
// connection. Transcribe calls are serialized internally; for truly
// concurrent sessions create one Backend per session.
type Backend struct {
	apiKey   string
	model    string
	endpoint string

	mu   sync.Mutex
	conn *websocket.Conn
	lang string // language the current connection was dialled with
}

// New creates a Backend. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Backend, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	b := &Backend{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Name returns "deepgram".
func (b *Backend) Name() string { return "deepgram" }

// Streaming reports that this backend holds a live duplex connection, which
// lets callers dispatch shorter chunks than batch backends accept.
func (b *Backend) Streaming() bool { return true }

// Close tears down the persistent connection, if any.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		_ = b.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		b.conn.Close(websocket.StatusNormalClosure, "backend closed")
		b.conn = nil
	}
	return nil
}

// Transcribe streams pcm over the persistent connection and collects the
// finalized results for the chunk.
func (b *Backend) Transcribe(ctx context.Context, pcm []float32, opts asr.Options) ([]asr.Output, asr.Info, error) {
	if len(pcm) == 0 {
		return nil, asr.Info{}, asr.ErrNoAudio
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureConn(ctx, opts.Language); err != nil {
		return nil, asr.Info{}, err
	}

	outs, info, err := b.flushChunk(ctx, pcm)
	if err != nil {
		// Connection is suspect after any transport error. Drop it so the next
		// pass redials; this pass fails upward and is retried by the caller.
		b.conn.Close(websocket.StatusInternalError, "transcribe failed")
		b.conn = nil
		return nil, asr.Info{}, err
	}
	return outs, info, nil
}

// ensureConn dials the streaming endpoint if no live connection exists or the
// requested language differs from the one the connection was opened with.
func (b *Backend) ensureConn(ctx context.Context, lang string) error {
	if b.conn != nil && b.lang == lang {
		return nil
	}
	if b.conn != nil {
		b.conn.Close(websocket.StatusNormalClosure, "language changed")
		b.conn = nil
	}

	wsURL, err := b.buildURL(lang)
	if err != nil {
		return fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+b.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("deepgram: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	b.conn = conn
	b.lang = lang
	return nil
}

// buildURL constructs the streaming endpoint URL.
func (b *Backend) buildURL(lang string) (string, error) {
	u, err := url.Parse(b.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", b.model)
	if lang != "" {
		q.Set("language", lang)
	}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// flushChunk writes the chunk, forces finalization, and reads results until
// Deepgram acknowledges the flush.
func (b *Backend) flushChunk(ctx context.Context, pcm []float32) ([]asr.Output, asr.Info, error) {
	if err := b.conn.Write(ctx, websocket.MessageBinary, float32ToLinear16(pcm)); err != nil {
		return nil, asr.Info{}, fmt.Errorf("deepgram: write audio: %w", err)
	}
	if err := b.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Finalize"}`)); err != nil {
		return nil, asr.Info{}, fmt.Errorf("deepgram: write finalize: %w", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()

	var outs []asr.Output
	info := asr.Info{Duration: float64(len(pcm)) / sampleRate}
	for {
		_, msg, err := b.conn.Read(readCtx)
		if err != nil {
			return nil, asr.Info{}, fmt.Errorf("deepgram: read results: %w", err)
		}
		var resp resultsMessage
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		if resp.Type != "Results" || !resp.IsFinal {
			continue
		}
		if out, ok := resp.toOutput(); ok {
			outs = append(outs, out)
			if resp.Channel.Alternatives[0].Languages != nil {
				info.DetectedLanguage = resp.Channel.Alternatives[0].Languages[0]
			}
		}
		// FromFinalize marks the result that flushed our Finalize message;
		// everything for this chunk has arrived.
		if resp.FromFinalize {
			return outs, info, nil
		}
	}
}

// resultsMessage is the JSON structure of a Deepgram Results event.
type resultsMessage struct {
	Type         string `json:"type"`
	IsFinal      bool   `json:"is_final"`
	FromFinalize bool   `json:"from_finalize"`
	Channel      struct {
		Alternatives []struct {
			Transcript string   `json:"transcript"`
			Confidence float64  `json:"confidence"`
			Languages  []string `json:"languages"`
			Words      []struct {
				Word  string  `json:"word"`
				Start float64 `json:"start"`
				End   float64 `json:"end"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// toOutput converts a final Results event into one asr.Output. Timing comes
// from the first and last word; an empty transcript yields no output.
func (m *resultsMessage) toOutput() (asr.Output, bool) {
	if len(m.Channel.Alternatives) == 0 {
		return asr.Output{}, false
	}
	alt := m.Channel.Alternatives[0]
	if alt.Transcript == "" || len(alt.Words) == 0 {
		return asr.Output{}, false
	}
	return asr.Output{
		Start: alt.Words[0].Start,
		End:   alt.Words[len(alt.Words)-1].End,
		Text:  alt.Transcript,
		// Deepgram reports confidence, not decoder stats; map confidence so
		// the stabiliser's no-speech threshold can still drop junk results.
		NoSpeechProb: 1 - alt.Confidence,
	}, true
}

// float32ToLinear16 converts float32 PCM samples to 16-bit signed
// little-endian bytes as required by encoding=linear16.
func float32ToLinear16(pcm []float32) []byte {
	out := make([]byte, len(pcm)*2)
	for i, sample := range pcm {
		if sample > 1 {
			sample = 1
		} else if sample < -1 {
			sample = -1
		}
		v := int16(math.Round(float64(sample) * 32767))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

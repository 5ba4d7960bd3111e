// Package whisperhttp provides an asr.Backend backed by a remote
// whisper-server instance reachable over HTTP.
//
// Each recognition pass encodes the PCM chunk as a WAV file and submits it as
// multipart/form-data to POST {base}/inference with verbose JSON output, which
// carries per-segment decoder statistics alongside the text.
//
// The remote service signals overload with HTTP 429 or 503 (optionally with a
// Retry-After header) or with an overload marker in the response body. Those
// responses surface as *asr.OverloadedError without retrying, so the session
// loop can re-buffer the chunk and wait out the suggested delay. Transport
// errors and other 5xx responses are retried up to three times with
// exponential backoff (1 s, 2 s, 4 s, capped at 10 s) before surfacing.
//
// Usage:
//
//	b, err := whisperhttp.New("http://transcriber:9090",
//	    whisperhttp.WithAPIKey(key),
//	)
//	outs, info, err := b.Transcribe(ctx, pcm, asr.Options{Language: "en"})
package whisperhttp

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqui-ai/loqui/pkg/asr"
)

const (
	sampleRate    = 16000
	bitsPerSample = 16

	defaultRetryAfter = 2 * time.Second
	maxRetries        = 3
	maxBackoff        = 10 * time.Second
)

// Compile-time assertion that Backend implements asr.Backend.
var _ asr.Backend = (*Backend)(nil)

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithAPIKey sets the bearer token sent with every inference request.
func WithAPIKey(key string) Option {
	return func(b *Backend) {
		b.apiKey = key
	}
}

// WithModel sets the model identifier forwarded to the server (e.g. "small",
// "medium.en"). When empty the server uses whichever model it was started with.
func WithModel(model string) Option {
	return func(b *Backend) {
		b.model = model
	}
}

// WithHTTPClient replaces the default HTTP client (30 s timeout). Useful for
// tests and for callers that need custom transport settings.
func WithHTTPClient(c *http.Client) Option {
	return func(b *Backend) {
		b.httpClient = c
	}
}

// Backend implements asr.Backend over a remote whisper-server HTTP API.
// It holds no per-call state and is safe for concurrent use.
type Backend struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// New creates a Backend targeting the whisper-server at baseURL
// (e.g. "http://transcriber:9090"). baseURL must be non-empty.
func New(baseURL string, opts ...Option) (*Backend, error) {
	if baseURL == "" {
		return nil, errors.New("whisperhttp: baseURL must not be empty")
	}
	b := &Backend{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Name returns "whisper-http".
func (b *Backend) Name() string { return "whisper-http" }

// Close is a no-op; the backend holds no persistent connections beyond the
// HTTP client's idle pool.
func (b *Backend) Close() error { return nil }

// Transcribe submits one chunk for recognition. Overload responses return
// *asr.OverloadedError immediately; transient failures are retried with
// backoff before surfacing.
func (b *Backend) Transcribe(ctx context.Context, pcm []float32, opts asr.Options) ([]asr.Output, asr.Info, error) {
	if len(pcm) == 0 {
		return nil, asr.Info{}, asr.ErrNoAudio
	}

	wav := encodeWAV(pcm)

	backoff := time.Second
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, asr.Info{}, fmt.Errorf("whisperhttp: transcribe: %w", ctx.Err())
			}
			backoff = min(backoff*2, maxBackoff)
		}

		outs, info, err := b.infer(ctx, wav, opts)
		if err == nil {
			return outs, info, nil
		}
		if _, overloaded := asr.IsOverloaded(err); overloaded {
			return nil, asr.Info{}, err
		}
		if ctx.Err() != nil {
			return nil, asr.Info{}, fmt.Errorf("whisperhttp: transcribe: %w", ctx.Err())
		}
		lastErr = err
	}
	return nil, asr.Info{}, fmt.Errorf("whisperhttp: transcribe failed after %d retries: %w", maxRetries, lastErr)
}

// inferResponse is the verbose JSON body returned by the inference endpoint.
type inferResponse struct {
	Language            string  `json:"language"`
	LanguageProbability float64 `json:"language_probability"`
	Duration            float64 `json:"duration"`
	Error               string  `json:"error"`
	Segments            []struct {
		Start            float64 `json:"start"`
		End              float64 `json:"end"`
		Text             string  `json:"text"`
		NoSpeechProb     float64 `json:"no_speech_prob"`
		AvgLogprob       float64 `json:"avg_logprob"`
		CompressionRatio float64 `json:"compression_ratio"`
	} `json:"segments"`
}

func (b *Backend) infer(ctx context.Context, wav []byte, opts asr.Options) ([]asr.Output, asr.Info, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, asr.Info{}, fmt.Errorf("whisperhttp: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, asr.Info{}, fmt.Errorf("whisperhttp: write wav data: %w", err)
	}

	fields := map[string]string{
		"response_format": "verbose_json",
		"language":        opts.Language,
		"task":            opts.Task,
		"prompt":          opts.InitialPrompt,
		"model":           b.model,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(name, value); err != nil {
			return nil, asr.Info{}, fmt.Errorf("whisperhttp: write %s field: %w", name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, asr.Info{}, fmt.Errorf("whisperhttp: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/inference", &body)
	if err != nil {
		return nil, asr.Info{}, fmt.Errorf("whisperhttp: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, asr.Info{}, fmt.Errorf("whisperhttp: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, asr.Info{}, fmt.Errorf("whisperhttp: read response body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		return nil, asr.Info{}, &asr.OverloadedError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			StatusCode: resp.StatusCode,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, asr.Info{}, fmt.Errorf("whisperhttp: server returned HTTP %d", resp.StatusCode)
	}

	var result inferResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, asr.Info{}, fmt.Errorf("whisperhttp: parse JSON response: %w", err)
	}
	if isOverloadMarker(result.Error) {
		return nil, asr.Info{}, &asr.OverloadedError{RetryAfter: defaultRetryAfter, StatusCode: resp.StatusCode}
	}
	if result.Error != "" {
		return nil, asr.Info{}, fmt.Errorf("whisperhttp: server error: %s", result.Error)
	}

	outs := make([]asr.Output, 0, len(result.Segments))
	for _, seg := range result.Segments {
		outs = append(outs, asr.Output{
			Start:            seg.Start,
			End:              seg.End,
			Text:             seg.Text,
			NoSpeechProb:     seg.NoSpeechProb,
			AvgLogprob:       seg.AvgLogprob,
			CompressionRatio: seg.CompressionRatio,
		})
	}
	info := asr.Info{
		DetectedLanguage:    normalizeLanguage(result.Language),
		LanguageProbability: result.LanguageProbability,
		Duration:            result.Duration,
	}
	return outs, info, nil
}

// isOverloadMarker reports whether a response-body error string indicates the
// server shed the request due to load rather than failing it.
func isOverloadMarker(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "overload") || strings.Contains(s, "busy") || strings.Contains(s, "at capacity")
}

// parseRetryAfter interprets a Retry-After header as delay seconds, falling
// back to the default when absent or unparseable. HTTP-date values are not
// supported; the transcription service only emits delta-seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

// normalizeLanguage lowers a locale code like "en-US" to its ISO-639-1 base.
func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

// encodeWAV converts float32 PCM to 16-bit signed little-endian samples and
// wraps them in a standard RIFF/WAV container.
func encodeWAV(pcm []float32) []byte {
	byteRate := sampleRate * bitsPerSample / 8
	dataSize := len(pcm) * 2

	buf := make([]byte, 44+dataSize)

	// RIFF chunk descriptor
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize)) // file size − 8
	copy(buf[8:12], "WAVE")

	// fmt sub-chunk
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                 // sub-chunk size (PCM)
	binary.LittleEndian.PutUint16(buf[20:22], 1)                  // audio format: PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1)                  // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate)) // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))   // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                  // block align
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)      // bits per sample

	// data sub-chunk
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, sample := range pcm {
		v := int16(math.Round(float64(clamp(sample)) * 32767))
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(v))
	}
	return buf
}

func clamp(v float32) float32 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	default:
		return v
	}
}

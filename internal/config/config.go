// Package config provides the configuration schema and loader for the Loqui
// transcription pipeline.
//
// Configuration is read from a YAML file, then overlaid with environment
// variables (env wins). One binary serves one or more roles; by default all
// three run in a single process.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Role selects which pipeline services a process runs.
type Role string

const (
	// RoleGateway runs the WebSocket ingestion server.
	RoleGateway Role = "gateway"

	// RoleCollector runs the stream consumer and immutability promoter.
	RoleCollector Role = "collector"

	// RoleDecisions runs the pub/sub listener and decision HTTP surface.
	RoleDecisions Role = "decisions"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleGateway, RoleCollector, RoleDecisions:
		return true
	}
	return false
}

// Backend selects the gateway's ASR implementation.
type Backend string

const (
	BackendMock          Backend = "mock"
	BackendWhisperHTTP   Backend = "whisper-http"
	BackendWhisperNative Backend = "whisper-native"
	BackendDeepgram      Backend = "deepgram"
)

// IsValid reports whether b is a recognised ASR backend.
func (b Backend) IsValid() bool {
	switch b {
	case BackendMock, BackendWhisperHTTP, BackendWhisperNative, BackendDeepgram:
		return true
	}
	return false
}

// Config is the root configuration structure, typically loaded with [Load].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Roles     []Role          `yaml:"roles"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Collector CollectorConfig `yaml:"collector"`
	Decisions DecisionsConfig `yaml:"decisions"`
	LLM       LLMConfig       `yaml:"llm"`
	Objects   ObjectsConfig   `yaml:"objects"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// ServerConfig holds the listeners and logging settings.
type ServerConfig struct {
	// GatewayAddr is the TCP address of the gateway HTTP/WebSocket listener.
	GatewayAddr string `yaml:"gateway_addr"`

	// DecisionsAddr is the TCP address of the decision HTTP listener.
	DecisionsAddr string `yaml:"decisions_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// RedisConfig holds the connection settings for the segment stream, the
// mutable segment mirror, and the decision log.
type RedisConfig struct {
	// URL is a redis:// connection string.
	URL string `yaml:"url"`
}

// PostgresConfig holds the durable segment store settings.
type PostgresConfig struct {
	// DSN is the connection string. Empty disables durable promotion.
	DSN string `yaml:"dsn"`
}

// GatewayConfig holds the ingestion server settings.
type GatewayConfig struct {
	// Backend selects the ASR implementation.
	Backend Backend `yaml:"backend"`

	// TranscriberURL is the remote recogniser endpoint, required by the
	// whisper-http backend.
	TranscriberURL string `yaml:"transcriber_url"`

	// TranscriberAPIKey authenticates against the remote recogniser.
	TranscriberAPIKey string `yaml:"transcriber_api_key"`

	// ModelPath is the on-disk model file, required by the whisper-native
	// backend.
	ModelPath string `yaml:"model_path"`

	// DeepgramAPIKey authenticates against Deepgram.
	DeepgramAPIKey string `yaml:"deepgram_api_key"`

	// MaxClients caps concurrent sessions. Zero uses the built-in default.
	MaxClients int `yaml:"max_clients"`

	// MaxConnectionTime caps one session's lifetime in seconds.
	MaxConnectionTime float64 `yaml:"max_connection_time"`

	// Admission bounds concurrent transcription work at the HTTP layer.
	Admission AdmissionConfig `yaml:"admission"`
}

// AdmissionConfig bounds concurrent transcription sessions.
type AdmissionConfig struct {
	// MaxConcurrent is the number of worker slots.
	MaxConcurrent int `yaml:"max_concurrent"`

	// MaxQueue is the number of requests allowed to wait for a slot.
	MaxQueue int `yaml:"max_queue"`

	// FailFast rejects immediately instead of queueing.
	FailFast bool `yaml:"fail_fast"`

	// BusyRetryAfter is the Retry-After hint in seconds on rejection.
	BusyRetryAfter int `yaml:"busy_retry_after"`
}

// CollectorConfig holds the stream consumer and promoter settings.
type CollectorConfig struct {
	// StreamName is the segment stream key.
	StreamName string `yaml:"stream_name"`

	// ConsumerGroup is the collector's consumer group.
	ConsumerGroup string `yaml:"consumer_group"`

	// PendingTimeoutMS reclaims stream entries idle longer than this many
	// milliseconds.
	PendingTimeoutMS int `yaml:"pending_timeout_ms"`

	// ImmutabilityThreshold promotes map keys untouched for this many seconds.
	ImmutabilityThreshold float64 `yaml:"immutability_threshold"`

	// TickInterval spaces promoter passes, in seconds.
	TickInterval float64 `yaml:"tick_interval"`

	// SnapshotSize bounds the segments carried per pub/sub snapshot.
	SnapshotSize int `yaml:"snapshot_size"`
}

// DecisionsConfig holds the window engine settings.
type DecisionsConfig struct {
	// WindowSegments is how many segments feed one LLM call. Defaults to 30.
	WindowSegments int `yaml:"window_segments"`

	// OffsetSegments is how many trailing in-flight segments to skip. Zero
	// analyses up to the newest segment. Defaults to 3.
	OffsetSegments int `yaml:"offset_segments"`

	// DebounceMS is the minimum interval between LLM calls per meeting, in
	// milliseconds. Zero analyses on every snapshot. Defaults to 2000.
	DebounceMS int `yaml:"debounce_ms"`

	// TTL is the decision log lifetime in seconds. Defaults to 7200.
	TTL int `yaml:"ttl"`

	// MinConfidence discards captures below this confidence.
	MinConfidence float64 `yaml:"min_confidence"`

	// LLMDedup enables the semantic second-pass duplicate probe.
	LLMDedup bool `yaml:"llm_dedup"`

	// JaccardThreshold and ContainmentThreshold tune the cheap dedup.
	// Zero keeps the built-in defaults.
	JaccardThreshold     float64 `yaml:"jaccard_threshold"`
	ContainmentThreshold float64 `yaml:"containment_threshold"`
}

// LLMConfig holds the analysis model settings.
type LLMConfig struct {
	// Model is the chat completions model name.
	Model string `yaml:"model"`

	// BaseURL overrides the default OpenAI endpoint. Leave empty for the
	// hosted API.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the endpoint.
	APIKey string `yaml:"api_key"`
}

// ObjectsConfig holds the artifact store settings.
type ObjectsConfig struct {
	// Backend is "s3" or "local". Empty disables the store.
	Backend string `yaml:"backend"`

	// Bucket is the S3 bucket name.
	Bucket string `yaml:"bucket"`

	// Region is the S3 region.
	Region string `yaml:"region"`

	// Endpoint points at a non-AWS S3-compatible server.
	Endpoint string `yaml:"endpoint"`

	// Dir is the local store's root directory.
	Dir string `yaml:"dir"`
}

// WebhookConfig holds the outbound notification settings.
type WebhookConfig struct {
	// URL receives a JSON POST when a meeting ends. Empty disables
	// notifications. The destination is SSRF-checked on every send.
	URL string `yaml:"url"`
}

// RunsRole reports whether the process serves the given role. An empty role
// list means all roles.
func (c *Config) RunsRole(role Role) bool {
	if len(c.Roles) == 0 {
		return true
	}
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// PendingTimeout returns the collector's pending reclaim threshold.
func (c CollectorConfig) PendingTimeout() time.Duration {
	return time.Duration(c.PendingTimeoutMS) * time.Millisecond
}

// Debounce returns the decision engine's debounce interval.
func (d DecisionsConfig) Debounce() time.Duration {
	return time.Duration(d.DebounceMS) * time.Millisecond
}

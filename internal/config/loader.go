package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, overlays environment
// variables, and returns a validated [Config]. It is a convenience wrapper
// around [LoadFromReader], [ApplyEnv] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays environment
// variables, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := defaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Built-in defaults applied after YAML and environment merging.
const (
	defaultGatewayAddr   = ":9090"
	defaultDecisionsAddr = ":8802"
	defaultRedisURL      = "redis://localhost:6379/0"
	defaultStreamName    = "transcription_segments"
	defaultConsumerGroup = "transcription_collector_group"
	defaultLLMModel      = "gpt-4o-mini"

	defaultWindowSegments = 30
	defaultOffsetSegments = 3
	defaultDebounceMS     = 2000
	defaultDecisionsTTL   = 7200
)

// defaultConfig seeds numeric defaults before the YAML decode. An absent key
// keeps the default while an explicit zero stays zero, so settings like
// offset_segments: 0 or DEBOUNCE_MS=0 are honoured instead of silently
// replaced.
func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Decisions.WindowSegments = defaultWindowSegments
	cfg.Decisions.OffsetSegments = defaultOffsetSegments
	cfg.Decisions.DebounceMS = defaultDebounceMS
	cfg.Decisions.TTL = defaultDecisionsTTL
	return cfg
}

// applyDefaults fills empty string fields with working local-development
// values after the YAML and environment merge.
func applyDefaults(cfg *Config) {
	if cfg.Server.GatewayAddr == "" {
		cfg.Server.GatewayAddr = defaultGatewayAddr
	}
	if cfg.Server.DecisionsAddr == "" {
		cfg.Server.DecisionsAddr = defaultDecisionsAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = defaultRedisURL
	}
	if cfg.Gateway.Backend == "" {
		cfg.Gateway.Backend = BackendMock
	}
	if cfg.Collector.StreamName == "" {
		cfg.Collector.StreamName = defaultStreamName
	}
	if cfg.Collector.ConsumerGroup == "" {
		cfg.Collector.ConsumerGroup = defaultConsumerGroup
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = defaultLLMModel
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	for i, role := range cfg.Roles {
		if !role.IsValid() {
			errs = append(errs, fmt.Errorf("roles[%d] %q is invalid; valid values: gateway, collector, decisions", i, role))
		}
	}

	if cfg.RunsRole(RoleGateway) {
		if !cfg.Gateway.Backend.IsValid() {
			errs = append(errs, fmt.Errorf("gateway.backend %q is invalid; valid values: mock, whisper-http, whisper-native, deepgram", cfg.Gateway.Backend))
		}
		switch cfg.Gateway.Backend {
		case BackendWhisperHTTP:
			if cfg.Gateway.TranscriberURL == "" {
				errs = append(errs, fmt.Errorf("gateway.transcriber_url is required when backend is whisper-http"))
			}
		case BackendWhisperNative:
			if cfg.Gateway.ModelPath == "" {
				errs = append(errs, fmt.Errorf("gateway.model_path is required when backend is whisper-native"))
			}
		case BackendDeepgram:
			if cfg.Gateway.DeepgramAPIKey == "" {
				errs = append(errs, fmt.Errorf("gateway.deepgram_api_key is required when backend is deepgram"))
			}
		}
		if cfg.Gateway.MaxConnectionTime < 0 {
			errs = append(errs, fmt.Errorf("gateway.max_connection_time %.1f must not be negative", cfg.Gateway.MaxConnectionTime))
		}
	}

	if cfg.RunsRole(RoleCollector) {
		if cfg.Collector.ImmutabilityThreshold < 0 {
			errs = append(errs, fmt.Errorf("collector.immutability_threshold %.1f must not be negative", cfg.Collector.ImmutabilityThreshold))
		}
		if cfg.Postgres.DSN == "" {
			slog.Warn("postgres.dsn is empty; immutable segments will not be promoted to durable storage")
		}
	}

	if cfg.RunsRole(RoleDecisions) {
		if cfg.LLM.APIKey == "" {
			errs = append(errs, fmt.Errorf("llm.api_key is required when the decisions role is enabled"))
		}
		if cfg.Decisions.WindowSegments < 0 {
			errs = append(errs, fmt.Errorf("decisions.window_segments %d must not be negative", cfg.Decisions.WindowSegments))
		}
		if cfg.Decisions.OffsetSegments < 0 {
			errs = append(errs, fmt.Errorf("decisions.offset_segments %d must not be negative", cfg.Decisions.OffsetSegments))
		}
		if cfg.Decisions.DebounceMS < 0 {
			errs = append(errs, fmt.Errorf("decisions.debounce_ms %d must not be negative", cfg.Decisions.DebounceMS))
		}
		if cfg.Decisions.MinConfidence < 0 || cfg.Decisions.MinConfidence > 1 {
			errs = append(errs, fmt.Errorf("decisions.min_confidence %.2f is out of range [0, 1]", cfg.Decisions.MinConfidence))
		}
	}

	switch cfg.Objects.Backend {
	case "", "local":
	case "s3":
		if cfg.Objects.Bucket == "" {
			errs = append(errs, fmt.Errorf("objects.bucket is required when objects.backend is s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("objects.backend %q is invalid; valid values: s3, local", cfg.Objects.Backend))
	}

	return errors.Join(errs...)
}

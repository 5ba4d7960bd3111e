package config

import (
	"log/slog"
	"os"
	"strconv"
)

// ApplyEnv overlays environment variables onto cfg. A set variable always
// wins over the YAML value, so deployments can tune a shared config file
// per instance. Unparseable numeric values are logged and skipped.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Postgres.DSN, "POSTGRES_DSN")

	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}

	setString(&cfg.Gateway.TranscriberURL, "TRANSCRIBER_URL")
	setString(&cfg.Gateway.TranscriberAPIKey, "TRANSCRIBER_API_KEY")
	setInt(&cfg.Gateway.Admission.MaxConcurrent, "MAX_CONCURRENT_TRANSCRIPTIONS")
	setInt(&cfg.Gateway.Admission.MaxQueue, "MAX_QUEUE_SIZE")
	setBool(&cfg.Gateway.Admission.FailFast, "FAIL_FAST_WHEN_BUSY")
	setInt(&cfg.Gateway.Admission.BusyRetryAfter, "BUSY_RETRY_AFTER_S")

	setString(&cfg.Collector.StreamName, "REDIS_STREAM_NAME")
	setString(&cfg.Collector.ConsumerGroup, "REDIS_CONSUMER_GROUP")
	setInt(&cfg.Collector.PendingTimeoutMS, "PENDING_MSG_TIMEOUT_MS")
	setFloat(&cfg.Collector.ImmutabilityThreshold, "IMMUTABILITY_THRESHOLD")
	setFloat(&cfg.Collector.TickInterval, "BACKGROUND_TASK_INTERVAL")

	setInt(&cfg.Decisions.WindowSegments, "WINDOW_SEGMENTS")
	setInt(&cfg.Decisions.OffsetSegments, "OFFSET_SEGMENTS")
	setInt(&cfg.Decisions.DebounceMS, "DEBOUNCE_MS")
	setInt(&cfg.Decisions.TTL, "DECISIONS_TTL")

	setString(&cfg.LLM.Model, "LLM_MODEL")
	setString(&cfg.LLM.BaseURL, "LLM_BASE_URL")
	setString(&cfg.LLM.APIKey, "OPENAI_API_KEY")

	setString(&cfg.Webhook.URL, "WEBHOOK_URL")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring unparseable environment variable", "key", key, "value", v)
		return
	}
	*dst = n
}

func setFloat(dst *float64, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring unparseable environment variable", "key", key, "value", v)
		return
	}
	*dst = f
}

func setBool(dst *bool, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring unparseable environment variable", "key", key, "value", v)
		return
	}
	*dst = b
}

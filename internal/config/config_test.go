package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  gateway_addr: ":9191"
  log_level: debug
roles: [gateway, decisions]
redis:
  url: redis://redis:6379/1
gateway:
  backend: whisper-http
  transcriber_url: http://transcriber:9090/v1/audio/transcriptions
  max_clients: 8
  admission:
    max_concurrent: 2
    max_queue: 4
decisions:
  window_segments: 20
  debounce_ms: 1500
llm:
  model: gpt-4o
  api_key: test-key
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.GatewayAddr != ":9191" {
		t.Errorf("GatewayAddr = %q, want :9191", cfg.Server.GatewayAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Gateway.Backend != BackendWhisperHTTP {
		t.Errorf("Backend = %q, want whisper-http", cfg.Gateway.Backend)
	}
	if cfg.Gateway.Admission.MaxConcurrent != 2 {
		t.Errorf("Admission.MaxConcurrent = %d, want 2", cfg.Gateway.Admission.MaxConcurrent)
	}
	if got := cfg.Decisions.Debounce(); got != 1500*time.Millisecond {
		t.Errorf("Debounce() = %v, want 1.5s", got)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader("roles: [collector]\n"))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.GatewayAddr != defaultGatewayAddr {
		t.Errorf("GatewayAddr = %q, want %q", cfg.Server.GatewayAddr, defaultGatewayAddr)
	}
	if cfg.Server.DecisionsAddr != defaultDecisionsAddr {
		t.Errorf("DecisionsAddr = %q, want %q", cfg.Server.DecisionsAddr, defaultDecisionsAddr)
	}
	if cfg.Redis.URL != defaultRedisURL {
		t.Errorf("Redis.URL = %q, want %q", cfg.Redis.URL, defaultRedisURL)
	}
	if cfg.Collector.StreamName != defaultStreamName {
		t.Errorf("StreamName = %q, want %q", cfg.Collector.StreamName, defaultStreamName)
	}
	if cfg.Collector.ConsumerGroup != defaultConsumerGroup {
		t.Errorf("ConsumerGroup = %q, want %q", cfg.Collector.ConsumerGroup, defaultConsumerGroup)
	}
	if cfg.Decisions.WindowSegments != defaultWindowSegments {
		t.Errorf("WindowSegments = %d, want %d", cfg.Decisions.WindowSegments, defaultWindowSegments)
	}
	if cfg.Decisions.OffsetSegments != defaultOffsetSegments {
		t.Errorf("OffsetSegments = %d, want %d", cfg.Decisions.OffsetSegments, defaultOffsetSegments)
	}
	if cfg.Decisions.DebounceMS != defaultDebounceMS {
		t.Errorf("DebounceMS = %d, want %d", cfg.Decisions.DebounceMS, defaultDebounceMS)
	}
	if cfg.Decisions.TTL != defaultDecisionsTTL {
		t.Errorf("TTL = %d, want %d", cfg.Decisions.TTL, defaultDecisionsTTL)
	}
}

func TestLoadFromReader_ExplicitZeroSurvivesDefaults(t *testing.T) {
	yaml := `
roles: [decisions]
decisions:
  offset_segments: 0
  debounce_ms: 0
llm:
  api_key: test-key
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Decisions.OffsetSegments != 0 {
		t.Errorf("OffsetSegments = %d, want explicit 0 kept", cfg.Decisions.OffsetSegments)
	}
	if cfg.Decisions.DebounceMS != 0 {
		t.Errorf("DebounceMS = %d, want explicit 0 kept", cfg.Decisions.DebounceMS)
	}
	if cfg.Decisions.WindowSegments != defaultWindowSegments {
		t.Errorf("WindowSegments = %d, want default %d for the absent key", cfg.Decisions.WindowSegments, defaultWindowSegments)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("server:\n  gatway_addr: ':1234'\n"))
	if err == nil {
		t.Fatal("misspelled field accepted")
	}
	if !strings.Contains(err.Error(), "gatway_addr") {
		t.Errorf("error %q does not name the unknown field", err)
	}
}

func TestValidate_JoinsAllFailures(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{LogLevel: "loud"},
		Roles:  []Role{"gateway", "postman"},
		Gateway: GatewayConfig{
			Backend: BackendWhisperHTTP, // transcriber_url missing
		},
	}

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate accepted a broken config")
	}
	for _, want := range []string{
		"server.log_level",
		`roles[1] "postman"`,
		"gateway.transcriber_url is required",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidate_BackendRequirements(t *testing.T) {
	tests := []struct {
		name    string
		gateway GatewayConfig
		wantErr string
	}{
		{"native needs model path", GatewayConfig{Backend: BackendWhisperNative}, "model_path"},
		{"deepgram needs key", GatewayConfig{Backend: BackendDeepgram}, "deepgram_api_key"},
		{"mock needs nothing", GatewayConfig{Backend: BackendMock}, ""},
		{"unknown backend", GatewayConfig{Backend: "parakeet"}, "gateway.backend"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Roles: []Role{RoleGateway}, Gateway: tc.gateway}
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want ok", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate = %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestValidate_DecisionsNeedsAPIKey(t *testing.T) {
	cfg := &Config{Roles: []Role{RoleDecisions}}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "llm.api_key") {
		t.Errorf("Validate = %v, want llm.api_key error", err)
	}

	cfg.LLM.APIKey = "k"
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate with key = %v, want ok", err)
	}
}

func TestRunsRole(t *testing.T) {
	all := &Config{}
	for _, r := range []Role{RoleGateway, RoleCollector, RoleDecisions} {
		if !all.RunsRole(r) {
			t.Errorf("empty role list should run %s", r)
		}
	}

	only := &Config{Roles: []Role{RoleCollector}}
	if !only.RunsRole(RoleCollector) {
		t.Error("RunsRole(collector) = false")
	}
	if only.RunsRole(RoleGateway) {
		t.Error("RunsRole(gateway) = true for collector-only config")
	}
}

func TestApplyEnv_OverridesYAML(t *testing.T) {
	t.Setenv("DEBOUNCE_MS", "100")
	t.Setenv("REDIS_URL", "redis://env-host:6379/0")
	t.Setenv("FAIL_FAST_WHEN_BUSY", "true")

	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Decisions.DebounceMS != 100 {
		t.Errorf("DebounceMS = %d, want env override 100", cfg.Decisions.DebounceMS)
	}
	if cfg.Redis.URL != "redis://env-host:6379/0" {
		t.Errorf("Redis.URL = %q, want env override", cfg.Redis.URL)
	}
	if !cfg.Gateway.Admission.FailFast {
		t.Error("Admission.FailFast = false, want env override true")
	}
}

func TestApplyEnv_ZeroOverridesYAML(t *testing.T) {
	t.Setenv("OFFSET_SEGMENTS", "0")
	t.Setenv("DEBOUNCE_MS", "0")

	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Decisions.OffsetSegments != 0 {
		t.Errorf("OffsetSegments = %d, want env 0", cfg.Decisions.OffsetSegments)
	}
	if cfg.Decisions.DebounceMS != 0 {
		t.Errorf("DebounceMS = %d, want env 0", cfg.Decisions.DebounceMS)
	}
}

func TestApplyEnv_UnparseableValueSkipped(t *testing.T) {
	t.Setenv("WINDOW_SEGMENTS", "many")

	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Decisions.WindowSegments != 20 {
		t.Errorf("WindowSegments = %d, want YAML value 20 kept", cfg.Decisions.WindowSegments)
	}
}

// Command loqui runs the meeting transcription pipeline. One binary serves
// three roles — the WebSocket ingestion gateway, the stream collector, and
// the decision listener — selected by the roles list in the configuration;
// by default all three run in a single process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/loqui-ai/loqui/internal/admission"
	"github.com/loqui-ai/loqui/internal/collector"
	"github.com/loqui-ai/loqui/internal/config"
	"github.com/loqui-ai/loqui/internal/decisions"
	"github.com/loqui-ai/loqui/internal/gateway"
	"github.com/loqui-ai/loqui/internal/health"
	"github.com/loqui-ai/loqui/internal/llm"
	"github.com/loqui-ai/loqui/internal/objstore"
	"github.com/loqui-ai/loqui/internal/observe"
	"github.com/loqui-ai/loqui/internal/store/postgres"
	"github.com/loqui-ai/loqui/internal/stream"
	"github.com/loqui-ai/loqui/internal/tracker"
	"github.com/loqui-ai/loqui/internal/webhook"
	"github.com/loqui-ai/loqui/pkg/asr"
	asrdeepgram "github.com/loqui-ai/loqui/pkg/asr/deepgram"
	asrmock "github.com/loqui-ai/loqui/pkg/asr/mock"
	asrnative "github.com/loqui-ai/loqui/pkg/asr/native"
	"github.com/loqui-ai/loqui/pkg/asr/whisperhttp"
	"github.com/loqui-ai/loqui/pkg/types"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "loqui: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "loqui: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("loqui starting",
		"version", version,
		"config", *configPath,
		"roles", rolesLabel(cfg),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "loqui",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Redis ─────────────────────────────────────────────────────────────────
	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.Error("invalid redis url", "err", err)
		return 1
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	checkers := []health.Checker{{
		Name:  "redis",
		Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}}

	// ── Postgres (optional) ───────────────────────────────────────────────────
	var segStore collector.SegmentStore = discardStore{}
	if cfg.RunsRole(config.RoleCollector) && cfg.Postgres.DSN != "" {
		pg, err := postgres.NewStore(ctx, cfg.Postgres.DSN)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pg.Close()
		segStore = pg
		checkers = append(checkers, health.Checker{Name: "postgres", Check: pg.Ping})
	}

	printStartupSummary(cfg)

	g, gctx := errgroup.WithContext(ctx)

	// ── Gateway ───────────────────────────────────────────────────────────────
	if cfg.RunsRole(config.RoleGateway) {
		backend, err := buildBackend(cfg.Gateway)
		if err != nil {
			slog.Error("failed to build asr backend", "err", err)
			return 1
		}
		defer backend.Close()
		slog.Info("asr backend ready", "backend", backend.Name())

		var gwOpts []gateway.Option
		if cfg.Gateway.MaxClients > 0 {
			gwOpts = append(gwOpts, gateway.WithMaxClients(cfg.Gateway.MaxClients))
		}
		if cfg.Gateway.MaxConnectionTime > 0 {
			gwOpts = append(gwOpts, gateway.WithMaxConnectionTime(seconds(cfg.Gateway.MaxConnectionTime)))
		}
		gwOpts = append(gwOpts, gateway.WithLogger(logger), gateway.WithMetrics(metrics))

		producer := stream.NewProducer(rdb, cfg.Collector.StreamName)
		gw := gateway.New(backend, producer, gwOpts...)

		adm := cfg.Gateway.Admission
		var admOpts []admission.Option
		if adm.MaxConcurrent > 0 {
			admOpts = append(admOpts, admission.WithMaxConcurrent(adm.MaxConcurrent))
		}
		if adm.MaxQueue > 0 {
			admOpts = append(admOpts, admission.WithMaxQueue(adm.MaxQueue))
		}
		if adm.BusyRetryAfter > 0 {
			admOpts = append(admOpts, admission.WithRetryAfter(time.Duration(adm.BusyRetryAfter)*time.Second))
		}
		admOpts = append(admOpts, admission.WithFailFast(adm.FailFast), admission.WithLogger(logger))
		limiter := admission.New(admOpts...)

		mux := http.NewServeMux()
		health.New(checkers...).Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())
		mux.Handle("GET /ws", limiter.Middleware(observe.Middleware(metrics)(gw)))

		srv := &http.Server{Addr: cfg.Server.GatewayAddr, Handler: mux}
		g.Go(serveHTTP(gctx, "gateway", srv))
		slog.Info("gateway listening", "addr", cfg.Server.GatewayAddr, "backend", cfg.Gateway.Backend)
	}

	// ── Collector ─────────────────────────────────────────────────────────────
	if cfg.RunsRole(config.RoleCollector) {
		collOpts := []collector.Option{
			collector.WithStream(cfg.Collector.StreamName, cfg.Collector.ConsumerGroup),
			collector.WithLogger(logger),
			collector.WithMetrics(metrics),
		}
		if cfg.Collector.PendingTimeoutMS > 0 {
			collOpts = append(collOpts, collector.WithPendingTimeout(cfg.Collector.PendingTimeout()))
		}
		if cfg.Collector.ImmutabilityThreshold > 0 {
			collOpts = append(collOpts, collector.WithImmutabilityThreshold(seconds(cfg.Collector.ImmutabilityThreshold)))
		}
		if cfg.Collector.TickInterval > 0 {
			collOpts = append(collOpts, collector.WithTickInterval(seconds(cfg.Collector.TickInterval)))
		}
		if cfg.Collector.SnapshotSize > 0 {
			collOpts = append(collOpts, collector.WithSnapshotSize(cfg.Collector.SnapshotSize))
		}
		if cfg.Webhook.URL != "" {
			sender := webhook.NewSender(webhook.WithLogger(logger))
			url := cfg.Webhook.URL
			collOpts = append(collOpts, collector.WithMeetingEndHook(func(ctx context.Context, meetingID string) {
				payload, _ := json.Marshal(map[string]string{
					"event":      "meeting.ended",
					"meeting_id": meetingID,
				})
				if err := sender.Send(ctx, url, payload); err != nil {
					logger.Warn("meeting-ended webhook failed", "meeting_id", meetingID, "err", err)
				}
			}))
			slog.Info("meeting-ended webhook enabled", "url", cfg.Webhook.URL)
		}

		coll := collector.New(rdb, segStore, collOpts...)
		g.Go(func() error { return coll.Run(gctx) })
		slog.Info("collector running",
			"stream", cfg.Collector.StreamName,
			"group", cfg.Collector.ConsumerGroup,
			"durable", cfg.Postgres.DSN != "")
	}

	// ── Decisions ─────────────────────────────────────────────────────────────
	if cfg.RunsRole(config.RoleDecisions) {
		var llmOpts []llm.Option
		if cfg.LLM.BaseURL != "" {
			llmOpts = append(llmOpts, llm.WithBaseURL(cfg.LLM.BaseURL))
		}
		analyst, err := llm.New(cfg.LLM.APIKey, cfg.LLM.Model, llmOpts...)
		if err != nil {
			slog.Error("failed to build llm analyst", "err", err)
			return 1
		}

		trackerStore := tracker.NewStore()
		decLog := decisions.NewLog(rdb, time.Duration(cfg.Decisions.TTL)*time.Second)
		hub := decisions.NewHub(0, metrics, logger)

		// The loader seeds defaults for these, so zero here is a deliberate
		// setting (offset 0, no debounce) and is passed through.
		engOpts := []decisions.Option{
			decisions.WithWindow(cfg.Decisions.WindowSegments, cfg.Decisions.OffsetSegments),
			decisions.WithDebounce(cfg.Decisions.Debounce()),
			decisions.WithConfidenceFloor(cfg.Decisions.MinConfidence),
			decisions.WithLLMDedup(cfg.Decisions.LLMDedup),
			decisions.WithLogger(logger),
			decisions.WithMetrics(metrics),
		}
		if cfg.Decisions.JaccardThreshold > 0 && cfg.Decisions.ContainmentThreshold > 0 {
			engOpts = append(engOpts, decisions.WithDedupThresholds(
				cfg.Decisions.JaccardThreshold, cfg.Decisions.ContainmentThreshold))
		}
		engine := decisions.New(analyst, trackerStore, decLog, hub, engOpts...)

		listener := decisions.NewListener(rdb, engine, logger)
		g.Go(func() error { return listener.Run(gctx) })

		decSrv := decisions.NewServer(engine, decLog, hub, trackerStore, analyst, logger)
		if cfg.Objects.Backend != "" {
			artifacts, err := buildObjectStore(ctx, cfg.Objects)
			if err != nil {
				slog.Error("failed to build object store", "err", err)
				return 1
			}
			decSrv.ArchiveSummaries(artifacts)
			slog.Info("summary archiving enabled", "backend", cfg.Objects.Backend)
		}
		mux := http.NewServeMux()
		health.New(checkers...).Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())
		decSrv.Register(mux)

		srv := &http.Server{Addr: cfg.Server.DecisionsAddr, Handler: mux}
		g.Go(serveHTTP(gctx, "decisions", srv))
		slog.Info("decision endpoints listening", "addr", cfg.Server.DecisionsAddr, "model", cfg.LLM.Model)
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// serveHTTP runs srv until ctx is cancelled, then drains it gracefully.
func serveHTTP(ctx context.Context, name string, srv *http.Server) func() error {
	return func() error {
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("listener shutdown error", "listener", name, "err", err)
			}
			return ctx.Err()
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("%s listener: %w", name, err)
		}
	}
}

// buildBackend constructs the ASR backend named in the gateway config.
func buildBackend(cfg config.GatewayConfig) (asr.Backend, error) {
	switch cfg.Backend {
	case config.BackendMock:
		return &asrmock.Backend{}, nil

	case config.BackendWhisperHTTP:
		var opts []whisperhttp.Option
		if cfg.TranscriberAPIKey != "" {
			opts = append(opts, whisperhttp.WithAPIKey(cfg.TranscriberAPIKey))
		}
		return whisperhttp.New(cfg.TranscriberURL, opts...)

	case config.BackendWhisperNative:
		return asrnative.New(cfg.ModelPath)

	case config.BackendDeepgram:
		return asrdeepgram.New(cfg.DeepgramAPIKey)

	default:
		return nil, fmt.Errorf("unknown asr backend %q", cfg.Backend)
	}
}

// buildObjectStore constructs the artifact store named in the objects config.
func buildObjectStore(ctx context.Context, cfg config.ObjectsConfig) (objstore.Store, error) {
	switch cfg.Backend {
	case "local":
		dir := cfg.Dir
		if dir == "" {
			dir = "data/artifacts"
		}
		return objstore.NewLocal(dir)

	case "s3":
		var opts []objstore.S3Option
		if cfg.Region != "" {
			opts = append(opts, objstore.WithRegion(cfg.Region))
		}
		if cfg.Endpoint != "" {
			opts = append(opts, objstore.WithEndpoint(cfg.Endpoint))
		}
		return objstore.NewS3(ctx, cfg.Bucket, opts...)

	default:
		return nil, fmt.Errorf("unknown objects backend %q", cfg.Backend)
	}
}

// discardStore stands in for Postgres when no DSN is configured. Promotion
// still prunes the mutable mirror; the finals are just not kept durably.
type discardStore struct{}

var _ collector.SegmentStore = discardStore{}

func (discardStore) UpsertSegments(_ context.Context, _ string, segments []types.Segment) (int, error) {
	return len(segments), nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Loqui — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Roles", rolesLabel(cfg))
	if cfg.RunsRole(config.RoleGateway) {
		printRow("Gateway addr", cfg.Server.GatewayAddr)
		printRow("ASR backend", string(cfg.Gateway.Backend))
	}
	if cfg.RunsRole(config.RoleCollector) {
		printRow("Stream", cfg.Collector.StreamName)
		if cfg.Postgres.DSN != "" {
			printRow("Durable store", "postgres")
		} else {
			printRow("Durable store", "(disabled)")
		}
	}
	if cfg.RunsRole(config.RoleDecisions) {
		printRow("Decisions addr", cfg.Server.DecisionsAddr)
		printRow("LLM model", cfg.LLM.Model)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

func rolesLabel(cfg *config.Config) string {
	if len(cfg.Roles) == 0 {
		return "all"
	}
	parts := make([]string, len(cfg.Roles))
	for i, r := range cfg.Roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ",")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// seconds converts a fractional-seconds config value to a Duration.
func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

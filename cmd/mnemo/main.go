// Command mnemo is the memory-augmented inference gateway server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mnemo-ai/mnemo/internal/adapterpool"
	"github.com/mnemo-ai/mnemo/internal/billing"
	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/embedcache"
	"github.com/mnemo-ai/mnemo/internal/engine"
	"github.com/mnemo-ai/mnemo/internal/events"
	"github.com/mnemo-ai/mnemo/internal/gateway"
	"github.com/mnemo-ai/mnemo/internal/health"
	"github.com/mnemo-ai/mnemo/internal/observe"
	"github.com/mnemo-ai/mnemo/internal/proxy"
	"github.com/mnemo-ai/mnemo/internal/resolver"
	"github.com/mnemo-ai/mnemo/internal/retention"
	"github.com/mnemo-ai/mnemo/internal/server"
	"github.com/mnemo-ai/mnemo/internal/store"
	"github.com/mnemo-ai/mnemo/internal/store/memstore"
	"github.com/mnemo-ai/mnemo/internal/store/postgres"
	"github.com/mnemo-ai/mnemo/pkg/index"
	"github.com/mnemo-ai/mnemo/pkg/index/memindex"
	"github.com/mnemo-ai/mnemo/pkg/index/pgvector"
	"github.com/mnemo-ai/mnemo/pkg/provider/embeddings"
	ollamaembed "github.com/mnemo-ai/mnemo/pkg/provider/embeddings/ollama"
	oaembed "github.com/mnemo-ai/mnemo/pkg/provider/embeddings/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "mnemo.yaml", "path to the YAML configuration file")
	flag.Parse()

	// .env is optional; it feeds the env fallbacks below in development.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "mnemo: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "mnemo: %v\n", err)
		}
		return 1
	}
	applyEnvFallbacks(cfg)

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("mnemo starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "mnemo"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Store ─────────────────────────────────────────────────────────────────
	var (
		st       store.Store
		checkers []health.Checker
	)
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		pg, err := postgres.NewStore(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pg.Close()
		st = pg
		checkers = append(checkers, health.Ping("postgres", pg))
	} else {
		st = memstore.New()
	}

	// ── Embeddings ────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	embedder, err := buildEmbedder(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build embeddings provider", "err", err)
		return 1
	}

	// ── Vector index ──────────────────────────────────────────────────────────
	pool, closeIndex, err := buildIndexPool(ctx, cfg, embedder)
	if err != nil {
		slog.Error("failed to open vector index", "err", err)
		return 1
	}
	defer closeIndex()

	// ── Core services ─────────────────────────────────────────────────────────
	res := resolver.New(st, st, st, nil)
	bill := billing.New(st, st, billingConfig(cfg))

	engineOpts := engineOptions(cfg)
	gw := gateway.New(res, bill, pool, embedder, proxy.NewRouter(), st, metrics,
		gateway.WithEngineOptions(engineOpts...),
		gateway.WithLogger(logger),
	)

	serverOpts := []server.Option{
		server.WithEngineOptions(engineOpts...),
		server.WithLogger(logger),
	}
	if rps := cfg.Server.RateRPS; rps != 0 {
		burst := cfg.Server.RateBurst
		if burst == 0 {
			burst = server.DefaultBurst
		}
		if rps < 0 {
			rps, burst = 0, 0 // disables limiting
		}
		serverOpts = append(serverOpts, server.WithRateLimit(rps, burst))
	}

	srv := server.New(server.Deps{
		Gateway:   gw,
		Store:     st,
		Billing:   bill,
		Resolver:  res,
		Pool:      pool,
		Embedder:  embedder,
		Verifier:  events.NewVerifier(cfg.Billing.WebhookSecret, 0, nil),
		Processor: events.NewProcessor(st, bill, logger),
		Health:    health.New(checkers...),
		Metrics:   metrics,
	}, serverOpts...)

	// ── Background jobs ───────────────────────────────────────────────────────
	reporter := billing.NewReporter(bill, logSubmitter{logger}, cfg.Billing.ReportSchedule, logger)
	if err := reporter.Start(); err != nil {
		slog.Error("failed to start usage reporter", "err", err)
		return 1
	}
	defer reporter.Stop()

	sweeper := retention.New(st, st, pool, cfg.Retention.Horizon.Std(), cfg.Retention.Schedule, logger)
	if err := sweeper.Start(); err != nil {
		slog.Error("failed to start retention sweeper", "err", err)
		return 1
	}
	defer sweeper.Stop()

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.RateLimitChanged || d.EngineChanged {
			slog.Warn("rate limit and engine changes require a restart to take effect")
		}
	})
	if err != nil {
		slog.Warn("config watcher not started", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	printStartupSummary(cfg)

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = ":8080"
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if tls := cfg.Server.TLS; tls != nil {
			serveErr <- httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			serveErr <- httpSrv.ListenAndServe()
		}
	}()

	slog.Info("server ready — press Ctrl+C to shut down", "addr", addr)

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	// Let in-flight capture and storage passes land before the pools go away.
	gw.Drain()
	if err := pool.Close(); err != nil {
		slog.Warn("index pool close error", "err", err)
	}
	slog.Info("goodbye")
	return 0
}

// applyEnvFallbacks fills secrets from the environment when the config file
// leaves them empty, so credentials can stay out of the YAML.
func applyEnvFallbacks(cfg *config.Config) {
	if cfg.Embeddings.APIKey == "" {
		cfg.Embeddings.APIKey = os.Getenv("MNEMO_EMBEDDINGS_API_KEY")
	}
	if cfg.Billing.WebhookSecret == "" {
		cfg.Billing.WebhookSecret = os.Getenv("MNEMO_WEBHOOK_SECRET")
	}
	if cfg.Database.PostgresDSN == "" {
		cfg.Database.PostgresDSN = os.Getenv("MNEMO_POSTGRES_DSN")
	}
	if cfg.Redis.Password == "" {
		cfg.Redis.Password = os.Getenv("MNEMO_REDIS_PASSWORD")
	}
}

// registerBuiltinProviders wires the embedding provider factories that ship
// with the gateway into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterEmbeddings("openai", func(c config.EmbeddingsConfig) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if c.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(c.BaseURL))
		}
		return oaembed.New(c.APIKey, c.Model, opts...)
	})
	reg.RegisterEmbeddings("ollama", func(c config.EmbeddingsConfig) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if c.Dimensions > 0 {
			opts = append(opts, ollamaembed.WithDimensions(c.Dimensions))
		}
		return ollamaembed.New(c.BaseURL, c.Model, opts...)
	})
}

// buildEmbedder instantiates the configured embeddings provider and wraps it
// in the fingerprint cache, backed by Redis when configured.
func buildEmbedder(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (embeddings.Provider, error) {
	if cfg.Embeddings.Name == "" {
		return nil, errors.New("embeddings.name is required")
	}
	inner, err := reg.CreateEmbeddings(cfg.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("create embeddings provider %q: %w", cfg.Embeddings.Name, err)
	}
	slog.Info("embeddings provider created", "name", cfg.Embeddings.Name, "model", cfg.Embeddings.Model)

	onHit, onMiss := metrics.EmbedCacheCounters()
	opts := []embedcache.Option{embedcache.WithCounters(onHit, onMiss)}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		opts = append(opts, embedcache.WithBackend(embedcache.NewRedisBackend(client, "")))
		slog.Info("embedding cache backed by redis", "addr", cfg.Redis.Addr)
	}
	if ttl := cfg.Redis.TTL.Std(); ttl > 0 {
		opts = append(opts, embedcache.WithTTL(ttl))
	}
	return embedcache.New(inner, opts...), nil
}

// buildIndexPool opens the vector index and wraps it in the per-context
// handle pool. With postgres configured one pgvector adapter is shared by
// every namespace; otherwise an in-process index serves development runs.
func buildIndexPool(ctx context.Context, cfg *config.Config, embedder embeddings.Provider) (*adapterpool.Pool, func(), error) {
	var (
		shared  index.Adapter
		cleanup = func() {}
	)
	if dsn := cfg.Database.PostgresDSN; dsn != "" {
		dims := cfg.Embeddings.Dimensions
		if dims == 0 {
			dims = embedder.Dimensions()
		}
		adapter, err := pgvector.New(ctx, dsn, dims)
		if err != nil {
			return nil, nil, err
		}
		shared = adapter
		cleanup = adapter.Close
	} else {
		shared = memindex.New()
	}

	pool := adapterpool.New(func(ctx context.Context, contextID string) (index.Adapter, error) {
		if err := shared.Ensure(ctx, contextID); err != nil {
			return nil, err
		}
		return shared, nil
	})
	return pool, cleanup, nil
}

func billingConfig(cfg *config.Config) billing.Config {
	b := billing.DefaultConfig()
	if cfg.Billing.FreeAllowance > 0 {
		b.FreeAllowance = cfg.Billing.FreeAllowance
	}
	if cfg.Billing.PricePerMTok > 0 {
		b.PricePerMTok = cfg.Billing.PricePerMTok
	}
	if gw := cfg.Billing.GraceWindow.Std(); gw > 0 {
		b.GraceWindow = gw
	}
	return b
}

func engineOptions(cfg *config.Config) []engine.Option {
	opts := []engine.Option{engine.WithWindows(cfg.Engine.Windows.Defs())}
	if cfg.Engine.Oversample > 0 {
		opts = append(opts, engine.WithOversample(cfg.Engine.Oversample))
	}
	if cfg.Engine.ScoreFloor > 0 {
		opts = append(opts, engine.WithScoreFloor(cfg.Engine.ScoreFloor))
	}
	if budget := cfg.Engine.Budget.Std(); budget > 0 {
		opts = append(opts, engine.WithBudget(budget))
	}
	return opts
}

// logSubmitter is the stand-in usage sink until an external subscription
// system is wired in. It records what would have been billed.
// TODO: replace with the Stripe metered-usage submitter once the portal
// integration lands.
type logSubmitter struct {
	logger *slog.Logger
}

func (l logSubmitter) SubmitUsage(ctx context.Context, ownerID, subscriptionID string, units int64) error {
	l.logger.InfoContext(ctx, "usage units due",
		"owner", ownerID, "subscription", subscriptionID, "units", units)
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          mnemo — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Embeddings", providerLabel(cfg.Embeddings.Name, cfg.Embeddings.Model))
	printRow("Store", storageLabel(cfg.Database.PostgresDSN != ""))
	printRow("Embed cache", cacheLabel(cfg.Redis.Addr))
	printRow("Windows", windowsLabel(cfg.Engine.Windows))
	printRow("Retention", horizonLabel(cfg.Retention.Horizon.Std()))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-12s   : %-19s ║\n", kind, value)
}

func providerLabel(name, model string) string {
	if name == "" {
		return "(not configured)"
	}
	if model != "" {
		return name + " / " + model
	}
	return name
}

func storageLabel(postgres bool) string {
	if postgres {
		return "postgres + pgvector"
	}
	return "in-memory"
}

func cacheLabel(addr string) string {
	if addr == "" {
		return "in-process"
	}
	return "redis " + addr
}

func windowsLabel(w config.WindowSet) string {
	if w == "" {
		return string(config.WindowsStandard)
	}
	return string(w)
}

func horizonLabel(h time.Duration) string {
	if h <= 0 {
		return "(disabled)"
	}
	return h.String()
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

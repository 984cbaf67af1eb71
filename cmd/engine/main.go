package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/corvidsec/raven/internal/api"
	appscanning "github.com/corvidsec/raven/internal/app/scanning"
	"github.com/corvidsec/raven/internal/config"
	"github.com/corvidsec/raven/internal/config/fileloader"
	"github.com/corvidsec/raven/internal/gateway"
	"github.com/corvidsec/raven/internal/infra/adapters"
	"github.com/corvidsec/raven/internal/infra/eventbus/memory"
	scanningStore "github.com/corvidsec/raven/internal/infra/storage/scanning/postgres"
	"github.com/corvidsec/raven/pkg/common/logger"
	"github.com/corvidsec/raven/pkg/common/otel"
)

const (
	serviceType = "engine"
)

func main() {
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	var log *logger.Logger

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}

			// Add any error-specific attributes.
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}

			// Output the error event with valid JSON details.
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n",
				r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("ENGINE-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	// TODO: Adjust the min log level via env var.
	log = logger.NewWithMetadata(os.Stdout, logger.LevelDebug, svcName, traceIDFn, logEvents, metadata)

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize telemetry.
	prob, err := strconv.ParseFloat(os.Getenv("OTEL_SAMPLING_RATIO"), 64)
	if err != nil {
		log.Error(ctx, "failed to parse OTEL_SAMPLING_RATIO", "error", err)
		os.Exit(1)
	}
	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      os.Getenv("OTEL_SERVICE_NAME"),
		ExporterEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: prob,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true, // TODO: Come back to setup TLS.
	})
	if err != nil {
		log.Error(ctx, "failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer telemetryTeardown(ctx)

	tracer := tp.Tracer(os.Getenv("OTEL_SERVICE_NAME"))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := os.Getenv("POSTGRES_USER")
		password := os.Getenv("POSTGRES_PASSWORD")
		host := os.Getenv("POSTGRES_HOST")
		dbname := os.Getenv("POSTGRES_DB")

		if user == "" {
			user = "postgres"
		}
		if password == "" {
			password = "postgres"
		}
		if host == "" {
			host = "postgres"
		}
		if dbname == "" {
			dbname = "raven"
		}

		dsn = fmt.Sprintf("postgres://%s:%s@%s:5432/%s?sslmode=disable",
			user, password, host, dbname)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		log.Error(ctx, "failed to parse db config", "error", err)
		os.Exit(1)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Error(ctx, "failed to open db", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool); err != nil {
		log.Error(ctx, "failed to run migrations", "error", err)
		os.Exit(1)
	}

	log.Info(ctx, "Migrations applied successfully. Starting engine...")

	cfg, err := loadEngineConfig(ctx)
	if err != nil {
		log.Error(ctx, "failed to load engine config", "error", err)
		os.Exit(1)
	}

	policies, err := buildPolicies(cfg)
	if err != nil {
		log.Error(ctx, "failed to build engine policies", "error", err)
		os.Exit(1)
	}

	registry, err := buildRegistry(cfg, log)
	if err != nil {
		log.Error(ctx, "failed to build engine registry", "error", err)
		os.Exit(1)
	}
	log.Info(ctx, "Engine adapters registered", "engines", registry.Names())

	tuning, err := parseStreamTuning(cfg.Stream)
	if err != nil {
		log.Error(ctx, "failed to parse stream settings", "error", err)
		os.Exit(1)
	}

	bus := memory.NewBroker(log, tracer)
	publisher := memory.NewDomainEventPublisher(bus)

	ledger := scanningStore.NewLedger(pool, tracer)

	executor := appscanning.NewEngineExecutor(ledger, publisher, log, tracer)
	orchestrator := appscanning.NewOrchestrator(
		hostname,
		ledger,
		registry,
		publisher,
		executor,
		policies,
		log,
		tracer,
	)

	aggregator := appscanning.NewProgressAggregator(
		hostname,
		ledger,
		publisher,
		policies,
		log,
		tracer,
		appscanning.WithSnapshotDebounce(tuning.snapshotDebounce),
		appscanning.WithBacklogCapacity(tuning.backlogCapacity),
		appscanning.WithTerminalRetention(tuning.terminalRetention),
	)
	if err := aggregator.Subscribe(ctx, bus); err != nil {
		log.Error(ctx, "failed to subscribe progress aggregator", "error", err)
		os.Exit(1)
	}
	aggregator.Start(ctx)

	gw := gateway.NewService(
		hostname,
		aggregator,
		ledger,
		log,
		tracer,
		gateway.WithHeartbeatInterval(tuning.heartbeatInterval),
		gateway.WithCompletionHold(tuning.completionHold),
	)
	if err := gw.Subscribe(ctx, bus); err != nil {
		log.Error(ctx, "failed to subscribe stream gateway", "error", err)
		os.Exit(1)
	}

	listenAddr := os.Getenv("API_LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8000"
	}
	apiServer := api.NewServer(
		api.Config{
			ListenAddr: listenAddr,
			Readiness:  func(ctx context.Context) error { return pool.Ping(ctx) },
		},
		orchestrator,
		ledger,
		registry,
		gw.HandleScanStream,
		log,
		tracer,
	)

	log.Info(ctx, "Engine initialized", "addr", listenAddr)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- apiServer.Start(ctx)
	}()

	// Wait for either a signal or a server error.
	select {
	case sig := <-sigCh:
		log.Info(ctx, "Received shutdown signal", "signal", sig)
		cancel() // Stops HTTP intake and unsubscribes bus handlers.

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// Drain components in order: land in-flight runs terminal, close
		// subscriber sockets, flush the last snapshots, then drop the bus.
		if err := orchestrator.Stop(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "Failed to stop orchestrator", "error", err)
		}
		if err := gw.Close(shutdownCtx); err != nil {
			log.Error(shutdownCtx, "Failed to close stream gateway", "error", err)
		}
		aggregator.Stop(shutdownCtx)
		if err := bus.Close(); err != nil {
			log.Error(shutdownCtx, "Failed to close event bus", "error", err)
		}

	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(ctx, "API server error", "error", err)
			os.Exit(1)
		}
	}
}

// loadEngineConfig reads the engine configuration file named by
// ENGINE_CONFIG_FILE. When the variable is unset the built-in defaults apply.
func loadEngineConfig(ctx context.Context) (*config.Config, error) {
	path := os.Getenv("ENGINE_CONFIG_FILE")
	if path == "" {
		return config.Default(), nil
	}
	return fileloader.NewFileLoader(path).Load(ctx)
}

// buildPolicies maps the configured execution limits onto the orchestrator's
// per-engine policy set.
func buildPolicies(cfg *config.Config) (appscanning.PolicySet, error) {
	defaults, err := enginePolicy(cfg.Engines.Defaults)
	if err != nil {
		return appscanning.PolicySet{}, fmt.Errorf("engine defaults: %w", err)
	}

	webVuln, err := enginePolicy(cfg.Engines.WebVuln.PolicyConfig)
	if err != nil {
		return appscanning.PolicySet{}, fmt.Errorf("web_vuln policy: %w", err)
	}
	portScan, err := enginePolicy(cfg.Engines.PortScan.PolicyConfig)
	if err != nil {
		return appscanning.PolicySet{}, fmt.Errorf("port_scan policy: %w", err)
	}
	sslTLS, err := enginePolicy(cfg.Engines.SSLTLS.PolicyConfig)
	if err != nil {
		return appscanning.PolicySet{}, fmt.Errorf("ssl_tls policy: %w", err)
	}

	return appscanning.NewPolicySet(defaults, map[string]appscanning.EnginePolicy{
		adapters.EngineWebVuln:  webVuln,
		adapters.EnginePortScan: portScan,
		adapters.EngineSSLTLS:   sslTLS,
	}), nil
}

func enginePolicy(pc config.PolicyConfig) (appscanning.EnginePolicy, error) {
	budget, err := config.Duration(pc.Budget)
	if err != nil {
		return appscanning.EnginePolicy{}, fmt.Errorf("budget: %w", err)
	}
	grace, err := config.Duration(pc.Grace)
	if err != nil {
		return appscanning.EnginePolicy{}, fmt.Errorf("grace: %w", err)
	}
	return appscanning.EnginePolicy{
		Budget:  budget,
		Grace:   grace,
		Weight:  pc.Weight,
		Options: pc.Options,
	}, nil
}

// buildRegistry constructs and registers the engine adapters from their
// configured connection settings.
func buildRegistry(cfg *config.Config, log *logger.Logger) (*adapters.Registry, error) {
	registry := adapters.NewRegistry()

	pollInterval, err := config.Duration(cfg.Engines.WebVuln.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("web_vuln poll_interval: %w", err)
	}
	if err := registry.Register(adapters.NewWebVulnAdapter(adapters.WebVulnConfig{
		BaseURL:       cfg.Engines.WebVuln.BaseURL,
		APIKey:        cfg.Engines.WebVuln.APIKey,
		MaxCrawlDepth: cfg.Engines.WebVuln.MaxCrawlDepth,
		PollInterval:  pollInterval,
	}, log)); err != nil {
		return nil, err
	}

	dialTimeout, err := config.Duration(cfg.Engines.PortScan.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("port_scan dial_timeout: %w", err)
	}
	if err := registry.Register(adapters.NewPortScanAdapter(adapters.PortScanConfig{
		Ports:       cfg.Engines.PortScan.Ports,
		Concurrency: cfg.Engines.PortScan.Concurrency,
		DialTimeout: dialTimeout,
		RatePerSec:  cfg.Engines.PortScan.RatePerSec,
	}, log)); err != nil {
		return nil, err
	}

	tlsDialTimeout, err := config.Duration(cfg.Engines.SSLTLS.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("ssl_tls dial_timeout: %w", err)
	}
	if err := registry.Register(adapters.NewSSLTLSAdapter(adapters.SSLTLSConfig{
		DialTimeout: tlsDialTimeout,
	}, log)); err != nil {
		return nil, err
	}

	return registry, nil
}

// streamTuning carries the parsed stream delivery settings.
type streamTuning struct {
	heartbeatInterval time.Duration
	completionHold    time.Duration
	snapshotDebounce  time.Duration
	terminalRetention time.Duration
	backlogCapacity   int
}

func parseStreamTuning(sc config.StreamConfig) (streamTuning, error) {
	heartbeat, err := config.Duration(sc.HeartbeatInterval)
	if err != nil {
		return streamTuning{}, fmt.Errorf("heartbeat_interval: %w", err)
	}
	hold, err := config.Duration(sc.CompletionHold)
	if err != nil {
		return streamTuning{}, fmt.Errorf("completion_hold: %w", err)
	}
	debounce, err := config.Duration(sc.SnapshotDebounce)
	if err != nil {
		return streamTuning{}, fmt.Errorf("snapshot_debounce: %w", err)
	}
	retention, err := config.Duration(sc.TerminalRetention)
	if err != nil {
		return streamTuning{}, fmt.Errorf("terminal_retention: %w", err)
	}
	return streamTuning{
		heartbeatInterval: heartbeat,
		completionHold:    hold,
		snapshotDebounce:  debounce,
		terminalRetention: retention,
		backlogCapacity:   sc.BacklogCapacity,
	}, nil
}

// runMigrations uses golang-migrate to apply all up migrations. The source
// directory defaults to "db/migrations" and is overridable via
// MIGRATIONS_PATH for containerized layouts. A single pgx connection is
// acquired first so a misconfigured database fails fast with a clear error.
func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("could not acquire connection: %w", err)
	}
	defer conn.Release()

	db := stdlib.OpenDBFromPool(pool)

	driver, err := pgx.WithInstance(db, &pgx.Config{})
	if err != nil {
		return fmt.Errorf("could not create pgx driver: %w", err)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = "db/migrations"
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migration up failed: %w", err)
	}

	return nil
}

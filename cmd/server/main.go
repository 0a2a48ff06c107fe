// The petalhost control plane: tenant provisioning, lifecycle management and
// the operator API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/petalhost/petalhost/internal/api"
	"github.com/petalhost/petalhost/internal/application/provisioning"
	trialapp "github.com/petalhost/petalhost/internal/application/trial"
	"github.com/petalhost/petalhost/internal/config"
	"github.com/petalhost/petalhost/internal/infra/events"
	"github.com/petalhost/petalhost/internal/infra/metrics"
	"github.com/petalhost/petalhost/internal/infra/provisioner"
	"github.com/petalhost/petalhost/internal/infra/provisioner/fake"
	"github.com/petalhost/petalhost/internal/infra/stacksvc"
	migrationstore "github.com/petalhost/petalhost/internal/infra/storage/migration/postgres"
	operationstore "github.com/petalhost/petalhost/internal/infra/storage/operation/postgres"
	poolstore "github.com/petalhost/petalhost/internal/infra/storage/pool/postgres"
	provisionstore "github.com/petalhost/petalhost/internal/infra/storage/provision/postgres"
	tenantstore "github.com/petalhost/petalhost/internal/infra/storage/tenant/postgres"
	trialstore "github.com/petalhost/petalhost/internal/infra/storage/trial/postgres"
	"github.com/petalhost/petalhost/pkg/common/logger"
	"github.com/petalhost/petalhost/pkg/common/otel"
	"github.com/petalhost/petalhost/pkg/common/timeutil"
)

const serviceName = "petalhost-control-plane"

func main() {
	if _, err := maxprocs.Set(); err != nil {
		fmt.Fprintf(os.Stderr, "setting maxprocs: %v\n", err)
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}
	log := logger.New(os.Stdout, logger.LevelInfo, serviceName, traceIDFn)

	ctx := context.Background()
	if err := run(ctx, log); err != nil {
		log.Error(ctx, "startup failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Telemetry.
	tp, shutdownTelemetry, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.ExporterAddr,
		ExcludedRoutes:   map[string]struct{}{"/healthz": {}, "/readyz": {}},
		Probability:      cfg.Telemetry.SampleRate,
		InsecureExporter: cfg.Server.Environment == "dev",
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer shutdownTelemetry(ctx)
	tracer := tp.Tracer(serviceName)

	// Database.
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.DSN())
	if err != nil {
		return fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MinConns = int32(cfg.Database.MinConns)
	poolCfg.MaxConns = int32(cfg.Database.MaxConns)
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("opening db pool: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Redis, for the platform-wide provisioning locks.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	locker := provisioner.NewRedisLocker(rdb, 0)

	// Repositories.
	tenants := tenantstore.NewTenantStore(pool, tracer)
	operations := operationstore.NewOperationStore(pool, tracer)
	sharedPool := poolstore.NewPoolStore(pool, tracer)
	assignments := provisionstore.NewAssignmentStore(pool, tracer)
	results := provisionstore.NewResultStore(pool, tracer)
	trialStates := trialstore.NewTrialStore(pool, tracer)
	plans := migrationstore.NewPlanStore(pool, tracer)

	// Cloud providers are deployment-specific adapters; the in-memory
	// implementations back dev and single-node installs.
	compute := fake.NewCompute()
	storage := fake.NewStorage()
	dns := fake.NewDNS()
	email := fake.NewEmail()
	backup := fake.NewBackup()

	prov := provisioner.New(
		provisioner.Config{
			BaseDomain:            cfg.Provisioner.BaseDomain,
			BucketPrefix:          cfg.Provisioner.BucketPrefix,
			SharedInstanceSize:    cfg.Provisioner.SharedInstanceSize,
			DedicatedInstanceSize: cfg.Provisioner.DedicatedInstanceSize,
			MaxTenantsPerInstance: cfg.Provisioner.MaxTenantsPerInstance,
			PollInterval:          cfg.Provisioner.PollInterval,
			ReadyTimeout:          cfg.Provisioner.ReadyTimeout,
		},
		compute, storage, dns, email,
		sharedPool, assignments, locker, log, tracer,
	)

	// Container stack service.
	agent := stacksvc.NewHTTPStackAgent(cfg.Agent.AuthToken, 30*time.Second)
	renderer := stacksvc.NewRenderer(cfg.Provisioner.BaseDomain)
	stacks := stacksvc.NewService(agent, renderer,
		cfg.Agent.HealthInterval, cfg.Agent.HealthTimeout, log, tracer)

	migrator := provisioner.NewMigrator(prov, plans, assignments, results,
		backup, stacks, locker, log, tracer)

	// Lifecycle events.
	publisher := newPublisher(cfg.MQTT, log)
	defer publisher.Close()

	provMetrics, err := metrics.NewProvisioningMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	// Application services. The lifecycle manager suspends stacks through the
	// provisioning service, which in turn opens trials through the manager.
	var provSvc *provisioning.Service
	lifecycle := trialapp.NewManager(
		trialStates, tenants, assignments, operations,
		suspenderFunc(func(ctx context.Context, slug string) error {
			return provSvc.Suspend(ctx, slug)
		}),
		migrator, publisher,
		trialapp.Config{
			TrialDuration: cfg.Lifecycle.TrialDuration,
			GracePeriod:   cfg.Lifecycle.GracePeriod,
			Retention:     cfg.Lifecycle.Retention,
		},
		timeutil.Default(), log, tracer,
	)
	provSvc = provisioning.NewService(
		tenants, operations, results, assignments,
		prov, stacks, lifecycle, provisioning.NoopCredentialSink{},
		provMetrics, cfg.Provisioner.BaseDomain, log, tracer,
	)

	// Periodic lifecycle sweep.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go lifecycle.RunSweeper(sweepCtx, cfg.Lifecycle.SweepInterval)

	// HTTP server.
	router := api.NewRouter(api.RouterConfig{
		Provisioning: provSvc,
		Lifecycle:    lifecycle,
		DB:           pool,
		Logger:       log,
		Tracer:       tracer,
	})
	server := api.NewServer(cfg.Server.Addr(), router, log)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		log.Info(ctx, "shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// suspenderFunc adapts a closure to trialapp.StackSuspender, breaking the
// construction cycle between the two application services.
type suspenderFunc func(ctx context.Context, slug string) error

func (f suspenderFunc) Suspend(ctx context.Context, slug string) error { return f(ctx, slug) }

func newPublisher(cfg config.MQTTConfig, log *logger.Logger) events.Publisher {
	if cfg.BrokerURL == "" {
		log.Info(context.Background(), "no mqtt broker configured, lifecycle events disabled")
		return events.NoopPublisher{}
	}
	pub, err := events.NewMQTTPublisher(events.MQTTConfig{
		BrokerURL: cfg.BrokerURL,
		ClientID:  cfg.ClientID,
		Username:  cfg.Username,
		Password:  cfg.Password,
		QoS:       byte(cfg.QoS),
	}, log)
	if err != nil {
		log.Error(context.Background(), "connecting to mqtt broker, events disabled", "error", err)
		return events.NoopPublisher{}
	}
	return pub
}

// runMigrations applies all pending schema migrations from db/migrations.
func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("creating migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// Package turnsd parses turnsd command flags and launches the settlement
// plane: the orphan reconciler sweep, the usage dispatcher, and a gRPC
// health endpoint. The live submit path is consumed as a library by the
// request surface, which is out of scope here.
package turnsd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	entrypoint "github.com/meterline/turnstile/internal/platform/cmd"
	"github.com/meterline/turnstile/internal/services/turns/app"
	"github.com/meterline/turnstile/internal/services/turns/catalog"
	"github.com/meterline/turnstile/internal/services/turns/dispatcher"
	"github.com/meterline/turnstile/internal/services/turns/domain"
	"github.com/meterline/turnstile/internal/services/turns/reconciler"
	"github.com/meterline/turnstile/internal/services/turns/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// Config holds turnsd command configuration.
type Config struct {
	Port             int           `env:"TURNSTILE_PORT" envDefault:"8099"`
	DBPath           string        `env:"TURNSTILE_DB_PATH" envDefault:"data/turns.db"`
	CatalogPath      string        `env:"TURNSTILE_CATALOG_PATH" envDefault:"config/tiers.yaml"`
	BillingURL       string        `env:"TURNSTILE_BILLING_URL"`
	BillingToken     string        `env:"TURNSTILE_BILLING_TOKEN"`
	Consumer         string        `env:"TURNSTILE_CONSUMER"`
	PollInterval     time.Duration `env:"TURNSTILE_POLL_INTERVAL" envDefault:"5s"`
	LeaseTTL         time.Duration `env:"TURNSTILE_LEASE_TTL" envDefault:"30s"`
	MaxAttempts      int           `env:"TURNSTILE_MAX_ATTEMPTS" envDefault:"8"`
	RetryBackoff     time.Duration `env:"TURNSTILE_RETRY_BACKOFF" envDefault:"2s"`
	RetryMaxDelay    time.Duration `env:"TURNSTILE_RETRY_MAX_DELAY" envDefault:"5m"`
	SweepInterval    time.Duration `env:"TURNSTILE_SWEEP_INTERVAL" envDefault:"1m"`
	OrphanAfter      time.Duration `env:"TURNSTILE_ORPHAN_AFTER" envDefault:"5m"`
	DebitOutputFloor int64         `env:"TURNSTILE_DEBIT_OUTPUT_FLOOR_TOKENS" envDefault:"50"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The turnsd health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The turns SQLite database path")
	fs.StringVar(&cfg.CatalogPath, "catalog-path", cfg.CatalogPath, "The tier catalog YAML path")
	fs.StringVar(&cfg.BillingURL, "billing-url", cfg.BillingURL, "The billing consumer webhook URL")
	fs.StringVar(&cfg.Consumer, "consumer", cfg.Consumer, "Settlement outbox consumer name")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Settlement outbox poll interval")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Settlement outbox lease duration")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum delivery attempts before parking")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Base delivery retry backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum delivery retry delay")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Orphan sweep interval")
	fs.DurationVar(&cfg.OrphanAfter, "orphan-after", cfg.OrphanAfter, "Age after which a running turn is orphaned")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the turnsd runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceTurns, func(context.Context) error {
		return run(ctx, cfg)
	})
}

func run(ctx context.Context, cfg Config) error {
	if strings.TrimSpace(cfg.BillingURL) == "" {
		return fmt.Errorf("billing url is required")
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close sqlite store: %v", closeErr)
		}
	}()

	// The tier catalog is loaded for validation at startup; the live
	// submit path consumes it through the embedding surface.
	if _, err := catalog.Load(cfg.CatalogPath); err != nil {
		return fmt.Errorf("load tier catalog: %w", err)
	}

	finalizer := app.NewFinalizer(store, domain.DebitPolicy{OutputFloorTokens: cfg.DebitOutputFloor})
	sweep := reconciler.New(store, finalizer, reconciler.Config{
		Interval:    cfg.SweepInterval,
		OrphanAfter: cfg.OrphanAfter,
	})
	delivery := dispatcher.New(store, dispatcher.NewWebhookConsumer(cfg.BillingURL, cfg.BillingToken), dispatcher.Config{
		Consumer:     cfg.Consumer,
		PollInterval: cfg.PollInterval,
		LeaseTTL:     cfg.LeaseTTL,
		BackoffBase:  cfg.RetryBackoff,
		BackoffMax:   cfg.RetryMaxDelay,
		MaxAttempts:  cfg.MaxAttempts,
	})

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("turns.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("turnsd listening at %v", listener.Addr())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sweep.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		delivery.Run(ctx)
	}()
	wg.Wait()
	return nil
}

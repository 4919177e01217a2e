package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rate-cache/internal/api"
	"rate-cache/internal/config"
	"rate-cache/internal/fetcher"
	"rate-cache/internal/scheduler"
	"rate-cache/internal/service"
	"rate-cache/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// newOutcaller returns a single HTTP outcaller, or a replicated one when
// more than one replica is configured.
func (a *App) newOutcaller() fetcher.Outcaller {
	timeout := a.Config.Fetch.RequestTimeout
	if a.Config.Fetch.Replicas <= 1 {
		return fetcher.NewHTTPOutcaller(timeout, a.Logger)
	}

	replicas := make([]fetcher.Outcaller, 0, a.Config.Fetch.Replicas)
	for i := 0; i < a.Config.Fetch.Replicas; i++ {
		replicas = append(replicas, fetcher.NewHTTPOutcaller(timeout, a.Logger))
	}
	return fetcher.NewReplicatedOutcaller(replicas, a.Logger)
}

func (a *App) newSource() *fetcher.Coinbase {
	return fetcher.NewCoinbase(fetcher.CoinbaseOptions{
		BaseURL:          a.Config.Fetch.BaseURL,
		Product:          a.Config.Fetch.Product,
		Granularity:      a.Config.GranularitySeconds(),
		PointsPerCall:    a.Config.Fetch.PointsPerCall,
		MaxResponseBytes: a.Config.ResolveMaxResponseBytes(),
		UserAgent:        a.Config.Fetch.UserAgent,
	}, a.newOutcaller(), a.Logger)
}

func (a *App) openStore(ctx context.Context) (storage.SnapshotStore, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, nil
	}
	return store, store.Close, nil
}

// Run executes the long-running cache service and, when enabled, its HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; cache will not survive restarts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:        a.Config.Scheduler.Interval,
		AlignToInterval: a.Config.Scheduler.AlignToInterval,
		StartupDelay:    a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := service.New(service.OptionsFromConfig(a.Config), sched, a.newSource(), store, a.Logger)

	var runners []func(context.Context) error
	if a.Config.API.Enabled {
		server := api.NewServer(a.Config.API.Listen, a.Config.API.ShutdownTimeout, svc, a.Logger)
		runners = append(runners, server.Start)
	}

	a.Logger.Info().
		Str("product", a.Config.Fetch.Product).
		Dur("heartbeat", a.Config.Scheduler.Interval).
		Uint64("rate_limit_factor", a.Config.Fetch.RateLimitFactor).
		Msg("starting rate cache")

	if err := serve(ctx, svc, runners...); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("rate cache stopped")
	return nil
}

// serve restores the cache, then runs the service and every runner until ctx
// ends. No runner starts before the restore has returned.
func serve(ctx context.Context, svc *service.Service, runners ...func(context.Context) error) error {
	if err := svc.Restore(ctx); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := svc.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	for _, run := range runners {
		group.Go(func() error {
			return run(groupCtx)
		})
	}
	return group.Wait()
}

// ExportOptions hold parameters for exporting cached rates.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}

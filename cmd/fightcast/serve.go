package main

import (
	"context"
	"fmt"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mentalmodel-lab/fightcast/internal/clock"
	"github.com/mentalmodel-lab/fightcast/internal/content"
	"github.com/mentalmodel-lab/fightcast/internal/event"
	"github.com/mentalmodel-lab/fightcast/internal/export"
	"github.com/mentalmodel-lab/fightcast/internal/janitor"
	"github.com/mentalmodel-lab/fightcast/internal/match"
	"github.com/mentalmodel-lab/fightcast/internal/phase"
	"github.com/mentalmodel-lab/fightcast/internal/registry"
	"github.com/mentalmodel-lab/fightcast/internal/results"
	"github.com/mentalmodel-lab/fightcast/internal/rotation"
	"github.com/mentalmodel-lab/fightcast/internal/store"
	"github.com/mentalmodel-lab/fightcast/internal/transport"
	"github.com/mentalmodel-lab/fightcast/pkg/config"
	"github.com/mentalmodel-lab/fightcast/pkg/observability"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the experiment server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log.Info("starting fightcast", zap.String("version", Version), zap.String("store", cfg.Store.Provider))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	loader := content.NewLoader(cfg.Content.Dir, log.Named("content"))
	rot, err := rotation.New(cfg.Content.Variants, loader, st, log.Named("rotation"))
	if err != nil {
		return err
	}

	clk := clock.NewReal()
	reg := registry.New(log.Named("registry"))
	fanout := event.NewFanout()

	mm := match.New(st, rot, clk, fanout, reg, match.Config{
		WaitingDuration: cfg.Experiment.WaitingDuration(),
		GroupSize:       cfg.Experiment.GroupSize,
	}, rand.New(rand.NewSource(time.Now().UnixNano())), log.Named("match"))
	defer mm.Close()

	pc := phase.New(clk, reg, phase.Config{
		PhaseDuration: cfg.Experiment.PhaseDuration(),
		ChatDuration:  cfg.Experiment.ChatDuration(),
		WagerMin:      cfg.Experiment.WagerMin,
		WagerMax:      cfg.Experiment.WagerMax,
		WagerDefault:  cfg.Experiment.WagerDefault,
	}, log.Named("phase"))
	defer pc.Close()

	agg := results.New(st, fanout, log.Named("results"))

	handler := transport.NewHandler(reg, mm, pc, agg, transport.Config{
		MessageRate:  cfg.Server.MessageRate,
		MessageBurst: cfg.Server.MessageBurst,
	}, log.Named("transport"))

	// Order matters: the coordinator must see a promotion before the
	// announcement reaches clients.
	fanout.Subscribe(pc)
	fanout.Subscribe(handler)

	jan, err := janitor.New(cfg.Janitor.Schedule, mm, pc, log.Named("janitor"))
	if err != nil {
		return err
	}
	jan.Start()
	defer jan.Stop()

	observability.InitMetrics()
	checker := observability.NewHealthChecker(Version)
	checker.RegisterCheck(observability.StoreCheck(func(ctx context.Context) error {
		_, err := st.FindSessions(ctx, store.SessionQuery{Status: store.StatusWaiting, Limit: 1})
		return err
	}))
	checker.RegisterCheck(observability.ContentCheck(func(ctx context.Context) error {
		return loader.Probe(cfg.Content.Variants[0])
	}))

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(fiberlogger.New())
	handler.Mount(app)
	export.New(st, log.Named("export")).Mount(app)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.ListenAddr))
		return app.Listen(cfg.Server.ListenAddr)
	})

	var obs *observability.Server
	if cfg.Observability.Enabled {
		obs = observability.NewServer(cfg.Observability.Port, checker)
		g.Go(func() error {
			log.Info("observability server listening", zap.Int("port", cfg.Observability.Port))
			return obs.Start()
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Warn("server shutdown", zap.Error(err))
		}
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := obs.Shutdown(shutdownCtx); err != nil {
				log.Warn("observability shutdown", zap.Error(err))
			}
		}
		return ctx.Err()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("stopped")
	return nil
}

func newStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Provider {
	case "memory":
		return store.NewMemoryStore(), nil
	case "redis":
		return store.NewRedisStore(store.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
			PoolSize: cfg.Store.Redis.PoolSize,
		})
	case "firestore":
		return store.NewFirestoreStore(ctx, store.FirestoreConfig{
			ProjectID:       cfg.Store.Firestore.ProjectID,
			CredentialsFile: cfg.Store.Firestore.CredentialsFile,
		})
	default:
		return nil, fmt.Errorf("unknown store provider %q", cfg.Store.Provider)
	}
}

// Package server implements the `veil server` command: it wires the
// full engine and runs the HTTP API alongside the background jobs.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/veil-labs/veil/internal/application/accounting"
	"github.com/veil-labs/veil/internal/application/alert"
	"github.com/veil-labs/veil/internal/application/gateway"
	"github.com/veil-labs/veil/internal/application/lifecycle"
	"github.com/veil-labs/veil/internal/application/reconcile"
	"github.com/veil-labs/veil/internal/application/serverops"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/infrastructure/adapters"
	"github.com/veil-labs/veil/internal/infrastructure/cache"
	"github.com/veil-labs/veil/internal/infrastructure/config"
	"github.com/veil-labs/veil/internal/infrastructure/database"
	"github.com/veil-labs/veil/internal/infrastructure/persistence/migrations"
	"github.com/veil-labs/veil/internal/infrastructure/repository"
	"github.com/veil-labs/veil/internal/infrastructure/scheduler"
	httpRouter "github.com/veil-labs/veil/internal/interfaces/http"
	"github.com/veil-labs/veil/internal/shared/keymutex"
	"github.com/veil-labs/veil/internal/shared/logger"
)

var (
	env         string
	autoMigrate bool
	noJobs      bool
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the provisioning engine",
		Long:  `Start the HTTP API, the reconciliation loop, and the lifecycle maintenance jobs.`,
		RunE:  run,
	}

	cmd.Flags().StringVarP(&env, "env", "e", "development", "Environment (development, test, production)")
	cmd.Flags().BoolVar(&autoMigrate, "auto-migrate", false, "Automatically run database migrations on startup")
	cmd.Flags().BoolVar(&noJobs, "no-jobs", false, "Serve the API only; background jobs run in a separate worker")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	if envVar := os.Getenv("ENV"); envVar != "" {
		env = envVar
	}

	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(&cfg.Logger); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.NewLogger()

	log.Infow("starting engine", "environment", env, "auto_migrate", autoMigrate)

	gin.SetMode(mapEnvToGinMode(env))
	gin.DefaultWriter = io.Discard

	if err := database.Init(&cfg.Database); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	if autoMigrate {
		if err := migrations.Run(database.Get()); err != nil {
			return fmt.Errorf("auto-migration failed: %w", err)
		}
		log.Infow("auto-migration completed")
	}

	if err := cache.Init(&cfg.Redis); err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	defer cache.Close()

	db := database.Get()
	subRepo := repository.NewSubscriptionRepository(db, log)
	historyRepo := repository.NewTransitionRepository(db, log)
	credRepo := repository.NewCredentialRepository(db, log)
	serverRepo := repository.NewServerRepository(db, log)
	sampleRepo := repository.NewUsageSampleRepository(db, log)

	registry := vpn.NewRegistry()
	for _, adapter := range []vpn.Adapter{
		adapters.NewX3UIAdapter(log),
		adapters.NewWireGuardAdapter(log),
		adapters.NewOpenVPNAdapter(log),
		adapters.NewIKEv2Adapter(log),
	} {
		if err := registry.Register(adapter); err != nil {
			return fmt.Errorf("failed to register adapter: %w", err)
		}
	}

	notifiers := []alert.Notifier{alert.NewLogNotifier(log)}
	if cfg.Alert.Enabled {
		notifiers = append(notifiers, alert.NewEmailNotifier(&cfg.Alert, log))
	}
	alerts := alert.NewMulti(notifiers...)

	selector := lifecycle.NewSelector(serverRepo, log)
	var locks lifecycle.KeyedLocker = keymutex.New()
	if cfg.Lifecycle.DistributedLocks {
		locks = cache.NewRedisKeyMutex(cache.Get(), 0)
	}
	lifecycleSvc := lifecycle.NewService(
		subRepo, historyRepo, credRepo, serverRepo,
		registry, selector, locks, alerts,
		cfg.Lifecycle, cfg.Adapter, cfg.Reconcile, log,
	)
	accountingSvc := accounting.NewService(
		subRepo, credRepo, serverRepo, sampleRepo,
		registry, lifecycleSvc, cfg.Adapter, cfg.Usage, log,
	)
	reconciler := reconcile.NewReconciler(
		subRepo, credRepo, serverRepo,
		registry, lifecycleSvc, cfg.Reconcile, cfg.Adapter, log,
	)
	serverSvc := serverops.NewService(serverRepo, log)

	dedupe := cache.NewEventDedupeStore(cache.Get())
	gw := gateway.New(lifecycleSvc, dedupe, cfg.Events.DedupeTTL, log)

	if !noJobs {
		sched, err := startJobs(cfg, lifecycleSvc, accountingSvc, reconciler, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				log.Errorw("failed to stop scheduler", "error", err)
			}
		}()
	}

	router := httpRouter.NewRouter(lifecycleSvc, accountingSvc, serverSvc, gw, log)

	srv := &http.Server{
		Addr:         cfg.Server.GetAddr(),
		Handler:      router.Engine(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "address", cfg.Server.GetAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
		return err
	}

	log.Infow("server exited gracefully")
	return nil
}

func startJobs(
	cfg *config.Config,
	lifecycleSvc *lifecycle.Service,
	accountingSvc *accounting.Service,
	reconciler *reconcile.Reconciler,
	log logger.Interface,
) (*scheduler.SchedulerManager, error) {
	sched, err := scheduler.NewSchedulerManager(log)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.RegisterLifecycleJobs(
		scheduler.BatchJobFunc(lifecycleSvc.ExpireDue),
		scheduler.BatchJobFunc(lifecycleSvc.ArchiveGraceElapsed),
		scheduler.BatchJobFunc(lifecycleSvc.ArchiveStalePending),
		scheduler.BatchJobFunc(lifecycleSvc.FlagStuckPending),
	); err != nil {
		return nil, fmt.Errorf("failed to register lifecycle jobs: %w", err)
	}
	if err := sched.RegisterReconcileJob(cfg.Reconcile.Interval, scheduler.BatchJobFunc(
		func(ctx context.Context) (int, error) {
			stats, err := reconciler.Run(ctx)
			return stats.Scanned, err
		},
	)); err != nil {
		return nil, fmt.Errorf("failed to register reconcile job: %w", err)
	}
	prober := adapters.NewPanelHealthProber(5*time.Second, log)
	if err := sched.RegisterHealthProbeJob(cfg.Reconcile.Interval, scheduler.BatchJobFunc(
		func(ctx context.Context) (int, error) {
			return reconciler.ProbeServers(ctx, prober)
		},
	)); err != nil {
		return nil, fmt.Errorf("failed to register health probe job: %w", err)
	}
	if err := sched.RegisterUsageJobs(
		cfg.Usage.PollInterval,
		scheduler.BatchJobFunc(accountingSvc.PollUsage),
		scheduler.BatchJobFunc(func(ctx context.Context) (int, error) {
			n, err := accountingSvc.TrimSamples(ctx, cfg.Usage.SampleRetention)
			return int(n), err
		}),
	); err != nil {
		return nil, fmt.Errorf("failed to register usage jobs: %w", err)
	}

	sched.Start()
	return sched, nil
}

func mapEnvToGinMode(environment string) string {
	switch environment {
	case "production", "prod", "release":
		return "release"
	case "test", "testing":
		return "test"
	default:
		return "debug"
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veil-labs/veil/internal/application/accounting"
	"github.com/veil-labs/veil/internal/application/alert"
	"github.com/veil-labs/veil/internal/application/lifecycle"
	"github.com/veil-labs/veil/internal/application/reconcile"
	"github.com/veil-labs/veil/internal/domain/vpn"
	"github.com/veil-labs/veil/internal/infrastructure/adapters"
	"github.com/veil-labs/veil/internal/infrastructure/cache"
	"github.com/veil-labs/veil/internal/infrastructure/config"
	"github.com/veil-labs/veil/internal/infrastructure/database"
	"github.com/veil-labs/veil/internal/infrastructure/repository"
	"github.com/veil-labs/veil/internal/shared/goroutine"
	"github.com/veil-labs/veil/internal/shared/keymutex"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// The worker runs the background loops without the HTTP API: drift
// reconciliation, server health probing, usage polling, and the
// lifecycle sweeps. Deploy it next to an API instance started with
// `veil server --no-jobs` when the two should scale independently.
// Both processes must then run with lifecycle.distributed_locks
// enabled so their per-subscription locks exclude each other.
func main() {
	env := "development"
	if len(os.Args) > 1 {
		env = os.Args[1]
	}
	if envVar := os.Getenv("ENV"); envVar != "" {
		env = envVar
	}

	cfg, err := config.Load(env)
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&cfg.Logger); err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log := logger.NewLogger().Named("worker")
	log.Infow("starting maintenance worker", "environment", env)

	if err := database.Init(&cfg.Database); err != nil {
		log.Fatalw("failed to initialize database", "error", err)
	}
	defer database.Close()

	var locks lifecycle.KeyedLocker = keymutex.New()
	if cfg.Lifecycle.DistributedLocks {
		if err := cache.Init(&cfg.Redis); err != nil {
			log.Fatalw("failed to initialize redis", "error", err)
		}
		defer cache.Close()
		locks = cache.NewRedisKeyMutex(cache.Get(), 0)
	}

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
			log.Fatalw("failed to register adapter", "error", err)
		}
	}

	notifiers := []alert.Notifier{alert.NewLogNotifier(log)}
	if cfg.Alert.Enabled {
		notifiers = append(notifiers, alert.NewEmailNotifier(&cfg.Alert, log))
	}
	alerts := alert.NewMulti(notifiers...)

	lifecycleSvc := lifecycle.NewService(
		subRepo, historyRepo, credRepo, serverRepo,
		registry, lifecycle.NewSelector(serverRepo, log), locks, alerts,
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
	prober := adapters.NewPanelHealthProber(5*time.Second, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	reconcileTicker := time.NewTicker(cfg.Reconcile.Interval)
	defer reconcileTicker.Stop()
	usageTicker := time.NewTicker(cfg.Usage.PollInterval)
	defer usageTicker.Stop()
	sweepTicker := time.NewTicker(time.Minute)
	defer sweepTicker.Stop()

	runReconcile := func(ctx context.Context) {
		defer goroutine.Recover(log, "reconcile")
		if _, err := reconciler.ProbeServers(ctx, prober); err != nil {
			log.Errorw("health probe failed", "error", err)
		}
		stats, err := reconciler.Run(ctx)
		if err != nil {
			log.Errorw("reconcile run failed", "error", err)
			return
		}
		log.Infow("reconcile run completed",
			"scanned", stats.Scanned,
			"missing_credential", stats.MissingCredential,
			"remote_absent", stats.RemoteAbsent,
			"remote_lingering", stats.RemoteLingering,
			"quota_unenforced", stats.QuotaUnenforced,
			"repairs_failed", stats.RepairsFailed,
			"skipped", stats.Skipped,
		)
	}
	runSweeps := func(ctx context.Context) {
		defer goroutine.Recover(log, "lifecycle-sweeps")
		for name, job := range map[string]func(context.Context) (int, error){
			"expire_due":            lifecycleSvc.ExpireDue,
			"archive_grace_elapsed": lifecycleSvc.ArchiveGraceElapsed,
			"archive_stale_pending": lifecycleSvc.ArchiveStalePending,
			"flag_stuck_pending":    lifecycleSvc.FlagStuckPending,
		} {
			if _, err := job(ctx); err != nil {
				log.Errorw("lifecycle sweep failed", "sweep", name, "error", err)
			}
		}
	}

	log.Infow("running initial reconcile")
	runReconcile(ctx)
	log.Infow("maintenance worker started",
		"reconcile_interval", cfg.Reconcile.Interval,
		"usage_poll_interval", cfg.Usage.PollInterval,
	)

	for {
		select {
		case <-reconcileTicker.C:
			runReconcile(ctx)

		case <-usageTicker.C:
			if _, err := accountingSvc.PollUsage(ctx); err != nil {
				log.Errorw("usage poll failed", "error", err)
			}
			if _, err := accountingSvc.TrimSamples(ctx, cfg.Usage.SampleRetention); err != nil {
				log.Errorw("sample trim failed", "error", err)
			}

		case <-sweepTicker.C:
			runSweeps(ctx)

		case sig := <-sigChan:
			log.Infow("received signal, shutting down", "signal", sig)

			// One last drift check so a redeploy never strands stale
			// panel state for a full interval.
			finalCtx, finalCancel := context.WithTimeout(context.Background(), 30*time.Second)
			runReconcile(finalCtx)
			finalCancel()

			log.Infow("maintenance worker stopped")
			return
		}
	}
}

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/climb-ledger/internal/backup"
	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"github.com/go-co-op/gocron/v2"
)

// Reconciler recomputes participant aggregates from the ledger
type Reconciler interface {
	Reconcile(ctx context.Context, repair bool) (*domain.ReconcileReport, error)
}

// StandingsRebuilder reloads the standings cache from the store
type StandingsRebuilder interface {
	Rebuild(ctx context.Context) error
}

// BackupRunner takes one backup
type BackupRunner interface {
	Run(ctx context.Context) (*backup.Result, error)
}

// MaintenanceWorker runs periodic reconciliation and backups
type MaintenanceWorker struct {
	reconcileCfg *config.ReconcileConfig
	backupCfg    *config.BackupConfig
	ledger       Reconciler
	standings    StandingsRebuilder
	backups      BackupRunner
	logger       *slog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
	cancel    context.CancelFunc
}

// NewMaintenanceWorker creates a worker. standings and backups may be nil.
func NewMaintenanceWorker(
	reconcileCfg *config.ReconcileConfig,
	backupCfg *config.BackupConfig,
	ledger Reconciler,
	standings StandingsRebuilder,
	backups BackupRunner,
	logger *slog.Logger,
) *MaintenanceWorker {
	return &MaintenanceWorker{
		reconcileCfg: reconcileCfg,
		backupCfg:    backupCfg,
		ledger:       ledger,
		standings:    standings,
		backups:      backups,
		logger:       logger,
	}
}

// Start schedules the enabled jobs
func (w *MaintenanceWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler != nil {
		return nil
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)

	if w.reconcileCfg.Enabled {
		_, err = scheduler.NewJob(
			gocron.DurationJob(w.reconcileCfg.Interval),
			gocron.NewTask(func() { w.RunReconcile(ctx) }),
			gocron.WithName("reconcile"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
			gocron.WithStartAt(gocron.WithStartImmediately()),
		)
		if err != nil {
			cancel()
			return fmt.Errorf("scheduling reconcile: %w", err)
		}
	}

	if w.backupCfg.Enabled && w.backups != nil {
		_, err = scheduler.NewJob(
			gocron.DurationJob(w.backupCfg.Interval),
			gocron.NewTask(func() { w.RunBackup(ctx) }),
			gocron.WithName("backup"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			return fmt.Errorf("scheduling backup: %w", err)
		}
	}

	scheduler.Start()
	w.scheduler = scheduler
	w.cancel = cancel

	w.logger.Info("maintenance worker started",
		"reconcile", w.reconcileCfg.Enabled,
		"reconcile_interval", w.reconcileCfg.Interval,
		"backup", w.backupCfg.Enabled && w.backups != nil,
		"backup_interval", w.backupCfg.Interval,
	)
	return nil
}

// Stop cancels running jobs and waits for them to return
func (w *MaintenanceWorker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler == nil {
		return nil
	}

	w.cancel()
	err := w.scheduler.Shutdown()
	w.scheduler = nil
	w.logger.Info("maintenance worker stopped")
	return err
}

// RunReconcile checks aggregates, repairing them when configured, then
// reloads the standings cache from the store
func (w *MaintenanceWorker) RunReconcile(ctx context.Context) {
	startTime := time.Now()

	report, err := w.ledger.Reconcile(ctx, w.reconcileCfg.Repair)
	if err != nil {
		w.logger.Error("reconcile failed", "error", err)
		return
	}

	if w.standings != nil {
		if err := w.standings.Rebuild(ctx); err != nil {
			w.logger.Error("standings rebuild failed", "error", err)
		}
	}

	w.logger.Info("reconcile cycle completed",
		"duration", time.Since(startTime),
		"checked", report.Checked,
		"drifted", len(report.Drifted),
		"repaired", report.Repaired,
	)
}

// RunBackup takes one backup
func (w *MaintenanceWorker) RunBackup(ctx context.Context) {
	if w.backups == nil {
		return
	}
	if _, err := w.backups.Run(ctx); err != nil {
		w.logger.Error("backup failed", "error", err)
	}
}

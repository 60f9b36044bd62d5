package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/climb-ledger/internal/backup"
	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"github.com/climb-ledger/internal/logging"
)

type fakeLedger struct {
	calls  atomic.Int32
	repair atomic.Bool
	err    error
}

func (f *fakeLedger) Reconcile(_ context.Context, repair bool) (*domain.ReconcileReport, error) {
	f.calls.Add(1)
	f.repair.Store(repair)
	if f.err != nil {
		return nil, f.err
	}
	return &domain.ReconcileReport{Checked: 3, Drifted: []domain.AggregateTotals{{ParticipantID: 1}}, Repaired: 1}, nil
}

type fakeStandings struct{ calls atomic.Int32 }

func (f *fakeStandings) Rebuild(context.Context) error {
	f.calls.Add(1)
	return nil
}

type fakeBackups struct{ calls atomic.Int32 }

func (f *fakeBackups) Run(context.Context) (*backup.Result, error) {
	f.calls.Add(1)
	return &backup.Result{Key: "backups/db_backup_20241109_000000.json.gz"}, nil
}

func TestRunReconcile(t *testing.T) {
	ledger := &fakeLedger{}
	standings := &fakeStandings{}
	w := NewMaintenanceWorker(
		&config.ReconcileConfig{Enabled: true, Interval: time.Hour, Repair: true},
		&config.BackupConfig{},
		ledger, standings, nil, logging.Discard(),
	)

	w.RunReconcile(context.Background())
	if ledger.calls.Load() != 1 || !ledger.repair.Load() {
		t.Errorf("reconcile calls = %d repair = %v", ledger.calls.Load(), ledger.repair.Load())
	}
	if standings.calls.Load() != 1 {
		t.Errorf("rebuild calls = %d, want 1", standings.calls.Load())
	}
}

func TestRunReconcileSkipsRebuildOnFailure(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("database unavailable")}
	standings := &fakeStandings{}
	w := NewMaintenanceWorker(
		&config.ReconcileConfig{Enabled: true, Interval: time.Hour},
		&config.BackupConfig{},
		ledger, standings, nil, logging.Discard(),
	)

	w.RunReconcile(context.Background())
	if standings.calls.Load() != 0 {
		t.Errorf("rebuild ran after a failed reconcile")
	}
}

func TestRunBackupWithoutRunner(t *testing.T) {
	w := NewMaintenanceWorker(&config.ReconcileConfig{}, &config.BackupConfig{Enabled: true}, &fakeLedger{}, nil, nil, logging.Discard())
	w.RunBackup(context.Background())
}

func TestStartRunsReconcileImmediately(t *testing.T) {
	ledger := &fakeLedger{}
	backups := &fakeBackups{}
	w := NewMaintenanceWorker(
		&config.ReconcileConfig{Enabled: true, Interval: time.Hour},
		&config.BackupConfig{Enabled: true, Interval: time.Hour},
		ledger, nil, backups, logging.Discard(),
	)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	// A second start is a no-op.
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for ledger.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if ledger.calls.Load() != 1 {
		t.Errorf("reconcile calls = %d, want 1", ledger.calls.Load())
	}
	if backups.calls.Load() != 0 {
		t.Errorf("backup ran before its interval elapsed")
	}
	if err := w.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

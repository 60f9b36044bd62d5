package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/climb-ledger/internal/access"
	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"github.com/climb-ledger/internal/logging"
	"github.com/climb-ledger/internal/postgres"
	"github.com/climb-ledger/internal/service"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

// openTestRepository connects to CLIMB_TEST_DATABASE_URL with an empty schema
func openTestRepository(t *testing.T) *postgres.Repository {
	t.Helper()
	dsn := os.Getenv("CLIMB_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CLIMB_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		t.Fatalf("connecting: %v", err)
	}
	_, err = conn.Exec(ctx, `DROP TABLE IF EXISTS block_scores, score_options, blocks, participants CASCADE`)
	conn.Close(ctx)
	if err != nil {
		t.Fatalf("resetting schema: %v", err)
	}

	repo, err := postgres.NewRepositoryFromDSN(ctx, dsn, logging.Discard())
	if err != nil {
		t.Fatalf("NewRepositoryFromDSN() error = %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.RunMigrations(ctx); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}
	return repo
}

func TestConcurrentScoringOnPostgres(t *testing.T) {
	repo := openTestRepository(t)
	ctx := context.Background()
	logger := logging.Discard()
	ledgerCfg := &config.LedgerConfig{MaxAttempts: 5}

	catalog := service.NewCatalogService(repo, ledgerCfg, logger)
	directory := service.NewDirectoryService(repo, &config.AuthConfig{SessionTTL: time.Hour, BcryptCost: bcrypt.MinCost}, logger)
	ledger := service.NewLedgerService(repo, ledgerCfg, logger)

	email, username, password, active := "ana@example.com", "ana", "correct-horse", true
	climber, err := directory.Register(ctx, access.System, domain.ParticipantInput{
		Email: &email, Username: &username, Password: &password, IsActive: &active,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	result, err := catalog.UpsertBlockByLane(ctx, access.System,
		domain.BlockInput{Lane: "B_01", Grade: "V0", Distance: 10},
		[]domain.ScoreOptionInput{{Key: "flash", Points: 5, Order: 1}, {Key: "second", Points: 3, Order: 2}},
	)
	if err != nil {
		t.Fatalf("UpsertBlockByLane() error = %v", err)
	}
	block := result.Block
	options := make(map[string]int64)
	for _, o := range block.ScoreOptions {
		options[o.Key] = o.ID
	}

	actor := access.FromParticipant(climber)
	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		key := "flash"
		if i%2 == 1 {
			key = "second"
		}
		wg.Add(1)
		go func(optionID int64) {
			defer wg.Done()
			_, err := ledger.RecordScore(ctx, actor, domain.ScoreRequest{
				ParticipantID: climber.ID,
				BlockID:       block.ID,
				ScoreOptionID: optionID,
			})
			errs <- err
		}(options[key])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("RecordScore() error = %v", err)
		}
	}

	rows, err := ledger.ListScores(ctx, access.System, domain.BlockScoreFilter{ParticipantID: &climber.ID})
	if err != nil {
		t.Fatalf("ListScores() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}

	p, err := directory.Get(ctx, access.System, climber.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Score != rows[0].EarnedPoints || p.DistanceClimbed != 10 {
		t.Errorf("aggregates = %d/%d, want %d/10", p.Score, p.DistanceClimbed, rows[0].EarnedPoints)
	}

	report, err := ledger.Reconcile(ctx, false)
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(report.Drifted) != 0 {
		t.Errorf("drift after concurrent scoring: %+v", report.Drifted)
	}

	if err := catalog.DeleteScoreOption(ctx, access.System, rows[0].ScoreOptionID); !errors.Is(err, domain.ErrOptionInUse) {
		t.Errorf("deleting a used option = %v, want %v", err, domain.ErrOptionInUse)
	}
}

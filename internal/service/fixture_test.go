package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/climb-ledger/internal/access"
	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"github.com/climb-ledger/internal/memstore"
	"golang.org/x/crypto/bcrypt"
)

type optionSpec struct {
	key    string
	points int
}

type fixture struct {
	ctx       context.Context
	store     *memstore.Store
	logger    *slog.Logger
	ledger    *LedgerService
	catalog   *CatalogService
	directory *DirectoryService
	ledgerCfg *config.LedgerConfig
	authCfg   *config.AuthConfig
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// tickingClock returns strictly increasing timestamps
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 11, 9, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	store.SetClock(tickingClock())

	logger := testLogger()
	ledgerCfg := &config.LedgerConfig{MaxAttempts: 3}
	authCfg := &config.AuthConfig{SessionTTL: time.Hour, BcryptCost: bcrypt.MinCost}

	return &fixture{
		ctx:       context.Background(),
		store:     store,
		logger:    logger,
		ledger:    NewLedgerService(store, ledgerCfg, logger),
		catalog:   NewCatalogService(store, ledgerCfg, logger),
		directory: NewDirectoryService(store, authCfg, logger),
		ledgerCfg: ledgerCfg,
		authCfg:   authCfg,
	}
}

// block defines a block with the given options, in order
func (f *fixture) block(t *testing.T, lane string, distance int, options ...optionSpec) (*domain.Block, map[string]*domain.ScoreOption) {
	t.Helper()
	block, err := f.catalog.DefineBlock(f.ctx, access.System, domain.BlockInput{Lane: lane, Grade: "V2", Distance: distance})
	if err != nil {
		t.Fatalf("DefineBlock(%s): %v", lane, err)
	}

	byKey := make(map[string]*domain.ScoreOption, len(options))
	for i, o := range options {
		option, err := f.catalog.DefineScoreOption(f.ctx, access.System, domain.ScoreOptionInput{
			BlockID: block.ID,
			Key:     o.key,
			Points:  o.points,
			Order:   i + 1,
		})
		if err != nil {
			t.Fatalf("DefineScoreOption(%s): %v", o.key, err)
		}
		byKey[o.key] = option
	}
	return block, byKey
}

// participant registers an account through the staff path
func (f *fixture) participant(t *testing.T, username string, active bool) *domain.Participant {
	t.Helper()
	email := username + "@example.com"
	password := "correct-horse"
	cup := domain.CupIntermediate
	p, err := f.directory.Register(f.ctx, access.System, domain.ParticipantInput{
		Email:    &email,
		Username: &username,
		Password: &password,
		Cup:      &cup,
		IsActive: &active,
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	return p
}

func principalOf(p *domain.Participant) *access.Principal {
	return access.FromParticipant(p)
}

func (f *fixture) get(t *testing.T, id int64) *domain.Participant {
	t.Helper()
	p, err := f.directory.Get(f.ctx, access.System, id)
	if err != nil {
		t.Fatalf("Get(%d): %v", id, err)
	}
	return p
}

func (f *fixture) assertAggregates(t *testing.T, id int64, score, distance int) {
	t.Helper()
	p := f.get(t, id)
	if p.Score != score || p.DistanceClimbed != distance {
		t.Fatalf("participant %d aggregates = (%d, %d), want (%d, %d)",
			id, p.Score, p.DistanceClimbed, score, distance)
	}
}

// assertConsistent checks that every stored aggregate matches its rows
func (f *fixture) assertConsistent(t *testing.T) {
	t.Helper()
	report, err := f.ledger.Reconcile(f.ctx, false)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.Drifted) != 0 {
		t.Fatalf("aggregates drifted: %+v", report.Drifted)
	}
}

func (f *fixture) scores(t *testing.T, filter domain.BlockScoreFilter) []domain.BlockScore {
	t.Helper()
	rows, err := f.ledger.ListScores(f.ctx, access.System, filter)
	if err != nil {
		t.Fatalf("ListScores: %v", err)
	}
	return rows
}

// recordingNotifier captures score changes
type recordingNotifier struct {
	mu      sync.Mutex
	changes []domain.ScoreChange
	err     error
}

func (n *recordingNotifier) ScoreChanged(ctx context.Context, change domain.ScoreChange) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.changes = append(n.changes, change)
	return n.err
}

func (n *recordingNotifier) all() []domain.ScoreChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.ScoreChange(nil), n.changes...)
}

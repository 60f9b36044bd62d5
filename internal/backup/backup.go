package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"github.com/samber/lo"
)

const (
	filePrefix    = "db_backup_"
	fileSuffix    = ".json.gz"
	timestampFmt  = "20060102_150405"
	formatVersion = 1
)

// participantRecord keeps the password hash that the API form omits
type participantRecord struct {
	domain.Participant
	PasswordHash string `json:"password_hash"`
}

// Snapshot is the content of one backup file
type Snapshot struct {
	Version      int                 `json:"version"`
	CreatedAt    time.Time           `json:"created_at"`
	Blocks       []domain.Block      `json:"blocks"`
	Participants []participantRecord `json:"participants"`
	BlockScores  []domain.BlockScore `json:"block_scores"`
}

// Result describes a completed backup
type Result struct {
	Key          string
	Size         int
	Participants int
	Blocks       int
	BlockScores  int
	Pruned       []string
}

// Service writes compressed snapshots of the store and prunes old ones
type Service struct {
	store   domain.Store
	objects ObjectStore
	cfg     *config.BackupConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a backup service
func NewService(store domain.Store, objects ObjectStore, cfg *config.BackupConfig, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		objects: objects,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// objectKey names the backup taken at t
func (s *Service) objectKey(t time.Time) string {
	return s.cfg.Prefix + filePrefix + t.UTC().Format(timestampFmt) + fileSuffix
}

func (s *Service) isBackup(key string) bool {
	name, ok := strings.CutPrefix(key, s.cfg.Prefix)
	return ok && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) && !strings.Contains(name, "/")
}

// Snapshot reads every table in one consistent view
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Version: formatVersion, CreatedAt: s.now().UTC()}
	err := s.store.View(ctx, func(q domain.Queries) error {
		blocks, err := q.ListBlocks(ctx, domain.BlockFilter{})
		if err != nil {
			return err
		}
		participants, err := q.ListParticipants(ctx, domain.ParticipantFilter{})
		if err != nil {
			return err
		}
		scores, err := q.ListBlockScores(ctx, domain.BlockScoreFilter{})
		if err != nil {
			return err
		}

		snap.Blocks = blocks
		snap.Participants = lo.Map(participants, func(p domain.Participant, _ int) participantRecord {
			return participantRecord{Participant: p, PasswordHash: p.PasswordHash}
		})
		snap.BlockScores = scores
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	return snap, nil
}

// Encode serialises a snapshot as gzip-compressed JSON
func Encode(snap *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(snap); err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing snapshot: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads a snapshot written by Encode
func Decode(data []byte) (*Snapshot, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer zr.Close()

	var snap Snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	for i := range snap.Participants {
		snap.Participants[i].Participant.PasswordHash = snap.Participants[i].PasswordHash
	}
	return &snap, nil
}

// Run takes a snapshot, uploads it and prunes backups beyond the
// configured count
func (s *Service) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	snap, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	data, err := Encode(snap)
	if err != nil {
		return nil, err
	}

	key := s.objectKey(snap.CreatedAt)
	if err := s.objects.Put(ctx, key, data, "application/gzip"); err != nil {
		return nil, err
	}

	result := &Result{
		Key:          key,
		Size:         len(data),
		Participants: len(snap.Participants),
		Blocks:       len(snap.Blocks),
		BlockScores:  len(snap.BlockScores),
	}

	result.Pruned, err = s.Prune(ctx)
	if err != nil {
		// The new backup is stored; a failed cleanup is retried next run.
		s.logger.Warn("pruning backups failed", "error", err)
	}

	s.logger.Info("backup completed",
		"key", key,
		"bytes", result.Size,
		"participants", result.Participants,
		"blocks", result.Blocks,
		"block_scores", result.BlockScores,
		"pruned", len(result.Pruned),
		"duration", time.Since(start),
	)
	return result, nil
}

// List returns stored backups, newest first
func (s *Service) List(ctx context.Context) ([]Object, error) {
	objects, err := s.objects.List(ctx, s.cfg.Prefix)
	if err != nil {
		return nil, err
	}
	backups := lo.Filter(objects, func(o Object, _ int) bool { return s.isBackup(o.Key) })
	// Keys embed a sortable UTC timestamp.
	sort.Slice(backups, func(i, j int) bool { return backups[i].Key > backups[j].Key })
	return backups, nil
}

// Prune deletes all but the newest configured number of backups
func (s *Service) Prune(ctx context.Context) ([]string, error) {
	if s.cfg.Keep <= 0 {
		return nil, nil
	}
	backups, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(backups) <= s.cfg.Keep {
		return nil, nil
	}

	var pruned []string
	for _, b := range backups[s.cfg.Keep:] {
		if err := s.objects.Delete(ctx, b.Key); err != nil {
			return pruned, err
		}
		s.logger.Debug("old backup deleted", "key", b.Key)
		pruned = append(pruned, b.Key)
	}
	return pruned, nil
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/climb-ledger/internal/domain"
	"github.com/redis/go-redis/v9"
)

// distanceScale packs distance climbed below the score in a sorted set
// member's score, so ties on score are broken by distance
const distanceScale = 1_000_000

// Standings keeps one sorted set per cup plus an info hash per participant
type Standings struct {
	client *redis.Client
	logger *slog.Logger
}

// cupKey returns the Redis key for a cup's sorted set
func cupKey(cup domain.Cup) string {
	return fmt.Sprintf("standings:%s", cup)
}

// infoKey returns the Redis key for a participant's cached details
func infoKey(participantID int64) string {
	return fmt.Sprintf("standings:participant:%d", participantID)
}

func member(participantID int64) string {
	return strconv.FormatInt(participantID, 10)
}

// rankScore encodes score and distance climbed into one sortable value
func rankScore(score, distance int) float64 {
	if distance >= distanceScale {
		distance = distanceScale - 1
	}
	if distance < 0 {
		distance = 0
	}
	return float64(score)*distanceScale + float64(distance)
}

// decodeRankScore splits a sorted set score back into score and distance
func decodeRankScore(v float64) (score, distance int) {
	score = int(math.Floor(v / distanceScale))
	distance = int(v - float64(score)*distanceScale)
	return score, distance
}

// Upsert writes a participant's current aggregates
func (s *Standings) Upsert(ctx context.Context, p domain.Participant) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, infoKey(p.ID),
		"username", p.Username,
		"cup", string(p.Cup),
	)
	pipe.ZAdd(ctx, cupKey(p.Cup), redis.Z{
		Score:  rankScore(p.Score, p.DistanceClimbed),
		Member: member(p.ID),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upserting standing: %w", err)
	}
	return nil
}

// Remove drops a participant from a cup
func (s *Standings) Remove(ctx context.Context, cup domain.Cup, participantID int64) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, cupKey(cup), member(participantID))
	pipe.Del(ctx, infoKey(participantID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("removing standing: %w", err)
	}
	return nil
}

// Top returns the first limit entries of a cup, best first
func (s *Standings) Top(ctx context.Context, cup domain.Cup, limit int) ([]domain.Standing, error) {
	results, err := s.client.ZRevRangeWithScores(ctx, cupKey(cup), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("getting top standings: %w", err)
	}
	if len(results) == 0 {
		return []domain.Standing{}, nil
	}

	// Use pipeline to fetch every participant's details at once
	pipe := s.client.Pipeline()
	infoCmds := make([]*redis.MapStringStringCmd, len(results))
	for i, result := range results {
		id, _ := strconv.ParseInt(result.Member.(string), 10, 64)
		infoCmds[i] = pipe.HGetAll(ctx, infoKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("getting standings info: %w", err)
	}

	standings := make([]domain.Standing, len(results))
	for i, result := range results {
		id, _ := strconv.ParseInt(result.Member.(string), 10, 64)
		score, distance := decodeRankScore(result.Score)
		standings[i] = domain.Standing{
			Rank:            int64(i + 1),
			ParticipantID:   id,
			Username:        infoCmds[i].Val()["username"],
			Cup:             cup,
			Score:           score,
			DistanceClimbed: distance,
		}
	}
	return standings, nil
}

// Rank returns a participant's position in a cup
func (s *Standings) Rank(ctx context.Context, cup domain.Cup, participantID int64) (*domain.Standing, error) {
	key := cupKey(cup)

	// Use pipeline to get rank, score and details together
	pipe := s.client.Pipeline()
	rankCmd := pipe.ZRevRank(ctx, key, member(participantID))
	scoreCmd := pipe.ZScore(ctx, key, member(participantID))
	infoCmd := pipe.HGetAll(ctx, infoKey(participantID))
	_, err := pipe.Exec(ctx)

	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("getting participant rank: %w", err)
	}

	rank, err := rankCmd.Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrParticipantNotFound
		}
		return nil, fmt.Errorf("getting rank result: %w", err)
	}

	value, err := scoreCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("getting score result: %w", err)
	}
	score, distance := decodeRankScore(value)

	return &domain.Standing{
		Rank:            rank + 1, // Convert 0-indexed to 1-indexed
		ParticipantID:   participantID,
		Username:        infoCmd.Val()["username"],
		Cup:             cup,
		Score:           score,
		DistanceClimbed: distance,
	}, nil
}

// Replace swaps a cup's whole ranking for the given participants
func (s *Standings) Replace(ctx context.Context, cup domain.Cup, participants []domain.Participant) error {
	key := cupKey(cup)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)

	for _, p := range participants {
		pipe.HSet(ctx, infoKey(p.ID),
			"username", p.Username,
			"cup", string(p.Cup),
		)
		pipe.ZAdd(ctx, key, redis.Z{
			Score:  rankScore(p.Score, p.DistanceClimbed),
			Member: member(p.ID),
		})
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replacing standings: %w", err)
	}
	s.logger.Debug("standings replaced", "cup", cup, "participants", len(participants))
	return nil
}

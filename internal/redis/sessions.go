package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/climb-ledger/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Sessions stores login sessions as expiring keys
type Sessions struct {
	client *redis.Client
}

// sessionKey returns the Redis key for a session token hash
func sessionKey(tokenHash string) string {
	return fmt.Sprintf("session:%s", tokenHash)
}

// Save stores a session for ttl
func (s *Sessions) Save(ctx context.Context, tokenHash string, participantID int64, ttl time.Duration) error {
	err := s.client.Set(ctx, sessionKey(tokenHash), strconv.FormatInt(participantID, 10), ttl).Err()
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Lookup returns the participant owning a session
func (s *Sessions) Lookup(ctx context.Context, tokenHash string) (int64, error) {
	value, err := s.client.Get(ctx, sessionKey(tokenHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, domain.ErrSessionNotFound
		}
		return 0, fmt.Errorf("getting session: %w", err)
	}

	participantID, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing session: %w", err)
	}
	return participantID, nil
}

// Delete removes a session
func (s *Sessions) Delete(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, sessionKey(tokenHash)).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

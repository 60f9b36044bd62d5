package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/climb-ledger/internal/access"
	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

// tokenBytes is the amount of randomness in a session token
const tokenBytes = 32

// SessionStore persists sessions keyed by the SHA-256 of their token
type SessionStore interface {
	Save(ctx context.Context, tokenHash string, participantID int64, ttl time.Duration) error
	Lookup(ctx context.Context, tokenHash string) (int64, error)
	Delete(ctx context.Context, tokenHash string) error
}

// Session is the result of a successful login
type Session struct {
	Token       string             `json:"token"`
	ExpiresAt   time.Time          `json:"expires_at"`
	Participant domain.Participant `json:"participant"`
}

// AuthService exchanges credentials for session tokens
type AuthService struct {
	store     domain.Store
	sessions  SessionStore
	config    *config.AuthConfig
	logger    *slog.Logger
	dummyHash []byte
	now       func() time.Time
}

// NewAuthService creates a new auth service
func NewAuthService(store domain.Store, sessions SessionStore, cfg *config.AuthConfig, logger *slog.Logger) (*AuthService, error) {
	// Compared against when the email is unknown so both paths cost one bcrypt run.
	dummy, err := bcrypt.GenerateFromPassword([]byte("climb-ledger-dummy-password"), cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("generating dummy hash: %w", err)
	}

	return &AuthService{
		store:     store,
		sessions:  sessions,
		config:    cfg,
		logger:    logger,
		dummyHash: dummy,
		now:       time.Now,
	}, nil
}

// HashToken returns the storage key of a session token
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Login checks credentials and opens a session. Inactive participants may
// log in; what they can do is limited elsewhere.
func (s *AuthService) Login(ctx context.Context, email, password string) (*Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, domain.Invalid("email and password are required")
	}

	var p *domain.Participant
	err := s.store.View(ctx, func(q domain.Queries) error {
		var err error
		p, err = q.GetParticipantByEmail(ctx, email)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrParticipantNotFound) {
			_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
			return nil, domain.ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte(password)); err != nil {
		return nil, domain.ErrInvalidCredentials
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Save(ctx, HashToken(token), p.ID, s.config.SessionTTL); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}

	s.logger.Info("participant logged in", "participant_id", p.ID, "active", p.IsActive)
	return &Session{
		Token:       token,
		ExpiresAt:   s.now().Add(s.config.SessionTTL),
		Participant: *p,
	}, nil
}

// Logout closes the session of token
func (s *AuthService) Logout(ctx context.Context, token string) error {
	if token == "" {
		return domain.ErrUnauthenticated
	}
	return s.sessions.Delete(ctx, HashToken(token))
}

// Authenticate resolves a session token to the caller's principal
func (s *AuthService) Authenticate(ctx context.Context, token string) (*access.Principal, error) {
	if token == "" {
		return nil, domain.ErrUnauthenticated
	}

	participantID, err := s.sessions.Lookup(ctx, HashToken(token))
	if err != nil {
		return nil, err
	}

	var p *domain.Participant
	err = s.store.View(ctx, func(q domain.Queries) error {
		var err error
		p, err = q.GetParticipant(ctx, participantID)
		return err
	})
	if err != nil {
		if errors.Is(err, domain.ErrParticipantNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, err
	}

	return access.FromParticipant(p), nil
}

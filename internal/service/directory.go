package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/climb-ledger/internal/access"
	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest password accepted at registration
const MinPasswordLength = 8

// DirectoryService manages participant accounts
type DirectoryService struct {
	store     domain.Store
	config    *config.AuthConfig
	logger    *slog.Logger
	notifiers []ParticipantNotifier
}

// NewDirectoryService creates a new directory service
func NewDirectoryService(store domain.Store, cfg *config.AuthConfig, logger *slog.Logger) *DirectoryService {
	return &DirectoryService{
		store:  store,
		config: cfg,
		logger: logger,
	}
}

// AddNotifier registers a receiver for participant changes
func (s *DirectoryService) AddNotifier(n ParticipantNotifier) {
	s.notifiers = append(s.notifiers, n)
}

func (s *DirectoryService) notifyChanged(ctx context.Context, p domain.Participant, previousCup domain.Cup) {
	for _, n := range s.notifiers {
		if err := n.ParticipantChanged(ctx, p, previousCup); err != nil {
			s.logger.Warn("failed to publish participant change", "participant_id", p.ID, "error", err)
		}
	}
}

func (s *DirectoryService) notifyRemoved(ctx context.Context, p domain.Participant) {
	for _, n := range s.notifiers {
		if err := n.ParticipantRemoved(ctx, p); err != nil {
			s.logger.Warn("failed to publish participant removal", "participant_id", p.ID, "error", err)
		}
	}
}

func (s *DirectoryService) hashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", domain.Invalid("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.config.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// Register creates a participant account. Callers without staff rights
// cannot set permission fields and their account starts inactive.
func (s *DirectoryService) Register(ctx context.Context, actor *access.Principal, in domain.ParticipantInput) (*domain.Participant, error) {
	if !actor.Privileged() {
		in.StripPermissions()
	}
	if in.Email == nil || in.Username == nil {
		return nil, domain.Invalid("email and username are required")
	}
	if in.Password == nil {
		return nil, domain.Invalid("password is required")
	}

	p := &domain.Participant{Cup: domain.CupKids}
	if err := in.Apply(p); err != nil {
		return nil, err
	}
	if !actor.Privileged() {
		p.IsActive = false
	}

	hash, err := s.hashPassword(*in.Password)
	if err != nil {
		return nil, err
	}
	p.PasswordHash = hash

	err = s.store.WithTx(ctx, func(q domain.Queries) error {
		return q.CreateParticipant(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("participant registered", "participant_id", p.ID, "username", p.Username, "cup", p.Cup)
	s.notifyChanged(ctx, *p, p.Cup)
	return p, nil
}

// Get returns a participant visible to the caller
func (s *DirectoryService) Get(ctx context.Context, actor *access.Principal, id int64) (*domain.Participant, error) {
	if err := access.CanViewParticipant(actor, id); err != nil {
		return nil, err
	}

	var p *domain.Participant
	err := s.store.View(ctx, func(q domain.Queries) error {
		var err error
		p, err = q.GetParticipant(ctx, id)
		return err
	})
	return p, err
}

// List returns the participants visible to the caller
func (s *DirectoryService) List(ctx context.Context, actor *access.Principal, filter domain.ParticipantFilter) ([]domain.Participant, error) {
	filter, err := access.ParticipantListScope(actor, filter)
	if err != nil {
		return nil, err
	}

	var participants []domain.Participant
	err = s.store.View(ctx, func(q domain.Queries) error {
		var err error
		participants, err = q.ListParticipants(ctx, filter)
		return err
	})
	return participants, err
}

// Update applies a profile patch. Non-staff callers may only edit themselves
// and cannot change permission fields.
func (s *DirectoryService) Update(ctx context.Context, actor *access.Principal, id int64, in domain.ParticipantInput) (*domain.Participant, error) {
	if err := access.CanEditParticipant(actor, id); err != nil {
		return nil, err
	}
	if !actor.Privileged() {
		in.StripPermissions()
	}

	var hash string
	if in.Password != nil {
		var err error
		if hash, err = s.hashPassword(*in.Password); err != nil {
			return nil, err
		}
	}

	var (
		p           *domain.Participant
		previousCup domain.Cup
	)
	err := s.store.WithTx(ctx, func(q domain.Queries) error {
		var err error
		p, err = q.LockParticipant(ctx, id)
		if err != nil {
			return err
		}
		previousCup = p.Cup

		if err := in.Apply(p); err != nil {
			return err
		}
		if hash != "" {
			p.PasswordHash = hash
		}
		if err := q.UpdateParticipant(ctx, p); err != nil {
			return err
		}

		p, err = q.GetParticipant(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.notifyChanged(ctx, *p, previousCup)
	return p, nil
}

// Delete removes a participant and their scores
func (s *DirectoryService) Delete(ctx context.Context, actor *access.Principal, id int64) error {
	if err := access.CanDeleteParticipant(actor); err != nil {
		return err
	}

	var p *domain.Participant
	err := s.store.WithTx(ctx, func(q domain.Queries) error {
		var err error
		p, err = q.LockParticipant(ctx, id)
		if err != nil {
			return err
		}
		return q.DeleteParticipant(ctx, id)
	})
	if err != nil {
		return err
	}

	s.logger.Info("participant deleted", "participant_id", id, "username", p.Username)
	s.notifyRemoved(ctx, *p)
	return nil
}

// ActivationResult reports one account touched by SetStaffActive
type ActivationResult struct {
	Participant domain.Participant
	Changed     bool
}

// AllStaff selects every staff account in SetStaffActive
const AllStaff = "all"

// SetStaffActive activates or deactivates a staff account by username, or
// every staff account when target is AllStaff
func (s *DirectoryService) SetStaffActive(ctx context.Context, target string, active bool) ([]ActivationResult, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, domain.Invalid("a username or %q is required", AllStaff)
	}

	var results []ActivationResult
	err := s.store.WithTx(ctx, func(q domain.Queries) error {
		results = nil

		var candidates []domain.Participant
		if strings.EqualFold(target, AllStaff) {
			staff := true
			var err error
			candidates, err = q.ListParticipants(ctx, domain.ParticipantFilter{IsStaff: &staff})
			if err != nil {
				return err
			}
		} else {
			p, err := q.GetParticipantByUsername(ctx, target)
			if err != nil {
				return err
			}
			if !p.IsStaff {
				return domain.ErrParticipantNotFound
			}
			candidates = []domain.Participant{*p}
		}

		for _, c := range candidates {
			p, err := q.LockParticipant(ctx, c.ID)
			if err != nil {
				return err
			}
			changed := p.IsActive != active
			if changed {
				p.IsActive = active
				if err := q.UpdateParticipant(ctx, p); err != nil {
					return err
				}
			}
			results = append(results, ActivationResult{Participant: *p, Changed: changed})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range results {
		if r.Changed {
			s.logger.Info("staff activation changed", "username", r.Participant.Username, "active", active)
		}
	}
	return results, nil
}

// ListStaff returns every staff account
func (s *DirectoryService) ListStaff(ctx context.Context) ([]domain.Participant, error) {
	staff := true
	return s.List(ctx, access.System, domain.ParticipantFilter{IsStaff: &staff})
}

// CreateAdmin creates an active superuser account
func (s *DirectoryService) CreateAdmin(ctx context.Context, email, username, password string) (*domain.Participant, error) {
	active, staff, superuser := true, true, true
	return s.Register(ctx, access.System, domain.ParticipantInput{
		Email:       &email,
		Username:    &username,
		Password:    &password,
		IsActive:    &active,
		IsStaff:     &staff,
		IsSuperuser: &superuser,
	})
}

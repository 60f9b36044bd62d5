// Package access holds the authenticated caller identity and the rules that
// decide what each caller may read or change.
package access

import (
	"context"

	"github.com/climb-ledger/internal/domain"
)

// Principal is the authenticated caller of an operation. A nil Principal is
// an anonymous caller.
type Principal struct {
	ParticipantID int64
	Username      string
	IsActive      bool
	IsStaff       bool
	IsSuperuser   bool
}

// FromParticipant builds the principal for a participant account
func FromParticipant(p *domain.Participant) *Principal {
	return &Principal{
		ParticipantID: p.ID,
		Username:      p.Username,
		IsActive:      p.IsActive,
		IsStaff:       p.IsStaff,
		IsSuperuser:   p.IsSuperuser,
	}
}

// System is the principal used by internal callers such as the CLI and the
// event consumer
var System = &Principal{Username: "system", IsActive: true, IsStaff: true, IsSuperuser: true}

// Privileged reports whether the caller has staff rights
func (p *Principal) Privileged() bool {
	return p != nil && (p.IsStaff || p.IsSuperuser)
}

// Authenticated reports whether the caller is logged in
func (p *Principal) Authenticated() bool {
	return p != nil
}

// Owns reports whether the caller is the given participant
func (p *Principal) Owns(participantID int64) bool {
	return p != nil && p.ParticipantID != 0 && p.ParticipantID == participantID
}

type principalKey struct{}

// WithPrincipal stores the caller in ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored in ctx, nil when anonymous
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// RequireAuthenticated rejects anonymous callers
func RequireAuthenticated(p *Principal) error {
	if !p.Authenticated() {
		return domain.ErrUnauthenticated
	}
	return nil
}

// RequireStaff rejects callers without staff rights
func RequireStaff(p *Principal) error {
	if err := RequireAuthenticated(p); err != nil {
		return err
	}
	if !p.Privileged() {
		return domain.ErrPermissionDenied
	}
	return nil
}

// RequireSelfOrStaff rejects callers acting on another participant
func RequireSelfOrStaff(p *Principal, participantID int64) error {
	if err := RequireAuthenticated(p); err != nil {
		return err
	}
	if !p.Privileged() && !p.Owns(participantID) {
		return domain.ErrPermissionDenied
	}
	return nil
}

// CanReadCatalog allows any authenticated caller to read blocks and options
func CanReadCatalog(p *Principal) error {
	return RequireAuthenticated(p)
}

// CanWriteCatalog restricts block and score option changes to staff
func CanWriteCatalog(p *Principal) error {
	return RequireStaff(p)
}

// CanActOnScore allows staff to act on any score and participants on their own
func CanActOnScore(p *Principal, participantID int64) error {
	return RequireSelfOrStaff(p, participantID)
}

// ScoreListScope narrows a score listing to what the caller may see. Non-staff
// callers only ever see their own rows, whatever filter they asked for.
func ScoreListScope(p *Principal, filter domain.BlockScoreFilter) (domain.BlockScoreFilter, error) {
	if err := RequireAuthenticated(p); err != nil {
		return filter, err
	}
	if !p.Privileged() {
		own := p.ParticipantID
		filter.ParticipantID = &own
	}
	return filter, nil
}

// ParticipantListScope narrows a participant listing. Staff see everyone and
// may filter by cup; others see only themselves.
func ParticipantListScope(p *Principal, filter domain.ParticipantFilter) (domain.ParticipantFilter, error) {
	if err := RequireAuthenticated(p); err != nil {
		return filter, err
	}
	if !p.Privileged() {
		own := p.ParticipantID
		return domain.ParticipantFilter{ID: &own}, nil
	}
	return filter, nil
}

// CanViewParticipant allows self or staff
func CanViewParticipant(p *Principal, participantID int64) error {
	return RequireSelfOrStaff(p, participantID)
}

// CanEditParticipant allows self or staff
func CanEditParticipant(p *Principal, participantID int64) error {
	return RequireSelfOrStaff(p, participantID)
}

// CanDeleteParticipant restricts deletion to staff
func CanDeleteParticipant(p *Principal) error {
	return RequireStaff(p)
}

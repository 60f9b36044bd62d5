package access

import (
	"context"
	"errors"
	"testing"

	"github.com/climb-ledger/internal/domain"
)

func TestPolicies(t *testing.T) {
	climber := &Principal{ParticipantID: 7, IsActive: true}
	staff := &Principal{ParticipantID: 1, IsStaff: true}
	var anonymous *Principal

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"anonymous reads catalog", CanReadCatalog(anonymous), domain.ErrUnauthenticated},
		{"climber reads catalog", CanReadCatalog(climber), nil},
		{"climber writes catalog", CanWriteCatalog(climber), domain.ErrPermissionDenied},
		{"staff writes catalog", CanWriteCatalog(staff), nil},
		{"climber scores self", CanActOnScore(climber, 7), nil},
		{"climber scores other", CanActOnScore(climber, 8), domain.ErrPermissionDenied},
		{"staff scores other", CanActOnScore(staff, 8), nil},
		{"climber views other", CanViewParticipant(climber, 8), domain.ErrPermissionDenied},
		{"climber edits self", CanEditParticipant(climber, 7), nil},
		{"climber deletes", CanDeleteParticipant(climber), domain.ErrPermissionDenied},
		{"staff deletes", CanDeleteParticipant(staff), nil},
		{"system is staff", RequireStaff(System), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.want == nil {
				if tt.err != nil {
					t.Fatalf("unexpected error: %v", tt.err)
				}
				return
			}
			if !errors.Is(tt.err, tt.want) {
				t.Fatalf("err = %v, want %v", tt.err, tt.want)
			}
		})
	}
}

func TestScoreListScopeForcesOwnRows(t *testing.T) {
	other := int64(99)
	climber := &Principal{ParticipantID: 7}

	scoped, err := ScoreListScope(climber, domain.BlockScoreFilter{ParticipantID: &other})
	if err != nil {
		t.Fatalf("ScoreListScope: %v", err)
	}
	if scoped.ParticipantID == nil || *scoped.ParticipantID != 7 {
		t.Errorf("filter not narrowed to caller: %+v", scoped)
	}

	staff := &Principal{ParticipantID: 1, IsSuperuser: true}
	scoped, _ = ScoreListScope(staff, domain.BlockScoreFilter{ParticipantID: &other})
	if *scoped.ParticipantID != 99 {
		t.Errorf("staff filter changed: %+v", scoped)
	}
}

func TestParticipantListScope(t *testing.T) {
	climber := &Principal{ParticipantID: 7}
	scoped, _ := ParticipantListScope(climber, domain.ParticipantFilter{Cup: domain.CupAdvanced})
	if scoped.ID == nil || *scoped.ID != 7 || scoped.Cup != "" {
		t.Errorf("unexpected scope %+v", scoped)
	}
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	if PrincipalFrom(ctx) != nil {
		t.Fatal("empty context should be anonymous")
	}
	p := &Principal{ParticipantID: 3}
	if got := PrincipalFrom(WithPrincipal(ctx, p)); got != p {
		t.Errorf("PrincipalFrom = %+v", got)
	}
}

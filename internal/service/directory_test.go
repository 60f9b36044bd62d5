package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/climb-ledger/internal/access"
	"github.com/climb-ledger/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func TestRegisterSelfService(t *testing.T) {
	f := newFixture(t)

	p, err := f.directory.Register(f.ctx, nil, domain.ParticipantInput{
		Email:       strPtr("  Ana@Example.com "),
		Username:    strPtr("ana"),
		Password:    strPtr("correct-horse"),
		IsActive:    boolPtr(true),
		IsStaff:     boolPtr(true),
		IsSuperuser: boolPtr(true),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if p.IsActive || p.IsStaff || p.IsSuperuser {
		t.Errorf("self registration kept permission fields: %+v", p)
	}
	if p.Email != "ana@example.com" || p.Cup != domain.CupKids {
		t.Errorf("participant = %+v", p)
	}
	if p.Score != 0 || p.DistanceClimbed != 0 {
		t.Errorf("aggregates = (%d, %d)", p.Score, p.DistanceClimbed)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(p.PasswordHash), []byte("correct-horse")); err != nil {
		t.Errorf("password hash does not match: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	f.participant(t, "ana", true)

	tests := []struct {
		name string
		in   domain.ParticipantInput
		want error
	}{
		{"missing email", domain.ParticipantInput{Username: strPtr("bo"), Password: strPtr("correct-horse")}, domain.ErrInvalidRequest},
		{"missing password", domain.ParticipantInput{Email: strPtr("bo@example.com"), Username: strPtr("bo")}, domain.ErrInvalidRequest},
		{"short password", domain.ParticipantInput{Email: strPtr("bo@example.com"), Username: strPtr("bo"), Password: strPtr("short")}, domain.ErrInvalidRequest},
		{"bad email", domain.ParticipantInput{Email: strPtr("not-an-email"), Username: strPtr("bo"), Password: strPtr("correct-horse")}, domain.ErrInvalidRequest},
		{"email taken", domain.ParticipantInput{Email: strPtr("ANA@example.com"), Username: strPtr("bo"), Password: strPtr("correct-horse")}, domain.ErrEmailTaken},
		{"username taken", domain.ParticipantInput{Email: strPtr("bo@example.com"), Username: strPtr("ana"), Password: strPtr("correct-horse")}, domain.ErrUsernameTaken},
		{"bad date", domain.ParticipantInput{Email: strPtr("bo@example.com"), Username: strPtr("bo"), Password: strPtr("correct-horse"), DateOfBirth: strPtr("09/11/2001")}, domain.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.directory.Register(f.ctx, nil, tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUpdateParticipantRules(t *testing.T) {
	f := newFixture(t)
	block, options := f.block(t, "B_1", 10, tries...)
	ana := f.participant(t, "ana", true)
	bo := f.participant(t, "bo", true)

	if _, err := f.ledger.RecordScore(f.ctx, access.System, domain.ScoreRequest{ParticipantID: ana.ID, BlockID: block.ID, ScoreOptionID: options["flash"].ID}); err != nil {
		t.Fatalf("RecordScore: %v", err)
	}

	advanced := domain.CupAdvanced
	updated, err := f.directory.Update(f.ctx, principalOf(ana), ana.ID, domain.ParticipantInput{
		FirstName: strPtr("Ana"),
		Cup:       &advanced,
		IsStaff:   boolPtr(true),
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.FirstName != "Ana" || updated.Cup != domain.CupAdvanced {
		t.Errorf("profile not applied: %+v", updated)
	}
	if updated.IsStaff {
		t.Error("participant granted themselves staff")
	}
	if updated.Score != 5 || updated.DistanceClimbed != 10 {
		t.Errorf("aggregates changed by profile update: (%d, %d)", updated.Score, updated.DistanceClimbed)
	}

	if _, err := f.directory.Update(f.ctx, principalOf(bo), ana.ID, domain.ParticipantInput{FirstName: strPtr("x")}); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("editing another participant err = %v", err)
	}

	staffed, err := f.directory.Update(f.ctx, access.System, bo.ID, domain.ParticipantInput{IsStaff: boolPtr(true)})
	if err != nil {
		t.Fatalf("staff Update: %v", err)
	}
	if !staffed.IsStaff {
		t.Error("staff could not grant staff")
	}

	if _, err := f.directory.Update(f.ctx, principalOf(ana), ana.ID, domain.ParticipantInput{Password: strPtr("new-password-1")}); err != nil {
		t.Fatalf("password Update: %v", err)
	}
	stored := f.get(t, ana.ID)
	if err := bcrypt.CompareHashAndPassword([]byte(stored.PasswordHash), []byte("new-password-1")); err != nil {
		t.Errorf("password not rehashed: %v", err)
	}
}

func TestListParticipantsScope(t *testing.T) {
	f := newFixture(t)
	ana := f.participant(t, "ana", true)
	f.participant(t, "bo", true)

	own, err := f.directory.List(f.ctx, principalOf(ana), domain.ParticipantFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(own) != 1 || own[0].ID != ana.ID {
		t.Errorf("non-staff list = %+v", own)
	}

	all, err := f.directory.List(f.ctx, access.System, domain.ParticipantFilter{Cup: domain.CupIntermediate})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("staff list = %d, want 2", len(all))
	}

	if _, err := f.directory.List(f.ctx, nil, domain.ParticipantFilter{}); !errors.Is(err, domain.ErrUnauthenticated) {
		t.Errorf("anonymous list err = %v", err)
	}
}

func TestDeleteParticipantCascadesScores(t *testing.T) {
	f := newFixture(t)
	block, options := f.block(t, "B_1", 10, tries...)
	ana := f.participant(t, "ana", true)

	if _, err := f.ledger.RecordScore(f.ctx, access.System, domain.ScoreRequest{ParticipantID: ana.ID, BlockID: block.ID, ScoreOptionID: options["flash"].ID}); err != nil {
		t.Fatalf("RecordScore: %v", err)
	}

	if err := f.directory.Delete(f.ctx, principalOf(ana), ana.ID); !errors.Is(err, domain.ErrPermissionDenied) {
		t.Errorf("self delete err = %v", err)
	}

	removed := &recordingParticipants{}
	f.directory.AddNotifier(removed)
	if err := f.directory.Delete(f.ctx, access.System, ana.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if rows := f.scores(t, domain.BlockScoreFilter{}); len(rows) != 0 {
		t.Errorf("rows = %d, want 0", len(rows))
	}
	if len(removed.removed) != 1 || removed.removed[0] != ana.ID {
		t.Errorf("removal notifications = %v", removed.removed)
	}
	f.assertConsistent(t)
}

func TestStaffActivation(t *testing.T) {
	f := newFixture(t)
	admin, err := f.directory.CreateAdmin(f.ctx, "root@example.com", "root", "correct-horse")
	if err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	if !admin.IsActive || !admin.IsStaff || !admin.IsSuperuser {
		t.Fatalf("admin = %+v", admin)
	}
	judge := f.participant(t, "judge", false)
	if _, err := f.directory.Update(f.ctx, access.System, judge.ID, domain.ParticipantInput{IsStaff: boolPtr(true)}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	climber := f.participant(t, "climber", true)

	results, err := f.directory.SetStaffActive(f.ctx, "judge", true)
	if err != nil {
		t.Fatalf("SetStaffActive: %v", err)
	}
	if len(results) != 1 || !results[0].Changed || !results[0].Participant.IsActive {
		t.Errorf("results = %+v", results)
	}

	if _, err := f.directory.SetStaffActive(f.ctx, "climber", false); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Errorf("non-staff target err = %v", err)
	}
	if _, err := f.directory.SetStaffActive(f.ctx, "", false); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("empty target err = %v", err)
	}

	results, err = f.directory.SetStaffActive(f.ctx, AllStaff, false)
	if err != nil {
		t.Fatalf("SetStaffActive(all): %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, r := range results {
		if r.Participant.IsActive {
			t.Errorf("%s still active", r.Participant.Username)
		}
	}
	if !f.get(t, climber.ID).IsActive {
		t.Error("non-staff participant was deactivated")
	}

	staff, err := f.directory.ListStaff(f.ctx)
	if err != nil {
		t.Fatalf("ListStaff: %v", err)
	}
	if len(staff) != 2 {
		t.Errorf("staff = %d, want 2", len(staff))
	}
}

// recordingParticipants captures directory notifications
type recordingParticipants struct {
	mu      sync.Mutex
	changed []domain.Cup
	removed []int64
}

func (r *recordingParticipants) ParticipantChanged(ctx context.Context, p domain.Participant, previousCup domain.Cup) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changed = append(r.changed, previousCup)
	return nil
}

func (r *recordingParticipants) ParticipantRemoved(ctx context.Context, p domain.Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, p.ID)
	return nil
}

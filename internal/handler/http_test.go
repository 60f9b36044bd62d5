package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"github.com/climb-ledger/internal/memstore"
	"github.com/climb-ledger/internal/service"
	"golang.org/x/crypto/bcrypt"
)

type testResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

type testServer struct {
	t         *testing.T
	router    http.Handler
	directory *service.DirectoryService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	ledgerCfg := &config.LedgerConfig{MaxAttempts: 3}
	authCfg := &config.AuthConfig{SessionTTL: time.Hour, BcryptCost: bcrypt.MinCost}

	auth, err := service.NewAuthService(store, memstore.NewSessions(), authCfg, logger)
	if err != nil {
		t.Fatalf("NewAuthService: %v", err)
	}
	svc := Services{
		Ledger:    service.NewLedgerService(store, ledgerCfg, logger),
		Catalog:   service.NewCatalogService(store, ledgerCfg, logger),
		Directory: service.NewDirectoryService(store, authCfg, logger),
		Auth:      auth,
		Standings: service.NewStandingsService(store, nil, &config.LeaderboardConfig{DefaultLimit: 10, MaxLimit: 100}, logger),
	}

	h := NewHandler(svc, store, nil, logger)
	return &testServer{t: t, router: h.Router(), directory: svc.Directory}
}

func (s *testServer) do(method, path, token string, body interface{}) (int, testResponse) {
	s.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			s.t.Fatalf("encoding body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Token "+token)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var resp testResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		s.t.Fatalf("%s %s: decoding %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, resp
}

func (s *testServer) login(email, password string) string {
	s.t.Helper()
	status, resp := s.do(http.MethodPost, "/api/v1/login", "", map[string]string{"email": email, "password": password})
	if status != http.StatusOK {
		s.t.Fatalf("login %s: %d %s", email, status, resp.Error)
	}
	var session service.Session
	if err := json.Unmarshal(resp.Data, &session); err != nil {
		s.t.Fatalf("decoding session: %v", err)
	}
	return session.Token
}

func decode[T any](t *testing.T, resp testResponse) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(resp.Data, &v); err != nil {
		t.Fatalf("decoding %s: %v", resp.Data, err)
	}
	return v
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/health", "/ready"} {
		status, resp := s.do(http.MethodGet, path, "", nil)
		if status != http.StatusOK || !resp.Success {
			t.Errorf("%s = %d %+v", path, status, resp)
		}
	}
}

func TestScoringFlow(t *testing.T) {
	s := newTestServer(t)
	if _, err := s.directory.CreateAdmin(context.Background(), "admin@example.com", "admin", "admin-password"); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	admin := s.login("admin@example.com", "admin-password")

	status, resp := s.do(http.MethodPost, "/api/v1/blocks", admin, domain.BlockInput{Lane: "B_1", Grade: "V1", Distance: 10})
	if status != http.StatusCreated {
		t.Fatalf("create block: %d %s", status, resp.Error)
	}
	block := decode[domain.Block](t, resp)

	options := map[string]domain.ScoreOption{}
	for i, opt := range []struct {
		key    string
		points int
	}{{"flash", 5}, {"second", 3}} {
		status, resp := s.do(http.MethodPost, "/api/v1/scoreoptions", admin, domain.ScoreOptionInput{
			BlockID: block.ID, Key: opt.key, Points: opt.points, Order: i + 1,
		})
		if status != http.StatusCreated {
			t.Fatalf("create option: %d %s", status, resp.Error)
		}
		options[opt.key] = decode[domain.ScoreOption](t, resp)
	}

	status, resp = s.do(http.MethodPost, "/api/v1/participants", "", map[string]interface{}{
		"email":     "ana@example.com",
		"username":  "ana",
		"password":  "correct-horse",
		"cup":       "advanced", // English alias of avanzado
		"is_active": true,
		"is_staff":  true,
	})
	if status != http.StatusCreated {
		t.Fatalf("register: %d %s", status, resp.Error)
	}
	ana := decode[domain.Participant](t, resp)
	if ana.IsActive || ana.IsStaff {
		t.Fatalf("self registration kept permissions: %+v", ana)
	}
	if ana.Cup != domain.CupAdvanced {
		t.Errorf("cup = %q, want %q", ana.Cup, domain.CupAdvanced)
	}

	status, resp = s.do(http.MethodPatch, fmt.Sprintf("/api/v1/participants/%d", ana.ID), admin, map[string]bool{"is_active": true})
	if status != http.StatusOK {
		t.Fatalf("activate: %d %s", status, resp.Error)
	}

	token := s.login("ana@example.com", "correct-horse")

	// Naming someone else is denied; omitting the participant scores the caller.
	status, resp = s.do(http.MethodPost, "/api/v1/blockscores", token, domain.ScoreRequest{
		ParticipantID: ana.ID + 100,
		BlockID:       block.ID,
		ScoreOptionID: options["flash"].ID,
	})
	if status != http.StatusForbidden || resp.Code != string(domain.CodePermissionDenied) {
		t.Fatalf("scoring another participant: %d %s", status, resp.Code)
	}

	status, resp = s.do(http.MethodPost, "/api/v1/blockscores", token, domain.ScoreRequest{
		BlockID:       block.ID,
		ScoreOptionID: options["flash"].ID,
	})
	if status != http.StatusCreated {
		t.Fatalf("record: %d %s", status, resp.Error)
	}
	change := decode[domain.ScoreChange](t, resp)
	if change.Participant.ID != ana.ID || change.Participant.Score != 5 || change.Participant.DistanceClimbed != 10 {
		t.Errorf("change = %+v", change)
	}

	status, resp = s.do(http.MethodPost, "/api/v1/blockscores", token, domain.ScoreRequest{
		BlockID:       block.ID,
		ScoreOptionID: options["second"].ID,
	})
	if status != http.StatusOK {
		t.Fatalf("re-record: %d %s", status, resp.Error)
	}

	status, resp = s.do(http.MethodGet, "/api/v1/blockscores", token, nil)
	if status != http.StatusOK {
		t.Fatalf("list scores: %d %s", status, resp.Error)
	}
	rows := decode[[]domain.BlockScore](t, resp)
	if len(rows) != 1 || rows[0].EarnedPoints != 3 || rows[0].BlockLane != "B_1" {
		t.Errorf("rows = %+v", rows)
	}

	status, resp = s.do(http.MethodGet, "/api/v1/standings/avanzado", "", nil)
	if status != http.StatusOK {
		t.Fatalf("standings: %d %s", status, resp.Error)
	}
	standings := decode[[]domain.Standing](t, resp)
	if len(standings) != 1 || standings[0].ParticipantID != ana.ID || standings[0].Score != 3 {
		t.Errorf("standings = %+v", standings)
	}

	status, resp = s.do(http.MethodDelete, fmt.Sprintf("/api/v1/blockscores/%d", rows[0].ID), token, nil)
	if status != http.StatusOK {
		t.Fatalf("delete score: %d %s", status, resp.Error)
	}

	status, resp = s.do(http.MethodGet, fmt.Sprintf("/api/v1/participants/%d", ana.ID), token, nil)
	if status != http.StatusOK {
		t.Fatalf("get participant: %d %s", status, resp.Error)
	}
	if p := decode[domain.Participant](t, resp); p.Score != 0 || p.DistanceClimbed != 0 {
		t.Errorf("aggregates after delete = (%d, %d)", p.Score, p.DistanceClimbed)
	}
	if bytes.Contains(resp.Data, []byte("password")) {
		t.Error("password hash leaked in response")
	}

	status, resp = s.do(http.MethodPost, "/api/v1/logout", token, nil)
	if status != http.StatusOK {
		t.Fatalf("logout: %d %s", status, resp.Error)
	}
	if status, _ := s.do(http.MethodGet, "/api/v1/blockscores", token, nil); status != http.StatusUnauthorized {
		t.Errorf("request after logout = %d, want 401", status)
	}
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	if _, err := s.directory.CreateAdmin(ctx, "admin@example.com", "admin", "admin-password"); err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	admin := s.login("admin@example.com", "admin-password")

	status, resp := s.do(http.MethodPost, "/api/v1/blocks", admin, domain.BlockInput{Lane: "B_1", Distance: 10})
	if status != http.StatusCreated {
		t.Fatalf("create block: %d %s", status, resp.Error)
	}
	b1 := decode[domain.Block](t, resp)
	_, resp = s.do(http.MethodPost, "/api/v1/blocks", admin, domain.BlockInput{Lane: "B_2", Distance: 10})
	b2 := decode[domain.Block](t, resp)
	_, resp = s.do(http.MethodPost, "/api/v1/scoreoptions", admin, domain.ScoreOptionInput{BlockID: b2.ID, Key: "flash", Points: 5})
	foreign := decode[domain.ScoreOption](t, resp)

	active := true
	cup := domain.CupKids
	p, err := s.directory.Register(ctx, nil, domain.ParticipantInput{
		Email: strPtr("bo@example.com"), Username: strPtr("bo"), Password: strPtr("correct-horse"), Cup: &cup,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	status, _ = s.do(http.MethodPatch, fmt.Sprintf("/api/v1/participants/%d", p.ID), admin, domain.ParticipantInput{IsActive: &active})
	if status != http.StatusOK {
		t.Fatalf("activate = %d", status)
	}
	user := s.login("bo@example.com", "correct-horse")

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   interface{}
		status int
		code   domain.ErrorCode
	}{
		{"bad token", http.MethodGet, "/api/v1/blocks", "nope", nil, http.StatusUnauthorized, domain.CodeUnauthenticated},
		{"anonymous catalog read", http.MethodGet, "/api/v1/blocks", "", nil, http.StatusUnauthorized, domain.CodeUnauthenticated},
		{"catalog write by participant", http.MethodDelete, fmt.Sprintf("/api/v1/blocks/%d", b1.ID), user, nil, http.StatusForbidden, domain.CodePermissionDenied},
		{"bad id", http.MethodGet, "/api/v1/blocks/abc", admin, nil, http.StatusBadRequest, domain.CodeValidation},
		{"missing block", http.MethodGet, "/api/v1/blocks/999", admin, nil, http.StatusNotFound, domain.CodeNotFound},
		{"duplicate lane", http.MethodPost, "/api/v1/blocks", admin, domain.BlockInput{Lane: "B_1"}, http.StatusConflict, domain.CodeConflict},
		{"grade too long", http.MethodPost, "/api/v1/blocks", admin, domain.BlockInput{Lane: "B_9", Grade: strings.Repeat("7", 21)}, http.StatusBadRequest, domain.CodeValidation},
		{"option order too large", http.MethodPost, "/api/v1/scoreoptions", admin, domain.ScoreOptionInput{BlockID: b2.ID, Key: "second", Order: 40000}, http.StatusBadRequest, domain.CodeValidation},
		{"duplicate key", http.MethodPost, "/api/v1/scoreoptions", admin, domain.ScoreOptionInput{BlockID: b2.ID, Key: "flash"}, http.StatusConflict, domain.CodeDuplicateKey},
		{"option of another block", http.MethodPost, "/api/v1/blockscores", user, domain.ScoreRequest{BlockID: b1.ID, ScoreOptionID: foreign.ID}, http.StatusBadRequest, domain.CodeValidation},
		{"malformed body", http.MethodPost, "/api/v1/blockscores", user, "not an object", http.StatusBadRequest, domain.CodeValidation},
		{"score for another participant", http.MethodPost, "/api/v1/blockscores", user, domain.ScoreRequest{ParticipantID: p.ID + 100, BlockID: b2.ID, ScoreOptionID: foreign.ID}, http.StatusForbidden, domain.CodePermissionDenied},
		{"other participant", http.MethodGet, fmt.Sprintf("/api/v1/participants/%d", p.ID+100), user, nil, http.StatusForbidden, domain.CodePermissionDenied},
		{"unknown cup", http.MethodGet, "/api/v1/standings/pro", "", nil, http.StatusBadRequest, domain.CodeValidation},
		{"wrong password", http.MethodPost, "/api/v1/login", "", LoginRequest{Email: "bo@example.com", Password: "wrong-horse"}, http.StatusUnauthorized, domain.CodeUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := s.do(tt.method, tt.path, tt.token, tt.body)
			if status != tt.status || resp.Code != string(tt.code) || resp.Success {
				t.Errorf("got %d %s %q, want %d %s", status, resp.Code, resp.Error, tt.status, tt.code)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Token abc", "abc", true},
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"abc", "", false},
		{"Token ", "", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", tt.header)
		token, ok := tokenFromRequest(req)
		if token != tt.token || ok != tt.ok {
			t.Errorf("tokenFromRequest(%q) = %q, %v", tt.header, token, ok)
		}
	}
}

func strPtr(s string) *string { return &s }

package handler

import (
	"net/http"
	"strings"

	"github.com/climb-ledger/internal/access"
	"github.com/climb-ledger/internal/domain"
)

// tokenFromRequest extracts the session token from the Authorization header.
// Both "Token <t>" and "Bearer <t>" are accepted.
func tokenFromRequest(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok {
		return "", false
	}
	if !strings.EqualFold(scheme, "Token") && !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// authenticate resolves the caller's token into a principal on the request
// context. Requests without a token continue anonymously; a bad token is
// rejected.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := tokenFromRequest(r)
		if !ok {
			h.writeError(w, r, domain.ErrUnauthenticated)
			return
		}

		principal, err := h.auth.Authenticate(r.Context(), token)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(access.WithPrincipal(r.Context(), principal)))
	})
}

// LoginRequest is the body of a login call
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login exchanges credentials for a session token
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	session, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, session)
}

// Logout ends the caller's session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	token, ok := tokenFromRequest(r)
	if !ok {
		h.writeError(w, r, domain.ErrUnauthenticated)
		return
	}
	if err := h.auth.Logout(r.Context(), token); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "logged_out"})
}

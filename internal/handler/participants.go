package handler

import (
	"net/http"
	"strconv"

	"github.com/climb-ledger/internal/access"
	"github.com/climb-ledger/internal/domain"
)

// ListParticipants returns the participants visible to the caller
func (h *Handler) ListParticipants(w http.ResponseWriter, r *http.Request) {
	filter := domain.ParticipantFilter{Cup: domain.ParseCup(r.URL.Query().Get("cup"))}
	if filter.Cup != "" && !filter.Cup.Valid() {
		h.writeError(w, r, domain.Invalid("unknown cup %q", filter.Cup))
		return
	}
	if raw := r.URL.Query().Get("is_staff"); raw != "" {
		staff, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, r, domain.Invalid("is_staff must be a boolean"))
			return
		}
		filter.IsStaff = &staff
	}

	participants, err := h.directory.List(r.Context(), access.PrincipalFrom(r.Context()), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, participants)
}

// RegisterParticipant creates an account. Anonymous callers may register.
func (h *Handler) RegisterParticipant(w http.ResponseWriter, r *http.Request) {
	var in domain.ParticipantInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.directory.Register(r.Context(), access.PrincipalFrom(r.Context()), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeCreated(w, p)
}

// GetParticipant returns one participant
func (h *Handler) GetParticipant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.directory.Get(r.Context(), access.PrincipalFrom(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, p)
}

// UpdateParticipant applies a profile patch. PUT and PATCH both only touch
// the fields present in the body.
func (h *Handler) UpdateParticipant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var in domain.ParticipantInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.directory.Update(r.Context(), access.PrincipalFrom(r.Context()), id, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, p)
}

// DeleteParticipant removes a participant and their scores
func (h *Handler) DeleteParticipant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.directory.Delete(r.Context(), access.PrincipalFrom(r.Context()), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "deleted"})
}

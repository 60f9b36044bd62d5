package handler

import (
	"net/http"

	"github.com/climb-ledger/internal/access"
	"github.com/climb-ledger/internal/domain"
)

// ListScores returns block scores in creation order. Non-staff callers only
// see their own.
func (h *Handler) ListScores(w http.ResponseWriter, r *http.Request) {
	participantID, err := queryID(r, "participant")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	blockID, err := queryID(r, "block")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	rows, err := h.ledger.ListScores(r.Context(), access.PrincipalFrom(r.Context()), domain.BlockScoreFilter{
		ParticipantID: participantID,
		BlockID:       blockID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, rows)
}

// RecordScore creates or updates a score on a block. The participant
// defaults to the caller; non-staff callers naming anyone else are denied.
func (h *Handler) RecordScore(w http.ResponseWriter, r *http.Request) {
	var req domain.ScoreRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	actor := access.PrincipalFrom(r.Context())
	if req.ParticipantID == 0 && actor.Authenticated() {
		req.ParticipantID = actor.ParticipantID
	}

	change, err := h.ledger.RecordScore(r.Context(), actor, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if change.Action == domain.ScoreRecorded {
		h.writeCreated(w, change)
		return
	}
	h.writeSuccess(w, change)
}

// GetScore returns one block score
func (h *Handler) GetScore(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	row, err := h.ledger.GetScore(r.Context(), access.PrincipalFrom(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, row)
}

// UpdateScore changes the option, and optionally the block, of a score
func (h *Handler) UpdateScore(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req domain.ScoreRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	change, err := h.ledger.UpdateScore(r.Context(), access.PrincipalFrom(r.Context()), id, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, change)
}

// DeleteScore removes a block score
func (h *Handler) DeleteScore(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	change, err := h.ledger.DeleteScore(r.Context(), access.PrincipalFrom(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, change)
}

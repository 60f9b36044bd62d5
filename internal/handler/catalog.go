package handler

import (
	"net/http"

	"github.com/climb-ledger/internal/access"
	"github.com/climb-ledger/internal/domain"
)

// ListBlocks returns blocks, optionally filtered by lane and grade
func (h *Handler) ListBlocks(w http.ResponseWriter, r *http.Request) {
	filter := domain.BlockFilter{
		Lane:  r.URL.Query().Get("lane"),
		Grade: r.URL.Query().Get("grade"),
	}

	blocks, err := h.catalog.ListBlocks(r.Context(), access.PrincipalFrom(r.Context()), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, blocks)
}

// CreateBlock defines a block
func (h *Handler) CreateBlock(w http.ResponseWriter, r *http.Request) {
	var in domain.BlockInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	block, err := h.catalog.DefineBlock(r.Context(), access.PrincipalFrom(r.Context()), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeCreated(w, block)
}

// GetBlock returns a block with its score options
func (h *Handler) GetBlock(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	block, err := h.catalog.GetBlock(r.Context(), access.PrincipalFrom(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, block)
}

// UpdateBlock rewrites a block
func (h *Handler) UpdateBlock(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var in domain.BlockInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	block, err := h.catalog.UpdateBlock(r.Context(), access.PrincipalFrom(r.Context()), id, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, block)
}

// DeleteBlock removes a block and its scores
func (h *Handler) DeleteBlock(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.catalog.DeleteBlock(r.Context(), access.PrincipalFrom(r.Context()), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "deleted"})
}

// ListScoreOptions returns score options, optionally for one block
func (h *Handler) ListScoreOptions(w http.ResponseWriter, r *http.Request) {
	blockID, err := queryID(r, "block")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	options, err := h.catalog.ListScoreOptions(r.Context(), access.PrincipalFrom(r.Context()), domain.ScoreOptionFilter{BlockID: blockID})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, options)
}

// CreateScoreOption adds an option to a block
func (h *Handler) CreateScoreOption(w http.ResponseWriter, r *http.Request) {
	var in domain.ScoreOptionInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	option, err := h.catalog.DefineScoreOption(r.Context(), access.PrincipalFrom(r.Context()), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeCreated(w, option)
}

// GetScoreOption returns one option
func (h *Handler) GetScoreOption(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	option, err := h.catalog.GetScoreOption(r.Context(), access.PrincipalFrom(r.Context()), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, option)
}

// UpdateScoreOption rewrites an option
func (h *Handler) UpdateScoreOption(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var in domain.ScoreOptionInput
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	option, err := h.catalog.UpdateScoreOption(r.Context(), access.PrincipalFrom(r.Context()), id, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, option)
}

// DeleteScoreOption removes an unused option
func (h *Handler) DeleteScoreOption(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if err := h.catalog.DeleteScoreOption(r.Context(), access.PrincipalFrom(r.Context()), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "deleted"})
}

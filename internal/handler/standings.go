package handler

import (
	"net/http"
	"strconv"

	"github.com/climb-ledger/internal/domain"
	"github.com/go-chi/chi/v5"
)

// GetStandings returns the top of a cup's ranking
func (h *Handler) GetStandings(w http.ResponseWriter, r *http.Request) {
	cup := domain.ParseCup(chi.URLParam(r, "cup"))

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	standings, err := h.standings.Top(r.Context(), cup, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, standings)
}

// GetStanding returns one participant's position in a cup
func (h *Handler) GetStanding(w http.ResponseWriter, r *http.Request) {
	cup := domain.ParseCup(chi.URLParam(r, "cup"))
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	standing, err := h.standings.Rank(r.Context(), cup, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSuccess(w, standing)
}

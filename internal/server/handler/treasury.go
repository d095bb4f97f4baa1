package handler

import (
	"log/slog"
	"net/http"

	"github.com/raceswap/raced/internal/domain"
)

// TreasuryHandler serves the treasury state endpoint.
type TreasuryHandler struct {
	treasury domain.TreasuryStore
	logger   *slog.Logger
}

// NewTreasuryHandler creates a TreasuryHandler.
func NewTreasuryHandler(treasury domain.TreasuryStore, logger *slog.Logger) *TreasuryHandler {
	return &TreasuryHandler{treasury: treasury, logger: logger}
}

// GetTreasury returns the jackpot balances and the maintenance flag.
// GET /api/treasury
func (h *TreasuryHandler) GetTreasury(w http.ResponseWriter, r *http.Request) {
	state, err := h.treasury.Get(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get treasury failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get treasury state")
		return
	}

	writeJSON(w, http.StatusOK, state)
}

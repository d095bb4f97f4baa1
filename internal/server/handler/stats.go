package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/raceswap/raced/internal/domain"
	"github.com/raceswap/raced/internal/transfer"
)

// StatsHandler serves the leaderboard and per-wallet aggregate endpoints.
type StatsHandler struct {
	results domain.ResultStore
	logger  *slog.Logger
}

// NewStatsHandler creates a StatsHandler.
func NewStatsHandler(results domain.ResultStore, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{results: results, logger: logger}
}

// Leaderboard returns the highest-scoring wallets.
// GET /api/stats/leaderboard?limit=20
func (h *StatsHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	stats, err := h.results.ListTopStats(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: leaderboard failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load leaderboard")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": stats, "limit": limit})
}

// GetWallet returns the running aggregate for one wallet.
// GET /api/stats/{wallet}
func (h *StatsHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet := transfer.NormalizeAddress(pathParam(r, "wallet"))
	if wallet == "" {
		writeError(w, http.StatusBadRequest, "missing wallet")
		return
	}

	stats, err := h.results.GetStats(r.Context(), wallet)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "wallet has no recorded races")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get wallet stats failed",
			slog.String("wallet", wallet),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get wallet stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

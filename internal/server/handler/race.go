package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/raceswap/raced/internal/domain"
)

// RaceHandler serves race-related HTTP endpoints: the race list, individual
// race detail, and the per-race bet, transfer, and result views.
type RaceHandler struct {
	races     domain.RaceStore
	cache     domain.RaceCache
	bets      domain.BetStore
	transfers domain.TransferStore
	results   domain.ResultStore
	logger    *slog.Logger
}

// NewRaceHandler creates a RaceHandler. cache may be nil, in which case every
// read goes to the store.
func NewRaceHandler(
	races domain.RaceStore,
	cache domain.RaceCache,
	bets domain.BetStore,
	transfers domain.TransferStore,
	results domain.ResultStore,
	logger *slog.Logger,
) *RaceHandler {
	return &RaceHandler{
		races:     races,
		cache:     cache,
		bets:      bets,
		transfers: transfers,
		results:   results,
		logger:    logger,
	}
}

// listRacesResponse wraps the list endpoint output with paging metadata.
type listRacesResponse struct {
	Races  []domain.Race `json:"races"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ListRaces returns races ordered newest first.
// GET /api/races?limit=50&offset=0&since=...&until=...
func (h *RaceHandler) ListRaces(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	races, err := h.races.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list races failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list races")
		return
	}

	writeJSON(w, http.StatusOK, listRacesResponse{
		Races:  races,
		Limit:  opts.Limit,
		Offset: opts.Offset,
	})
}

// GetRace returns a single race by its ID, read through the cache.
// GET /api/races/{id}
func (h *RaceHandler) GetRace(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing race id")
		return
	}

	if h.cache != nil {
		if race, err := h.cache.Get(r.Context(), id); err == nil {
			writeJSON(w, http.StatusOK, race)
			return
		}
	}

	race, err := h.races.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "race not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get race failed",
			slog.String("race_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get race")
		return
	}

	if h.cache != nil {
		_ = h.cache.Set(r.Context(), race)
	}
	writeJSON(w, http.StatusOK, race)
}

// ListBets returns every bet placed on a race, in placement order.
// GET /api/races/{id}/bets
func (h *RaceHandler) ListBets(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing race id")
		return
	}

	bets, err := h.bets.ListByRace(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list bets failed",
			slog.String("race_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list bets")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"race_id": id, "bets": bets})
}

// ListTransfers returns the settlement transfer ledger for a race.
// GET /api/races/{id}/transfers
func (h *RaceHandler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing race id")
		return
	}

	transfers, err := h.transfers.ListByRace(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list transfers failed",
			slog.String("race_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list transfers")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"race_id": id, "transfers": transfers})
}

// ListResults returns the per-wallet results recorded when the race settled.
// GET /api/races/{id}/results
func (h *RaceHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing race id")
		return
	}

	results, err := h.results.ListResultsByRace(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list results failed",
			slog.String("race_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"race_id": id, "results": results})
}

package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/raceswap/raced/internal/domain"
	"github.com/raceswap/raced/internal/engine"
)

// TransitionDriver is the state machine as seen by the admin control plane.
// Admin-forced transitions go through the exact same entry point as the
// scheduler, so every invariant holds on the admin path too.
type TransitionDriver interface {
	Transition(ctx context.Context, raceID string, target domain.RaceStatus, actor engine.Actor) (domain.Race, error)
}

// AdminHandler serves the admin control plane: forced transitions, the
// maintenance toggle, the audit log, and the cold-storage archives.
type AdminHandler struct {
	machine  TransitionDriver
	treasury domain.TreasuryStore
	audit    domain.AuditStore
	archives domain.BlobReader
	logger   *slog.Logger
}

// NewAdminHandler creates an AdminHandler. archives may be nil when blob
// storage is not wired; the archive endpoints then report 503.
func NewAdminHandler(machine TransitionDriver, treasury domain.TreasuryStore, audit domain.AuditStore, archives domain.BlobReader, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		machine:  machine,
		treasury: treasury,
		audit:    audit,
		archives: archives,
		logger:   logger,
	}
}

// transitionRequest is the body of a forced-transition request.
type transitionRequest struct {
	Target string `json:"target"`
}

// ForceTransition drives a race into the requested state.
// POST /api/admin/races/{id}/transition {"target": "cancelled"}
func (h *AdminHandler) ForceTransition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing race id")
		return
	}

	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target := domain.RaceStatus(req.Target)
	if !domain.ValidStatus(target) {
		writeError(w, http.StatusBadRequest, "unknown target status "+req.Target)
		return
	}

	race, err := h.machine.Transition(r.Context(), id, target, engine.ActorAdmin)
	if err != nil {
		h.writeTransitionError(w, r, id, target, err)
		return
	}

	writeJSON(w, http.StatusOK, race)
}

// writeTransitionError maps state machine failures to HTTP statuses.
func (h *AdminHandler) writeTransitionError(w http.ResponseWriter, r *http.Request, id string, target domain.RaceStatus, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "race not found")
	case domain.IsInvalidTransition(err):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrTooEarly):
		writeError(w, http.StatusConflict, "transition not yet due")
	case errors.Is(err, domain.ErrConcurrentLiveRace):
		writeError(w, http.StatusConflict, "another race is live")
	case errors.Is(err, domain.ErrMaintenance):
		writeError(w, http.StatusConflict, "maintenance mode active")
	default:
		h.logger.ErrorContext(r.Context(), "handler: forced transition failed",
			slog.String("race_id", id),
			slog.String("target", string(target)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "transition failed")
	}
}

// maintenanceRequest is the body of a maintenance toggle request.
type maintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

// SetMaintenance toggles maintenance mode. While enabled, no new race can
// lock; running races finish normally.
// POST /api/admin/maintenance {"enabled": true}
func (h *AdminHandler) SetMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	state, err := h.treasury.Get(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get treasury failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load treasury state")
		return
	}

	state.Maintenance = req.Enabled
	state.UpdatedAt = time.Now().UTC()
	if err := h.treasury.Put(r.Context(), state); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: set maintenance failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to update maintenance mode")
		return
	}

	if h.audit != nil {
		_ = h.audit.Log(r.Context(), "maintenance_toggled", map[string]any{
			"enabled": req.Enabled,
		})
	}
	h.logger.InfoContext(r.Context(), "maintenance mode toggled",
		slog.Bool("enabled", req.Enabled),
	)

	writeJSON(w, http.StatusOK, state)
}

// ListArchives enumerates archived objects in cold storage.
// GET /api/admin/archives?prefix=archive/races/
func (h *AdminHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusServiceUnavailable, "blob storage not configured")
		return
	}

	prefix := r.URL.Query().Get("prefix")
	objects, err := h.archives.List(r.Context(), prefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives failed",
			slog.String("prefix", prefix),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"objects": objects,
		"count":   len(objects),
	})
}

// GetArchive streams one archived object.
// GET /api/admin/archives/{path...}
func (h *AdminHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusServiceUnavailable, "blob storage not configured")
		return
	}
	path := pathParam(r, "path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing archive path")
		return
	}

	body, err := h.archives.Get(r.Context(), path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "archive not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get archive failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to fetch archive")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: archive stream interrupted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// DeleteArchive prunes one archived object. Idempotent.
// DELETE /api/admin/archives/{path...}
func (h *AdminHandler) DeleteArchive(w http.ResponseWriter, r *http.Request) {
	if h.archives == nil {
		writeError(w, http.StatusServiceUnavailable, "blob storage not configured")
		return
	}
	path := pathParam(r, "path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "missing archive path")
		return
	}

	if err := h.archives.Delete(r.Context(), path); err != nil {
		h.logger.ErrorContext(r.Context(), "handler: delete archive failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to delete archive")
		return
	}

	if h.audit != nil {
		_ = h.audit.Log(r.Context(), "archive_deleted", map[string]any{
			"path": path,
		})
	}

	writeJSON(w, http.StatusOK, map[string]string{"deleted": path})
}

// ListAudit returns audit log entries, newest first.
// GET /api/admin/audit?limit=50&offset=0&since=...&until=...
func (h *AdminHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

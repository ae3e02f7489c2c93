package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// ArchiveTriggerHandler lets operators request an out-of-schedule archive run.
type ArchiveTriggerHandler struct {
	logger    *slog.Logger
	triggerCh chan<- struct{}
}

// NewArchiveTriggerHandler creates an ArchiveTriggerHandler. Sending on ch
// must cause the archive job to run once.
func NewArchiveTriggerHandler(ch chan<- struct{}, logger *slog.Logger) *ArchiveTriggerHandler {
	return &ArchiveTriggerHandler{triggerCh: ch, logger: logger}
}

// Trigger enqueues one archive run. A run that is already queued absorbs the
// request.
// POST /api/admin/archive/run
func (h *ArchiveTriggerHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	status := "queued"
	select {
	case h.triggerCh <- struct{}{}:
	default:
		status = "already_queued"
	}
	h.logger.InfoContext(r.Context(), "handler: archive run requested", slog.String("status", status))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       status,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}

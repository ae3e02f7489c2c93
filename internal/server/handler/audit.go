package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/event"
)

// HistoryService defines the methods that the history handler requires.
type HistoryService interface {
	ListAudit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
	Events(ctx context.Context, after string, limit int) ([]domain.StreamMessage, error)
}

// HistoryHandler serves the audit log and the event backlog.
type HistoryHandler struct {
	history HistoryService
	logger  *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler with the given service and logger.
func NewHistoryHandler(history HistoryService, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		history: history,
		logger:  logger,
	}
}

// ListAudit returns audit entries, newest first.
// GET /api/audit?limit=50&offset=0&since=...&until=...
func (h *HistoryHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.history.ListAudit(r.Context(), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}
	out := make([]auditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditView{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// Events pages through the committed event backlog in order. Pass the last
// seen stream ID as after to continue.
// GET /api/events?after=0&limit=100
func (h *HistoryHandler) Events(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	msgs, err := h.history.Events(r.Context(), after, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "read events", err)
		return
	}

	events := make([]map[string]any, 0, len(msgs))
	next := after
	for _, m := range msgs {
		next = m.ID
		e, err := event.Decode(m.Payload)
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: skipping undecodable event",
				slog.String("stream_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		fields := event.Fields(e)
		fields["stream_id"] = m.ID
		events = append(events, fields)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "next": next})
}

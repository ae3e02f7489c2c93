package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type errorKind struct {
	err    error
	status int
	code   string
}

// errorKinds maps domain errors to responses. Order matters: the first match
// wins.
var errorKinds = []errorKind{
	{domain.ErrInvalidAuthorization, http.StatusForbidden, "invalid_authorization"},
	{domain.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{domain.ErrInactiveOperationBlocked, http.StatusConflict, "inactive_operation_blocked"},
	{domain.ErrDelegationFailed, http.StatusBadGateway, "delegation_failed"},
	{domain.ErrTransferFailed, http.StatusUnprocessableEntity, "transfer_failed"},
	{domain.ErrAmountOverflow, http.StatusUnprocessableEntity, "amount_overflow"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrAlreadyExists, http.StatusConflict, "already_exists"},
	{domain.ErrReplayedCommand, http.StatusConflict, "replayed_command"},
	{domain.ErrLockHeld, http.StatusConflict, "busy"},
	{domain.ErrCommandExpired, http.StatusBadRequest, "command_expired"},
	{domain.ErrBadCommand, http.StatusBadRequest, "bad_command"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
}

// classify returns the HTTP status and stable error code for err.
func classify(err error) (int, string) {
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.status, k.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

// writeServiceError reports a service error. Known domain errors carry their
// message to the client; anything else is logged and hidden behind a 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, action string, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+action+" failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, map[string]string{"error": action + " failed", "code": code})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "code": code})
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0. since and until are RFC 3339.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	opts := domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
	if t, err := time.Parse(time.RFC3339, q.Get("since")); err == nil {
		opts.Since = &t
	}
	if t, err := time.Parse(time.RFC3339, q.Get("until")); err == nil {
		opts.Until = &t
	}
	opts.Event = q.Get("event")
	if v := q.Get("pool"); common.IsHexAddress(v) {
		pool := common.HexToAddress(v)
		opts.Pool = &pool
	}
	return opts
}

// pathAddress parses a hex address path parameter.
func pathAddress(r *http.Request, name string) (common.Address, bool) {
	v := r.PathValue(name)
	if !common.IsHexAddress(v) {
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

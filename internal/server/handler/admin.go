package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// AdminService defines the operator-only methods.
type AdminService interface {
	Fund(ctx context.Context, account common.Address, amount uint64) (uint64, error)
	OpenTokenAccount(ctx context.Context, account, owner common.Address) error
}

// ArchiveCatalog reads archived audit exports from object storage.
type ArchiveCatalog interface {
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

// archivePrefix is the only key space the archive endpoints may touch.
const archivePrefix = "archive/"

// AdminHandler serves operator endpoints. It must sit behind admin auth.
type AdminHandler struct {
	admin    AdminService
	archives ArchiveCatalog
	logger   *slog.Logger
}

// NewAdminHandler creates an AdminHandler with the given service and logger.
func NewAdminHandler(admin AdminService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		admin:  admin,
		logger: logger,
	}
}

// WithArchives enables the archive browsing endpoints.
func (h *AdminHandler) WithArchives(c ArchiveCatalog) *AdminHandler {
	h.archives = c
	return h
}

// Archives reports whether the archive endpoints are enabled.
func (h *AdminHandler) Archives() bool { return h.archives != nil }

type fundRequest struct {
	Amount string `json:"amount"`
}

// Fund credits native units to an account.
// POST /api/admin/accounts/{address}/fund
func (h *AdminHandler) Fund(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	amount, err := strconv.ParseUint(req.Amount, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal uint64")
		return
	}

	bal, err := h.admin.Fund(r.Context(), account, amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "fund account", err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: account funded",
		slog.String("account", account.Hex()),
		slog.Uint64("amount", amount),
	)
	writeJSON(w, http.StatusOK, map[string]string{
		"account": account.Hex(),
		"balance": strconv.FormatUint(bal, 10),
	})
}

type openTokenAccountRequest struct {
	Account common.Address `json:"account"`
	Owner   common.Address `json:"owner"`
}

// OpenTokenAccount registers a token account in the token subsystem.
// POST /api/admin/token-accounts
func (h *AdminHandler) OpenTokenAccount(w http.ResponseWriter, r *http.Request) {
	var req openTokenAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.admin.OpenTokenAccount(r.Context(), req.Account, req.Owner); err != nil {
		writeServiceError(w, r, h.logger, "open token account", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"account": req.Account.Hex(),
		"owner":   req.Owner.Hex(),
	})
}

type archiveView struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// archivePath extracts and checks the object path of an archive request.
func archivePath(r *http.Request) (string, bool) {
	p := r.PathValue("path")
	if p == "" || strings.Contains(p, "..") {
		return "", false
	}
	return archivePrefix + p, true
}

// ListArchives lists archived exports, optionally under a sub-prefix such as
// audit/2026-03/.
// GET /api/admin/archives
func (h *AdminHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	sub := strings.TrimPrefix(r.URL.Query().Get("prefix"), "/")
	if strings.Contains(sub, "..") {
		writeError(w, http.StatusBadRequest, "invalid prefix")
		return
	}
	infos, err := h.archives.List(r.Context(), archivePrefix+sub)
	if err != nil {
		writeServiceError(w, r, h.logger, "list archives", err)
		return
	}
	out := make([]archiveView, 0, len(infos))
	for _, info := range infos {
		out = append(out, archiveView{
			Path:         strings.TrimPrefix(info.Path, archivePrefix),
			Size:         info.Size,
			LastModified: info.LastModified,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": out})
}

// GetArchive streams one archived export.
// GET /api/admin/archives/{path...}
func (h *AdminHandler) GetArchive(w http.ResponseWriter, r *http.Request) {
	path, ok := archivePath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid archive path")
		return
	}
	body, err := h.archives.Get(r.Context(), path)
	if err != nil {
		writeServiceError(w, r, h.logger, "get archive", err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.WarnContext(r.Context(), "handler: archive stream interrupted",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// DeleteArchive removes one archived export.
// DELETE /api/admin/archives/{path...}
func (h *AdminHandler) DeleteArchive(w http.ResponseWriter, r *http.Request) {
	path, ok := archivePath(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid archive path")
		return
	}
	if err := h.archives.Delete(r.Context(), path); err != nil {
		writeServiceError(w, r, h.logger, "delete archive", err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: archive deleted", slog.String("path", path))
	w.WriteHeader(http.StatusNoContent)
}

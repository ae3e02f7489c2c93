package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// LedgerQueries defines the read methods that the ledger handler requires.
type LedgerQueries interface {
	GetPool(ctx context.Context, id common.Address) (domain.Pool, error)
	GetPosition(ctx context.Context, owner, pool common.Address) (domain.Position, error)
	ListPositions(ctx context.Context, pool common.Address, opts domain.ListOpts) ([]domain.Position, error)
	Balance(ctx context.Context, account common.Address) (uint64, error)
	Allowance(ctx context.Context, account, spender common.Address) (uint64, error)
}

// LedgerHandler serves read-only views of pools, positions and balances.
type LedgerHandler struct {
	ledger LedgerQueries
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler with the given service and logger.
func NewLedgerHandler(ledger LedgerQueries, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger: ledger,
		logger: logger,
	}
}

// GetPool returns one pool.
// GET /api/pools/{id}
func (h *LedgerHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	pool, err := h.ledger.GetPool(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get pool", err)
		return
	}
	writeJSON(w, http.StatusOK, newPoolView(pool))
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []positionView `json:"positions"`
}

// ListPositions pages through the positions of one pool.
// GET /api/pools/{id}/positions?limit=50&offset=0
func (h *LedgerHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	positions, err := h.ledger.ListPositions(r.Context(), id, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}

	resp := listPositionsResponse{Positions: make([]positionView, 0, len(positions))}
	for _, p := range positions {
		resp.Positions = append(resp.Positions, newPositionView(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPosition returns the position of owner in a pool.
// GET /api/pools/{id}/positions/{owner}
func (h *LedgerHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := pathAddress(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid pool id")
		return
	}
	owner, ok := pathAddress(r, "owner")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid owner address")
		return
	}
	pos, err := h.ledger.GetPosition(r.Context(), owner, id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, newPositionView(pos))
}

// Balance returns the native balance of an account. Unknown accounts hold
// zero.
// GET /api/accounts/{address}/balance
func (h *LedgerHandler) Balance(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(r, "address")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	bal, err := h.ledger.Balance(r.Context(), account)
	if err != nil {
		writeServiceError(w, r, h.logger, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account": account.Hex(),
		"balance": strconv.FormatUint(bal, 10),
	})
}

// Allowance returns what spender may move from a token account.
// GET /api/token-accounts/{account}/allowances/{spender}
func (h *LedgerHandler) Allowance(w http.ResponseWriter, r *http.Request) {
	account, ok := pathAddress(r, "account")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid token account")
		return
	}
	spender, ok := pathAddress(r, "spender")
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid spender")
		return
	}
	amount, err := h.ledger.Allowance(r.Context(), account, spender)
	if err != nil {
		writeServiceError(w, r, h.logger, "get allowance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"account":   account.Hex(),
		"spender":   spender.Hex(),
		"allowance": strconv.FormatUint(amount, 10),
	})
}

package handler

import (
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// StatusHandler reports how this ledger instance is configured.
type StatusHandler struct {
	Mode         string
	Operator     common.Address
	ChainID      int64
	StrictPhases bool
	StartedAt    time.Time
}

// GetStatus responds with the mode, receipt signer and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"operator":       h.Operator.Hex(),
		"chain_id":       h.ChainID,
		"strict_phases":  h.StrictPhases,
		"started_at":     h.StartedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}

package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/poolledger/internal/event"
	"github.com/alanyoungcy/poolledger/internal/service"
)

// maxCommandBody caps the size of a command envelope.
const maxCommandBody = 64 << 10

// CommandService defines the methods that the command handler requires.
type CommandService interface {
	Submit(ctx context.Context, cmd service.SignedCommand) (service.Receipt, error)
}

// CommandHandler accepts signed ledger commands.
type CommandHandler struct {
	commands CommandService
	logger   *slog.Logger
}

// NewCommandHandler creates a CommandHandler with the given service and logger.
func NewCommandHandler(commands CommandService, logger *slog.Logger) *CommandHandler {
	return &CommandHandler{
		commands: commands,
		logger:   logger,
	}
}

// Submit executes one signed command and returns its receipt.
// POST /api/commands
func (h *CommandHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var cmd service.SignedCommand
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody)).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if cmd.Payload == "" || cmd.Signature == "" {
		writeError(w, http.StatusBadRequest, "payload and signature are required")
		return
	}

	receipt, err := h.commands.Submit(r.Context(), cmd)
	if err != nil {
		writeServiceError(w, r, h.logger, "submit command", err)
		return
	}

	writeJSON(w, http.StatusOK, newReceiptView(receipt))
}

func newReceiptView(rc service.Receipt) receiptView {
	v := receiptView{
		CommandHash: rc.CommandHash.Hex(),
		Op:          rc.Op,
		Caller:      rc.Caller.Hex(),
		EventID:     rc.EventID,
		ExecutedAt:  rc.ExecutedAt,
		Operator:    rc.Operator.Hex(),
		Signature:   rc.Signature,
		Event:       event.Fields(rc.Event),
	}
	if rc.Pool.ID != (common.Address{}) {
		pv := newPoolView(rc.Pool)
		v.Pool = &pv
	}
	if rc.Position != nil {
		pv := newPositionView(*rc.Position)
		v.Position = &pv
	}
	return v
}

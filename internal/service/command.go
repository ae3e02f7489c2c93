package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// SignedCommand is the wire envelope of a ledger command. Payload is the
// exact JSON text that was signed.
type SignedCommand struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// CommandPayload is the signed content of a command.
type CommandPayload struct {
	Op        string          `json:"op"`
	Caller    common.Address  `json:"caller"`
	Nonce     string          `json:"nonce"`
	ChainID   int64           `json:"chain_id"`
	ExpiresAt int64           `json:"expires_at"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// MessageSigner signs command payloads on behalf of a caller.
type MessageSigner interface {
	SignMessage(msg []byte) (string, error)
	Address() common.Address
	ChainID() int64
}

// SignCommand builds a command envelope for op signed by s and bound to the
// signer's chain id. args is encoded as the operation's JSON arguments and
// may be nil.
func SignCommand(s MessageSigner, op, nonce string, expiresAt time.Time, args any) (SignedCommand, error) {
	var raw json.RawMessage
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return SignedCommand{}, fmt.Errorf("service: encode %s args: %w", op, err)
		}
		raw = b
	}
	payload, err := json.Marshal(CommandPayload{
		Op:        op,
		Caller:    s.Address(),
		Nonce:     nonce,
		ChainID:   s.ChainID(),
		ExpiresAt: expiresAt.Unix(),
		Args:      raw,
	})
	if err != nil {
		return SignedCommand{}, fmt.Errorf("service: encode %s payload: %w", op, err)
	}
	sig, err := s.SignMessage(payload)
	if err != nil {
		return SignedCommand{}, fmt.Errorf("service: sign %s: %w", op, err)
	}
	return SignedCommand{Payload: string(payload), Signature: sig}, nil
}

// Expiry returns the payload's expiry time.
func (p CommandPayload) Expiry() time.Time { return time.Unix(p.ExpiresAt, 0).UTC() }

func parsePayload(raw string) (CommandPayload, error) {
	if raw == "" {
		return CommandPayload{}, fmt.Errorf("empty payload: %w", domain.ErrBadCommand)
	}
	var p CommandPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return CommandPayload{}, fmt.Errorf("%w: %v", domain.ErrBadCommand, err)
	}
	switch {
	case p.Op == "":
		return CommandPayload{}, fmt.Errorf("missing op: %w", domain.ErrBadCommand)
	case p.Caller == (common.Address{}):
		return CommandPayload{}, fmt.Errorf("missing caller: %w", domain.ErrBadCommand)
	case p.Nonce == "":
		return CommandPayload{}, fmt.Errorf("missing nonce: %w", domain.ErrBadCommand)
	case p.ChainID <= 0:
		return CommandPayload{}, fmt.Errorf("missing chain_id: %w", domain.ErrBadCommand)
	case p.ExpiresAt <= 0:
		return CommandPayload{}, fmt.Errorf("missing expires_at: %w", domain.ErrBadCommand)
	}
	return p, nil
}

// Receipt acknowledges an executed command. The operator signs it so the
// caller can later prove the ledger accepted the command.
type Receipt struct {
	CommandHash common.Hash
	Op          string
	Caller      common.Address
	EventID     string
	ExecutedAt  time.Time
	Operator    common.Address
	Signature   string

	Event    domain.LedgerEvent
	Pool     domain.Pool
	Position *domain.Position
}

package handler

import (
	"strconv"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// Amounts are rendered as decimal strings; JSON numbers lose precision above
// 2^53.

type poolView struct {
	ID            string    `json:"id"`
	Owner         string    `json:"owner"`
	TokenDelegate string    `json:"token_delegate"`
	Seed          string    `json:"seed"`
	FeePercent    uint64    `json:"fee_percent"`
	RewardBalance string    `json:"reward_balance"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func newPoolView(p domain.Pool) poolView {
	return poolView{
		ID:            p.ID.Hex(),
		Owner:         p.Owner.Hex(),
		TokenDelegate: p.TokenDelegate.Hex(),
		Seed:          p.Seed.Hex(),
		FeePercent:    p.FeePercent,
		RewardBalance: strconv.FormatUint(p.RewardBalance, 10),
		Active:        p.Active,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

type positionView struct {
	Owner     string    `json:"owner"`
	Pool      string    `json:"pool"`
	Amount    string    `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newPositionView(p domain.Position) positionView {
	return positionView{
		Owner:     p.Owner.Hex(),
		Pool:      p.Pool.Hex(),
		Amount:    strconv.FormatUint(p.Amount, 10),
		Status:    p.Status.String(),
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}

type receiptView struct {
	CommandHash string         `json:"command_hash"`
	Op          string         `json:"op"`
	Caller      string         `json:"caller"`
	EventID     string         `json:"event_id"`
	ExecutedAt  time.Time      `json:"executed_at"`
	Operator    string         `json:"operator"`
	Signature   string         `json:"signature,omitempty"`
	Pool        *poolView      `json:"pool,omitempty"`
	Position    *positionView  `json:"position,omitempty"`
	Event       map[string]any `json:"event"`
}

type auditView struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

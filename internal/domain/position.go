package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PositionStatus is the phase of a depositor's position. The numeric values
// are persisted and must not change.
type PositionStatus uint8

const (
	PositionIdle             PositionStatus = 0
	PositionDepositPending   PositionStatus = 1
	PositionWithdrawApproved PositionStatus = 2
)

func (s PositionStatus) String() string {
	switch s {
	case PositionIdle:
		return "idle"
	case PositionDepositPending:
		return "deposit_pending"
	case PositionWithdrawApproved:
		return "withdraw_approved"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Valid reports whether s is one of the three known phases.
func (s PositionStatus) Valid() bool {
	return s <= PositionWithdrawApproved
}

// PositionKey identifies the single position a depositor holds in a pool.
type PositionKey struct {
	Owner common.Address
	Pool  common.Address
}

func (k PositionKey) String() string {
	return k.Owner.Hex() + ":" + k.Pool.Hex()
}

// Position tracks a depositor's in-flight deposit or withdrawal in one pool.
// Amount is only meaningful while Status is not Idle.
type Position struct {
	Owner     common.Address
	Pool      common.Address
	Amount    uint64
	Status    PositionStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the store key of the position.
func (p Position) Key() PositionKey {
	return PositionKey{Owner: p.Owner, Pool: p.Pool}
}

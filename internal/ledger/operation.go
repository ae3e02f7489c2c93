package ledger

import (
	"context"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Operation is one named ledger transition. Validate evaluates every
// precondition without mutating anything; Apply performs the effects. Both
// run inside the same atomic unit.
type Operation interface {
	Name() string
	Targets(caller Caller) Targets
	Validate(ctx context.Context, f *Frame) error
	Apply(ctx context.Context, f *Frame) error
}

// Targets names the records an operation reads and writes.
type Targets struct {
	Pool       common.Address
	CreatePool bool

	Position       *domain.PositionKey
	CreatePosition bool
}

// Frame is the working set of one operation: the caller, the loaded records
// and the open ledger transaction.
type Frame struct {
	Caller   Caller
	Pool     *domain.Pool
	Position *domain.Position
	Now      time.Time

	tx        domain.LedgerTx
	opts      Options
	delegator domain.TokenDelegator
	result    Result

	poolDirty     bool
	positionDirty bool
}

// Tx returns the ledger transaction the frame runs in.
func (f *Frame) Tx() domain.LedgerTx { return f.tx }

// Strict reports whether phase guards are enforced.
func (f *Frame) Strict() bool { return f.opts.StrictPhases }

func (f *Frame) touchPool()     { f.poolDirty = true }
func (f *Frame) touchPosition() { f.positionDirty = true }

// Result describes a committed operation.
type Result struct {
	Op       string
	Pool     domain.Pool
	Position *domain.Position
	Subject  common.Address
	Amount   uint64
	Fee      uint64
	Flag     bool
	// Branch is "owner" or "delegate" for claims.
	Branch string
	At     time.Time
}

// Event converts the result into a ledger event for caller.
func (r Result) Event(id string, caller common.Address) domain.LedgerEvent {
	return domain.LedgerEvent{
		ID:      id,
		Op:      r.Op,
		Caller:  caller,
		Pool:    r.Pool.ID,
		Subject: r.Subject,
		Amount:  r.Amount,
		Fee:     r.Fee,
		Flag:    r.Flag,
		Branch:  r.Branch,
		At:      r.At,
	}
}

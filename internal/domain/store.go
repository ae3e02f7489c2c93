package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time

	// Audit-only filters.
	Event string
	Pool  *common.Address
}

// LedgerTx is the view of the ledger available inside one atomic unit. Reads
// of pools and positions lock the record for the rest of the unit.
type LedgerTx interface {
	GetPool(ctx context.Context, id common.Address) (Pool, error)
	PutPool(ctx context.Context, pool Pool) error
	GetPosition(ctx context.Context, key PositionKey) (Position, error)
	PutPosition(ctx context.Context, pos Position) error

	// Native balance boundary.
	Balance(ctx context.Context, account common.Address) (uint64, error)
	Debit(ctx context.Context, account common.Address, amount uint64) error
	Credit(ctx context.Context, account common.Address, amount uint64) error
}

// LedgerStore runs atomic units against the persisted ledger. If fn returns
// an error nothing it wrote is kept.
type LedgerStore interface {
	Atomic(ctx context.Context, fn func(tx LedgerTx) error) error
}

// LedgerReader serves read-only queries outside of an atomic unit.
type LedgerReader interface {
	GetPool(ctx context.Context, id common.Address) (Pool, error)
	GetPosition(ctx context.Context, key PositionKey) (Position, error)
	ListPositions(ctx context.Context, pool common.Address, opts ListOpts) ([]Position, error)
	Balance(ctx context.Context, account common.Address) (uint64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]AuditEntry, error)
}

// AuditPruner removes audit entries that have been archived.
type AuditPruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// TokenDelegator is the token subsystem that records spend authorizations on
// token-denominated accounts. It is separate from the native ledger.
type TokenDelegator interface {
	// AccountOwner returns the principal controlling a token account.
	AccountOwner(ctx context.Context, account common.Address) (common.Address, error)
	// Approve lets spender move up to amount from account.
	Approve(ctx context.Context, account, spender common.Address, amount uint64) error
}

// NonceGuard rejects reuse of a command nonce by the same caller.
type NonceGuard interface {
	// Claim records nonce for caller until ttl elapses. It returns
	// ErrReplayedCommand when the nonce was already claimed.
	Claim(ctx context.Context, caller common.Address, nonce string, ttl time.Duration) error
}

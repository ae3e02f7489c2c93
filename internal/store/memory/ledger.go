// Package memory provides in-process implementations of the ledger stores,
// used by the memory run mode and by tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Ledger is a mutex-serialized ledger. Each atomic unit writes to a staged
// overlay that is merged only when the unit succeeds.
type Ledger struct {
	mu        sync.RWMutex
	pools     map[common.Address]domain.Pool
	positions map[domain.PositionKey]domain.Position
	balances  map[common.Address]uint64
}

// NewLedger returns an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		pools:     make(map[common.Address]domain.Pool),
		positions: make(map[domain.PositionKey]domain.Position),
		balances:  make(map[common.Address]uint64),
	}
}

// Atomic runs fn against a staged view. Units never interleave.
func (l *Ledger) Atomic(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &stagedTx{
		base:      l,
		pools:     make(map[common.Address]domain.Pool),
		positions: make(map[domain.PositionKey]domain.Position),
		balances:  make(map[common.Address]uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.pools {
		l.pools[k] = v
	}
	for k, v := range tx.positions {
		l.positions[k] = v
	}
	for k, v := range tx.balances {
		l.balances[k] = v
	}
	return nil
}

// GetPool returns the committed pool with the given ID.
func (l *Ledger) GetPool(_ context.Context, id common.Address) (domain.Pool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pools[id]
	if !ok {
		return domain.Pool{}, fmt.Errorf("memory: pool %s: %w", id.Hex(), domain.ErrNotFound)
	}
	return p, nil
}

// GetPosition returns the committed position for key.
func (l *Ledger) GetPosition(_ context.Context, key domain.PositionKey) (domain.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[key]
	if !ok {
		return domain.Position{}, fmt.Errorf("memory: position %s: %w", key, domain.ErrNotFound)
	}
	return p, nil
}

// ListPositions returns positions in pool ordered by owner address.
func (l *Ledger) ListPositions(_ context.Context, pool common.Address, opts domain.ListOpts) ([]domain.Position, error) {
	l.mu.RLock()
	var out []domain.Position
	for k, p := range l.positions {
		if k.Pool == pool {
			out = append(out, p)
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Owner[:], out[j].Owner[:]) < 0
	})
	return page(out, opts), nil
}

// Balance returns the committed native balance of account.
func (l *Ledger) Balance(_ context.Context, account common.Address) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[account], nil
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

type stagedTx struct {
	base      *Ledger
	pools     map[common.Address]domain.Pool
	positions map[domain.PositionKey]domain.Position
	balances  map[common.Address]uint64
}

func (t *stagedTx) GetPool(_ context.Context, id common.Address) (domain.Pool, error) {
	if p, ok := t.pools[id]; ok {
		return p, nil
	}
	if p, ok := t.base.pools[id]; ok {
		return p, nil
	}
	return domain.Pool{}, fmt.Errorf("memory: pool %s: %w", id.Hex(), domain.ErrNotFound)
}

func (t *stagedTx) PutPool(_ context.Context, pool domain.Pool) error {
	t.pools[pool.ID] = pool
	return nil
}

func (t *stagedTx) GetPosition(_ context.Context, key domain.PositionKey) (domain.Position, error) {
	if p, ok := t.positions[key]; ok {
		return p, nil
	}
	if p, ok := t.base.positions[key]; ok {
		return p, nil
	}
	return domain.Position{}, fmt.Errorf("memory: position %s: %w", key, domain.ErrNotFound)
}

func (t *stagedTx) PutPosition(_ context.Context, pos domain.Position) error {
	t.positions[pos.Key()] = pos
	return nil
}

func (t *stagedTx) Balance(_ context.Context, account common.Address) (uint64, error) {
	if b, ok := t.balances[account]; ok {
		return b, nil
	}
	return t.base.balances[account], nil
}

func (t *stagedTx) Debit(ctx context.Context, account common.Address, amount uint64) error {
	b, _ := t.Balance(ctx, account)
	if b < amount {
		return fmt.Errorf("memory: debit %s: %w", account.Hex(), domain.ErrInsufficientFunds)
	}
	t.balances[account] = b - amount
	return nil
}

func (t *stagedTx) Credit(ctx context.Context, account common.Address, amount uint64) error {
	b, _ := t.Balance(ctx, account)
	if b > math.MaxUint64-amount {
		return fmt.Errorf("memory: credit %s: %w", account.Hex(), domain.ErrAmountOverflow)
	}
	t.balances[account] = b + amount
	return nil
}

var (
	_ domain.LedgerStore  = (*Ledger)(nil)
	_ domain.LedgerReader = (*Ledger)(nil)
)

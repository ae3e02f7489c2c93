package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

type allowanceKey struct {
	account common.Address
	spender common.Address
}

// TokenBook is an in-memory token subsystem: token accounts with owners and
// spend allowances on them.
type TokenBook struct {
	mu         sync.RWMutex
	owners     map[common.Address]common.Address
	allowances map[allowanceKey]uint64
}

// NewTokenBook returns an empty TokenBook.
func NewTokenBook() *TokenBook {
	return &TokenBook{
		owners:     make(map[common.Address]common.Address),
		allowances: make(map[allowanceKey]uint64),
	}
}

// OpenAccount registers a token account controlled by owner.
func (b *TokenBook) OpenAccount(_ context.Context, account, owner common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.owners[account]; ok {
		return fmt.Errorf("memory: token account %s: %w", account.Hex(), domain.ErrAlreadyExists)
	}
	b.owners[account] = owner
	return nil
}

func (b *TokenBook) AccountOwner(_ context.Context, account common.Address) (common.Address, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	owner, ok := b.owners[account]
	if !ok {
		return common.Address{}, fmt.Errorf("memory: token account %s: %w", account.Hex(), domain.ErrNotFound)
	}
	return owner, nil
}

// Approve replaces any previous allowance for spender on account.
func (b *TokenBook) Approve(_ context.Context, account, spender common.Address, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.owners[account]; !ok {
		return fmt.Errorf("memory: token account %s: %w", account.Hex(), domain.ErrNotFound)
	}
	b.allowances[allowanceKey{account, spender}] = amount
	return nil
}

// Allowance returns what spender may move from account.
func (b *TokenBook) Allowance(_ context.Context, account, spender common.Address) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.allowances[allowanceKey{account, spender}], nil
}

var _ domain.TokenDelegator = (*TokenBook)(nil)

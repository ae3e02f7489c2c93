package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// AllowanceStore is the token subsystem backed by the token_accounts and
// token_allowances tables. It implements domain.TokenDelegator.
type AllowanceStore struct {
	pool *pgxpool.Pool
}

// NewAllowanceStore creates an AllowanceStore backed by the given pool.
func NewAllowanceStore(pool *pgxpool.Pool) *AllowanceStore {
	return &AllowanceStore{pool: pool}
}

// OpenAccount registers a token account controlled by owner.
func (s *AllowanceStore) OpenAccount(ctx context.Context, account, owner common.Address) error {
	const query = `
		INSERT INTO token_accounts (account, owner) VALUES ($1, $2)
		ON CONFLICT (account) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query, addrKey(account), addrKey(owner))
	if err != nil {
		return fmt.Errorf("postgres: open token account %s: %w", account.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: token account %s: %w", account.Hex(), domain.ErrAlreadyExists)
	}
	return nil
}

// AccountOwner returns the principal that controls account.
func (s *AllowanceStore) AccountOwner(ctx context.Context, account common.Address) (common.Address, error) {
	var owner string
	err := s.pool.QueryRow(ctx,
		`SELECT owner FROM token_accounts WHERE account = $1`, addrKey(account),
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return common.Address{}, fmt.Errorf("postgres: token account %s: %w", account.Hex(), domain.ErrNotFound)
	}
	if err != nil {
		return common.Address{}, fmt.Errorf("postgres: token account %s: %w", account.Hex(), err)
	}
	return common.HexToAddress(owner), nil
}

// Approve sets the allowance of spender on account, replacing any earlier one.
func (s *AllowanceStore) Approve(ctx context.Context, account, spender common.Address, amount uint64) error {
	const query = `
		INSERT INTO token_allowances (account, spender, amount, updated_at)
		VALUES ($1, $2, $3::numeric, NOW())
		ON CONFLICT (account, spender) DO UPDATE SET
			amount = EXCLUDED.amount,
			updated_at = NOW()`

	if _, err := s.pool.Exec(ctx, query, addrKey(account), addrKey(spender), formatAmount(amount)); err != nil {
		return fmt.Errorf("postgres: approve %s on %s: %w", spender.Hex(), account.Hex(), err)
	}
	return nil
}

// Allowance returns what spender may move from account.
func (s *AllowanceStore) Allowance(ctx context.Context, account, spender common.Address) (uint64, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT amount::text FROM token_allowances WHERE account = $1 AND spender = $2`,
		addrKey(account), addrKey(spender),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: allowance: %w", err)
	}
	return parseAmount(raw)
}

var _ domain.TokenDelegator = (*AllowanceStore)(nil)

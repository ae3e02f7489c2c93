package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

const checkViolation = "23514"

// Ledger implements domain.LedgerStore and domain.LedgerReader. Each atomic
// unit is one read-committed transaction; pool, position and balance rows
// are read with FOR UPDATE so concurrent units on the same records
// serialize.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Atomic runs fn inside a transaction and commits only if fn succeeds.
func (l *Ledger) Atomic(ctx context.Context, fn func(tx domain.LedgerTx) error) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin ledger tx: %w", err)
	}
	if err := fn(&ledgerTx{q: tx, lock: " FOR UPDATE"}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit ledger tx: %w", err)
	}
	return nil
}

func (l *Ledger) reader() *ledgerTx { return &ledgerTx{q: l.pool} }

// GetPool reads a committed pool without locking it.
func (l *Ledger) GetPool(ctx context.Context, id common.Address) (domain.Pool, error) {
	return l.reader().GetPool(ctx, id)
}

// GetPosition reads a committed position without locking it.
func (l *Ledger) GetPosition(ctx context.Context, key domain.PositionKey) (domain.Position, error) {
	return l.reader().GetPosition(ctx, key)
}

// Balance reads a committed native balance.
func (l *Ledger) Balance(ctx context.Context, account common.Address) (uint64, error) {
	return l.reader().Balance(ctx, account)
}

// ListPositions returns positions in pool ordered by owner.
func (l *Ledger) ListPositions(ctx context.Context, pool common.Address, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE pool = $1 ORDER BY owner`
	args := []any{addrKey(pool)}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, opts.Offset)
	}

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return out, nil
}

// querier is the subset of pgx shared by pools and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type ledgerTx struct {
	q    querier
	lock string
}

const poolSelectCols = `id, owner, token_delegate, seed, fee_percent::text,
	reward_balance::text, active, created_at, updated_at`

const positionSelectCols = `owner, pool, amount::text, status, created_at, updated_at`

func scanPool(row pgx.Row) (domain.Pool, error) {
	var (
		p                         domain.Pool
		id, owner, delegate, seed string
		fee, reward               string
	)
	if err := row.Scan(&id, &owner, &delegate, &seed, &fee, &reward, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Pool{}, err
	}
	var err error
	if p.FeePercent, err = parseAmount(fee); err != nil {
		return domain.Pool{}, err
	}
	if p.RewardBalance, err = parseAmount(reward); err != nil {
		return domain.Pool{}, err
	}
	p.ID = common.HexToAddress(id)
	p.Owner = common.HexToAddress(owner)
	p.TokenDelegate = common.HexToAddress(delegate)
	p.Seed = common.HexToAddress(seed)
	return p, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p           domain.Position
		owner, pool string
		amount      string
		status      int16
	)
	if err := row.Scan(&owner, &pool, &amount, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Position{}, err
	}
	var err error
	if p.Amount, err = parseAmount(amount); err != nil {
		return domain.Position{}, err
	}
	p.Owner = common.HexToAddress(owner)
	p.Pool = common.HexToAddress(pool)
	p.Status = domain.PositionStatus(status)
	if !p.Status.Valid() {
		return domain.Position{}, fmt.Errorf("invalid position status %d", status)
	}
	return p, nil
}

func (t *ledgerTx) GetPool(ctx context.Context, id common.Address) (domain.Pool, error) {
	query := `SELECT ` + poolSelectCols + ` FROM pools WHERE id = $1` + t.lock
	p, err := scanPool(t.q.QueryRow(ctx, query, addrKey(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Pool{}, fmt.Errorf("postgres: pool %s: %w", id.Hex(), domain.ErrNotFound)
	}
	if err != nil {
		return domain.Pool{}, fmt.Errorf("postgres: get pool %s: %w", id.Hex(), err)
	}
	return p, nil
}

func (t *ledgerTx) PutPool(ctx context.Context, p domain.Pool) error {
	const query = `
		INSERT INTO pools (
			id, owner, token_delegate, seed, fee_percent, reward_balance,
			active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			owner = EXCLUDED.owner,
			token_delegate = EXCLUDED.token_delegate,
			fee_percent = EXCLUDED.fee_percent,
			reward_balance = EXCLUDED.reward_balance,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`

	_, err := t.q.Exec(ctx, query,
		addrKey(p.ID), addrKey(p.Owner), addrKey(p.TokenDelegate), addrKey(p.Seed),
		formatAmount(p.FeePercent), formatAmount(p.RewardBalance),
		p.Active, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put pool %s: %w", p.ID.Hex(), err)
	}
	return nil
}

func (t *ledgerTx) GetPosition(ctx context.Context, key domain.PositionKey) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE owner = $1 AND pool = $2` + t.lock
	p, err := scanPosition(t.q.QueryRow(ctx, query, addrKey(key.Owner), addrKey(key.Pool)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: position %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", key, err)
	}
	return p, nil
}

func (t *ledgerTx) PutPosition(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (owner, pool, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6)
		ON CONFLICT (owner, pool) DO UPDATE SET
			amount = EXCLUDED.amount,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`

	_, err := t.q.Exec(ctx, query,
		addrKey(p.Owner), addrKey(p.Pool), formatAmount(p.Amount), int16(p.Status),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: put position %s: %w", p.Key(), err)
	}
	return nil
}

func (t *ledgerTx) Balance(ctx context.Context, account common.Address) (uint64, error) {
	query := `SELECT balance::text FROM native_balances WHERE account = $1` + t.lock
	var raw string
	err := t.q.QueryRow(ctx, query, addrKey(account)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: balance %s: %w", account.Hex(), err)
	}
	return parseAmount(raw)
}

func (t *ledgerTx) Debit(ctx context.Context, account common.Address, amount uint64) error {
	const query = `
		UPDATE native_balances
		SET balance = balance - $2::numeric, updated_at = NOW()
		WHERE account = $1 AND balance >= $2::numeric`

	tag, err := t.q.Exec(ctx, query, addrKey(account), formatAmount(amount))
	if err != nil {
		return fmt.Errorf("postgres: debit %s: %w", account.Hex(), err)
	}
	if tag.RowsAffected() == 0 && amount > 0 {
		return fmt.Errorf("postgres: debit %s: %w", account.Hex(), domain.ErrInsufficientFunds)
	}
	return nil
}

func (t *ledgerTx) Credit(ctx context.Context, account common.Address, amount uint64) error {
	const query = `
		INSERT INTO native_balances (account, balance, updated_at)
		VALUES ($1, $2::numeric, NOW())
		ON CONFLICT (account) DO UPDATE SET
			balance = native_balances.balance + EXCLUDED.balance,
			updated_at = NOW()`

	_, err := t.q.Exec(ctx, query, addrKey(account), formatAmount(amount))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == checkViolation {
		return fmt.Errorf("postgres: credit %s: %w", account.Hex(), domain.ErrAmountOverflow)
	}
	if err != nil {
		return fmt.Errorf("postgres: credit %s: %w", account.Hex(), err)
	}
	return nil
}

// addrKey is the stored form of an address: lower-case 0x hex.
func addrKey(a common.Address) string {
	return "0x" + common.Bytes2Hex(a.Bytes())
}

func formatAmount(v uint64) string { return strconv.FormatUint(v, 10) }

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("postgres: parse amount %q: %w", s, err)
	}
	return v, nil
}

var (
	_ domain.LedgerStore  = (*Ledger)(nil)
	_ domain.LedgerReader = (*Ledger)(nil)
)

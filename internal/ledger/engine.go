package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// Options tunes engine behavior.
type Options struct {
	// StrictPhases enforces single-phase positions: deposit and withdraw
	// approval require an idle position, and withdraw must match the
	// approved amount.
	StrictPhases bool
	// Now stamps record timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Engine dispatches operations against a ledger store. It performs no locking
// of its own; the store serializes access per record.
type Engine struct {
	store     domain.LedgerStore
	delegator domain.TokenDelegator
	opts      Options
}

// NewEngine creates an Engine. delegator may be nil, in which case
// PreauthorizeSpender always fails with domain.ErrDelegationFailed.
func NewEngine(store domain.LedgerStore, delegator domain.TokenDelegator, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{store: store, delegator: delegator, opts: opts}
}

// Execute runs op for caller as one atomic unit. Either every effect of op is
// committed or none is.
func (e *Engine) Execute(ctx context.Context, caller Caller, op Operation) (Result, error) {
	if op == nil {
		return Result{}, fmt.Errorf("ledger: execute: nil operation: %w", domain.ErrBadCommand)
	}
	name := op.Name()
	if !caller.Signed() {
		return Result{}, fmt.Errorf("ledger: %s: %w", name, &PredicateError{Op: name, Predicate: "caller is signed"})
	}

	var res Result
	err := e.store.Atomic(ctx, func(tx domain.LedgerTx) error {
		f, err := e.load(ctx, tx, caller, op)
		if err != nil {
			return err
		}
		if err := op.Validate(ctx, f); err != nil {
			return err
		}
		if err := op.Apply(ctx, f); err != nil {
			return err
		}
		if err := f.persist(ctx); err != nil {
			return err
		}
		res = f.result
		res.Op = name
		res.At = f.Now
		if f.Pool != nil {
			res.Pool = *f.Pool
		}
		if f.Position != nil {
			pos := *f.Position
			res.Position = &pos
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("ledger: %s: %w", name, err)
	}
	return res, nil
}

func (e *Engine) load(ctx context.Context, tx domain.LedgerTx, caller Caller, op Operation) (*Frame, error) {
	t := op.Targets(caller)
	f := &Frame{
		Caller:    caller,
		Now:       e.opts.Now().UTC(),
		tx:        tx,
		opts:      e.opts,
		delegator: e.delegator,
	}

	pool, err := tx.GetPool(ctx, t.Pool)
	switch {
	case t.CreatePool && err == nil:
		return nil, fmt.Errorf("pool %s: %w", t.Pool.Hex(), domain.ErrAlreadyExists)
	case t.CreatePool && errors.Is(err, domain.ErrNotFound):
		f.Pool = &domain.Pool{ID: t.Pool, CreatedAt: f.Now}
	case err != nil:
		return nil, fmt.Errorf("load pool %s: %w", t.Pool.Hex(), err)
	default:
		f.Pool = &pool
	}

	if t.Position == nil {
		return f, nil
	}
	pos, err := tx.GetPosition(ctx, *t.Position)
	switch {
	case t.CreatePosition && err == nil:
		return nil, fmt.Errorf("position %s: %w", t.Position, domain.ErrAlreadyExists)
	case t.CreatePosition && errors.Is(err, domain.ErrNotFound):
		f.Position = &domain.Position{Owner: t.Position.Owner, Pool: t.Position.Pool, CreatedAt: f.Now}
	case err != nil:
		return nil, fmt.Errorf("load position %s: %w", t.Position, err)
	default:
		f.Position = &pos
	}
	return f, nil
}

func (f *Frame) persist(ctx context.Context) error {
	if f.poolDirty {
		f.Pool.UpdatedAt = f.Now
		if err := f.tx.PutPool(ctx, *f.Pool); err != nil {
			return fmt.Errorf("persist pool: %w", err)
		}
	}
	if f.positionDirty {
		f.Position.UpdatedAt = f.Now
		if err := f.tx.PutPosition(ctx, *f.Position); err != nil {
			return fmt.Errorf("persist position: %w", err)
		}
	}
	return nil
}

package ledger

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// PreauthorizeSpender lets Spender move up to Amount from TokenAccount in the
// token subsystem. The caller must own both the pool and the token account.
// Pool and position state are not changed.
type PreauthorizeSpender struct {
	Pool         common.Address `json:"pool"`
	TokenAccount common.Address `json:"token_account"`
	Spender      common.Address `json:"spender"`
	Amount       uint64         `json:"amount"`
}

func (PreauthorizeSpender) Name() string { return "preauthorize_spender" }

func (op PreauthorizeSpender) Targets(Caller) Targets { return Targets{Pool: op.Pool} }

func (op PreauthorizeSpender) Validate(ctx context.Context, f *Frame) error {
	if err := check(op.Name(), holds(f.Caller.Is(f.Pool.Owner), "caller == pool.owner")); err != nil {
		return err
	}
	if isZero(op.Spender) {
		return badArg("spender is required")
	}
	if f.delegator == nil {
		return fmt.Errorf("no token delegator configured: %w", domain.ErrDelegationFailed)
	}
	owner, err := f.delegator.AccountOwner(ctx, op.TokenAccount)
	if err != nil {
		return fmt.Errorf("token account %s: %w: %v", op.TokenAccount.Hex(), domain.ErrDelegationFailed, err)
	}
	return check(op.Name(), holds(f.Caller.Is(owner), "token_account.owner == caller"))
}

func (op PreauthorizeSpender) Apply(ctx context.Context, f *Frame) error {
	if err := f.delegator.Approve(ctx, op.TokenAccount, op.Spender, op.Amount); err != nil {
		return fmt.Errorf("approve %s: %w: %v", op.Spender.Hex(), domain.ErrDelegationFailed, err)
	}
	f.result.Subject = op.Spender
	f.result.Amount = op.Amount
	return nil
}

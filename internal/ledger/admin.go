package ledger

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// CreatePool opens a new pool derived from Seed with the caller as owner.
// TokenDelegate is required. The derived account must hold no native balance.
type CreatePool struct {
	Seed          common.Address `json:"seed"`
	FeePercent    uint64         `json:"fee_percent"`
	TokenDelegate common.Address `json:"token_delegate"`
}

func (CreatePool) Name() string { return "create_pool" }

func (op CreatePool) Targets(Caller) Targets {
	return Targets{Pool: domain.PoolIDFromSeed(op.Seed), CreatePool: true}
}

func (op CreatePool) Validate(ctx context.Context, f *Frame) error {
	if isZero(op.Seed) {
		return badArg("seed is required")
	}
	if isZero(op.TokenDelegate) {
		return badArg("token_delegate is required")
	}
	held, err := f.tx.Balance(ctx, f.Pool.ID)
	if err != nil {
		return err
	}
	if held > 0 {
		return fmt.Errorf("%w: pool account %s already holds %d", domain.ErrAlreadyExists, f.Pool.ID.Hex(), held)
	}
	return nil
}

func (op CreatePool) Apply(_ context.Context, f *Frame) error {
	delegate := op.TokenDelegate
	f.Pool.Seed = op.Seed
	f.Pool.Owner = f.Caller.Address()
	f.Pool.TokenDelegate = delegate
	f.Pool.FeePercent = op.FeePercent
	f.Pool.RewardBalance = 0
	f.Pool.Active = false
	f.touchPool()

	f.result.Subject = delegate
	f.result.Amount = op.FeePercent
	return nil
}

// SetFeePercent changes the deposit fee rate. Owner only.
type SetFeePercent struct {
	Pool       common.Address `json:"pool"`
	FeePercent uint64         `json:"fee_percent"`
}

func (SetFeePercent) Name() string { return "set_fee_percent" }

func (op SetFeePercent) Targets(Caller) Targets { return Targets{Pool: op.Pool} }

func (op SetFeePercent) Validate(_ context.Context, f *Frame) error {
	return check(op.Name(), holds(f.Caller.Is(f.Pool.Owner), "caller == pool.owner"))
}

func (op SetFeePercent) Apply(_ context.Context, f *Frame) error {
	f.Pool.FeePercent = op.FeePercent
	f.touchPool()
	f.result.Amount = op.FeePercent
	return nil
}

// SetActiveFlag toggles the pool's active flag. Token delegate only. While
// the flag is set, withdraw and owner claims are blocked.
type SetActiveFlag struct {
	Pool   common.Address `json:"pool"`
	Active bool           `json:"active"`
}

func (SetActiveFlag) Name() string { return "set_active" }

func (op SetActiveFlag) Targets(Caller) Targets { return Targets{Pool: op.Pool} }

func (op SetActiveFlag) Validate(_ context.Context, f *Frame) error {
	return check(op.Name(), holds(f.Caller.Is(f.Pool.TokenDelegate), "caller == pool.token_delegate"))
}

func (op SetActiveFlag) Apply(_ context.Context, f *Frame) error {
	f.Pool.Active = op.Active
	f.touchPool()
	f.result.Flag = op.Active
	return nil
}

// SetTokenDelegate hands the delegate role to another principal. Current
// delegate only.
type SetTokenDelegate struct {
	Pool     common.Address `json:"pool"`
	Delegate common.Address `json:"delegate"`
}

func (SetTokenDelegate) Name() string { return "set_token_delegate" }

func (op SetTokenDelegate) Targets(Caller) Targets { return Targets{Pool: op.Pool} }

func (op SetTokenDelegate) Validate(_ context.Context, f *Frame) error {
	if err := check(op.Name(), holds(f.Caller.Is(f.Pool.TokenDelegate), "caller == pool.token_delegate")); err != nil {
		return err
	}
	if isZero(op.Delegate) {
		return badArg("delegate is required")
	}
	return nil
}

func (op SetTokenDelegate) Apply(_ context.Context, f *Frame) error {
	f.Pool.TokenDelegate = op.Delegate
	f.touchPool()
	f.result.Subject = op.Delegate
	return nil
}

// TransferPoolOwnership hands the pool to NewOwner immediately. Owner only.
type TransferPoolOwnership struct {
	Pool     common.Address `json:"pool"`
	NewOwner common.Address `json:"new_owner"`
}

func (TransferPoolOwnership) Name() string { return "transfer_ownership" }

func (op TransferPoolOwnership) Targets(Caller) Targets { return Targets{Pool: op.Pool} }

func (op TransferPoolOwnership) Validate(_ context.Context, f *Frame) error {
	if err := check(op.Name(), holds(f.Caller.Is(f.Pool.Owner), "caller == pool.owner")); err != nil {
		return err
	}
	if isZero(op.NewOwner) {
		return badArg("new owner is required")
	}
	return nil
}

func (op TransferPoolOwnership) Apply(_ context.Context, f *Frame) error {
	f.Pool.Owner = op.NewOwner
	f.touchPool()
	f.result.Subject = op.NewOwner
	return nil
}

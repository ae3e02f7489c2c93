package ledger

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

func positionOf(depositor common.Address, caller Caller, pool common.Address) *domain.PositionKey {
	if isZero(depositor) {
		depositor = caller.Address()
	}
	return &domain.PositionKey{Owner: depositor, Pool: pool}
}

// CreatePosition opens the caller's idle position in Pool.
type CreatePosition struct {
	Pool common.Address `json:"pool"`
}

func (CreatePosition) Name() string { return "create_position" }

func (op CreatePosition) Targets(c Caller) Targets {
	return Targets{
		Pool:           op.Pool,
		Position:       &domain.PositionKey{Owner: c.Address(), Pool: op.Pool},
		CreatePosition: true,
	}
}

func (CreatePosition) Validate(context.Context, *Frame) error { return nil }

func (op CreatePosition) Apply(_ context.Context, f *Frame) error {
	f.Position.Amount = 0
	f.Position.Status = domain.PositionIdle
	f.touchPosition()
	f.result.Subject = f.Position.Owner
	return nil
}

// Deposit moves Amount plus the pool fee from the caller into the pool and
// marks the position pending. Depositor defaults to the caller.
type Deposit struct {
	Pool      common.Address `json:"pool"`
	Depositor common.Address `json:"depositor,omitempty"`
	Amount    uint64         `json:"amount"`
}

func (Deposit) Name() string { return "deposit" }

func (op Deposit) Targets(c Caller) Targets {
	return Targets{Pool: op.Pool, Position: positionOf(op.Depositor, c, op.Pool)}
}

func (op Deposit) Validate(_ context.Context, f *Frame) error {
	preds := []predicate{
		holds(f.Position.Pool == f.Pool.ID, "position.pool == pool.id"),
		holds(f.Caller.Is(f.Position.Owner), "position.owner == caller"),
	}
	if f.Strict() {
		preds = append(preds, holds(f.Position.Status == domain.PositionIdle, "position.status == idle"))
	}
	return check(op.Name(), preds...)
}

func (op Deposit) Apply(ctx context.Context, f *Frame) error {
	fee, total, err := DepositFee(op.Amount, f.Pool.FeePercent)
	if err != nil {
		return fmt.Errorf("fee on %d at %d%%: %w", op.Amount, f.Pool.FeePercent, err)
	}
	reward, carry := addU64(f.Pool.RewardBalance, fee)
	if carry {
		return fmt.Errorf("reward balance: %w", domain.ErrAmountOverflow)
	}
	if err := Transfer(ctx, f.tx, f.Caller.Address(), f.Pool.ID, total); err != nil {
		return err
	}

	f.Pool.RewardBalance = reward
	f.Position.Amount = op.Amount
	f.Position.Status = domain.PositionDepositPending
	f.touchPool()
	f.touchPosition()

	f.result.Subject = f.Position.Owner
	f.result.Amount = op.Amount
	f.result.Fee = fee
	return nil
}

// ConfirmDeposit settles the caller's pending deposit and returns the
// position to idle. Amount must match the recorded deposit.
type ConfirmDeposit struct {
	Pool   common.Address `json:"pool"`
	Amount uint64         `json:"amount"`
}

func (ConfirmDeposit) Name() string { return "confirm_deposit" }

func (op ConfirmDeposit) Targets(c Caller) Targets {
	return Targets{Pool: op.Pool, Position: &domain.PositionKey{Owner: c.Address(), Pool: op.Pool}}
}

func (op ConfirmDeposit) Validate(_ context.Context, f *Frame) error {
	return check(op.Name(),
		holds(f.Position.Pool == f.Pool.ID, "position.pool == pool.id"),
		holds(f.Caller.Is(f.Position.Owner), "position.owner == caller"),
		holds(f.Position.Status == domain.PositionDepositPending, "position.status == deposit_pending"),
		holds(op.Amount == f.Position.Amount, "amount == position.amount"),
	)
}

func (op ConfirmDeposit) Apply(_ context.Context, f *Frame) error {
	f.result.Amount = f.Position.Amount
	f.result.Subject = f.Position.Owner
	f.Position.Amount = 0
	f.Position.Status = domain.PositionIdle
	f.touchPosition()
	return nil
}

// ApproveWithdraw lets Depositor withdraw Amount from the pool. Owner only.
// The pool's balance is not checked here.
type ApproveWithdraw struct {
	Pool      common.Address `json:"pool"`
	Depositor common.Address `json:"depositor"`
	Amount    uint64         `json:"amount"`
}

func (ApproveWithdraw) Name() string { return "approve_withdraw" }

func (op ApproveWithdraw) Targets(c Caller) Targets {
	return Targets{Pool: op.Pool, Position: positionOf(op.Depositor, c, op.Pool)}
}

func (op ApproveWithdraw) Validate(_ context.Context, f *Frame) error {
	preds := []predicate{
		holds(f.Caller.Is(f.Pool.Owner), "caller == pool.owner"),
		holds(f.Position.Pool == f.Pool.ID, "position.pool == pool.id"),
	}
	if f.Strict() {
		preds = append(preds, holds(f.Position.Status == domain.PositionIdle, "position.status == idle"))
	}
	return check(op.Name(), preds...)
}

func (op ApproveWithdraw) Apply(_ context.Context, f *Frame) error {
	f.Position.Amount = op.Amount
	f.Position.Status = domain.PositionWithdrawApproved
	f.touchPosition()
	f.result.Subject = f.Position.Owner
	f.result.Amount = op.Amount
	return nil
}

// Withdraw pays an approved withdrawal from the pool to the caller.
type Withdraw struct {
	Pool      common.Address `json:"pool"`
	Depositor common.Address `json:"depositor,omitempty"`
	Amount    uint64         `json:"amount"`
}

func (Withdraw) Name() string { return "withdraw" }

func (op Withdraw) Targets(c Caller) Targets {
	return Targets{Pool: op.Pool, Position: positionOf(op.Depositor, c, op.Pool)}
}

func (op Withdraw) Validate(_ context.Context, f *Frame) error {
	preds := []predicate{
		holds(f.Position.Pool == f.Pool.ID, "position.pool == pool.id"),
		holds(f.Caller.Is(f.Position.Owner), "position.owner == caller"),
		holds(f.Position.Status == domain.PositionWithdrawApproved, "position.status == withdraw_approved"),
	}
	if f.Strict() {
		preds = append(preds, holds(op.Amount == f.Position.Amount, "amount == position.amount"))
	}
	if err := check(op.Name(), preds...); err != nil {
		return err
	}
	if f.Pool.Active {
		return fmt.Errorf("pool %s: %w", f.Pool.ID.Hex(), domain.ErrInactiveOperationBlocked)
	}
	return nil
}

func (op Withdraw) Apply(ctx context.Context, f *Frame) error {
	if err := Transfer(ctx, f.tx, f.Pool.ID, f.Caller.Address(), op.Amount); err != nil {
		return err
	}
	f.Position.Amount = 0
	f.Position.Status = domain.PositionIdle
	f.touchPosition()
	f.result.Subject = f.Position.Owner
	f.result.Amount = op.Amount
	return nil
}

// Claim pays Amount out of the pool to its owner or token delegate. The
// owner branch is bounded by the reward balance and blocked while the pool
// is active. The delegate branch is bounded only by the pool's native
// balance and leaves the reward balance untouched. A caller who is both
// passes the owner gate first and is then paid once per role, so the pool
// pays out twice Amount in one unit.
type Claim struct {
	Pool   common.Address `json:"pool"`
	Amount uint64         `json:"amount"`
}

const (
	BranchOwner         = "owner"
	BranchDelegate      = "delegate"
	BranchOwnerDelegate = "owner+delegate"
)

func (Claim) Name() string { return "claim" }

func (op Claim) Targets(Caller) Targets { return Targets{Pool: op.Pool} }

func (op Claim) branch(f *Frame) string {
	switch {
	case f.Caller.Is(f.Pool.Owner) && f.Caller.Is(f.Pool.TokenDelegate):
		return BranchOwnerDelegate
	case f.Caller.Is(f.Pool.Owner):
		return BranchOwner
	case f.Caller.Is(f.Pool.TokenDelegate):
		return BranchDelegate
	}
	return ""
}

func (op Claim) Validate(_ context.Context, f *Frame) error {
	branch := op.branch(f)
	if err := check(op.Name(), holds(branch != "", "caller == pool.owner || caller == pool.token_delegate")); err != nil {
		return err
	}
	if branch == BranchDelegate {
		return nil
	}
	if f.Pool.Active {
		return fmt.Errorf("pool %s: %w", f.Pool.ID.Hex(), domain.ErrInactiveOperationBlocked)
	}
	if op.Amount > f.Pool.RewardBalance {
		return fmt.Errorf("claim %d exceeds reward balance %d: %w",
			op.Amount, f.Pool.RewardBalance, domain.ErrInsufficientFunds)
	}
	return nil
}

func (op Claim) Apply(ctx context.Context, f *Frame) error {
	branch := op.branch(f)
	paid := uint64(0)
	if branch != BranchDelegate {
		if err := Transfer(ctx, f.tx, f.Pool.ID, f.Caller.Address(), op.Amount); err != nil {
			return err
		}
		f.Pool.RewardBalance -= op.Amount
		f.touchPool()
		paid = op.Amount
	}
	if branch != BranchOwner {
		if err := Transfer(ctx, f.tx, f.Pool.ID, f.Caller.Address(), op.Amount); err != nil {
			return err
		}
		paid += op.Amount
	}
	f.result.Subject = f.Caller.Address()
	f.result.Amount = paid
	f.result.Branch = branch
	return nil
}

func addU64(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum < a
}

package ledger

import (
	"context"
	"fmt"
	"math"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// Transfer moves amount native units from one account to another inside tx.
// It is the only code path that changes native balances. On failure neither
// balance changes.
func Transfer(ctx context.Context, tx domain.LedgerTx, from, to common.Address, amount uint64) error {
	have, err := tx.Balance(ctx, from)
	if err != nil {
		return fmt.Errorf("transfer: balance of %s: %w", from.Hex(), err)
	}
	if have < amount {
		return fmt.Errorf("transfer: %s holds %d, needs %d: %w",
			from.Hex(), have, amount, domain.ErrInsufficientFunds)
	}
	if isZero(to) {
		return fmt.Errorf("transfer: zero destination: %w", domain.ErrTransferFailed)
	}
	if from == to || amount == 0 {
		return nil
	}

	dest, err := tx.Balance(ctx, to)
	if err != nil {
		return fmt.Errorf("transfer: balance of %s: %w", to.Hex(), err)
	}
	if dest > math.MaxUint64-amount {
		return fmt.Errorf("transfer: credit to %s overflows: %w", to.Hex(), domain.ErrTransferFailed)
	}

	if err := tx.Debit(ctx, from, amount); err != nil {
		return fmt.Errorf("transfer: debit %s: %w", from.Hex(), err)
	}
	if err := tx.Credit(ctx, to, amount); err != nil {
		return fmt.Errorf("transfer: credit %s: %w: %v", to.Hex(), domain.ErrTransferFailed, err)
	}
	return nil
}

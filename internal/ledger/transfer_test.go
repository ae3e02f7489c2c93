package ledger_test

import (
	"context"
	"math"
	"testing"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/ledger"
	"github.com/alanyoungcy/poolledger/internal/store/memory"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferIn(t *testing.T, store *memory.Ledger, from, to common.Address, amount uint64) error {
	t.Helper()
	ctx := context.Background()
	return store.Atomic(ctx, func(tx domain.LedgerTx) error {
		return ledger.Transfer(ctx, tx, from, to, amount)
	})
}

func TestTransfer_MovesBalance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.fund(depositor, 100)

	require.NoError(t, transferIn(t, h.store, depositor, stranger, 40))
	assert.Equal(t, uint64(60), h.balance(depositor))
	assert.Equal(t, uint64(40), h.balance(stranger))
}

func TestTransfer_InsufficientFundsIsAtomic(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.fund(depositor, 100)
	h.fund(stranger, 7)

	err := transferIn(t, h.store, depositor, stranger, 101)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, uint64(100), h.balance(depositor))
	assert.Equal(t, uint64(7), h.balance(stranger))
}

func TestTransfer_ZeroDestinationFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.fund(depositor, 100)

	err := transferIn(t, h.store, depositor, common.Address{}, 10)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, uint64(100), h.balance(depositor))
}

func TestTransfer_CreditOverflowFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.fund(depositor, 10)
	h.fund(stranger, math.MaxUint64)

	err := transferIn(t, h.store, depositor, stranger, 1)
	require.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, uint64(10), h.balance(depositor))
	assert.Equal(t, uint64(math.MaxUint64), h.balance(stranger))
}

func TestTransfer_SelfIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.fund(depositor, 10)

	require.NoError(t, transferIn(t, h.store, depositor, depositor, 10))
	assert.Equal(t, uint64(10), h.balance(depositor))
}

func TestDepositFee(t *testing.T) {
	t.Parallel()
	const quarter = math.MaxUint64 / 4
	cases := []struct {
		name         string
		amount, pct  uint64
		fee, total   uint64
		wantOverflow bool
	}{
		{name: "example", amount: 1000, pct: 5, fee: 50, total: 1050},
		{name: "truncates", amount: 199, pct: 1, fee: 1, total: 200},
		{name: "zero percent", amount: 1000, pct: 0, fee: 0, total: 1000},
		{name: "hundred percent", amount: 1000, pct: 100, fee: 1000, total: 2000},
		{name: "zero amount", amount: 0, pct: 50, fee: 0, total: 0},
		{name: "wide product fits after division", amount: quarter, pct: 100, fee: quarter, total: 2 * quarter},
		{name: "product overflow", amount: math.MaxUint64, pct: 200, wantOverflow: true},
		{name: "total overflow", amount: math.MaxUint64 - 10, pct: 1, wantOverflow: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fee, total, err := ledger.DepositFee(tc.amount, tc.pct)
			if tc.wantOverflow {
				require.ErrorIs(t, err, domain.ErrAmountOverflow)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.fee, fee)
			assert.Equal(t, tc.total, total)
		})
	}
}

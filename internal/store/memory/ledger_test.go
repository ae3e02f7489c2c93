package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	pool  = common.HexToAddress("0x0000000000000000000000000000000000005eed")
)

func TestLedger_AtomicRollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLedger()
	require.NoError(t, l.Atomic(ctx, func(tx domain.LedgerTx) error {
		return tx.Credit(ctx, alice, 100)
	}))

	boom := errors.New("boom")
	err := l.Atomic(ctx, func(tx domain.LedgerTx) error {
		require.NoError(t, tx.Debit(ctx, alice, 60))
		require.NoError(t, tx.Credit(ctx, bob, 60))
		require.NoError(t, tx.PutPool(ctx, domain.Pool{ID: pool, Owner: alice}))

		b, err := tx.Balance(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(40), b)
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, _ := l.Balance(ctx, alice)
	assert.Equal(t, uint64(100), got)
	got, _ = l.Balance(ctx, bob)
	assert.Zero(t, got)
	_, err = l.GetPool(ctx, pool)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedger_CommitAndRead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLedger()

	require.NoError(t, l.Atomic(ctx, func(tx domain.LedgerTx) error {
		if err := tx.PutPool(ctx, domain.Pool{ID: pool, Owner: alice, FeePercent: 3}); err != nil {
			return err
		}
		for _, who := range []common.Address{bob, alice} {
			if err := tx.PutPosition(ctx, domain.Position{Owner: who, Pool: pool}); err != nil {
				return err
			}
		}
		return nil
	}))

	p, err := l.GetPool(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), p.FeePercent)

	positions, err := l.ListPositions(ctx, pool, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, alice, positions[0].Owner)
	assert.Equal(t, bob, positions[1].Owner)

	positions, err = l.ListPositions(ctx, pool, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, bob, positions[0].Owner)
}

func TestLedger_DebitBelowZero(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewLedger()

	err := l.Atomic(ctx, func(tx domain.LedgerTx) error {
		return tx.Debit(ctx, alice, 1)
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
}

func TestNonceBook_RejectsReplay(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := NewNonceBook()

	require.NoError(t, n.Claim(ctx, alice, "n-1", time.Minute))
	require.ErrorIs(t, n.Claim(ctx, alice, "n-1", time.Minute), domain.ErrReplayedCommand)
	require.NoError(t, n.Claim(ctx, bob, "n-1", time.Minute))
}

func TestNonceBook_Expires(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	n := NewNonceBook()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	require.NoError(t, n.Claim(ctx, alice, "n-1", time.Minute))
	now = now.Add(2 * time.Minute)
	require.NoError(t, n.Claim(ctx, alice, "n-1", time.Minute))
}

func TestAuditLog_ListAndCutoff(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewAuditLog()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	require.NoError(t, a.Log(ctx, "ledger.deposit", map[string]any{"amount": 1}))
	now = now.Add(time.Hour)
	require.NoError(t, a.Log(ctx, "ledger.claim", nil))

	entries, err := a.List(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ledger.claim", entries[0].Event)

	old, err := a.ListBefore(ctx, now)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "ledger.deposit", old[0].Event)
}

func TestAuditLog_FiltersByEventAndPool(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	a := NewAuditLog()
	poolA := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	poolB := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	require.NoError(t, a.Log(ctx, "ledger.deposit", map[string]any{"pool": poolA.Hex()}))
	require.NoError(t, a.Log(ctx, "ledger.deposit", map[string]any{"pool": poolB.Hex()}))
	require.NoError(t, a.Log(ctx, "ledger.claim", map[string]any{"pool": poolA.Hex()}))

	byEvent, err := a.List(ctx, domain.ListOpts{Event: "ledger.deposit"})
	require.NoError(t, err)
	assert.Len(t, byEvent, 2)

	byPool, err := a.List(ctx, domain.ListOpts{Pool: &poolA})
	require.NoError(t, err)
	require.Len(t, byPool, 2)
	assert.Equal(t, "ledger.claim", byPool[0].Event)

	both, err := a.List(ctx, domain.ListOpts{Event: "ledger.claim", Pool: &poolB})
	require.NoError(t, err)
	assert.Empty(t, both)
}

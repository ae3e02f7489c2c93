package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/ledger"
	"github.com/alanyoungcy/poolledger/internal/store/postgres"
)

// newTestClient connects to the database named by POOLLEDGER_TEST_POSTGRES_DSN
// and applies migrations. Tests are skipped when the variable is unset.
func newTestClient(t *testing.T) *postgres.Client {
	t.Helper()
	dsn := os.Getenv("POOLLEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POOLLEDGER_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := postgres.New(ctx, postgres.ClientConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.RunMigrations(ctx))
	return client
}

// uniqueAddr returns a fresh address so runs against a shared database do
// not collide.
func uniqueAddr(t *testing.T) common.Address {
	t.Helper()
	id := uuid.New()
	return common.BytesToAddress(id[:])
}

func TestLedger_DepositClaimCycle(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	store := postgres.NewLedger(client.Pool())
	tokens := postgres.NewAllowanceStore(client.Pool())
	engine := ledger.NewEngine(store, tokens, ledger.Options{})

	owner, delegate, depositor, seed := uniqueAddr(t), uniqueAddr(t), uniqueAddr(t), uniqueAddr(t)
	require.NoError(t, store.Atomic(ctx, func(tx domain.LedgerTx) error {
		return tx.Credit(ctx, depositor, 2000)
	}))

	exec := func(who common.Address, op ledger.Operation) (ledger.Result, error) {
		return engine.Execute(ctx, ledger.Proven(who), op)
	}
	pool := domain.PoolIDFromSeed(seed)
	_, err := exec(owner, ledger.CreatePool{Seed: seed, FeePercent: 5, TokenDelegate: delegate})
	require.NoError(t, err)
	_, err = exec(depositor, ledger.CreatePosition{Pool: pool})
	require.NoError(t, err)
	_, err = exec(depositor, ledger.Deposit{Pool: pool, Amount: 1000})
	require.NoError(t, err)

	p, err := store.GetPool(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), p.RewardBalance)
	bal, err := store.Balance(ctx, depositor)
	require.NoError(t, err)
	assert.Equal(t, uint64(950), bal)

	_, err = exec(owner, ledger.Claim{Pool: pool, Amount: 60})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	_, err = exec(owner, ledger.Claim{Pool: pool, Amount: 40})
	require.NoError(t, err)

	p, err = store.GetPool(ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), p.RewardBalance)

	positions, err := store.ListPositions(ctx, pool, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, domain.PositionDepositPending, positions[0].Status)
}

func TestLedger_FailedUnitRollsBack(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	store := postgres.NewLedger(client.Pool())
	a, b := uniqueAddr(t), uniqueAddr(t)

	require.NoError(t, store.Atomic(ctx, func(tx domain.LedgerTx) error {
		return tx.Credit(ctx, a, 100)
	}))
	err := store.Atomic(ctx, func(tx domain.LedgerTx) error {
		if err := ledger.Transfer(ctx, tx, a, b, 60); err != nil {
			return err
		}
		return fmt.Errorf("abort")
	})
	require.Error(t, err)

	got, err := store.Balance(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got)
	got, err = store.Balance(ctx, b)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestAllowanceStore_Approve(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	tokens := postgres.NewAllowanceStore(client.Pool())
	account, owner, spender := uniqueAddr(t), uniqueAddr(t), uniqueAddr(t)

	require.NoError(t, tokens.OpenAccount(ctx, account, owner))
	require.ErrorIs(t, tokens.OpenAccount(ctx, account, owner), domain.ErrAlreadyExists)

	got, err := tokens.AccountOwner(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, owner, got)

	require.NoError(t, tokens.Approve(ctx, account, spender, 77))
	require.NoError(t, tokens.Approve(ctx, account, spender, 88))
	allowance, err := tokens.Allowance(ctx, account, spender)
	require.NoError(t, err)
	assert.Equal(t, uint64(88), allowance)

	_, err = tokens.AccountOwner(ctx, uniqueAddr(t))
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAuditStore_LogAndList(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	audit := postgres.NewAuditStore(client.Pool())
	event := "test." + uuid.NewString()

	require.NoError(t, audit.Log(ctx, event, map[string]any{"amount": "10"}))
	entries, err := audit.List(ctx, domain.ListOpts{Limit: 50})
	require.NoError(t, err)

	var found bool
	for _, e := range entries {
		if e.Event == event {
			found = true
			assert.Equal(t, "10", e.Detail["amount"])
		}
	}
	assert.True(t, found)
}

func TestAuditStore_ListFilters(t *testing.T) {
	client := newTestClient(t)
	ctx := context.Background()
	audit := postgres.NewAuditStore(client.Pool())
	event := "test." + uuid.NewString()
	pool := uniqueAddr(t)

	require.NoError(t, audit.Log(ctx, event, map[string]any{"pool": pool.Hex()}))
	require.NoError(t, audit.Log(ctx, event, map[string]any{"pool": uniqueAddr(t).Hex()}))

	entries, err := audit.List(ctx, domain.ListOpts{Event: event})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = audit.List(ctx, domain.ListOpts{Event: event, Pool: &pool})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pool.Hex(), entries[0].Detail["pool"])
}

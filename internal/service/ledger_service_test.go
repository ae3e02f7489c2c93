package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolledger/internal/cache/redis"
	"github.com/alanyoungcy/poolledger/internal/crypto"
	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/event"
	"github.com/alanyoungcy/poolledger/internal/ledger"
	"github.com/alanyoungcy/poolledger/internal/store/memory"
)

const testChainID = 31337

var (
	testNow  = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	testSeed     = common.HexToAddress("0x0000000000000000000000000000000000005eed")
	testDelegate = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	testPool     = domain.PoolIDFromSeed(testSeed)
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	svc      *LedgerService
	store    *memory.Ledger
	audit    *memory.AuditLog
	tokens   *memory.TokenBook
	operator *crypto.Signer
	owner    *crypto.Signer
	user     *crypto.Signer
	nonce    int
}

func newSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return crypto.NewSignerFromKey(pk, testChainID)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewLedger()
	tokens := memory.NewTokenBook()
	audit := memory.NewAuditLog()
	operator := newSigner(t)
	engine := ledger.NewEngine(store, tokens, ledger.Options{
		StrictPhases: true,
		Now:          func() time.Time { return testNow },
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewLedgerService(engine, store, store, audit, memory.NewNonceBook(), operator, Options{}, logger).
		WithTokenAccounts(tokens)
	svc.now = func() time.Time { return testNow }
	return &fixture{
		t:        t,
		ctx:      context.Background(),
		svc:      svc,
		store:    store,
		audit:    audit,
		tokens:   tokens,
		operator: operator,
		owner:    newSigner(t),
		user:     newSigner(t),
	}
}

func (f *fixture) command(s *crypto.Signer, op string, args any) SignedCommand {
	f.t.Helper()
	f.nonce++
	cmd, err := SignCommand(s, op, fmt.Sprintf("n-%d", f.nonce), testNow.Add(5*time.Minute), args)
	require.NoError(f.t, err)
	return cmd
}

func (f *fixture) submit(s *crypto.Signer, op string, args any) (Receipt, error) {
	f.t.Helper()
	return f.svc.Submit(f.ctx, f.command(s, op, args))
}

func (f *fixture) mustSubmit(s *crypto.Signer, op string, args any) Receipt {
	f.t.Helper()
	r, err := f.submit(s, op, args)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) createPool(fee uint64) common.Address {
	f.t.Helper()
	r := f.mustSubmit(f.owner, "create_pool", ledger.CreatePool{Seed: testSeed, FeePercent: fee, TokenDelegate: testDelegate})
	return r.Pool.ID
}

func TestLedgerService_DepositRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pool := f.createPool(5)

	_, err := f.svc.Fund(f.ctx, f.user.Address(), 2000)
	require.NoError(t, err)

	f.mustSubmit(f.user, "create_position", ledger.CreatePosition{Pool: pool})
	r := f.mustSubmit(f.user, "deposit", ledger.Deposit{Pool: pool, Amount: 1000})
	assert.Equal(t, uint64(50), r.Event.Fee)
	assert.Equal(t, uint64(50), r.Pool.RewardBalance)
	require.NotNil(t, r.Position)
	assert.Equal(t, domain.PositionDepositPending, r.Position.Status)

	bal, err := f.svc.Balance(f.ctx, f.user.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(950), bal)
	bal, err = f.svc.Balance(f.ctx, pool)
	require.NoError(t, err)
	assert.Equal(t, uint64(1050), bal)

	f.mustSubmit(f.user, "confirm_deposit", ledger.ConfirmDeposit{Pool: pool, Amount: 1000})
	f.mustSubmit(f.owner, "approve_withdraw", ledger.ApproveWithdraw{Pool: pool, Depositor: f.user.Address(), Amount: 1000})
	f.mustSubmit(f.user, "withdraw", ledger.Withdraw{Pool: pool, Amount: 1000})

	bal, err = f.svc.Balance(f.ctx, f.user.Address())
	require.NoError(t, err)
	assert.Equal(t, uint64(1950), bal)

	pos, err := f.svc.GetPosition(f.ctx, f.user.Address(), pool)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionIdle, pos.Status)
	assert.Zero(t, pos.Amount)
}

func TestLedgerService_ReceiptIsSignedByOperator(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cmd := f.command(f.owner, "create_pool", ledger.CreatePool{Seed: testSeed, FeePercent: 2, TokenDelegate: testDelegate})

	r, err := f.svc.Submit(f.ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, crypto.CommandHash([]byte(cmd.Payload)), r.CommandHash)
	assert.Equal(t, f.operator.Address(), r.Operator)
	assert.NotEmpty(t, r.EventID)
	assert.Equal(t, testNow, r.ExecutedAt)

	signer, err := crypto.RecoverReceipt(crypto.ReceiptPayload{
		CommandHash: r.CommandHash,
		Caller:      r.Caller,
		Op:          r.Op,
		EventID:     r.EventID,
		ExecutedAt:  r.ExecutedAt.Unix(),
	}, testChainID, r.Signature)
	require.NoError(t, err)
	assert.Equal(t, f.operator.Address(), signer)
}

func TestLedgerService_RejectsForgedCaller(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cmd := f.command(f.owner, "create_pool", ledger.CreatePool{Seed: testSeed, TokenDelegate: testDelegate})

	// Signed by someone other than the claimed caller.
	sig, err := f.user.SignMessage([]byte(cmd.Payload))
	require.NoError(t, err)
	cmd.Signature = sig

	_, err = f.svc.Submit(f.ctx, cmd)
	require.ErrorIs(t, err, domain.ErrInvalidAuthorization)

	_, err = f.svc.GetPool(f.ctx, testPool)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLedgerService_RejectsReplay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cmd := f.command(f.owner, "create_pool", ledger.CreatePool{Seed: testSeed, TokenDelegate: testDelegate})

	_, err := f.svc.Submit(f.ctx, cmd)
	require.NoError(t, err)
	_, err = f.svc.Submit(f.ctx, cmd)
	require.ErrorIs(t, err, domain.ErrReplayedCommand)
}

func TestLedgerService_RejectsOtherChain(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	home := crypto.NewSignerFromKey(pk, testChainID)
	other := crypto.NewSignerFromKey(pk, testChainID+1)
	cmd, err := SignCommand(other, "create_pool", "n-other", testNow.Add(time.Minute),
		ledger.CreatePool{Seed: testSeed, TokenDelegate: testDelegate})
	require.NoError(t, err)

	_, err = f.svc.Submit(f.ctx, cmd)
	require.ErrorIs(t, err, domain.ErrInvalidAuthorization)
	_, err = f.svc.GetPool(f.ctx, testPool)
	require.ErrorIs(t, err, domain.ErrNotFound)

	// The nonce was not spent by the rejected command.
	cmd, err = SignCommand(home, "create_pool", "n-other", testNow.Add(time.Minute),
		ledger.CreatePool{Seed: testSeed, TokenDelegate: testDelegate})
	require.NoError(t, err)
	_, err = f.svc.Submit(f.ctx, cmd)
	require.NoError(t, err)
}

func TestLedgerService_Expiry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	sign := func(expires time.Time) SignedCommand {
		payload, err := json.Marshal(CommandPayload{
			Op:        "create_pool",
			Caller:    f.owner.Address(),
			Nonce:     expires.String(),
			ChainID:   testChainID,
			ExpiresAt: expires.Unix(),
			Args:      json.RawMessage(`{"seed":"` + testSeed.Hex() + `"}`),
		})
		require.NoError(t, err)
		sig, err := f.owner.SignMessage(payload)
		require.NoError(t, err)
		return SignedCommand{Payload: string(payload), Signature: sig}
	}

	_, err := f.svc.Submit(f.ctx, sign(testNow.Add(-time.Second)))
	require.ErrorIs(t, err, domain.ErrCommandExpired)

	_, err = f.svc.Submit(f.ctx, sign(testNow.Add(time.Hour)))
	require.ErrorIs(t, err, domain.ErrBadCommand)
}

func TestLedgerService_BadEnvelope(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	cases := []struct {
		name string
		cmd  SignedCommand
	}{
		{"empty", SignedCommand{}},
		{"not json", SignedCommand{Payload: "{", Signature: "0x00"}},
		{"missing nonce", SignedCommand{Payload: `{"op":"claim","caller":"` + f.owner.Address().Hex() + `","expires_at":1}`}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Submit(f.ctx, tc.cmd)
			require.ErrorIs(t, err, domain.ErrBadCommand)
		})
	}

	_, err := f.submit(f.owner, "mint", map[string]any{})
	require.ErrorIs(t, err, domain.ErrBadCommand)
}

func TestLedgerService_FailedCommandLeavesNoTrace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pool := f.createPool(5)
	f.mustSubmit(f.user, "create_position", ledger.CreatePosition{Pool: pool})

	before, err := f.svc.ListAudit(f.ctx, domain.ListOpts{})
	require.NoError(t, err)

	_, err = f.submit(f.user, "deposit", ledger.Deposit{Pool: pool, Amount: 1000})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	after, err := f.svc.ListAudit(f.ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	pos, err := f.svc.GetPosition(f.ctx, f.user.Address(), pool)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionIdle, pos.Status)
}

func TestLedgerService_AuditTrail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	cmd := f.command(f.owner, "create_pool", ledger.CreatePool{Seed: testSeed, FeePercent: 3, TokenDelegate: testDelegate})
	r, err := f.svc.Submit(f.ctx, cmd)
	require.NoError(t, err)

	entries, err := f.svc.ListAudit(f.ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "ledger.create_pool", entries[0].Event)
	assert.Equal(t, r.CommandHash.Hex(), entries[0].Detail["command_hash"])
	assert.Equal(t, r.EventID, entries[0].Detail["id"])
}

func TestLedgerService_PreauthorizeSpender(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	pool := f.createPool(0)
	account := common.HexToAddress("0x00000000000000000000000000000000000070c1")
	spender := common.HexToAddress("0x000000000000000000000000000000000000005e")

	require.NoError(t, f.svc.OpenTokenAccount(f.ctx, account, f.owner.Address()))
	f.mustSubmit(f.owner, "preauthorize_spender", ledger.PreauthorizeSpender{
		Pool:         pool,
		TokenAccount: account,
		Spender:      spender,
		Amount:       700,
	})

	got, err := f.svc.Allowance(f.ctx, account, spender)
	require.NoError(t, err)
	assert.Equal(t, uint64(700), got)
}

type failingNotifier struct{ calls int }

func (n *failingNotifier) NotifyEvent(context.Context, domain.LedgerEvent) error {
	n.calls++
	return errors.New("telegram down")
}

func TestLedgerService_SideEffectFailuresDoNotFailCommand(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	n := &failingNotifier{}
	f.svc.WithNotifier(n)

	f.createPool(1)
	assert.Equal(t, 1, n.calls)
}

func newRedisFixture(t *testing.T) (*fixture, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })

	f := newFixture(t)
	f.svc.WithLocks(redis.NewLockManager(client)).WithBus(redis.NewSignalBus(client))
	return f, client
}

func TestLedgerService_PublishesEvents(t *testing.T) {
	t.Parallel()
	f, client := newRedisFixture(t)
	bus := redis.NewSignalBus(client)

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	ch, err := bus.Subscribe(ctx, event.ChannelAll)
	require.NoError(t, err)

	r := f.mustSubmit(f.owner, "create_pool", ledger.CreatePool{Seed: testSeed, FeePercent: 4, TokenDelegate: testDelegate})

	select {
	case frame := <-ch:
		got, err := event.Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, r.EventID, got.ID)
		assert.Equal(t, "create_pool", got.Op)
		assert.Equal(t, testPool, got.Pool)
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}

	msgs, err := f.svc.Events(f.ctx, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	got, err := event.Decode(msgs[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, r.EventID, got.ID)
}

func TestLedgerService_LockHeldRejectsCommand(t *testing.T) {
	t.Parallel()
	f, client := newRedisFixture(t)
	pool := f.createPool(0)

	unlock, err := redis.NewLockManager(client).Acquire(f.ctx, "pool:"+pool.Hex(), time.Minute)
	require.NoError(t, err)

	_, err = f.submit(f.owner, "set_fee_percent", ledger.SetFeePercent{Pool: pool, FeePercent: 9})
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	r := f.mustSubmit(f.owner, "set_fee_percent", ledger.SetFeePercent{Pool: pool, FeePercent: 9})
	assert.Equal(t, uint64(9), r.Pool.FeePercent)
}

func TestLedgerService_BusyCommandCanBeResent(t *testing.T) {
	t.Parallel()
	f, client := newRedisFixture(t)
	pool := f.createPool(0)

	unlock, err := redis.NewLockManager(client).Acquire(f.ctx, "pool:"+pool.Hex(), time.Minute)
	require.NoError(t, err)

	cmd := f.command(f.owner, "set_fee_percent", ledger.SetFeePercent{Pool: pool, FeePercent: 7})
	_, err = f.svc.Submit(f.ctx, cmd)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	// The same signed envelope goes through once the lock is free, and only
	// then is its nonce spent.
	unlock()
	r, err := f.svc.Submit(f.ctx, cmd)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), r.Pool.FeePercent)

	_, err = f.svc.Submit(f.ctx, cmd)
	require.ErrorIs(t, err, domain.ErrReplayedCommand)
}

type recordingLocks struct {
	held     map[string]bool
	fail     string
	acquired []string
}

func (l *recordingLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if key == l.fail {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	l.acquired = append(l.acquired, key)
	return func() { delete(l.held, key) }, nil
}

func TestAcquireAll(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	locks := &recordingLocks{held: map[string]bool{}}
	unlock, err := acquireAll(ctx, locks, []string{"pool:b", "position:a", "pool:b", "pool:a"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"pool:a", "pool:b", "position:a"}, locks.acquired)
	unlock()
	assert.Empty(t, locks.held)

	locks = &recordingLocks{held: map[string]bool{}, fail: "pool:b"}
	_, err = acquireAll(ctx, locks, []string{"position:a", "pool:a", "pool:b"}, time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	assert.Empty(t, locks.held)
}

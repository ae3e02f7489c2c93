package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/ledger"
	"github.com/alanyoungcy/poolledger/internal/store/memory"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	owner     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	delegate  = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	depositor = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	stranger  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	newOwner  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	seed      = common.HexToAddress("0x0000000000000000000000000000000000005eed")
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *memory.Ledger
	tokens *memory.TokenBook
	engine *ledger.Engine
	pool   common.Address
}

func newHarness(t *testing.T, strict bool) *harness {
	t.Helper()
	store := memory.NewLedger()
	tokens := memory.NewTokenBook()
	return &harness{
		t:      t,
		ctx:    context.Background(),
		store:  store,
		tokens: tokens,
		engine: ledger.NewEngine(store, tokens, ledger.Options{
			StrictPhases: strict,
			Now:          func() time.Time { return fixedNow },
		}),
		pool: domain.PoolIDFromSeed(seed),
	}
}

// withPool creates the standard pool owned by owner with delegate as token
// delegate.
func (h *harness) withPool(feePercent uint64) *harness {
	h.t.Helper()
	h.mustExec(owner, ledger.CreatePool{Seed: seed, FeePercent: feePercent, TokenDelegate: delegate})
	return h
}

func (h *harness) exec(who common.Address, op ledger.Operation) (ledger.Result, error) {
	return h.engine.Execute(h.ctx, ledger.Proven(who), op)
}

func (h *harness) mustExec(who common.Address, op ledger.Operation) ledger.Result {
	h.t.Helper()
	res, err := h.exec(who, op)
	require.NoError(h.t, err, "op %s", op.Name())
	return res
}

func (h *harness) fund(account common.Address, amount uint64) {
	h.t.Helper()
	err := h.store.Atomic(h.ctx, func(tx domain.LedgerTx) error {
		return tx.Credit(h.ctx, account, amount)
	})
	require.NoError(h.t, err)
}

func (h *harness) balance(account common.Address) uint64 {
	h.t.Helper()
	b, err := h.store.Balance(h.ctx, account)
	require.NoError(h.t, err)
	return b
}

func (h *harness) poolState() domain.Pool {
	h.t.Helper()
	p, err := h.store.GetPool(h.ctx, h.pool)
	require.NoError(h.t, err)
	return p
}

func (h *harness) position(who common.Address) domain.Position {
	h.t.Helper()
	p, err := h.store.GetPosition(h.ctx, domain.PositionKey{Owner: who, Pool: h.pool})
	require.NoError(h.t, err)
	return p
}

// snapshot captures every balance and record the tests compare for atomicity.
type snapshot struct {
	balances map[common.Address]uint64
	pool     domain.Pool
	position *domain.Position
}

func (h *harness) snapshot(who common.Address) snapshot {
	h.t.Helper()
	s := snapshot{balances: map[common.Address]uint64{}}
	for _, a := range []common.Address{owner, delegate, depositor, stranger, newOwner, h.pool} {
		s.balances[a] = h.balance(a)
	}
	s.pool = h.poolState()
	if p, err := h.store.GetPosition(h.ctx, domain.PositionKey{Owner: who, Pool: h.pool}); err == nil {
		s.position = &p
	}
	return s
}

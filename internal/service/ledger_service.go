package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/poolledger/internal/crypto"
	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/event"
	"github.com/alanyoungcy/poolledger/internal/ledger"
)

// ReceiptSigner signs command receipts with the operator key.
type ReceiptSigner interface {
	SignReceipt(r crypto.ReceiptPayload) (string, error)
	Address() common.Address
	ChainID() int64
}

// EventNotifier delivers operator alerts for committed events.
type EventNotifier interface {
	NotifyEvent(ctx context.Context, e domain.LedgerEvent) error
}

// TokenAccounts manages token accounts in the token subsystem.
type TokenAccounts interface {
	OpenAccount(ctx context.Context, account, owner common.Address) error
	Allowance(ctx context.Context, account, spender common.Address) (uint64, error)
}

// Options tunes command admission.
type Options struct {
	// MaxCommandTTL rejects commands whose expiry lies further ahead.
	MaxCommandTTL time.Duration
	// LockTTL bounds how long a command holds its record locks.
	LockTTL time.Duration
}

// DefaultOptions returns the settings used when none are configured.
func DefaultOptions() Options {
	return Options{MaxCommandTTL: 15 * time.Minute, LockTTL: 10 * time.Second}
}

// LedgerService admits signed commands, runs them on the engine and fans
// the committed events out to the audit log, the bus and notifications.
type LedgerService struct {
	engine *ledger.Engine
	reader domain.LedgerReader
	store  domain.LedgerStore
	audit  domain.AuditStore
	nonces domain.NonceGuard
	signer ReceiptSigner
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	locks    domain.LockManager
	bus      domain.SignalBus
	stream   domain.EventStream
	notifier EventNotifier
	tokens   TokenAccounts
}

// NewLedgerService creates a LedgerService with its required dependencies.
func NewLedgerService(
	engine *ledger.Engine,
	reader domain.LedgerReader,
	store domain.LedgerStore,
	audit domain.AuditStore,
	nonces domain.NonceGuard,
	signer ReceiptSigner,
	opts Options,
	logger *slog.Logger,
) *LedgerService {
	def := DefaultOptions()
	if opts.MaxCommandTTL <= 0 {
		opts.MaxCommandTTL = def.MaxCommandTTL
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = def.LockTTL
	}
	return &LedgerService{
		engine: engine,
		reader: reader,
		store:  store,
		audit:  audit,
		nonces: nonces,
		signer: signer,
		opts:   opts,
		logger: logger.With(slog.String("component", "ledger_service")),
		now:    time.Now,
	}
}

// WithLocks serializes commands on shared records across replicas.
func (s *LedgerService) WithLocks(l domain.LockManager) *LedgerService {
	s.locks = l
	return s
}

// WithBus publishes committed events on the signal bus and, if the bus also
// keeps a stream, appends them to the event backlog.
func (s *LedgerService) WithBus(bus domain.SignalBus) *LedgerService {
	s.bus = bus
	if st, ok := bus.(domain.EventStream); ok {
		s.stream = st
	}
	return s
}

// WithNotifier sends alerts for committed events.
func (s *LedgerService) WithNotifier(n EventNotifier) *LedgerService {
	s.notifier = n
	return s
}

// WithTokenAccounts enables token account administration.
func (s *LedgerService) WithTokenAccounts(t TokenAccounts) *LedgerService {
	s.tokens = t
	return s
}

// Operator returns the address that signs receipts.
func (s *LedgerService) Operator() common.Address {
	return s.signer.Address()
}

// Submit verifies and executes one signed command.
func (s *LedgerService) Submit(ctx context.Context, cmd SignedCommand) (Receipt, error) {
	payload, err := parsePayload(cmd.Payload)
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger_service: %w", err)
	}

	signer, err := crypto.RecoverMessage([]byte(cmd.Payload), cmd.Signature)
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger_service: %w: %v", domain.ErrInvalidAuthorization, err)
	}
	if signer != payload.Caller {
		return Receipt{}, fmt.Errorf("ledger_service: signature by %s, caller claims %s: %w",
			signer.Hex(), payload.Caller.Hex(), domain.ErrInvalidAuthorization)
	}
	if payload.ChainID != s.signer.ChainID() {
		return Receipt{}, fmt.Errorf("ledger_service: command for chain %d, ledger on %d: %w",
			payload.ChainID, s.signer.ChainID(), domain.ErrInvalidAuthorization)
	}

	now := s.now()
	expiry := payload.Expiry()
	if !now.Before(expiry) {
		return Receipt{}, fmt.Errorf("ledger_service: expired at %s: %w", expiry.Format(time.RFC3339), domain.ErrCommandExpired)
	}
	if expiry.Sub(now) > s.opts.MaxCommandTTL {
		return Receipt{}, fmt.Errorf("ledger_service: expiry beyond %s: %w", s.opts.MaxCommandTTL, domain.ErrBadCommand)
	}

	op, err := ledger.Decode(payload.Op, payload.Args)
	if err != nil {
		return Receipt{}, fmt.Errorf("ledger_service: %w", err)
	}

	caller := ledger.Proven(payload.Caller)
	if s.locks != nil {
		unlock, err := acquireAll(ctx, s.locks, lockKeys(op.Targets(caller)), s.opts.LockTTL)
		if err != nil {
			return Receipt{}, fmt.Errorf("ledger_service: %w", err)
		}
		defer unlock()
	}

	// Claimed only once the locks are held, so a busy command can be resent
	// as is. It stays claimed past expiry so a replay is always rejected by
	// one of the two checks.
	if err := s.nonces.Claim(ctx, payload.Caller, payload.Nonce, expiry.Sub(now)+time.Minute); err != nil {
		return Receipt{}, fmt.Errorf("ledger_service: %w", err)
	}

	res, err := s.engine.Execute(ctx, caller, op)
	if err != nil {
		s.logger.InfoContext(ctx, "command rejected",
			slog.String("op", payload.Op),
			slog.String("caller", payload.Caller.Hex()),
			slog.String("error", err.Error()),
		)
		return Receipt{}, fmt.Errorf("ledger_service: %w", err)
	}

	hash := crypto.CommandHash([]byte(cmd.Payload))
	evt := res.Event(uuid.NewString(), payload.Caller)
	s.fanOut(ctx, evt, map[string]any{"command_hash": hash.Hex(), "nonce": payload.Nonce})

	receipt := Receipt{
		CommandHash: hash,
		Op:          res.Op,
		Caller:      payload.Caller,
		EventID:     evt.ID,
		ExecutedAt:  res.At,
		Operator:    s.signer.Address(),
		Event:       evt,
		Pool:        res.Pool,
		Position:    res.Position,
	}
	receipt.Signature, err = s.signer.SignReceipt(crypto.ReceiptPayload{
		CommandHash: hash,
		Caller:      payload.Caller,
		Op:          res.Op,
		EventID:     evt.ID,
		ExecutedAt:  res.At.Unix(),
	})
	if err != nil {
		// The command has committed; the receipt goes out unsigned.
		s.logger.ErrorContext(ctx, "sign receipt failed",
			slog.String("event_id", evt.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "command executed",
		slog.String("op", res.Op),
		slog.String("caller", payload.Caller.Hex()),
		slog.String("pool", res.Pool.ID.Hex()),
		slog.Uint64("amount", evt.Amount),
		slog.String("event_id", evt.ID),
	)
	return receipt, nil
}

// Fund credits a native account. It stands in for the host's native
// currency faucet and is reachable only through the admin API.
func (s *LedgerService) Fund(ctx context.Context, account common.Address, amount uint64) (uint64, error) {
	if account == (common.Address{}) {
		return 0, fmt.Errorf("ledger_service: fund: zero account: %w", domain.ErrBadCommand)
	}
	var balance uint64
	err := s.store.Atomic(ctx, func(tx domain.LedgerTx) error {
		if err := tx.Credit(ctx, account, amount); err != nil {
			return err
		}
		b, err := tx.Balance(ctx, account)
		balance = b
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("ledger_service: fund %s: %w", account.Hex(), err)
	}

	s.fanOut(ctx, domain.LedgerEvent{
		ID:      uuid.NewString(),
		Op:      "fund",
		Caller:  s.signer.Address(),
		Subject: account,
		Amount:  amount,
		At:      s.now().UTC(),
	}, nil)
	return balance, nil
}

// OpenTokenAccount registers a token account owned by owner.
func (s *LedgerService) OpenTokenAccount(ctx context.Context, account, owner common.Address) error {
	if s.tokens == nil {
		return fmt.Errorf("ledger_service: no token subsystem: %w", domain.ErrDelegationFailed)
	}
	if account == (common.Address{}) || owner == (common.Address{}) {
		return fmt.Errorf("ledger_service: open token account: %w", domain.ErrBadCommand)
	}
	if err := s.tokens.OpenAccount(ctx, account, owner); err != nil {
		return fmt.Errorf("ledger_service: open token account: %w", err)
	}
	s.auditLog(ctx, "token.open_account", map[string]any{"account": account.Hex(), "owner": owner.Hex()})
	return nil
}

// Allowance returns the token allowance of spender on account.
func (s *LedgerService) Allowance(ctx context.Context, account, spender common.Address) (uint64, error) {
	if s.tokens == nil {
		return 0, fmt.Errorf("ledger_service: no token subsystem: %w", domain.ErrNotFound)
	}
	return s.tokens.Allowance(ctx, account, spender)
}

// GetPool returns a pool by ID.
func (s *LedgerService) GetPool(ctx context.Context, id common.Address) (domain.Pool, error) {
	return s.reader.GetPool(ctx, id)
}

// GetPosition returns the position of owner in pool.
func (s *LedgerService) GetPosition(ctx context.Context, owner, pool common.Address) (domain.Position, error) {
	return s.reader.GetPosition(ctx, domain.PositionKey{Owner: owner, Pool: pool})
}

// ListPositions returns the positions of a pool.
func (s *LedgerService) ListPositions(ctx context.Context, pool common.Address, opts domain.ListOpts) ([]domain.Position, error) {
	return s.reader.ListPositions(ctx, pool, opts)
}

// Balance returns the native balance of account.
func (s *LedgerService) Balance(ctx context.Context, account common.Address) (uint64, error) {
	return s.reader.Balance(ctx, account)
}

// ListAudit returns audit entries, newest first.
func (s *LedgerService) ListAudit(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return s.audit.List(ctx, opts)
}

// Events pages through the event backlog after the given stream ID.
func (s *LedgerService) Events(ctx context.Context, after string, limit int) ([]domain.StreamMessage, error) {
	if s.stream == nil {
		return nil, nil
	}
	return s.stream.StreamRead(ctx, event.StreamName, after, limit)
}

// fanOut runs the best-effort side effects of a committed event. Failures
// are logged and never reach the caller.
func (s *LedgerService) fanOut(ctx context.Context, evt domain.LedgerEvent, extra map[string]any) {
	detail := event.Fields(evt)
	for k, v := range extra {
		detail[k] = v
	}
	s.auditLog(ctx, "ledger."+evt.Op, detail)

	if s.bus != nil || s.stream != nil {
		frame, err := event.Encode(evt)
		if err != nil {
			s.logger.WarnContext(ctx, "encode event failed",
				slog.String("event_id", evt.ID),
				slog.String("error", err.Error()),
			)
		} else {
			s.publish(ctx, evt, frame)
		}
	}

	if s.notifier != nil {
		if err := s.notifier.NotifyEvent(ctx, evt); err != nil {
			s.logger.WarnContext(ctx, "notify failed",
				slog.String("event_id", evt.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (s *LedgerService) publish(ctx context.Context, evt domain.LedgerEvent, frame []byte) {
	var errs []error
	if s.bus != nil {
		errs = append(errs, s.bus.Publish(ctx, event.ChannelAll, frame))
		if evt.Pool != (common.Address{}) {
			errs = append(errs, s.bus.Publish(ctx, event.PoolChannel(evt.Pool), frame))
		}
	}
	if s.stream != nil {
		errs = append(errs, s.stream.StreamAppend(ctx, event.StreamName, frame))
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("event_id", evt.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *LedgerService) auditLog(ctx context.Context, name string, detail map[string]any) {
	if err := s.audit.Log(ctx, name, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", name),
			slog.String("error", err.Error()),
		)
	}
}

func lockKeys(t ledger.Targets) []string {
	keys := []string{"pool:" + t.Pool.Hex()}
	if t.Position != nil {
		keys = append(keys, "position:"+t.Position.Owner.Hex()+":"+t.Position.Pool.Hex())
	}
	return keys
}

// acquireAll locks keys in sorted order so two commands locking overlapping
// sets cannot deadlock. On failure nothing stays locked.
func acquireAll(ctx context.Context, lm domain.LockManager, keys []string, ttl time.Duration) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for i, k := range sorted {
		if i > 0 && k == sorted[i-1] {
			continue
		}
		unlock, err := lm.Acquire(ctx, k, ttl)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

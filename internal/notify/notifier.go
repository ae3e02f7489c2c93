// Package notify delivers operator alerts for ledger events to Telegram and
// Discord, filtered by event type.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Notify forwards
// only allowed event types; NotifyAll bypasses the filter.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	decimals int32
	logger   *slog.Logger
}

// NewNotifier creates a Notifier for the given senders. An empty events list
// allows every event type. decimals is the number of fractional digits used
// when rendering native amounts.
func NewNotifier(senders []Sender, events []string, decimals int32, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		decimals: decimals,
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is configured.
func (n *Notifier) Enabled() bool { return n != nil && len(n.senders) > 0 }

// Notify sends to all senders if event passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// NotifyEvent renders a ledger event and sends it through Notify.
func (n *Notifier) NotifyEvent(ctx context.Context, e domain.LedgerEvent) error {
	title, message := n.Render(e)
	return n.Notify(ctx, e.Op, title, message)
}

// Render formats a ledger event as an alert title and body.
func (n *Notifier) Render(e domain.LedgerEvent) (string, string) {
	pool := e.Pool.Hex()
	switch e.Op {
	case "claim":
		return "Pool claim",
			fmt.Sprintf("%s claimed %s from pool %s (%s branch)", e.Caller.Hex(), n.Amount(e.Amount), pool, e.Branch)
	case "transfer_ownership":
		return "Pool ownership transferred",
			fmt.Sprintf("pool %s now owned by %s (was %s)", pool, e.Subject.Hex(), e.Caller.Hex())
	case "set_active":
		state := "inactive"
		if e.Flag {
			state = "active: withdrawals and owner claims blocked"
		}
		return "Pool flag changed", fmt.Sprintf("pool %s is now %s", pool, state)
	case "withdraw":
		return "Withdrawal", fmt.Sprintf("%s withdrew %s from pool %s", e.Caller.Hex(), n.Amount(e.Amount), pool)
	case "deposit":
		return "Deposit", fmt.Sprintf("%s deposited %s into pool %s (fee %s)",
			e.Caller.Hex(), n.Amount(e.Amount), pool, n.Amount(e.Fee))
	}
	return "Ledger " + e.Op, fmt.Sprintf("%s by %s on pool %s", e.Op, e.Caller.Hex(), pool)
}

// Amount renders base units as a decimal string with the configured
// precision.
func (n *Notifier) Amount(units uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -n.decimals).String()
}

// dispatch sends to every sender. One sender failing does not stop the
// others; failures are combined into the returned error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

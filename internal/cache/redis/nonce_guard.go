package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// NonceGuard implements domain.NonceGuard with SETNX keys that expire with
// the command they belong to.
type NonceGuard struct {
	c *Client
}

// NewNonceGuard creates a NonceGuard backed by the given Client.
func NewNonceGuard(c *Client) *NonceGuard {
	return &NonceGuard{c: c}
}

func (g *NonceGuard) key(caller common.Address, nonce string) string {
	return g.c.Key("nonce", strings.ToLower(caller.Hex()), nonce)
}

// Claim records nonce for caller. A nonce already seen within its ttl is
// rejected with domain.ErrReplayedCommand.
func (g *NonceGuard) Claim(ctx context.Context, caller common.Address, nonce string, ttl time.Duration) error {
	ok, err := g.c.rdb.SetNX(ctx, g.key(caller, nonce), 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis: claim nonce: %w", err)
	}
	if !ok {
		return fmt.Errorf("redis: nonce %s: %w", nonce, domain.ErrReplayedCommand)
	}
	return nil
}

var _ domain.NonceGuard = (*NonceGuard)(nil)

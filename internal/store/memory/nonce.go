package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/ethereum/go-ethereum/common"
)

// NonceBook remembers command nonces per caller until they expire.
type NonceBook struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewNonceBook returns an empty NonceBook.
func NewNonceBook() *NonceBook {
	return &NonceBook{seen: make(map[string]time.Time), now: time.Now}
}

func (n *NonceBook) Claim(_ context.Context, caller common.Address, nonce string, ttl time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	for k, exp := range n.seen {
		if !now.Before(exp) {
			delete(n.seen, k)
		}
	}
	key := caller.Hex() + ":" + nonce
	if _, ok := n.seen[key]; ok {
		return fmt.Errorf("memory: nonce %s: %w", nonce, domain.ErrReplayedCommand)
	}
	n.seen[key] = now.Add(ttl)
	return nil
}

var _ domain.NonceGuard = (*NonceBook)(nil)

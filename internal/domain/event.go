package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LedgerEvent describes one committed ledger operation. It is published on
// the signal bus and written to the audit log.
type LedgerEvent struct {
	ID     string
	Op     string
	Caller common.Address
	Pool   common.Address
	// Subject is the depositor, new owner, delegate or spender, when the
	// operation has one.
	Subject common.Address
	Amount  uint64
	Fee     uint64
	Flag    bool
	Branch  string
	At      time.Time
}

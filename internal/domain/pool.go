package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Pool is a shared escrow ledger record administered by an owner and a token
// delegate. Its native balance lives in the account addressed by ID.
type Pool struct {
	ID            common.Address
	Owner         common.Address
	TokenDelegate common.Address
	Seed          common.Address
	FeePercent    uint64
	RewardBalance uint64
	Active        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

var poolNamespace = []byte("poolledger/pool")

// PoolIDFromSeed derives the account address of the pool created from seed.
// The hash keeps pool accounts out of the address space wallets sign from.
func PoolIDFromSeed(seed common.Address) common.Address {
	return common.BytesToAddress(crypto.Keccak256(poolNamespace, seed.Bytes())[12:])
}

package event

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

func TestEncodeDecode_PreservesFullAmounts(t *testing.T) {
	t.Parallel()
	e := domain.LedgerEvent{
		ID:      "6f1c",
		Op:      "claim",
		Caller:  common.HexToAddress("0x00000000000000000000000000000000000000d1"),
		Pool:    common.HexToAddress("0x0000000000000000000000000000000000005eed"),
		Subject: common.HexToAddress("0x00000000000000000000000000000000000000d1"),
		Amount:  ^uint64(0),
		Fee:     50,
		Branch:  "delegate",
		At:      time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC),
	}

	b, err := Encode(e)
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestDecode_Garbage(t *testing.T) {
	t.Parallel()
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}

func TestPoolChannel(t *testing.T) {
	t.Parallel()
	pool := common.HexToAddress("0x0000000000000000000000000000000000005eed")
	assert.Equal(t, "ledger:pool:"+pool.Hex(), PoolChannel(pool))
}

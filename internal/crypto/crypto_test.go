package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSigner_MessageRoundTrip(t *testing.T) {
	t.Parallel()
	s, err := NewSigner("0x"+testKeyHex, 1)
	require.NoError(t, err)

	msg := []byte(`{"op":"deposit"}`)
	sig, err := s.SignMessage(msg)
	require.NoError(t, err)
	assert.Len(t, sig, 2+65*2)

	got, err := RecoverMessage(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	other, err := RecoverMessage([]byte(`{"op":"claim"}`), sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), other)
}

func TestRecoverMessage_Malformed(t *testing.T) {
	t.Parallel()

	for _, sig := range []string{"", "0x", "0xzz", "0x" + hex.EncodeToString(make([]byte, 64))} {
		_, err := RecoverMessage([]byte("x"), sig)
		require.ErrorIs(t, err, ErrBadSignature, sig)
	}
}

func TestSigner_ReceiptBoundToChain(t *testing.T) {
	t.Parallel()
	pk, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	s := NewSignerFromKey(pk, 31337)

	r := ReceiptPayload{
		CommandHash: CommandHash([]byte("payload")),
		Caller:      common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Op:          "claim",
		EventID:     "e-1",
		ExecutedAt:  1_700_000_000,
	}
	sig, err := s.SignReceipt(r)
	require.NoError(t, err)

	got, err := RecoverReceipt(r, 31337, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	got, err = RecoverReceipt(r, 1, sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), got)

	r.Op = "withdraw"
	got, err = RecoverReceipt(r, 31337, sig)
	require.NoError(t, err)
	assert.NotEqual(t, s.Address(), got)
}

func TestEncryptDecryptKey(t *testing.T) {
	t.Parallel()

	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)
	assert.Contains(t, string(blob), `"address"`)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)

	_, err = EncryptKey("nothex", "pw")
	require.Error(t, err)
	_, err = EncryptKey(testKeyHex, "")
	require.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	t.Parallel()

	k, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKeyHex})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, k)

	blob, err := EncryptKey(testKeyHex, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "operator.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	k, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, k)

	_, err = LoadKey(KeyConfig{})
	require.Error(t, err)
}

func TestHMACAuth_Verify(t *testing.T) {
	t.Parallel()
	auth := &HMACAuth{Key: "ops", Secret: "s3cret", MaxSkew: time.Minute}
	now := time.Unix(1_700_000_000, 0)

	h := auth.HeadersAt("POST", "/api/admin/accounts/0xabc/fund", `{"amount":5}`, now.Unix())
	verify := func(body string, at time.Time) error {
		return auth.Verify(h[HeaderAdminKey], h[HeaderAdminTimestamp], h[HeaderAdminSignature],
			"POST", "/api/admin/accounts/0xabc/fund", body, at)
	}

	require.NoError(t, verify(`{"amount":5}`, now.Add(30*time.Second)))
	require.ErrorIs(t, verify(`{"amount":6}`, now), ErrBadRequestSignature)
	require.ErrorIs(t, verify(`{"amount":5}`, now.Add(2*time.Minute)), ErrBadRequestSignature)
	require.ErrorIs(t, auth.Verify("other", h[HeaderAdminTimestamp], h[HeaderAdminSignature],
		"POST", "/x", "", now), ErrBadRequestSignature)
	assert.Equal(t, "HMACAuth{key=****, secret=s3cr****}", auth.String())
}

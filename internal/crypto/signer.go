package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature is returned when a signature cannot be decoded or does not
// recover to a public key.
var ErrBadSignature = errors.New("crypto: bad signature")

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	// Receipt(bytes32 commandHash,address caller,string op,string eventId,uint256 executedAt)
	receiptTypeHash = ethcrypto.Keccak256(
		[]byte("Receipt(bytes32 commandHash,address caller,string op,string eventId,uint256 executedAt)"),
	)
)

const (
	domainName    = "PoolLedger"
	domainVersion = "1"
)

// ReceiptPayload is the typed data the operator signs for every executed
// command.
type ReceiptPayload struct {
	CommandHash common.Hash
	Caller      common.Address
	Op          string
	EventID     string
	ExecutedAt  int64 // unix seconds
}

// Signer signs command payloads (EIP-191) and receipts (EIP-712) with one
// secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64
	domainSep  []byte
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk, chainID), nil
}

// NewSignerFromKey creates a Signer from a parsed private key.
func NewSignerFromKey(pk *ecdsa.PrivateKey, chainID int64) *Signer {
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
		domainSep:  domainSeparator(chainID),
	}
}

// Address returns the address derived from the signer's key.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain ID bound into receipt signatures.
func (s *Signer) ChainID() int64 {
	return s.chainID
}

// SignMessage returns the personal-message signature of msg, as a wallet's
// personal_sign would produce it.
func (s *Signer) SignMessage(msg []byte) (string, error) {
	return s.signDigest(accounts.TextHash(msg))
}

// SignReceipt returns the EIP-712 signature of r under the ledger domain.
func (s *Signer) SignReceipt(r ReceiptPayload) (string, error) {
	return s.signDigest(eip712Hash(s.domainSep, receiptStructHash(r)))
}

// RecoverMessage returns the address that produced sig over msg with
// SignMessage.
func RecoverMessage(msg []byte, sig string) (common.Address, error) {
	return recoverDigest(accounts.TextHash(msg), sig)
}

// RecoverReceipt returns the address that signed receipt r on chainID.
func RecoverReceipt(r ReceiptPayload, chainID int64, sig string) (common.Address, error) {
	return recoverDigest(eip712Hash(domainSeparator(chainID), receiptStructHash(r)), sig)
}

// CommandHash is the keccak256 hash identifying a command payload.
func CommandHash(payload []byte) common.Hash {
	return ethcrypto.Keccak256Hash(payload)
}

func domainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			eip712DomainTypeHash,
			ethcrypto.Keccak256([]byte(domainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			bigIntTo32Bytes(big.NewInt(chainID)),
		),
	)
}

func receiptStructHash(r ReceiptPayload) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			receiptTypeHash,
			r.CommandHash.Bytes(),
			common.LeftPadBytes(r.Caller.Bytes(), 32),
			ethcrypto.Keccak256([]byte(r.Op)),
			ethcrypto.Keccak256([]byte(r.EventID)),
			bigIntTo32Bytes(big.NewInt(r.ExecutedAt)),
		),
	)
}

// eip712Hash computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

// signDigest signs a 32-byte digest and returns r || s || v as 0x hex with
// v in {27, 28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func recoverDigest(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[:32]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}

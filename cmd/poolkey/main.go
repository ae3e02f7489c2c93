// Command poolkey manages operator and caller keys for the pool ledger and
// builds signed requests for its API.
//
// Usage:
//
//	poolkey new [-out key.json -password pw]
//	poolkey encrypt -key HEX -password pw -out key.json
//	poolkey address (-key HEX | -file key.json -password pw)
//	poolkey sign (-key HEX | -file key.json -password pw) -op deposit -args '{"pool":"0x..","amount":"5"}'
//	poolkey admin-headers -key-id operator -secret S -method POST -path /api/admin/token-accounts -body '{...}'
//
// Passwords may also be supplied through POOLKEY_PASSWORD.
package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/alanyoungcy/poolledger/internal/crypto"
	"github.com/alanyoungcy/poolledger/internal/service"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "poolkey: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("missing subcommand (new, encrypt, address, sign, admin-headers)")
	}
	switch args[0] {
	case "new":
		return cmdNew(args[1:], out)
	case "encrypt":
		return cmdEncrypt(args[1:], out)
	case "address":
		return cmdAddress(args[1:], out)
	case "sign":
		return cmdSign(args[1:], out)
	case "admin-headers":
		return cmdAdminHeaders(args[1:], out)
	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

// keyFlags registers the shared key source flags on fs.
func keyFlags(fs *flag.FlagSet) *crypto.KeyConfig {
	kc := &crypto.KeyConfig{}
	fs.StringVar(&kc.RawPrivateKey, "key", "", "hex private key")
	fs.StringVar(&kc.EncryptedKeyPath, "file", "", "encrypted key file")
	fs.StringVar(&kc.KeyPassword, "password", os.Getenv("POOLKEY_PASSWORD"), "key file password")
	return kc
}

func loadSigner(kc *crypto.KeyConfig, chainID int64) (*crypto.Signer, error) {
	key, err := crypto.LoadKey(*kc)
	if err != nil {
		return nil, err
	}
	return crypto.NewSigner(key, chainID)
}

func cmdNew(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("new", flag.ContinueOnError)
	path := fs.String("out", "", "write the key encrypted to this file instead of printing it")
	password := fs.String("password", os.Getenv("POOLKEY_PASSWORD"), "password for -out")
	if err := fs.Parse(args); err != nil {
		return err
	}

	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	keyHex := hex.EncodeToString(ethcrypto.FromECDSA(pk))
	addr := ethcrypto.PubkeyToAddress(pk.PublicKey)

	if *path == "" {
		fmt.Fprintf(out, "address: %s\nprivate_key: %s\n", addr.Hex(), keyHex)
		return nil
	}
	if err := writeEncrypted(keyHex, *password, *path); err != nil {
		return err
	}
	fmt.Fprintf(out, "address: %s\nkey_file: %s\n", addr.Hex(), *path)
	return nil
}

func cmdEncrypt(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("encrypt", flag.ContinueOnError)
	key := fs.String("key", "", "hex private key")
	password := fs.String("password", os.Getenv("POOLKEY_PASSWORD"), "encryption password")
	path := fs.String("out", "", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" || *path == "" {
		return errors.New("encrypt: -key and -out are required")
	}
	if err := writeEncrypted(*key, *password, *path); err != nil {
		return err
	}
	fmt.Fprintf(out, "key_file: %s\n", *path)
	return nil
}

func writeEncrypted(keyHex, password, path string) error {
	data, err := crypto.EncryptKey(keyHex, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

func cmdAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("address", flag.ContinueOnError)
	kc := keyFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := loadSigner(kc, 0)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, s.Address().Hex())
	return nil
}

func cmdSign(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	kc := keyFlags(fs)
	op := fs.String("op", "", "operation name, e.g. create_pool")
	rawArgs := fs.String("args", "", "operation arguments as JSON")
	ttl := fs.Duration("ttl", 5*time.Minute, "command lifetime")
	nonce := fs.String("nonce", "", "command nonce (random when empty)")
	chainID := fs.Int64("chain-id", 1, "chain id the ledger runs on")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *op == "" {
		return errors.New("sign: -op is required")
	}

	var opArgs any
	if *rawArgs != "" {
		if !json.Valid([]byte(*rawArgs)) {
			return errors.New("sign: -args is not valid JSON")
		}
		opArgs = json.RawMessage(*rawArgs)
	}
	if *nonce == "" {
		*nonce = uuid.NewString()
	}

	s, err := loadSigner(kc, *chainID)
	if err != nil {
		return err
	}
	cmd, err := service.SignCommand(s, *op, *nonce, time.Now().Add(*ttl), opArgs)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(cmd)
}

func cmdAdminHeaders(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("admin-headers", flag.ContinueOnError)
	auth := &crypto.HMACAuth{}
	fs.StringVar(&auth.Key, "key-id", "operator", "admin key id")
	fs.StringVar(&auth.Secret, "secret", os.Getenv("POOLLEDGER_SERVER_ADMIN_SECRET"), "admin secret")
	method := fs.String("method", "POST", "HTTP method")
	path := fs.String("path", "", "request path")
	body := fs.String("body", "", "request body")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if auth.Secret == "" || *path == "" {
		return errors.New("admin-headers: -secret and -path are required")
	}
	h := auth.Headers(*method, *path, *body)
	for _, k := range []string{crypto.HeaderAdminKey, crypto.HeaderAdminTimestamp, crypto.HeaderAdminSignature} {
		fmt.Fprintf(out, "%s: %s\n", k, h[k])
	}
	return nil
}

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Admin request headers.
const (
	HeaderAdminKey       = "X-Ledger-Key"
	HeaderAdminTimestamp = "X-Ledger-Timestamp"
	HeaderAdminSignature = "X-Ledger-Signature"
)

// ErrBadRequestSignature is returned by Verify for missing, stale or wrong
// request signatures.
var ErrBadRequestSignature = errors.New("crypto: bad request signature")

// HMACAuth holds the credentials for HMAC-authenticated admin requests. The
// signature is base64(HMAC-SHA256(secret, timestamp+method+path+body)).
type HMACAuth struct {
	Key    string
	Secret string
	// MaxSkew bounds how far a request timestamp may drift from now.
	MaxSkew time.Duration
}

// Headers returns the admin headers for a request signed now.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is like Headers with an explicit unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderAdminKey:       h.Key,
		HeaderAdminTimestamp: ts,
		HeaderAdminSignature: hmacSHA256Base64([]byte(h.Secret), ts+method+path+body),
	}
}

// Verify checks the admin headers of a request received at now.
func (h *HMACAuth) Verify(key, ts, sig, method, path, body string, now time.Time) error {
	if key == "" || ts == "" || sig == "" {
		return fmt.Errorf("%w: missing header", ErrBadRequestSignature)
	}
	if !hmac.Equal([]byte(key), []byte(h.Key)) {
		return fmt.Errorf("%w: unknown key", ErrBadRequestSignature)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp %q", ErrBadRequestSignature, ts)
	}
	skew := now.Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	maxSkew := h.MaxSkew
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	if skew > maxSkew {
		return fmt.Errorf("%w: timestamp outside %s window", ErrBadRequestSignature, maxSkew)
	}
	want := hmacSHA256Base64([]byte(h.Secret), ts+method+path+body)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return fmt.Errorf("%w: mismatch", ErrBadRequestSignature)
	}
	return nil
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}

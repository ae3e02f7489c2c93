package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolledger/internal/crypto"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, RequestID(r.Context()))
})

type fixedLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (l *fixedLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allow, l.err
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		limiter *fixedLimiter
		want    int
	}{
		{"allowed", &fixedLimiter{allow: true}, http.StatusOK},
		{"denied", &fixedLimiter{allow: false}, http.StatusTooManyRequests},
		{"limiter down fails open", &fixedLimiter{err: errors.New("redis down")}, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := RateLimit(tc.limiter, 5, 2*time.Second, discard())(okHandler)
			req := httptest.NewRequest(http.MethodGet, "/api/audit", nil)
			req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tc.want, rec.Code)
			assert.Equal(t, []string{"api:203.0.113.9"}, tc.limiter.keys)
			if tc.want == http.StatusTooManyRequests {
				assert.Equal(t, "2", rec.Header().Get("Retry-After"))
				assert.Contains(t, rec.Body.String(), "rate_limited")
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "192.0.2.1", clientIP(req))

	req.Header.Set("X-Real-IP", " 198.51.100.7 ")
	assert.Equal(t, "198.51.100.7", clientIP(req))
}

func TestLogging_AssignsRequestID(t *testing.T) {
	t.Parallel()
	h := Logging(discard())(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	id := rec.Header().Get(HeaderRequestID)
	require.NotEmpty(t, id)
	assert.Equal(t, id, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(HeaderRequestID, "trace-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "trace-1", rec.Header().Get(HeaderRequestID))
}

func TestCORS(t *testing.T) {
	t.Parallel()
	h := CORS([]string{"https://app.example.com/"})(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/commands", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), crypto.HeaderAdminSignature)

	req = httptest.NewRequest(http.MethodGet, "/api/audit", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAdminAuth(t *testing.T) {
	t.Parallel()
	auth := &crypto.HMACAuth{Key: "ops", Secret: "s3cret", MaxSkew: time.Minute}
	now := time.Unix(1_700_000_000, 0)
	var seenBody string
	h := adminAuth(auth, discard(), func() time.Time { return now })(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			seenBody = string(b)
			w.WriteHeader(http.StatusNoContent)
		}))

	body := `{"amount":"5"}`
	send := func(headers map[string]string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/x", strings.NewReader(body))
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, send(auth.HeadersAt(http.MethodPost, "/api/admin/x", body, now.Unix())))
	assert.Equal(t, body, seenBody)

	assert.Equal(t, http.StatusUnauthorized, send(nil))
	stale := auth.HeadersAt(http.MethodPost, "/api/admin/x", body, now.Add(-time.Hour).Unix())
	assert.Equal(t, http.StatusUnauthorized, send(stale))
	wrongPath := auth.HeadersAt(http.MethodPost, "/api/admin/y", body, now.Unix())
	assert.Equal(t, http.StatusUnauthorized, send(wrongPath))

	disabled := AdminAuth(nil, discard())(okHandler)
	rec := httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/admin/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

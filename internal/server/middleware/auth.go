package middleware

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/poolledger/internal/crypto"
)

// maxAdminBody caps admin request bodies; the whole body is signed so it is
// buffered before the handler runs.
const maxAdminBody = 1 << 20

// AdminAuth returns middleware that verifies HMAC-signed admin requests. The
// signature covers timestamp, method, path and body. If auth is nil or has no
// secret, every request is rejected.
func AdminAuth(auth *crypto.HMACAuth, logger *slog.Logger) func(http.Handler) http.Handler {
	return adminAuth(auth, logger, time.Now)
}

func adminAuth(auth *crypto.HMACAuth, logger *slog.Logger, now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil || auth.Secret == "" {
				writeUnauthorized(w, "admin api disabled")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxAdminBody+1))
			if err != nil {
				writeUnauthorized(w, "unreadable body")
				return
			}
			if len(body) > maxAdminBody {
				writeUnauthorized(w, "body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			err = auth.Verify(
				r.Header.Get(crypto.HeaderAdminKey),
				r.Header.Get(crypto.HeaderAdminTimestamp),
				r.Header.Get(crypto.HeaderAdminSignature),
				r.Method, r.URL.Path, string(body), now(),
			)
			if err != nil {
				logger.WarnContext(r.Context(), "admin request rejected",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("reason", err.Error()),
				)
				writeUnauthorized(w, "invalid admin signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeUnauthorized sends a 401 response with a JSON error body.
func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}

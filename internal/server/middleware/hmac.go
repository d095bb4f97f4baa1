package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/raceswap/raced/internal/crypto"
)

// maxSignedBodySize bounds the admin request body read for signature
// verification.
const maxSignedBodySize = 1 << 20

// HMACAuth returns middleware that verifies signed admin requests using the
// X-Raced-Key / X-Raced-Timestamp / X-Raced-Signature headers. The body is
// read for verification and restored for the handler. If auth is nil, all
// requests are rejected; admin routes must never be silently open.
func HMACAuth(auth *crypto.HMACAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth == nil {
				writeUnauthorized(w, "admin API disabled")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodySize))
			if err != nil {
				writeUnauthorized(w, "unreadable request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if err := auth.Verify(
				r.Method,
				r.URL.Path,
				string(body),
				r.Header.Get(crypto.HeaderAPIKey),
				r.Header.Get(crypto.HeaderTimestamp),
				r.Header.Get(crypto.HeaderSignature),
			); err != nil {
				writeUnauthorized(w, "invalid admin signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

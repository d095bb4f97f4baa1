package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceswap/raced/internal/crypto"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthDisabledWhenNoKeyConfigured(t *testing.T) {
	h := Auth("")(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/races", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthAcceptsBearerAndHeaderKey(t *testing.T) {
	h := Auth("sekrit")(okHandler())

	req := httptest.NewRequest("GET", "/api/races", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest("GET", "/api/races", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRejectsBadOrMissingToken(t *testing.T) {
	h := Auth("sekrit")(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/races", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest("GET", "/api/races", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthAlwaysAllowsHealthProbes(t *testing.T) {
	h := Auth("sekrit")(okHandler())
	for _, path := range []string{"/api/health", "/api/ready"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestHMACAuthAcceptsSignedRequest(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "ops-key", Secret: "ops-secret"}

	var seenBody string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		seenBody = string(b)
		w.WriteHeader(http.StatusOK)
	})
	h := HMACAuth(auth)(inner)

	body := `{"force":false}`
	req := httptest.NewRequest("POST", "/admin/races/race-1/lock", strings.NewReader(body))
	for k, v := range auth.HeadersAt("POST", "/admin/races/race-1/lock", body, time.Now().Unix()) {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, seenBody, "body must be restored for the handler")
}

func TestHMACAuthRejectsTamperedBody(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "ops-key", Secret: "ops-secret"}
	h := HMACAuth(auth)(okHandler())

	req := httptest.NewRequest("POST", "/admin/maintenance", strings.NewReader(`{"enabled":false}`))
	for k, v := range auth.HeadersAt("POST", "/admin/maintenance", `{"enabled":true}`, time.Now().Unix()) {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHMACAuthRejectsUnsignedRequest(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "ops-key", Secret: "ops-secret"}
	h := HMACAuth(auth)(okHandler())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/admin/maintenance", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHMACAuthNilConfigRejectsEverything(t *testing.T) {
	h := HMACAuth(nil)(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/admin/treasury", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

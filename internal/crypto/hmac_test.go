package crypto

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACRoundTrip(t *testing.T) {
	auth := &HMACAuth{Key: "ops-key", Secret: "super-secret"}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	headers := auth.HeadersAt("POST", "/admin/races/race-1/lock", `{"force":false}`, now.Unix())
	require.Equal(t, "ops-key", headers[HeaderAPIKey])
	require.Equal(t, strconv.FormatInt(now.Unix(), 10), headers[HeaderTimestamp])
	require.NotEmpty(t, headers[HeaderSignature])

	err := auth.VerifyAt("POST", "/admin/races/race-1/lock", `{"force":false}`,
		headers[HeaderAPIKey], headers[HeaderTimestamp], headers[HeaderSignature], now)
	assert.NoError(t, err)
}

func TestHMACSignatureIsDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "k", Secret: "s"}
	a := auth.HeadersAt("GET", "/admin/treasury", "", 1700000000)
	b := auth.HeadersAt("GET", "/admin/treasury", "", 1700000000)
	assert.Equal(t, a[HeaderSignature], b[HeaderSignature])
}

func TestHMACRejectsTampering(t *testing.T) {
	auth := &HMACAuth{Key: "ops-key", Secret: "super-secret"}
	now := time.Now()
	headers := auth.HeadersAt("POST", "/admin/maintenance", `{"enabled":true}`, now.Unix())

	cases := []struct {
		name                              string
		method, path, body, key, ts, sig string
	}{
		{"wrong method", "GET", "/admin/maintenance", `{"enabled":true}`, headers[HeaderAPIKey], headers[HeaderTimestamp], headers[HeaderSignature]},
		{"wrong path", "POST", "/admin/other", `{"enabled":true}`, headers[HeaderAPIKey], headers[HeaderTimestamp], headers[HeaderSignature]},
		{"tampered body", "POST", "/admin/maintenance", `{"enabled":false}`, headers[HeaderAPIKey], headers[HeaderTimestamp], headers[HeaderSignature]},
		{"unknown key", "POST", "/admin/maintenance", `{"enabled":true}`, "other-key", headers[HeaderTimestamp], headers[HeaderSignature]},
		{"garbage signature", "POST", "/admin/maintenance", `{"enabled":true}`, headers[HeaderAPIKey], headers[HeaderTimestamp], "bm90IGEgc2ln"},
		{"unparseable timestamp", "POST", "/admin/maintenance", `{"enabled":true}`, headers[HeaderAPIKey], "not-a-number", headers[HeaderSignature]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := auth.VerifyAt(tc.method, tc.path, tc.body, tc.key, tc.ts, tc.sig, now)
			assert.Error(t, err)
		})
	}
}

func TestHMACRejectsStaleTimestamps(t *testing.T) {
	auth := &HMACAuth{Key: "k", Secret: "s"}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	// 29 seconds of skew is tolerated in both directions; 31 is not.
	for _, d := range []time.Duration{-29 * time.Second, 29 * time.Second} {
		headers := auth.HeadersAt("GET", "/admin/audit", "", now.Add(d).Unix())
		err := auth.VerifyAt("GET", "/admin/audit", "", "k", headers[HeaderTimestamp], headers[HeaderSignature], now)
		assert.NoError(t, err, "skew %s should be accepted", d)
	}
	for _, d := range []time.Duration{-31 * time.Second, 31 * time.Second} {
		headers := auth.HeadersAt("GET", "/admin/audit", "", now.Add(d).Unix())
		err := auth.VerifyAt("GET", "/admin/audit", "", "k", headers[HeaderTimestamp], headers[HeaderSignature], now)
		assert.Error(t, err, "skew %s should be rejected", d)
	}
}

func TestHMACWrongSecretFailsVerification(t *testing.T) {
	signer := &HMACAuth{Key: "k", Secret: "alpha"}
	verifier := &HMACAuth{Key: "k", Secret: "beta"}
	now := time.Now()

	headers := signer.HeadersAt("GET", "/admin/treasury", "", now.Unix())
	err := verifier.VerifyAt("GET", "/admin/treasury", "", "k", headers[HeaderTimestamp], headers[HeaderSignature], now)
	assert.Error(t, err)
}

func TestHMACStringRedactsCredentials(t *testing.T) {
	auth := &HMACAuth{Key: "ops-key-12345", Secret: "super-secret"}
	s := auth.String()
	assert.NotContains(t, s, "ops-key-12345")
	assert.NotContains(t, s, "super-secret")
	assert.Contains(t, s, "ops-****")
}

package api

import (
	"crypto/x509"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMiddleware(t *testing.T) {
	cfg := AuthConfig{
		Users:   map[string]string{"ops": "hunter2"},
		APIKeys: map[string]bool{"k-live": true, "k-revoked": false},
	}
	h := authMiddleware(cfg, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	basic := func(cred string) string {
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(cred))
	}

	tests := []struct {
		name   string
		path   string
		header string
		value  string
		ok     bool
	}{
		{"health is open", "/health", "", "", true},
		{"metrics are open", "/metrics", "", "", true},
		{"no credentials", "/api/v1/conns", "", "", false},
		{"basic", "/api/v1/tables", "Authorization", basic("ops:hunter2"), true},
		{"basic wrong password", "/api/v1/tables", "Authorization", basic("ops:nope"), false},
		{"basic unknown user", "/api/v1/tables", "Authorization", basic("root:hunter2"), false},
		{"basic without colon", "/api/v1/tables", "Authorization", basic("ops"), false},
		{"basic not base64", "/api/v1/tables", "Authorization", "Basic %%%", false},
		{"bearer", "/api/v1/rules/dyn", "Authorization", "Bearer k-live", true},
		{"bearer revoked", "/api/v1/rules/dyn", "Authorization", "Bearer k-revoked", false},
		{"unknown scheme", "/api/v1/rules/dyn", "Authorization", "Digest k-live", false},
		{"api key header", "/api/v1/events/stream", "X-API-Key", "k-live", true},
		{"api key header unknown", "/api/v1/events/stream", "X-API-Key", "k-other", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if tt.ok {
				assert.Equal(t, http.StatusNoContent, w.Code)
				return
			}
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, authRealm, w.Header().Get("WWW-Authenticate"))
			assert.Contains(t, w.Body.String(), "authentication required")
		})
	}
}

func TestLoadOrCreateCert(t *testing.T) {
	dir := t.TempDir()
	cert, err := loadOrCreateCert(dir, "192.0.2.10:8443")
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "localhost")
	assert.True(t, slices.ContainsFunc(leaf.IPAddresses, func(ip net.IP) bool {
		return ip.Equal(net.ParseIP("192.0.2.10"))
	}))

	// The second call loads the saved pair.
	again, err := loadOrCreateCert(dir, "")
	require.NoError(t, err)
	assert.Equal(t, cert.Certificate[0], again.Certificate[0])
}

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const authRealm = `Basic realm="flowfw API"`

// openPaths are served without credentials.
var openPaths = map[string]bool{"/health": true, "/metrics": true}

// AuthConfig lists the accepted credentials. A request passes with a
// known user and password (Basic), or with an enabled key sent as a
// Bearer token or in X-API-Key.
type AuthConfig struct {
	Users   map[string]string
	APIKeys map[string]bool
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (c AuthConfig) keyOK(key string) bool {
	// Compare against every key so timing does not reveal which matched.
	ok := false
	for k, enabled := range c.APIKeys {
		ok = equal(k, key) && enabled || ok
	}
	return ok
}

func (c AuthConfig) allow(r *http.Request) bool {
	if user, pass, ok := r.BasicAuth(); ok {
		want, known := c.Users[user]
		return known && equal(pass, want)
	}
	if tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return c.keyOK(tok)
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return c.keyOK(key)
	}
	return false
}

func authMiddleware(cfg AuthConfig, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPaths[r.URL.Path] || cfg.allow(r) {
			next.ServeHTTP(w, r)
			return
		}
		w.Header().Set("WWW-Authenticate", authRealm)
		writeJSON(w, http.StatusUnauthorized, Response{Error: "authentication required"})
	})
}

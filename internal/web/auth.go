package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorizeRequest accepts a request when no credential is configured, or
// when it carries the basic-auth credential or the bearer token.
func (s *Server) authorizeRequest(r *http.Request) bool {
	if s.cfg.Credential == "" && s.cfg.Token == "" {
		return true
	}

	if s.cfg.Credential != "" {
		if user, pass, ok := r.BasicAuth(); ok && secureEqual(user+":"+pass, s.cfg.Credential) {
			return true
		}
	}

	if s.cfg.Token != "" {
		if q := strings.TrimSpace(r.URL.Query().Get("token")); q != "" && secureEqual(q, s.cfg.Token) {
			return true
		}
		if h := bearerToken(r.Header.Get("Authorization")); h != "" && secureEqual(h, s.cfg.Token) {
			return true
		}
	}
	return false
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.authorizeRequest(r) {
		return true
	}
	if s.cfg.Credential != "" {
		w.Header().Set("WWW-Authenticate", `Basic realm="ttydeck"`)
	}
	writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
	return false
}

func bearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
}

func secureEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

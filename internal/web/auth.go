package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authorizeRequest checks the access token. Browsers pass it as a ?token=
// query parameter (WebSocket upgrades cannot set headers), API clients as a
// bearer header. An empty configured token disables auth.
func (s *Server) authorizeRequest(r *http.Request) bool {
	want := s.cfg.Token
	if want == "" {
		return true
	}

	presented := []string{
		strings.TrimSpace(r.URL.Query().Get("token")),
		bearerToken(r.Header.Get("Authorization")),
	}
	for _, got := range presented {
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1 {
			return true
		}
	}
	return false
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

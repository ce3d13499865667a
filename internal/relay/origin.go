package relay

import (
	"net/http"
	"strings"
)

// originChecker builds a CheckOrigin callback for the websocket upgrader.
// With no configured origins every peer is accepted: relay subscribers are
// daemons and renderers, not browsers, and requests without an Origin
// header always pass.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if strings.EqualFold(origin, strings.TrimSpace(a)) {
				return true
			}
		}
		return false
	}
}

package httpapi

import (
	"net/http"
	"slices"
	"strings"
)

// DefaultAllowedOrigins are the workflow UI origins allowed to call the API
// from a browser.
var DefaultAllowedOrigins = []string{"http://localhost:8233", "https://cloud.temporal.io"}

var (
	allowedHeaders = []string{"content-type", "x-namespace"}
	allowedMethods = []string{http.MethodPost}
)

// CORS lets browsers on origins issue POST requests with the content-type
// and x-namespace headers. Requests from other origins pass through without
// CORS headers, so browsers reject them.
func CORS(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || !slices.Contains(origins, origin) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(allowedMethods, ", "))
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(allowedHeaders, ", "))
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

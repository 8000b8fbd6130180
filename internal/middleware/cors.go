package middleware

import (
	"net/http"
	"strings"
)

// Headers the resumable upload protocol needs browsers to send and read.
var (
	corsAllowHeaders = strings.Join([]string{
		"Authorization",
		"Content-Type",
		"Tus-Resumable",
		"Upload-Length",
		"Upload-Metadata",
		"Upload-Offset",
	}, ", ")

	corsExposeHeaders = strings.Join([]string{
		"Location",
		"Tus-Resumable",
		"Tus-Version",
		"Tus-Extension",
		"Tus-Max-Size",
		"Upload-Length",
		"Upload-Offset",
	}, ", ")
)

// CORSMiddleware allows browser clients on other origins to drive
// resumable uploads. Preflights are answered here; actual requests
// pass through with the response headers attached.
func CORSMiddleware(allowedOrigin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			if allowedOrigin == "" || allowedOrigin == "*" {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin == allowedOrigin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			} else {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("Access-Control-Expose-Headers", corsExposeHeaders)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, HEAD, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/vaultkeep/vaultkeep/internal/models"
	"github.com/vaultkeep/vaultkeep/internal/tusd"
)

// RecoveryMiddleware turns a handler panic into a logged 500 so one bad
// request cannot take down the listener. Most traffic here is chunk
// writes, so the declared offset goes into the log entry; it places the
// panic within the upload.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				attrs := []any{
					"error", err,
					"method", r.Method,
					"route", routeLabel(r.URL.Path),
					"client_ip", getClientIP(r),
					"stack", string(debug.Stack()),
				}
				if off := r.Header.Get(tusd.HeaderOffset); off != "" {
					attrs = append(attrs, "upload_offset", off)
				}
				slog.Error("panic recovered", attrs...)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)

				json.NewEncoder(w).Encode(models.ErrorResponse{
					Error: "Internal server error",
					Code:  "INTERNAL_ERROR",
				})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

package handlers

import (
	"net/http"
	"time"

	"github.com/vaultkeep/vaultkeep/internal/models"
	"github.com/vaultkeep/vaultkeep/internal/storage"
)

// HealthHandler reports service liveness, the active storage backend,
// and how long the process has been up.
func HealthHandler(backend storage.Backend, startTime time.Time, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sendJSON(w, http.StatusOK, models.HealthResponse{
			Status:        "ok",
			Backend:       backend.Name(),
			UptimeSeconds: int64(time.Since(startTime).Seconds()),
			Version:       version,
		})
	}
}

package handlers

import (
	"net/http"
	"time"
)

// Health reports liveness plus process uptime for the deploy tooling.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(a.started).Seconds()),
	})
}

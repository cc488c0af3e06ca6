package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/umar/chat-receipts/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func Health(presence store.PresenceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		online, err := presence.OnlineCount(r.Context())
		if err != nil {
			slog.Error("failed to count online users", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status":  "degraded",
				"service": "chat",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":       "healthy",
			"service":      "chat",
			"online_users": online,
		})
	}
}

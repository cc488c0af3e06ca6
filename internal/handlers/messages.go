package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/umar/chat-receipts/internal/receipts"
	"github.com/umar/chat-receipts/internal/store"
)

type roomMessages interface {
	store.RoomStore
	store.MessageStore
}

// GetMessages returns the newest messages of a room, oldest first, with
// their rendered statuses. It never records receipts.
func GetMessages(s roomMessages, resolver *receipts.StatusResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["id"]
		if _, err := s.GetRoom(r.Context(), roomID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "room not found")
				return
			}
			slog.Error("failed to get room", "error", err, "room_id", roomID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		limit := 50
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
				limit = l
			}
		}

		msgs, err := s.ListMessages(r.Context(), roomID)
		if err != nil {
			slog.Error("failed to get messages", "error", err, "room_id", roomID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		writeJSON(w, http.StatusOK, resolver.List(r.Context(), msgs))
	}
}

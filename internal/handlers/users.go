package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/umar/chat-receipts/internal/models"
	"github.com/umar/chat-receipts/internal/store"
)

func ListUsers(users store.UserStore, presence store.PresenceStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := users.ListUsers(r.Context())
		if err != nil {
			slog.Error("failed to list users", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		ids := make([]string, len(list))
		for i, u := range list {
			ids[i] = u.ID
		}
		snap, err := presence.Snapshot(r.Context(), ids)
		if err != nil {
			slog.Error("failed to read presence", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		out := make([]models.UserWithPresence, len(list))
		for i, u := range list {
			out[i] = models.UserWithPresence{User: u, Presence: snap[u.ID]}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func CreateUser(users store.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}

		user, err := users.CreateUser(r.Context(), req.Name)
		if err != nil {
			slog.Error("failed to create user", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, user)
	}
}

func ListUserRooms(rooms store.RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["id"]
		list, err := rooms.RoomsForUser(r.Context(), userID)
		if err != nil {
			slog.Error("failed to list rooms", "error", err, "user_id", userID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, list)
	}
}

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/umar/chat-receipts/internal/store"
)

type roomCreator interface {
	store.UserStore
	store.RoomStore
}

func CreateRoom(s roomCreator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name    string   `json:"name"`
			Members []string `json:"members"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		seen := make(map[string]bool, len(req.Members))
		members := make([]string, 0, len(req.Members))
		for _, id := range req.Members {
			if id != "" && !seen[id] {
				seen[id] = true
				members = append(members, id)
			}
		}
		if len(members) < 2 {
			writeError(w, http.StatusBadRequest, "a room needs at least two distinct members")
			return
		}

		found, err := s.UsersByIDs(r.Context(), members)
		if err != nil {
			slog.Error("failed to look up members", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		for _, id := range members {
			if _, ok := found[id]; !ok {
				writeError(w, http.StatusBadRequest, "unknown member "+id)
				return
			}
		}

		room, err := s.CreateRoom(r.Context(), req.Name, members)
		if err != nil {
			slog.Error("failed to create room", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, room)
	}
}

func GetRoom(rooms store.RoomStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := mux.Vars(r)["id"]
		room, err := rooms.GetRoom(r.Context(), roomID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		if err != nil {
			slog.Error("failed to get room", "error", err, "room_id", roomID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, room)
	}
}

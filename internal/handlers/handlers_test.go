package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umar/chat-receipts/internal/models"
	"github.com/umar/chat-receipts/internal/receipts"
	"github.com/umar/chat-receipts/internal/store"
)

type api struct {
	router   *mux.Router
	store    *store.Memory
	presence *store.MemoryPresence
}

func newAPI(t *testing.T) *api {
	t.Helper()
	s := store.NewMemory()
	p := store.NewMemoryPresence()
	r := mux.NewRouter()
	r.HandleFunc("/health", Health(p)).Methods("GET")
	r.HandleFunc("/api/users", ListUsers(s, p)).Methods("GET")
	r.HandleFunc("/api/users", CreateUser(s)).Methods("POST")
	r.HandleFunc("/api/users/{id}/rooms", ListUserRooms(s)).Methods("GET")
	r.HandleFunc("/api/rooms", CreateRoom(s)).Methods("POST")
	r.HandleFunc("/api/rooms/{id}", GetRoom(s)).Methods("GET")
	r.HandleFunc("/api/rooms/{id}/messages", GetMessages(s, receipts.NewStatusResolver(s, s, nil))).Methods("GET")
	return &api{router: r, store: s, presence: p}
}

func (a *api) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestHealthReportsOnlineUsers(t *testing.T) {
	a := newAPI(t)
	require.NoError(t, a.presence.SetOnline(context.Background(), "u1"))

	var body map[string]any
	assert.Equal(t, http.StatusOK, a.do(t, "GET", "/health", "", &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(1), body["online_users"])
}

func TestCreateAndListUsers(t *testing.T) {
	a := newAPI(t)

	var created models.User
	assert.Equal(t, http.StatusCreated, a.do(t, "POST", "/api/users", `{"name":"Sam"}`, &created))
	assert.Equal(t, "Sam", created.Name)
	assert.Equal(t, http.StatusBadRequest, a.do(t, "POST", "/api/users", `{"name":"  "}`, nil))
	assert.Equal(t, http.StatusBadRequest, a.do(t, "POST", "/api/users", `nope`, nil))

	require.NoError(t, a.presence.SetOnline(context.Background(), created.ID))
	var users []models.UserWithPresence
	assert.Equal(t, http.StatusOK, a.do(t, "GET", "/api/users", "", &users))
	require.Len(t, users, 1)
	assert.True(t, users[0].Online)
	assert.True(t, users[0].Active)
}

func TestCreateRoomValidatesMembers(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	sam, _ := a.store.CreateUser(ctx, "Sam")
	pat, _ := a.store.CreateUser(ctx, "Pat")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"too few", `{"name":"x","members":["` + sam.ID + `"]}`, http.StatusBadRequest},
		{"duplicates collapse", `{"name":"x","members":["` + sam.ID + `","` + sam.ID + `"]}`, http.StatusBadRequest},
		{"unknown member", `{"name":"x","members":["` + sam.ID + `","ghost"]}`, http.StatusBadRequest},
		{"ok", `{"name":"dm","members":["` + sam.ID + `","` + pat.ID + `","` + pat.ID + `"]}`, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var room models.Room
			assert.Equal(t, tt.want, a.do(t, "POST", "/api/rooms", tt.body, &room))
			if tt.want == http.StatusCreated {
				assert.Equal(t, []string{sam.ID, pat.ID}, room.Members)
			}
		})
	}

	var rooms []models.Room
	assert.Equal(t, http.StatusOK, a.do(t, "GET", "/api/users/"+pat.ID+"/rooms", "", &rooms))
	require.Len(t, rooms, 1)

	var room models.Room
	assert.Equal(t, http.StatusOK, a.do(t, "GET", "/api/rooms/"+rooms[0].ID, "", &room))
	assert.Equal(t, "dm", room.Name)
	assert.Equal(t, http.StatusNotFound, a.do(t, "GET", "/api/rooms/missing", "", nil))
}

func TestGetMessagesRendersStatusWithoutReceipts(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	sam, _ := a.store.CreateUser(ctx, "Sam")
	pat, _ := a.store.CreateUser(ctx, "Pat")
	room, err := a.store.CreateRoom(ctx, "dm", []string{sam.ID, pat.ID})
	require.NoError(t, err)

	initializer := receipts.NewInitializer(a.store, a.store, a.presence)
	for _, text := range []string{"one", "two", "three"} {
		_, err := initializer.Initialize(ctx, room.ID, sam.ID, text)
		require.NoError(t, err)
	}

	var msgs []models.MessageWithStatus
	assert.Equal(t, http.StatusOK, a.do(t, "GET", "/api/rooms/"+room.ID+"/messages?limit=2", "", &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Message.Text)
	assert.Equal(t, "three", msgs[1].Message.Text)
	assert.Equal(t, "sent", msgs[1].Status)
	assert.Equal(t, "Sam", msgs[1].Message.SenderName)

	pending, err := a.store.PendingReceipts(ctx, room.ID, pat.ID, models.Read)
	require.NoError(t, err)
	assert.Len(t, pending, 3)

	assert.Equal(t, http.StatusNotFound, a.do(t, "GET", "/api/rooms/missing/messages", "", nil))
}

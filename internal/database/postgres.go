package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/umar/chat-receipts/internal/models"
	"github.com/umar/chat-receipts/internal/store"
)

func InitDB(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Store keeps users, rooms and messages in Postgres. Receipt lists are jsonb
// arrays so a receipt append is a single conditional UPDATE.
type Store struct {
	db   *sql.DB
	feed *Feed
}

// NewStore wraps db. feed may be nil, in which case Watch fails.
func NewStore(db *sql.DB, feed *Feed) *Store {
	return &Store{db: db, feed: feed}
}

func (s *Store) Close() error {
	if s.feed != nil {
		s.feed.Close()
	}
	return s.db.Close()
}

// validID rejects ids Postgres would refuse to cast, so they read as missing
// rows instead of query errors.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, name string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (name) VALUES ($1) RETURNING id, name, created_at`,
		name,
	).Scan(&u.ID, &u.Name, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	if !validID(id) {
		return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
	}
	var u models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Name, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()
	return scanUsers(rows)
}

func (s *Store) UsersByIDs(ctx context.Context, ids []string) (map[string]models.User, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if validID(id) {
			valid = append(valid, id)
		}
	}
	found := make(map[string]models.User, len(valid))
	if len(valid) == 0 {
		return found, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM users WHERE id = ANY($1::uuid[])`,
		pq.Array(valid),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to look up users: %w", err)
	}
	defer rows.Close()
	users, err := scanUsers(rows)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		found[u.ID] = u
	}
	return found, nil
}

func scanUsers(rows *sql.Rows) ([]models.User, error) {
	users := []models.User{}
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Name, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Rooms ---

func (s *Store) CreateRoom(ctx context.Context, name string, members []string) (*models.Room, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	r := models.Room{Name: name, Members: append([]string{}, members...)}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO rooms (name) VALUES ($1) RETURNING id, created_at`,
		name,
	).Scan(&r.ID, &r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	for i, userID := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO room_members (room_id, user_id, position) VALUES ($1, $2, $3)`,
			r.ID, userID, i,
		); err != nil {
			return nil, fmt.Errorf("failed to add room member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit room: %w", err)
	}
	return &r, nil
}

const roomColumns = `r.id, r.name, r.created_at,
	ARRAY(SELECT m.user_id::text FROM room_members m WHERE m.room_id = r.id ORDER BY m.position)`

func (s *Store) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	if !validID(id) {
		return nil, fmt.Errorf("room %s: %w", id, store.ErrNotFound)
	}
	var r models.Room
	err := s.db.QueryRowContext(ctx,
		`SELECT `+roomColumns+` FROM rooms r WHERE r.id = $1`,
		id,
	).Scan(&r.ID, &r.Name, &r.CreatedAt, pq.Array(&r.Members))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("room %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return &r, nil
}

func (s *Store) RoomsForUser(ctx context.Context, userID string) ([]models.Room, error) {
	rooms := []models.Room{}
	if !validID(userID) {
		return rooms, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+roomColumns+` FROM rooms r
		 JOIN room_members rm ON rm.room_id = r.id
		 WHERE rm.user_id = $1
		 ORDER BY r.created_at, r.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get user rooms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r models.Room
		if err := rows.Scan(&r.ID, &r.Name, &r.CreatedAt, pq.Array(&r.Members)); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// --- Messages ---

const messageColumns = `id, room_id, sender_id, text, delivered_to, read_by, created_at`

// receiptColumn maps a receipt kind to its column. Only these two names are
// ever interpolated into SQL.
func receiptColumn(kind models.ReceiptKind) string {
	if kind == models.Read {
		return "read_by"
	}
	return "delivered_to"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m                   models.Message
		deliveredTo, readBy []byte
	)
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.Text, &deliveredTo, &readBy, &m.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(deliveredTo, &m.DeliveredTo); err != nil {
		return nil, fmt.Errorf("failed to decode delivered_to of %s: %w", m.ID, err)
	}
	if err := json.Unmarshal(readBy, &m.ReadBy); err != nil {
		return nil, fmt.Errorf("failed to decode read_by of %s: %w", m.ID, err)
	}
	m.Normalize()
	return &m, nil
}

func (s *Store) CreateMessage(ctx context.Context, m *models.Message) (*models.Message, error) {
	if !validID(m.RoomID) {
		return nil, fmt.Errorf("failed to create message: room %s: %w", m.RoomID, store.ErrNotFound)
	}
	draft := m.Clone()
	draft.Normalize()
	deliveredTo, err := json.Marshal(draft.DeliveredTo)
	if err != nil {
		return nil, err
	}
	readBy, err := json.Marshal(draft.ReadBy)
	if err != nil {
		return nil, err
	}

	stored, err := scanMessage(s.db.QueryRowContext(ctx,
		`INSERT INTO messages (room_id, sender_id, text, delivered_to, read_by)
		 VALUES ($1, $2, $3, $4::jsonb, $5::jsonb)
		 RETURNING `+messageColumns,
		draft.RoomID, draft.SenderID, draft.Text, string(deliveredTo), string(readBy),
	))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
			return nil, fmt.Errorf("failed to create message: room %s: %w", m.RoomID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return stored, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	if !validID(id) {
		return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
	}
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	msgs := []models.Message{}
	if !validID(roomID) {
		return msgs, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = $1 ORDER BY created_at, id`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// userMarker is the jsonb containment probe for a user's receipt.
func userMarker(userID string) string {
	b, _ := json.Marshal([]map[string]string{{"user": userID}})
	return string(b)
}

func (s *Store) PendingReceipts(ctx context.Context, roomID, userID string, kind models.ReceiptKind) ([]string, error) {
	if !validID(roomID) || !validID(userID) {
		return nil, nil
	}
	col := receiptColumn(kind)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM messages
		 WHERE room_id = $1 AND sender_id <> $2 AND NOT `+col+` @> $3::jsonb
		 ORDER BY created_at, id`,
		roomID, userID, userMarker(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending %s receipts: %w", kind, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendReceipt appends r with one UPDATE whose WHERE clause re-checks
// membership, so concurrent appends for the same user serialize on the row
// lock and only the first one matches.
func (s *Store) AppendReceipt(ctx context.Context, messageID string, kind models.ReceiptKind, r models.Receipt) (bool, error) {
	if !validID(messageID) || !validID(r.User) {
		return false, nil
	}
	entry, err := json.Marshal([]models.Receipt{r})
	if err != nil {
		return false, err
	}
	col := receiptColumn(kind)
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET `+col+` = `+col+` || $2::jsonb
		 WHERE id = $1 AND sender_id <> $3 AND NOT `+col+` @> $4::jsonb`,
		messageID, string(entry), r.User, userMarker(r.User),
	)
	if err != nil {
		return false, fmt.Errorf("failed to append %s receipt: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Watch(ctx context.Context, roomID string) (store.Subscription, error) {
	if s.feed == nil {
		return nil, errors.New("change feed not configured")
	}
	return s.feed.Watch(ctx, roomID), nil
}

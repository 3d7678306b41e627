// Package postgres implements the durable side of the platform boundary:
// message history and inserts, room metadata, and message templates, all
// backed by PostgreSQL via database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/parley/chat-client/internal/platform"
)

// Store manages chat records in PostgreSQL. It implements
// platform.MessageRepository and platform.RoomDirectory.
type Store struct {
	db *sql.DB
}

// NewStore opens a connection pool for the given DSN and verifies it with a
// ping before returning.
func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: connection failed: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing database handle. Used by tests and by
// callers that manage the pool themselves.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// History returns every message in the room, ascending by creation time with
// id as tiebreak. Rows failing validation are dropped with a log line rather
// than surfaced half-empty.
func (s *Store) History(ctx context.Context, roomID string) ([]platform.Message, error) {
	const query = `
		SELECT id, room_id, author_id, author_handle, body, created_at
		FROM messages
		WHERE room_id = $1
		ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, &platform.FetchError{Op: "history", Err: err}
	}
	defer rows.Close()

	var msgs []platform.Message
	for rows.Next() {
		var m platform.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.AuthorID, &m.AuthorHandle, &m.Body, &m.CreatedAt); err != nil {
			return nil, &platform.FetchError{Op: "history", Err: err}
		}
		if err := m.Validate(); err != nil {
			log.Printf("[postgres] dropping malformed history row: %v", err)
			continue
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, &platform.FetchError{Op: "history", Err: err}
	}
	return msgs, nil
}

// Insert durably writes a message. The id is generated client-side when
// absent; the creation timestamp is always assigned by the database so the
// room-wide order reflects commit order, not client clocks.
func (s *Store) Insert(ctx context.Context, msg platform.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	const query = `
		INSERT INTO messages (id, room_id, author_id, author_handle, body, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.RoomID, msg.AuthorID, msg.AuthorHandle, msg.Body)
	if err != nil {
		return &platform.WriteError{Op: "message", Err: err}
	}
	return nil
}

// Room retrieves room metadata. Returns nil if the room does not exist.
func (s *Store) Room(ctx context.Context, roomID string) (*platform.Room, error) {
	const query = `SELECT id, name, created_at FROM chat_rooms WHERE id = $1`

	var room platform.Room
	err := s.db.QueryRowContext(ctx, query, roomID).Scan(&room.ID, &room.Name, &room.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &platform.FetchError{Op: "room", Err: err}
	}
	return &room, nil
}

// Templates returns all admin-managed message templates, oldest first.
func (s *Store) Templates(ctx context.Context) ([]platform.Template, error) {
	const query = `SELECT id, content, created_at FROM chat_templates ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, &platform.FetchError{Op: "templates", Err: err}
	}
	defer rows.Close()

	var templates []platform.Template
	for rows.Next() {
		var t platform.Template
		if err := rows.Scan(&t.ID, &t.Content, &t.CreatedAt); err != nil {
			return nil, &platform.FetchError{Op: "templates", Err: err}
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &platform.FetchError{Op: "templates", Err: err}
	}
	return templates, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

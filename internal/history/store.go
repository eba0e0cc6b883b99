// Package history keeps an append-only transcript of published chat events
// in PostgreSQL. It is fed from the broker by the archiver process and is
// never on the publish path of a relay node.
package history

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/wchat/relay/internal/protocol"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store appends and reads chat events.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return db, nil
}

// Migrate brings the schema up to date with the embedded migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("history: migrations source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("history: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("history: migrate up: %w", err)
	}
	return nil
}

// NewStore creates a Store on an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append stores ev. Events without an id are rejected; an id already
// stored is ignored, so redelivered events are harmless.
func (s *Store) Append(ctx context.Context, ev protocol.ChatEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("history: event without id")
	}
	sentAt := time.Now()
	if ev.Ts > 0 {
		sentAt = time.UnixMilli(ev.Ts)
	}

	const query = `
		INSERT INTO chat_events (id, room_id, type, sender, receiver, message, bot_mode, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		ev.ID,
		ev.RoomID,
		string(ev.Type),
		ev.Sender,
		ev.Receiver,
		ev.Message,
		ev.BotMode,
		sentAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("history: insert: %w", err)
	}
	return nil
}

// ListRoom returns up to limit of the room's most recent events, oldest
// first.
func (s *Store) ListRoom(ctx context.Context, roomID string, limit int) ([]protocol.ChatEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	const query = `
		SELECT id, room_id, type, sender, receiver, message, bot_mode, sent_at
		FROM (
			SELECT * FROM chat_events
			WHERE room_id = $1
			ORDER BY sent_at DESC, stored_at DESC
			LIMIT $2
		) recent
		ORDER BY sent_at ASC, stored_at ASC`

	rows, err := s.db.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list room: %w", err)
	}
	defer rows.Close()

	var events []protocol.ChatEvent
	for rows.Next() {
		var (
			ev     protocol.ChatEvent
			typ    string
			sentAt time.Time
		)
		if err := rows.Scan(&ev.ID, &ev.RoomID, &typ, &ev.Sender, &ev.Receiver, &ev.Message, &ev.BotMode, &sentAt); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		ev.Type = protocol.MessageType(typ)
		ev.Ts = sentAt.UnixMilli()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list room: %w", err)
	}
	return events, nil
}

package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	_ "modernc.org/sqlite"
)

// Store keeps a SQLite-backed history of what the bot did per user.
// Timestamps are stored as unix nanoseconds so range deletes compare numerically.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. An ephemeral store
// never touches disk and every write is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	log.Info("event store opened", slog.String("path", cfg.Path), slog.String("retention", cfg.RetentionMode))
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS users (
    user_id TEXT PRIMARY KEY,
    user_name TEXT,
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    channel_id TEXT,
    voice TEXT,
    speed INTEGER,
    body TEXT,
    error TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(user_id) REFERENCES users(user_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_user_created ON events(user_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) disabled() bool {
	return s == nil || s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// AppendUser ensures a user row exists and bumps its last_seen.
func (s *Store) AppendUser(ctx context.Context, userID, userName string) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(user_id, user_name, first_seen, last_seen)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   user_name = COALESCE(NULLIF(excluded.user_name, ''), users.user_name),
		   last_seen = excluded.last_seen`,
		userID, userName, now, now)
	return err
}

// AppendEvent writes an event, creating its user row when needed. Events
// without a user are ignored.
func (s *Store) AppendEvent(ctx context.Context, evt protocol.Event) error {
	if s.disabled() || evt.UserID == "" {
		return nil
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = s.clock().UTC()
	}
	if err := s.AppendUser(ctx, evt.UserID, evt.UserName); err != nil {
		return fmt.Errorf("append user: %w", err)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(id, user_id, kind, channel_id, voice, speed, body, error, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.ID, evt.UserID, evt.Kind, evt.ChannelID, evt.Voice, evt.Speed, evt.Text, evt.Error, evt.Timestamp.UnixNano())
	return err
}

// ListUserEvents retrieves up to limit events for a user ordered ascending by time.
func (s *Store) ListUserEvents(ctx context.Context, userID string, limit int) ([]protocol.Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.user_id, COALESCE(u.user_name, ''), e.kind, e.channel_id, e.voice, e.speed, e.body, e.error, e.created_at
		 FROM events e LEFT JOIN users u ON u.user_id = e.user_id
		 WHERE e.user_id = ? ORDER BY e.created_at ASC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []protocol.Event
	for rows.Next() {
		var e protocol.Event
		var created int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.UserName, &e.Kind, &e.ChannelID, &e.Voice, &e.Speed, &e.Text, &e.Error, &created); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention. It runs on open and on the runtime's
// maintenance tick.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() || s.cfg.RetentionMode != "persistent" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM users WHERE last_seen < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxUsers > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM users WHERE user_id IN (
			SELECT user_id FROM users ORDER BY last_seen DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxUsers)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

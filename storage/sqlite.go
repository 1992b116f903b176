package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"meet-notifier/pkg/notifier"
)

// maxInParams keeps IN lists well below SQLite's host parameter limit.
const maxInParams = 500

// migrations are applied in order; db_version records how many ran.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			chat_id INTEGER NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			full_name TEXT NOT NULL DEFAULT '',
			language_code TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			user_id INTEGER PRIMARY KEY,
			token TEXT NOT NULL,
			updated_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS auth_states (
			state TEXT PRIMARY KEY,
			user_id INTEGER NOT NULL,
			expires_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS events (
			user_id INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			title TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			meeting_link TEXT NOT NULL DEFAULT '',
			raw_snapshot TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, event_id))`,
		`CREATE INDEX IF NOT EXISTS events_user_start ON events (user_id, start_time)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			user_id INTEGER NOT NULL,
			event_id TEXT NOT NULL,
			sent_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, event_id))`,
	},
	{
		`ALTER TABLE users ADD COLUMN ical_url TEXT NOT NULL DEFAULT ''`,
	},
	{
		`ALTER TABLE events ADD COLUMN time_zone TEXT NOT NULL DEFAULT ''`,
	},
}

// SQLiteStore persists everything in a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (creating if needed) the database at path and migrates it.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite has a single writer and this keeps :memory: usable.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("Using SQLite storage", "path", path)
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS db_version (
		name TEXT PRIMARY KEY,
		version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create db_version table: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM db_version WHERE name = 'meet-notifier'`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO db_version (name, version) VALUES ('meet-notifier', 0)`); err != nil {
			return fmt.Errorf("initialize db_version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("read db_version: %w", err)
	}

	for v := version; v < len(migrations); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v+1, err)
		}
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("apply migration %d: %w", v+1, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE db_version SET version = ? WHERE name = 'meet-notifier'`, v+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v+1, err)
		}
		s.logger.Info("Applied database migration", "version", v+1)
	}
	return nil
}

// InTx runs fn inside one SQL transaction, rolling back if it fails.
func (s *SQLiteStore) InTx(ctx context.Context, userID int64, fn func(tx notifier.EventTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&sqlTx{ctx: ctx, tx: tx, userID: userID}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("Failed to roll back transaction", "user_id", userID, "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Reset removes all tracked events and notification records of a user.
func (s *SQLiteStore) Reset(ctx context.Context, userID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM notifications WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete notifications: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return tx.Commit()
}

const userColumns = `id, chat_id, username, full_name, language_code, ical_url, active, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*notifier.User, error) {
	var u notifier.User
	var active int
	var created int64
	if err := row.Scan(&u.ID, &u.ChatID, &u.Username, &u.FullName, &u.LanguageCode, &u.ICalURL, &active, &created); err != nil {
		return nil, err
	}
	u.Active = active != 0
	u.CreatedAt = time.Unix(created, 0).UTC()
	return &u, nil
}

// ActiveUsers returns users with polling enabled, ordered by ID.
func (s *SQLiteStore) ActiveUsers(ctx context.Context) ([]*notifier.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*notifier.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// User loads a user profile.
func (s *SQLiteStore) User(ctx context.Context, userID int64) (*notifier.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	return u, nil
}

// SaveUser creates or replaces a user profile.
func (s *SQLiteStore) SaveUser(ctx context.Context, u *notifier.User) error {
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.ChatID, u.Username, u.FullName, u.LanguageCode, u.ICalURL, boolInt(u.Active), created.Unix())
	if err != nil {
		return fmt.Errorf("save user %d: %w", u.ID, err)
	}
	return nil
}

// Token returns the stored OAuth token JSON for a user.
func (s *SQLiteStore) Token(ctx context.Context, userID int64) ([]byte, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM tokens WHERE user_id = ?`, userID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	return []byte(token), nil
}

// SaveToken stores OAuth token JSON for a user.
func (s *SQLiteStore) SaveToken(ctx context.Context, userID int64, token []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO tokens (user_id, token, updated_at) VALUES (?, ?, ?)`,
		userID, string(token), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// DeleteToken forgets a user's OAuth token.
func (s *SQLiteStore) DeleteToken(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// SaveAuthState records a pending OAuth authorization for userID.
func (s *SQLiteStore) SaveAuthState(ctx context.Context, state string, userID int64, expires time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO auth_states (state, user_id, expires_at) VALUES (?, ?, ?)`,
		state, userID, expires.Unix())
	if err != nil {
		return fmt.Errorf("save auth state: %w", err)
	}
	return nil
}

// ConsumeAuthState returns the user of a pending authorization and removes it.
// Unknown and expired states are ErrNotFound.
func (s *SQLiteStore) ConsumeAuthState(ctx context.Context, state string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var userID, expires int64
	err = tx.QueryRowContext(ctx, `SELECT user_id, expires_at FROM auth_states WHERE state = ?`, state).Scan(&userID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load auth state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_states WHERE state = ? OR expires_at < ?`, state, time.Now().Unix()); err != nil {
		return 0, fmt.Errorf("delete auth state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit auth state: %w", err)
	}
	if time.Now().Unix() > expires {
		return 0, ErrNotFound
	}
	return userID, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// sqlTx is the EventTx of one SQL transaction scoped to a user.
type sqlTx struct {
	ctx    context.Context
	tx     *sql.Tx
	userID int64
}

const eventColumns = `event_id, title, start_time, end_time, time_zone, meeting_link, raw_snapshot, created_at, updated_at`

func (t *sqlTx) scanEvent(row rowScanner) (*notifier.TrackedEvent, error) {
	var ev notifier.TrackedEvent
	var start, end, created, updated int64
	var raw sql.NullString
	if err := row.Scan(&ev.EventID, &ev.Title, &start, &end, &ev.TimeZone, &ev.MeetingLink, &raw, &created, &updated); err != nil {
		return nil, err
	}
	ev.UserID = t.userID
	ev.Start = time.Unix(start, 0).UTC()
	ev.End = time.Unix(end, 0).UTC()
	ev.CreatedAt = time.Unix(created, 0).UTC()
	ev.UpdatedAt = time.Unix(updated, 0).UTC()
	if raw.Valid {
		ev.RawSnapshot = []byte(raw.String)
	}
	return &ev, nil
}

func (t *sqlTx) EventsStartingBetween(start, end time.Time) ([]*notifier.TrackedEvent, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT `+eventColumns+` FROM events WHERE user_id = ? AND start_time >= ? AND start_time <= ? ORDER BY start_time`,
		t.userID, start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*notifier.TrackedEvent
	for rows.Next() {
		ev, err := t.scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (t *sqlTx) Event(eventID string) (*notifier.TrackedEvent, error) {
	ev, err := t.scanEvent(t.tx.QueryRowContext(t.ctx,
		`SELECT `+eventColumns+` FROM events WHERE user_id = ? AND event_id = ?`, t.userID, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (t *sqlTx) PutEvent(ev *notifier.TrackedEvent) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT OR REPLACE INTO events (user_id, `+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.userID, ev.EventID, ev.Title, ev.Start.Unix(), ev.End.Unix(), ev.TimeZone, ev.MeetingLink,
		nullableJSON(ev.RawSnapshot), ev.CreatedAt.Unix(), ev.UpdatedAt.Unix())
	return err
}

func (t *sqlTx) DeleteEvent(eventID string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM events WHERE user_id = ? AND event_id = ?`, t.userID, eventID)
	return err
}

func (t *sqlTx) HasNotification(eventID string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT 1 FROM notifications WHERE user_id = ? AND event_id = ?`, t.userID, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (t *sqlTx) CreateNotification(eventID string, sentAt time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT OR IGNORE INTO notifications (user_id, event_id, sent_at) VALUES (?, ?, ?)`,
		t.userID, eventID, sentAt.Unix())
	return err
}

func (t *sqlTx) DeleteNotification(eventID string) error {
	_, err := t.tx.ExecContext(t.ctx, `DELETE FROM notifications WHERE user_id = ? AND event_id = ?`, t.userID, eventID)
	return err
}

func (t *sqlTx) CountNotifications(eventIDs []string) (int, error) {
	total := 0
	for len(eventIDs) > 0 {
		chunk := eventIDs
		if len(chunk) > maxInParams {
			chunk = chunk[:maxInParams]
		}
		eventIDs = eventIDs[len(chunk):]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, t.userID)
		for _, id := range chunk {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		var n int
		err := t.tx.QueryRowContext(t.ctx,
			`SELECT COUNT(*) FROM notifications WHERE user_id = ? AND event_id IN (`+placeholders+`)`, args...).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("count notifications: %w", err)
		}
		total += n
	}
	return total, nil
}

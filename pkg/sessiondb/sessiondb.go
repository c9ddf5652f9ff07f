// Package sessiondb persists one row per worker run to a local SQLite
// database so the farm history survives process restarts.
package sessiondb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Session is one finished worker run.
type Session struct {
	ID         int64     `db:"id"`
	DeviceID   string    `db:"device_id"`
	Account    string    `db:"account"`
	RecordID   string    `db:"record_id"`
	Outcome    string    `db:"outcome"`
	Keyword    string    `db:"keyword"`
	Processed  int       `db:"processed"`
	Liked      int       `db:"liked"`
	Commented  int       `db:"commented"`
	DurationMS int64     `db:"duration_ms"`
	StartedAt  time.Time `db:"-"`
	FinishedAt time.Time `db:"-"`
}

type sessionRow struct {
	Session
	StartedAtUnix  int64 `db:"started_at"`
	FinishedAtUnix int64 `db:"finished_at"`
}

// DB wraps the session-history database. Writes are serialized because
// SQLite allows a single writer.
type DB struct {
	db *sqlx.DB
}

// Open creates the data directory if needed, applies pending migrations
// and returns a ready database.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite3", filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := runMigrations(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db := sqlx.NewDb(sqlDB, "sqlite3")
	db.SetMaxOpenConns(1)
	return &DB{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (d *DB) Close() error { return d.db.Close() }

// Record inserts one finished session and returns its row id.
func (d *DB) Record(ctx context.Context, s *Session) (int64, error) {
	query := `
		INSERT INTO sessions
			(device_id, account, record_id, outcome, keyword,
			 processed, liked, commented, duration_ms, started_at, finished_at)
		VALUES
			(:device_id, :account, :record_id, :outcome, :keyword,
			 :processed, :liked, :commented, :duration_ms, :started_at, :finished_at)
	`
	res, err := d.db.NamedExecContext(ctx, query, map[string]any{
		"device_id":   s.DeviceID,
		"account":     s.Account,
		"record_id":   s.RecordID,
		"outcome":     s.Outcome,
		"keyword":     s.Keyword,
		"processed":   s.Processed,
		"liked":       s.Liked,
		"commented":   s.Commented,
		"duration_ms": s.DurationMS,
		"started_at":  s.StartedAt.Unix(),
		"finished_at": s.FinishedAt.Unix(),
	})
	if err != nil {
		return 0, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	return id, nil
}

// RecentByDevice returns the newest sessions for a device, newest first.
func (d *DB) RecentByDevice(ctx context.Context, deviceID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []sessionRow
	err := d.db.SelectContext(ctx, &rows, `
		SELECT id, device_id, account, record_id, outcome, keyword,
		       processed, liked, commented, duration_ms, started_at, finished_at
		FROM sessions
		WHERE device_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	out := make([]Session, 0, len(rows))
	for _, r := range rows {
		s := r.Session
		s.StartedAt = time.Unix(r.StartedAtUnix, 0)
		s.FinishedAt = time.Unix(r.FinishedAtUnix, 0)
		out = append(out, s)
	}
	return out, nil
}

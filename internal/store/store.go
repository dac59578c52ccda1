// Package store persists session history and the audit log of
// conflict-resolution renames, so users can reconstruct why a file ended up
// with a suffixed name.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const timeFmt = "2006-01-02T15:04:05Z"

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		contents, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(contents)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Session is one row of session history.
type Session struct {
	ID        string
	Root      string
	Handle    string
	Role      string // "host" or "guest"
	StartedAt time.Time
	EndedAt   *time.Time
}

func (s *Store) RecordSessionStart(sess *Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, root, handle, role, started_at) VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Root, sess.Handle, sess.Role, sess.StartedAt.UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("record session start: %w", err)
	}
	return nil
}

func (s *Store) RecordSessionEnd(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET ended_at = ? WHERE id = ?`,
		at.UTC().Format(timeFmt), id)
	if err != nil {
		return fmt.Errorf("record session end: %w", err)
	}
	return nil
}

func (s *Store) ListRecentSessions(limit int) ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT id, root, handle, role, started_at, ended_at
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess := &Session{}
		var started string
		var ended sql.NullString
		if err := rows.Scan(&sess.ID, &sess.Root, &sess.Handle, &sess.Role, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.StartedAt = parseTime(started)
		if ended.Valid {
			t := parseTime(ended.String)
			sess.EndedAt = &t
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Rename is one conflict-resolution rename.
type Rename struct {
	SessionID  string
	Path       string
	NewName    string
	PeerHandle string
	ResolvedAt time.Time
}

func (s *Store) RecordRename(r *Rename) error {
	_, err := s.db.Exec(
		`INSERT INTO renames (session_id, path, new_name, peer_handle, resolved_at) VALUES (?, ?, ?, ?, ?)`,
		r.SessionID, r.Path, r.NewName, r.PeerHandle, r.ResolvedAt.UTC().Format(timeFmt))
	if err != nil {
		return fmt.Errorf("record rename: %w", err)
	}
	return nil
}

func (s *Store) ListRenames(sessionID string) ([]*Rename, error) {
	rows, err := s.db.Query(
		`SELECT session_id, path, new_name, peer_handle, resolved_at
		FROM renames WHERE session_id = ? ORDER BY resolved_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list renames: %w", err)
	}
	defer rows.Close()

	var out []*Rename
	for rows.Next() {
		r := &Rename{}
		var resolved string
		if err := rows.Scan(&r.SessionID, &r.Path, &r.NewName, &r.PeerHandle, &resolved); err != nil {
			return nil, fmt.Errorf("scan rename: %w", err)
		}
		r.ResolvedAt = parseTime(resolved)
		out = append(out, r)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	for _, f := range []string{timeFmt, "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(f, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

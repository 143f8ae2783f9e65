package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend persists sessions to a local SQLite database.
type SQLiteBackend struct {
	db *sqlx.DB
}

var _ Backend = (*SQLiteBackend)(nil)

// NewSQLiteBackend opens (or creates) the session database. A leading
// ~/ is expanded so the default config path lands in the home
// directory rather than a literal "~" directory.
func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if strings.HasPrefix(dbPath, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		dbPath = filepath.Join(home, dbPath[2:])
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	backend := &SQLiteBackend{db: db}
	if err := backend.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return backend, nil
}

func (b *SQLiteBackend) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		task_id TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		provider TEXT NOT NULL,
		provider_session_id TEXT DEFAULT '',
		status TEXT NOT NULL,
		repo_full_name TEXT DEFAULT '',
		project_path TEXT DEFAULT '',
		branch TEXT DEFAULT '',
		message_count INTEGER DEFAULT 0,
		metadata TEXT DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_activity DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	_, err := b.db.Exec(schema)
	return err
}

// Save inserts or replaces the persisted row for a session.
func (b *SQLiteBackend) Save(ctx context.Context, s *Session) error {
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO sessions (task_id, id, provider, provider_session_id, status, repo_full_name, project_path, branch, message_count, metadata, created_at, updated_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			provider_session_id = excluded.provider_session_id,
			status = excluded.status,
			repo_full_name = excluded.repo_full_name,
			project_path = excluded.project_path,
			branch = excluded.branch,
			message_count = excluded.message_count,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at,
			last_activity = excluded.last_activity
	`, s.TaskID, s.ID, s.Provider, s.ProviderSessionID, s.Status, s.RepoFullName, s.ProjectPath, s.Branch, s.MessageCount, string(metadata), s.CreatedAt, s.UpdatedAt, s.LastActivity)

	return err
}

// LoadAll returns every persisted session.
func (b *SQLiteBackend) LoadAll(ctx context.Context) ([]*Session, error) {
	rows, err := b.db.QueryxContext(ctx, `
		SELECT task_id, id, provider, provider_session_id, status, repo_full_name, project_path, branch, message_count, metadata, created_at, updated_at, last_activity
		FROM sessions ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Session
	for rows.Next() {
		sess := &Session{}
		var metadata string
		err := rows.Scan(&sess.TaskID, &sess.ID, &sess.Provider, &sess.ProviderSessionID, &sess.Status, &sess.RepoFullName, &sess.ProjectPath, &sess.Branch, &sess.MessageCount, &metadata, &sess.CreatedAt, &sess.UpdatedAt, &sess.LastActivity)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metadata), &sess.Metadata)
		result = append(result, sess)
	}
	return result, rows.Err()
}

// Delete removes the persisted row for a task.
func (b *SQLiteBackend) Delete(ctx context.Context, taskID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM sessions WHERE task_id = ?`, taskID)
	return err
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

package session

import (
	"context"
	"encoding/json"

	"github.com/astridclaw/astrid-agents/internal/common/database"
)

// PostgresBackend persists sessions to PostgreSQL. Used when multiple
// orchestrator deployments share a database.
type PostgresBackend struct {
	db *database.DB
}

var _ Backend = (*PostgresBackend)(nil)

// NewPostgresBackend creates the backend and its schema.
func NewPostgresBackend(ctx context.Context, db *database.DB) (*PostgresBackend, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		task_id TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		provider TEXT NOT NULL,
		provider_session_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		repo_full_name TEXT NOT NULL DEFAULT '',
		project_path TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		message_count INTEGER NOT NULL DEFAULT 0,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		last_activity TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	if _, err := db.Exec(ctx, schema); err != nil {
		return nil, err
	}
	return &PostgresBackend{db: db}, nil
}

// Save upserts the persisted row for a session.
func (b *PostgresBackend) Save(ctx context.Context, s *Session) error {
	metadata, err := json.Marshal(s.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = b.db.Exec(ctx, `
		INSERT INTO sessions (task_id, id, provider, provider_session_id, status, repo_full_name, project_path, branch, message_count, metadata, created_at, updated_at, last_activity)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (task_id) DO UPDATE SET
			provider_session_id = EXCLUDED.provider_session_id,
			status = EXCLUDED.status,
			repo_full_name = EXCLUDED.repo_full_name,
			project_path = EXCLUDED.project_path,
			branch = EXCLUDED.branch,
			message_count = EXCLUDED.message_count,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at,
			last_activity = EXCLUDED.last_activity
	`, s.TaskID, s.ID, s.Provider, s.ProviderSessionID, s.Status, s.RepoFullName, s.ProjectPath, s.Branch, s.MessageCount, metadata, s.CreatedAt, s.UpdatedAt, s.LastActivity)

	return err
}

// LoadAll returns every persisted session.
func (b *PostgresBackend) LoadAll(ctx context.Context) ([]*Session, error) {
	rows, err := b.db.Query(ctx, `
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
		var metadata []byte
		err := rows.Scan(&sess.TaskID, &sess.ID, &sess.Provider, &sess.ProviderSessionID, &sess.Status, &sess.RepoFullName, &sess.ProjectPath, &sess.Branch, &sess.MessageCount, &metadata, &sess.CreatedAt, &sess.UpdatedAt, &sess.LastActivity)
		if err != nil {
			return nil, err
		}
		_ = json.Unmarshal(metadata, &sess.Metadata)
		result = append(result, sess)
	}
	return result, rows.Err()
}

// Delete removes the persisted row for a task.
func (b *PostgresBackend) Delete(ctx context.Context, taskID string) error {
	_, err := b.db.Exec(ctx, `DELETE FROM sessions WHERE task_id = $1`, taskID)
	return err
}

// Close is a no-op; the pool is owned by the caller.
func (b *PostgresBackend) Close() error {
	return nil
}

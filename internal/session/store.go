package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/astridclaw/astrid-agents/internal/common/logger"
	"github.com/astridclaw/astrid-agents/internal/events/bus"
)

// Event subjects published on the bus.
const (
	SubjectCreated = "session.created"
	SubjectUpdated = "session.updated"
	SubjectDeleted = "session.deleted"
)

// Backend persists sessions. The in-memory map in Store stays
// authoritative; a failed backend write is logged and the operation
// still succeeds.
type Backend interface {
	LoadAll(ctx context.Context) ([]*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, taskID string) error
	Close() error
}

// NopBackend is the memory-only backend.
type NopBackend struct{}

func (NopBackend) LoadAll(context.Context) ([]*Session, error) { return nil, nil }
func (NopBackend) Save(context.Context, *Session) error        { return nil }
func (NopBackend) Delete(context.Context, string) error        { return nil }
func (NopBackend) Close() error                                { return nil }

// Store is the single source of truth for sessions, keyed by task ID.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	backend  Backend
	bus      bus.EventBus
	logger   *logger.Logger
}

// NewStore creates a session store over the given persistence backend.
func NewStore(backend Backend, eventBus bus.EventBus, log *logger.Logger) *Store {
	if backend == nil {
		backend = NopBackend{}
	}
	return &Store{
		sessions: make(map[string]*Session),
		backend:  backend,
		bus:      eventBus,
		logger:   log,
	}
}

// Create registers a new session for a task. At most one session may
// exist per task ID.
func (s *Store) Create(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.TaskID]; ok {
		return ErrExists
	}

	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.LastActivity = now
	if sess.Status == "" {
		sess.Status = StatusPending
	}

	s.sessions[sess.TaskID] = sess.Clone()
	s.persist(ctx, sess)
	s.publish(ctx, SubjectCreated, sess)
	return nil
}

// Get returns a copy of the session for a task.
func (s *Store) Get(ctx context.Context, taskID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

// Update applies a partial update and bumps UpdatedAt and LastActivity.
func (s *Store) Update(ctx context.Context, taskID string, patch Patch) (*Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[taskID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	if patch.Status != nil {
		sess.Status = *patch.Status
	}
	if patch.ProviderSessionID != nil {
		sess.ProviderSessionID = *patch.ProviderSessionID
	}
	if patch.ProjectPath != nil {
		sess.ProjectPath = *patch.ProjectPath
	}
	if patch.Branch != nil {
		sess.Branch = *patch.Branch
	}
	if patch.Metadata != nil {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			sess.Metadata[k] = v
		}
	}

	now := time.Now().UTC()
	sess.UpdatedAt = now
	sess.LastActivity = now

	out := sess.Clone()
	s.mu.Unlock()

	s.persist(ctx, out)
	s.publish(ctx, SubjectUpdated, out)
	return out, nil
}

// SetProviderSessionID records the provider's session identifier.
// The first write wins; later differing writes are ignored.
func (s *Store) SetProviderSessionID(ctx context.Context, taskID, providerSessionID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[taskID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	if sess.ProviderSessionID != "" {
		existing := sess.ProviderSessionID
		s.mu.Unlock()
		if existing != providerSessionID {
			s.logger.Warn("ignoring conflicting provider session id",
				zap.String("task_id", taskID),
				zap.String("existing", existing))
		}
		return nil
	}

	sess.ProviderSessionID = providerSessionID
	sess.UpdatedAt = time.Now().UTC()
	out := sess.Clone()
	s.mu.Unlock()

	s.persist(ctx, out)
	return nil
}

// IncrementMessageCount bumps the exchange counter for a session.
func (s *Store) IncrementMessageCount(ctx context.Context, taskID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[taskID]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	sess.MessageCount++
	now := time.Now().UTC()
	sess.UpdatedAt = now
	sess.LastActivity = now
	out := sess.Clone()
	s.mu.Unlock()

	s.persist(ctx, out)
	return nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	sess, ok := s.sessions[taskID]
	if ok {
		delete(s.sessions, taskID)
	}
	s.mu.Unlock()

	if !ok {
		return nil
	}

	if err := s.backend.Delete(ctx, taskID); err != nil {
		s.logger.Warn("session backend delete failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
	s.publish(ctx, SubjectDeleted, sess)
	return nil
}

// List returns copies of all sessions, newest first.
func (s *Store) List(ctx context.Context) []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ListActive returns sessions that are pending, running, or waiting for input.
func (s *Store) ListActive(ctx context.Context) []*Session {
	all := s.List(ctx)
	out := all[:0]
	for _, sess := range all {
		if sess.Status.Active() {
			out = append(out, sess)
		}
	}
	return out
}

// CleanupExpired removes sessions older than maxAge that are not
// currently running and returns how many were removed.
func (s *Store) CleanupExpired(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	s.mu.Lock()
	var expired []*Session
	for taskID, sess := range s.sessions {
		if sess.Status != StatusRunning && sess.UpdatedAt.Before(cutoff) {
			expired = append(expired, sess)
			delete(s.sessions, taskID)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		if err := s.backend.Delete(ctx, sess.TaskID); err != nil {
			s.logger.Warn("session backend delete failed",
				zap.String("task_id", sess.TaskID), zap.Error(err))
		}
		s.publish(ctx, SubjectDeleted, sess)
	}

	if len(expired) > 0 {
		s.logger.Info("cleaned up expired sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// RecoverOnStartup loads persisted sessions. A session that was
// running when the process died cannot still be executing, so it is
// marked interrupted; every other status is kept as found. Returns
// the sessions thus marked.
func (s *Store) RecoverOnStartup(ctx context.Context) ([]*Session, error) {
	persisted, err := s.backend.LoadAll(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	var marked []*Session
	for _, sess := range persisted {
		if sess.Status == StatusRunning {
			sess.Status = StatusInterrupted
			sess.UpdatedAt = time.Now().UTC()
			marked = append(marked, sess.Clone())
		}
		s.sessions[sess.TaskID] = sess
	}
	s.mu.Unlock()

	for _, sess := range marked {
		s.persist(ctx, sess)
	}

	s.logger.Info("recovered sessions from backend",
		zap.Int("total", len(persisted)),
		zap.Int("interrupted", len(marked)))
	return marked, nil
}

// Close releases the persistence backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) persist(ctx context.Context, sess *Session) {
	if err := s.backend.Save(ctx, sess); err != nil {
		s.logger.Error("session backend write failed",
			zap.String("task_id", sess.TaskID), zap.Error(err))
	}
}

func (s *Store) publish(ctx context.Context, subject string, sess *Session) {
	if s.bus == nil {
		return
	}
	evt := bus.NewEvent(subject, "session-store", map[string]interface{}{
		"task_id":  sess.TaskID,
		"provider": string(sess.Provider),
		"status":   string(sess.Status),
	})
	if err := s.bus.Publish(ctx, subject, evt); err != nil {
		s.logger.Warn("failed to publish session event",
			zap.String("subject", subject), zap.Error(err))
	}
}

package mcp

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryStore is the default in-process Store. Each session carries its
// own lock so independent sessions never contend; field writes hold the
// session lock only for the assignment and version bump.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession

	idleTTL time.Duration
	logger  *slog.Logger
}

type memorySession struct {
	mu  sync.Mutex
	ctx Context
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithIdleTTL sets how long a session may go without writes before the
// eviction loop removes it. Zero disables eviction.
func WithIdleTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) {
		s.idleTTL = d
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) MemoryOption {
	return func(s *MemoryStore) {
		s.logger = logger
	}
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[string]*memorySession),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a deep-copied snapshot of the session context.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Context, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.ctx.Clone(), nil
}

// Create initializes a new session context.
func (s *MemoryStore) Create(_ context.Context, sessionID string) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; ok {
		return nil, ErrSessionExists
	}

	sess := &memorySession{
		ctx: Context{
			SessionID: sessionID,
			AssetType: AssetUnknown,
			UpdatedAt: time.Now(),
		},
	}
	s.sessions[sessionID] = sess

	s.logger.Debug("Session created", "session_id", sessionID)
	return sess.ctx.Clone(), nil
}

// GetOrCreate returns the existing context or creates a fresh one.
func (s *MemoryStore) GetOrCreate(ctx context.Context, sessionID string) (*Context, error) {
	if snap, err := s.Get(ctx, sessionID); err == nil {
		return snap, nil
	}
	snap, err := s.Create(ctx, sessionID)
	if err == ErrSessionExists {
		// Lost a create race; the winner's context is fine.
		return s.Get(ctx, sessionID)
	}
	return snap, err
}

// Write atomically sets one field and returns the new version.
func (s *MemoryStore) Write(_ context.Context, sessionID string, field Field, value any) (uint64, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return 0, ErrSessionExpired
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if err := applyField(&sess.ctx, field, value); err != nil {
		return 0, err
	}
	sess.ctx.Version++
	sess.ctx.UpdatedAt = time.Now()
	return sess.ctx.Version, nil
}

// Destroy removes the session context.
func (s *MemoryStore) Destroy(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return ErrSessionExpired
	}
	delete(s.sessions, sessionID)
	s.logger.Debug("Session destroyed", "session_id", sessionID)
	return nil
}

// Len returns the number of live sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// StartEviction runs the idle-session sweep until ctx is cancelled.
// No-op when the store has no idle TTL configured.
func (s *MemoryStore) StartEviction(ctx context.Context, interval time.Duration) {
	if s.idleTTL <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.evictIdle()
			}
		}
	}()
}

func (s *MemoryStore) evictIdle() {
	cutoff := time.Now().Add(-s.idleTTL)
	var evicted []string

	s.mu.Lock()
	for id, sess := range s.sessions {
		sess.mu.Lock()
		idle := sess.ctx.UpdatedAt.Before(cutoff)
		sess.mu.Unlock()
		if idle {
			delete(s.sessions, id)
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()

	for _, id := range evicted {
		s.logger.Info("Evicted idle session", "session_id", id, "idle_ttl", s.idleTTL)
	}
}

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// kvWriteRetries bounds the optimistic-concurrency retry loop. Field
// writers to the same session rarely collide more than once or twice.
const kvWriteRetries = 5

// KVStore is a Store backed by a NATS JetStream key-value bucket, for
// deployments that want session contexts to survive process restarts.
// Each session is one key holding the JSON-encoded context; per-field
// atomicity comes from compare-and-swap on the KV revision.
type KVStore struct {
	kv     jetstream.KeyValue
	logger *slog.Logger
}

// NewKVStore creates a Store over an existing KV bucket handle.
func NewKVStore(kv jetstream.KeyValue, logger *slog.Logger) *KVStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &KVStore{kv: kv, logger: logger}
}

// EnsureBucket creates or updates the session bucket. The bucket TTL
// doubles as the idle-eviction policy: NATS expires keys that have not
// been written within the TTL.
func EnsureBucket(ctx context.Context, js jetstream.JetStream, bucket string, idleTTL time.Duration) (jetstream.KeyValue, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    idleTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create session bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Get returns a snapshot of the session context.
func (s *KVStore) Get(ctx context.Context, sessionID string) (*Context, error) {
	entry, err := s.kv.Get(ctx, sessionID)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", sessionID, err)
	}

	var c Context
	if err := json.Unmarshal(entry.Value(), &c); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &c, nil
}

// Create initializes a new session context.
func (s *KVStore) Create(ctx context.Context, sessionID string) (*Context, error) {
	c := Context{
		SessionID: sessionID,
		AssetType: AssetUnknown,
		UpdatedAt: time.Now(),
	}
	data, err := json.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", sessionID, err)
	}

	if _, err := s.kv.Create(ctx, sessionID, data); err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return nil, ErrSessionExists
		}
		return nil, fmt.Errorf("kv create %s: %w", sessionID, err)
	}

	s.logger.Debug("Session created", "session_id", sessionID)
	return &c, nil
}

// GetOrCreate returns the existing context or creates a fresh one.
func (s *KVStore) GetOrCreate(ctx context.Context, sessionID string) (*Context, error) {
	if snap, err := s.Get(ctx, sessionID); err == nil {
		return snap, nil
	}
	snap, err := s.Create(ctx, sessionID)
	if errors.Is(err, ErrSessionExists) {
		return s.Get(ctx, sessionID)
	}
	return snap, err
}

// Write atomically sets one field via compare-and-swap on the bucket
// revision, retrying on concurrent-writer conflicts.
func (s *KVStore) Write(ctx context.Context, sessionID string, field Field, value any) (uint64, error) {
	var lastErr error

	for attempt := 0; attempt < kvWriteRetries; attempt++ {
		entry, err := s.kv.Get(ctx, sessionID)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return 0, ErrSessionExpired
		}
		if err != nil {
			return 0, fmt.Errorf("kv get %s: %w", sessionID, err)
		}

		var c Context
		if err := json.Unmarshal(entry.Value(), &c); err != nil {
			return 0, fmt.Errorf("decode session %s: %w", sessionID, err)
		}

		if err := applyField(&c, field, value); err != nil {
			return 0, err
		}
		c.Version++
		c.UpdatedAt = time.Now()

		data, err := json.Marshal(&c)
		if err != nil {
			return 0, fmt.Errorf("encode session %s: %w", sessionID, err)
		}

		if _, err := s.kv.Update(ctx, sessionID, data, entry.Revision()); err != nil {
			if !isRevisionConflict(err) {
				return 0, fmt.Errorf("kv update %s: %w", sessionID, err)
			}
			// Revision moved under us: another field writer won. Re-read
			// and reapply so its update is not lost.
			lastErr = err
			continue
		}
		return c.Version, nil
	}

	return 0, fmt.Errorf("kv write %s.%s: too many conflicts: %w", sessionID, field, lastErr)
}

// isRevisionConflict reports whether a KV update failed because another
// writer moved the revision. Only these errors are worth retrying.
func isRevisionConflict(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// Destroy removes the session context.
func (s *KVStore) Destroy(ctx context.Context, sessionID string) error {
	if _, err := s.kv.Get(ctx, sessionID); errors.Is(err, jetstream.ErrKeyNotFound) {
		return ErrSessionExpired
	}
	if err := s.kv.Purge(ctx, sessionID); err != nil {
		return fmt.Errorf("kv purge %s: %w", sessionID, err)
	}
	s.logger.Debug("Session destroyed", "session_id", sessionID)
	return nil
}

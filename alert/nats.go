package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/agrosense/agrosense/mcp"
)

// DefaultAlertSubject is the subject alerts publish to when none is
// configured.
const DefaultAlertSubject = "agrosense.alerts"

// NATSTrigger publishes alert payloads to a NATS subject for in-cluster
// subscribers (dashboards, extension-officer queues). Deduplication is
// the subscriber's job via the payload's idempotency key.
type NATSTrigger struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// NewNATSTrigger creates a trigger publishing to subject on conn.
// Empty subject uses DefaultAlertSubject.
func NewNATSTrigger(conn *nats.Conn, subject string, logger *slog.Logger) *NATSTrigger {
	if subject == "" {
		subject = DefaultAlertSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSTrigger{conn: conn, subject: subject, logger: logger}
}

// Name returns the trigger identifier.
func (t *NATSTrigger) Name() string { return "nats" }

// Fire publishes the payload and flushes so delivery failures surface
// to the caller.
func (t *NATSTrigger) Fire(ctx context.Context, payload *mcp.AlertPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode alert payload: %w", err)
	}

	if err := t.conn.Publish(t.subject, data); err != nil {
		return fmt.Errorf("publish alert to %s: %w", t.subject, err)
	}
	if err := t.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush alert to %s: %w", t.subject, err)
	}

	t.logger.Info("Alert published",
		"subject", t.subject,
		"session_id", payload.SessionID,
		"idempotency_key", payload.IdempotencyKey)
	return nil
}

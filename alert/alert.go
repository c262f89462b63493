// Package alert implements the action step: it compares the diagnosis
// severity against the configured threshold and, when crossed, triggers
// the external escalation workflow with an idempotent payload.
package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agrosense/agrosense/mcp"
)

// Trigger delivers an alert payload to the external workflow system.
type Trigger interface {
	Name() string
	Fire(ctx context.Context, payload *mcp.AlertPayload) error
}

// Evaluator decides whether a diagnosis warrants an alert and fires it.
type Evaluator struct {
	threshold mcp.Severity
	trigger   Trigger
	logger    *slog.Logger
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithThreshold sets the minimum severity that fires an alert.
func WithThreshold(threshold mcp.Severity) EvaluatorOption {
	return func(e *Evaluator) {
		e.threshold = threshold
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// NewEvaluator creates an evaluator over the given trigger. The default
// threshold is High: Medium advisories stay in the chat response, High
// and Critical escalate.
func NewEvaluator(trigger Trigger, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		threshold: mcp.SeverityHigh,
		trigger:   trigger,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Threshold returns the configured minimum severity.
func (e *Evaluator) Threshold() mcp.Severity { return e.threshold }

// BuildPayload mints the alert payload for a diagnosis, including the
// idempotency key. The key is created exactly once here; delivery
// retries must reuse the same payload.
func BuildPayload(snapshot *mcp.Context) *mcp.AlertPayload {
	return &mcp.AlertPayload{
		SessionID:      snapshot.SessionID,
		AssetType:      snapshot.AssetType,
		Region:         snapshot.Region,
		Severity:       snapshot.Diagnosis.Severity,
		Summary:        snapshot.Diagnosis.Summary,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      time.Now(),
	}
}

// Evaluate applies the threshold to the snapshot's diagnosis. When the
// severity is at or above the threshold it builds the payload and fires
// the trigger. The returned payload is non-nil whenever the threshold
// was crossed, even if delivery failed; the error reports delivery
// failure without invalidating the turn.
func (e *Evaluator) Evaluate(ctx context.Context, snapshot *mcp.Context) (*mcp.AlertPayload, error) {
	if snapshot.Diagnosis == nil {
		return nil, nil
	}
	if snapshot.Diagnosis.Severity < e.threshold {
		e.logger.Debug("Severity below alert threshold",
			"session_id", snapshot.SessionID,
			"severity", snapshot.Diagnosis.Severity,
			"threshold", e.threshold)
		return nil, nil
	}

	payload := BuildPayload(snapshot)

	e.logger.Info("Alert threshold crossed",
		"session_id", payload.SessionID,
		"severity", payload.Severity,
		"idempotency_key", payload.IdempotencyKey)

	if e.trigger == nil {
		return payload, nil
	}
	if err := e.trigger.Fire(ctx, payload); err != nil {
		e.logger.Error("Alert delivery failed",
			"session_id", payload.SessionID,
			"trigger", e.trigger.Name(),
			"idempotency_key", payload.IdempotencyKey,
			"error", err)
		return payload, err
	}
	return payload, nil
}

// Package pipeline implements the turn coordinator: a state machine
// that drives one farmer query through classification, concurrent
// gathering, diagnosis, and the action step, recording each result in
// the shared session context.
package pipeline

import "time"

// State is a coordinator phase. A turn moves strictly forward:
// Classifying, Gathering, Diagnosing, Acting, then Done or Failed.
type State string

const (
	StateClassifying State = "Classifying"
	StateGathering   State = "Gathering"
	StateDiagnosing  State = "Diagnosing"
	StateActing      State = "Acting"
	StateDone        State = "Done"
	StateFailed      State = "Failed"
)

// FailureReason names why a turn ended in Failed.
type FailureReason string

const (
	// FailureNone is the zero reason for turns that completed.
	FailureNone FailureReason = ""

	// FailureSessionExpired means the session disappeared mid-turn.
	FailureSessionExpired FailureReason = "SessionExpired"

	// FailureDiagnosisFailed means the reasoning step could not produce
	// a diagnosis, typically because every backend was exhausted.
	FailureDiagnosisFailed FailureReason = "DiagnosisFailed"
)

// Turn is the result of one coordinator run.
type Turn struct {
	// SessionID identifies the conversation.
	SessionID string `json:"session_id"`

	// State is the terminal state, Done or Failed.
	State State `json:"state"`

	// FailureReason is set only when State is Failed.
	FailureReason FailureReason `json:"failure_reason,omitempty"`

	// Answer is the diagnosis summary shown to the farmer.
	Answer string `json:"answer,omitempty"`

	// Confidence is the (possibly degraded) diagnosis confidence.
	Confidence float64 `json:"confidence,omitempty"`

	// Severity is the diagnosis severity grade as wire text.
	Severity string `json:"severity,omitempty"`

	// AlertFired reports whether the action step built an alert payload.
	AlertFired bool `json:"alert_fired"`

	// AlertError carries a delivery failure message. A set AlertError
	// never fails the turn.
	AlertError string `json:"alert_error,omitempty"`

	// Warnings lists soft degradations: empty retrieval, missing
	// regional data, classification fallback.
	Warnings []string `json:"warnings,omitempty"`

	// Version is the session context version after the turn's last write.
	Version uint64 `json:"version"`

	// CompletedAt is when the turn reached its terminal state.
	CompletedAt time.Time `json:"completed_at"`
}

package mcp

import (
	"context"
	"errors"
	"fmt"
)

// Store errors.
var (
	// ErrSessionNotFound is returned by Get for sessions that were never
	// created (or already evicted).
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExpired is returned by Write and Destroy when the target
	// session has been destroyed or evicted.
	ErrSessionExpired = errors.New("session expired")

	// ErrSessionExists is returned by Create for duplicate session ids.
	ErrSessionExists = errors.New("session already exists")
)

// Field names a writable context field. Writes are atomic per field;
// SessionID and Version are store-managed and not writable.
type Field string

const (
	FieldQuery     Field = "query"
	FieldAssetType Field = "asset_type"
	FieldRegion    Field = "region"
	FieldRetrieved Field = "retrieved_context"
	FieldRegional  Field = "regional_data"
	FieldDiagnosis Field = "diagnosis"
	FieldAlert     Field = "alert_payload"
)

// Store is the session context contract the coordinator owns. Writes to
// a given field are serialized in arrival order with last-writer-wins;
// Get returns a consistent snapshot (all fields as of a single version
// boundary).
type Store interface {
	// Get returns a snapshot of the session context, or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*Context, error)

	// Create initializes a new session context, or ErrSessionExists.
	Create(ctx context.Context, sessionID string) (*Context, error)

	// GetOrCreate returns the existing context or creates a fresh one.
	GetOrCreate(ctx context.Context, sessionID string) (*Context, error)

	// Write atomically sets one field and returns the new version.
	// Writing to a destroyed or unknown session fails with ErrSessionExpired.
	Write(ctx context.Context, sessionID string, field Field, value any) (uint64, error)

	// Destroy removes the session context.
	Destroy(ctx context.Context, sessionID string) error
}

// applyField sets one field on a context, enforcing the field's type.
// Callers hold whatever lock guards the context.
func applyField(c *Context, field Field, value any) error {
	switch field {
	case FieldQuery:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %s wants string, got %T", field, value)
		}
		c.Query = v
	case FieldAssetType:
		switch v := value.(type) {
		case AssetType:
			c.AssetType = v
		case string:
			c.AssetType = ParseAssetType(v)
		default:
			return fmt.Errorf("field %s wants AssetType, got %T", field, value)
		}
	case FieldRegion:
		v, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %s wants string, got %T", field, value)
		}
		c.Region = v
	case FieldRetrieved:
		v, ok := value.([]Passage)
		if !ok {
			return fmt.Errorf("field %s wants []Passage, got %T", field, value)
		}
		c.Retrieved = v
	case FieldRegional:
		v, ok := value.(*RegionalData)
		if !ok {
			return fmt.Errorf("field %s wants *RegionalData, got %T", field, value)
		}
		c.Regional = v
	case FieldDiagnosis:
		v, ok := value.(*Diagnosis)
		if !ok {
			return fmt.Errorf("field %s wants *Diagnosis, got %T", field, value)
		}
		c.Diagnosis = v
	case FieldAlert:
		v, ok := value.(*AlertPayload)
		if !ok {
			return fmt.Errorf("field %s wants *AlertPayload, got %T", field, value)
		}
		c.Alert = v
	default:
		return fmt.Errorf("unknown field %q", field)
	}
	return nil
}

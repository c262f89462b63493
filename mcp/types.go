// Package mcp implements the shared session context store (MCP): keyed,
// versioned, per-session state that pipeline steps read and write. The
// store is the only mutable resource shared across steps within a turn;
// all mutation goes through the per-field write contract.
package mcp

import (
	"strings"
	"time"
)

// AssetType classifies the subject of a farmer query.
type AssetType string

const (
	AssetCrop      AssetType = "Crop"
	AssetLivestock AssetType = "Livestock"
	AssetFinance   AssetType = "Finance"
	AssetUnknown   AssetType = "Unknown"
)

// ParseAssetType normalizes a string to an AssetType, defaulting to Unknown.
func ParseAssetType(s string) AssetType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "crop", "crops":
		return AssetCrop
	case "livestock", "animal", "animals":
		return AssetLivestock
	case "finance", "financial", "market":
		return AssetFinance
	default:
		return AssetUnknown
	}
}

// Severity grades a diagnosis. Values are ordered so threshold
// comparisons work directly.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "LOW",
	SeverityMedium:   "MEDIUM",
	SeverityHigh:     "HIGH",
	SeverityCritical: "CRITICAL",
}

// String returns the wire representation of the severity.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "LOW"
}

// IsValid reports whether the severity is a known grade.
func (s Severity) IsValid() bool {
	_, ok := severityNames[s]
	return ok
}

// ParseSeverity converts a wire string to a Severity. Unknown values
// grade as Low rather than failing: an unparseable severity must never
// escalate an alert.
func ParseSeverity(s string) Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH":
		return SeverityHigh
	case "MEDIUM":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(data []byte) error {
	*s = ParseSeverity(string(data))
	return nil
}

// Passage is one retrieved knowledge-base excerpt.
type Passage struct {
	// Text is the passage content.
	Text string `json:"text"`

	// Source identifies the document the passage came from.
	Source string `json:"source"`

	// Score is the similarity score assigned by the vector index.
	Score float64 `json:"score"`

	// PublishedAt is the document's publication date, used for tie-breaking.
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// Weather is a current-conditions snapshot for a region.
type Weather struct {
	TempC           float64 `json:"temp_c"`
	Humidity        int     `json:"humidity"`
	Condition       string  `json:"condition"`
	Rainfall24hMM   float64 `json:"rainfall_24h_mm"`
	ForecastSummary string  `json:"forecast_summary,omitempty"`
	Next48hRisk     string  `json:"next_48h_risk,omitempty"`
	Source          string  `json:"source"`
}

// Prices is a commodity price snapshot for a region.
type Prices struct {
	Commodity    string  `json:"commodity"`
	CurrentPrice float64 `json:"current_price"`
	Currency     string  `json:"currency"`
	Unit         string  `json:"unit"`
	Trend        string  `json:"trend,omitempty"`
	Source       string  `json:"source"`
}

// RegionalData combines the two independent external data sources.
// Either field may be nil when its source failed; both nil never occurs
// (total failure is surfaced as an error instead).
type RegionalData struct {
	Weather   *Weather  `json:"weather,omitempty"`
	Prices    *Prices   `json:"prices,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Diagnosis is the structured recommendation produced by the diagnostic step.
type Diagnosis struct {
	// Summary is the advisory text shown to the farmer.
	Summary string `json:"summary"`

	// Confidence is a declared 0..1 score, degraded when retrieval or
	// regional data was unavailable for the turn.
	Confidence float64 `json:"confidence"`

	// Severity grades how urgent the situation is.
	Severity Severity `json:"severity"`
}

// AlertPayload is the trigger request sent verbatim to the external
// workflow system when a diagnosis crosses the critical threshold.
type AlertPayload struct {
	SessionID string    `json:"session_id"`
	AssetType AssetType `json:"asset_type"`
	Region    string    `json:"region"`
	Severity  Severity  `json:"severity"`
	Summary   string    `json:"summary"`

	// IdempotencyKey is minted once per payload; retried deliveries
	// reuse it so the workflow system can deduplicate.
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// Context is the versioned shared state for one farmer conversation.
type Context struct {
	// SessionID is assigned at session creation and immutable.
	SessionID string `json:"session_id"`

	// Query is the latest free-text input, overwritten each turn.
	Query string `json:"query"`

	// AssetType is set once per turn by classification.
	AssetType AssetType `json:"asset_type"`

	// Region is set by classification or carried over from session history.
	Region string `json:"region,omitempty"`

	// Retrieved is the ranked passage list for the current turn.
	Retrieved []Passage `json:"retrieved_context,omitempty"`

	// Regional is the weather/market snapshot for the current turn.
	Regional *RegionalData `json:"regional_data,omitempty"`

	// Diagnosis is the structured recommendation for the current turn.
	Diagnosis *Diagnosis `json:"diagnosis,omitempty"`

	// Alert is present only when the action step decided to fire.
	Alert *AlertPayload `json:"alert_payload,omitempty"`

	// Version increases on every field write and detects stale
	// concurrent writes.
	Version uint64 `json:"version"`

	// UpdatedAt is the time of the last write, used for idle eviction.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the context. Snapshots handed to steps
// must never alias store-owned memory.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}

	cp := *c

	if c.Retrieved != nil {
		cp.Retrieved = make([]Passage, len(c.Retrieved))
		copy(cp.Retrieved, c.Retrieved)
	}
	if c.Regional != nil {
		reg := *c.Regional
		if c.Regional.Weather != nil {
			w := *c.Regional.Weather
			reg.Weather = &w
		}
		if c.Regional.Prices != nil {
			p := *c.Regional.Prices
			reg.Prices = &p
		}
		cp.Regional = &reg
	}
	if c.Diagnosis != nil {
		d := *c.Diagnosis
		cp.Diagnosis = &d
	}
	if c.Alert != nil {
		a := *c.Alert
		cp.Alert = &a
	}

	return &cp
}

// Package diagnose implements the reasoning step: it synthesizes the
// gathered session context into a structured diagnosis through a single
// reasoning-capability model call.
package diagnose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agrosense/agrosense/llm"
	"github.com/agrosense/agrosense/mcp"
	"github.com/agrosense/agrosense/model"
)

// ErrDiagnosisFailed is returned when the reasoning call could not
// produce a usable diagnosis, including router exhaustion.
var ErrDiagnosisFailed = errors.New("diagnosis failed")

// Completer is the slice of the router client the diagnoser consumes.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Confidence penalties applied when a gathering half is missing. The
// model reports its own confidence; these cap it so an answer produced
// from thin context never claims high certainty.
const (
	maxConfidenceNoRetrieval = 0.6
	maxConfidenceNoRegional  = 0.75
)

// Diagnoser produces a diagnosis from a session context snapshot.
type Diagnoser struct {
	client Completer
	logger *slog.Logger
}

// Option configures a Diagnoser.
type Option func(*Diagnoser)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Diagnoser) {
		d.logger = logger
	}
}

// New creates a Diagnoser over the given router client.
func New(client Completer, opts ...Option) *Diagnoser {
	d := &Diagnoser{
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// diagnosisPayload is the JSON contract the model must return.
type diagnosisPayload struct {
	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
	Severity   string  `json:"severity"`
}

const systemPrompt = `You are an agricultural diagnostic expert advising smallholder farmers in Kenya.
Analyze the farmer's query together with the provided knowledge passages and regional conditions.
Respond with ONLY a JSON object, no markdown fences, in this exact shape:
{"summary": "<plain-language diagnosis and recommended action>", "confidence": <0.0-1.0>, "severity": "<low|medium|high|critical>"}
Severity reflects the urgency of intervention: critical means the farmer risks losing the asset without immediate action.`

// Diagnose runs one reasoning call over the snapshot and returns the
// structured result. Missing retrieval or regional data lowers the
// confidence ceiling rather than blocking the diagnosis.
func (d *Diagnoser) Diagnose(ctx context.Context, snapshot *mcp.Context) (*mcp.Diagnosis, error) {
	prompt := buildPrompt(snapshot)

	resp, err := d.client.Complete(ctx, llm.Request{
		Capability: string(model.CapabilityReasoning),
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Validate: validateDiagnosis,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiagnosisFailed, err)
	}

	var payload diagnosisPayload
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &payload); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrDiagnosisFailed, err)
	}

	severity := mcp.ParseSeverity(payload.Severity)

	confidence := clamp01(payload.Confidence)
	if len(snapshot.Retrieved) == 0 && confidence > maxConfidenceNoRetrieval {
		confidence = maxConfidenceNoRetrieval
	}
	if snapshot.Regional == nil && confidence > maxConfidenceNoRegional {
		confidence = maxConfidenceNoRegional
	}

	d.logger.Info("Diagnosis complete",
		"session_id", snapshot.SessionID,
		"backend", resp.Backend,
		"severity", severity,
		"confidence", confidence)

	return &mcp.Diagnosis{
		Summary:    payload.Summary,
		Confidence: confidence,
		Severity:   severity,
	}, nil
}

// buildPrompt assembles the user message from whatever the gathering
// phase produced.
func buildPrompt(snapshot *mcp.Context) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Farmer query: %s\n", snapshot.Query)
	fmt.Fprintf(&b, "Asset type: %s\n", snapshot.AssetType)
	if snapshot.Region != "" {
		fmt.Fprintf(&b, "Region: %s\n", snapshot.Region)
	}

	if len(snapshot.Retrieved) > 0 {
		b.WriteString("\nKnowledge passages:\n")
		for i, p := range snapshot.Retrieved {
			fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, p.Source, p.Text)
		}
	} else {
		b.WriteString("\nNo knowledge passages were found for this query; rely on general expertise and say so.\n")
	}

	if snapshot.Regional != nil {
		if w := snapshot.Regional.Weather; w != nil {
			fmt.Fprintf(&b, "\nWeather (%s): %.1f°C, humidity %d%%, %s. 48h outlook: %s\n",
				w.Source, w.TempC, w.Humidity, w.Condition, w.Next48hRisk)
		}
		if p := snapshot.Regional.Prices; p != nil {
			fmt.Fprintf(&b, "Market: %s at %.0f %s per %s, trend %s (%s)\n",
				p.Commodity, p.CurrentPrice, p.Currency, p.Unit, p.Trend, p.Source)
		}
	} else {
		b.WriteString("\nNo regional weather or market data is available.\n")
	}

	return b.String()
}

// validateDiagnosis rejects model output that does not decode into the
// required JSON shape, so the router advances to the next backend
// instead of accepting garbage.
func validateDiagnosis(resp *llm.Response) error {
	var payload diagnosisPayload
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &payload); err != nil {
		return fmt.Errorf("not valid diagnosis JSON: %w", err)
	}
	if strings.TrimSpace(payload.Summary) == "" {
		return errors.New("diagnosis summary is empty")
	}
	if payload.Confidence < 0 || payload.Confidence > 1 {
		return fmt.Errorf("confidence %v out of range", payload.Confidence)
	}
	switch strings.ToUpper(strings.TrimSpace(payload.Severity)) {
	case "LOW", "MEDIUM", "HIGH", "CRITICAL":
	default:
		return fmt.Errorf("unknown severity %q", payload.Severity)
	}
	return nil
}

// extractJSON strips markdown fences models sometimes wrap around JSON.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	return s
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

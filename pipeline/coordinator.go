package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agrosense/agrosense/llm"
	"github.com/agrosense/agrosense/mcp"
	"github.com/agrosense/agrosense/model"
	"github.com/agrosense/agrosense/retrieval"
)

// Completer is the slice of the router client the classifier consumes.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Retriever is the knowledge retrieval step contract.
type Retriever interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]mcp.Passage, error)
}

// RegionalFetcher is the external-data step contract.
type RegionalFetcher interface {
	Fetch(ctx context.Context, region string, asset mcp.AssetType) (*mcp.RegionalData, error)
}

// Diagnoser is the reasoning step contract.
type Diagnoser interface {
	Diagnose(ctx context.Context, snapshot *mcp.Context) (*mcp.Diagnosis, error)
}

// Alerter is the action step contract. A non-nil payload means the
// threshold was crossed; the error reports delivery failure only.
type Alerter interface {
	Evaluate(ctx context.Context, snapshot *mcp.Context) (*mcp.AlertPayload, error)
}

// Timeouts bounds each coordinator phase.
type Timeouts struct {
	Classify time.Duration
	Retrieve time.Duration
	Regional time.Duration
	Diagnose time.Duration
	Act      time.Duration
}

// DefaultTimeouts returns the production phase budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Classify: 15 * time.Second,
		Retrieve: 20 * time.Second,
		Regional: 20 * time.Second,
		Diagnose: 60 * time.Second,
		Act:      30 * time.Second,
	}
}

// Coordinator drives one turn through the pipeline phases. It is the
// only component that writes to the session store; steps receive
// snapshots and return values.
type Coordinator struct {
	store     mcp.Store
	client    Completer
	retriever Retriever
	regional  RegionalFetcher
	diagnoser Diagnoser
	alerter   Alerter
	timeouts  Timeouts
	logger    *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeouts overrides the phase budgets.
func WithTimeouts(t Timeouts) Option {
	return func(c *Coordinator) {
		c.timeouts = t
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// New creates a Coordinator over the given store and steps.
func New(store mcp.Store, client Completer, retriever Retriever, regional RegionalFetcher, diagnoser Diagnoser, alerter Alerter, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		client:    client,
		retriever: retriever,
		regional:  regional,
		diagnoser: diagnoser,
		alerter:   alerter,
		timeouts:  DefaultTimeouts(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run processes one farmer query for the session and returns the turn
// result. The session is created if it does not exist. A Failed turn
// leaves the diagnosis field from any prior turn untouched.
func (c *Coordinator) Run(ctx context.Context, sessionID, query string) (*Turn, error) {
	turn := &Turn{SessionID: sessionID}

	prior, err := c.store.GetOrCreate(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("open session %s: %w", sessionID, err)
	}

	version, err := c.store.Write(ctx, sessionID, mcp.FieldQuery, query)
	if err != nil {
		return c.fail(turn, FailureSessionExpired, err)
	}
	turn.Version = version

	// Classifying.
	c.logger.Info("Turn started", "session_id", sessionID, "state", StateClassifying)

	assetType, region, warning := c.classify(ctx, query, prior)
	if warning != "" {
		turn.Warnings = append(turn.Warnings, warning)
	}
	if version, err = c.store.Write(ctx, sessionID, mcp.FieldAssetType, assetType); err != nil {
		return c.fail(turn, FailureSessionExpired, err)
	}
	if region != "" {
		if version, err = c.store.Write(ctx, sessionID, mcp.FieldRegion, region); err != nil {
			return c.fail(turn, FailureSessionExpired, err)
		}
	}
	turn.Version = version

	// Gathering: retrieval and regional data run concurrently and write
	// disjoint fields. Either failing degrades the turn instead of
	// ending it.
	c.logger.Info("Turn state", "session_id", sessionID, "state", StateGathering)

	for _, w := range c.gather(ctx, sessionID, query, assetType, region) {
		turn.Warnings = append(turn.Warnings, w)
	}

	// Diagnosing.
	c.logger.Info("Turn state", "session_id", sessionID, "state", StateDiagnosing)

	snapshot, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return c.fail(turn, FailureSessionExpired, err)
	}
	turn.Version = snapshot.Version

	diagCtx, cancel := context.WithTimeout(ctx, c.timeouts.Diagnose)
	diagnosis, err := c.diagnoser.Diagnose(diagCtx, snapshot)
	cancel()
	if err != nil {
		// The diagnosis field keeps whatever the previous turn wrote.
		return c.fail(turn, FailureDiagnosisFailed, err)
	}

	if version, err = c.store.Write(ctx, sessionID, mcp.FieldDiagnosis, diagnosis); err != nil {
		return c.fail(turn, FailureSessionExpired, err)
	}
	turn.Version = version
	turn.Answer = diagnosis.Summary
	turn.Confidence = diagnosis.Confidence
	turn.Severity = diagnosis.Severity.String()

	// Acting.
	c.logger.Info("Turn state", "session_id", sessionID, "state", StateActing)

	snapshot, err = c.store.Get(ctx, sessionID)
	if err != nil {
		return c.fail(turn, FailureSessionExpired, err)
	}

	actCtx, cancel := context.WithTimeout(ctx, c.timeouts.Act)
	payload, alertErr := c.alerter.Evaluate(actCtx, snapshot)
	cancel()

	turn.AlertFired = payload != nil
	// Written even when nil so a prior turn's alert never lingers in the
	// session context.
	if version, err = c.store.Write(ctx, sessionID, mcp.FieldAlert, payload); err != nil {
		return c.fail(turn, FailureSessionExpired, err)
	}
	turn.Version = version
	if alertErr != nil {
		// Delivery failure is reported, never fatal for the turn.
		turn.AlertError = alertErr.Error()
		turn.Warnings = append(turn.Warnings, "alert delivery failed")
	}

	turn.State = StateDone
	turn.CompletedAt = time.Now()

	c.logger.Info("Turn complete",
		"session_id", sessionID,
		"state", turn.State,
		"severity", turn.Severity,
		"alert_fired", turn.AlertFired,
		"warnings", len(turn.Warnings),
		"version", turn.Version)

	return turn, nil
}

func (c *Coordinator) fail(turn *Turn, reason FailureReason, err error) (*Turn, error) {
	turn.State = StateFailed
	turn.FailureReason = reason
	turn.CompletedAt = time.Now()

	c.logger.Error("Turn failed",
		"session_id", turn.SessionID,
		"reason", reason,
		"error", err)

	return turn, err
}

// classificationPayload is the JSON contract for the classifier call.
type classificationPayload struct {
	AssetType string `json:"asset_type"`
	Region    string `json:"region"`
}

const classifySystemPrompt = `You classify farmer queries for an agricultural advisory system in Kenya.
Respond with ONLY a JSON object, no markdown fences:
{"asset_type": "<Crop|Livestock|Finance|Unknown>", "region": "<Kenyan county/town mentioned in the query, or empty string>"}`

// classify resolves the turn's asset type and region through a fast
// classification call. On failure it falls back to the previous turn's
// values so one flaky classifier never blocks a returning session.
func (c *Coordinator) classify(ctx context.Context, query string, prior *mcp.Context) (mcp.AssetType, string, string) {
	classifyCtx, cancel := context.WithTimeout(ctx, c.timeouts.Classify)
	defer cancel()

	resp, err := c.client.Complete(classifyCtx, llm.Request{
		Capability: string(model.CapabilityClassification),
		Messages: []llm.Message{
			{Role: "system", Content: classifySystemPrompt},
			{Role: "user", Content: query},
		},
		Validate: func(resp *llm.Response) error {
			var payload classificationPayload
			if err := json.Unmarshal([]byte(stripFences(resp.Content)), &payload); err != nil {
				return fmt.Errorf("not valid classification JSON: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		if prior.AssetType != "" && prior.AssetType != mcp.AssetUnknown {
			c.logger.Warn("Classification failed, reusing prior turn",
				"session_id", prior.SessionID,
				"asset_type", prior.AssetType,
				"error", err)
			return prior.AssetType, prior.Region, "classification failed; reused prior turn"
		}
		c.logger.Warn("Classification failed with no prior turn",
			"session_id", prior.SessionID,
			"error", err)
		return mcp.AssetUnknown, prior.Region, "classification failed; proceeding without asset type"
	}

	var payload classificationPayload
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), &payload); err != nil {
		return mcp.AssetUnknown, prior.Region, "classification response unreadable"
	}

	assetType := mcp.ParseAssetType(payload.AssetType)
	region := strings.TrimSpace(payload.Region)
	if region == "" {
		// Region persists across turns until the farmer mentions a new one.
		region = prior.Region
	}
	return assetType, region, ""
}

// gather runs retrieval and the regional fetch concurrently, writing
// each result to its own context field. It returns soft warnings for
// the halves that failed or came back empty.
func (c *Coordinator) gather(ctx context.Context, sessionID, query string, assetType mcp.AssetType, region string) []string {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		warnings []string
	)

	warn := func(msg string) {
		mu.Lock()
		warnings = append(warnings, msg)
		mu.Unlock()
	}

	wg.Add(2)

	go func() {
		defer wg.Done()
		stepCtx, cancel := context.WithTimeout(ctx, c.timeouts.Retrieve)
		defer cancel()

		passages, err := c.retriever.Retrieve(stepCtx, retrieval.Query{
			Text:      query,
			AssetType: assetType,
			Region:    region,
		})
		if err != nil {
			c.logger.Warn("Retrieval failed", "session_id", sessionID, "error", err)
			warn("knowledge retrieval unavailable")
			passages = nil
		} else if len(passages) == 0 {
			warn("no knowledge passages matched")
		}

		if passages == nil {
			passages = []mcp.Passage{}
		}
		if _, err := c.store.Write(ctx, sessionID, mcp.FieldRetrieved, passages); err != nil {
			c.logger.Error("Retrieved-context write failed", "session_id", sessionID, "error", err)
		}
	}()

	go func() {
		defer wg.Done()
		stepCtx, cancel := context.WithTimeout(ctx, c.timeouts.Regional)
		defer cancel()

		data, err := c.regional.Fetch(stepCtx, region, assetType)
		if err != nil {
			c.logger.Warn("Regional fetch failed", "session_id", sessionID, "region", region, "error", err)
			warn("regional data unavailable")
			data = nil
		} else {
			if data.Weather == nil {
				warn("weather data unavailable")
			}
			if data.Prices == nil {
				warn("market prices unavailable")
			}
		}

		// Written even when nil: regional data never outlives its turn, so
		// a returning session cannot diagnose against a stale snapshot.
		if _, err := c.store.Write(ctx, sessionID, mcp.FieldRegional, data); err != nil {
			c.logger.Error("Regional-data write failed", "session_id", sessionID, "error", err)
		}
	}()

	wg.Wait()
	return warnings
}

// stripFences removes markdown code fences models sometimes wrap around JSON.
func stripFences(content string) string {
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

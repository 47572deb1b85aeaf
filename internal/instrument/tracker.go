// Package instrument threads a per-request timing ledger through the
// request pipeline without sitting on the data path.
package instrument

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// defaultHistoryCap bounds the completed-request history; the oldest entry
// is evicted past the cap.
const defaultHistoryCap = 100

// completedStage is the terminal stage recorded by Complete.
const completedStage = "request_completed"

// Stage is one named marker inside a request. Durations are sequential
// markers, not exclusive spans.
type Stage struct {
	Name     string         `json:"name"`
	At       time.Time      `json:"at"`
	Duration time.Duration  `json:"duration"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ProviderTiming measures one provider invocation inside a request.
// Methods are called by the single goroutine driving that invocation; the
// mutex guards against the tracker reading during Complete.
type ProviderTiming struct {
	mu sync.Mutex

	Provider string
	Model    string

	Started     time.Time
	RequestSent time.Time
	FirstToken  time.Time
	Completed   time.Time

	InputTokens  int
	OutputTokens int
}

func (t *ProviderTiming) RecordRequestSent() {
	t.mu.Lock()
	t.RequestSent = time.Now()
	t.mu.Unlock()
}

func (t *ProviderTiming) RecordFirstToken() {
	t.mu.Lock()
	if t.FirstToken.IsZero() {
		t.FirstToken = time.Now()
	}
	t.mu.Unlock()
}

func (t *ProviderTiming) RecordCompletion(inputTokens, outputTokens int) {
	t.mu.Lock()
	t.Completed = time.Now()
	t.InputTokens = inputTokens
	t.OutputTokens = outputTokens
	t.mu.Unlock()
}

// snapshot folds the timing into its summary form.
func (t *ProviderTiming) snapshot() ProviderSummary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := ProviderSummary{
		Provider:     t.Provider,
		Model:        t.Model,
		InputTokens:  t.InputTokens,
		OutputTokens: t.OutputTokens,
	}
	if !t.RequestSent.IsZero() {
		s.ConnectionTime = t.RequestSent.Sub(t.Started)
	}
	if !t.FirstToken.IsZero() && !t.RequestSent.IsZero() {
		s.TimeToFirstToken = t.FirstToken.Sub(t.RequestSent)
	}
	if !t.Completed.IsZero() {
		s.TotalTime = t.Completed.Sub(t.Started)
		if t.OutputTokens > 0 {
			gen := t.Completed.Sub(t.Started)
			if !t.FirstToken.IsZero() {
				gen = t.Completed.Sub(t.FirstToken)
			}
			if secs := gen.Seconds(); secs > 0 {
				s.TokensPerSecond = float64(t.OutputTokens) / secs
			}
		}
	}
	return s
}

// ProviderSummary is the finalized view of one provider invocation.
type ProviderSummary struct {
	Provider         string        `json:"provider"`
	Model            string        `json:"model"`
	ConnectionTime   time.Duration `json:"connection_time"`
	TimeToFirstToken time.Duration `json:"time_to_first_token"`
	TotalTime        time.Duration `json:"total_time"`
	InputTokens      int           `json:"input_tokens"`
	OutputTokens     int           `json:"output_tokens"`
	TokensPerSecond  float64       `json:"tokens_per_second"`
}

// Summary is the finalized ledger for one request.
type Summary struct {
	RequestID      string                   `json:"request_id"`
	Start          time.Time                `json:"start"`
	TotalDuration  time.Duration            `json:"total_duration"`
	Stages         []Stage                  `json:"stages"`
	StageDurations map[string]time.Duration `json:"stage_durations"`
	Providers      []ProviderSummary        `json:"providers,omitempty"`
	Metadata       map[string]any           `json:"metadata,omitempty"`
}

// activeRequest is the in-flight ledger entry.
type activeRequest struct {
	id        string
	start     time.Time
	lastMark  time.Time
	stages    []Stage
	providers []*ProviderTiming
	metadata  map[string]any
}

// Tracker is the process-wide ledger. Mutations are single fast in-memory
// updates under the mutex; nothing network-bound runs while it is held.
type Tracker struct {
	mu         sync.Mutex
	active     map[string]*activeRequest
	history    []*Summary
	historyCap int
	logger     *zap.Logger
}

func NewTracker(historyCap int, logger *zap.Logger) *Tracker {
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		active:     make(map[string]*activeRequest),
		historyCap: historyCap,
		logger:     logger.Named("instrument"),
	}
}

// Start opens a ledger entry, generating a request id when none is given.
func (t *Tracker) Start(requestID string, metadata map[string]any) string {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	now := time.Now()

	t.mu.Lock()
	t.active[requestID] = &activeRequest{
		id:       requestID,
		start:    now,
		lastMark: now,
		metadata: metadata,
	}
	t.mu.Unlock()

	return requestID
}

// RecordStage marks a named stage. A zero duration is computed from the
// previous mark (or the request start when this is the first stage).
func (t *Tracker) RecordStage(requestID, name string, duration time.Duration, metadata map[string]any) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.active[requestID]
	if !ok {
		return
	}
	if duration <= 0 {
		duration = now.Sub(req.lastMark)
	}
	req.stages = append(req.stages, Stage{
		Name:     name,
		At:       now,
		Duration: duration,
		Metadata: metadata,
	})
	req.lastMark = now
}

// StartProviderTiming opens a provider timing handle attached to the
// request. The handle is usable even if the request id is unknown; the
// measurements are then simply not folded into any summary.
func (t *Tracker) StartProviderTiming(requestID, providerName, model string) *ProviderTiming {
	pt := &ProviderTiming{
		Provider: providerName,
		Model:    model,
		Started:  time.Now(),
	}

	t.mu.Lock()
	if req, ok := t.active[requestID]; ok {
		req.providers = append(req.providers, pt)
	}
	t.mu.Unlock()

	return pt
}

// Complete finalizes the request: records the terminal stage, folds in
// provider timings, appends to the bounded history and removes the entry
// from the active map. Completing an unknown id is an error, not a panic.
func (t *Tracker) Complete(requestID string, metadata map[string]any) (*Summary, error) {
	now := time.Now()

	t.mu.Lock()
	req, ok := t.active[requestID]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("instrument: unknown request id %q", requestID)
	}
	delete(t.active, requestID)

	req.stages = append(req.stages, Stage{
		Name:     completedStage,
		At:       now,
		Duration: now.Sub(req.lastMark),
	})

	meta := req.metadata
	if len(metadata) > 0 {
		if meta == nil {
			meta = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			meta[k] = v
		}
	}

	summary := &Summary{
		RequestID:      req.id,
		Start:          req.start,
		TotalDuration:  now.Sub(req.start),
		Stages:         req.stages,
		StageDurations: make(map[string]time.Duration, len(req.stages)),
		Metadata:       meta,
	}
	for _, st := range req.stages {
		summary.StageDurations[st.Name] = st.Duration
	}
	providers := req.providers
	t.mu.Unlock()

	// Provider snapshots take the per-timing mutex; do it outside the
	// tracker lock. The summary joins the history only once it is fully
	// built, so History readers never observe a partial Providers slice.
	for _, pt := range providers {
		summary.Providers = append(summary.Providers, pt.snapshot())
	}

	t.mu.Lock()
	t.history = append(t.history, summary)
	if len(t.history) > t.historyCap {
		t.history = t.history[len(t.history)-t.historyCap:]
	}
	t.mu.Unlock()

	t.logger.Debug("request finalized",
		zap.String("request_id", requestID),
		zap.Duration("total_duration", summary.TotalDuration),
		zap.Int("stages", len(summary.Stages)),
	)

	return summary, nil
}

// ActiveCount reports in-flight requests.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// IsActive reports whether the id is still open.
func (t *Tracker) IsActive(requestID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.active[requestID]
	return ok
}

// History copies the completed-request history, oldest first.
func (t *Tracker) History() []*Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Summary, len(t.history))
	copy(out, t.history)
	return out
}

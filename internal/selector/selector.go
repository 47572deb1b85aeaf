// Package selector scores candidate models against a requested context and
// returns a ranked recommendation with fallback candidates.
package selector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"modelgate/internal/prefs"
	"modelgate/internal/provider"
)

// speedReference normalizes model latency; anything at or above this
// ceiling scores zero on the speed axis.
const speedReference = 3000 * time.Millisecond

const fallbackCount = 3

// Request carries the selection inputs. Zero-valued fields fall back to
// per-context defaults.
type Request struct {
	Message              string
	Context              ContextType
	Priority             Priority
	UserID               string
	MaxResponseTime      time.Duration
	PreferredProvider    string
	RequiredCapabilities []provider.Capability
	Activity             string

	// ExcludeProviders removes candidates during fallback selection so a
	// failed provider is never retried immediately.
	ExcludeProviders []string
}

// Recommendation is the selection outcome, consumed immediately by the
// orchestrator.
type Recommendation struct {
	ModelID          string             `json:"model_id"`
	Provider         string             `json:"provider"`
	Model            provider.ModelInfo `json:"model"`
	Confidence       float64            `json:"confidence"`
	Reasoning        string             `json:"reasoning"`
	Fallbacks        []string           `json:"fallbacks"`
	EstimatedCost    float64            `json:"estimated_cost"`
	EstimatedLatency time.Duration      `json:"estimated_latency"`
	Context          ContextType        `json:"context"`
	Priority         Priority           `json:"priority"`
}

// Config holds the tunable policy weights.
type Config struct {
	// ProvenProvider gets a fixed tie-breaking bonus. Empty disables it.
	ProvenProvider string
	// ProvenProviderBonus is the named weight for that bonus.
	ProvenProviderBonus float64
}

func (c Config) withDefaults() Config {
	if c.ProvenProviderBonus == 0 {
		c.ProvenProviderBonus = 0.05
	}
	return c
}

// Selector ranks models from the registry catalog. Scoring is a pure
// function of the request, the static catalogs and the health snapshot, so
// identical inputs produce identical recommendations.
type Selector struct {
	registry *provider.Registry
	prefs    prefs.Store
	cfg      Config
	logger   *zap.Logger
}

func New(registry *provider.Registry, store prefs.Store, cfg Config, logger *zap.Logger) *Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		registry: registry,
		prefs:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("selector"),
	}
}

// Select returns the ranked recommendation for the request.
func (s *Selector) Select(ctx context.Context, req Request) (*Recommendation, error) {
	// A stored user preference bypasses scoring entirely.
	if rec := s.preferenceOverride(ctx, req); rec != nil {
		return rec, nil
	}

	ctxType := req.Context
	if ctxType == "" {
		ctxType = DetectContext(req.Message, req.Activity)
	}

	defaults, ok := defaultsByContext[ctxType]
	if !ok {
		defaults = defaultsByContext[ContextConversation]
	}

	priority := req.Priority
	if priority == "" {
		priority = defaults.priority
	}
	maxLatency := req.MaxResponseTime
	if maxLatency <= 0 {
		maxLatency = defaults.maxLatency
	}
	required := req.RequiredCapabilities
	if len(required) == 0 {
		required = defaults.capabilities
	}

	candidates := s.candidates(req, required, maxLatency)
	if len(candidates) == 0 {
		// Relax to any chat-capable model rather than failing: selection
		// must produce an answer whenever any provider exists.
		s.logger.Debug("relaxing selection constraints",
			zap.String("context", string(ctxType)),
			zap.Duration("max_latency", maxLatency),
		)
		candidates = s.candidates(req, []provider.Capability{provider.CapChat}, 0)
	}
	if len(candidates) == 0 {
		return nil, &provider.NoModelError{Reason: "no chat-capable model in any configured provider"}
	}

	type scored struct {
		model provider.ModelInfo
		score float64
	}
	ranked := make([]scored, 0, len(candidates))
	for _, m := range candidates {
		ranked = append(ranked, scored{model: m, score: s.score(m, ctxType, priority)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		// Deterministic order for equal scores.
		return ranked[i].model.ID < ranked[j].model.ID
	})

	top := ranked[0]
	fallbacks := make([]string, 0, fallbackCount)
	for _, r := range ranked[1:] {
		if len(fallbacks) == fallbackCount {
			break
		}
		fallbacks = append(fallbacks, r.model.ID)
	}

	rec := &Recommendation{
		ModelID:          top.model.ID,
		Provider:         top.model.Provider,
		Model:            top.model,
		Confidence:       confidence(top.score),
		Fallbacks:        fallbacks,
		EstimatedCost:    s.estimateCost(req.Message, top.model),
		EstimatedLatency: top.model.AvgLatency,
		Context:          ctxType,
		Priority:         priority,
	}
	rec.Reasoning = fmt.Sprintf(
		"selected %s (%s) for %s context with %s priority: quality %.2f, expected latency %dms",
		top.model.ID, top.model.Provider, ctxType, priority,
		top.model.QualityScore, top.model.AvgLatency.Milliseconds(),
	)

	s.logger.Debug("model selected",
		zap.String("model", rec.ModelID),
		zap.String("provider", rec.Provider),
		zap.String("context", string(ctxType)),
		zap.String("priority", string(priority)),
		zap.Float64("score", top.score),
		zap.Strings("fallbacks", fallbacks),
	)

	return rec, nil
}

// preferenceOverride returns a confidence-1.0 recommendation when the user
// has a stored preferred model that is still servable. Store errors are
// best-effort: logged and treated as no preference.
func (s *Selector) preferenceOverride(ctx context.Context, req Request) *Recommendation {
	if s.prefs == nil || req.UserID == "" || len(req.ExcludeProviders) > 0 {
		return nil
	}

	modelID, ok, err := s.prefs.Get(ctx, req.UserID)
	if err != nil {
		s.logger.Warn("preference lookup failed",
			zap.String("user_id", req.UserID),
			zap.Error(err),
		)
		return nil
	}
	if !ok {
		return nil
	}

	adapter, info, found := s.registry.ResolveModel(modelID)
	if !found || !s.registry.IsHealthy(adapter.Name()) {
		return nil
	}

	return &Recommendation{
		ModelID:          info.ID,
		Provider:         info.Provider,
		Model:            info,
		Confidence:       1.0,
		Reasoning:        fmt.Sprintf("user preference override: %s (%s)", info.ID, info.Provider),
		EstimatedCost:    s.estimateCost(req.Message, info),
		EstimatedLatency: info.AvgLatency,
		Context:          req.Context,
		Priority:         req.Priority,
	}
}

// candidates filters the full catalog by provider, capabilities, latency
// ceiling and provider health. maxLatency <= 0 disables the ceiling.
func (s *Selector) candidates(req Request, required []provider.Capability, maxLatency time.Duration) []provider.ModelInfo {
	excluded := make(map[string]bool, len(req.ExcludeProviders))
	for _, p := range req.ExcludeProviders {
		excluded[p] = true
	}

	var out []provider.ModelInfo
	for _, m := range s.registry.AllModels() {
		if excluded[m.Provider] {
			continue
		}
		if req.PreferredProvider != "" && m.Provider != req.PreferredProvider {
			continue
		}
		if m.Deprecated {
			continue
		}
		if !s.registry.IsHealthy(m.Provider) {
			continue
		}
		if maxLatency > 0 && m.AvgLatency > maxLatency {
			continue
		}
		if !hasAll(m, required) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// score is base quality/speed plus priority- and context-specific bonuses
// and the proven-provider tie-break.
func (s *Selector) score(m provider.ModelInfo, ctxType ContextType, priority Priority) float64 {
	score := m.QualityScore*0.4 + normalizedSpeed(m.AvgLatency)*0.3

	switch priority {
	case PrioritySpeed:
		score += m.SpeedScore * 0.3
	case PriorityQuality:
		score += m.QualityScore * 0.3
	case PriorityCost:
		score += 0.3 * (1 - clamp01(m.InputCostPer1K/0.02))
	case PriorityVROptimized:
		if m.AvgLatency < 700*time.Millisecond {
			score += 0.2
		}
		if m.SupportsStreaming {
			score += 0.1
		}
	}

	switch ctxType {
	case ContextTechnical:
		if m.Has(provider.CapCodeGeneration) || m.Has(provider.CapToolCalling) {
			score += 0.1
		}
	case ContextCreative:
		if m.Has(provider.CapLongContext) {
			score += 0.1
		}
	case ContextMultimodal:
		if m.Has(provider.CapVision) || m.Has(provider.CapMultimodal) {
			score += 0.15
		}
	}

	if s.cfg.ProvenProvider != "" && m.Provider == s.cfg.ProvenProvider {
		score += s.cfg.ProvenProviderBonus
	}

	return score
}

// estimateCost uses the rough len/4 input-token estimate with an assumed
// output half that size.
func (s *Selector) estimateCost(message string, m provider.ModelInfo) float64 {
	inputTokens := float64(len(message)) / 4
	outputTokens := inputTokens * 0.5
	return inputTokens/1000*m.InputCostPer1K + outputTokens/1000*m.OutputCostPer1K
}

func normalizedSpeed(latency time.Duration) float64 {
	return 1 - clamp01(float64(latency)/float64(speedReference))
}

func confidence(score float64) float64 {
	return clamp01(score)
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

func hasAll(m provider.ModelInfo, caps []provider.Capability) bool {
	for _, c := range caps {
		if !m.Has(c) {
			return false
		}
	}
	return true
}

// Package orchestrator coordinates one chat request end to end: resolving
// a model and provider, validating caller input, invoking the adapter and
// walking the fallback list when a provider fails.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"modelgate/internal/instrument"
	"modelgate/internal/metrics"
	"modelgate/internal/provider"
	"modelgate/internal/selector"
)

// ToolProvider supplies tool schemas for an activity. The orchestrator
// passes the result through untouched.
type ToolProvider interface {
	ToolsForActivity(activity string) []provider.ToolDescriptor
}

// PromptManager supplies the system prompt. Opaque input text to the core.
type PromptManager interface {
	SystemPrompt(ctx context.Context, userID string) string
}

// ConversationStore is the external history collaborator. The core only
// consumes ordered message lists and never persists anything itself.
type ConversationStore interface {
	Get(ctx context.Context, conversationID string) ([]provider.ChatMessage, error)
	Append(ctx context.Context, conversationID string, msgs ...provider.ChatMessage) error
	Create(ctx context.Context, userID string) (string, error)
}

// Config is the orchestrator policy surface.
type Config struct {
	DefaultModel    string
	DefaultProvider string
	AutoSelect      bool
	FallbackEnabled bool
	// LoadBalanceStrategy picks a provider when neither a model nor a
	// default provider names one.
	LoadBalanceStrategy string
}

// Request is one chat request before validation. Messages stay raw until
// the validation stage so malformed shapes fail with an invalid-request
// error instead of a decode panic.
type Request struct {
	Messages []map[string]any

	Model    string
	Provider string
	// Force pins the explicit model/provider pair, bypassing selection.
	Force bool

	Temperature float32
	TopP        float32
	MaxTokens   int
	Stop        []string

	UserID            string
	Activity          string
	Context           selector.ContextType
	Priority          selector.Priority
	MaxResponseTime   time.Duration
	PreferredProvider string

	// Fallback overrides the global fallback default for this request.
	Fallback *bool

	RequestID string
}

// resolution is the outcome of the resolve stage.
type resolution struct {
	adapter   provider.Adapter
	model     provider.ModelInfo
	reasoning string
	fallbacks []string
}

type Orchestrator struct {
	registry *provider.Registry
	selector *selector.Selector
	tracker  *instrument.Tracker

	tools         ToolProvider
	prompts       PromptManager
	conversations ConversationStore

	cfg    Config
	logger *zap.Logger
}

// Option wires an optional collaborator.
type Option func(*Orchestrator)

func WithToolProvider(tp ToolProvider) Option {
	return func(o *Orchestrator) { o.tools = tp }
}

func WithPromptManager(pm PromptManager) Option {
	return func(o *Orchestrator) { o.prompts = pm }
}

func WithConversationStore(cs ConversationStore) Option {
	return func(o *Orchestrator) { o.conversations = cs }
}

func New(
	registry *provider.Registry,
	sel *selector.Selector,
	tracker *instrument.Tracker,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		registry: registry,
		selector: sel,
		tracker:  tracker,
		cfg:      cfg,
		logger:   logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Complete runs one synchronous chat completion. Provider failures walk
// the fallback list once when fallback is enabled; invalid caller input
// never reaches a provider and never falls back.
func (o *Orchestrator) Complete(ctx context.Context, req *Request) (resp *provider.ChatResponse, err error) {
	start := time.Now()
	reqID := o.tracker.Start(req.RequestID, map[string]any{"mode": "complete"})

	// The ledger is always finalized, success or failure.
	defer func() {
		meta := map[string]any{"success": err == nil}
		if _, cerr := o.tracker.Complete(reqID, meta); cerr != nil {
			o.logger.Warn("ledger finalize failed", zap.String("request_id", reqID), zap.Error(cerr))
		}
	}()

	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error("panic in completion",
				zap.String("request_id", reqID),
				zap.Any("panic", rec),
				zap.Stack("stack"),
			)
			resp = nil
			err = fmt.Errorf("internal error processing request %s", reqID)
		}
	}()

	res, err := o.resolve(ctx, req, nil)
	o.tracker.RecordStage(reqID, "model_resolution", 0, nil)
	if err != nil {
		return nil, err
	}

	msgs, err := o.buildMessages(ctx, req)
	o.tracker.RecordStage(reqID, "validation", 0, nil)
	if err != nil {
		return nil, err
	}

	chatReq := o.buildChatRequest(req, res.model, msgs, false)

	resp, err = o.invoke(ctx, reqID, res, chatReq)
	o.tracker.RecordStage(reqID, "provider_invocation", 0, map[string]any{"provider": res.adapter.Name()})
	if err == nil {
		resp.Reasoning = res.reasoning
		resp.FallbackUsed = false
		resp.ResponseTime = time.Since(start)
		metrics.ChatRequestsTotal.WithLabelValues(resp.Provider, resp.Model, "success").Inc()
		return resp, nil
	}

	if provider.IsInvalidRequest(err) {
		return nil, err
	}
	pe, isProviderErr := provider.AsProviderError(err)
	if !isProviderErr {
		return nil, err
	}

	failedProvider := res.adapter.Name()
	o.registry.RecordError(failedProvider, err)
	metrics.ChatRequestsTotal.WithLabelValues(failedProvider, res.model.ID, "error").Inc()

	if !o.fallbackAllowed(req) {
		return nil, err
	}

	o.logger.Warn("provider failed, attempting fallback",
		zap.String("request_id", reqID),
		zap.String("provider", failedProvider),
		zap.String("kind", string(pe.Kind)),
		zap.Error(err),
	)
	metrics.FallbacksTotal.WithLabelValues(failedProvider).Inc()

	for _, altID := range o.alternatives(ctx, req, failedProvider) {
		altRes, altErr := o.resolveExplicit(altID, failedProvider)
		if altErr != nil {
			continue
		}
		o.tracker.RecordStage(reqID, "fallback_attempt", 0, map[string]any{
			"model":    altID,
			"provider": altRes.adapter.Name(),
		})

		altReq := o.buildChatRequest(req, altRes.model, msgs, false)
		resp, altErr = o.invoke(ctx, reqID, altRes, altReq)
		if altErr == nil {
			resp.Reasoning = fmt.Sprintf("fallback after %s failure: %s", failedProvider, altRes.reasoning)
			resp.FallbackUsed = true
			resp.ResponseTime = time.Since(start)
			metrics.ChatRequestsTotal.WithLabelValues(resp.Provider, resp.Model, "fallback_success").Inc()
			return resp, nil
		}

		o.registry.RecordError(altRes.adapter.Name(), altErr)
		metrics.ChatRequestsTotal.WithLabelValues(altRes.adapter.Name(), altID, "error").Inc()
		o.logger.Warn("fallback attempt failed",
			zap.String("request_id", reqID),
			zap.String("model", altID),
			zap.Error(altErr),
		)
	}

	// Alternatives exhausted: surface the original error, tagged.
	pe.FallbackAttempted = true
	return nil, pe
}

// invoke calls the adapter's synchronous completion with provider timing
// attached, and records usage stats on success.
func (o *Orchestrator) invoke(
	ctx context.Context,
	reqID string,
	res *resolution,
	chatReq *provider.ChatRequest,
) (*provider.ChatResponse, error) {
	pt := o.tracker.StartProviderTiming(reqID, res.adapter.Name(), res.model.ID)
	pt.RecordRequestSent()

	resp, err := res.adapter.ChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	usage := resp.Usage
	in, out := 0, 0
	if usage != nil {
		in, out = usage.PromptTokens, usage.CompletionTokens
	}
	pt.RecordCompletion(in, out)

	o.registry.RecordUsage(res.adapter.Name(), usage, requestCost(usage, res.model), resp.ResponseTime)
	return resp, nil
}

// resolve runs exactly one of the three resolution modes.
func (o *Orchestrator) resolve(ctx context.Context, req *Request, exclude []string) (*resolution, error) {
	// Forced: explicit model and/or provider, no scoring.
	if req.Force && (req.Model != "" || req.Provider != "") {
		return o.resolveForced(req)
	}

	model := req.Model
	if model == "" && !o.cfg.AutoSelect {
		model = o.cfg.DefaultModel
	}

	// Auto: selection intelligence on and no explicit model.
	if o.cfg.AutoSelect && req.Model == "" {
		return o.resolveAuto(ctx, req, exclude)
	}

	// Explicit single model: resolve its provider directly.
	if model != "" {
		return o.resolveExplicit(model, "")
	}

	if o.cfg.DefaultProvider != "" {
		if adapter, ok := o.registry.Get(o.cfg.DefaultProvider); ok {
			models := adapter.Models()
			if len(models) > 0 {
				return &resolution{
					adapter:   adapter,
					model:     models[0],
					reasoning: fmt.Sprintf("default provider %s first available model", adapter.Name()),
				}, nil
			}
		}
		return nil, &provider.NoProviderError{Provider: o.cfg.DefaultProvider}
	}

	// No model and no default provider: let the configured load-balance
	// strategy pick a healthy provider.
	if name, lbErr := o.registry.BestProvider(o.cfg.LoadBalanceStrategy); lbErr == nil {
		if adapter, ok := o.registry.Get(name); ok {
			if models := adapter.Models(); len(models) > 0 {
				return &resolution{
					adapter: adapter,
					model:   models[0],
					reasoning: fmt.Sprintf("%s strategy picked provider %s",
						strategyName(o.cfg.LoadBalanceStrategy), adapter.Name()),
				}, nil
			}
		}
	}

	return nil, &provider.NoModelError{Reason: "no model specified and auto-selection disabled"}
}

func (o *Orchestrator) resolveForced(req *Request) (*resolution, error) {
	switch {
	case req.Model != "" && req.Provider != "":
		adapter, ok := o.registry.Get(req.Provider)
		if !ok {
			return nil, &provider.NoProviderError{Provider: req.Provider}
		}
		info, ok := adapter.ModelInfo(req.Model)
		if !ok {
			// Serve unknown ids anyway when forced; the caller pinned the
			// pair deliberately.
			info = provider.ModelInfo{ID: req.Model, Provider: req.Provider}
		}
		return &resolution{
			adapter:   adapter,
			model:     info,
			reasoning: fmt.Sprintf("forced model %s on provider %s", req.Model, req.Provider),
		}, nil

	case req.Model != "":
		return o.resolveExplicit(req.Model, "")

	default: // provider only: its first available model
		adapter, ok := o.registry.Get(req.Provider)
		if !ok {
			return nil, &provider.NoProviderError{Provider: req.Provider}
		}
		models := adapter.Models()
		if len(models) == 0 {
			return nil, &provider.NoModelError{Reason: "provider " + req.Provider + " has no models"}
		}
		return &resolution{
			adapter:   adapter,
			model:     models[0],
			reasoning: fmt.Sprintf("forced provider %s, first available model %s", req.Provider, models[0].ID),
		}, nil
	}
}

func (o *Orchestrator) resolveExplicit(modelID, excludeProvider string) (*resolution, error) {
	adapter, info, ok := o.registry.ResolveModel(modelID)
	if !ok {
		return nil, &provider.NoProviderError{Model: modelID}
	}
	if excludeProvider != "" && adapter.Name() == excludeProvider {
		return nil, &provider.NoProviderError{Model: modelID}
	}
	return &resolution{
		adapter:   adapter,
		model:     info,
		reasoning: fmt.Sprintf("explicit model %s served by %s", modelID, adapter.Name()),
	}, nil
}

func (o *Orchestrator) resolveAuto(ctx context.Context, req *Request, exclude []string) (*resolution, error) {
	rec, err := o.selector.Select(ctx, selector.Request{
		Message:           lastUserText(req.Messages),
		Context:           req.Context,
		Priority:          req.Priority,
		UserID:            req.UserID,
		MaxResponseTime:   req.MaxResponseTime,
		PreferredProvider: req.PreferredProvider,
		Activity:          req.Activity,
		ExcludeProviders:  exclude,
	})
	if err != nil {
		return nil, err
	}
	adapter, ok := o.registry.Get(rec.Provider)
	if !ok {
		return nil, &provider.NoProviderError{Provider: rec.Provider}
	}
	return &resolution{
		adapter:   adapter,
		model:     rec.Model,
		reasoning: rec.Reasoning,
		fallbacks: rec.Fallbacks,
	}, nil
}

// alternatives asks the selector for a fresh ranked list excluding the
// failed provider, returning model ids in attempt order.
func (o *Orchestrator) alternatives(ctx context.Context, req *Request, failedProvider string) []string {
	rec, err := o.selector.Select(ctx, selector.Request{
		Message:          lastUserText(req.Messages),
		Context:          req.Context,
		Priority:         req.Priority,
		MaxResponseTime:  req.MaxResponseTime,
		Activity:         req.Activity,
		ExcludeProviders: []string{failedProvider},
	})
	if err != nil {
		o.logger.Warn("no fallback alternatives available",
			zap.String("failed_provider", failedProvider),
			zap.Error(err),
		)
		return nil
	}

	seen := map[string]bool{}
	var out []string
	for _, id := range append([]string{rec.ModelID}, rec.Fallbacks...) {
		if seen[id] {
			continue
		}
		if adapter, _, ok := o.registry.ResolveModel(id); !ok || adapter.Name() == failedProvider {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (o *Orchestrator) fallbackAllowed(req *Request) bool {
	if req.Fallback != nil {
		return *req.Fallback
	}
	return o.cfg.FallbackEnabled
}

// buildMessages converts and validates the raw message list. Any malformed
// message fails the whole request before a provider is contacted.
func (o *Orchestrator) buildMessages(ctx context.Context, req *Request) ([]provider.ChatMessage, error) {
	if len(req.Messages) == 0 {
		return nil, &provider.InvalidRequestError{Reason: "at least one message is required"}
	}

	msgs := make([]provider.ChatMessage, 0, len(req.Messages)+1)
	hasSystem := false

	for i, raw := range req.Messages {
		roleVal, ok := raw["role"]
		if !ok {
			return nil, &provider.InvalidRequestError{Reason: fmt.Sprintf("messages[%d]: missing role", i)}
		}
		role, ok := roleVal.(string)
		if !ok {
			return nil, &provider.InvalidRequestError{Reason: fmt.Sprintf("messages[%d]: role must be a string", i)}
		}
		switch role {
		case provider.RoleSystem, provider.RoleUser, provider.RoleAssistant, provider.RoleTool:
		default:
			return nil, &provider.InvalidRequestError{Reason: fmt.Sprintf("messages[%d]: invalid role %q", i, role)}
		}

		contentVal, ok := raw["content"]
		if !ok {
			return nil, &provider.InvalidRequestError{Reason: fmt.Sprintf("messages[%d]: missing content", i)}
		}
		content, ok := contentVal.(string)
		if !ok {
			return nil, &provider.InvalidRequestError{Reason: fmt.Sprintf("messages[%d]: content must be a string", i)}
		}

		if role == provider.RoleSystem {
			hasSystem = true
		}
		msgs = append(msgs, provider.ChatMessage{Role: role, Content: content})
	}

	// The prompt manager supplies a system message only when the caller
	// did not bring one.
	if !hasSystem && o.prompts != nil {
		if sys := o.prompts.SystemPrompt(ctx, req.UserID); sys != "" {
			msgs = append([]provider.ChatMessage{{Role: provider.RoleSystem, Content: sys}}, msgs...)
		}
	}

	return msgs, nil
}

func (o *Orchestrator) buildChatRequest(
	req *Request,
	model provider.ModelInfo,
	msgs []provider.ChatMessage,
	stream bool,
) *provider.ChatRequest {
	chatReq := &provider.ChatRequest{
		Model:       model.ID,
		Messages:    msgs,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      stream,
	}
	if o.tools != nil && req.Activity != "" {
		chatReq.Tools = o.tools.ToolsForActivity(req.Activity)
	}
	return chatReq
}

// lastUserText extracts the newest user content for context detection.
// Malformed entries are skipped here; validation rejects them later.
func lastUserText(raw []map[string]any) string {
	for i := len(raw) - 1; i >= 0; i-- {
		if role, _ := raw[i]["role"].(string); role != provider.RoleUser {
			continue
		}
		if content, ok := raw[i]["content"].(string); ok {
			return content
		}
	}
	return ""
}

func strategyName(strategy string) string {
	if strategy == "" {
		return provider.StrategyRoundRobin
	}
	return strategy
}

// requestCost prices actual usage against the model's per-token rates.
func requestCost(usage *provider.Usage, model provider.ModelInfo) float64 {
	if usage == nil {
		return 0
	}
	return float64(usage.PromptTokens)/1000*model.InputCostPer1K +
		float64(usage.CompletionTokens)/1000*model.OutputCostPer1K
}

package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Load-balancing criteria accepted by BestProvider.
const (
	StrategyRoundRobin  = "round_robin"
	StrategyLeastLoaded = "least_loaded"
	StrategyFastest     = "fastest"
	StrategyCheapest    = "cheapest"
	StrategyQuality     = "quality"
)

// Stats is the cumulative per-provider usage ledger.
type Stats struct {
	Requests         int64         `json:"requests"`
	Errors           int64         `json:"errors"`
	PromptTokens     int64         `json:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens"`
	Cost             float64       `json:"cost"`
	AvgLatency       time.Duration `json:"avg_latency"`
	LastLatency      time.Duration `json:"last_latency"`
	LastError        string        `json:"last_error,omitempty"`
	LastRequest      time.Time     `json:"last_request"`

	totalLatency time.Duration
}

// Registry owns the configured adapters plus their health and usage state.
// All mutations are single fast in-memory updates under the mutex; no lock
// is ever held across a network call.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string // registration order, drives round-robin
	health   map[string]HealthReport
	stats    map[string]*Stats
	rrNext   int
	logger   *zap.Logger
}

// NewRegistry validates each adapter and registers the ones that pass. A
// failing adapter is logged and excluded, never fatal.
func NewRegistry(logger *zap.Logger, adapters ...Adapter) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("registry")

	r := &Registry{
		adapters: make(map[string]Adapter),
		health:   make(map[string]HealthReport),
		stats:    make(map[string]*Stats),
		logger:   logger,
	}

	for _, a := range adapters {
		if a == nil {
			continue
		}
		if err := a.ValidateConfig(); err != nil {
			logger.Warn("excluding provider with invalid config",
				zap.String("provider", a.Name()),
				zap.Error(err),
			)
			continue
		}
		name := a.Name()
		r.adapters[name] = a
		r.order = append(r.order, name)
		r.health[name] = HealthReport{Provider: name, Status: StatusUnknown}
		r.stats[name] = &Stats{}
		logger.Info("registered provider",
			zap.String("provider", name),
			zap.Int("models", len(a.Models())),
		)
	}

	return r
}

// Providers lists registered provider names in registration order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// AllModels aggregates every catalog across providers, in registration
// order.
func (r *Registry) AllModels() []ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ModelInfo
	for _, name := range r.order {
		out = append(out, r.adapters[name].Models()...)
	}
	return out
}

// ResolveModel maps a model id to its owning adapter and catalog entry.
func (r *Registry) ResolveModel(modelID string) (Adapter, ModelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, name := range r.order {
		a := r.adapters[name]
		if info, ok := a.ModelInfo(modelID); ok {
			return a, info, true
		}
	}
	return nil, ModelInfo{}, false
}

// RefreshHealth runs every adapter's health check concurrently. A failing
// or panicking check is captured as an unhealthy report and never aborts
// its siblings.
func (r *Registry) RefreshHealth(ctx context.Context) map[string]HealthReport {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	adapters := make([]Adapter, 0, len(names))
	for _, name := range names {
		adapters = append(adapters, r.adapters[name])
	}
	r.mu.RUnlock()

	reports := make([]HealthReport, len(adapters))
	var wg sync.WaitGroup
	for i, a := range adapters {
		wg.Add(1)
		go func(i int, a Adapter) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					reports[i] = HealthReport{
						Provider:  a.Name(),
						Status:    StatusUnhealthy,
						Error:     fmt.Sprintf("health check panic: %v", rec),
						CheckedAt: time.Now(),
					}
				}
			}()
			reports[i] = a.HealthCheck(ctx)
		}(i, a)
	}
	wg.Wait()

	out := make(map[string]HealthReport, len(reports))
	r.mu.Lock()
	for _, report := range reports {
		r.health[report.Provider] = report
		out[report.Provider] = report
	}
	r.mu.Unlock()

	for _, report := range out {
		r.logger.Info("provider health refreshed",
			zap.String("provider", report.Provider),
			zap.String("status", string(report.Status)),
			zap.Duration("latency", report.Latency),
			zap.String("error", report.Error),
		)
	}

	return out
}

// Health returns the last known report for one provider.
func (r *Registry) Health(name string) (HealthReport, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[name]
	return h, ok
}

// HealthSnapshot copies the current health map.
func (r *Registry) HealthSnapshot() map[string]HealthReport {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HealthReport, len(r.health))
	for k, v := range r.health {
		out[k] = v
	}
	return out
}

// IsHealthy reports whether the provider may serve traffic. Unknown health
// counts as usable; only an explicit unhealthy mark excludes a provider.
func (r *Registry) IsHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[name]
	if !ok {
		return false
	}
	return h.Status != StatusUnhealthy
}

// RecordUsage folds a completed request into the provider's counters.
func (r *Registry) RecordUsage(name string, usage *Usage, cost float64, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stats[name]
	if !ok {
		return
	}
	s.Requests++
	if usage != nil {
		s.PromptTokens += int64(usage.PromptTokens)
		s.CompletionTokens += int64(usage.CompletionTokens)
	}
	s.Cost += cost
	s.totalLatency += latency
	s.LastLatency = latency
	s.AvgLatency = s.totalLatency / time.Duration(s.Requests)
	s.LastRequest = time.Now()
}

// RecordError counts a failed request against the provider.
func (r *Registry) RecordError(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stats[name]
	if !ok {
		return
	}
	s.Errors++
	if err != nil {
		s.LastError = err.Error()
	}
	s.LastRequest = time.Now()
}

// StatsSnapshot copies the stats map.
func (r *Registry) StatsSnapshot() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.stats))
	for k, v := range r.stats {
		out[k] = *v
	}
	return out
}

// BestProvider picks a provider by the named criterion, skipping unhealthy
// ones. Round-robin state advances only on round-robin selection.
func (r *Registry) BestProvider(strategy string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []string
	for _, name := range r.order {
		if h := r.health[name]; h.Status == StatusUnhealthy {
			continue
		}
		candidates = append(candidates, name)
	}
	if len(candidates) == 0 {
		return "", &NoProviderError{Provider: "any healthy"}
	}

	switch strategy {
	case StrategyRoundRobin, "":
		name := candidates[r.rrNext%len(candidates)]
		r.rrNext++
		return name, nil

	case StrategyLeastLoaded:
		best := candidates[0]
		for _, name := range candidates[1:] {
			if r.stats[name].Requests < r.stats[best].Requests {
				best = name
			}
		}
		return best, nil

	case StrategyFastest:
		best := candidates[0]
		for _, name := range candidates[1:] {
			if r.effectiveLatency(name) < r.effectiveLatency(best) {
				best = name
			}
		}
		return best, nil

	case StrategyCheapest:
		best := candidates[0]
		for _, name := range candidates[1:] {
			if r.cheapestInputCost(name) < r.cheapestInputCost(best) {
				best = name
			}
		}
		return best, nil

	case StrategyQuality:
		best := candidates[0]
		for _, name := range candidates[1:] {
			if r.topQuality(name) > r.topQuality(best) {
				best = name
			}
		}
		return best, nil

	default:
		return "", fmt.Errorf("unknown load-balancing strategy %q", strategy)
	}
}

// effectiveLatency prefers observed latency, falling back to the catalog's
// calibration value before any traffic has been served.
func (r *Registry) effectiveLatency(name string) time.Duration {
	if s := r.stats[name]; s.Requests > 0 {
		return s.AvgLatency
	}
	best := time.Duration(0)
	for _, m := range r.adapters[name].Models() {
		if best == 0 || m.AvgLatency < best {
			best = m.AvgLatency
		}
	}
	return best
}

func (r *Registry) cheapestInputCost(name string) float64 {
	best := -1.0
	for _, m := range r.adapters[name].Models() {
		if best < 0 || m.InputCostPer1K < best {
			best = m.InputCostPer1K
		}
	}
	return best
}

func (r *Registry) topQuality(name string) float64 {
	best := 0.0
	for _, m := range r.adapters[name].Models() {
		if m.QualityScore > best {
			best = m.QualityScore
		}
	}
	return best
}

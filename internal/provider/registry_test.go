package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// stubAdapter is a minimal in-memory Adapter for registry tests.
type stubAdapter struct {
	name        string
	models      []ModelInfo
	validateErr error
	health      HealthReport
	healthPanic bool
}

func (s *stubAdapter) Name() string          { return s.name }
func (s *stubAdapter) Models() []ModelInfo   { return s.models }
func (s *stubAdapter) ValidateConfig() error { return s.validateErr }

func (s *stubAdapter) ModelInfo(id string) (ModelInfo, bool) {
	for _, m := range s.models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}

func (s *stubAdapter) IsModelAvailable(id string) bool {
	_, ok := s.ModelInfo(id)
	return ok
}

func (s *stubAdapter) CountTokens(text, model string) int { return len(text) / 4 }

func (s *stubAdapter) ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return nil, errors.New("not implemented")
}

func (s *stubAdapter) ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamResult, error) {
	return nil, errors.New("not implemented")
}

func (s *stubAdapter) HealthCheck(ctx context.Context) HealthReport {
	if s.healthPanic {
		panic("health check exploded")
	}
	return s.health
}

func stubModel(id, providerName string, latency time.Duration, inputCost, quality float64) ModelInfo {
	return ModelInfo{
		ID:             id,
		Provider:       providerName,
		Capabilities:   []Capability{CapChat},
		AvgLatency:     latency,
		InputCostPer1K: inputCost,
		QualityScore:   quality,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *stubAdapter, *stubAdapter) {
	t.Helper()
	a := &stubAdapter{
		name:   "ay",
		models: []ModelInfo{stubModel("ay-1", "ay", 500*time.Millisecond, 0.001, 0.7)},
		health: HealthReport{Provider: "ay", Status: StatusHealthy, CheckedAt: time.Now()},
	}
	b := &stubAdapter{
		name:   "bee",
		models: []ModelInfo{stubModel("bee-1", "bee", 2*time.Second, 0.01, 0.95)},
		health: HealthReport{Provider: "bee", Status: StatusHealthy, CheckedAt: time.Now()},
	}
	return NewRegistry(zaptest.NewLogger(t), a, b), a, b
}

func TestNewRegistryExcludesInvalidAdapter(t *testing.T) {
	t.Parallel()

	good := &stubAdapter{name: "good"}
	bad := &stubAdapter{name: "bad", validateErr: errors.New("missing api key")}

	r := NewRegistry(zaptest.NewLogger(t), good, bad)

	providers := r.Providers()
	if len(providers) != 1 || providers[0] != "good" {
		t.Fatalf("expected only the valid adapter, got %v", providers)
	}
	if _, ok := r.Get("bad"); ok {
		t.Fatalf("invalid adapter should not be retrievable")
	}
}

func TestResolveModel(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)

	adapter, info, ok := r.ResolveModel("bee-1")
	if !ok {
		t.Fatalf("bee-1 not resolved")
	}
	if adapter.Name() != "bee" || info.ID != "bee-1" {
		t.Fatalf("wrong resolution: %s / %s", adapter.Name(), info.ID)
	}

	if _, _, ok := r.ResolveModel("nope"); ok {
		t.Fatalf("unknown model resolved")
	}
}

func TestRefreshHealthFanOut(t *testing.T) {
	t.Parallel()

	r, _, b := newTestRegistry(t)
	b.health = HealthReport{Provider: "bee", Status: StatusUnhealthy, Error: "401", CheckedAt: time.Now()}

	reports := r.RefreshHealth(context.Background())
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(reports))
	}
	if reports["ay"].Status != StatusHealthy {
		t.Fatalf("ay should be healthy: %+v", reports["ay"])
	}
	if reports["bee"].Status != StatusUnhealthy {
		t.Fatalf("bee should be unhealthy: %+v", reports["bee"])
	}

	if !r.IsHealthy("ay") {
		t.Fatalf("ay marked unusable")
	}
	if r.IsHealthy("bee") {
		t.Fatalf("bee still usable despite unhealthy report")
	}
}

func TestRefreshHealthSurvivesPanic(t *testing.T) {
	t.Parallel()

	r, _, b := newTestRegistry(t)
	b.healthPanic = true

	reports := r.RefreshHealth(context.Background())
	if reports["bee"].Status != StatusUnhealthy {
		t.Fatalf("panicking check must report unhealthy: %+v", reports["bee"])
	}
	if reports["ay"].Status != StatusHealthy {
		t.Fatalf("sibling check disturbed by panic: %+v", reports["ay"])
	}
}

func TestIsHealthyUnknownProvider(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)
	if r.IsHealthy("never-registered") {
		t.Fatalf("unregistered provider reported healthy")
	}
	// Unknown health (checked never) still counts as usable.
	if !r.IsHealthy("ay") {
		t.Fatalf("unknown health should count as usable")
	}
}

func TestRecordUsageAndErrors(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)

	r.RecordUsage("ay", &Usage{PromptTokens: 100, CompletionTokens: 40, TotalTokens: 140}, 0.003, 200*time.Millisecond)
	r.RecordUsage("ay", &Usage{PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60}, 0.001, 400*time.Millisecond)
	r.RecordError("ay", errors.New("boom"))

	stats := r.StatsSnapshot()["ay"]
	if stats.Requests != 2 || stats.Errors != 1 {
		t.Fatalf("counts wrong: %+v", stats)
	}
	if stats.PromptTokens != 150 || stats.CompletionTokens != 50 {
		t.Fatalf("token totals wrong: %+v", stats)
	}
	if stats.AvgLatency != 300*time.Millisecond {
		t.Fatalf("avg latency = %v, want 300ms", stats.AvgLatency)
	}
	if stats.LastError != "boom" {
		t.Fatalf("last error not recorded: %+v", stats)
	}

	// Unregistered names are ignored, not panicked on.
	r.RecordUsage("ghost", nil, 0, 0)
	r.RecordError("ghost", errors.New("x"))
}

func TestBestProviderRoundRobin(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)

	var got []string
	for i := 0; i < 4; i++ {
		name, err := r.BestProvider(StrategyRoundRobin)
		if err != nil {
			t.Fatalf("BestProvider failed: %v", err)
		}
		got = append(got, name)
	}
	want := []string{"ay", "bee", "ay", "bee"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round robin order %v, want %v", got, want)
		}
	}
}

func TestBestProviderStrategies(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)

	if name, err := r.BestProvider(StrategyFastest); err != nil || name != "ay" {
		t.Fatalf("fastest = %s (%v), want ay", name, err)
	}
	if name, err := r.BestProvider(StrategyCheapest); err != nil || name != "ay" {
		t.Fatalf("cheapest = %s (%v), want ay", name, err)
	}
	if name, err := r.BestProvider(StrategyQuality); err != nil || name != "bee" {
		t.Fatalf("quality = %s (%v), want bee", name, err)
	}

	// Observed latency overrides the catalog calibration value.
	r.RecordUsage("bee", nil, 0, 100*time.Millisecond)
	if name, _ := r.BestProvider(StrategyFastest); name != "bee" {
		t.Fatalf("observed latency not preferred, got %s", name)
	}

	if _, err := r.BestProvider("bogus"); err == nil {
		t.Fatalf("unknown strategy accepted")
	}
}

func TestBestProviderSkipsUnhealthy(t *testing.T) {
	t.Parallel()

	r, _, b := newTestRegistry(t)
	b.health = HealthReport{Provider: "bee", Status: StatusUnhealthy, CheckedAt: time.Now()}
	r.RefreshHealth(context.Background())

	for i := 0; i < 3; i++ {
		name, err := r.BestProvider(StrategyRoundRobin)
		if err != nil {
			t.Fatalf("BestProvider failed: %v", err)
		}
		if name != "ay" {
			t.Fatalf("unhealthy provider selected: %s", name)
		}
	}
}

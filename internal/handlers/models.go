package handlers

import (
	"net/http"
	"sort"
	"time"

	"modelgate/internal/provider"
)

// ModelsHandler serves the aggregated catalog and provider health views.
type ModelsHandler struct {
	Registry *provider.Registry
}

func NewModelsHandler(registry *provider.Registry) *ModelsHandler {
	return &ModelsHandler{Registry: registry}
}

// modelEntry is the OpenAI list shape plus the gateway catalog fields.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`

	DisplayName   string                `json:"display_name,omitempty"`
	Capabilities  []provider.Capability `json:"capabilities,omitempty"`
	ContextWindow int                   `json:"context_window,omitempty"`
	MaxTokens     int                   `json:"max_tokens,omitempty"`
	AvgLatencyMS  int64                 `json:"avg_latency_ms,omitempty"`
	Deprecated    bool                  `json:"deprecated,omitempty"`
}

// ListModels handles GET /v1/models with the catalog of every registered
// provider, sorted by id for a stable listing.
func (h *ModelsHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	models := h.Registry.AllModels()
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	entries := make([]modelEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, modelEntry{
			ID:            m.ID,
			Object:        "model",
			OwnedBy:       m.Provider,
			DisplayName:   m.DisplayName,
			Capabilities:  m.Capabilities,
			ContextWindow: m.ContextWindow,
			MaxTokens:     m.MaxTokens,
			AvgLatencyMS:  m.AvgLatency.Milliseconds(),
			Deprecated:    m.Deprecated,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   entries,
	})
}

// providerHealthEntry folds the health report and usage stats of one
// provider into a single row.
type providerHealthEntry struct {
	Provider  string                `json:"provider"`
	Status    provider.HealthStatus `json:"status"`
	LatencyMS int64                 `json:"latency_ms"`
	Error     string                `json:"error,omitempty"`
	CheckedAt time.Time             `json:"checked_at"`

	Requests     int64   `json:"requests"`
	Errors       int64   `json:"errors"`
	TotalTokens  int64   `json:"total_tokens"`
	Cost         float64 `json:"cost"`
	AvgLatencyMS int64   `json:"avg_latency_ms"`
}

// ProviderHealth handles GET /v1/providers/health. Each request runs a
// fresh concurrent fan-out so the result reflects current reachability.
func (h *ModelsHandler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	reports := h.Registry.RefreshHealth(r.Context())
	stats := h.Registry.StatsSnapshot()

	names := h.Registry.Providers()
	entries := make([]providerHealthEntry, 0, len(names))
	allHealthy := true

	for _, name := range names {
		entry := providerHealthEntry{Provider: name, Status: provider.StatusUnknown}
		if rep, ok := reports[name]; ok {
			entry.Status = rep.Status
			entry.LatencyMS = rep.Latency.Milliseconds()
			entry.Error = rep.Error
			entry.CheckedAt = rep.CheckedAt
		}
		if st, ok := stats[name]; ok {
			entry.Requests = st.Requests
			entry.Errors = st.Errors
			entry.TotalTokens = st.PromptTokens + st.CompletionTokens
			entry.Cost = st.Cost
			entry.AvgLatencyMS = st.AvgLatency.Milliseconds()
		}
		if entry.Status == provider.StatusUnhealthy {
			allHealthy = false
		}
		entries = append(entries, entry)
	}

	status := "ok"
	if !allHealthy {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"providers": entries,
	})
}

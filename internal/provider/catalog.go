package provider

import "time"

// Static model catalogs. Scores and latencies are calibration constants for
// the selector, not live measurements.

func openAICatalog() []ModelInfo {
	return []ModelInfo{
		{
			ID:           "gpt-4o",
			DisplayName:  "GPT-4o",
			Provider:     ProviderOpenAI,
			Capabilities: []Capability{CapChat, CapToolCalling, CapVision, CapMultimodal, CapStreaming, CapLongContext, CapCodeGeneration},
			MaxTokens:    16384, ContextWindow: 128000,
			InputCostPer1K: 0.0025, OutputCostPer1K: 0.01,
			AvgLatency:   1200 * time.Millisecond,
			QualityScore: 0.93, SpeedScore: 0.78,
			SupportsSystemPrompt: true, SupportsTemperature: true, SupportsStreaming: true,
		},
		{
			ID:           "gpt-4o-mini",
			DisplayName:  "GPT-4o mini",
			Provider:     ProviderOpenAI,
			Capabilities: []Capability{CapChat, CapToolCalling, CapVision, CapMultimodal, CapStreaming, CapCodeGeneration},
			MaxTokens:    16384, ContextWindow: 128000,
			InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006,
			AvgLatency:   550 * time.Millisecond,
			QualityScore: 0.80, SpeedScore: 0.95,
			SupportsSystemPrompt: true, SupportsTemperature: true, SupportsStreaming: true,
		},
		{
			ID:           "gpt-4-turbo",
			DisplayName:  "GPT-4 Turbo",
			Provider:     ProviderOpenAI,
			Capabilities: []Capability{CapChat, CapToolCalling, CapVision, CapStreaming, CapLongContext, CapCodeGeneration},
			MaxTokens:    4096, ContextWindow: 128000,
			InputCostPer1K: 0.01, OutputCostPer1K: 0.03,
			AvgLatency:   2100 * time.Millisecond,
			QualityScore: 0.90, SpeedScore: 0.55,
			Deprecated:           true,
			SupportsSystemPrompt: true, SupportsTemperature: true, SupportsStreaming: true,
		},
	}
}

func anthropicCatalog() []ModelInfo {
	return []ModelInfo{
		{
			ID:           "claude-3-5-sonnet",
			DisplayName:  "Claude 3.5 Sonnet",
			Provider:     ProviderAnthropic,
			Capabilities: []Capability{CapChat, CapToolCalling, CapVision, CapMultimodal, CapStreaming, CapLongContext, CapCodeGeneration},
			MaxTokens:    8192, ContextWindow: 200000,
			InputCostPer1K: 0.003, OutputCostPer1K: 0.015,
			AvgLatency:   1400 * time.Millisecond,
			QualityScore: 0.95, SpeedScore: 0.72,
			SupportsSystemPrompt: true, SupportsTemperature: true, SupportsStreaming: true,
		},
		{
			ID:           "claude-3-5-haiku",
			DisplayName:  "Claude 3.5 Haiku",
			Provider:     ProviderAnthropic,
			Capabilities: []Capability{CapChat, CapToolCalling, CapStreaming, CapCodeGeneration},
			MaxTokens:    8192, ContextWindow: 200000,
			InputCostPer1K: 0.0008, OutputCostPer1K: 0.004,
			AvgLatency:   480 * time.Millisecond,
			QualityScore: 0.78, SpeedScore: 0.96,
			SupportsSystemPrompt: true, SupportsTemperature: true, SupportsStreaming: true,
		},
		{
			ID:           "claude-3-opus",
			DisplayName:  "Claude 3 Opus",
			Provider:     ProviderAnthropic,
			Capabilities: []Capability{CapChat, CapToolCalling, CapVision, CapStreaming, CapLongContext},
			MaxTokens:    4096, ContextWindow: 200000,
			InputCostPer1K: 0.015, OutputCostPer1K: 0.075,
			AvgLatency:   2600 * time.Millisecond,
			QualityScore: 0.94, SpeedScore: 0.45,
			SupportsSystemPrompt: true, SupportsTemperature: true, SupportsStreaming: true,
		},
	}
}

// catalogIndex builds the id lookup used by adapters.
func catalogIndex(models []ModelInfo) map[string]ModelInfo {
	idx := make(map[string]ModelInfo, len(models))
	for _, m := range models {
		idx[m.ID] = m
	}
	return idx
}

// approxTokens is the rough len/4 token estimate shared by adapters.
func approxTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

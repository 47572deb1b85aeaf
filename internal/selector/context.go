package selector

import (
	"strings"
	"time"

	"modelgate/internal/provider"
)

// ContextType is a coarse classification of the conversational situation,
// used to bias model selection.
type ContextType string

const (
	ContextGreeting      ContextType = "greeting"
	ContextConversation  ContextType = "conversation"
	ContextTechnical     ContextType = "technical"
	ContextCreative      ContextType = "creative"
	ContextVRInteraction ContextType = "vr_interaction"
	ContextEmergency     ContextType = "emergency"
	ContextMultimodal    ContextType = "multimodal"
)

// Priority is the optimization axis for selection.
type Priority string

const (
	PrioritySpeed       Priority = "speed"
	PriorityQuality     Priority = "quality"
	PriorityBalanced    Priority = "balanced"
	PriorityVROptimized Priority = "vr_optimized"
	PriorityCost        Priority = "cost"
)

// Keyword sets are checked in priority order; the first match wins.
var (
	multimodalKeywords = []string{"image", "picture", "photo", "screenshot", "look at", "see this", "video"}
	emergencyKeywords  = []string{"emergency", "urgent", "immediately", "critical", "help me now", "asap"}
	technicalKeywords  = []string{"code", "function", "debug", "error", "compile", "api", "algorithm", "sql", "deploy", "stack trace"}
	creativeKeywords   = []string{"story", "poem", "write a", "imagine", "creative", "fiction", "lyrics", "brainstorm"}
	greetingWords      = []string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening", "yo", "sup"}
)

const greetingMaxLength = 40

// DetectContext infers a context type from the message text and an
// optional activity hint.
func DetectContext(message, activity string) ContextType {
	text := strings.ToLower(strings.TrimSpace(message))
	act := strings.ToLower(strings.TrimSpace(activity))

	if containsAny(text, multimodalKeywords) {
		return ContextMultimodal
	}
	if act == "vr" || act == "ar" || strings.HasPrefix(act, "vr_") || strings.HasPrefix(act, "ar_") {
		return ContextVRInteraction
	}
	if containsAny(text, emergencyKeywords) {
		return ContextEmergency
	}
	if len(text) <= greetingMaxLength {
		for _, w := range greetingWords {
			if text == w || strings.HasPrefix(text, w+" ") || strings.HasPrefix(text, w+",") || strings.HasPrefix(text, w+"!") {
				return ContextGreeting
			}
		}
	}
	if containsAny(text, technicalKeywords) {
		return ContextTechnical
	}
	if containsAny(text, creativeKeywords) {
		return ContextCreative
	}
	return ContextConversation
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// contextDefaults are the per-context selection defaults; explicit request
// parameters override individual fields.
type contextDefaults struct {
	priority     Priority
	maxLatency   time.Duration
	capabilities []provider.Capability
}

var defaultsByContext = map[ContextType]contextDefaults{
	ContextGreeting: {
		priority:     PrioritySpeed,
		maxLatency:   800 * time.Millisecond,
		capabilities: []provider.Capability{provider.CapChat},
	},
	ContextConversation: {
		priority:     PriorityBalanced,
		maxLatency:   2500 * time.Millisecond,
		capabilities: []provider.Capability{provider.CapChat},
	},
	ContextTechnical: {
		priority:     PriorityQuality,
		maxLatency:   4000 * time.Millisecond,
		capabilities: []provider.Capability{provider.CapChat, provider.CapCodeGeneration},
	},
	ContextCreative: {
		priority:     PriorityQuality,
		maxLatency:   5000 * time.Millisecond,
		capabilities: []provider.Capability{provider.CapChat},
	},
	ContextVRInteraction: {
		priority:     PriorityVROptimized,
		maxLatency:   700 * time.Millisecond,
		capabilities: []provider.Capability{provider.CapChat, provider.CapStreaming},
	},
	ContextEmergency: {
		priority:     PrioritySpeed,
		maxLatency:   1000 * time.Millisecond,
		capabilities: []provider.Capability{provider.CapChat},
	},
	ContextMultimodal: {
		priority:     PriorityQuality,
		maxLatency:   4000 * time.Millisecond,
		capabilities: []provider.Capability{provider.CapChat, provider.CapVision},
	},
}

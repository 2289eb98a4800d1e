package providers

// Option keys for ChatRequest.Options. Every provider reads whichever of
// these it understands and ignores the rest, so the agentic loop can set
// a request's options once without knowing which provider will serve it.
const (
	OptMaxTokens     = "max_tokens"
	OptTemperature   = "temperature"
	OptThinkingLevel = "thinking_level" // "off" | "low" | "medium" | "high"

	// OptReasoningEffort is the OpenAI o-series wire key thinking_level maps to.
	OptReasoningEffort = "reasoning_effort"

	// OptEnableThinking and OptThinkingBudget are DashScope's native wire keys;
	// DashScopeProvider derives them from OptThinkingLevel before delegating
	// to the embedded OpenAIProvider.
	OptEnableThinking = "enable_thinking"
	OptThinkingBudget = "thinking_budget"
)

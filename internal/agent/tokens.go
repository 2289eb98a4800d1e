package agent

import (
	"github.com/nextlevelbuilder/agentrun/internal/config"
	"github.com/nextlevelbuilder/agentrun/internal/providers"
)

// charsPerTokenFallback is the heuristic used until a real prompt-token count
// is available for this session. ~3 chars/token is closer than the usual 4
// for the mixed English/code/JSON content agent transcripts tend to have.
const charsPerTokenFallback = 3.0

// EstimateTokensWithCalibration estimates the token count of history. When a
// previous call already reported real prompt tokens for a message count
// (lastPromptTokens/lastMessageCount, from the provider's usage block), it
// scales that per-message average across the current history instead of
// falling back to the chars-based heuristic — meaningfully more accurate for
// multilingual or code-heavy content where chars/token varies widely.
func EstimateTokensWithCalibration(history []providers.Message, lastPromptTokens, lastMessageCount int) int {
	if lastPromptTokens > 0 && lastMessageCount > 0 {
		avgPerMessage := float64(lastPromptTokens) / float64(lastMessageCount)
		return int(avgPerMessage * float64(len(history)))
	}
	return estimateTokensHeuristic(history)
}

func estimateTokensHeuristic(history []providers.Message) int {
	total := 0
	for _, m := range history {
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Name) + 20
			for k, v := range tc.Arguments {
				total += len(k) + len(toDisplayString(v))
			}
		}
	}
	return int(float64(total) / charsPerTokenFallback)
}

func toDisplayString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return ""
	}
}

// pruneContextMessages trims old tool results in-memory before they're sent
// to the provider. This never touches the durable session history (that's
// compaction's job, via maybeSummarize) — it only shrinks what a single call
// transmits, so a long-running session with many large tool outputs doesn't
// blow the context window between compaction cycles.
func pruneContextMessages(msgs []providers.Message, contextWindow int, cfg *config.ContextPruningConfig) []providers.Message {
	if cfg == nil || !cfg.Enabled || len(msgs) == 0 {
		return msgs
	}

	maxAge := cfg.MaxToolResultAge
	if maxAge <= 0 {
		maxAge = 20
	}
	maxLen := cfg.MaxToolResultLen
	if maxLen <= 0 {
		maxLen = 500
	}

	out := make([]providers.Message, len(msgs))
	copy(out, msgs)

	cutoff := len(out) - maxAge
	for i := range out {
		if i >= cutoff {
			continue
		}
		if out[i].Role != "tool" || len(out[i].Content) <= maxLen {
			continue
		}
		pruned := out[i]
		pruned.Content = pruned.Content[:maxLen] + "... [truncated, result older than recent context]"
		out[i] = pruned
	}
	return out
}

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentrun/internal/bus"
	"github.com/nextlevelbuilder/agentrun/internal/providers"
)

const (
	defaultMaxHistoryShare = 0.8  // T: trigger compaction once U > contextWindow*T
	defaultAtLimitShare    = 0.98 // hard-stop once U reaches contextWindow*this, compaction or not
)

// buildMessages constructs the full message list for an LLM request: system
// prompt, pruned/sanitized history (which carries the compaction summary
// inline as a system message whenever the session has been compacted — see
// ReplaceHistoryWithSummary), then the current user message. minimal skips
// the tool/workspace orientation block — used for delegated/subagent runs
// that already received their task in the user message.
func (l *Loop) buildMessages(history []providers.Message, userMessage, extraSystemPrompt, channel string, historyLimit int, minimal bool) []providers.Message {
	var messages []providers.Message

	mode := PromptFull
	if minimal {
		mode = PromptMinimal
	}

	_, hasSpawn := l.tools.Get("sessions_spawn")

	systemPrompt := BuildSystemPrompt(SystemPromptConfig{
		AgentID:      l.id,
		Model:        l.model,
		Workspace:    l.workspace,
		Channel:      channel,
		OwnerIDs:     l.ownerIDs,
		Mode:         mode,
		ToolNames:    l.tools.List(),
		HasSpawn:     l.tools != nil && hasSpawn,
		ContextFiles: l.contextFiles,
		ExtraPrompt:  extraSystemPrompt,
	})

	messages = append(messages, providers.Message{
		Role:    "system",
		Content: systemPrompt,
	})

	trimmed := limitHistoryTurns(history, historyLimit)
	pruned := pruneContextMessages(trimmed, l.contextWindow, l.contextPruningCfg)
	messages = append(messages, sanitizeHistory(pruned)...)

	messages = append(messages, providers.Message{
		Role:    "user",
		Content: userMessage,
	})

	return messages
}

// limitHistoryTurns keeps only the last N user turns (and their associated
// assistant/tool messages) from history. A "turn" = one user message plus
// all subsequent non-user messages until the next user message.
func limitHistoryTurns(msgs []providers.Message, limit int) []providers.Message {
	if limit <= 0 || len(msgs) == 0 {
		return msgs
	}

	userCount := 0
	lastUserIndex := len(msgs)

	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			userCount++
			if userCount > limit {
				return msgs[lastUserIndex:]
			}
			lastUserIndex = i
		}
	}

	return msgs
}

// sanitizeHistory repairs tool_use/tool_result pairing in session history.
//
// Problems this fixes:
//   - Orphaned tool messages at start of history (after truncation)
//   - tool_result without matching tool_use in preceding assistant message
//   - assistant with tool_calls but missing tool_results
func sanitizeHistory(msgs []providers.Message) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}

	start := 0
	for start < len(msgs) && msgs[start].Role == "tool" {
		slog.Warn("dropping orphaned tool message at history start",
			"tool_call_id", msgs[start].ToolCallID)
		start++
	}

	if start >= len(msgs) {
		return nil
	}

	var result []providers.Message
	for i := start; i < len(msgs); i++ {
		msg := msgs[i]

		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			expectedIDs := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				expectedIDs[tc.ID] = true
			}

			result = append(result, msg)

			for i+1 < len(msgs) && msgs[i+1].Role == "tool" {
				i++
				toolMsg := msgs[i]
				if expectedIDs[toolMsg.ToolCallID] {
					result = append(result, toolMsg)
					delete(expectedIDs, toolMsg.ToolCallID)
				} else {
					slog.Warn("dropping mismatched tool result",
						"tool_call_id", toolMsg.ToolCallID)
				}
			}

			for id := range expectedIDs {
				slog.Warn("synthesizing missing tool result", "tool_call_id", id)
				result = append(result, providers.Message{
					Role:       "tool",
					Content:    "[Tool result missing — session was compacted]",
					ToolCallID: id,
				})
			}
		} else if msg.Role == "tool" {
			slog.Warn("dropping orphaned tool message mid-history",
				"tool_call_id", msg.ToolCallID)
		} else {
			result = append(result, msg)
		}
	}

	return result
}

// historyShares returns the configured trigger threshold T and hard-stop
// share for this loop, falling back to spec defaults (0.8 / 0.98).
func (l *Loop) historyShares() (trigger, atLimit float64) {
	trigger, atLimit = defaultMaxHistoryShare, defaultAtLimitShare
	if l.compactionCfg != nil {
		if l.compactionCfg.MaxHistoryShare > 0 {
			trigger = l.compactionCfg.MaxHistoryShare
		}
		if l.compactionCfg.AtLimitShare > 0 {
			atLimit = l.compactionCfg.AtLimitShare
		}
	}
	return trigger, atLimit
}

func (l *Loop) estimateHistoryTokens(sessionKey string, history []providers.Message) int {
	lastPT, lastMC := l.sessions.GetLastPromptTokens(sessionKey)
	return EstimateTokensWithCalibration(history, lastPT, lastMC)
}

// historyAtLimit reports whether U (estimated history tokens) has reached
// contextWindow*AtLimitShare — the hard stop spec.md §4.2 requires
// independent of whether compaction has had a chance to run yet.
func (l *Loop) historyAtLimit(sessionKey string, history []providers.Message) (bool, int, int) {
	_, atLimitShare := l.historyShares()
	used := l.estimateHistoryTokens(sessionKey, history)
	limit := int(float64(l.contextWindow) * atLimitShare)
	return used > limit, used, limit
}

// maybeSummarize triggers compaction when the session's estimated token
// footprint U exceeds contextWindow*T (the trigger threshold): the entire
// history is replaced with a single system message carrying the summary,
// produced by a secondary CompactionChat call, exactly as spec.md's C2
// requires.
func (l *Loop) maybeSummarize(ctx context.Context, sessionKey string) {
	history := l.sessions.GetHistory(sessionKey)
	tokenEstimate := l.estimateHistoryTokens(sessionKey, history)

	triggerShare, _ := l.historyShares()
	threshold := int(float64(l.contextWindow) * triggerShare)
	if tokenEstimate <= threshold {
		return
	}

	// Per-session lock: prevent concurrent summarize goroutines for the same
	// session. TryLock is non-blocking — if another run is already
	// summarizing this session, skip; the next run retriggers if still needed.
	muI, _ := l.summarizeMu.LoadOrStore(sessionKey, &sync.Mutex{})
	sessionMu := muI.(*sync.Mutex)
	if !sessionMu.TryLock() {
		slog.Debug("summarization already in progress, skipping", "session", sessionKey)
		return
	}

	go func() {
		defer sessionMu.Unlock()

		// Re-check: history may have been truncated by a concurrent
		// summarize that finished between our threshold check and acquiring
		// the lock.
		history := l.sessions.GetHistory(sessionKey)
		if len(history) == 0 {
			return
		}

		sctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		summary := l.sessions.GetSummary(sessionKey)

		var sb strings.Builder
		for _, m := range history {
			if m.Role == "user" {
				fmt.Fprintf(&sb, "user: %s\n", m.Content)
			} else if m.Role == "assistant" {
				fmt.Fprintf(&sb, "assistant: %s\n", SanitizeAssistantContent(m.Content))
			}
		}

		prompt := "Provide a concise summary of this conversation, preserving key context:\n"
		if summary != "" {
			prompt += "Existing context: " + summary + "\n"
		}
		prompt += "\n" + sb.String()

		resp, err := l.provider.CompactionChat(sctx, []providers.Message{{Role: "user", Content: prompt}}, l.model)
		if err != nil {
			slog.Warn("summarization failed", "session", sessionKey, "error", err)
			return
		}

		l.sessions.SetSummary(sessionKey, SanitizeAssistantContent(resp.Content))
		l.sessions.ReplaceHistoryWithSummary(sessionKey)
		l.sessions.IncrementCompaction(sessionKey)
		l.sessions.Save(sessionKey)

		l.emitBus(bus.EventCompaction, "", map[string]string{
			"session": sessionKey,
			"agent":   l.id,
		})
	}()
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/agentrun/internal/bus"
	"github.com/nextlevelbuilder/agentrun/internal/config"
	"github.com/nextlevelbuilder/agentrun/internal/providers"
	"github.com/nextlevelbuilder/agentrun/internal/store"
	"github.com/nextlevelbuilder/agentrun/internal/tools"
)

// Loop is the agent execution loop for one agent instance: the
// INIT → ITERATE → {CALL → PARSE → (DONE|EXECUTE_TOOLS)} → FINALIZE state
// machine. One Loop serves every session for its agent; Run is safe to call
// concurrently for different sessions.
type Loop struct {
	id            string
	provider      providers.Provider
	model         string
	contextWindow int
	maxIterations int
	workspace     string

	bus        *bus.Bus
	sessions   store.SessionStore
	tools      *tools.Registry
	toolPolicy *tools.PolicyEngine // optional: filters tools sent to LLM
	agentToolPolicy *config.ToolPolicySpec

	activeRuns atomic.Int32

	// Per-session summarization lock: prevents concurrent summarize goroutines for the same session.
	summarizeMu sync.Map // sessionKey → *sync.Mutex

	ownerIDs     []string
	contextFiles []ContextFile

	compactionCfg     *config.CompactionConfig
	contextPruningCfg *config.ContextPruningConfig

	onEvent func(event AgentEvent)

	inputGuard      *InputGuard
	injectionAction string // "log", "warn" (default), "block", "off"
	maxMessageChars int    // 0 = use default (32000)

	thinkingLevel string
}

// AgentEvent is emitted during agent execution so a caller (CLI, work loop,
// a channel adapter) can observe run progress without polling.
type AgentEvent struct {
	Type    string      `json:"type"` // bus.EventRunStarted / EventRunCompleted / EventRunFailed / EventToolCall / EventToolResult / "chat.chunk" / "chat.thinking" / "run.retrying"
	AgentID string      `json:"agentId"`
	RunID   string      `json:"runId"`
	Payload interface{} `json:"payload,omitempty"`
}

// Loop-specific event types not already covered by the bus's run/tool constants.
const (
	EventChatChunk    = "chat.chunk"
	EventChatThinking = "chat.thinking"
	EventRunRetrying  = "run.retrying"
)

// LoopConfig configures a new Loop.
type LoopConfig struct {
	ID            string
	Provider      providers.Provider
	Model         string
	ContextWindow int
	MaxIterations int
	Workspace     string
	Bus           *bus.Bus
	Sessions      store.SessionStore
	Tools           *tools.Registry
	ToolPolicy      *tools.PolicyEngine
	AgentToolPolicy *config.ToolPolicySpec
	OnEvent         func(AgentEvent)

	OwnerIDs     []string
	ContextFiles []ContextFile

	CompactionCfg     *config.CompactionConfig
	ContextPruningCfg *config.ContextPruningConfig

	InputGuard      *InputGuard // nil = auto-create when InjectionAction != "off"
	InjectionAction string      // "log", "warn" (default), "block", "off"
	MaxMessageChars int         // 0 = use default (32000)

	ThinkingLevel string // "off", "low", "medium", "high"
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 20
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 200000
	}

	action := cfg.InjectionAction
	switch action {
	case "log", "warn", "block", "off":
	default:
		action = "warn"
	}

	guard := cfg.InputGuard
	if guard == nil && action != "off" {
		guard = NewInputGuard()
	}

	// The executor's whitelist is evaluated once, at construction, from the
	// same policy pipeline used to decide what's offered to the provider —
	// so a model that hallucinates a disallowed tool name hits Phase 1
	// rejection instead of actually running it.
	if cfg.Tools != nil {
		if cfg.ToolPolicy != nil {
			providerName := ""
			if cfg.Provider != nil {
				providerName = cfg.Provider.Name()
			}
			defs := cfg.ToolPolicy.FilterTools(cfg.Tools, cfg.ID, providerName, cfg.AgentToolPolicy, nil, false, false)
			names := make([]string, len(defs))
			for i, d := range defs {
				names[i] = d.Function.Name
			}
			cfg.Tools.SetWhitelist(names)
		} else {
			cfg.Tools.SetWhitelist(cfg.Tools.List())
		}
	}

	return &Loop{
		id:            cfg.ID,
		provider:      cfg.Provider,
		model:         cfg.Model,
		contextWindow: cfg.ContextWindow,
		maxIterations: cfg.MaxIterations,
		workspace:     cfg.Workspace,
		bus:           cfg.Bus,
		sessions:      cfg.Sessions,
		tools:           cfg.Tools,
		toolPolicy:      cfg.ToolPolicy,
		agentToolPolicy: cfg.AgentToolPolicy,
		onEvent:         cfg.OnEvent,
		ownerIDs:        cfg.OwnerIDs,
		contextFiles:    cfg.ContextFiles,
		compactionCfg:     cfg.CompactionCfg,
		contextPruningCfg: cfg.ContextPruningCfg,
		inputGuard:        guard,
		injectionAction:   action,
		maxMessageChars:   cfg.MaxMessageChars,
		thinkingLevel:     cfg.ThinkingLevel,
	}
}

// ID returns the agent's identifier.
func (l *Loop) ID() string { return l.id }

// Model returns the model identifier for this agent loop.
func (l *Loop) Model() string { return l.model }

// IsRunning returns whether the agent is currently processing any run.
func (l *Loop) IsRunning() bool { return l.activeRuns.Load() > 0 }

func (l *Loop) emit(event AgentEvent) {
	if l.onEvent != nil {
		l.onEvent(event)
	}
}

// RunRequest is the input for processing a message through the agent.
type RunRequest struct {
	SessionKey        string   // composite key: agent:{agentId}:{channel}:{peerKind}:{chatId}
	Message           string   // user message
	Media             []string // local file paths to images (already sanitized)
	Channel           string   // source channel
	ChatID            string   // source chat ID
	PeerKind          string   // "direct" or "group"
	RunID             string   // unique run identifier
	UserID            string   // external user ID, free-form, for multi-tenant scoping
	Stream            bool     // whether to stream response chunks
	ExtraSystemPrompt string   // injected into system prompt (e.g. delegation task context)
	HistoryLimit      int      // max user turns to keep in context (0=unlimited)
	Minimal           bool     // skip full persona/tool orientation in the system prompt (subagent/delegate runs)
}

// RunResult is the output of a completed agent run.
type RunResult struct {
	Content    string           `json:"content"`
	RunID      string           `json:"runId"`
	Iterations int              `json:"iterations"`
	Usage      *providers.Usage `json:"usage,omitempty"`
	Media      []MediaResult    `json:"media,omitempty"`
}

// MediaResult represents a media file produced by a tool during the agent run.
type MediaResult struct {
	Path        string `json:"path"`
	ContentType string `json:"content_type,omitempty"`
	AsVoice     bool   `json:"as_voice,omitempty"`
}

// Run processes a single message through the agent loop. It blocks until
// completion (or ctx cancellation/timeout) and returns the final response.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	l.activeRuns.Add(1)
	defer l.activeRuns.Add(-1)

	l.emitBus(bus.EventRunStarted, req.RunID, nil)

	result, err := l.runLoop(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			l.emitBus(bus.EventRunInterrupted, req.RunID, map[string]string{"error": err.Error()})
		} else {
			l.emitBus(bus.EventRunFailed, req.RunID, map[string]string{"error": err.Error()})
		}
		return nil, err
	}

	l.emitBus(bus.EventRunCompleted, req.RunID, nil)
	return result, nil
}

func (l *Loop) emitBus(eventType, runID string, payload interface{}) {
	l.emit(AgentEvent{Type: eventType, AgentID: l.id, RunID: runID, Payload: payload})
	if l.bus != nil {
		l.bus.Emit(bus.Event{Name: eventType, Payload: payload})
	}
}

func (l *Loop) runLoop(ctx context.Context, req RunRequest) (*RunResult, error) {
	// Security: scan user message for injection patterns.
	// Action is configurable: "log" (info), "warn" (default), "block" (reject message).
	if l.inputGuard != nil {
		if matches := l.inputGuard.Scan(req.Message); len(matches) > 0 {
			matchStr := joinMatches(matches)
			switch l.injectionAction {
			case "block":
				slog.Warn("security.injection_blocked",
					"agent", l.id, "user", req.UserID,
					"patterns", matchStr, "message_len", len(req.Message),
				)
				return nil, fmt.Errorf("message blocked: potential prompt injection detected (%s)", matchStr)
			case "log":
				slog.Info("security.injection_detected",
					"agent", l.id, "user", req.UserID,
					"patterns", matchStr, "message_len", len(req.Message),
				)
			default: // "warn"
				slog.Warn("security.injection_detected",
					"agent", l.id, "user", req.UserID,
					"patterns", matchStr, "message_len", len(req.Message),
				)
			}
		}
	}

	// Security: truncate oversized user messages gracefully (feed truncation notice into LLM).
	maxChars := l.maxMessageChars
	if maxChars <= 0 {
		maxChars = 32_000 // default ~8-10K tokens
	}
	if len(req.Message) > maxChars {
		originalLen := len(req.Message)
		req.Message = req.Message[:maxChars] +
			fmt.Sprintf("\n\n[System: Message was truncated from %d to %d characters due to size limit. "+
				"Please ask the user to send shorter messages or use the read_file tool for large content.]",
				originalLen, maxChars)
		slog.Warn("security.message_truncated",
			"agent", l.id, "user", req.UserID,
			"original_len", originalLen, "truncated_to", maxChars,
		)
	}

	// Cache agent's context window on the session (first run only).
	if l.sessions.GetContextWindow(req.SessionKey) <= 0 {
		l.sessions.SetContextWindow(req.SessionKey, l.contextWindow)
	}

	history := l.sessions.GetHistory(req.SessionKey)

	if atLimit, used, limit := l.historyAtLimit(req.SessionKey, history); atLimit {
		return nil, fmt.Errorf("session history at %d tokens exceeds the hard compaction limit of %d; aborting turn before sending an over-budget request", used, limit)
	}

	messages := l.buildMessages(history, req.Message, req.ExtraSystemPrompt, req.Channel, req.HistoryLimit, req.Minimal)

	// Attach vision images to the current user message (last in messages
	// slice). Images are only attached to the live request, never persisted
	// in session history.
	if len(req.Media) > 0 {
		if images := loadImages(req.Media); len(images) > 0 {
			messages[len(messages)-1].Images = images
			slog.Info("vision: attached images to user message", "count", len(images), "agent", l.id, "session", req.SessionKey)
		}
	}

	// Buffer new messages — write to session only AFTER the run completes.
	// This prevents concurrent runs from seeing each other's in-progress messages.
	var pendingMsgs []providers.Message
	pendingMsgs = append(pendingMsgs, providers.Message{
		Role:    "user",
		Content: req.Message,
	})

	var loopDetector toolLoopState // detects repeated no-progress tool calls
	var totalUsage providers.Usage
	iteration := 0
	var finalContent string
	var mediaResults []MediaResult

	// Inject retry hook so callers can surface "retrying..." status during backoff.
	ctx = providers.WithRetryHook(ctx, func(attempt, maxAttempts int, err error) {
		l.emit(AgentEvent{
			Type:    EventRunRetrying,
			AgentID: l.id,
			RunID:   req.RunID,
			Payload: map[string]string{
				"attempt":     fmt.Sprintf("%d", attempt),
				"maxAttempts": fmt.Sprintf("%d", maxAttempts),
				"error":       err.Error(),
			},
		})
	})

	for iteration < l.maxIterations {
		// Cancellation/timeout is observed only at iteration boundaries: a
		// context cancelled mid-call still completes that call, but a new
		// iteration never starts once ctx is done.
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: run interrupted", err)
		}

		iteration++

		slog.Debug("agent iteration", "agent", l.id, "iteration", iteration, "messages", len(messages))

		var toolDefs []providers.ToolDefinition
		if l.toolPolicy != nil {
			toolDefs = l.toolPolicy.FilterTools(l.tools, l.id, l.provider.Name(), l.agentToolPolicy, nil, false, false)
		} else {
			toolDefs = l.tools.ProviderDefs()
		}

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    toolDefs,
			Model:    l.model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   8192,
				providers.OptTemperature: 0.7,
			},
		}
		if l.thinkingLevel != "" && l.thinkingLevel != "off" {
			if tc, ok := l.provider.(providers.ThinkingCapable); ok && tc.SupportsThinking() {
				chatReq.Options[providers.OptThinkingLevel] = l.thinkingLevel
			} else {
				slog.Debug("thinking_level ignored: provider does not support thinking",
					"provider", l.provider.Name(), "level", l.thinkingLevel)
			}
		}

		var resp *providers.ChatResponse
		var err error

		if req.Stream {
			resp, err = l.provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
				if chunk.Thinking != "" {
					l.emit(AgentEvent{
						Type:    EventChatThinking,
						AgentID: l.id,
						RunID:   req.RunID,
						Payload: map[string]string{"content": chunk.Thinking},
					})
				}
				if chunk.Content != "" {
					l.emit(AgentEvent{
						Type:    EventChatChunk,
						AgentID: l.id,
						RunID:   req.RunID,
						Payload: map[string]string{"content": chunk.Content},
					})
				}
			})
		} else {
			resp, err = l.provider.Chat(ctx, chatReq)
		}

		if err != nil {
			return nil, fmt.Errorf("LLM call failed (iteration %d): %w", iteration, err)
		}

		if resp.Usage != nil {
			totalUsage.PromptTokens += resp.Usage.PromptTokens
			totalUsage.CompletionTokens += resp.Usage.CompletionTokens
			totalUsage.TotalTokens += resp.Usage.TotalTokens
			totalUsage.ThinkingTokens += resp.Usage.ThinkingTokens
		}

		// No tool calls → done
		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		assistantMsg := providers.Message{
			Role:                "assistant",
			Content:             resp.Content,
			ToolCalls:           resp.ToolCalls,
			RawAssistantContent: resp.RawAssistantContent, // preserve thinking blocks for Anthropic passback
		}
		messages = append(messages, assistantMsg)
		pendingMsgs = append(pendingMsgs, assistantMsg)

		toolMsgs, mrs, loopStuck := l.runTools(ctx, req, resp.ToolCalls, &loopDetector, &finalContent)
		messages = append(messages, toolMsgs...)
		pendingMsgs = append(pendingMsgs, toolMsgs...)
		mediaResults = append(mediaResults, mrs...)
		if loopStuck {
			break
		}
	}

	finalContent = SanitizeAssistantContent(finalContent)
	isSilent := IsSilentReply(finalContent)

	if finalContent == "" {
		finalContent = "..."
	}

	pendingMsgs = append(pendingMsgs, providers.Message{
		Role:    "assistant",
		Content: finalContent,
	})

	// Flush all buffered messages to session atomically, so concurrent runs
	// never see each other's in-progress messages.
	for _, msg := range pendingMsgs {
		l.sessions.AddMessage(req.SessionKey, msg)
	}

	l.sessions.UpdateMetadata(req.SessionKey, l.model, l.provider.Name(), req.Channel)
	l.sessions.AccumulateTokens(req.SessionKey, int64(totalUsage.PromptTokens), int64(totalUsage.CompletionTokens))

	// Calibrate token estimation: store actual prompt tokens + message count
	// so EstimateTokensWithCalibration uses this as a base next time instead
	// of the chars-based heuristic.
	if totalUsage.PromptTokens > 0 {
		msgCount := len(history) + len(pendingMsgs)
		l.sessions.SetLastPromptTokens(req.SessionKey, totalUsage.PromptTokens, msgCount)
	}

	l.sessions.Save(req.SessionKey)

	if isSilent {
		slog.Info("agent loop: NO_REPLY detected, suppressing delivery",
			"agent", l.id, "session", req.SessionKey)
		finalContent = ""
	}

	l.maybeSummarize(ctx, req.SessionKey)

	return &RunResult{
		Content:    finalContent,
		RunID:      req.RunID,
		Iterations: iteration,
		Usage:      &totalUsage,
		Media:      mediaResults,
	}, nil
}

// runTools executes a batch of tool calls through the registry's ExecuteAll
// — whitelist-gated and concurrency-grouped per spec §4.4 — then processes
// results sequentially in original call order for deterministic message
// ordering and loop-detection bookkeeping.
func (l *Loop) runTools(ctx context.Context, req RunRequest, toolCalls []providers.ToolCall, loopDetector *toolLoopState, finalContent *string) ([]providers.Message, []MediaResult, bool) {
	for _, tc := range toolCalls {
		l.emitBus(bus.EventToolCall, req.RunID, map[string]interface{}{"name": tc.Name, "id": tc.ID})
	}

	uses := make([]tools.ToolUse, len(toolCalls))
	for i, tc := range toolCalls {
		argsJSON, _ := json.Marshal(tc.Arguments)
		slog.Info("tool call", "agent", l.id, "tool", tc.Name, "args_len", len(argsJSON))
		uses[i] = tools.ToolUse{ID: tc.ID, Name: tc.Name, Args: tc.Arguments}
	}

	results := l.tools.ExecuteAll(ctx, uses, req.Channel, req.ChatID, req.PeerKind, req.SessionKey, nil)

	var messages []providers.Message
	var mediaResults []MediaResult
	var loopStuck bool

	for i, r := range results {
		tc := toolCalls[i]
		argsHash := loopDetector.record(tc.Name, tc.Arguments)
		loopDetector.recordResult(argsHash, r.Result.ForLLM)

		if r.Result.IsError {
			errMsg := r.Result.ForLLM
			if len(errMsg) > 200 {
				errMsg = errMsg[:200] + "..."
			}
			slog.Warn("tool error", "agent", l.id, "tool", tc.Name, "error", errMsg)
		}

		l.emitBus(bus.EventToolResult, req.RunID, map[string]interface{}{
			"name": tc.Name, "id": tc.ID, "is_error": r.Result.IsError,
		})

		if mr := parseMediaResult(r.Result.ForLLM); mr != nil {
			mediaResults = append(mediaResults, *mr)
		}

		messages = append(messages, providers.Message{
			Role:       "tool",
			Content:    r.Result.ForLLM,
			ToolCallID: tc.ID,
		})

		if level, msg := loopDetector.detect(tc.Name, argsHash); level != "" {
			if level == "critical" {
				slog.Warn("tool loop critical", "agent", l.id, "tool", tc.Name, "message", msg)
				*finalContent = "I was unable to complete this task — I got stuck repeatedly calling " + tc.Name + " without making progress. Please try rephrasing your request."
				loopStuck = true
				break
			}
			slog.Warn("tool loop warning", "agent", l.id, "tool", tc.Name, "message", msg)
			messages = append(messages, providers.Message{Role: "user", Content: msg})
		}
	}

	return messages, mediaResults, loopStuck
}

// parseMediaResult extracts a MediaResult from a tool result string containing "MEDIA:" prefix.
// Handles formats: "MEDIA:/path/to/file" and "[[audio_as_voice]]\nMEDIA:/path/to/file".
// Returns nil if no MEDIA: prefix is found.
func parseMediaResult(toolOutput string) *MediaResult {
	s := toolOutput
	asVoice := false

	if strings.Contains(s, "[[audio_as_voice]]") {
		asVoice = true
		s = strings.ReplaceAll(s, "[[audio_as_voice]]", "")
		s = strings.TrimSpace(s)
	}

	idx := strings.Index(s, "MEDIA:")
	if idx < 0 {
		return nil
	}
	path := strings.TrimSpace(s[idx+6:])
	if path == "" {
		return nil
	}
	if nl := strings.IndexByte(path, '\n'); nl >= 0 {
		path = strings.TrimSpace(path[:nl])
	}

	return &MediaResult{
		Path:        path,
		ContentType: mimeFromExt(extOf(path)),
		AsVoice:     asVoice,
	}
}

// extOf returns the lowercase file extension including the leading dot.
func extOf(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	return strings.ToLower(path[idx:])
}

// mimeFromExt returns a MIME type for common media file extensions.
func mimeFromExt(ext string) string {
	switch ext {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

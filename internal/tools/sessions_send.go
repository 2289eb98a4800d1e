package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentrun/internal/bus"
	"github.com/nextlevelbuilder/agentrun/internal/sessions"
)

// ============================================================
// sessions_send
// ============================================================

type SessionsSendTool struct {
	sessions *sessions.Manager
	msgBus   *bus.Bus
}

func NewSessionsSendTool() *SessionsSendTool { return &SessionsSendTool{} }

func (t *SessionsSendTool) SetSessionManager(s *sessions.Manager) { t.sessions = s }
func (t *SessionsSendTool) SetMessageBus(b *bus.Bus)              { t.msgBus = b }

func (t *SessionsSendTool) Name() string { return "sessions_send" }
func (t *SessionsSendTool) Description() string {
	return "Send a message into another session. Use session_key or label to identify the target."
}

// IsConcurrencySafe is false: mutates another session's history.
func (t *SessionsSendTool) IsConcurrencySafe() bool { return false }

func (t *SessionsSendTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_key": map[string]interface{}{
				"type":        "string",
				"description": "Target session key",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "Target session label (alternative to session_key)",
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "Message to send",
			},
		},
		"required": []string{"message"},
	}
}

func (t *SessionsSendTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.sessions == nil {
		return ErrorResult("session manager not available")
	}
	if t.msgBus == nil {
		return ErrorResult("message bus not available")
	}

	sessionKey, _ := args["session_key"].(string)
	label, _ := args["label"].(string)
	message, _ := args["message"].(string)

	if message == "" {
		return ErrorResult("message is required")
	}
	if sessionKey == "" && label == "" {
		return ErrorResult("either session_key or label is required")
	}

	agentID := agentIDFromChatID(ctx)

	if sessionKey == "" && label != "" {
		for _, s := range t.sessions.List(agentID) {
			data := t.sessions.GetOrCreate(s.Key)
			if data.Label == label {
				sessionKey = s.Key
				break
			}
		}
		if sessionKey == "" {
			return ErrorResult(fmt.Sprintf("no session found with label: %s", label))
		}
	}

	// A target session must belong to the calling agent.
	if agentID != "" && !strings.HasPrefix(sessionKey, "agent:"+agentID+":") {
		return ErrorResult("access denied: target session belongs to a different agent")
	}

	t.msgBus.Emit(bus.Event{
		Name: bus.EventSessionInbound,
		Payload: bus.SessionInbound{
			SessionKey: sessionKey,
			SenderID:   "session_send_tool",
			Content:    message,
		},
	})

	return SilentResult(fmt.Sprintf(`{"status":"accepted","session_key":"%s"}`, sessionKey))
}

// agentIDFromChatID extracts the calling agent's ID from its chat session key,
// which follows the "agent:{agentId}:{scopeKey}" convention.
func agentIDFromChatID(ctx context.Context) string {
	chatID := ToolChatIDFromCtx(ctx)
	const prefix = "agent:"
	if !strings.HasPrefix(chatID, prefix) {
		return ""
	}
	rest := chatID[len(prefix):]
	idx := strings.Index(rest, ":")
	if idx < 0 {
		return ""
	}
	return rest[:idx]
}

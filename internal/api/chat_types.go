package api

import "time"

// ChatMessageKind classifies transcript entries.
type ChatMessageKind string

const (
	ChatMessageKindUserText  ChatMessageKind = "user-text"
	ChatMessageKindAgentText ChatMessageKind = "agent-text"
	ChatMessageKindToolCall  ChatMessageKind = "tool-call"
	ChatMessageKindSystem    ChatMessageKind = "system"
	ChatMessageKindResult    ChatMessageKind = "result"
)

// ChatToolState tracks a tool call through its lifetime.
type ChatToolState string

const (
	ChatToolStateRunning   ChatToolState = "running"
	ChatToolStateCompleted ChatToolState = "completed"
	ChatToolStateError     ChatToolState = "error"
)

// ChatToolCall is the tool-use payload attached to tool-call messages.
// Executables carries the extracted program identities for shell commands so
// the renderer's permission layer can prompt per program.
type ChatToolCall struct {
	CallID      string        `json:"callId,omitempty"`
	Name        string        `json:"name,omitempty"`
	Title       string        `json:"title,omitempty"`
	Description string        `json:"description,omitempty"`
	State       ChatToolState `json:"state"`
	Input       any           `json:"input,omitempty"`
	Result      any           `json:"result,omitempty"`
	IsError     bool          `json:"isError,omitempty"`
	Executables []string      `json:"executables,omitempty"`
}

// ChatMessage is one transcript entry, streamed to the renderer and persisted
// as a message row.
type ChatMessage struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	Seq        int64           `json:"seq"`
	Kind       ChatMessageKind `json:"kind"`
	Role       string          `json:"role,omitempty"`
	Text       string          `json:"text,omitempty"`
	IsThinking bool            `json:"isThinking,omitempty"`
	Tool       *ChatToolCall   `json:"tool,omitempty"`
	Data       map[string]any  `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

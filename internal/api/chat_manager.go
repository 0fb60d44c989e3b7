package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/getskiff/skiff/internal/cmdscan"
	"github.com/getskiff/skiff/internal/db"
)

var (
	ErrChatSessionNotFound = errors.New("chat session not found")
	ErrTurnBusy            = errors.New("chat turn already running")
)

const (
	chatSubBufferSize = 256

	// assistantCommand is the CLI the chat manager drives. One process per
	// turn; conversation continuity comes from --resume.
	assistantCommand = "claude"
)

type ChatTurnResult struct {
	SessionID   string
	Err         error
	Interrupted bool
}

type StartChatTurnInput struct {
	SessionID string
	WorkDir   string
	Prompt    string
	Model     string
}

type chatSessionState struct {
	id                string
	model             string
	providerSessionID string

	mu       sync.Mutex
	seq      int64
	messages []ChatMessage
	toolByID map[string]int
	subs     map[uint64]chan ChatMessage
	nextSub  uint64

	running bool
	cancel  context.CancelFunc
}

// ChatManager runs assistant turns and maintains per-session transcripts:
// one in-memory state per session, rebuilt from persisted message rows on
// demand, with fan-out to attached WebSocket subscribers.
type ChatManager struct {
	db *db.DB

	mu       sync.RWMutex
	sessions map[string]*chatSessionState
}

func NewChatManager(database *db.DB) *ChatManager {
	return &ChatManager{
		db:       database,
		sessions: make(map[string]*chatSessionState),
	}
}

func (m *ChatManager) RegisterSession(sessionID, model string) error {
	_, err := m.ensureSession(sessionID, model)
	return err
}

func (m *ChatManager) RemoveSession(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// Interrupt cancels a running turn. Returns false when no turn is running.
func (m *ChatManager) Interrupt(sessionID string) bool {
	state, err := m.ensureSession(sessionID, "")
	if err != nil {
		return false
	}

	state.mu.Lock()
	cancel := state.cancel
	running := state.running
	state.mu.Unlock()
	if !running || cancel == nil {
		return false
	}
	cancel()
	return true
}

// Attach returns a transcript snapshot plus a live subscription channel and
// its cancel func.
func (m *ChatManager) Attach(sessionID string) ([]ChatMessage, <-chan ChatMessage, func(), error) {
	state, err := m.ensureSession(sessionID, "")
	if err != nil {
		return nil, nil, nil, err
	}

	state.mu.Lock()
	snapshot := make([]ChatMessage, len(state.messages))
	copy(snapshot, state.messages)

	subID := state.nextSub
	state.nextSub++
	ch := make(chan ChatMessage, chatSubBufferSize)
	state.subs[subID] = ch
	state.mu.Unlock()

	cancel := func() {
		state.mu.Lock()
		if existing, ok := state.subs[subID]; ok {
			close(existing)
			delete(state.subs, subID)
		}
		state.mu.Unlock()
	}

	return snapshot, ch, cancel, nil
}

// StartTurn spawns one assistant turn. The returned channel yields exactly
// one result when the turn ends.
func (m *ChatManager) StartTurn(input StartChatTurnInput) (<-chan ChatTurnResult, error) {
	if strings.TrimSpace(input.Prompt) == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	state, err := m.ensureSession(input.SessionID, input.Model)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	if state.running {
		state.mu.Unlock()
		return nil, ErrTurnBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	state.running = true
	state.cancel = cancel
	model := state.model
	state.mu.Unlock()

	m.appendMessage(state, ChatMessage{
		Kind:      ChatMessageKindUserText,
		Role:      "user",
		Text:      strings.TrimSpace(input.Prompt),
		CreatedAt: time.Now().UTC(),
	})

	resultCh := make(chan ChatTurnResult, 1)
	go m.runTurn(state, ctx, StartChatTurnInput{
		SessionID: input.SessionID,
		WorkDir:   input.WorkDir,
		Prompt:    strings.TrimSpace(input.Prompt),
		Model:     model,
	}, resultCh)
	return resultCh, nil
}

// Reset drops the transcript and the provider conversation binding so the
// next turn starts a fresh conversation.
func (m *ChatManager) Reset(sessionID string) error {
	state, err := m.ensureSession(sessionID, "")
	if err != nil {
		return err
	}

	state.mu.Lock()
	if state.running {
		state.mu.Unlock()
		return ErrTurnBusy
	}
	state.seq = 0
	state.messages = nil
	state.toolByID = make(map[string]int)
	state.providerSessionID = ""
	state.mu.Unlock()

	if _, err := m.db.DeleteMessagesBySession(sessionID); err != nil {
		return fmt.Errorf("clear transcript: %w", err)
	}
	if err := m.db.ClearSessionConversation(sessionID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("clear conversation state: %w", err)
	}

	m.appendMessage(state, ChatMessage{
		Kind:      ChatMessageKindSystem,
		Text:      "Conversation reset",
		Data:      map[string]any{"type": "reset"},
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *ChatManager) runTurn(state *chatSessionState, ctx context.Context, input StartChatTurnInput, resultCh chan<- ChatTurnResult) {
	defer close(resultCh)

	state.mu.Lock()
	resumeProviderSessionID := state.providerSessionID
	state.mu.Unlock()

	command, args := buildTurnCommand(input.Prompt, input.Model, resumeProviderSessionID)

	originalCommand := command
	command, args = withShellFallback(command, args)
	if originalCommand != command {
		slog.Warn("assistant command not found in service PATH, using login-shell fallback",
			"session_id", input.SessionID,
			"command", originalCommand,
		)
	}

	cmd := exec.CommandContext(ctx, command, args...)
	if input.WorkDir != "" {
		cmd.Dir = input.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.finishTurn(state)
		resultCh <- ChatTurnResult{SessionID: input.SessionID, Err: fmt.Errorf("stdout pipe: %w", err)}
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.finishTurn(state)
		resultCh <- ChatTurnResult{SessionID: input.SessionID, Err: fmt.Errorf("stderr pipe: %w", err)}
		return
	}

	if err := cmd.Start(); err != nil {
		m.finishTurn(state)
		resultCh <- ChatTurnResult{SessionID: input.SessionID, Err: fmt.Errorf("start process: %w", err)}
		return
	}

	var stderrBuf bytes.Buffer
	var stderrWG sync.WaitGroup
	stderrWG.Add(1)
	go func() {
		defer stderrWG.Done()
		_, _ = io.Copy(&stderrBuf, stderr)
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m.handleTurnLine(state, line)
	}

	scanErr := scanner.Err()
	waitErr := cmd.Wait()
	stderrWG.Wait()

	interrupted := errors.Is(ctx.Err(), context.Canceled)
	if interrupted && waitErr != nil {
		waitErr = nil
	}
	if interrupted {
		m.appendMessage(state, ChatMessage{
			Kind:      ChatMessageKindSystem,
			Text:      "Interrupted",
			Data:      map[string]any{"type": "interrupt"},
			CreatedAt: time.Now().UTC(),
		})
	}

	var turnErr error
	switch {
	case scanErr != nil && !interrupted:
		turnErr = fmt.Errorf("read output: %w", scanErr)
	case waitErr != nil && !interrupted:
		turnErr = fmt.Errorf("process exit: %w", waitErr)
	}

	if turnErr != nil {
		stderrText := strings.TrimSpace(stderrBuf.String())
		if stderrText == "" {
			stderrText = turnErr.Error()
		}
		m.appendMessage(state, ChatMessage{
			Kind:      ChatMessageKindSystem,
			Text:      stderrText,
			Data:      map[string]any{"type": "error"},
			CreatedAt: time.Now().UTC(),
		})
	}

	m.finishTurn(state)
	resultCh <- ChatTurnResult{
		SessionID:   input.SessionID,
		Err:         turnErr,
		Interrupted: interrupted,
	}
}

func (m *ChatManager) finishTurn(state *chatSessionState) {
	state.mu.Lock()
	state.running = false
	state.cancel = nil
	state.mu.Unlock()
}

func (m *ChatManager) handleTurnLine(state *chatSessionState, line string) {
	var payload map[string]any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		return
	}
	m.handleStreamPayload(state, payload)
}

func (m *ChatManager) handleStreamPayload(state *chatSessionState, payload map[string]any) {
	msgType := asString(payload["type"])
	switch msgType {
	case "system":
		if sessionID := asString(payload["session_id"]); sessionID != "" {
			m.updateProviderSessionID(state, sessionID)
		}
		m.appendMessage(state, ChatMessage{
			Kind:      ChatMessageKindSystem,
			Text:      asString(payload["subtype"]),
			Data:      cloneMap(payload),
			CreatedAt: time.Now().UTC(),
		})

	case "assistant":
		for _, block := range assistantBlocks(payload) {
			switch asString(block["type"]) {
			case "text":
				text := asString(block["text"])
				if text == "" {
					continue
				}
				m.appendMessage(state, ChatMessage{
					Kind:      ChatMessageKindAgentText,
					Role:      "assistant",
					Text:      text,
					CreatedAt: time.Now().UTC(),
				})
			case "thinking":
				thinking := asString(block["thinking"])
				if thinking == "" {
					thinking = asString(block["text"])
				}
				if thinking == "" {
					continue
				}
				m.appendMessage(state, ChatMessage{
					Kind:       ChatMessageKindAgentText,
					Role:       "assistant",
					Text:       thinking,
					IsThinking: true,
					CreatedAt:  time.Now().UTC(),
				})
			case "tool_use":
				callID := asString(block["id"])
				if callID == "" {
					callID = db.NewID()
				}
				name := asString(block["name"])
				m.startToolCall(state, callID, name, name, "", block["input"])
			}
		}

	case "user":
		msgObj, _ := payload["message"].(map[string]any)
		if msgObj == nil {
			return
		}

		switch blocks := msgObj["content"].(type) {
		case string:
			text := strings.TrimSpace(blocks)
			if text != "" {
				m.appendMessage(state, ChatMessage{
					Kind:      ChatMessageKindUserText,
					Role:      "user",
					Text:      text,
					CreatedAt: time.Now().UTC(),
				})
			}
		case []any:
			for _, raw := range blocks {
				block, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				switch asString(block["type"]) {
				case "text":
					text := asString(block["text"])
					if text == "" {
						continue
					}
					m.appendMessage(state, ChatMessage{
						Kind:      ChatMessageKindUserText,
						Role:      "user",
						Text:      text,
						CreatedAt: time.Now().UTC(),
					})
				case "tool_result":
					callID := asString(block["tool_use_id"])
					if callID == "" {
						continue
					}
					m.finishToolCall(state, callID, block["content"], asBool(block["is_error"]))
				}
			}
		}

	case "result":
		if sessionID := asString(payload["session_id"]); sessionID != "" {
			m.updateProviderSessionID(state, sessionID)
		}
		// Result envelopes commonly repeat the assistant text on success.
		// Keep them only for explicit errors.
		if !asBool(payload["is_error"]) {
			return
		}
		text := firstNonEmpty(asString(payload["result"]), asString(payload["subtype"]), "error")
		m.appendMessage(state, ChatMessage{
			Kind:      ChatMessageKindResult,
			Text:      text,
			Data:      cloneMap(payload),
			CreatedAt: time.Now().UTC(),
		})

	case "control_request":
		data := cloneMap(payload)
		if command := controlRequestCommand(payload); command != "" {
			if execs := cmdscan.ExtractExecutables(command); len(execs) > 0 {
				data["executables"] = execs
			}
		}
		m.appendMessage(state, ChatMessage{
			Kind:      ChatMessageKindSystem,
			Text:      "Permission request",
			Data:      data,
			CreatedAt: time.Now().UTC(),
		})
	}
}

func (m *ChatManager) startToolCall(state *chatSessionState, callID, name, title, description string, input any) {
	msg, _ := m.appendMessage(state, ChatMessage{
		Kind: ChatMessageKindToolCall,
		Tool: &ChatToolCall{
			CallID:      callID,
			Name:        name,
			Title:       title,
			Description: description,
			State:       ChatToolStateRunning,
			Input:       input,
			Executables: toolExecutables(name, input),
		},
		CreatedAt: time.Now().UTC(),
	})

	state.mu.Lock()
	for i := range state.messages {
		if state.messages[i].ID == msg.ID {
			state.toolByID[callID] = i
			break
		}
	}
	state.mu.Unlock()
}

func (m *ChatManager) finishToolCall(state *chatSessionState, callID string, result any, isErr bool) {
	state.mu.Lock()
	idx, ok := state.toolByID[callID]
	state.mu.Unlock()
	if !ok {
		toolState := ChatToolStateCompleted
		if isErr {
			toolState = ChatToolStateError
		}
		m.appendMessage(state, ChatMessage{
			Kind: ChatMessageKindToolCall,
			Tool: &ChatToolCall{
				CallID:  callID,
				Name:    "tool",
				Title:   "Tool call",
				State:   toolState,
				Result:  result,
				IsError: isErr,
			},
			CreatedAt: time.Now().UTC(),
		})
		return
	}

	state.mu.Lock()
	if idx < 0 || idx >= len(state.messages) {
		state.mu.Unlock()
		return
	}
	msg := state.messages[idx]
	if msg.Tool == nil {
		msg.Tool = &ChatToolCall{
			CallID: callID,
			Name:   "tool",
			Title:  "Tool call",
		}
	}
	if isErr {
		msg.Tool.State = ChatToolStateError
	} else {
		msg.Tool.State = ChatToolStateCompleted
	}
	msg.Tool.Result = result
	msg.Tool.IsError = isErr
	state.messages[idx] = msg
	subs := make([]chan ChatMessage, 0, len(state.subs))
	for _, ch := range state.subs {
		subs = append(subs, ch)
	}
	state.mu.Unlock()

	if payload, err := json.Marshal(msg); err == nil {
		if err := m.db.UpdateMessagePayload(msg.ID, string(msg.Kind), string(payload)); err != nil && !errors.Is(err, db.ErrNotFound) {
			slog.Warn("failed to persist tool call update", "session_id", state.id, "message_id", msg.ID, "error", err)
		}
	}

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (m *ChatManager) appendMessage(state *chatSessionState, msg ChatMessage) (ChatMessage, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.SessionID = state.id

	state.mu.Lock()
	state.seq++
	msg.Seq = state.seq
	snapshotID := msg.ID
	subs := make([]chan ChatMessage, 0, len(state.subs))
	for _, ch := range state.subs {
		subs = append(subs, ch)
	}
	state.mu.Unlock()

	payload, err := json.Marshal(msg)
	if err != nil {
		return ChatMessage{}, err
	}

	row, err := m.db.CreateMessage(db.CreateMessageInput{
		SessionID:   state.id,
		Seq:         msg.Seq,
		Kind:        string(msg.Kind),
		PayloadJSON: string(payload),
	})
	if err != nil {
		slog.Warn("failed to persist chat message", "session_id", state.id, "seq", msg.Seq, "error", err)
		if snapshotID == "" {
			msg.ID = db.NewID()
		}
	} else {
		msg.ID = row.ID
	}

	state.mu.Lock()
	state.messages = append(state.messages, msg)
	idx := len(state.messages) - 1
	if msg.Tool != nil && msg.Tool.CallID != "" {
		state.toolByID[msg.Tool.CallID] = idx
	}
	state.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return msg, nil
}

func (m *ChatManager) updateProviderSessionID(state *chatSessionState, providerSessionID string) {
	if providerSessionID == "" {
		return
	}

	state.mu.Lock()
	if state.providerSessionID == providerSessionID {
		state.mu.Unlock()
		return
	}
	state.providerSessionID = providerSessionID
	state.mu.Unlock()

	if _, err := m.db.UpdateSession(state.id, db.UpdateSessionInput{
		ProviderSessionID: &providerSessionID,
	}); err != nil && !errors.Is(err, db.ErrNotFound) {
		slog.Warn("failed to update provider session id", "session_id", state.id, "provider_session_id", providerSessionID, "error", err)
	}
}

func (m *ChatManager) ensureSession(sessionID, model string) (*chatSessionState, error) {
	m.mu.RLock()
	if state, ok := m.sessions[sessionID]; ok {
		m.mu.RUnlock()
		if model != "" {
			state.mu.Lock()
			state.model = model
			state.mu.Unlock()
		}
		return state, nil
	}
	m.mu.RUnlock()

	dbSession, err := m.db.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrChatSessionNotFound
		}
		return nil, err
	}

	messages, err := m.db.ListMessagesBySession(sessionID)
	if err != nil {
		return nil, err
	}

	state := &chatSessionState{
		id:                sessionID,
		model:             firstNonEmpty(model, stringPtrValue(dbSession.Model)),
		toolByID:          make(map[string]int),
		subs:              make(map[uint64]chan ChatMessage),
		providerSessionID: stringPtrValue(dbSession.ProviderSessionID),
	}

	for _, row := range messages {
		var msg ChatMessage
		if err := json.Unmarshal([]byte(row.PayloadJSON), &msg); err != nil {
			continue
		}
		if msg.ID == "" {
			msg.ID = row.ID
		}
		if msg.Seq == 0 {
			msg.Seq = row.Seq
		}
		msg.SessionID = sessionID
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = row.CreatedAt
		}
		state.messages = append(state.messages, msg)
		if msg.Tool != nil && msg.Tool.CallID != "" {
			state.toolByID[msg.Tool.CallID] = len(state.messages) - 1
		}
		if msg.Seq > state.seq {
			state.seq = msg.Seq
		}
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.sessions[sessionID] = state
	m.mu.Unlock()
	return state, nil
}

func buildTurnCommand(prompt, model, providerSessionID string) (string, []string) {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if providerSessionID != "" {
		args = append(args, "--resume", providerSessionID)
	}
	args = append(args, prompt)
	return assistantCommand, args
}

func withShellFallback(command string, args []string) (string, []string) {
	if command == "" {
		return command, args
	}
	if _, err := exec.LookPath(command); err == nil {
		return command, args
	}

	// Use login shell so user-level PATH customizations are applied.
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(command))
	for _, arg := range args {
		parts = append(parts, shellQuote(arg))
	}
	return shell, []string{"-lc", strings.Join(parts, " ")}
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// validModelName matches model names safe to interpolate into shell commands.
// Must start with a letter, then letters, digits, hyphens, dots, colons, or slashes.
// e.g. "claude-sonnet-4-5-20250929", "sonnet", "anthropic/claude-3"
var validModelName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9\-.:\/_]*$`)

func isValidModelName(name string) bool {
	return validModelName.MatchString(name)
}

// toolExecutables extracts program identities from a Bash tool invocation so
// the renderer can gate execution per program.
func toolExecutables(name string, input any) []string {
	if name != "Bash" {
		return nil
	}
	obj, _ := input.(map[string]any)
	if obj == nil {
		return nil
	}
	command, _ := obj["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil
	}
	execs := cmdscan.ExtractExecutables(command)
	if len(execs) == 0 {
		return nil
	}
	return execs
}

func controlRequestCommand(payload map[string]any) string {
	request, _ := payload["request"].(map[string]any)
	if request == nil {
		return ""
	}
	input, _ := request["input"].(map[string]any)
	if input == nil {
		return ""
	}
	return asString(input["command"])
}

func assistantBlocks(payload map[string]any) []map[string]any {
	msgObj, _ := payload["message"].(map[string]any)
	if msgObj == nil {
		return nil
	}
	content, _ := msgObj["content"].([]any)
	if len(content) == 0 {
		return nil
	}
	blocks := make([]map[string]any, 0, len(content))
	for _, raw := range content {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		blocks = append(blocks, block)
	}
	return blocks
}

func asString(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func stringPtrValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

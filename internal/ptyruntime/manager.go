package ptyruntime

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

var (
	ErrTerminalNotFound = errors.New("terminal session not found")
	ErrTerminalExists   = errors.New("terminal session already exists")
)

// StartOptions configures a terminal PTY process.
type StartOptions struct {
	WorkDir string
	Command string
	Args    []string
	Env     []string
	Cols    uint16
	Rows    uint16
	OnExit  func(ExitResult)
}

// ExitResult describes process termination.
type ExitResult struct {
	SessionID string
	ExitCode  int
	Err       error
}

// OutputEvent is a streamed chunk from the terminal PTY.
type OutputEvent struct {
	Seq  uint64
	Data []byte
}

// Manager owns the PTY-backed terminal sessions running inside worktrees.
type Manager struct {
	mu        sync.RWMutex
	terminals map[string]*terminal
}

// NewManager creates a terminal manager.
func NewManager() *Manager {
	return &Manager{
		terminals: make(map[string]*terminal),
	}
}

type terminal struct {
	id     string
	cmd    *exec.Cmd
	ptmx   *os.File
	onExit func(ExitResult)

	mu        sync.Mutex
	closed    bool
	seq       uint64
	ring      []OutputEvent
	ringBytes int
	subs      map[uint64]chan OutputEvent
	nextSubID uint64
}

const (
	defaultCols   = 120
	defaultRows   = 40
	maxRingBytes  = 2 * 1024 * 1024
	subBufferSize = 256
)

// Start creates and starts a terminal session process.
func (m *Manager) Start(sessionID string, opt StartOptions) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if opt.Command == "" {
		return fmt.Errorf("command is required")
	}

	m.mu.Lock()
	if _, exists := m.terminals[sessionID]; exists {
		m.mu.Unlock()
		return ErrTerminalExists
	}

	cmd := exec.Command(opt.Command, opt.Args...)
	if opt.WorkDir != "" {
		cmd.Dir = opt.WorkDir
	}
	if len(opt.Env) > 0 {
		cmd.Env = append(os.Environ(), opt.Env...)
	}

	cols := opt.Cols
	rows := opt.Rows
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("start pty: %w", err)
	}

	term := &terminal{
		id:     sessionID,
		cmd:    cmd,
		ptmx:   ptmx,
		onExit: opt.OnExit,
		subs:   make(map[uint64]chan OutputEvent),
	}
	m.terminals[sessionID] = term
	m.mu.Unlock()

	go m.readLoop(term)
	go m.waitLoop(term)
	return nil
}

func (m *Manager) readLoop(term *terminal) {
	buf := make([]byte, 8192)
	for {
		n, err := term.ptmx.Read(buf)
		if n > 0 {
			term.appendOutput(buf[:n])
		}
		if err != nil {
			// Read errors (including EOF) are expected on shutdown; the wait
			// loop handles the rest of the lifecycle.
			return
		}
	}
}

func exitCodeFromErr(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func (m *Manager) waitLoop(term *terminal) {
	err := term.cmd.Wait()
	code := exitCodeFromErr(err)

	term.mu.Lock()
	if term.closed {
		term.mu.Unlock()
		return
	}
	term.closed = true
	if term.ptmx != nil {
		_ = term.ptmx.Close()
	}
	for id, ch := range term.subs {
		close(ch)
		delete(term.subs, id)
	}
	term.mu.Unlock()

	m.mu.Lock()
	delete(m.terminals, term.id)
	m.mu.Unlock()

	if term.onExit != nil {
		term.onExit(ExitResult{SessionID: term.id, ExitCode: code, Err: err})
	}
}

func (term *terminal) appendOutput(data []byte) {
	if len(data) == 0 {
		return
	}

	// Copy to avoid retaining the shared read buffer.
	chunk := make([]byte, len(data))
	copy(chunk, data)

	term.mu.Lock()
	if term.closed {
		term.mu.Unlock()
		return
	}
	term.seq++
	ev := OutputEvent{Seq: term.seq, Data: chunk}
	term.ring = append(term.ring, ev)
	term.ringBytes += len(chunk)

	for term.ringBytes > maxRingBytes && len(term.ring) > 0 {
		term.ringBytes -= len(term.ring[0].Data)
		term.ring = term.ring[1:]
	}

	for subID, ch := range term.subs {
		select {
		case ch <- ev:
		default:
			// Slow consumer: disconnect to protect terminal fanout.
			close(ch)
			delete(term.subs, subID)
		}
	}
	term.mu.Unlock()
}

// Attach subscribes to terminal output and returns recent replay chunks.
func (m *Manager) Attach(sessionID string) ([]OutputEvent, <-chan OutputEvent, func(), error) {
	term, err := m.get(sessionID)
	if err != nil {
		return nil, nil, nil, err
	}

	term.mu.Lock()
	if term.closed {
		term.mu.Unlock()
		return nil, nil, nil, ErrTerminalNotFound
	}

	snapshot := make([]OutputEvent, 0, len(term.ring))
	for _, ev := range term.ring {
		cp := make([]byte, len(ev.Data))
		copy(cp, ev.Data)
		snapshot = append(snapshot, OutputEvent{Seq: ev.Seq, Data: cp})
	}

	subID := term.nextSubID
	term.nextSubID++
	ch := make(chan OutputEvent, subBufferSize)
	term.subs[subID] = ch
	term.mu.Unlock()

	cancel := func() {
		term.mu.Lock()
		if existing, ok := term.subs[subID]; ok {
			close(existing)
			delete(term.subs, subID)
		}
		term.mu.Unlock()
	}

	return snapshot, ch, cancel, nil
}

// Write sends raw bytes into a terminal PTY.
func (m *Manager) Write(sessionID string, data []byte) error {
	term, err := m.get(sessionID)
	if err != nil {
		return err
	}
	term.mu.Lock()
	closed := term.closed
	ptmx := term.ptmx
	term.mu.Unlock()
	if closed || ptmx == nil {
		return ErrTerminalNotFound
	}
	_, err = ptmx.Write(data)
	return err
}

// Resize changes the PTY size for a terminal session.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	term, err := m.get(sessionID)
	if err != nil {
		return err
	}
	term.mu.Lock()
	closed := term.closed
	ptmx := term.ptmx
	term.mu.Unlock()
	if closed || ptmx == nil {
		return ErrTerminalNotFound
	}
	if cols == 0 || rows == 0 {
		return nil
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Stop terminates a terminal session.
func (m *Manager) Stop(sessionID string) error {
	term, err := m.get(sessionID)
	if err != nil {
		return err
	}
	term.mu.Lock()
	if term.closed {
		term.mu.Unlock()
		return nil
	}
	proc := term.cmd.Process
	term.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Kill()
}

// StopAll kills every live terminal. Used on server shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_ = m.Stop(id)
	}
}

// Exists reports whether a terminal session is currently alive.
func (m *Manager) Exists(sessionID string) bool {
	m.mu.RLock()
	_, ok := m.terminals[sessionID]
	m.mu.RUnlock()
	return ok
}

func (m *Manager) get(sessionID string) (*terminal, error) {
	m.mu.RLock()
	term, ok := m.terminals[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrTerminalNotFound
	}
	return term, nil
}

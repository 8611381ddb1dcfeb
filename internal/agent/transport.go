// internal/agent/transport.go
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/user/sandboxd/internal/types"
)

const scannerBufSize = 1024 * 1024 // 1 MB

var (
	// ErrNotStarted is returned by writes issued before Start.
	ErrNotStarted = errors.New("transport not started")
	// ErrStopped rejects pending requests when the transport shuts down.
	ErrStopped = errors.New("transport stopped")
	// ErrRequestTimeout rejects a correlated request whose response never arrived.
	ErrRequestTimeout = errors.New("request timed out")
)

// LineHandler receives every non-response agent line, with the type
// discriminator already extracted. payload is the verbatim JSON line.
type LineHandler func(eventType string, payload json.RawMessage)

// Transport owns one agent subprocess and frames its stdio as
// newline-delimited JSON. It is the only path by which agent activity
// reaches the event log.
type Transport struct {
	command string
	args    []string
	dir     string
	env     []string
	timeout time.Duration

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	started  bool
	handlers map[int]LineHandler
	nextID   int
	pending  map[types.RequestID]*pendingRequest
}

// PendingRequest bookkeeping: exactly one outcome per request (response,
// timeout, or stop).
type pendingRequest struct {
	ch    chan result
	timer *time.Timer
}

type result struct {
	data json.RawMessage
	err  error
}

// NewTransport configures a transport without spawning anything. timeout
// bounds each correlated request.
func NewTransport(command string, args []string, dir string, env []string, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Transport{
		command:  command,
		args:     args,
		dir:      dir,
		env:      env,
		timeout:  timeout,
		handlers: make(map[int]LineHandler),
		pending:  make(map[types.RequestID]*pendingRequest),
	}
}

// Start spawns the subprocess and begins reading its output.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return nil
	}

	cmd := exec.Command(t.command, t.args...)
	cmd.Dir = t.dir
	if len(t.env) > 0 {
		cmd.Env = t.env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("start agent process: %w", err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.started = true

	go t.readLoop(stdout)
	go t.drainStderr(stderr)
	go func() {
		// Reap the process; pending requests time out on their own.
		if err := cmd.Wait(); err != nil {
			slog.Debug("agent process exited", "error", err)
		}
	}()

	slog.Info("agent transport started", "command", t.command, "pid", cmd.Process.Pid)
	return nil
}

// Send serializes v as one JSON line and writes it to the subprocess.
func (t *Transport) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	data = append(data, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return ErrNotStarted
	}
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// SendCommand sends a correlated request and waits for the matching
// response line, the per-request timeout, or ctx cancellation.
func (t *Transport) SendCommand(ctx context.Context, cmdType string, fields map[string]any) (json.RawMessage, error) {
	id := types.NewRequestID()

	body := map[string]any{"id": string(id), "type": cmdType}
	for k, v := range fields {
		body[k] = v
	}

	req := &pendingRequest{ch: make(chan result, 1)}
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil, ErrNotStarted
	}
	t.pending[id] = req
	req.timer = time.AfterFunc(t.timeout, func() {
		t.settle(id, result{err: ErrRequestTimeout})
	})
	t.mu.Unlock()

	if err := t.Send(body); err != nil {
		t.settle(id, result{err: err})
		return nil, err
	}

	select {
	case res := <-req.ch:
		return res.data, res.err
	case <-ctx.Done():
		t.settle(id, result{err: ctx.Err()})
		return nil, ctx.Err()
	}
}

// OnLine registers a handler for non-response agent lines. The returned
// function unsubscribes and is idempotent.
func (t *Transport) OnLine(fn LineHandler) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.handlers[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.handlers, id)
			t.mu.Unlock()
		})
	}
}

// Stop closes stdin, signals the process, rejects all pending requests, and
// clears listeners. Kill errors are swallowed: the process may already be
// gone.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	stdin := t.stdin
	cmd := t.cmd
	pending := t.pending
	t.pending = make(map[types.RequestID]*pendingRequest)
	t.handlers = make(map[int]LineHandler)
	t.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			slog.Debug("signal agent process", "error", err)
		}
	}

	for _, req := range pending {
		if req.timer != nil {
			req.timer.Stop()
		}
		req.ch <- result{err: ErrStopped}
	}
	return nil
}

// settle delivers exactly one outcome for a pending request.
func (t *Transport) settle(id types.RequestID, res result) {
	t.mu.Lock()
	req, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		if req.timer != nil {
			req.timer.Stop()
		}
	}
	t.mu.Unlock()
	if ok {
		req.ch <- res
	}
}

// readLoop splits subprocess output on newlines and dispatches each line.
func (t *Transport) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerBufSize), scannerBufSize)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		t.handleLine(line)
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("agent stdout closed", "error", err)
	}
}

// handleLine parses one line. Unparseable lines are dropped: the protocol is
// line-oriented and self-delimiting, so a corrupt line must not poison the
// stream. Response lines settle their pending request; unmatched response
// ids are ignored. Everything else fans out to line handlers.
func (t *Transport) handleLine(line []byte) {
	var probe struct {
		Type    string          `json:"type"`
		ID      string          `json:"id"`
		Success *bool           `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(line, &probe); err != nil {
		return
	}

	if probe.Type == types.EventResponse {
		res := result{data: probe.Data}
		if probe.Success != nil && !*probe.Success {
			msg := probe.Error
			if msg == "" {
				msg = "request failed"
			}
			res = result{err: fmt.Errorf("agent: %s", msg)}
		}
		t.settle(types.RequestID(probe.ID), res)
		return
	}

	eventType := probe.Type
	if eventType == "" {
		eventType = "unknown"
	}

	t.mu.Lock()
	handlers := make([]LineHandler, 0, len(t.handlers))
	for _, fn := range t.handlers {
		handlers = append(handlers, fn)
	}
	t.mu.Unlock()

	for _, fn := range handlers {
		fn(eventType, line)
	}
}

func (t *Transport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, scannerBufSize), scannerBufSize)
	for scanner.Scan() {
		slog.Debug("agent stderr", "line", scanner.Text())
	}
}

package agentclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HobbyCoders/agentdeck/internal/shared"
)

// maxLineBytes bounds one protocol line. Agent tool results can be large.
const maxLineBytes = 10 * 1024 * 1024

// CLIClient runs the agent CLI as a subprocess speaking stream-JSON on
// stdin/stdout.
type CLIClient struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	msgs      chan Message
	closed    bool
	sessionID atomic.Value // string

	controlSeq atomic.Int64
	wg         sync.WaitGroup
}

// NewCLIClient returns a client for the given options. The returned
// client is idle until Connect.
func NewCLIClient(opts Options, logger *slog.Logger) *CLIClient {
	if opts.Command == "" {
		opts.Command = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIClient{
		opts:   opts,
		logger: logger.With("component", "agentclient"),
		msgs:   make(chan Message, 64),
	}
}

// NewFactory returns a Factory producing CLI clients.
func NewFactory(logger *slog.Logger) Factory {
	return func(opts Options) Client {
		return NewCLIClient(opts, logger)
	}
}

func (c *CLIClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.cmd != nil {
		return fmt.Errorf("agent client already connected")
	}

	args := append([]string(nil), c.opts.Args...)
	args = append(args,
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	)
	if c.opts.PermissionMode != "" {
		args = append(args, "--permission-mode", c.opts.PermissionMode)
	}
	if c.opts.ResumeSessionID != "" {
		args = append(args, "--resume", c.opts.ResumeSessionID)
	}

	cmd := exec.Command(c.opts.Command, args...)
	if c.opts.WorkDir != "" {
		cmd.Dir = c.opts.WorkDir
	}
	cmd.Env = append(os.Environ(), c.opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("agent stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("agent stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent %q: %w", c.opts.Command, err)
	}
	c.cmd = cmd
	c.stdin = stdin

	// The read loops live as long as the subprocess, not the caller's
	// request: a session's stream must keep flowing after the
	// connection that started it goes away. Disconnect ends them.
	ioCtx := context.WithoutCancel(ctx)
	c.wg.Add(2)
	go c.readLoop(ioCtx, stdout)
	go c.drainStderr(ioCtx, stderr)
	return nil
}

func (c *CLIClient) readLoop(ctx context.Context, stdout io.Reader) {
	defer c.wg.Done()
	defer close(c.msgs)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := ParseMessage(line)
		if err != nil {
			c.logger.Warn("dropping unparseable agent line",
				"error", err,
				"trace_id", shared.TraceID(ctx))
			continue
		}
		if msg.SessionID != "" {
			c.sessionID.Store(msg.SessionID)
		}
		select {
		case c.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		c.logger.Warn("agent stdout read ended",
			"error", err,
			"trace_id", shared.TraceID(ctx))
	}
}

func (c *CLIClient) drainStderr(ctx context.Context, stderr io.Reader) {
	defer c.wg.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		c.logger.Debug("agent stderr",
			"line", shared.Redact(scanner.Text()),
			"trace_id", shared.TraceID(ctx))
	}
}

func (c *CLIClient) Query(ctx context.Context, prompt string) error {
	payload := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": prompt},
			},
		},
	}
	return c.writeLine(payload)
}

func (c *CLIClient) Interrupt(ctx context.Context) error {
	seq := c.controlSeq.Add(1)
	payload := map[string]any{
		"type":       "control_request",
		"request_id": fmt.Sprintf("interrupt-%d", seq),
		"request":    map[string]any{"subtype": "interrupt"},
	}
	return c.writeLine(payload)
}

func (c *CLIClient) writeLine(payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.stdin == nil {
		return ErrClosed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode agent message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

func (c *CLIClient) Receive() <-chan Message {
	return c.msgs
}

func (c *CLIClient) SessionID() string {
	if v, ok := c.sessionID.Load().(string); ok {
		return v
	}
	return ""
}

func (c *CLIClient) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stdin := c.stdin
	cmd := c.cmd
	c.mu.Unlock()

	// Closing stdin tells the agent to finish and exit.
	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		done := make(chan struct{})
		go func() {
			_ = cmd.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = cmd.Process.Kill()
			<-done
		}
	}
	c.wg.Wait()
	return nil
}

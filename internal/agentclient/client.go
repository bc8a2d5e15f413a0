// Package agentclient talks to an external AI coding agent over its
// streaming CLI protocol. One Client holds one live subprocess; callers
// serialize queries themselves.
package agentclient

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a disconnected client.
var ErrClosed = errors.New("agent client closed")

// Options configure a single agent connection.
type Options struct {
	// Command is the agent CLI binary, e.g. "claude".
	Command string
	// Args are extra CLI arguments prepended before the protocol flags.
	Args []string
	// WorkDir is the directory the agent operates in.
	WorkDir string
	// ResumeSessionID resumes an existing agent-side conversation.
	ResumeSessionID string
	// PermissionMode is passed through to the agent, e.g. "acceptEdits".
	PermissionMode string
	// Env is appended to the subprocess environment.
	Env []string
}

// Client is one live connection to the agent.
//
// The protocol is strictly turn-based: Query sends one prompt, then
// Receive yields messages until a Result message arrives. Interrupt
// aborts the in-flight turn; the agent still emits a Result for it.
type Client interface {
	// Connect starts the agent process. It must be called once before
	// any other method.
	Connect(ctx context.Context) error
	// Query submits a prompt for the current turn.
	Query(ctx context.Context, prompt string) error
	// Receive returns the channel of messages from the agent. The
	// channel is closed when the process exits or Disconnect is called.
	Receive() <-chan Message
	// Interrupt asks the agent to abort the in-flight turn.
	Interrupt(ctx context.Context) error
	// Disconnect stops the process and releases resources. Safe to call
	// more than once.
	Disconnect() error
	// SessionID reports the agent-side session id once the agent has
	// announced it, or "" before that.
	SessionID() string
}

// Factory creates clients. The scheduler and orchestrator hold a Factory
// so tests can substitute a scripted agent.
type Factory func(opts Options) Client

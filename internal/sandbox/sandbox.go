// Package sandbox defines an isolated-execution backend for the bash tool,
// generalizing the teacher's IPython-cell sandbox (one Docker container per
// session, lazily started, running an arbitrary payload inside it) from
// "run a Python cell" to "run a shell command". pkg/tools.BashTool itself
// always executes locally via os/exec (spec.md §5/§7's cooperative-cancel
// model assumes a real child process); Manager is the opt-in, container-
// isolated alternative cmd/forge can wire a bash tool to instead, one
// container per session, keyed by session ID.
package sandbox

import "context"

// Result is the outcome of a single command run inside a sandbox,
// mirroring the teacher's sandbox.Result split-output shape.
type Result struct {
	// Output is the combined stdout and stderr.
	Output string `json:"output,omitempty"`
	// Stdout is standard output, when the backend can split it.
	Stdout string `json:"stdout,omitempty"`
	// Stderr is standard error, when the backend can split it.
	Stderr string `json:"stderr,omitempty"`
	// ExitCode is the command's exit status.
	ExitCode int `json:"exitCode"`
}

// Manager runs shell commands inside per-session isolated containers,
// lazily creating and starting one the first time a session needs it.
type Manager interface {
	// Run executes command inside sessionID's container, starting the
	// container first if it isn't already running.
	Run(ctx context.Context, sessionID string, command string) (*Result, error)

	// Stop removes sessionID's container, if any.
	Stop(ctx context.Context, sessionID string) error

	// Close releases resources held by the manager (e.g. the Docker client).
	Close() error
}

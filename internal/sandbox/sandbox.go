// Package sandbox provisions isolated, dependency-resolved execution
// environments for missions. Mission code never runs on the host
// environment directly — every run gets a private work directory, a
// sanitized environment, and a process group that is killed as a unit on
// timeout.
package sandbox

import (
	"context"
	"time"

	"github.com/okutu/kazi/internal/mission"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty missions.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultInterpreter    = "python3"
	defaultInstallTimeout = 5 * time.Minute
)

// Executor runs missions in isolated environments.
type Executor interface {
	// Execute runs the mission and always returns a Result. Mission-level
	// failures (dependency, timeout, non-zero exit) are encoded in the
	// Result, never raised as errors past this boundary.
	Execute(ctx context.Context, m *mission.Mission) *mission.Result
}

// Config configures the process-based executor.
type Config struct {
	// Interpreter runs mission code (default "python3"). Shell-form
	// payloads always run through /bin/sh regardless.
	Interpreter string

	// Root is the directory under which environments are created.
	// Empty = system temp dir.
	Root string

	// InstallTimeout bounds dependency resolution, separately from the
	// mission's own execution budget. Zero = 5 minutes.
	InstallTimeout time.Duration

	// Env adds extra environment variables on top of the sanitized base set.
	Env map[string]string
}

// EndpointProvider supplies the control-plane endpoint for missions that
// attach to the shared interactive session. The browser session manager
// satisfies this; it returns ("", false) when no session is live.
type EndpointProvider func() (string, bool)

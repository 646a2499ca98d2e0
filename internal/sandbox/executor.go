package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/okutu/kazi/internal/mission"
)

// ProcessExecutor runs missions as isolated OS processes.
//
// Guarantees per execution:
//   - A fresh environment is provisioned unless a persistent one with the
//     same dependency fingerprint is available for exclusive checkout
//   - All requirements install before the code runs; any resolution failure
//     aborts the mission with a dependency failure, code never partially runs
//   - The process runs in its own group (Setpgid) and the whole group is
//     SIGKILLed when the mission's wall-clock budget expires
//   - No environment inheritance from the parent — only a minimal safe set
//   - stdout/stderr capped to prevent OOM, partial output survives timeouts
//   - Non-keep-alive environments are torn down unconditionally, including
//     on failure
type ProcessExecutor struct {
	config   Config
	pool     *envPool
	endpoint EndpointProvider // nil = no interactive session available.
	logger   *slog.Logger
}

// NewProcessExecutor creates a process-based executor.
func NewProcessExecutor(cfg Config, logger *slog.Logger) *ProcessExecutor {
	if cfg.Interpreter == "" {
		cfg.Interpreter = defaultInterpreter
	}
	if cfg.InstallTimeout == 0 {
		cfg.InstallTimeout = defaultInstallTimeout
	}
	return &ProcessExecutor{
		config: cfg,
		pool:   newEnvPool(),
		logger: logger,
	}
}

// WithEndpointProvider wires the interactive session's control endpoint
// into missions that declare browser interaction.
func (e *ProcessExecutor) WithEndpointProvider(p EndpointProvider) *ProcessExecutor {
	e.endpoint = p
	return e
}

// Execute runs a mission in an isolated environment.
func (e *ProcessExecutor) Execute(ctx context.Context, m *mission.Mission) *mission.Result {
	if err := m.Validate(); err != nil {
		return mission.Failed(m.ID, mission.FailureInternal, err.Error())
	}

	env, reused, provErr := e.acquireEnv(ctx, m)
	if provErr != nil {
		res := mission.Failed(m.ID, mission.FailureDependency, provErr.Error())
		res.ExecutionTime = 0
		return res
	}

	// Keep-alive environments go back to the pool for the next mission with
	// the same fingerprint; everything else is removed, success or not.
	defer func() {
		if m.KeepAlive {
			e.pool.Return(env)
			return
		}
		env.remove(e.logger)
	}()

	scriptPath, argv, err := e.writeScript(env, m)
	if err != nil {
		return mission.Failed(m.ID, mission.FailureInternal, err.Error())
	}

	runCtx, cancel := context.WithTimeout(ctx, m.Timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = env.dir

	// Process group isolation — the mission and anything it spawns die together.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	cmd.Env = e.buildEnv(env, m)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	e.logger.Info("sandbox executing mission",
		slog.String("mission_id", m.ID),
		slog.String("env", env.dir),
		slog.Bool("env_reused", reused),
		slog.Int("requirements", len(m.Requirements)),
		slog.Duration("timeout", m.Timeout()),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	result := &mission.Result{
		MissionID:     m.ID,
		Stdout:        stdoutBuf.String(),
		Stderr:        stderrBuf.String(),
		ExecutionTime: duration.Seconds(),
		Metadata: map[string]string{
			"env_path":    env.dir,
			"script_path": scriptPath,
			"persistent":  fmt.Sprintf("%t", m.KeepAlive),
		},
	}

	switch {
	case runErr != nil && runCtx.Err() != nil:
		// Budget expired: group killed, partial output preserved.
		result.ExitCode = -1
		result.Err = &mission.Failure{
			Kind:    mission.FailureTimeout,
			Message: fmt.Sprintf("execution exceeded %s budget", m.Timeout()),
		}
		e.logger.Warn("mission timed out",
			slog.String("mission_id", m.ID),
			slog.Duration("duration", duration),
		)
	case runErr != nil:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			result.Err = &mission.Failure{
				Kind:    mission.FailureExit,
				Message: fmt.Sprintf("exit code %d", result.ExitCode),
			}
		} else {
			result.ExitCode = -1
			result.Err = &mission.Failure{
				Kind:    mission.FailureInternal,
				Message: runErr.Error(),
			}
		}
	default:
		result.ExitCode = 0
		result.Success = true
	}

	e.logger.Info("mission execution completed",
		slog.String("mission_id", m.ID),
		slog.Bool("success", result.Success),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", duration),
	)

	return result
}

// acquireEnv returns an exclusive environment for the mission: a cached
// persistent one when the dependency fingerprint matches, otherwise a
// freshly provisioned one with all requirements installed.
func (e *ProcessExecutor) acquireEnv(ctx context.Context, m *mission.Mission) (*environment, bool, error) {
	// The empty requirements set has a fingerprint too; a keep-alive mission
	// without dependencies must reuse its environment rather than pool a
	// fresh directory on every run.
	if m.KeepAlive {
		if env, ok := e.pool.Checkout(m.Fingerprint()); ok {
			return env, true, nil
		}
	}

	root := e.config.Root
	if root == "" {
		root = os.TempDir()
	}
	dir, err := os.MkdirTemp(root, "kazi-env-*")
	if err != nil {
		return nil, false, fmt.Errorf("creating environment dir: %w", err)
	}
	env := &environment{dir: dir, fingerprint: m.Fingerprint()}

	if len(m.Requirements) > 0 {
		if err := e.provision(ctx, env, m); err != nil {
			// Failed provisioning is never cached, keep_alive or not.
			env.remove(e.logger)
			return nil, false, err
		}
		env.hasVenv = true
	}

	return env, false, nil
}

// provision creates a virtualenv in the environment and installs every
// requirement. Any failure aborts before mission code runs.
func (e *ProcessExecutor) provision(ctx context.Context, env *environment, m *mission.Mission) error {
	installCtx, cancel := context.WithTimeout(ctx, e.config.InstallTimeout)
	defer cancel()

	venvDir := filepath.Join(env.dir, "venv")
	if out, err := e.runTool(installCtx, env.dir, e.config.Interpreter, "-m", "venv", venvDir); err != nil {
		return fmt.Errorf("creating virtualenv: %v: %s", err, out)
	}

	pip := filepath.Join(venvDir, "bin", "pip")
	args := append([]string{"install", "--no-input", "--disable-pip-version-check", "--"}, m.Requirements...)
	if out, err := e.runTool(installCtx, env.dir, pip, args...); err != nil {
		return fmt.Errorf("installing requirements %v: %v: %s", m.Requirements, err, out)
	}

	e.logger.Debug("environment provisioned",
		slog.String("env", env.dir),
		slog.Int("requirements", len(m.Requirements)),
	)
	return nil
}

// runTool runs a provisioning command with capped combined output.
func (e *ProcessExecutor) runTool(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + dir,
	}
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: maxOutputBytes}
	cmd.Stdout = lw
	cmd.Stderr = lw
	err := cmd.Run()
	return buf.String(), err
}

// writeScript materializes the mission code and returns the argv to run it.
// Shell-form payloads run through /bin/sh; everything else runs through the
// environment's interpreter (the venv one when requirements were installed).
func (e *ProcessExecutor) writeScript(env *environment, m *mission.Mission) (string, []string, error) {
	if m.Metadata["payload_form"] == "shell" {
		path := filepath.Join(env.dir, "mission.sh")
		if err := os.WriteFile(path, []byte(m.Code), 0o700); err != nil {
			return "", nil, fmt.Errorf("writing mission script: %w", err)
		}
		return path, []string{"/bin/sh", path}, nil
	}

	path := filepath.Join(env.dir, "mission.py")
	if err := os.WriteFile(path, []byte(m.Code), 0o600); err != nil {
		return "", nil, fmt.Errorf("writing mission script: %w", err)
	}

	interpreter := e.config.Interpreter
	if env.hasVenv {
		interpreter = filepath.Join(env.dir, "venv", "bin", "python")
	}
	return path, []string{interpreter, path}, nil
}

// buildEnv constructs a minimal, safe environment. The parent process's
// environment is never inherited — credentials must not leak into missions.
func (e *ProcessExecutor) buildEnv(env *environment, m *mission.Mission) []string {
	vars := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + env.dir,
		"TMPDIR=" + env.dir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"KAZI_MISSION_ID=" + m.ID,
	}
	for k, v := range e.config.Env {
		vars = append(vars, k+"="+v)
	}
	for k, v := range m.Metadata {
		if k == "payload_form" {
			continue
		}
		vars = append(vars, "KAZI_META_"+k+"="+v)
	}
	if m.BrowserInteraction && e.endpoint != nil {
		if url, ok := e.endpoint(); ok {
			vars = append(vars, "KAZI_CDP_ENDPOINT="+url)
		}
	}
	return vars
}

// Close tears down all cached persistent environments.
func (e *ProcessExecutor) Close() {
	e.pool.Close(e.logger)
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error — just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}

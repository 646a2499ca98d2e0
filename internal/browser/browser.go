// Package browser owns the single long-lived interactive automation
// session. It launches a Chromium-family browser against a persistent
// profile and exposes its DevTools (CDP) endpoint so sandboxed missions can
// attach to shared cookies and login state instead of launching their own
// browser. The manager never executes mission code itself.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
)

var (
	// ErrAlreadyRunning means Start was called while a session is live.
	// The single session is a shared resource with one owner at a time.
	ErrAlreadyRunning = errors.New("browser session already running")

	// ErrNotRunning means an operation that needs a live session was
	// called without one.
	ErrNotRunning = errors.New("no browser session running")

	// ErrLaunch wraps underlying launch failures.
	ErrLaunch = errors.New("browser launch failed")
)

const (
	launchTimeout   = 30 * time.Second
	launchPollEvery = 250 * time.Millisecond
)

// Config configures the session manager.
type Config struct {
	// Binary is the browser executable. Empty = first of chromium,
	// chromium-browser, google-chrome found on PATH.
	Binary string

	// ProfileDir is the persistent profile location. Required; state in it
	// survives across sessions and missions.
	ProfileDir string

	// Headless launches without a display (default for worker hosts).
	Headless bool

	// RecorderCommand produces a replayable script from user interaction.
	// Placeholders: {endpoint} (CDP URL), {output} (script path); the live
	// endpoint is also exported to the recorder process as
	// KAZI_CDP_ENDPOINT for commands that attach via environment.
	// Empty = ["npx", "playwright", "codegen", "--output", "{output}"] —
	// codegen has no flag to attach to an existing CDP session, so the
	// stock command records through its own browser instance; supply a
	// custom command to capture against the shared session directly.
	RecorderCommand []string
}

// Status is the externally visible session state.
type Status struct {
	IsRunning   bool   `json:"is_running"`
	EndpointURL string `json:"endpoint_url,omitempty"`
	ProfileDir  string `json:"profile_dir,omitempty"`
	Kind        string `json:"browser_kind,omitempty"`
}

// Manager owns at most one live session per process.
type Manager struct {
	config Config
	logger *slog.Logger

	// launch starts the browser process and resolves its control endpoint.
	// Swappable so session-state behavior is testable without a browser.
	launch func(ctx context.Context, port int) (*exec.Cmd, string, error)

	mu       sync.Mutex
	cmd      *exec.Cmd
	port     int
	endpoint string // WebSocket debugger URL; empty when stopped.
	kind     string
}

// NewManager creates a session manager. No session is started.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	m := &Manager{config: cfg, logger: logger}
	m.launch = m.launchAndDiscover
	return m
}

// Start launches the session on the given debugging port and returns the
// control-plane endpoint URL. Fails with ErrAlreadyRunning when a session
// is live and ErrLaunch on any underlying failure.
func (m *Manager) Start(ctx context.Context, port int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd != nil {
		return "", ErrAlreadyRunning
	}

	cmd, endpoint, err := m.launch(ctx, port)
	if err != nil {
		return "", err
	}

	m.cmd = cmd
	m.port = port
	m.endpoint = endpoint
	m.kind = cmd.Path

	m.logger.Info("browser session started",
		slog.Int("port", port),
		slog.String("endpoint", endpoint),
		slog.String("profile", m.config.ProfileDir),
	)

	return endpoint, nil
}

// launchAndDiscover resolves the binary, starts it against the persistent
// profile and waits for the DevTools endpoint. A process whose endpoint
// never comes up is killed before the error is returned.
func (m *Manager) launchAndDiscover(ctx context.Context, port int) (*exec.Cmd, string, error) {
	binary, err := m.resolveBinary()
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	if err := os.MkdirAll(m.config.ProfileDir, 0o750); err != nil {
		return nil, "", fmt.Errorf("%w: creating profile dir: %v", ErrLaunch, err)
	}

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--user-data-dir=" + m.config.ProfileDir,
		"--no-first-run",
		"--no-default-browser-check",
	}
	if m.config.Headless {
		args = append(args, "--headless=new")
	}

	cmd := exec.Command(binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	endpoint, err := m.discoverEndpoint(ctx, port)
	if err != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		_ = cmd.Wait()
		return nil, "", fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	return cmd, endpoint, nil
}

// Stop tears down the session. Idempotent: stopping a stopped manager is a
// no-op and does not error.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd == nil {
		return nil
	}

	if m.cmd.Process != nil {
		// Negative PID = the whole browser process tree.
		_ = syscall.Kill(-m.cmd.Process.Pid, syscall.SIGTERM)
	}
	done := make(chan struct{})
	go func(c *exec.Cmd) {
		_ = c.Wait()
		close(done)
	}(m.cmd)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		if m.cmd.Process != nil {
			_ = syscall.Kill(-m.cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
	}

	m.logger.Info("browser session stopped", slog.Int("port", m.port))

	m.cmd = nil
	m.port = 0
	m.endpoint = ""
	m.kind = ""
	return nil
}

// Status reports the current session state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd == nil {
		return Status{IsRunning: false}
	}
	return Status{
		IsRunning:   true,
		EndpointURL: m.endpoint,
		ProfileDir:  m.config.ProfileDir,
		Kind:        m.kind,
	}
}

// Endpoint returns the live control endpoint. Satisfies the sandbox's
// EndpointProvider contract.
func (m *Manager) Endpoint() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.endpoint == "" {
		return "", false
	}
	return m.endpoint, true
}

// Record captures user interaction against the live session and writes a
// replayable script to outputPath. Blocks until the recorder exits or ctx
// is canceled. Requires a live session.
func (m *Manager) Record(ctx context.Context, outputPath string) (string, error) {
	m.mu.Lock()
	endpoint := m.endpoint
	m.mu.Unlock()

	if endpoint == "" {
		return "", ErrNotRunning
	}

	argv := m.config.RecorderCommand
	if len(argv) == 0 {
		argv = []string{"npx", "playwright", "codegen", "--output", "{output}"}
	}
	expanded := make([]string, len(argv))
	for i, a := range argv {
		a = strings.ReplaceAll(a, "{endpoint}", endpoint)
		a = strings.ReplaceAll(a, "{output}", outputPath)
		expanded[i] = a
	}

	m.logger.Info("recording session", slog.String("output", outputPath))

	cmd := exec.CommandContext(ctx, expanded[0], expanded[1:]...)
	// Recorders that attach via environment get the live endpoint even when
	// the command template carries no {endpoint} placeholder.
	cmd.Env = append(os.Environ(), "KAZI_CDP_ENDPOINT="+endpoint)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("recorder failed: %v: %s", err, out)
	}

	return outputPath, nil
}

// discoverEndpoint polls the DevTools version endpoint until the browser
// reports its WebSocket debugger URL, then verifies the URL with a dial.
func (m *Manager) discoverEndpoint(ctx context.Context, port int) (string, error) {
	versionURL := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)

	ctx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()

	ticker := time.NewTicker(launchPollEvery)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return "", fmt.Errorf("waiting for devtools endpoint: %w", lastErr)
		case <-ticker.C:
			endpoint, err := fetchDebuggerURL(ctx, versionURL)
			if err != nil {
				lastErr = err
				continue
			}
			if err := verifyEndpoint(ctx, endpoint); err != nil {
				lastErr = err
				continue
			}
			return endpoint, nil
		}
	}
}

func fetchDebuggerURL(ctx context.Context, versionURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, versionURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", err
	}

	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.Unmarshal(body, &version); err != nil {
		return "", fmt.Errorf("parsing devtools version response: %w", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return "", errors.New("devtools endpoint not ready")
	}
	return version.WebSocketDebuggerURL, nil
}

// verifyEndpoint dials the debugger WebSocket once to confirm the control
// plane actually accepts connections before the URL is handed to missions.
func verifyEndpoint(ctx context.Context, endpoint string) error {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dialing devtools websocket: %w", err)
	}
	return conn.Close(websocket.StatusNormalClosure, "probe")
}

func (m *Manager) resolveBinary() (string, error) {
	if m.config.Binary != "" {
		return exec.LookPath(m.config.Binary)
	}
	for _, candidate := range []string{"chromium", "chromium-browser", "google-chrome"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", errors.New("no chromium-family browser found on PATH")
}

package sandbox

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/okutu/kazi/internal/mission"
)

func testExecutor(t *testing.T) *ProcessExecutor {
	t.Helper()
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available, skipping sandbox tests")
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProcessExecutor(Config{Root: t.TempDir()}, logger)
}

func shellMission(code string, timeoutSeconds int) *mission.Mission {
	m := mission.New(code, timeoutSeconds)
	m.Metadata = map[string]string{"payload_form": "shell"}
	return m
}

// --- Execution outcomes ---

func TestExecute_ShellSuccess(t *testing.T) {
	e := testExecutor(t)

	result := e.Execute(context.Background(), shellMission("echo hello", 30))
	if !result.Success {
		t.Fatalf("result = %+v, want success", result)
	}
	if result.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", result.ExitCode)
	}
	if !strings.Contains(result.Stdout, "hello") {
		t.Errorf("stdout = %q, want to contain hello", result.Stdout)
	}
	if result.ExecutionTime < 0 {
		t.Errorf("execution time = %f, want >= 0", result.ExecutionTime)
	}
}

func TestExecute_NonzeroExit(t *testing.T) {
	e := testExecutor(t)

	result := e.Execute(context.Background(), shellMission("echo oops >&2; exit 3", 30))
	if result.Success {
		t.Fatal("expected failure for nonzero exit")
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
	if result.Err == nil || result.Err.Kind != mission.FailureExit {
		t.Errorf("error = %+v, want %s", result.Err, mission.FailureExit)
	}
	if !strings.Contains(result.Stderr, "oops") {
		t.Errorf("stderr = %q, want to contain oops", result.Stderr)
	}
}

func TestExecute_TimeoutKillsProcess(t *testing.T) {
	e := testExecutor(t)

	start := time.Now()
	result := e.Execute(context.Background(), shellMission("echo partial; sleep 30", 1))
	elapsed := time.Since(start)

	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if result.Err == nil || result.Err.Kind != mission.FailureTimeout {
		t.Fatalf("error = %+v, want %s", result.Err, mission.FailureTimeout)
	}
	if elapsed > 10*time.Second {
		t.Errorf("kill took %s, process group was not terminated promptly", elapsed)
	}
	// Output produced before the budget expired survives.
	if !strings.Contains(result.Stdout, "partial") {
		t.Errorf("stdout = %q, partial output lost on timeout", result.Stdout)
	}
}

func TestExecute_InvalidMission(t *testing.T) {
	e := testExecutor(t)

	m := shellMission("", 30)
	result := e.Execute(context.Background(), m)
	if result.Success {
		t.Fatal("expected failure for invalid mission")
	}
	if result.Err == nil || result.Err.Kind != mission.FailureInternal {
		t.Errorf("error = %+v, want %s", result.Err, mission.FailureInternal)
	}
}

// --- Environment construction ---

func TestExecute_EnvInjection(t *testing.T) {
	e := testExecutor(t)

	m := shellMission(`echo "id=$KAZI_MISSION_ID meta=$KAZI_META_device"`, 30)
	m.Metadata["device"] = "dev-42"

	result := e.Execute(context.Background(), m)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if !strings.Contains(result.Stdout, "id="+m.ID) {
		t.Errorf("stdout = %q, mission id not injected", result.Stdout)
	}
	if !strings.Contains(result.Stdout, "meta=dev-42") {
		t.Errorf("stdout = %q, metadata not injected", result.Stdout)
	}
}

func TestExecute_ParentEnvNotInherited(t *testing.T) {
	e := testExecutor(t)
	t.Setenv("KAZI_TEST_SECRET", "leaked")

	result := e.Execute(context.Background(), shellMission(`echo "secret=[$KAZI_TEST_SECRET]"`, 30))
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if !strings.Contains(result.Stdout, "secret=[]") {
		t.Errorf("stdout = %q, parent environment leaked into mission", result.Stdout)
	}
}

func TestExecute_CDPEndpointInjectedWhenRequested(t *testing.T) {
	e := testExecutor(t).WithEndpointProvider(func() (string, bool) {
		return "ws://127.0.0.1:9222/devtools/browser/abc", true
	})

	m := shellMission(`echo "cdp=$KAZI_CDP_ENDPOINT"`, 30)
	m.BrowserInteraction = true
	result := e.Execute(context.Background(), m)
	if !strings.Contains(result.Stdout, "cdp=ws://127.0.0.1:9222") {
		t.Errorf("stdout = %q, endpoint not injected", result.Stdout)
	}

	// Without the flag the endpoint must not be exposed.
	m2 := shellMission(`echo "cdp=[$KAZI_CDP_ENDPOINT]"`, 30)
	result = e.Execute(context.Background(), m2)
	if !strings.Contains(result.Stdout, "cdp=[]") {
		t.Errorf("stdout = %q, endpoint leaked without browser_interaction", result.Stdout)
	}
}

func TestExecute_EnvRemovedAfterRun(t *testing.T) {
	e := testExecutor(t)

	result := e.Execute(context.Background(), shellMission("pwd", 30))
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	envDir := result.Metadata["env_path"]
	if envDir == "" {
		t.Fatal("result missing env_path metadata")
	}
	if _, err := os.Stat(envDir); !os.IsNotExist(err) {
		t.Errorf("environment %s not removed after run", envDir)
	}
}

// --- Output capping ---

func TestLimitedWriter_Caps(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitedWriter{w: &buf, remaining: 5}

	n, err := lw.Write([]byte("abcdefgh"))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("first write n = %d, want 5", n)
	}
	// Further writes report success but discard.
	n, err = lw.Write([]byte("more"))
	if err != nil || n != 4 {
		t.Errorf("discard write = (%d, %v), want (4, nil)", n, err)
	}
	if buf.String() != "abcde" {
		t.Errorf("buffer = %q, want abcde", buf.String())
	}
}

// --- Keep-alive pool ---

func TestEnvPool_CheckoutIsExclusive(t *testing.T) {
	p := newEnvPool()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, ok := p.Checkout("fp1"); ok {
		t.Fatal("empty pool returned an environment")
	}

	env := &environment{dir: t.TempDir(), fingerprint: "fp1"}
	p.Return(env)
	if p.Size() != 1 {
		t.Fatalf("size = %d, want 1", p.Size())
	}

	got, ok := p.Checkout("fp1")
	if !ok || got != env {
		t.Fatalf("checkout = (%v, %v), want the returned env", got, ok)
	}
	// Checked out means gone from the idle set.
	if _, ok := p.Checkout("fp1"); ok {
		t.Fatal("same environment handed out twice")
	}

	p.Return(env)
	p.Close(logger)
	if p.Size() != 0 {
		t.Errorf("size after close = %d, want 0", p.Size())
	}
	if _, err := os.Stat(env.dir); !os.IsNotExist(err) {
		t.Errorf("close did not remove %s", env.dir)
	}
}

func TestExecute_KeepAliveWithoutRequirementsReusesEnv(t *testing.T) {
	e := testExecutor(t)

	m := shellMission("echo keep", 30)
	m.KeepAlive = true

	first := e.Execute(context.Background(), m)
	if !first.Success {
		t.Fatalf("first run = %+v", first)
	}
	second := e.Execute(context.Background(), m)
	if !second.Success {
		t.Fatalf("second run = %+v", second)
	}

	if first.Metadata["env_path"] != second.Metadata["env_path"] {
		t.Errorf("env not reused: %q then %q",
			first.Metadata["env_path"], second.Metadata["env_path"])
	}
	// One cached environment total — not one per run.
	if got := e.pool.Size(); got != 1 {
		t.Errorf("pool size = %d, want 1", got)
	}
}

func TestEnvPool_FingerprintsIsolated(t *testing.T) {
	p := newEnvPool()
	p.Return(&environment{dir: "/tmp/a", fingerprint: "fp1"})

	if _, ok := p.Checkout("fp2"); ok {
		t.Fatal("checkout crossed fingerprints")
	}
	if _, ok := p.Checkout("fp1"); !ok {
		t.Fatal("matching fingerprint not found")
	}
}

// Package mission defines the unit of remotely executable work and its
// execution outcome. Missions are produced by the gateway (or the MCP
// surface), carried through the task queue as JSON payloads, and consumed
// by workers that hand them to the sandbox executor.
package mission

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FailureKind classifies a mission-level failure. Mission failures are data
// carried in the Result, never Go errors thrown past the executor boundary.
type FailureKind string

const (
	// FailureDependency means provisioning or dependency installation failed.
	// The mission code was never run.
	FailureDependency FailureKind = "dependency_error"

	// FailureTimeout means execution exceeded the mission's wall-clock budget
	// and the process group was killed. Partial output is preserved.
	FailureTimeout FailureKind = "timeout_error"

	// FailureExit means the mission code ran to completion with a non-zero
	// exit code.
	FailureExit FailureKind = "nonzero_exit"

	// FailureInternal covers executor-side faults (work dir creation,
	// script write) that prevented the mission from running.
	FailureInternal FailureKind = "internal_error"
)

// Failure is the structured failure reason attached to an unsuccessful Result.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Mission is a unit of executable work dispatched to a worker.
type Mission struct {
	// ID is immutable once created. Re-submitting the same ID is a new
	// attempt, not a duplicate no-op.
	ID string `json:"mission_id"`

	// Code is the source text to execute.
	Code string `json:"code"`

	// Requirements is the ordered list of dependency identifiers installed
	// into the execution environment before Code runs.
	Requirements []string `json:"requirements,omitempty"`

	// BrowserInteraction marks missions that attach to the shared
	// interactive session's control endpoint.
	BrowserInteraction bool `json:"browser_interaction,omitempty"`

	// KeepAlive retains the execution environment after the run, indexed by
	// dependency fingerprint for reuse.
	KeepAlive bool `json:"keep_alive,omitempty"`

	// TargetDeviceID is an optional routing hint for heterogeneous pools.
	TargetDeviceID string `json:"target_device_id,omitempty"`

	// TimeoutSeconds is the hard wall-clock budget. Required, positive.
	TimeoutSeconds int `json:"timeout"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// New creates a Mission with a generated ID and the given timeout.
func New(code string, timeoutSeconds int) *Mission {
	return &Mission{
		ID:             uuid.New().String(),
		Code:           code,
		TimeoutSeconds: timeoutSeconds,
	}
}

// Validate checks the invariants a mission must satisfy before dispatch.
func (m *Mission) Validate() error {
	if m.ID == "" {
		return errors.New("mission_id is required")
	}
	if m.Code == "" {
		return errors.New("code is required")
	}
	if m.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", m.TimeoutSeconds)
	}
	for _, r := range m.Requirements {
		if strings.TrimSpace(r) == "" {
			return errors.New("requirements must not contain empty entries")
		}
	}
	return nil
}

// Timeout returns the wall-clock budget as a duration.
func (m *Mission) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// Fingerprint identifies the dependency set of this mission. Environments
// kept alive for reuse are indexed by this value; two missions with an
// identical ordered requirements list share a fingerprint.
func (m *Mission) Fingerprint() string {
	h := sha256.New()
	for _, r := range m.Requirements {
		h.Write([]byte(r))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Result is the outcome of one mission execution.
//
// Invariant: Success is true iff ExitCode == 0 and no timeout or
// provisioning error occurred. Stdout and Stderr are always present
// (possibly empty), never absent.
type Result struct {
	MissionID     string            `json:"mission_id"`
	Success       bool              `json:"success"`
	Stdout        string            `json:"stdout"`
	Stderr        string            `json:"stderr"`
	ExitCode      int               `json:"exit_code"`
	ExecutionTime float64           `json:"execution_time"` // Seconds, >= 0.
	Err           *Failure          `json:"error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Failed builds an unsuccessful Result with the given failure reason.
func Failed(missionID string, kind FailureKind, msg string) *Result {
	return &Result{
		MissionID: missionID,
		Success:   false,
		ExitCode:  -1,
		Err:       &Failure{Kind: kind, Message: msg},
		Metadata:  map[string]string{},
	}
}

// Package healing implements the retry/escalation state machine that wraps
// failing units of work. Every attempt is persisted as an immutable
// ThoughtLog entry; three consecutive failures for one mission flip the
// human-escalation latch and stop automatic retries for good.
package healing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// StrikeLimit is the fixed count of consecutive failures after which
// automatic retries stop and a human is pulled in.
const StrikeLimit = 3

// Visibility controls which channel an entry may be surfaced through.
// It is advisory metadata consumed at the presentation boundary, not a
// security boundary.
type Visibility string

const (
	// VisibilityUser marks entries eligible for display to an end user.
	VisibilityUser Visibility = "user_interaction"

	// VisibilityInternal marks entries carrying full technical detail
	// (stack traces, raw diagnostics). Never surfaced through user-facing
	// channels.
	VisibilityInternal Visibility = "internal_monologue"
)

// ErrEscalated is returned when an automatic attempt is recorded against a
// mission that has already reached the strike limit. Resuming requires an
// external actor or a new mission id.
var ErrEscalated = errors.New("mission escalated: human action required")

// Entry is one immutable attempt record. Entries are append-only; for a
// given mission id, RetryCount increases by exactly one with each failed
// attempt.
type Entry struct {
	ID                 uuid.UUID
	MissionID          string // Groups attempts belonging to one healing effort.
	SessionID          string // Groups entries within one reasoning session.
	Visibility         Visibility
	ThoughtProcess     string
	ProblemDescription string
	SolutionAttempt    string
	Success            bool
	ErrorMessage       string
	RetryCount         int // 0-based, monotonically increasing per mission.
	RequiresHuman      bool
	EscalationReason   string
	ContextData        map[string]any // Structured diagnostic payload.
	CreatedAt          time.Time
}

// Attempt is the caller-supplied portion of an entry. The healer computes
// RetryCount and the escalation fields.
type Attempt struct {
	MissionID          string
	SessionID          string
	Visibility         Visibility
	ThoughtProcess     string
	ProblemDescription string
	SolutionAttempt    string
	Success            bool
	ErrorMessage       string
	ContextData        map[string]any
}

// Store is the persistence contract for thought logs. Append must be
// transactional: RetryCount is derived from the count of prior entries for
// the mission inside the same transaction that inserts the new entry, so
// the per-mission ordering stays linearizable under concurrent writers.
type Store interface {
	// Append computes entry.RetryCount from prior history inside a
	// transaction, re-applies the escalation latch against that count, and
	// inserts the entry. Latch and triggering failure land in one write,
	// never two.
	Append(ctx context.Context, e *Entry) error

	// ListByMission returns all entries for a mission in ascending
	// RetryCount order.
	ListByMission(ctx context.Context, missionID string) ([]Entry, error)

	// Latest returns the most recent entry for a mission, or nil.
	Latest(ctx context.Context, missionID string) (*Entry, error)
}

// State is the healing state for one mission, derived purely from its
// ordered attempt history.
type State struct {
	Phase      Phase
	RetryCount int // Number of failed attempts recorded so far.
}

// Phase names the states of the three-strike machine.
type Phase string

const (
	PhaseAttempting Phase = "attempting"
	PhaseResolved   Phase = "resolved"  // Terminal: an attempt succeeded.
	PhaseEscalated  Phase = "escalated" // Terminal: strike limit reached.
)

// Resolve computes the state machine position from ordered history.
// It is a pure function — no mutable counters — which keeps the decision
// race-free under concurrent writers as long as the history itself is
// appended transactionally.
func Resolve(entries []Entry) State {
	failures := 0
	for _, e := range entries {
		if e.Success {
			return State{Phase: PhaseResolved, RetryCount: failures}
		}
		failures++
		if e.RequiresHuman || failures >= StrikeLimit {
			return State{Phase: PhaseEscalated, RetryCount: failures}
		}
	}
	return State{Phase: PhaseAttempting, RetryCount: failures}
}

// NextFailureLatches reports whether a failed attempt appended to the given
// history becomes the final strike. It is the write-side counterpart of
// Resolve: the latch fires only while the machine is still attempting, so a
// history containing a success never escalates on a later failure.
func NextFailureLatches(prior []Entry) bool {
	st := Resolve(prior)
	return st.Phase == PhaseAttempting && st.RetryCount+1 >= StrikeLimit
}

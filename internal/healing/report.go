package healing

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ConsolidatedLog renders the full attempt history for a mission as the
// escalation artifact shown to a human. Entries appear in ascending
// retry_count order; the rendering is deterministic for a given history.
func (h *Healer) ConsolidatedLog(ctx context.Context, missionID string) (string, error) {
	entries, err := h.store.ListByMission(ctx, missionID)
	if err != nil {
		return "", fmt.Errorf("loading history for %s: %w", missionID, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Healing Report: %s\n\n", missionID)

	state := Resolve(entries)
	fmt.Fprintf(&b, "State: %s | Attempts: %d | Strike limit: %d\n\n",
		state.Phase, len(entries), StrikeLimit)

	for _, e := range entries {
		outcome := "FAILED"
		if e.Success {
			outcome = "SUCCEEDED"
		}
		fmt.Fprintf(&b, "## Attempt %d [retry_count=%d] — %s\n\n", e.RetryCount+1, e.RetryCount, outcome)
		fmt.Fprintf(&b, "**Problem**: %s\n\n", e.ProblemDescription)
		if e.ThoughtProcess != "" {
			fmt.Fprintf(&b, "**Reasoning**: %s\n\n", e.ThoughtProcess)
		}
		fmt.Fprintf(&b, "**Attempted fix**: %s\n\n", e.SolutionAttempt)
		if e.ErrorMessage != "" {
			fmt.Fprintf(&b, "**Error**: %s\n\n", e.ErrorMessage)
		}
		if e.RequiresHuman {
			fmt.Fprintf(&b, "**ESCALATED**: %s\n\n", e.EscalationReason)
		}
	}

	if state.Phase == PhaseEscalated {
		b.WriteString("Human action required. Automatic retries are disabled for this mission.\n")
	}

	return b.String(), nil
}

var attemptHeaderRe = regexp.MustCompile(`(?m)^## Attempt \d+ \[retry_count=(\d+)\] — (SUCCEEDED|FAILED)$`)

// AttemptOutcome is one (retry_count, success) pair recovered from a report.
type AttemptOutcome struct {
	RetryCount int
	Success    bool
}

// ParseConsolidatedLog extracts the ordered (retry_count, success) sequence
// from a rendered report. Round-trips with ConsolidatedLog; used by tooling
// that re-ingests escalation artifacts.
func ParseConsolidatedLog(report string) ([]AttemptOutcome, error) {
	matches := attemptHeaderRe.FindAllStringSubmatch(report, -1)
	outcomes := make([]AttemptOutcome, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("malformed retry_count %q: %w", m[1], err)
		}
		outcomes = append(outcomes, AttemptOutcome{
			RetryCount: n,
			Success:    m[2] == "SUCCEEDED",
		})
	}
	return outcomes, nil
}

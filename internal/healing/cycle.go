package healing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/okutu/kazi/internal/mission"
)

const (
	fixTestTimeoutSeconds = 300
	maxProblemBytes       = 16 << 10 // 16 KB of logs per entry is plenty.
)

// FixTester runs a verification mission for a candidate fix. The sandbox
// executor satisfies this.
type FixTester interface {
	Execute(ctx context.Context, m *mission.Mission) *mission.Result
}

// Cycle drives up to StrikeLimit fix attempts for one failing CI run.
// Each attempt: download the failure logs, ask the planner for a fix, test
// it in a sandbox, and persist the outcome as a thought log entry. A passing
// test applies the patch and opens a pull request; three strikes escalate.
type Cycle struct {
	healer  *Healer
	ci      CIClient
	planner FixPlanner
	tester  FixTester
	logger  *slog.Logger
}

// NewCycle wires a healing cycle.
func NewCycle(healer *Healer, ci CIClient, planner FixPlanner, tester FixTester, logger *slog.Logger) *Cycle {
	return &Cycle{healer: healer, ci: ci, planner: planner, tester: tester, logger: logger}
}

// Outcome summarizes one full cycle run.
type Outcome struct {
	State          State
	PullRequestURL string
	Report         string // Consolidated log; populated on escalation.
}

// Run executes the healing loop for the given mission/run pair. It never
// auto-resumes past escalation: a mission already latched returns the
// escalated outcome immediately.
func (c *Cycle) Run(ctx context.Context, missionID, runID string) (*Outcome, error) {
	sessionID := uuid.New().String()

	for {
		history, err := c.healer.History(ctx, missionID)
		if err != nil {
			return nil, err
		}
		state := Resolve(history)
		switch state.Phase {
		case PhaseResolved:
			return &Outcome{State: state}, nil
		case PhaseEscalated:
			report, rerr := c.healer.ConsolidatedLog(ctx, missionID)
			if rerr != nil {
				return nil, rerr
			}
			return &Outcome{State: state, Report: report}, nil
		}

		status, err := c.ci.FetchStatus(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("fetching run status: %w", err)
		}
		if !status.Failed {
			// The run recovered on its own; close out the effort.
			if _, err := c.healer.RecordAttempt(ctx, Attempt{
				MissionID:          missionID,
				SessionID:          sessionID,
				Visibility:         VisibilityUser,
				ProblemDescription: fmt.Sprintf("CI run %s reported healthy", runID),
				SolutionAttempt:    "none required",
				Success:            true,
			}); err != nil {
				return nil, err
			}
			return &Outcome{State: State{Phase: PhaseResolved, RetryCount: state.RetryCount}}, nil
		}

		logs, err := c.ci.DownloadLogs(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("downloading run logs: %w", err)
		}

		fix, err := c.planner.ProposeFix(ctx, Problem{
			MissionID: missionID,
			RunID:     runID,
			Logs:      logs,
			Attempt:   state.RetryCount,
		})
		if err != nil {
			return nil, fmt.Errorf("planning fix: %w", err)
		}

		result := c.tester.Execute(ctx, &mission.Mission{
			ID:             fmt.Sprintf("%s-fix-%d", missionID, state.RetryCount),
			Code:           fix.TestCode,
			Requirements:   fix.Requirements,
			TimeoutSeconds: fixTestTimeoutSeconds,
		})

		errMsg := ""
		if result.Err != nil {
			errMsg = result.Err.Error()
		} else if !result.Success {
			errMsg = result.Stderr
		}

		entry, err := c.healer.RecordAttempt(ctx, Attempt{
			MissionID:          missionID,
			SessionID:          sessionID,
			Visibility:         VisibilityInternal,
			ThoughtProcess:     fix.Reasoning,
			ProblemDescription: truncate(logs, maxProblemBytes),
			SolutionAttempt:    fix.Patch,
			Success:            result.Success,
			ErrorMessage:       errMsg,
			ContextData: map[string]any{
				"run_id":    runID,
				"exit_code": result.ExitCode,
				"stdout":    truncate(result.Stdout, maxProblemBytes),
				"stderr":    truncate(result.Stderr, maxProblemBytes),
			},
		})
		if errors.Is(err, ErrEscalated) {
			report, rerr := c.healer.ConsolidatedLog(ctx, missionID)
			if rerr != nil {
				return nil, rerr
			}
			return &Outcome{State: State{Phase: PhaseEscalated, RetryCount: StrikeLimit}, Report: report}, nil
		}
		if err != nil {
			return nil, err
		}

		if result.Success {
			if err := c.ci.ApplyPatch(ctx, fix.Branch, fix.Patch); err != nil {
				return nil, fmt.Errorf("applying patch: %w", err)
			}
			prURL, err := c.ci.CreatePullRequest(ctx, fix.Branch,
				fmt.Sprintf("fix: automated repair for %s", missionID), fix.Reasoning)
			if err != nil {
				return nil, fmt.Errorf("creating pull request: %w", err)
			}
			c.logger.InfoContext(ctx, "healing cycle resolved",
				slog.String("mission_id", missionID),
				slog.String("pr_url", prURL),
			)
			return &Outcome{
				State:          State{Phase: PhaseResolved, RetryCount: entry.RetryCount},
				PullRequestURL: prURL,
			}, nil
		}

		c.logger.WarnContext(ctx, "fix attempt failed",
			slog.String("mission_id", missionID),
			slog.Int("retry_count", entry.RetryCount),
			slog.Bool("escalated", entry.RequiresHuman),
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}

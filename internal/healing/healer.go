package healing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Healer records attempts against missions and enforces the strike limit.
// It exclusively owns ThoughtLog entries; nothing else writes them.
type Healer struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics // nil = metrics disabled.
	now     func() time.Time
}

// NewHealer creates a Healer over the given store.
func NewHealer(store Store, logger *slog.Logger) *Healer {
	return &Healer{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithMetrics attaches Prometheus counters to the healer.
func (h *Healer) WithMetrics(m *Metrics) *Healer {
	h.metrics = m
	return h
}

// RecordAttempt appends one attempt to the mission's history.
//
// The next retry count is the count of prior entries for the mission,
// computed inside the store's transaction. When a failure lands on the
// final strike, the escalation latch (RequiresHuman + EscalationReason) is
// written on that same entry — there is no window in which three failures
// exist without the latch set.
//
// Returns ErrEscalated if the mission already reached the strike limit;
// escalated missions never auto-resume.
func (h *Healer) RecordAttempt(ctx context.Context, a Attempt) (*Entry, error) {
	if a.MissionID == "" {
		return nil, fmt.Errorf("mission id is required")
	}
	if a.Visibility == "" {
		a.Visibility = VisibilityInternal
	}

	prior, err := h.store.ListByMission(ctx, a.MissionID)
	if err != nil {
		return nil, fmt.Errorf("loading attempt history for %s: %w", a.MissionID, err)
	}
	if Resolve(prior).Phase == PhaseEscalated {
		return nil, ErrEscalated
	}

	e := &Entry{
		ID:                 uuid.New(),
		MissionID:          a.MissionID,
		SessionID:          a.SessionID,
		Visibility:         a.Visibility,
		ThoughtProcess:     a.ThoughtProcess,
		ProblemDescription: a.ProblemDescription,
		SolutionAttempt:    a.SolutionAttempt,
		Success:            a.Success,
		ErrorMessage:       a.ErrorMessage,
		RetryCount:         len(prior), // Provisional; the store recomputes in-transaction.
		ContextData:        a.ContextData,
		CreatedAt:          h.now(),
	}

	// Pre-compute the latch for the common single-writer path; the store
	// recomputes it against the transactional history.
	if !a.Success && NextFailureLatches(prior) {
		e.RequiresHuman = true
		e.EscalationReason = fmt.Sprintf(
			"%d consecutive failed attempts; automatic retries exhausted", StrikeLimit)
	}

	if err := h.store.Append(ctx, e); err != nil {
		return nil, fmt.Errorf("appending thought log for %s: %w", a.MissionID, err)
	}

	h.logger.InfoContext(ctx, "attempt recorded",
		slog.String("mission_id", e.MissionID),
		slog.Int("retry_count", e.RetryCount),
		slog.Bool("success", e.Success),
		slog.Bool("requires_human", e.RequiresHuman),
	)

	if h.metrics != nil {
		h.metrics.ObserveAttempt(e.Success)
		if e.RequiresHuman {
			h.metrics.ObserveEscalation()
		}
	}

	return e, nil
}

// CheckRequiresHuman reports whether the mission's latest entry carries the
// escalation latch. Pure read; no side effects.
func (h *Healer) CheckRequiresHuman(ctx context.Context, missionID string) (bool, error) {
	latest, err := h.store.Latest(ctx, missionID)
	if err != nil {
		return false, fmt.Errorf("loading latest entry for %s: %w", missionID, err)
	}
	if latest == nil {
		return false, nil
	}
	return latest.RequiresHuman, nil
}

// History returns the mission's full attempt history in retry order.
func (h *Healer) History(ctx context.Context, missionID string) ([]Entry, error) {
	return h.store.ListByMission(ctx, missionID)
}

// UserVisibleHistory filters the history down to entries tagged for end-user
// display. Internal monologue entries never leave through this path.
func (h *Healer) UserVisibleHistory(ctx context.Context, missionID string) ([]Entry, error) {
	all, err := h.store.ListByMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	visible := make([]Entry, 0, len(all))
	for _, e := range all {
		if e.Visibility == VisibilityUser {
			visible = append(visible, e)
		}
	}
	return visible, nil
}

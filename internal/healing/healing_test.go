package healing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// memStore reproduces the backends' transactional Append contract in memory:
// RetryCount is derived from the prior history and the latch recomputed
// against it, all under one lock; escalated missions reject further appends.
type memStore struct {
	mu      sync.Mutex
	entries map[string][]Entry
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string][]Entry)}
}

func (s *memStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.entries[e.MissionID]
	if Resolve(prior).Phase == PhaseEscalated {
		return ErrEscalated
	}
	e.RetryCount = len(prior)
	if !e.Success && NextFailureLatches(prior) {
		e.RequiresHuman = true
		if e.EscalationReason == "" {
			e.EscalationReason = fmt.Sprintf("%d consecutive failed attempts", StrikeLimit)
		}
	} else {
		e.RequiresHuman = false
		e.EscalationReason = ""
	}
	s.entries[e.MissionID] = append(prior, *e)
	return nil
}

func (s *memStore) ListByMission(_ context.Context, missionID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries[missionID]))
	copy(out, s.entries[missionID])
	return out, nil
}

func (s *memStore) Latest(_ context.Context, missionID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entries[missionID]
	if len(list) == 0 {
		return nil, nil
	}
	e := list[len(list)-1]
	return &e, nil
}

var _ Store = (*memStore)(nil)

func testHealer(t *testing.T) (*Healer, *memStore) {
	t.Helper()
	store := newMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHealer(store, logger), store
}

func failedAttempt(missionID, msg string) Attempt {
	return Attempt{
		MissionID:          missionID,
		ProblemDescription: "mission failed",
		SolutionAttempt:    "retry in a fresh sandbox",
		ErrorMessage:       msg,
	}
}

// --- Resolve ---

func TestResolve_Empty(t *testing.T) {
	state := Resolve(nil)
	if state.Phase != PhaseAttempting || state.RetryCount != 0 {
		t.Errorf("Resolve(nil) = %+v, want attempting/0", state)
	}
}

func TestResolve_SuccessTerminates(t *testing.T) {
	entries := []Entry{
		{Success: false, RetryCount: 0},
		{Success: true, RetryCount: 1},
	}
	state := Resolve(entries)
	if state.Phase != PhaseResolved {
		t.Errorf("phase = %s, want resolved", state.Phase)
	}
	if state.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", state.RetryCount)
	}
}

func TestResolve_StrikeLimitEscalates(t *testing.T) {
	entries := []Entry{
		{Success: false, RetryCount: 0},
		{Success: false, RetryCount: 1},
		{Success: false, RetryCount: 2, RequiresHuman: true},
	}
	state := Resolve(entries)
	if state.Phase != PhaseEscalated {
		t.Errorf("phase = %s, want escalated", state.Phase)
	}
	if state.RetryCount != StrikeLimit {
		t.Errorf("retry count = %d, want %d", state.RetryCount, StrikeLimit)
	}
}

func TestResolve_LatchAloneEscalates(t *testing.T) {
	// A latched entry escalates even below the strike count.
	entries := []Entry{
		{Success: false, RetryCount: 0, RequiresHuman: true},
	}
	if state := Resolve(entries); state.Phase != PhaseEscalated {
		t.Errorf("phase = %s, want escalated", state.Phase)
	}
}

func TestNextFailureLatches(t *testing.T) {
	fail := Entry{Success: false}
	ok := Entry{Success: true}

	tests := []struct {
		name  string
		prior []Entry
		want  bool
	}{
		{"empty", nil, false},
		{"one failure", []Entry{fail}, false},
		{"two failures", []Entry{fail, fail}, true},
		{"success terminates", []Entry{fail, ok}, false},
		{"failure after success", []Entry{fail, ok, fail}, false},
	}
	for _, tt := range tests {
		if got := NextFailureLatches(tt.prior); got != tt.want {
			t.Errorf("%s: NextFailureLatches = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// --- RecordAttempt ---

func TestRecordAttempt_RetryCountMonotonic(t *testing.T) {
	h, _ := testHealer(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		entry, err := h.RecordAttempt(ctx, failedAttempt("m1", "boom"))
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if entry.RetryCount != i {
			t.Errorf("attempt %d retry count = %d, want %d", i, entry.RetryCount, i)
		}
		if entry.RequiresHuman {
			t.Errorf("attempt %d latched before strike limit", i)
		}
	}
}

func TestRecordAttempt_ThirdFailureLatches(t *testing.T) {
	h, _ := testHealer(t)
	ctx := context.Background()

	var last *Entry
	for i := 0; i < StrikeLimit; i++ {
		entry, err := h.RecordAttempt(ctx, failedAttempt("m1", "boom"))
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		last = entry
	}

	// The latch lands on the third failure itself, not a later write.
	if !last.RequiresHuman {
		t.Fatal("third failure did not set requires_human")
	}
	if last.EscalationReason == "" {
		t.Error("escalation reason is empty")
	}
	if last.RetryCount != StrikeLimit-1 {
		t.Errorf("retry count = %d, want %d", last.RetryCount, StrikeLimit-1)
	}
}

func TestRecordAttempt_FailureAfterSuccessDoesNotLatch(t *testing.T) {
	h, _ := testHealer(t)
	ctx := context.Background()

	if _, err := h.RecordAttempt(ctx, failedAttempt("m1", "boom")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.RecordAttempt(ctx, Attempt{MissionID: "m1", Success: true}); err != nil {
		t.Fatal(err)
	}

	// Only two failures without an intervening success; agrees with Resolve,
	// which treats the success as terminal.
	entry, err := h.RecordAttempt(ctx, failedAttempt("m1", "boom again"))
	if err != nil {
		t.Fatal(err)
	}
	if entry.RequiresHuman {
		t.Error("failure after a success latched requires_human")
	}
	if entry.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", entry.RetryCount)
	}
}

func TestRecordAttempt_EscalatedRejectsFurtherAttempts(t *testing.T) {
	h, _ := testHealer(t)
	ctx := context.Background()

	for i := 0; i < StrikeLimit; i++ {
		if _, err := h.RecordAttempt(ctx, failedAttempt("m1", "boom")); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	_, err := h.RecordAttempt(ctx, failedAttempt("m1", "boom"))
	if !errors.Is(err, ErrEscalated) {
		t.Fatalf("error = %v, want ErrEscalated", err)
	}
}

func TestRecordAttempt_SuccessResolves(t *testing.T) {
	h, _ := testHealer(t)
	ctx := context.Background()

	if _, err := h.RecordAttempt(ctx, failedAttempt("m1", "boom")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.RecordAttempt(ctx, Attempt{
		MissionID:          "m1",
		ProblemDescription: "mission execution",
		SolutionAttempt:    "mission completed",
		Success:            true,
	}); err != nil {
		t.Fatal(err)
	}

	history, err := h.History(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if state := Resolve(history); state.Phase != PhaseResolved {
		t.Errorf("phase = %s, want resolved", state.Phase)
	}
}

func TestRecordAttempt_RequiresMissionID(t *testing.T) {
	h, _ := testHealer(t)
	if _, err := h.RecordAttempt(context.Background(), Attempt{}); err == nil {
		t.Fatal("expected error for missing mission id")
	}
}

func TestRecordAttempt_DefaultVisibilityIsInternal(t *testing.T) {
	h, _ := testHealer(t)
	entry, err := h.RecordAttempt(context.Background(), failedAttempt("m1", "boom"))
	if err != nil {
		t.Fatal(err)
	}
	if entry.Visibility != VisibilityInternal {
		t.Errorf("visibility = %s, want %s", entry.Visibility, VisibilityInternal)
	}
}

// --- History filtering ---

func TestUserVisibleHistory_FiltersInternal(t *testing.T) {
	h, _ := testHealer(t)
	ctx := context.Background()

	internal := failedAttempt("m1", "stack trace here")
	if _, err := h.RecordAttempt(ctx, internal); err != nil {
		t.Fatal(err)
	}
	user := failedAttempt("m1", "still failing")
	user.Visibility = VisibilityUser
	if _, err := h.RecordAttempt(ctx, user); err != nil {
		t.Fatal(err)
	}

	visible, err := h.UserVisibleHistory(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(visible) != 1 {
		t.Fatalf("visible entries = %d, want 1", len(visible))
	}
	if visible[0].Visibility != VisibilityUser {
		t.Errorf("leaked visibility = %s", visible[0].Visibility)
	}

	all, err := h.History(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("full history = %d entries, want 2", len(all))
	}
}

func TestCheckRequiresHuman(t *testing.T) {
	h, _ := testHealer(t)
	ctx := context.Background()

	latched, err := h.CheckRequiresHuman(ctx, "m1")
	if err != nil || latched {
		t.Fatalf("fresh mission: latched=%v err=%v", latched, err)
	}

	for i := 0; i < StrikeLimit; i++ {
		if _, err := h.RecordAttempt(ctx, failedAttempt("m1", "boom")); err != nil {
			t.Fatal(err)
		}
	}

	latched, err = h.CheckRequiresHuman(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !latched {
		t.Error("expected latch after strike limit")
	}
}

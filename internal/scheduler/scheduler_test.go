package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/okutu/kazi/internal/queue"
)

// memCronStore is an in-memory CronMissionStore.
type memCronStore struct {
	mu       sync.Mutex
	missions map[uuid.UUID]*CronMission
	runs     []recordedRun
}

type recordedRun struct {
	id     uuid.UUID
	ranAt  time.Time
	nextAt time.Time
	errMsg string
}

func newMemCronStore() *memCronStore {
	return &memCronStore{missions: make(map[uuid.UUID]*CronMission)}
}

func (s *memCronStore) Create(_ context.Context, cm *CronMission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missions[cm.ID] = cm
	return nil
}

func (s *memCronStore) Get(_ context.Context, id uuid.UUID) (*CronMission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cm, ok := s.missions[id]
	if !ok {
		return nil, nil
	}
	snapshot := *cm
	return &snapshot, nil
}

func (s *memCronStore) List(_ context.Context) ([]CronMission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CronMission, 0, len(s.missions))
	for _, cm := range s.missions {
		out = append(out, *cm)
	}
	return out, nil
}

func (s *memCronStore) Update(_ context.Context, cm *CronMission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missions[cm.ID] = cm
	return nil
}

func (s *memCronStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.missions, id)
	return nil
}

func (s *memCronStore) ListDue(_ context.Context, now time.Time) ([]CronMission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []CronMission
	for _, cm := range s.missions {
		if cm.Enabled && !cm.NextRunAt.After(now) {
			due = append(due, *cm)
		}
	}
	return due, nil
}

func (s *memCronStore) RecordRun(_ context.Context, id uuid.UUID, ranAt, nextRunAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, recordedRun{id: id, ranAt: ranAt, nextAt: nextRunAt, errMsg: errMsg})
	if cm, ok := s.missions[id]; ok {
		cm.LastRunAt = &ranAt
		cm.NextRunAt = nextRunAt
		cm.LastError = errMsg
	}
	return nil
}

var _ CronMissionStore = (*memCronStore)(nil)

// countQueue records enqueued payloads.
type countQueue struct {
	mu       sync.Mutex
	payloads []string
	fail     bool
}

func (q *countQueue) Enqueue(_ context.Context, payload string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return 0, queue.ErrStoreUnavailable
	}
	q.payloads = append(q.payloads, payload)
	return int64(len(q.payloads)), nil
}

func (q *countQueue) PollAndClaim(context.Context, string) (*queue.Task, error) { return nil, nil }
func (q *countQueue) Complete(context.Context, int64, string, bool, string) error {
	return nil
}
func (q *countQueue) ExtendLease(context.Context, string, []int64, time.Time) error { return nil }
func (q *countQueue) ReclaimExpired(context.Context, time.Time) (int64, error)      { return 0, nil }
func (q *countQueue) Get(context.Context, int64) (*queue.Task, error)               { return nil, nil }
func (q *countQueue) List(context.Context, queue.Status, int) ([]queue.Task, error) {
	return nil, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Schedule validation ---

func TestValidateSchedule(t *testing.T) {
	now := time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC)

	next, err := ValidateSchedule("*/5 * * * *", now)
	if err != nil {
		t.Fatal(err)
	}
	if want := now.Add(5 * time.Minute); !next.Equal(want) {
		t.Errorf("next = %s, want %s", next, want)
	}

	if _, err := ValidateSchedule("not a schedule", now); err == nil {
		t.Error("expected error for invalid expression")
	}
	// Six fields (seconds) are not accepted.
	if _, err := ValidateSchedule("* * * * * *", now); err == nil {
		t.Error("expected error for six-field expression")
	}
}

// --- Tick ---

func TestTick_EnqueuesDueAndAdvances(t *testing.T) {
	store := newMemCronStore()
	tasks := &countQueue{}
	ctx := context.Background()

	cm := &CronMission{
		ID:        uuid.New(),
		Name:      "nightly",
		Schedule:  "0 0 * * *",
		Payload:   "echo nightly",
		Enabled:   true,
		NextRunAt: time.Now().UTC().Add(-time.Minute),
	}
	if err := store.Create(ctx, cm); err != nil {
		t.Fatal(err)
	}

	s := New(store, tasks, testLogger())
	s.tick(ctx)

	if len(tasks.payloads) != 1 || tasks.payloads[0] != "echo nightly" {
		t.Fatalf("enqueued = %v, want the cron payload", tasks.payloads)
	}

	got, _ := store.Get(ctx, cm.ID)
	if got.LastRunAt == nil {
		t.Fatal("last_run_at not stamped")
	}
	if !got.NextRunAt.After(time.Now().UTC()) {
		t.Errorf("next_run_at = %s, not advanced past now", got.NextRunAt)
	}
	if got.LastError != "" {
		t.Errorf("last_error = %q, want empty", got.LastError)
	}

	// A second tick before the next fire time must not re-enqueue.
	s.tick(ctx)
	if len(tasks.payloads) != 1 {
		t.Errorf("second tick enqueued again: %v", tasks.payloads)
	}
}

func TestTick_SkipsDisabled(t *testing.T) {
	store := newMemCronStore()
	tasks := &countQueue{}
	ctx := context.Background()

	_ = store.Create(ctx, &CronMission{
		ID:        uuid.New(),
		Name:      "off",
		Schedule:  "* * * * *",
		Payload:   "echo off",
		Enabled:   false,
		NextRunAt: time.Now().UTC().Add(-time.Minute),
	})

	New(store, tasks, testLogger()).tick(ctx)
	if len(tasks.payloads) != 0 {
		t.Errorf("disabled mission enqueued: %v", tasks.payloads)
	}
}

func TestTick_DisablesInvalidSchedule(t *testing.T) {
	store := newMemCronStore()
	tasks := &countQueue{}
	ctx := context.Background()

	cm := &CronMission{
		ID:        uuid.New(),
		Name:      "broken",
		Schedule:  "totally invalid",
		Payload:   "echo broken",
		Enabled:   true,
		NextRunAt: time.Now().UTC().Add(-time.Minute),
	}
	_ = store.Create(ctx, cm)

	New(store, tasks, testLogger()).tick(ctx)

	if len(tasks.payloads) != 0 {
		t.Errorf("invalid schedule enqueued: %v", tasks.payloads)
	}
	got, _ := store.Get(ctx, cm.ID)
	if got.Enabled {
		t.Error("invalid schedule not disabled")
	}
	if got.LastError == "" {
		t.Error("disable reason not recorded")
	}
}

func TestTick_EnqueueFailureStillAdvances(t *testing.T) {
	store := newMemCronStore()
	tasks := &countQueue{fail: true}
	ctx := context.Background()

	cm := &CronMission{
		ID:        uuid.New(),
		Name:      "unlucky",
		Schedule:  "* * * * *",
		Payload:   "echo x",
		Enabled:   true,
		NextRunAt: time.Now().UTC().Add(-time.Minute),
	}
	_ = store.Create(ctx, cm)

	New(store, tasks, testLogger()).tick(ctx)

	got, _ := store.Get(ctx, cm.ID)
	if got.LastError == "" {
		t.Error("enqueue failure not recorded")
	}
	// The fire time still advances so a broken entry cannot wedge the loop.
	if !got.NextRunAt.After(time.Now().UTC().Add(-time.Second)) {
		t.Errorf("next_run_at = %s, not advanced", got.NextRunAt)
	}
}

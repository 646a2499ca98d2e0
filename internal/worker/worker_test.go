package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okutu/kazi/internal/healing"
	"github.com/okutu/kazi/internal/mission"
	"github.com/okutu/kazi/internal/queue"
)

// memQueue is an in-memory queue.Store with the same claim semantics as the
// real backends: claims are exclusive and completion checks ownership.
type memQueue struct {
	mu    sync.Mutex
	seq   int64
	tasks map[int64]*queue.Task
}

func newMemQueue() *memQueue {
	return &memQueue{tasks: make(map[int64]*queue.Task)}
}

func (q *memQueue) Enqueue(_ context.Context, payload string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.tasks[q.seq] = &queue.Task{
		ID:             q.seq,
		CommandPayload: payload,
		Status:         queue.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
	return q.seq, nil
}

func (q *memQueue) PollAndClaim(_ context.Context, workerID string) (*queue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]int64, 0, len(q.tasks))
	for id := range q.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		t := q.tasks[id]
		if t.Status != queue.StatusPending {
			continue
		}
		now := time.Now().UTC()
		t.Status = queue.StatusInProgress
		t.ClaimedBy = workerID
		t.ClaimedAt = &now
		snapshot := *t
		return &snapshot, nil
	}
	return nil, nil
}

func (q *memQueue) Complete(_ context.Context, taskID int64, workerID string, success bool, resultJSON string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok || t.Status != queue.StatusInProgress || t.ClaimedBy != workerID {
		return queue.ErrInvalidTransition
	}
	if success {
		t.Status = queue.StatusCompleted
	} else {
		t.Status = queue.StatusFailed
	}
	t.Success = &success
	t.ResultJSON = resultJSON
	now := time.Now().UTC()
	t.ProcessedAt = &now
	return nil
}

func (q *memQueue) ExtendLease(_ context.Context, _ string, _ []int64, _ time.Time) error {
	return nil
}

func (q *memQueue) ReclaimExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (q *memQueue) Get(_ context.Context, taskID int64) (*queue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, nil
	}
	snapshot := *t
	return &snapshot, nil
}

func (q *memQueue) List(_ context.Context, status queue.Status, _ int) ([]queue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.Task
	for _, t := range q.tasks {
		if status == "" || t.Status == status {
			out = append(out, *t)
		}
	}
	return out, nil
}

var _ queue.Store = (*memQueue)(nil)

// stubExecutor runs a fixed function instead of real processes.
type stubExecutor struct {
	calls atomic.Int64
	fn    func(m *mission.Mission) *mission.Result
}

func (s *stubExecutor) Execute(_ context.Context, m *mission.Mission) *mission.Result {
	s.calls.Add(1)
	return s.fn(m)
}

// memThoughtLogs mirrors the backends' transactional Append semantics.
type memThoughtLogs struct {
	mu      sync.Mutex
	entries map[string][]healing.Entry
}

func newMemThoughtLogs() *memThoughtLogs {
	return &memThoughtLogs{entries: make(map[string][]healing.Entry)}
}

func (s *memThoughtLogs) Append(_ context.Context, e *healing.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prior := s.entries[e.MissionID]
	if healing.Resolve(prior).Phase == healing.PhaseEscalated {
		return healing.ErrEscalated
	}
	e.RetryCount = len(prior)
	if !e.Success && healing.NextFailureLatches(prior) {
		e.RequiresHuman = true
		if e.EscalationReason == "" {
			e.EscalationReason = fmt.Sprintf("%d consecutive failed attempts", healing.StrikeLimit)
		}
	} else {
		e.RequiresHuman = false
		e.EscalationReason = ""
	}
	s.entries[e.MissionID] = append(prior, *e)
	return nil
}

func (s *memThoughtLogs) ListByMission(_ context.Context, missionID string) ([]healing.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]healing.Entry, len(s.entries[missionID]))
	copy(out, s.entries[missionID])
	return out, nil
}

func (s *memThoughtLogs) Latest(_ context.Context, missionID string) (*healing.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.entries[missionID]
	if len(list) == 0 {
		return nil, nil
	}
	e := list[len(list)-1]
	return &e, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func enqueueMission(t *testing.T, q *memQueue, m *mission.Mission) int64 {
	t.Helper()
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	id, err := q.Enqueue(context.Background(), string(raw))
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// --- Execution loop ---

func TestWorker_ProcessesTaskToCompletion(t *testing.T) {
	q := newMemQueue()
	exec := &stubExecutor{fn: func(m *mission.Mission) *mission.Result {
		return &mission.Result{MissionID: m.ID, Success: true, Stdout: "done"}
	}}

	m := mission.New("print('hi')", 30)
	taskID := enqueueMission(t, q, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(Config{PollInterval: 10 * time.Millisecond}, q, exec, testLogger())
	go func() { _ = w.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		task, _ := q.Get(ctx, taskID)
		return task != nil && task.Status == queue.StatusCompleted
	})

	task, _ := q.Get(ctx, taskID)
	if task.Success == nil || !*task.Success {
		t.Errorf("task success = %v, want true", task.Success)
	}
	if task.ClaimedBy != w.ID() {
		t.Errorf("claimed by %q, want %q", task.ClaimedBy, w.ID())
	}

	var result mission.Result
	if err := json.Unmarshal([]byte(task.ResultJSON), &result); err != nil {
		t.Fatalf("result json: %v", err)
	}
	if result.Stdout != "done" {
		t.Errorf("stdout = %q, want done", result.Stdout)
	}
}

func TestWorker_UnparseablePayloadFails(t *testing.T) {
	q := newMemQueue()
	// Valid JSON mission envelope but invalid contents (no code).
	taskID, err := q.Enqueue(context.Background(), `{"mission_id":"m1","code":""}`)
	if err != nil {
		t.Fatal(err)
	}

	exec := &stubExecutor{fn: func(m *mission.Mission) *mission.Result {
		t.Error("executor must not run for an invalid payload")
		return nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(Config{PollInterval: 10 * time.Millisecond}, q, exec, testLogger())
	go func() { _ = w.Run(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		task, _ := q.Get(ctx, taskID)
		return task != nil && task.Status == queue.StatusFailed
	})
}

// --- Self-healing retry loop ---

func TestWorker_RetriesUntilEscalation(t *testing.T) {
	q := newMemQueue()
	logs := newMemThoughtLogs()
	healer := healing.NewHealer(logs, testLogger())

	exec := &stubExecutor{fn: func(m *mission.Mission) *mission.Result {
		return mission.Failed(m.ID, mission.FailureExit, "exit code 1")
	}}

	m := mission.New("exit 1", 30)
	enqueueMission(t, q, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(Config{PollInterval: 10 * time.Millisecond}, q, exec, testLogger()).WithHealer(healer)
	go func() { _ = w.Run(ctx) }()

	// Three executions, then the latch stops the loop.
	waitFor(t, 10*time.Second, func() bool {
		entries, _ := logs.ListByMission(ctx, m.ID)
		if len(entries) < healing.StrikeLimit {
			return false
		}
		pending, _ := q.List(ctx, queue.StatusPending, 0)
		return len(pending) == 0
	})

	// Give the loop a moment to prove it does not re-enqueue past the latch.
	time.Sleep(100 * time.Millisecond)

	entries, _ := logs.ListByMission(ctx, m.ID)
	if len(entries) != healing.StrikeLimit {
		t.Fatalf("attempts recorded = %d, want %d", len(entries), healing.StrikeLimit)
	}
	last := entries[len(entries)-1]
	if !last.RequiresHuman {
		t.Error("final strike did not latch requires_human")
	}
	for i, e := range entries {
		if e.RetryCount != i {
			t.Errorf("entry %d retry count = %d, want %d", i, e.RetryCount, i)
		}
	}
	if got := exec.calls.Load(); got != healing.StrikeLimit {
		t.Errorf("executions = %d, want %d", got, healing.StrikeLimit)
	}
}

func TestWorker_SuccessAfterFailureResolves(t *testing.T) {
	q := newMemQueue()
	logs := newMemThoughtLogs()
	healer := healing.NewHealer(logs, testLogger())

	exec := &stubExecutor{}
	exec.fn = func(m *mission.Mission) *mission.Result {
		if exec.calls.Load() == 1 {
			return mission.Failed(m.ID, mission.FailureExit, "exit code 1")
		}
		return &mission.Result{MissionID: m.ID, Success: true}
	}

	m := mission.New("flaky", 30)
	enqueueMission(t, q, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := New(Config{PollInterval: 10 * time.Millisecond}, q, exec, testLogger()).WithHealer(healer)
	go func() { _ = w.Run(ctx) }()

	waitFor(t, 10*time.Second, func() bool {
		entries, _ := logs.ListByMission(ctx, m.ID)
		return len(entries) == 2
	})

	entries, _ := logs.ListByMission(ctx, m.ID)
	state := healing.Resolve(entries)
	if state.Phase != healing.PhaseResolved {
		t.Errorf("phase = %s, want resolved", state.Phase)
	}
}

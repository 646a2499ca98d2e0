// Package worker implements the polling execution loop. A worker claims
// tasks from the shared queue, runs their missions in the sandbox, and
// writes results back. Workers coordinate only through the store's claim
// protocol — there is no direct worker-to-worker communication.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okutu/kazi/internal/healing"
	"github.com/okutu/kazi/internal/mission"
	"github.com/okutu/kazi/internal/queue"
	"github.com/okutu/kazi/internal/sandbox"
)

const (
	defaultPollInterval  = 2 * time.Second
	defaultMaxConcurrent = 4
	defaultLeaseDuration = 2 * time.Minute
	heartbeatInterval    = 30 * time.Second
	reclaimSweepInterval = time.Minute
	maxStoreBackoff      = time.Minute
	initialStoreBackoff  = time.Second
)

// Config configures a worker.
type Config struct {
	// ID identifies this worker in claims. Empty = generated.
	ID string

	// PollInterval is the pause between polls of an empty queue.
	PollInterval time.Duration

	// MaxConcurrent bounds missions executing at once on this worker.
	MaxConcurrent int

	// LeaseDuration is how long a claim is valid without a heartbeat.
	// A worker that dies mid-mission loses its claims after this.
	LeaseDuration time.Duration

	// RunReclaimer enables the expired-lease sweep on this worker.
	// Safe to enable on every worker; the sweep is idempotent.
	RunReclaimer bool
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ID == "" {
		out.ID = "worker-" + uuid.New().String()[:8]
	}
	if out.PollInterval <= 0 {
		out.PollInterval = defaultPollInterval
	}
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = defaultMaxConcurrent
	}
	if out.LeaseDuration <= 0 {
		out.LeaseDuration = defaultLeaseDuration
	}
	return out
}

// Worker polls the queue and executes claimed missions.
type Worker struct {
	config   Config
	store    queue.Store
	executor sandbox.Executor
	healer   *healing.Healer // nil = no retry loop, results are terminal.
	logger   *slog.Logger
	metrics  *Metrics

	sem chan struct{}

	mu      sync.Mutex
	running map[int64]struct{} // Task ids currently held, for lease renewal.

	wg sync.WaitGroup
}

// New creates a worker. Run must be called to start polling.
func New(cfg Config, store queue.Store, executor sandbox.Executor, logger *slog.Logger) *Worker {
	cfg = cfg.withDefaults()
	return &Worker{
		config:   cfg,
		store:    store,
		executor: executor,
		logger:   logger.With(slog.String("worker_id", cfg.ID)),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		running:  make(map[int64]struct{}),
	}
}

// WithMetrics attaches Prometheus metrics. Optional.
func (w *Worker) WithMetrics(m *Metrics) *Worker {
	w.metrics = m
	return w
}

// WithHealer enables the self-healing retry loop: every execution is
// recorded as a thought log attempt, and failed missions are re-enqueued
// until the strike limit latches them for a human.
func (w *Worker) WithHealer(h *healing.Healer) *Worker {
	w.healer = h
	return w
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string { return w.config.ID }

// Run polls until ctx is canceled, then waits for in-flight missions to
// finish before returning.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		slog.Duration("poll_interval", w.config.PollInterval),
		slog.Int("max_concurrent", w.config.MaxConcurrent),
	)

	w.wg.Add(1)
	go w.heartbeatLoop(ctx)

	if w.config.RunReclaimer {
		w.wg.Add(1)
		go w.reclaimLoop(ctx)
	}

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	backoff := initialStoreBackoff
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping, draining in-flight missions")
			w.wg.Wait()
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
		backoff = w.claimAvailable(ctx, backoff)
	}
}

// claimAvailable claims and dispatches tasks until the queue is empty or
// the concurrency budget is spent. Returns the store backoff to use on the
// next tick.
func (w *Worker) claimAvailable(ctx context.Context, backoff time.Duration) time.Duration {
	for {
		select {
		case w.sem <- struct{}{}:
		default:
			return backoff // All slots busy.
		}

		task, err := w.store.PollAndClaim(ctx, w.config.ID)
		if err != nil {
			<-w.sem
			w.logger.Warn("poll failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			return min(backoff*2, maxStoreBackoff)
		}

		if task == nil {
			<-w.sem
			return initialStoreBackoff // Queue empty.
		}

		if w.metrics != nil {
			w.metrics.ObserveClaim()
		}

		w.track(task.ID)
		w.wg.Add(1)
		go func(t *queue.Task) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			defer w.untrack(t.ID)
			w.process(ctx, t)
		}(task)
	}
}

// process executes one claimed task end to end and writes the result back.
func (w *Worker) process(ctx context.Context, task *queue.Task) {
	logger := w.logger.With(slog.Int64("task_id", task.ID))

	m, err := task.Mission()
	if err != nil {
		logger.Error("unparseable payload", slog.String("error", err.Error()))
		w.complete(ctx, task.ID, false, failureJSON("invalid payload: "+err.Error()))
		return
	}

	logger.Info("executing mission",
		slog.String("mission_id", m.ID),
		slog.Duration("timeout", m.Timeout()),
	)

	start := time.Now()
	result := w.executor.Execute(ctx, m)
	elapsed := time.Since(start)

	resultJSON, err := json.Marshal(result)
	if err != nil {
		// Should not happen; store a minimal failure rather than losing the task.
		logger.Error("result marshal failed", slog.String("error", err.Error()))
		resultJSON = []byte(failureJSON("result serialization failed"))
		result.Success = false
	}

	if w.metrics != nil {
		w.metrics.ObserveMission(result.Success, elapsed)
	}

	w.complete(ctx, task.ID, result.Success, string(resultJSON))

	logger.Info("mission finished",
		slog.String("mission_id", m.ID),
		slog.Bool("success", result.Success),
		slog.Duration("duration", elapsed),
	)

	if w.healer != nil {
		w.heal(ctx, m, result)
	}
}

// heal records the attempt and drives the retry loop. A failed mission goes
// back on the queue as a fresh task carrying the same mission id, so the
// attempt history accumulates until the strike limit latches.
func (w *Worker) heal(ctx context.Context, m *mission.Mission, result *mission.Result) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	attempt := healing.Attempt{
		MissionID:  m.ID,
		Visibility: healing.VisibilityInternal,
		Success:    result.Success,
	}
	if result.Success {
		attempt.Visibility = healing.VisibilityUser
		attempt.ProblemDescription = "mission execution"
		attempt.SolutionAttempt = "mission completed"
	} else {
		kind, msg := mission.FailureExit, fmt.Sprintf("exit code %d", result.ExitCode)
		if result.Err != nil {
			kind, msg = result.Err.Kind, result.Err.Message
		}
		attempt.ProblemDescription = fmt.Sprintf("%s: %s", kind, msg)
		attempt.SolutionAttempt = "re-queued for a fresh sandbox attempt"
		attempt.ErrorMessage = msg
		if result.Stderr != "" {
			attempt.ContextData = map[string]any{"stderr": result.Stderr}
		}
	}

	entry, err := w.healer.RecordAttempt(cctx, attempt)
	switch {
	case errors.Is(err, healing.ErrEscalated):
		w.logger.Warn("mission already escalated, not retrying",
			slog.String("mission_id", m.ID))
		return
	case err != nil:
		w.logger.Error("recording attempt failed",
			slog.String("mission_id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if result.Success {
		return
	}
	if entry.RequiresHuman {
		w.logger.Warn("mission escalated, human intervention required",
			slog.String("mission_id", m.ID),
			slog.Int("retry_count", entry.RetryCount),
		)
		return
	}

	// Re-enqueue as a JSON mission even if the original payload was a bare
	// shell string, so the mission id stays stable across retries.
	payload, err := json.Marshal(m)
	if err != nil {
		w.logger.Error("mission re-encode failed", slog.String("mission_id", m.ID))
		return
	}
	taskID, err := w.store.Enqueue(cctx, string(payload))
	if err != nil {
		w.logger.Error("re-enqueue failed",
			slog.String("mission_id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Info("mission re-queued",
		slog.String("mission_id", m.ID),
		slog.Int64("task_id", taskID),
		slog.Int("attempt", entry.RetryCount+1),
	)
}

func (w *Worker) complete(ctx context.Context, taskID int64, success bool, resultJSON string) {
	// Completion must survive the poll loop's ctx being canceled mid-drain.
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := w.store.Complete(cctx, taskID, w.config.ID, success, resultJSON); err != nil {
		w.logger.Error("failed to record completion",
			slog.Int64("task_id", taskID),
			slog.String("error", err.Error()),
		)
	}
}

// heartbeatLoop renews the lease on every task this worker still holds.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ids := w.heldTasks()
		if len(ids) == 0 {
			continue
		}
		until := time.Now().Add(w.config.LeaseDuration)
		if err := w.store.ExtendLease(ctx, w.config.ID, ids, until); err != nil {
			w.logger.Warn("lease renewal failed",
				slog.Int("tasks", len(ids)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reclaimLoop returns abandoned in_progress tasks to pending.
func (w *Worker) reclaimLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(reclaimSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := w.store.ReclaimExpired(ctx, time.Now())
		if err != nil {
			w.logger.Warn("reclaim sweep failed", slog.String("error", err.Error()))
			continue
		}
		if n > 0 {
			w.logger.Info("reclaimed abandoned tasks", slog.Int64("count", n))
			if w.metrics != nil {
				w.metrics.ObserveReclaimed(n)
			}
		}
	}
}

func (w *Worker) track(id int64) {
	w.mu.Lock()
	w.running[id] = struct{}{}
	w.mu.Unlock()
}

func (w *Worker) untrack(id int64) {
	w.mu.Lock()
	delete(w.running, id)
	w.mu.Unlock()
}

func (w *Worker) heldTasks() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids := make([]int64, 0, len(w.running))
	for id := range w.running {
		ids = append(ids, id)
	}
	return ids
}

func failureJSON(msg string) string {
	b, _ := json.Marshal(map[string]any{
		"success": false,
		"error":   map[string]string{"kind": "internal_error", "message": msg},
	})
	return string(b)
}

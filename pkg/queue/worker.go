package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/heymates/maestro/pkg/config"
	"github.com/heymates/maestro/pkg/session"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that claims and processes tasks.
type Worker struct {
	id       string
	podID    string
	queue    *Queue
	config   *config.QueueConfig
	executor TaskExecutor
	pool     SessionRegistry
	logger   *slog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu             sync.RWMutex
	status         WorkerStatus
	currentTaskID  string
	tasksProcessed int
	lastActivity   time.Time
}

// SessionRegistry is the subset of WorkerPool used by Worker for session
// cancel registration.
type SessionRegistry interface {
	RegisterSession(taskID string, cancel context.CancelFunc)
	UnregisterSession(taskID string)
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, q *Queue, cfg *config.QueueConfig, executor TaskExecutor, pool SessionRegistry, logger *slog.Logger) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		queue:        q,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		logger:       logger.With("worker_id", id, "pod_id", podID),
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker claim loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         string(w.status),
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	// Liveness first, registration second: the orphan scanner must never
	// see this worker registered without a heartbeat.
	if err := w.queue.Heartbeat(ctx, w.id, w.config.HeartbeatTTL); err != nil {
		w.logger.Error("Initial heartbeat failed", "error", err)
	}
	if err := w.queue.RegisterWorker(ctx, w.id); err != nil {
		w.logger.Error("Worker registration failed", "error", err)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	w.wg.Add(1)
	go w.runHeartbeat(heartbeatCtx)

	w.logger.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("Worker shutting down")
			w.deregister()
			return
		case <-ctx.Done():
			w.logger.Info("Context cancelled, worker shutting down")
			w.deregister()
			return
		default:
			if err := w.claimAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoTasksAvailable) || errors.Is(err, context.Canceled) {
					continue // claim already blocked for ClaimTimeout
				}
				w.logger.Error("Error processing task", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// deregister requeues anything left on the processing list and removes this
// worker from the registry.
func (w *Worker) deregister() {
	moved, err := w.queue.DeregisterWorker(context.Background(), w.id)
	if err != nil {
		w.logger.Error("Worker deregistration failed", "error", err)
		return
	}
	if moved > 0 {
		w.logger.Warn("Requeued unfinished tasks on shutdown", "count", moved)
	}
}

// claimAndProcess claims the next task and runs it through the executor.
func (w *Worker) claimAndProcess(ctx context.Context) error {
	task, raw, err := w.queue.Claim(ctx, w.id, w.config.ClaimTimeout)
	if err != nil {
		if task == nil && raw != "" {
			// Undecodable envelope: drop it, retrying cannot help.
			w.logger.Error("Dropping undecodable task", "error", err)
			return w.queue.Ack(context.Background(), w.id, raw)
		}
		return err
	}

	log := w.logger.With("task_id", task.ID, "kind", string(task.Kind))
	log.Info("Task claimed", "attempt", task.Attempt)

	w.setStatus(WorkerStatusWorking, task.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// Cancel-cause base so an API revoke reads as a user revocation inside
	// the session runner, plus the hard wall-time limit on top.
	baseCtx, cancelCause := context.WithCancelCause(ctx)
	defer cancelCause(nil)
	taskCtx, cancelTimeout := context.WithTimeout(baseCtx, w.config.TaskTimeout)
	defer cancelTimeout()

	if task.Kind == KindSessionRun {
		w.pool.RegisterSession(task.ID, func() { cancelCause(session.ErrRevoked) })
		defer w.pool.UnregisterSession(task.ID)
	}

	start := time.Now()
	execErr := w.executor.Execute(taskCtx, task)

	if execErr != nil && ctx.Err() != nil {
		// The pod is going down mid-task. Leave the entry on the
		// processing list; deregistration or orphan recovery requeues it.
		log.Warn("Task interrupted by shutdown, leaving for recovery", "error", execErr)
		return nil
	}

	// Settlement uses a background context: the task context may be dead.
	if execErr != nil {
		if task.Attempt+1 >= w.config.MaxTaskAttempts {
			log.Error("Task failed permanently, dropping",
				"attempt", task.Attempt, "error", execErr)
			return w.queue.Ack(context.Background(), w.id, raw)
		}
		backoff := w.config.RetryBackoff * time.Duration(task.Attempt+1)
		log.Warn("Task failed, retrying",
			"attempt", task.Attempt, "backoff", backoff, "error", execErr)
		return w.queue.Retry(context.Background(), w.id, raw, task, backoff)
	}

	if err := w.queue.Ack(context.Background(), w.id, raw); err != nil {
		log.Error("Task ack failed", "error", err)
		return err
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()

	log.Info("Task processing complete", "duration", time.Since(start).Round(time.Millisecond))
	return nil
}

// runHeartbeat refreshes the worker liveness key until the worker exits.
func (w *Worker) runHeartbeat(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, w.id, w.config.HeartbeatTTL); err != nil {
				w.logger.Warn("Heartbeat refresh failed", "error", err)
			}
		}
	}
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}

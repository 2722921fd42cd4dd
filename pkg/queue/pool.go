package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/heymates/maestro/pkg/config"
)

// WorkerPool manages a pool of queue workers plus the shared background
// loops: delayed-task promotion and dead-worker recovery.
type WorkerPool struct {
	podID    string
	queue    *Queue
	config   *config.QueueConfig
	executor TaskExecutor
	logger   *slog.Logger
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Session cancel registry: task_id → cancel function
	activeSessions map[string]context.CancelFunc
	mu             sync.RWMutex
	started        bool

	// Orphan detection state
	orphans orphanState
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, q *Queue, cfg *config.QueueConfig, executor TaskExecutor, logger *slog.Logger) *WorkerPool {
	return &WorkerPool{
		podID:          podID,
		queue:          q,
		config:         cfg,
		executor:       executor,
		logger:         logger.With("component", "worker_pool", "pod_id", podID),
		workers:        make([]*Worker, 0, cfg.WorkerCount),
		stopCh:         make(chan struct{}),
		activeSessions: make(map[string]context.CancelFunc),
	}
}

// Start spawns worker goroutines and the shared background loops.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		p.logger.Warn("Worker pool already started, ignoring duplicate Start call")
		return nil
	}
	p.started = true

	p.logger.Info("Starting worker pool", "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.queue, p.config, p.executor, p, p.logger)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.runDelayedPromotion(ctx)
	}()
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	p.logger.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current tasks before exiting (graceful shutdown).
func (p *WorkerPool) Stop() {
	p.logger.Info("Stopping worker pool gracefully")

	active := p.getActiveSessionIDs()
	if len(active) > 0 {
		p.logger.Info("Waiting for active sessions to complete",
			"count", len(active),
			"task_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.logger.Info("Worker pool stopped gracefully")
}

// RegisterSession stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterSession(taskID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeSessions[taskID] = cancel
}

// UnregisterSession removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterSession(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeSessions, taskID)
}

// CancelSession triggers context cancellation for a session on this pod.
// Returns true if the session was found and cancelled here; callers also
// set the revocation flag so other pods observe it.
func (p *WorkerPool) CancelSession(taskID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeSessions[taskID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	pending, errP := p.queue.PendingDepth(ctx)
	if errP != nil {
		p.logger.Error("Failed to query pending depth for health check", "error", errP)
	}
	delayed, errD := p.queue.DelayedDepth(ctx)
	if errD != nil {
		p.logger.Error("Failed to query delayed depth for health check", "error", errD)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	redisHealthy := errP == nil && errD == nil
	isHealthy := len(p.workers) > 0 && redisHealthy

	p.orphans.mu.Lock()
	lastOrphanScan := p.orphans.lastOrphanScan
	orphansRecovered := p.orphans.orphansRecovered
	p.orphans.mu.Unlock()

	var redisError string
	if errP != nil {
		redisError = fmt.Sprintf("pending depth query failed: %v", errP)
	} else if errD != nil {
		redisError = fmt.Sprintf("delayed depth query failed: %v", errD)
	}

	return &PoolHealth{
		IsHealthy:        isHealthy,
		RedisReachable:   redisHealthy,
		RedisError:       redisError,
		PodID:            p.podID,
		ActiveWorkers:    activeWorkers,
		TotalWorkers:     len(p.workers),
		ActiveSessions:   p.activeSessionCount(),
		PendingTasks:     pending,
		DelayedTasks:     delayed,
		WorkerStats:      workerStats,
		LastOrphanScan:   lastOrphanScan,
		OrphansRecovered: orphansRecovered,
	}
}

func (p *WorkerPool) activeSessionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.activeSessions)
}

// getActiveSessionIDs returns ids of currently processing sessions (for logging).
func (p *WorkerPool) getActiveSessionIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sessions := make([]string, 0, len(p.activeSessions))
	for id := range p.activeSessions {
		sessions = append(sessions, id)
	}
	return sessions
}

package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// orphanState tracks orphan detection metrics (thread-safe).
type orphanState struct {
	mu               sync.Mutex
	lastOrphanScan   time.Time
	orphansRecovered int
}

// runDelayedPromotion moves due delayed tasks onto the pending list.
// All pods run this independently; ZRem races decide a single winner.
func (p *WorkerPool) runDelayedPromotion(ctx context.Context) {
	ticker := time.NewTicker(p.config.PromotionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.queue.PromoteDue(ctx, time.Now()); err != nil {
				p.logger.Error("Delayed task promotion failed", "error", err)
			}
		}
	}
}

// runOrphanDetection periodically requeues tasks stranded on dead workers'
// processing lists. All pods run this independently; recovery is idempotent.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	ticker := time.NewTicker(p.config.OrphanScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.detectAndRecoverOrphans(ctx); err != nil {
				p.logger.Error("Orphan detection failed", "error", err)
			}
		}
	}
}

// detectAndRecoverOrphans finds registered workers with expired heartbeats
// and requeues whatever they were processing.
func (p *WorkerPool) detectAndRecoverOrphans(ctx context.Context) error {
	dead, err := p.queue.DeadWorkers(ctx)
	if err != nil {
		return fmt.Errorf("scan for dead workers: %w", err)
	}

	if len(dead) == 0 {
		p.orphans.mu.Lock()
		p.orphans.lastOrphanScan = time.Now()
		p.orphans.mu.Unlock()
		return nil
	}

	p.logger.Warn("Detected dead workers", "count", len(dead), "worker_ids", dead)

	recovered := 0
	for _, workerID := range dead {
		moved, err := p.queue.RecoverWorker(ctx, workerID)
		if err != nil {
			p.logger.Error("Failed to recover dead worker",
				"worker_id", workerID,
				"error", err)
			continue
		}
		if moved > 0 {
			p.logger.Warn("Requeued tasks from dead worker",
				"worker_id", workerID, "count", moved)
		}
		recovered += moved
	}

	p.orphans.mu.Lock()
	p.orphans.lastOrphanScan = time.Now()
	p.orphans.orphansRecovered += recovered
	p.orphans.mu.Unlock()

	return nil
}

// CleanupStartupOrphans requeues tasks left on this pod's processing lists
// by a previous run that crashed. Called once during startup, before the
// worker pool begins processing.
func CleanupStartupOrphans(ctx context.Context, q *Queue, podID string, logger *slog.Logger) error {
	ids, err := q.rdb.SMembers(ctx, workerRegistryKey).Result()
	if err != nil {
		return fmt.Errorf("list workers for startup cleanup: %w", err)
	}

	prefix := podID + "-worker-"
	requeued := 0
	for _, id := range ids {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		moved, err := q.RecoverWorker(ctx, id)
		if err != nil {
			logger.Error("Failed to recover startup orphan",
				"worker_id", id,
				"error", err)
			continue
		}
		requeued += moved
	}

	if requeued > 0 {
		logger.Warn("Requeued tasks from previous run",
			"pod_id", podID,
			"count", requeued)
	}
	return nil
}

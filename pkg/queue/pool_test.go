package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymates/maestro/pkg/config"
	"github.com/heymates/maestro/pkg/models"
	"github.com/heymates/maestro/pkg/session"
)

// recordingExecutor counts executions and optionally delegates to fn.
type recordingExecutor struct {
	mu    sync.Mutex
	tasks []*Task
	fn    func(ctx context.Context, task *Task) error
}

func (e *recordingExecutor) Execute(ctx context.Context, task *Task) error {
	e.mu.Lock()
	e.tasks = append(e.tasks, task)
	fn := e.fn
	e.mu.Unlock()
	if fn != nil {
		return fn(ctx, task)
	}
	return nil
}

func (e *recordingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

func (e *recordingExecutor) taskAt(i int) *Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tasks[i]
}

func testQueueConfig() *config.QueueConfig {
	return &config.QueueConfig{
		WorkerCount:        2,
		ClaimTimeout:       100 * time.Millisecond,
		TaskTimeout:        time.Minute,
		HeartbeatInterval:  50 * time.Millisecond,
		HeartbeatTTL:       5 * time.Second,
		PromotionInterval:  50 * time.Millisecond,
		OrphanScanInterval: time.Hour,
		MaxTaskAttempts:    2,
		RetryBackoff:       50 * time.Millisecond,
	}
}

func TestPoolProcessesPendingTasks(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	exec := &recordingExecutor{}
	pool := NewWorkerPool("pod-test", q, testQueueConfig(), exec, discardLogger())

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	for _, id := range []string{"msg-1", "msg-2", "msg-3", "msg-4", "msg-5"} {
		require.NoError(t, q.EnqueuePersistMessage(ctx, persistTask(id)))
	}

	require.Eventually(t, func() bool { return exec.count() == 5 },
		5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		pending, err := q.PendingDepth(ctx)
		return err == nil && pending == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestPoolRetriesFailedTaskThenDrops(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	exec := &recordingExecutor{fn: func(ctx context.Context, task *Task) error {
		return errors.New("handler exploded")
	}}
	pool := NewWorkerPool("pod-test", q, testQueueConfig(), exec, discardLogger())

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.NoError(t, q.EnqueuePersistMessage(ctx, persistTask("msg-1")))

	// First attempt fails and is retried once; the second failure hits
	// MaxTaskAttempts and the task is dropped.
	require.Eventually(t, func() bool { return exec.count() == 2 },
		5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		pending, errP := q.PendingDepth(ctx)
		delayed, errD := q.DelayedDepth(ctx)
		return errP == nil && errD == nil && pending == 0 && delayed == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, exec.count())
}

func TestPoolDropsUndecodableTask(t *testing.T) {
	q, rdb := newTestQueue(t)
	ctx := context.Background()
	exec := &recordingExecutor{}
	pool := NewWorkerPool("pod-test", q, testQueueConfig(), exec, discardLogger())

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	require.NoError(t, rdb.LPush(ctx, pendingKey, "{corrupt").Err())
	require.NoError(t, q.EnqueuePersistMessage(ctx, persistTask("msg-1")))

	require.Eventually(t, func() bool { return exec.count() == 1 },
		5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		pending, err := q.PendingDepth(ctx)
		return err == nil && pending == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "msg-1", messageIDOf(t, exec.taskAt(0)))
}

func TestCancelSessionDeliversRevokedCause(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	causeCh := make(chan error, 1)
	exec := &recordingExecutor{fn: func(ctx context.Context, task *Task) error {
		if task.Kind != KindSessionRun {
			return nil
		}
		<-ctx.Done()
		causeCh <- context.Cause(ctx)
		// The real runner settles a revoked session itself and reports
		// success, so the task is acked rather than retried.
		return nil
	}}
	pool := NewWorkerPool("pod-test", q, testQueueConfig(), exec, discardLogger())

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	assert.False(t, pool.CancelSession("task-cancel"))

	st := &models.SessionTask{TaskID: "task-cancel", ChatID: "chat-1", MessageID: "msg-1"}
	require.NoError(t, q.EnqueueSession(ctx, st))

	require.Eventually(t, func() bool { return pool.CancelSession("task-cancel") },
		5*time.Second, 10*time.Millisecond)

	select {
	case cause := <-causeCh:
		assert.ErrorIs(t, cause, session.ErrRevoked)
	case <-time.After(5 * time.Second):
		t.Fatal("session context was never cancelled")
	}

	require.Eventually(t, func() bool {
		pending, err := q.PendingDepth(ctx)
		return err == nil && pending == 0 && pool.activeSessionCount() == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestShutdownLeavesRunningTaskForRecovery(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	var once sync.Once
	exec := &recordingExecutor{fn: func(ctx context.Context, task *Task) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}}
	pool := NewWorkerPool("pod-test", q, testQueueConfig(), exec, discardLogger())

	require.NoError(t, pool.Start(ctx))

	st := &models.SessionTask{TaskID: "task-shutdown", ChatID: "chat-1", MessageID: "msg-1"}
	require.NoError(t, q.EnqueueSession(context.Background(), st))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task was never claimed")
	}

	// Pod shutdown mid-task: the entry stays unacked and deregistration
	// puts it back on the pending list for another pod.
	cancel()
	pool.Stop()

	pending, err := q.PendingDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	task, _, err := q.Claim(context.Background(), "w-next", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "task-shutdown", task.ID)
	assert.Equal(t, KindSessionRun, task.Kind)
}

func TestPoolHealthReportsWorkers(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	pool := NewWorkerPool("pod-test", q, testQueueConfig(), &recordingExecutor{}, discardLogger())

	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.True(t, health.RedisReachable)
	assert.Equal(t, "pod-test", health.PodID)
	assert.Equal(t, 2, health.TotalWorkers)
	assert.Len(t, health.WorkerStats, 2)
	assert.Equal(t, int64(0), health.PendingTasks)
	assert.Equal(t, 0, health.ActiveSessions)
}

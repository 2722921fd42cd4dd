// Package queue provides the Redis task queue and worker pool that drive
// all background processing: session runs, deferred focus confirms, and the
// persistence tasks that settle chat state in the document store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrNoTasksAvailable indicates the claim timed out with nothing pending.
	ErrNoTasksAvailable = errors.New("no tasks available")
)

// TaskKind selects the executor handler for a task.
type TaskKind string

// Task kinds.
const (
	KindSessionRun       TaskKind = "session_run"
	KindFocusConfirm     TaskKind = "focus_confirm"
	KindPersistMessage   TaskKind = "persist_message"
	KindPersistChatMeta  TaskKind = "persist_chat_meta"
	KindClearActiveFocus TaskKind = "clear_active_focus"
)

// Task is the queue envelope. Payload holds the kind-specific task struct
// from pkg/models. For session_run the ID equals the session's task id so
// revocation and the cancel registry address the same name.
type Task struct {
	ID         string          `json:"id"`
	Kind       TaskKind        `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	// Attempt counts completed processing attempts; bumped on retry.
	Attempt int `json:"attempt,omitempty"`
}

// TaskExecutor processes one claimed task. A nil return acks the task; an
// error return retries it with backoff until MaxTaskAttempts. Tasks whose
// context died with the pod are left unacked for orphan recovery instead.
type TaskExecutor interface {
	Execute(ctx context.Context, task *Task) error
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	RedisReachable   bool           `json:"redis_reachable"`
	RedisError       string         `json:"redis_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	ActiveSessions   int            `json:"active_sessions"`
	PendingTasks     int64          `json:"pending_tasks"`
	DelayedTasks     int64          `json:"delayed_tasks"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan"`
	OrphansRecovered int            `json:"orphans_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"` // "idle" or "working"
	CurrentTaskID  string    `json:"current_task_id,omitempty"`
	TasksProcessed int       `json:"tasks_processed"`
	LastActivity   time.Time `json:"last_activity"`
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/heymates/maestro/pkg/models"
)

// Redis key layout. Producers LPUSH onto the pending list and workers claim
// from its right end, so tasks come off in enqueue order. Delayed tasks wait
// in a sorted set scored by their ready time until promotion.
const (
	pendingKey          = "tasks:pending"
	delayedKey          = "tasks:delayed"
	processingKeyPrefix = "tasks:processing:"
	heartbeatKeyPrefix  = "workers:heartbeat:"
	workerRegistryKey   = "workers:registry"
)

func processingKey(workerID string) string { return processingKeyPrefix + workerID }
func heartbeatKey(workerID string) string  { return heartbeatKeyPrefix + workerID }

// Queue is the Redis-backed task queue. It is both the producer surface
// (the Enqueue* methods implement the session and loop scheduler contracts)
// and the claim/ack surface workers consume.
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewQueue creates a queue over the given Redis client.
func NewQueue(rdb *redis.Client, logger *slog.Logger) *Queue {
	return &Queue{rdb: rdb, logger: logger.With("component", "queue")}
}

// EnqueueSession schedules a session run. A task id is assigned when the
// session does not carry one yet.
func (q *Queue) EnqueueSession(ctx context.Context, task *models.SessionTask) error {
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	return q.enqueue(ctx, task.TaskID, KindSessionRun, task, 0)
}

// EnqueueFocusConfirm schedules the deferred focus confirmation after the
// client countdown.
func (q *Queue) EnqueueFocusConfirm(ctx context.Context, chatID string, delay time.Duration) error {
	return q.enqueue(ctx, uuid.NewString(), KindFocusConfirm, models.FocusConfirmTask{ChatID: chatID}, delay)
}

// EnqueuePersistMessage schedules the durable write of one assistant message.
func (q *Queue) EnqueuePersistMessage(ctx context.Context, task models.PersistMessageTask) error {
	return q.enqueue(ctx, uuid.NewString(), KindPersistMessage, task, 0)
}

// EnqueuePersistChatMeta schedules the chat metadata update that follows a
// settled session.
func (q *Queue) EnqueuePersistChatMeta(ctx context.Context, task models.PersistChatMetaTask) error {
	return q.enqueue(ctx, uuid.NewString(), KindPersistChatMeta, task, 0)
}

// EnqueueClearActiveFocus schedules clearing the chat's active focus id in
// the document store.
func (q *Queue) EnqueueClearActiveFocus(ctx context.Context, chatID string) error {
	return q.enqueue(ctx, uuid.NewString(), KindClearActiveFocus, models.ClearActiveFocusTask{ChatID: chatID}, 0)
}

func (q *Queue) enqueue(ctx context.Context, id string, kind TaskKind, payload any, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	task := &Task{
		ID:         id,
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}
	if delay > 0 {
		return q.pushDelayed(ctx, task, task.EnqueuedAt.Add(delay))
	}
	return q.push(ctx, task)
}

func (q *Queue) push(ctx context.Context, task *Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	if err := q.rdb.LPush(ctx, pendingKey, raw).Err(); err != nil {
		return fmt.Errorf("push task %s: %w", task.ID, err)
	}
	return nil
}

func (q *Queue) pushDelayed(ctx context.Context, task *Task, readyAt time.Time) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	member := redis.Z{Score: float64(readyAt.UnixMilli()), Member: string(raw)}
	if err := q.rdb.ZAdd(ctx, delayedKey, member).Err(); err != nil {
		return fmt.Errorf("push delayed task %s: %w", task.ID, err)
	}
	return nil
}

// Claim blocks up to timeout for the next pending task, moving it onto the
// worker's processing list. The raw string must be kept for Ack/Retry. A
// task that no longer decodes is returned as (nil, raw, error) so the caller
// can drop it.
func (q *Queue) Claim(ctx context.Context, workerID string, timeout time.Duration) (*Task, string, error) {
	raw, err := q.rdb.BLMove(ctx, pendingKey, processingKey(workerID), "RIGHT", "LEFT", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, "", ErrNoTasksAvailable
		}
		return nil, "", fmt.Errorf("claim task: %w", err)
	}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, raw, fmt.Errorf("decode claimed task: %w", err)
	}
	return &task, raw, nil
}

// Ack removes a completed (or dropped) task from the worker's processing list.
func (q *Queue) Ack(ctx context.Context, workerID, raw string) error {
	if err := q.rdb.LRem(ctx, processingKey(workerID), 1, raw).Err(); err != nil {
		return fmt.Errorf("ack task: %w", err)
	}
	return nil
}

// Retry re-schedules a failed task with its attempt counter bumped, then
// acks the original entry.
func (q *Queue) Retry(ctx context.Context, workerID, raw string, task *Task, backoff time.Duration) error {
	retried := *task
	retried.Attempt++
	if err := q.pushDelayed(ctx, &retried, time.Now().UTC().Add(backoff)); err != nil {
		return err
	}
	return q.Ack(ctx, workerID, raw)
}

// PromoteDue moves delayed tasks whose ready time has passed onto the
// pending list. Concurrent pods race on ZRem; only the winner pushes.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: 128,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed tasks: %w", err)
	}
	promoted := 0
	for _, raw := range due {
		removed, err := q.rdb.ZRem(ctx, delayedKey, raw).Result()
		if err != nil {
			return promoted, fmt.Errorf("remove delayed task: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, pendingKey, raw).Err(); err != nil {
			return promoted, fmt.Errorf("promote delayed task: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// RegisterWorker adds the worker to the registry scanned by orphan recovery.
func (q *Queue) RegisterWorker(ctx context.Context, workerID string) error {
	return q.rdb.SAdd(ctx, workerRegistryKey, workerID).Err()
}

// Heartbeat refreshes the worker's liveness key.
func (q *Queue) Heartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	return q.rdb.Set(ctx, heartbeatKey(workerID), "1", ttl).Err()
}

// DeregisterWorker requeues anything left on the worker's processing list,
// then removes it from the registry. Called on graceful worker exit; a task
// deliberately left unacked goes straight back to pending here.
func (q *Queue) DeregisterWorker(ctx context.Context, workerID string) (int, error) {
	moved, err := q.requeueProcessing(ctx, workerID)
	if err != nil {
		return moved, err
	}
	if err := q.rdb.SRem(ctx, workerRegistryKey, workerID).Err(); err != nil {
		return moved, fmt.Errorf("deregister worker %s: %w", workerID, err)
	}
	if err := q.rdb.Del(ctx, heartbeatKey(workerID)).Err(); err != nil {
		return moved, fmt.Errorf("drop heartbeat for %s: %w", workerID, err)
	}
	return moved, nil
}

// DeadWorkers returns registered workers whose heartbeat key has expired.
func (q *Queue) DeadWorkers(ctx context.Context) ([]string, error) {
	ids, err := q.rdb.SMembers(ctx, workerRegistryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	var dead []string
	for _, id := range ids {
		alive, err := q.rdb.Exists(ctx, heartbeatKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("check heartbeat for %s: %w", id, err)
		}
		if alive == 0 {
			dead = append(dead, id)
		}
	}
	return dead, nil
}

// RecoverWorker requeues a dead worker's processing list and drops it from
// the registry. Idempotent; safe to run from every pod.
func (q *Queue) RecoverWorker(ctx context.Context, workerID string) (int, error) {
	return q.DeregisterWorker(ctx, workerID)
}

// requeueProcessing drains the worker's processing list back onto the claim
// end of the pending queue. Draining newest claim first leaves the oldest
// claim nearest the claim end, so requeued tasks keep their original order.
func (q *Queue) requeueProcessing(ctx context.Context, workerID string) (int, error) {
	moved := 0
	for {
		_, err := q.rdb.LMove(ctx, processingKey(workerID), pendingKey, "LEFT", "RIGHT").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return moved, nil
			}
			return moved, fmt.Errorf("requeue from %s: %w", workerID, err)
		}
		moved++
	}
}

// PendingDepth returns the number of immediately claimable tasks.
func (q *Queue) PendingDepth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, pendingKey).Result()
}

// DelayedDepth returns the number of tasks waiting on their ready time.
func (q *Queue) DelayedDepth(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, delayedKey).Result()
}

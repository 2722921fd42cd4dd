package config

import "time"

// QueueConfig contains queue and worker pool configuration.
// These values control how tasks are claimed, processed, and recovered.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per pod.
	// Each worker independently claims and processes tasks.
	WorkerCount int

	// ClaimTimeout is how long a worker blocks on the claim call before
	// rechecking for shutdown. The claim blocks server-side, so no poll
	// jitter is needed.
	ClaimTimeout time.Duration

	// TaskTimeout is the hard wall-time limit for processing one task.
	TaskTimeout time.Duration

	// HeartbeatInterval is how often a worker refreshes its liveness key.
	HeartbeatInterval time.Duration

	// HeartbeatTTL is the liveness key expiry. A worker whose key expired
	// is considered dead and has its processing list requeued.
	HeartbeatTTL time.Duration

	// PromotionInterval is how often due delayed tasks are moved onto the
	// pending list.
	PromotionInterval time.Duration

	// OrphanScanInterval is how often to scan for dead workers.
	OrphanScanInterval time.Duration

	// MaxTaskAttempts bounds retries of a failing task before it is
	// dropped with an error log.
	MaxTaskAttempts int

	// RetryBackoff is the base delay before a failed task is retried,
	// multiplied by the attempt number.
	RetryBackoff time.Duration

	// GracefulShutdownTimeout bounds the drain on shutdown. Sessions still
	// running when it expires stay on the processing list and are
	// orphan-recovered by the next pod.
	GracefulShutdownTimeout time.Duration
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             5,
		ClaimTimeout:            time.Second,
		TaskTimeout:             15 * time.Minute,
		HeartbeatInterval:       5 * time.Second,
		HeartbeatTTL:            15 * time.Second,
		PromotionInterval:       time.Second,
		OrphanScanInterval:      30 * time.Second,
		MaxTaskAttempts:         3,
		RetryBackoff:            5 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

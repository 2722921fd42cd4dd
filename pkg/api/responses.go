package api

import "github.com/heymates/maestro/pkg/queue"

// ErrorResponse is the uniform error body for all endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ResponseAccepted is returned by POST /internal/v1/responses.
type ResponseAccepted struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// RevokeResponse is returned by POST /internal/v1/tasks/:taskID/revoke.
// CancelledHere reports whether the session was running on this pod and got
// its context cancelled directly; the Redis flag covers every other pod.
type RevokeResponse struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	CancelledHere bool   `json:"cancelled_here"`
}

// CancelResponse is returned by the skill-task and pending-focus cancels.
type CancelResponse struct {
	Status string `json:"status"`
}

// HealthCheck is one named probe inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /internal/v1/health.
type HealthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Checks     map[string]HealthCheck `json:"checks"`
	WorkerPool *queue.PoolHealth      `json:"worker_pool,omitempty"`
}

package models

import (
	"fmt"
	"time"

	"lexrelay/pkg/provider/types"
)

// Queue names. Each queue carries its own attempt cap, backoff base and
// worker concurrency.
const (
	QueueIncoming = "incoming"
	QueueOutgoing = "outgoing"
	QueueDocument = "document-generation"
)

// JobStatus is the queue runtime's view of a job. Dead jobs stay in the
// store as the durable failure record; they are never silently dropped.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusDead      JobStatus = "dead"
)

// Job is one unit of queued, retryable work.
type Job struct {
	ID            string    `db:"id"`
	Queue         string    `db:"queue"`
	Name          string    `db:"name"`
	Payload       []byte    `db:"payload"`
	Status        JobStatus `db:"status"`
	Attempts      int       `db:"attempts"`
	MaxAttempts   int       `db:"max_attempts"`
	BackoffBaseMs int       `db:"backoff_base_ms"`
	NextRunAt     time.Time `db:"next_run_at"`
	LastError     string    `db:"last_error"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// IncomingJobName tags an incoming job with its origin provider.
func IncomingJobName(kind types.Kind) string {
	return fmt.Sprintf("incoming:%s", kind)
}

// OutgoingJobName tags an outgoing job with the provider that must carry
// the reply.
func OutgoingJobName(kind types.Kind) string {
	return fmt.Sprintf("outgoing:%s", kind)
}

// DocumentJobName is the single job name on the document queue.
const DocumentJobName = "document:generate"

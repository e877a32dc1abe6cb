package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "lexrelay/internal/errors"
	"lexrelay/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// memoryStorage is an in-memory Storage for exercising the runtime
// without SQLite.
type memoryStorage struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{jobs: make(map[string]*models.Job)}
}

func (m *memoryStorage) EnqueueJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *job
	copy.Status = models.JobStatusPending
	m.jobs[job.ID] = &copy
	return nil
}

func (m *memoryStorage) ClaimDueJobs(ctx context.Context, queue string, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []*models.Job
	now := time.Now().UTC()
	for _, job := range m.jobs {
		if len(claimed) >= limit {
			break
		}
		if job.Queue == queue && job.Status == models.JobStatusPending && !job.NextRunAt.After(now) {
			job.Status = models.JobStatusActive
			copy := *job
			claimed = append(claimed, &copy)
		}
	}
	return claimed, nil
}

func (m *memoryStorage) RequeueActiveJobs(ctx context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	requeued := 0
	for _, job := range m.jobs {
		if job.Queue == queue && job.Status == models.JobStatusActive {
			job.Status = models.JobStatusPending
			job.NextRunAt = time.Now().UTC()
			requeued++
		}
	}
	return requeued, nil
}

func (m *memoryStorage) CompleteJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.Status = models.JobStatusCompleted
	}
	return nil
}

func (m *memoryStorage) RescheduleJob(ctx context.Context, jobID string, attempts int, nextRunAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.Status = models.JobStatusPending
		job.Attempts = attempts
		job.NextRunAt = nextRunAt
		job.LastError = lastError
	}
	return nil
}

func (m *memoryStorage) MarkJobDead(ctx context.Context, jobID string, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job, ok := m.jobs[jobID]; ok {
		job.Status = models.JobStatusDead
		job.Attempts = attempts
		job.LastError = lastError
	}
	return nil
}

func (m *memoryStorage) PendingJobCount(ctx context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, job := range m.jobs {
		if job.Queue == queue && job.Status == models.JobStatusPending {
			count++
		}
	}
	return count, nil
}

func (m *memoryStorage) status(jobID string) models.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[jobID].Status
}

func (m *memoryStorage) job(jobID string) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[jobID]
}

func TestEnqueuePersistsJob(t *testing.T) {
	storage := newMemoryStorage()
	q := New(storage, Options{Name: "incoming", MaxAttempts: 3, BackoffBase: time.Second}, nil, testLogger())

	job, err := q.Enqueue(context.Background(), "incoming:hub", map[string]string{"text": "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "incoming", job.Queue)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, 1000, job.BackoffBaseMs)
	assert.JSONEq(t, `{"text":"hello"}`, string(job.Payload))
	assert.Equal(t, models.JobStatusPending, storage.status(job.ID))
}

func TestProcessOneCompletesOnSuccess(t *testing.T) {
	storage := newMemoryStorage()
	handler := func(ctx context.Context, job *models.Job) error { return nil }
	q := New(storage, Options{Name: "incoming", MaxAttempts: 3, BackoffBase: time.Second}, handler, testLogger())

	job, err := q.Enqueue(context.Background(), "incoming:hub", "payload")
	require.NoError(t, err)

	claimed, err := storage.ClaimDueJobs(context.Background(), "incoming", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	q.ProcessOne(context.Background(), claimed[0])
	assert.Equal(t, models.JobStatusCompleted, storage.status(job.ID))
}

func TestProcessOneReschedulesRetryableFailure(t *testing.T) {
	storage := newMemoryStorage()
	handler := func(ctx context.Context, job *models.Job) error {
		return apperrors.NewRetryable(apperrors.ErrCodeProviderTimeout, "provider slow")
	}
	q := New(storage, Options{Name: "outgoing", MaxAttempts: 5, BackoffBase: time.Second}, handler, testLogger())

	job, err := q.Enqueue(context.Background(), "outgoing:hub", "payload")
	require.NoError(t, err)

	claimed, _ := storage.ClaimDueJobs(context.Background(), "outgoing", 1)
	require.Len(t, claimed, 1)
	q.ProcessOne(context.Background(), claimed[0])

	stored := storage.job(job.ID)
	assert.Equal(t, models.JobStatusPending, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.True(t, stored.NextRunAt.After(time.Now().UTC()), "retry is scheduled in the future")
	assert.Contains(t, stored.LastError, "PROVIDER_TIMEOUT")
}

func TestProcessOneNonRetryableGoesStraightToDead(t *testing.T) {
	storage := newMemoryStorage()
	handler := func(ctx context.Context, job *models.Job) error {
		return apperrors.New(apperrors.ErrCodeSessionNotConnected, "tenant has no connected session")
	}
	q := New(storage, Options{Name: "outgoing", MaxAttempts: 5, BackoffBase: time.Second}, handler, testLogger())

	job, err := q.Enqueue(context.Background(), "outgoing:hub", "payload")
	require.NoError(t, err)

	claimed, _ := storage.ClaimDueJobs(context.Background(), "outgoing", 1)
	q.ProcessOne(context.Background(), claimed[0])

	stored := storage.job(job.ID)
	assert.Equal(t, models.JobStatusDead, stored.Status)
	assert.Equal(t, 1, stored.Attempts, "first failure is terminal for non-retryable errors")
	assert.Contains(t, stored.LastError, "SESSION_NOT_CONNECTED")
}

func TestProcessOneExhaustsAttempts(t *testing.T) {
	storage := newMemoryStorage()
	handler := func(ctx context.Context, job *models.Job) error {
		return apperrors.NewRetryable(apperrors.ErrCodeProviderTimeout, "still slow")
	}
	q := New(storage, Options{Name: "outgoing", MaxAttempts: 2, BackoffBase: time.Millisecond}, handler, testLogger())

	job, err := q.Enqueue(context.Background(), "outgoing:hub", "payload")
	require.NoError(t, err)

	// First failure reschedules.
	claimed, _ := storage.ClaimDueJobs(context.Background(), "outgoing", 1)
	require.Len(t, claimed, 1)
	q.ProcessOne(context.Background(), claimed[0])
	assert.Equal(t, models.JobStatusPending, storage.status(job.ID))

	// Second failure hits the attempt cap and the job dies.
	time.Sleep(5 * time.Millisecond)
	claimed, _ = storage.ClaimDueJobs(context.Background(), "outgoing", 1)
	require.Len(t, claimed, 1)
	q.ProcessOne(context.Background(), claimed[0])

	stored := storage.job(job.ID)
	assert.Equal(t, models.JobStatusDead, stored.Status)
	assert.Equal(t, 2, stored.Attempts)
}

func TestStartStopDrainsWork(t *testing.T) {
	storage := newMemoryStorage()
	var mu sync.Mutex
	processed := make(map[string]bool)
	handler := func(ctx context.Context, job *models.Job) error {
		mu.Lock()
		processed[job.ID] = true
		mu.Unlock()
		return nil
	}
	q := New(storage, Options{
		Name:         "incoming",
		MaxAttempts:  3,
		BackoffBase:  time.Second,
		Concurrency:  4,
		PollInterval: 5 * time.Millisecond,
	}, handler, testLogger())

	var ids []string
	for i := 0; i < 6; i++ {
		job, err := q.Enqueue(context.Background(), "incoming:gateway", i)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	q.Start(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(processed) == len(ids)
	}, 2*time.Second, 10*time.Millisecond)

	q.Stop()

	for _, id := range ids {
		assert.Equal(t, models.JobStatusCompleted, storage.status(id))
	}
}

func TestStartRequeuesOrphanedActiveJobs(t *testing.T) {
	storage := newMemoryStorage()
	var mu sync.Mutex
	processed := make(map[string]int)
	handler := func(ctx context.Context, job *models.Job) error {
		mu.Lock()
		processed[job.ID]++
		mu.Unlock()
		return nil
	}
	q := New(storage, Options{
		Name:         "outgoing",
		MaxAttempts:  3,
		BackoffBase:  time.Second,
		PollInterval: 5 * time.Millisecond,
	}, handler, testLogger())

	job, err := q.Enqueue(context.Background(), "outgoing:hub", "payload")
	require.NoError(t, err)

	// Claim without ever finishing, as a crashed run would leave it.
	claimed, err := storage.ClaimDueJobs(context.Background(), "outgoing", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, models.JobStatusActive, storage.status(job.ID))

	q.Start(context.Background())
	defer q.Stop()

	require.Eventually(t, func() bool {
		return storage.status(job.ID) == models.JobStatusCompleted
	}, 2*time.Second, 10*time.Millisecond, "orphaned job must be redelivered")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, processed[job.ID])
	stored := storage.job(job.ID)
	assert.Zero(t, stored.Attempts, "a swept claim is not a failed attempt")
}

func TestStartTwiceIsSafe(t *testing.T) {
	storage := newMemoryStorage()
	q := New(storage, Options{Name: "incoming", PollInterval: 5 * time.Millisecond}, func(ctx context.Context, job *models.Job) error { return nil }, testLogger())

	q.Start(context.Background())
	q.Start(context.Background())
	q.Stop()
	q.Stop()
}

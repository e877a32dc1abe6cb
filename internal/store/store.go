package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"lexrelay/internal/models"
	"lexrelay/internal/security"
	"lexrelay/pkg/provider/types"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the single SQLite-backed persistence layer: session records,
// channel mappings, the durable job tables and generated documents.
type Store struct {
	db        *sql.DB
	encryptor *encryptor
}

func New(dbPath string) (*Store, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid store path: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	enc, err := newEncryptor()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	return &Store{db: db, encryptor: enc}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- sessions ---

// SaveSession upserts the session row for a tenant. The provider token is
// encrypted at rest.
func (s *Store) SaveSession(ctx context.Context, session *models.Session) error {
	encToken, err := s.encryptor.Encrypt(session.ProviderToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt provider token: %w", err)
	}

	query := `
		INSERT INTO sessions (tenant_id, provider_kind, provider_token, state, pending_code, code_kind, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(tenant_id) DO UPDATE SET
			provider_kind = excluded.provider_kind,
			provider_token = excluded.provider_token,
			state = excluded.state,
			pending_code = excluded.pending_code,
			code_kind = excluded.code_kind,
			last_error = excluded.last_error,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err = s.db.ExecContext(ctx, query,
		session.TenantID,
		string(session.Provider),
		encToken,
		string(session.State),
		session.PendingCode,
		session.CodeKind,
		session.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession returns the session for a tenant, or nil when none exists.
func (s *Store) GetSession(ctx context.Context, tenantID string) (*models.Session, error) {
	query := `
		SELECT tenant_id, provider_kind, provider_token, state, pending_code, code_kind, last_error, created_at, updated_at
		FROM sessions WHERE tenant_id = ?
	`
	session := &models.Session{}
	var provider, state, encToken string
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&session.TenantID,
		&provider,
		&encToken,
		&state,
		&session.PendingCode,
		&session.CodeKind,
		&session.LastError,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	token, err := s.encryptor.Decrypt(encToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt provider token: %w", err)
	}

	session.Provider = types.Kind(provider)
	session.State = models.SessionState(state)
	session.ProviderToken = token
	return session, nil
}

// DeleteSession removes a tenant's session row.
func (s *Store) DeleteSession(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// --- channel mappings ---

// SaveChannelMapping records that a provider channel belongs to a tenant.
func (s *Store) SaveChannelMapping(ctx context.Context, mapping *models.ChannelMapping) error {
	query := `
		INSERT INTO channel_mappings (provider_kind, channel_id, tenant_id)
		VALUES (?, ?, ?)
		ON CONFLICT(provider_kind, channel_id) DO UPDATE SET tenant_id = excluded.tenant_id
	`
	if _, err := s.db.ExecContext(ctx, query, string(mapping.Provider), mapping.ChannelID, mapping.TenantID); err != nil {
		return fmt.Errorf("failed to save channel mapping: %w", err)
	}
	return nil
}

// ResolveTenant maps (provider, channelID) to a tenant id. Returns empty
// string when no mapping exists.
func (s *Store) ResolveTenant(ctx context.Context, provider types.Kind, channelID string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id FROM channel_mappings WHERE provider_kind = ? AND channel_id = ?`,
		string(provider), channelID,
	).Scan(&tenantID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve tenant: %w", err)
	}
	return tenantID, nil
}

// DeleteChannelMappings removes every mapping pointing at a tenant.
func (s *Store) DeleteChannelMappings(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM channel_mappings WHERE tenant_id = ?`, tenantID); err != nil {
		return fmt.Errorf("failed to delete channel mappings: %w", err)
	}
	return nil
}

// --- jobs ---

// EnqueueJob durably inserts a job. The row is the at-least-once handoff
// point: once this returns nil the webhook handler may acknowledge.
func (s *Store) EnqueueJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (id, queue, name, payload, status, attempts, max_attempts, backoff_base_ms, next_run_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Queue,
		job.Name,
		string(job.Payload),
		string(models.JobStatusPending),
		job.MaxAttempts,
		job.BackoffBaseMs,
		job.NextRunAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// ClaimDueJobs atomically marks up to limit due pending jobs as active and
// returns them. Claimed jobs belong to the calling dispatcher until they
// are completed, rescheduled or marked dead.
func (s *Store) ClaimDueJobs(ctx context.Context, queue string, limit int) ([]*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, queue, name, payload, attempts, max_attempts, backoff_base_ms, next_run_at, last_error
		FROM jobs
		WHERE queue = ? AND status = ? AND next_run_at <= ?
		ORDER BY next_run_at
		LIMIT ?
	`, queue, string(models.JobStatusPending), time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due jobs: %w", err)
	}

	var jobs []*models.Job
	for rows.Next() {
		job := &models.Job{Queue: queue, Status: models.JobStatusActive}
		var payload string
		if err := rows.Scan(&job.ID, &job.Queue, &job.Name, &payload, &job.Attempts, &job.MaxAttempts, &job.BackoffBaseMs, &job.NextRunAt, &job.LastError); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.Payload = []byte(payload)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate due jobs: %w", err)
	}
	rows.Close()

	for _, job := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			string(models.JobStatusActive), job.ID,
		); err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return jobs, nil
}

// RequeueActiveJobs returns every claimed-but-unfinished job in the queue
// to pending. An active row with no dispatcher attached is a job orphaned
// by a crash or an interrupted shutdown; sweeping them at startup is what
// lets a restart pick the work back up. Attempt counts are left alone so
// the retry accounting stays honest across the restart.
func (s *Store) RequeueActiveJobs(ctx context.Context, queue string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE queue = ? AND status = ?
	`, string(models.JobStatusPending), time.Now().UTC(), queue, string(models.JobStatusActive))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue active jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count requeued jobs: %w", err)
	}
	return int(n), nil
}

// CompleteJob marks a job as successfully processed.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	return s.setJobStatus(ctx, jobID, models.JobStatusCompleted, "", nil)
}

// RescheduleJob returns a failed job to pending with its attempt count and
// next due time advanced.
func (s *Store) RescheduleJob(ctx context.Context, jobID string, attempts int, nextRunAt time.Time, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = ?, next_run_at = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, string(models.JobStatusPending), attempts, nextRunAt.UTC(), lastError, jobID)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// MarkJobDead moves a job to the terminal failed state. The row remains as
// the dead-letter record.
func (s *Store) MarkJobDead(ctx context.Context, jobID string, attempts int, lastError string) error {
	return s.setJobStatus(ctx, jobID, models.JobStatusDead, lastError, &attempts)
}

func (s *Store) setJobStatus(ctx context.Context, jobID string, status models.JobStatus, lastError string, attempts *int) error {
	var err error
	if attempts != nil {
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, attempts = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			string(status), *attempts, lastError, jobID)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
			string(status), lastError, jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	return nil
}

// DeadJobs lists the dead-letter records for a queue, newest first.
func (s *Store) DeadJobs(ctx context.Context, queue string) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, queue, name, payload, attempts, max_attempts, backoff_base_ms, next_run_at, last_error
		FROM jobs WHERE queue = ? AND status = ?
		ORDER BY updated_at DESC
	`, queue, string(models.JobStatusDead))
	if err != nil {
		return nil, fmt.Errorf("failed to query dead jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job := &models.Job{Status: models.JobStatusDead}
		var payload string
		if err := rows.Scan(&job.ID, &job.Queue, &job.Name, &payload, &job.Attempts, &job.MaxAttempts, &job.BackoffBaseMs, &job.NextRunAt, &job.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan dead job: %w", err)
		}
		job.Payload = []byte(payload)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PendingJobCount returns the queue depth for monitoring.
func (s *Store) PendingJobCount(ctx context.Context, queue string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE queue = ? AND status = ?`,
		queue, string(models.JobStatusPending),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending jobs: %w", err)
	}
	return count, nil
}

// --- documents ---

// SaveDocument persists a generated document for a tenant user.
func (s *Store) SaveDocument(ctx context.Context, doc *models.Document) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (tenant_id, user_id, doc_type, content) VALUES (?, ?, ?, ?)`,
		doc.TenantID, doc.UserID, doc.DocType, doc.Content,
	)
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// GetLatestDocument returns the most recent document for (tenant, user,
// type), or nil when none exists.
func (s *Store) GetLatestDocument(ctx context.Context, tenantID, userID, docType string) (*models.Document, error) {
	doc := &models.Document{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, user_id, doc_type, content
		FROM documents WHERE tenant_id = ? AND user_id = ? AND doc_type = ?
		ORDER BY id DESC LIMIT 1
	`, tenantID, userID, docType).Scan(&doc.ID, &doc.TenantID, &doc.UserID, &doc.DocType, &doc.Content)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return doc, nil
}

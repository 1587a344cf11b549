package jobs

import (
	"context"
	"time"
)

// DefaultMaxRetries is applied to published jobs that do not set their own
// retry budget. Sync runs are idempotent, so a retried job at worst
// re-merges the same records.
const DefaultMaxRetries = 3

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeSyncAccount represents an account synchronization job.
	JobTypeSyncAccount JobType = "sync_account"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded indicates the full window was fetched and merged.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusPartial indicates some pages merged before the run stopped;
	// merged data is kept and the watermark did not advance.
	JobStatusPartial JobStatus = "partial"
	// JobStatusFailed indicates the job failed before merging anything.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// SyncAccountJob represents one synchronization run for a single account.
type SyncAccountJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// AccountID is the internal ID of the account to synchronize.
	AccountID string `json:"account_id"`

	// Trigger records what started the run: "manual", "scheduled", "initial".
	Trigger string `json:"trigger,omitempty"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	// PagesFetched counts feed pages retrieved so far.
	PagesFetched int `json:"pages_fetched"`

	// RecordsIngested counts records merged into the store.
	RecordsIngested int `json:"records_ingested"`

	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the job started processing.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the job completed (success or failure).
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the job failed or stopped early.
	Error string `json:"error,omitempty"`

	// RetryCount is the number of times this job has been retried.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the maximum number of retries allowed. Zero means the
	// publisher's default; negative disables retries.
	MaxRetries int `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	// GetID returns the unique job identifier.
	GetID() string

	// GetType returns the job type.
	GetType() JobType

	// GetStatus returns the current job status.
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *SyncAccountJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *SyncAccountJob) GetType() JobType {
	return JobTypeSyncAccount
}

// GetStatus implements the Job interface.
func (j *SyncAccountJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher defines the interface for publishing jobs to a queue.
// This abstraction allows for different queue implementations (in-memory, Cloud Tasks, Pub/Sub).
type Publisher interface {
	// PublishSyncAccount publishes an account synchronization job.
	PublishSyncAccount(ctx context.Context, job *SyncAccountJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler is a function that processes a job. A handler that merged some
// data before hitting an error should set the job's status to
// JobStatusPartial (with counters and error detail) and return nil; a
// returned error means nothing merged and the job may be retried.
type JobHandler func(ctx context.Context, job Job) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *SyncAccountJob) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*SyncAccountJob, error)

	// ListJobs retrieves jobs with optional filtering.
	ListJobs(ctx context.Context, filter JobFilter) ([]*SyncAccountJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	// AccountID filters jobs by account.
	AccountID string

	// Status filters jobs by status.
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}

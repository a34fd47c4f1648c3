package storage

import (
	"context"

	"github.com/poiesic/kbingest/core"
)

// SortField selects the ordering of a job listing.
type SortField string

const (
	SortByCreatedAt SortField = "created_at"
	SortByUpdatedAt SortField = "updated_at"
	SortByStatus    SortField = "status"
	SortByFilename  SortField = "filename"
)

// JobQuery filters and pages a job listing within one collection.
type JobQuery struct {
	CollectionID string
	// Statuses restricts results to these statuses. When empty, every
	// status except deleted is returned.
	Statuses   []core.JobStatus
	Offset     int
	Limit      int
	SortBy     SortField
	Descending bool
}

// MutateFunc changes a job in place inside a storage transaction.
// Returning an error aborts the transaction and leaves the row untouched.
type MutateFunc func(job *core.IngestionJob) error

// JobRepository is the durable record of every ingestion attempt.
// Implementations must serialize writes to a single job so that concurrent
// progress updates and transitions never lose updates.
type JobRepository interface {
	// CreateJob stores a new job. The job must be pending.
	// Returns ErrDuplicateKey if a job with the same ID exists.
	CreateJob(ctx context.Context, job *core.IngestionJob) error

	// GetJob retrieves a job by ID.
	// Returns ErrNotFound if the job doesn't exist.
	GetJob(ctx context.Context, id string) (*core.IngestionJob, error)

	// ListJobs returns one page of jobs matching the query and the total
	// number of matches before paging.
	ListJobs(ctx context.Context, query JobQuery) ([]*core.IngestionJob, int, error)

	// ListCollectionJobs returns every job of a collection, deleted ones included.
	ListCollectionJobs(ctx context.Context, collectionID string) ([]*core.IngestionJob, error)

	// ListJobsByStatus returns every job currently in the given status.
	ListJobsByStatus(ctx context.Context, status core.JobStatus) ([]*core.IngestionJob, error)

	// TransitionJob moves a job to status `to` if the state machine allows it
	// from the job's current status, applying mutate in the same transaction.
	// Returns core.ErrInvalidStateTransition and leaves the row unchanged otherwise.
	TransitionJob(ctx context.Context, id string, to core.JobStatus, mutate MutateFunc) (*core.IngestionJob, error)

	// ClaimJob atomically moves a pending job to processing, records the start
	// time and takes the artifact lock for (CollectionID, StoragePath).
	// Returns core.ErrInvalidStateTransition if the job is not pending and
	// ErrArtifactBusy if another job holds the artifact.
	ClaimJob(ctx context.Context, id string) (*core.IngestionJob, error)

	// UpdateJob applies mutate to the stored job without changing its status.
	UpdateJob(ctx context.Context, id string, mutate MutateFunc) (*core.IngestionJob, error)

	// UpdateProgress stores progress for a processing job. Updates whose
	// Current is lower than the stored value are ignored.
	// Returns core.ErrInvalidStateTransition if the job is not processing.
	UpdateProgress(ctx context.Context, id string, progress core.Progress) (*core.IngestionJob, error)

	// Close releases resources held by the repository.
	Close() error
}

// ChunkSink is the vector storage collaborator that receives chunk batches.
//
// Every implementation writes a job's batch all-or-nothing: WriteChunks
// replaces any chunks previously written for the same job inside one
// transaction and either stores the whole batch or nothing.
type ChunkSink interface {
	// WriteChunks stores the batch for jobID and returns the number written.
	WriteChunks(ctx context.Context, collectionID, jobID string, chunks []core.Chunk) (int, error)

	// DeleteJobChunks removes all chunks of a job and returns how many were removed.
	DeleteJobChunks(ctx context.Context, collectionID, jobID string) (int, error)
}

package badger

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
)

// JobRepository implements storage.JobRepository for BadgerDB.
type JobRepository struct {
	backend *Backend
	now     func() time.Time
}

var _ storage.JobRepository = (*JobRepository)(nil)

// NewJobRepository creates a new JobRepository.
func NewJobRepository(backend *Backend) *JobRepository {
	return &JobRepository{
		backend: backend,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op; the backend owns the database handle.
func (r *JobRepository) Close() error {
	return nil
}

// CreateJob stores a new pending job and its index entries.
func (r *JobRepository) CreateJob(ctx context.Context, job *core.IngestionJob) error {
	if job == nil {
		return fmt.Errorf("%w: job is nil", core.ErrValidation)
	}
	if job.Status != core.StatusPending {
		return fmt.Errorf("%w: new job must be pending, got %s", core.ErrInvalidStateTransition, job.Status)
	}
	if err := core.ValidateJob(job); err != nil {
		return err
	}

	now := r.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	return r.backend.Update(func(tx *badger.Txn) error {
		key := makeJobKey(job.ID)
		if _, err := tx.Get(key); err == nil {
			return storage.ErrDuplicateKey
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		if err := r.writeJob(tx, "", job); err != nil {
			return err
		}
		return tx.Set(makeCollectionIndexKey(job.CollectionID, job.CreatedAt, job.ID), []byte(job.ID))
	})
}

// GetJob retrieves a job by ID.
func (r *JobRepository) GetJob(ctx context.Context, id string) (*core.IngestionJob, error) {
	var job *core.IngestionJob
	err := r.backend.View(func(tx *badger.Txn) error {
		var err error
		job, err = r.readJob(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns one page of a collection's jobs.
func (r *JobRepository) ListJobs(ctx context.Context, query storage.JobQuery) ([]*core.IngestionJob, int, error) {
	if query.Offset < 0 || query.Limit < 0 {
		return nil, 0, fmt.Errorf("%w: negative offset or limit", storage.ErrInvalidQuery)
	}
	sortBy := query.SortBy
	if sortBy == "" {
		sortBy = storage.SortByCreatedAt
	}
	compare, ok := jobComparators[sortBy]
	if !ok {
		return nil, 0, fmt.Errorf("%w: unknown sort field %q", storage.ErrInvalidQuery, sortBy)
	}

	all, err := r.ListCollectionJobs(ctx, query.CollectionID)
	if err != nil {
		return nil, 0, err
	}

	matches := make([]*core.IngestionJob, 0, len(all))
	for _, job := range all {
		if matchesStatus(job.Status, query.Statuses) {
			matches = append(matches, job)
		}
	}

	slices.SortStableFunc(matches, func(a, b *core.IngestionJob) int {
		c := compare(a, b)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if query.Descending {
			return -c
		}
		return c
	})

	total := len(matches)
	if query.Offset >= total {
		return []*core.IngestionJob{}, total, nil
	}
	end := total
	if query.Limit > 0 && query.Offset+query.Limit < total {
		end = query.Offset + query.Limit
	}
	return matches[query.Offset:end], total, nil
}

// ListCollectionJobs returns every job of a collection in creation order.
func (r *JobRepository) ListCollectionJobs(ctx context.Context, collectionID string) ([]*core.IngestionJob, error) {
	return r.scanIndex(makeCollectionIndexPrefix(collectionID))
}

// ListJobsByStatus returns every job currently in the given status.
func (r *JobRepository) ListJobsByStatus(ctx context.Context, status core.JobStatus) ([]*core.IngestionJob, error) {
	if !core.IsValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", storage.ErrInvalidQuery, status)
	}
	return r.scanIndex(makeStatusIndexPrefix(status))
}

// TransitionJob moves a job to a new status if the state machine allows it.
func (r *JobRepository) TransitionJob(ctx context.Context, id string, to core.JobStatus, mutate storage.MutateFunc) (*core.IngestionJob, error) {
	var result *core.IngestionJob
	err := r.backend.Update(func(tx *badger.Txn) error {
		job, err := r.readJob(tx, id)
		if err != nil {
			return err
		}
		from := job.Status
		if err := core.ValidateTransition(from, to); err != nil {
			return err
		}

		if mutate != nil {
			if err := mutate(job); err != nil {
				return err
			}
		}
		job.Status = to
		job.UpdatedAt = r.now()
		if to == core.StatusDeleted {
			job.StatusBeforeDelete = from
		}
		if err := core.ValidateJob(job); err != nil {
			return err
		}

		if from == core.StatusProcessing {
			if err := r.releaseArtifact(tx, job); err != nil {
				return err
			}
		}
		if err := r.writeJob(tx, from, job); err != nil {
			return err
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ClaimJob atomically moves a pending job to processing.
func (r *JobRepository) ClaimJob(ctx context.Context, id string) (*core.IngestionJob, error) {
	var result *core.IngestionJob
	err := r.backend.Update(func(tx *badger.Txn) error {
		job, err := r.readJob(tx, id)
		if err != nil {
			return err
		}
		if err := core.ValidateTransition(job.Status, core.StatusProcessing); err != nil {
			return err
		}

		lockKey := makeArtifactLockKey(job.CollectionID, job.StoragePath)
		item, err := tx.Get(lockKey)
		switch {
		case err == nil:
			holder, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(holder) != job.ID {
				return fmt.Errorf("%w: held by job %s", storage.ErrArtifactBusy, holder)
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		if err := tx.Set(lockKey, []byte(job.ID)); err != nil {
			return err
		}

		now := r.now()
		job.Status = core.StatusProcessing
		job.Attempts++
		job.CancelRequested = false
		job.DocumentCount = 0
		job.ErrorMessage = ""
		job.ErrorDetails = nil
		job.ProcessingStats = nil
		job.ProcessingStartedAt = &now
		job.ProcessingCompletedAt = nil
		job.Progress = core.NewProgress(0, nil, "Starting")
		job.UpdatedAt = now

		if err := r.writeJob(tx, core.StatusPending, job); err != nil {
			return err
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateJob applies mutate to a job without changing its status.
func (r *JobRepository) UpdateJob(ctx context.Context, id string, mutate storage.MutateFunc) (*core.IngestionJob, error) {
	var result *core.IngestionJob
	err := r.backend.Update(func(tx *badger.Txn) error {
		job, err := r.readJob(tx, id)
		if err != nil {
			return err
		}
		status := job.Status
		if err := mutate(job); err != nil {
			return err
		}
		if job.Status != status {
			return fmt.Errorf("%w: status changes must use TransitionJob", core.ErrInvalidStateTransition)
		}
		job.UpdatedAt = r.now()
		if err := core.ValidateJob(job); err != nil {
			return err
		}
		if err := r.writeJob(tx, status, job); err != nil {
			return err
		}
		result = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateProgress stores monotonic progress for a processing job.
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, progress core.Progress) (*core.IngestionJob, error) {
	var result *core.IngestionJob
	err := r.backend.Update(func(tx *badger.Txn) error {
		job, err := r.readJob(tx, id)
		if err != nil {
			return err
		}
		if job.Status != core.StatusProcessing {
			return fmt.Errorf("%w: progress update on %s job", core.ErrInvalidStateTransition, job.Status)
		}
		result = job
		if progress.Current < job.Progress.Current {
			return nil
		}
		if progress.Total == nil {
			progress.Total = job.Progress.Total
		}
		job.Progress = core.NewProgress(progress.Current, progress.Total, progress.Message)
		job.UpdatedAt = r.now()
		return r.writeJob(tx, job.Status, job)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// readJob loads a job inside a transaction.
func (r *JobRepository) readJob(tx *badger.Txn, id string) (*core.IngestionJob, error) {
	item, err := tx.Get(makeJobKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: job %s", storage.ErrNotFound, id)
		}
		return nil, err
	}

	var job *core.IngestionJob
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		job, unmarshalErr = storage.UnmarshalJob(val)
		return unmarshalErr
	})
	return job, err
}

// writeJob stores a job and moves its status index entry if the status changed.
// previous is "" for a new job.
func (r *JobRepository) writeJob(tx *badger.Txn, previous core.JobStatus, job *core.IngestionJob) error {
	value, err := storage.MarshalJob(job)
	if err != nil {
		return err
	}
	if err := tx.Set(makeJobKey(job.ID), value); err != nil {
		return err
	}
	if previous == job.Status {
		return nil
	}
	if previous != "" {
		if err := tx.Delete(makeStatusIndexKey(previous, job.ID)); err != nil {
			return err
		}
	}
	return tx.Set(makeStatusIndexKey(job.Status, job.ID), []byte(job.ID))
}

// releaseArtifact drops the artifact lock if this job holds it.
func (r *JobRepository) releaseArtifact(tx *badger.Txn, job *core.IngestionJob) error {
	lockKey := makeArtifactLockKey(job.CollectionID, job.StoragePath)
	item, err := tx.Get(lockKey)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	holder, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}
	if string(holder) != job.ID {
		return nil
	}
	return tx.Delete(lockKey)
}

// scanIndex reads every job referenced by an index prefix, in key order.
func (r *JobRepository) scanIndex(prefix []byte) ([]*core.IngestionJob, error) {
	var jobs []*core.IngestionJob
	err := r.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			id, err := iter.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			job, err := r.readJob(tx, string(id))
			if err != nil {
				// Index entries without a record are skipped
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func matchesStatus(status core.JobStatus, filter []core.JobStatus) bool {
	if len(filter) == 0 {
		return status != core.StatusDeleted
	}
	return slices.Contains(filter, status)
}

var jobComparators = map[storage.SortField]func(a, b *core.IngestionJob) int{
	storage.SortByCreatedAt: func(a, b *core.IngestionJob) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	},
	storage.SortByUpdatedAt: func(a, b *core.IngestionJob) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	},
	storage.SortByStatus: func(a, b *core.IngestionJob) int {
		return cmp.Compare(a.Status, b.Status)
	},
	storage.SortByFilename: func(a, b *core.IngestionJob) int {
		return cmp.Compare(a.OriginalFilename, b.OriginalFilename)
	},
}

package badger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupJobRepo(t *testing.T) *JobRepository {
	t.Helper()
	backend, err := OpenBackend(t.TempDir(), false)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return NewJobRepository(backend)
}

func newPendingJob(collectionID, filename string) *core.IngestionJob {
	return &core.IngestionJob{
		ID:               core.NewJobID(),
		CollectionID:     collectionID,
		OriginalFilename: filename,
		SourceDescriptor: filename,
		StoragePath:      collectionID + "/" + filename,
		PluginName:       "simple_ingest",
		PluginParams:     core.Params{"chunk_size": 1000},
		Status:           core.StatusPending,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	repo := setupJobRepo(t)
	ctx := context.Background()

	job := newPendingJob("c1", "a.txt")
	require.NoError(t, repo.CreateJob(ctx, job))
	assert.False(t, job.CreatedAt.IsZero())

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, core.StatusPending, got.Status)
	assert.Equal(t, 1000, got.PluginParams.Int("chunk_size"))
}

func TestCreateJob_Duplicate(t *testing.T) {
	repo := setupJobRepo(t)
	ctx := context.Background()

	job := newPendingJob("c1", "a.txt")
	require.NoError(t, repo.CreateJob(ctx, job))
	err := repo.CreateJob(ctx, job)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestCreateJob_MustBePending(t *testing.T) {
	repo := setupJobRepo(t)
	job := newPendingJob("c1", "a.txt")
	job.Status = core.StatusProcessing
	err := repo.CreateJob(context.Background(), job)
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)
}

func TestGetJob_NotFound(t *testing.T) {
	repo := setupJobRepo(t)
	_, err := repo.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestTransitionJob_InvalidLeavesRowUnchanged(t *testing.T) {
	repo := setupJobRepo(t)
	ctx := context.Background()

	job := newPendingJob("c1", "a.txt")
	require.NoError(t, repo.CreateJob(ctx, job))
	before, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)

	_, err = repo.TransitionJob(ctx, job.ID, core.StatusCompleted, func(j *core.IngestionJob) error {
		j.DocumentCount = 4
		return nil
	})
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)

	after, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTransitionJob_MutateErrorAborts(t *testing.T) {
	repo := setupJobRepo(t)
	ctx := context.Background()

	job := newPendingJob("c1", "a.txt")
	require.NoError(t, repo.CreateJob(ctx, job))

	_, err := repo.TransitionJob(ctx, job.ID, core.StatusCancelled, func(j *core.IngestionJob) error {
		return fmt.Errorf("nope")
	})
	require.Error(t, err)

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, got.Status)
}

func TestClaimJob(t *testing.T) {
	repo := setupJobRepo(t)
	ctx := context.Background()

	job := newPendingJob("c1", "a.txt")
	require.NoError(t, repo.CreateJob(ctx, job))

	claimed, err := repo.ClaimJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)
	require.NotNil(t, claimed.ProcessingStartedAt)
	assert.Nil(t, claimed.Progress.Total)

	_, err = repo.ClaimJob(ctx, job.ID)
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)
}

func TestClaimJob_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	repo := setupJobRepo(t)
	ctx := context.Background()

	job := newPendingJob("c1", "a.txt")
	require.NoError(t, repo.CreateJob(ctx, job))

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.ClaimJob(ctx, job.ID); err == nil {
				winners.Add(1)
			} else {
				assert.ErrorIs(t, err, core.ErrInvalidStateTransition)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestClaimJob_ArtifactLock(t *testing.T) {
	repo := setupJobRepo(t)
	ctx := context.Background()

	first := newPendingJob("c1", "same.pdf")
	second := newPendingJob("c1", "same.pdf")
	other := newPendingJob("c2", "same.pdf")
	require.NoError(t, repo.CreateJob(ctx, first))
	require.NoError(t, repo.CreateJob(ctx, second))
	require.NoError(t, repo.CreateJob(ctx, other))

	_, err := repo.ClaimJob(ctx, first.ID)
	require.NoError(t, err)

	// Same collection and storage path is busy
	_, err = repo.ClaimJob(ctx, second.ID)
	assert.ErrorIs(t, err, storage.ErrArtifactBusy)
	got, err := repo.GetJob(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, got.Status)

	// A different collection is independent
	_, err = repo.ClaimJob(ctx, other.ID)
	require.NoError(t, err)

	// Finishing the first job releases the artifact
	_, err = repo.TransitionJob(ctx, first.ID, core.StatusFailed, func(j *core.IngestionJob) error {
		j.ErrorMessage = "boom"
		return nil
	})
	require.NoError(t, err)

	_, err = repo.ClaimJob(ctx, second.ID)
	require.NoError(t, err)
}

func TestUpdateProgress_Monotonic(t *testing.T) {
	repo := setupJobRepo(t)
	ctx := context.Background()

	job := newPendingJob("c1", "a.txt")
	require.NoError(t, repo.CreateJob(ctx, job))

	_, err := repo.UpdateProgress(ctx, job.ID, core.NewProgress(1, nil, "too early"))
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)

	_, err = repo.ClaimJob(ctx, job.ID)
	require.NoError(t, err)

	total := 5
	_, err = repo.UpdateProgress(ctx, job.ID, core.NewProgress(3, &total, "three"))
	require.NoError(t, err)

	got, err := repo.UpdateProgress(ctx, job.ID, core.NewProgress(2, &total, "two"))
	require.NoError(t, err)
	assert.Equal(t, 3, got.Progress.Current)
	assert.Equal(t, "three", got.Progress.Message)

	// A missing total keeps the known one
	got, err = repo.UpdateProgress(ctx, job.ID, core.Progress{Current: 4, Message: "four"})
	require.NoError(t, err)
	require.NotNil(t, got.Progress.Total)
	assert.Equal(t, 5, *got.Progress.Total)
	assert.Equal(t, 80.0, got.Progress.Percentage)
}

func TestUpdateProgress_ConcurrentWritersNeverDecrease(t *testing.T) {
	repo := setupJobRepo(t)
	ctx := context.Background()

	job := newPendingJob("c1", "a.txt")
	require.NoError(t, repo.CreateJob(ctx, job))
	_, err := repo.ClaimJob(ctx, job.ID)
	require.NoError(t, err)

	total := 40
	var wg sync.WaitGroup
	for i := 1; i <= total; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := repo.UpdateProgress(ctx, job.ID, core.NewProgress(n, &total, "step"))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, total, got.Progress.Current)
}

func TestUpdateJob_CannotChangeStatus(t *testing.T) {
	repo := setupJobRepo(t)
	ctx := context.Background()

	job := newPendingJob("c1", "a.txt")
	require.NoError(t, repo.CreateJob(ctx, job))

	_, err := repo.UpdateJob(ctx, job.ID, func(j *core.IngestionJob) error {
		j.Status = core.StatusCompleted
		return nil
	})
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)

	updated, err := repo.UpdateJob(ctx, job.ID, func(j *core.IngestionJob) error {
		j.Owner = "alice"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", updated.Owner)
}

func TestTransitionJob_SoftDeletePreservesStatus(t *testing.T) {
	repo := setupJobRepo(t)
	ctx := context.Background()

	job := newPendingJob("c1", "a.txt")
	require.NoError(t, repo.CreateJob(ctx, job))

	deleted, err := repo.TransitionJob(ctx, job.ID, core.StatusDeleted, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDeleted, deleted.Status)
	assert.Equal(t, core.StatusPending, deleted.StatusBeforeDelete)

	_, err = repo.TransitionJob(ctx, job.ID, core.StatusDeleted, nil)
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)

	// The row survives for audit
	got, err := repo.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusDeleted, got.Status)
}

func TestListJobs(t *testing.T) {
	repo := setupJobRepo(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	names := []string{"c.txt", "a.txt", "b.txt", "d.txt"}
	ids := make([]string, len(names))
	for i, name := range names {
		job := newPendingJob("c1", name)
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.CreateJob(ctx, job))
		ids[i] = job.ID
	}
	require.NoError(t, repo.CreateJob(ctx, newPendingJob("c2", "other.txt")))

	_, err := repo.TransitionJob(ctx, ids[3], core.StatusDeleted, nil)
	require.NoError(t, err)
	_, err = repo.TransitionJob(ctx, ids[2], core.StatusCancelled, nil)
	require.NoError(t, err)

	t.Run("default hides deleted, creation order", func(t *testing.T) {
		jobs, total, err := repo.ListJobs(ctx, storage.JobQuery{CollectionID: "c1"})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, jobs, 3)
		assert.Equal(t, []string{ids[0], ids[1], ids[2]}, []string{jobs[0].ID, jobs[1].ID, jobs[2].ID})
	})

	t.Run("status filter", func(t *testing.T) {
		jobs, total, err := repo.ListJobs(ctx, storage.JobQuery{
			CollectionID: "c1",
			Statuses:     []core.JobStatus{core.StatusCancelled, core.StatusDeleted},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, jobs, 2)
	})

	t.Run("sort by filename descending with paging", func(t *testing.T) {
		jobs, total, err := repo.ListJobs(ctx, storage.JobQuery{
			CollectionID: "c1",
			SortBy:       storage.SortByFilename,
			Descending:   true,
			Offset:       1,
			Limit:        1,
		})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, jobs, 1)
		assert.Equal(t, "b.txt", jobs[0].OriginalFilename)
	})

	t.Run("offset beyond total", func(t *testing.T) {
		jobs, total, err := repo.ListJobs(ctx, storage.JobQuery{CollectionID: "c1", Offset: 10})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Empty(t, jobs)
	})

	t.Run("invalid query", func(t *testing.T) {
		_, _, err := repo.ListJobs(ctx, storage.JobQuery{CollectionID: "c1", SortBy: "size"})
		assert.ErrorIs(t, err, storage.ErrInvalidQuery)
		_, _, err = repo.ListJobs(ctx, storage.JobQuery{CollectionID: "c1", Limit: -1})
		assert.ErrorIs(t, err, storage.ErrInvalidQuery)
	})

	t.Run("collection prefix does not leak", func(t *testing.T) {
		require.NoError(t, repo.CreateJob(ctx, newPendingJob("c10", "x.txt")))
		all, err := repo.ListCollectionJobs(ctx, "c1")
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}

func TestListJobsByStatus(t *testing.T) {
	repo := setupJobRepo(t)
	ctx := context.Background()

	a := newPendingJob("c1", "a.txt")
	b := newPendingJob("c1", "b.txt")
	require.NoError(t, repo.CreateJob(ctx, a))
	require.NoError(t, repo.CreateJob(ctx, b))
	_, err := repo.ClaimJob(ctx, a.ID)
	require.NoError(t, err)

	pending, err := repo.ListJobsByStatus(ctx, core.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	processing, err := repo.ListJobsByStatus(ctx, core.StatusProcessing)
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, a.ID, processing[0].ID)

	_, err = repo.ListJobsByStatus(ctx, "bogus")
	assert.ErrorIs(t, err, storage.ErrInvalidQuery)
}

package jobs

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/poiesic/kbingest/core"
)

const recentFailureLimit = 5

// ProcessingJob is a processing job with how long it has been running.
type ProcessingJob struct {
	ID               string        `json:"id"`
	OriginalFilename string        `json:"original_filename"`
	PluginName       string        `json:"plugin_name"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	AgeSeconds       float64       `json:"age_seconds"`
	Progress         core.Progress `json:"progress"`
	Stale            bool          `json:"stale"`
}

// FailedJob is the short form of a failed job.
type FailedJob struct {
	ID               string             `json:"id"`
	OriginalFilename string             `json:"original_filename"`
	ErrorMessage     string             `json:"error_message"`
	ErrorDetails     *core.ErrorDetails `json:"error_details,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Summary is an aggregate over one collection's jobs, computed per call.
type Summary struct {
	CollectionID        string                 `json:"collection_id"`
	TotalJobs           int                    `json:"total_jobs"`
	CountsByStatus      map[core.JobStatus]int `json:"counts_by_status"`
	CurrentlyProcessing []ProcessingJob        `json:"currently_processing"`
	RecentFailures      []FailedJob            `json:"recent_failures"`
	OldestProcessingJob *ProcessingJob         `json:"oldest_processing_job,omitempty"`
	StaleProcessingJobs int                    `json:"stale_processing_jobs"`
}

// Summary aggregates the jobs of a collection. TotalJobs excludes deleted
// jobs; CountsByStatus has an entry for every status.
func (s *Service) Summary(ctx context.Context, collectionID string) (*Summary, error) {
	if strings.TrimSpace(collectionID) == "" {
		return nil, fmt.Errorf("%w: collection id is required", core.ErrValidation)
	}
	all, err := s.jobs.ListCollectionJobs(ctx, collectionID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	sum := &Summary{
		CollectionID:        collectionID,
		CountsByStatus:      make(map[core.JobStatus]int, len(core.AllStatuses)),
		CurrentlyProcessing: []ProcessingJob{},
		RecentFailures:      []FailedJob{},
	}
	for _, status := range core.AllStatuses {
		sum.CountsByStatus[status] = 0
	}

	var failed []*core.IngestionJob
	for _, job := range all {
		sum.CountsByStatus[job.Status]++
		if job.Status != core.StatusDeleted {
			sum.TotalJobs++
		}
		switch job.Status {
		case core.StatusProcessing:
			pj := s.processingJob(job, now)
			if pj.Stale {
				sum.StaleProcessingJobs++
			}
			sum.CurrentlyProcessing = append(sum.CurrentlyProcessing, pj)
		case core.StatusFailed:
			failed = append(failed, job)
		}
	}

	slices.SortFunc(sum.CurrentlyProcessing, func(a, b ProcessingJob) int {
		return cmp.Compare(b.AgeSeconds, a.AgeSeconds)
	})
	if len(sum.CurrentlyProcessing) > 0 {
		oldest := sum.CurrentlyProcessing[0]
		sum.OldestProcessingJob = &oldest
	}

	slices.SortFunc(failed, func(a, b *core.IngestionJob) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	for _, job := range failed[:min(len(failed), recentFailureLimit)] {
		sum.RecentFailures = append(sum.RecentFailures, FailedJob{
			ID:               job.ID,
			OriginalFilename: job.OriginalFilename,
			ErrorMessage:     job.ErrorMessage,
			ErrorDetails:     job.ErrorDetails,
			UpdatedAt:        job.UpdatedAt,
		})
	}
	return sum, nil
}

func (s *Service) processingJob(job *core.IngestionJob, now time.Time) ProcessingJob {
	started := job.ProcessingStartedAt
	if started == nil {
		started = &job.UpdatedAt
	}
	age := now.Sub(*started)
	return ProcessingJob{
		ID:               job.ID,
		OriginalFilename: job.OriginalFilename,
		PluginName:       job.PluginName,
		StartedAt:        job.ProcessingStartedAt,
		AgeSeconds:       age.Seconds(),
		Progress:         job.Progress,
		Stale:            age > s.staleAfter,
	}
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/poiesic/kbingest/assets"
	"github.com/poiesic/kbingest/convert"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/plugin"
	"github.com/poiesic/kbingest/storage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Dispatcher starts background processing of a stored job.
// ingestion.Runner and the AMQP publisher implement it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Service is the job control API.
type Service struct {
	jobs           storage.JobRepository
	store          assets.Store
	plugins        *plugin.Registry
	dispatcher     Dispatcher
	chunks         storage.ChunkSink
	staleAfter     time.Duration
	maxUploadBytes int64
	now            func() time.Time
	logger         *slog.Logger
}

// Option configures a Service.
type Option func(*Service) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithStaleThreshold sets how long a job may stay processing before Summary
// reports it as stale. Default is 30 minutes.
func WithStaleThreshold(d time.Duration) Option {
	return func(s *Service) error {
		if d <= 0 {
			return fmt.Errorf("%w: stale threshold must be positive", core.ErrValidation)
		}
		s.staleAfter = d
		return nil
	}
}

// WithChunkSink lets Delete remove the chunks a job wrote.
func WithChunkSink(sink storage.ChunkSink) Option {
	return func(s *Service) error {
		s.chunks = sink
		return nil
	}
}

// WithMaxUploadBytes rejects uploads larger than n bytes. Zero disables the
// check. Default is 100MB.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Service) error {
		s.maxUploadBytes = n
		return nil
	}
}

// NewService creates the job control API.
func NewService(
	jobs storage.JobRepository,
	store assets.Store,
	plugins *plugin.Registry,
	dispatcher Dispatcher,
	opts ...Option,
) (*Service, error) {
	if jobs == nil {
		return nil, ErrJobRepositoryRequired
	}
	if store == nil {
		return nil, ErrAssetStoreRequired
	}
	if plugins == nil {
		return nil, ErrPluginRegistryRequired
	}
	if dispatcher == nil {
		return nil, ErrDispatcherRequired
	}

	s := &Service{
		jobs:           jobs,
		store:          store,
		plugins:        plugins,
		dispatcher:     dispatcher,
		staleAfter:     30 * time.Minute,
		maxUploadBytes: 100 << 20,
		now:            func() time.Time { return time.Now().UTC() },
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "jobs")
	return s, nil
}

// SubmitRequest is one ingestion request. Exactly one of Data or URL is set.
type SubmitRequest struct {
	CollectionID string
	Owner        string
	Filename     string
	Data         []byte
	URL          string
	PluginName   string
	Params       map[string]any
}

// Submit validates req, stores the source and a pending job, and dispatches
// the job. Invalid requests fail with core.ErrValidation before anything is
// stored. A failed dispatch leaves the job pending for a later resume.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*core.IngestionJob, error) {
	p, params, err := s.validateSubmit(req)
	if err != nil {
		return nil, err
	}

	now := s.now()
	job := &core.IngestionJob{
		ID:           core.NewJobID(),
		CollectionID: req.CollectionID,
		Owner:        req.Owner,
		PluginName:   p.Name(),
		PluginParams: params,
		Status:       core.StatusPending,
		Progress:     core.NewProgress(0, nil, "Queued"),
		CreatedAt:    now,
	}

	if req.URL != "" {
		job.OriginalFilename = req.URL
		job.SourceDescriptor = req.URL
		job.SourceURL = req.URL
		job.StoragePath = req.URL
		job.PublicURL = req.URL
	} else {
		filename := strings.TrimSpace(req.Filename)
		key := assets.SourceKey(req.Owner, req.CollectionID, job.ID, filename)
		contentType := mime.TypeByExtension(convert.Extension(filename))
		publicURL, err := s.store.Put(ctx, key, req.Data, contentType)
		if err != nil {
			return nil, fmt.Errorf("%w: storing source %s: %w", core.ErrStorage, filename, err)
		}
		job.OriginalFilename = filename
		job.SourceDescriptor = filename
		job.ContentHash = core.ContentHash(req.Data)
		job.ContentType = contentType
		job.FileSize = int64(len(req.Data))
		job.StoragePath = key
		job.PublicURL = publicURL
	}

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		if job.SourceURL == "" {
			if delErr := s.store.Delete(ctx, job.StoragePath); delErr != nil {
				s.logger.Warn("failed to remove orphaned source", "key", job.StoragePath, "err", delErr)
			}
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.logger.Info("job submitted",
		"job_id", job.ID,
		"collection_id", job.CollectionID,
		"plugin", job.PluginName,
		"source", job.SourceDescriptor)

	s.dispatch(ctx, job.ID)
	return job, nil
}

func (s *Service) validateSubmit(req SubmitRequest) (plugin.Plugin, core.Params, error) {
	if strings.TrimSpace(req.CollectionID) == "" {
		return nil, nil, fmt.Errorf("%w: collection id is required", core.ErrValidation)
	}
	p, err := s.plugins.Resolve(req.PluginName)
	if err != nil {
		return nil, nil, err
	}

	switch {
	case req.URL != "" && req.Data != nil:
		return nil, nil, fmt.Errorf("%w: submit either a file or a URL, not both", core.ErrValidation)
	case req.URL != "":
		if p.Kind() != plugin.SourceURL {
			return nil, nil, fmt.Errorf("%w: plugin %s does not ingest URLs", core.ErrValidation, p.Name())
		}
		u, err := url.Parse(req.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, nil, fmt.Errorf("%w: %q is not an http(s) URL", core.ErrValidation, req.URL)
		}
	default:
		if p.Kind() != plugin.SourceFile {
			return nil, nil, fmt.Errorf("%w: plugin %s needs a URL", core.ErrValidation, p.Name())
		}
		if strings.TrimSpace(req.Filename) == "" {
			return nil, nil, fmt.Errorf("%w: filename is required", core.ErrValidation)
		}
		if len(req.Data) == 0 {
			return nil, nil, fmt.Errorf("%w: file %s is empty", core.ErrValidation, req.Filename)
		}
		if s.maxUploadBytes > 0 && int64(len(req.Data)) > s.maxUploadBytes {
			return nil, nil, fmt.Errorf("%w: file %s exceeds %d bytes", core.ErrValidation, req.Filename, s.maxUploadBytes)
		}
		if ext := convert.Extension(req.Filename); !p.Supports(ext) {
			return nil, nil, fmt.Errorf("%w: plugin %s does not support %q files", core.ErrValidation, p.Name(), ext)
		}
	}

	params, err := s.plugins.Normalize(p, req.Params)
	if err != nil {
		return nil, nil, err
	}
	return p, params, nil
}

func (s *Service) dispatch(ctx context.Context, jobID string) {
	if err := s.dispatcher.Dispatch(ctx, jobID); err != nil {
		s.logger.Error("failed to dispatch job, it stays pending", "job_id", jobID, "err", err)
	}
}

// GetStatus returns the job. Unknown ids fail with core.ErrNotFound.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*core.IngestionJob, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// ListRequest selects one page of a collection's jobs.
type ListRequest struct {
	CollectionID string
	Statuses     []core.JobStatus
	Offset       int
	Limit        int
	SortBy       storage.SortField
	Descending   bool
}

// ListResult is one page of jobs and the number of matches before paging.
type ListResult struct {
	Items  []*core.IngestionJob `json:"items"`
	Total  int                  `json:"total"`
	Offset int                  `json:"offset"`
	Limit  int                  `json:"limit"`
}

// List returns one page of a collection's jobs, newest first unless the
// request says otherwise.
func (s *Service) List(ctx context.Context, req ListRequest) (*ListResult, error) {
	if strings.TrimSpace(req.CollectionID) == "" {
		return nil, fmt.Errorf("%w: collection id is required", core.ErrValidation)
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	query := storage.JobQuery{
		CollectionID: req.CollectionID,
		Statuses:     req.Statuses,
		Offset:       max(req.Offset, 0),
		Limit:        limit,
		SortBy:       req.SortBy,
		Descending:   req.Descending,
	}
	if query.SortBy == "" {
		query.SortBy = storage.SortByCreatedAt
		query.Descending = true
	}

	items, total, err := s.jobs.ListJobs(ctx, query)
	if err != nil {
		return nil, err
	}
	return &ListResult{Items: items, Total: total, Offset: query.Offset, Limit: limit}, nil
}

// Retry moves a failed job back to pending and dispatches it again. Without
// override the stored parameters are reused unchanged; with override they
// are replaced by its normalized form. Jobs that are not failed are rejected
// with core.ErrInvalidStateTransition.
func (s *Service) Retry(ctx context.Context, jobID string, override map[string]any) (*core.IngestionJob, error) {
	current, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current.Status != core.StatusFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be retried, job %s is %s",
			core.ErrInvalidStateTransition, jobID, current.Status)
	}

	var params core.Params
	if override != nil {
		p, err := s.plugins.Resolve(current.PluginName)
		if err != nil {
			return nil, err
		}
		params, err = s.plugins.Normalize(p, override)
		if err != nil {
			return nil, err
		}
	}

	job, err := s.jobs.TransitionJob(ctx, jobID, core.StatusPending, func(job *core.IngestionJob) error {
		job.ErrorMessage = ""
		job.ErrorDetails = nil
		job.DocumentCount = 0
		job.ProcessingCompletedAt = nil
		job.Progress = core.NewProgress(0, nil, "Queued for retry")
		if params != nil {
			job.PluginParams = params
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job retried", "job_id", jobID, "attempts", job.Attempts, "params_overridden", params != nil)

	s.dispatch(ctx, job.ID)
	return job, nil
}

// Cancel stops a job. A pending job is cancelled at once; a processing job
// gets a cancel request that the runner honors at its next checkpoint. Jobs
// in any other status are rejected with core.ErrInvalidStateTransition.
func (s *Service) Cancel(ctx context.Context, jobID string) (*core.IngestionJob, error) {
	// The job can be claimed between the read and the write; re-read then.
	for range 3 {
		current, err := s.jobs.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}

		var job *core.IngestionJob
		switch current.Status {
		case core.StatusPending:
			now := s.now()
			job, err = s.jobs.TransitionJob(ctx, jobID, core.StatusCancelled, func(j *core.IngestionJob) error {
				if j.Status != core.StatusPending {
					return errStatusChanged
				}
				j.ProcessingCompletedAt = &now
				j.Progress.Message = "Cancelled"
				return nil
			})
		case core.StatusProcessing:
			job, err = s.jobs.UpdateJob(ctx, jobID, func(j *core.IngestionJob) error {
				if j.Status != core.StatusProcessing {
					return errStatusChanged
				}
				j.CancelRequested = true
				j.Progress.Message = "Cancellation requested"
				return nil
			})
		default:
			return nil, fmt.Errorf("%w: cannot cancel job %s in status %s",
				core.ErrInvalidStateTransition, jobID, current.Status)
		}

		if errors.Is(err, errStatusChanged) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info("job cancel requested", "job_id", jobID, "status", job.Status)
		return job, nil
	}
	return nil, fmt.Errorf("%w: job %s kept changing status", core.ErrInvalidStateTransition, jobID)
}

// Delete soft-deletes a job, keeping its record with the status it had. When
// a chunk sink is configured, the job's chunks are removed as well.
func (s *Service) Delete(ctx context.Context, jobID string) (*core.IngestionJob, error) {
	job, err := s.jobs.TransitionJob(ctx, jobID, core.StatusDeleted, nil)
	if err != nil {
		return nil, err
	}
	if s.chunks != nil {
		removed, err := s.chunks.DeleteJobChunks(ctx, job.CollectionID, job.ID)
		if err != nil {
			s.logger.Warn("failed to remove chunks of deleted job", "job_id", jobID, "err", err)
		} else if removed > 0 {
			s.logger.Info("removed chunks of deleted job", "job_id", jobID, "count", removed)
		}
	}
	return job, nil
}

// Plugins describes every available plugin.
func (s *Service) Plugins() []plugin.Info {
	return s.plugins.List()
}

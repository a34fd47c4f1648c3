package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/assets"
	"github.com/poiesic/kbingest/convert"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/plugin"
	"github.com/poiesic/kbingest/storage"
)

// Runner drives ingestion jobs through the pipeline. Runs are dispatched onto
// a bounded worker pool; each run owns its job exclusively once claimed.
type Runner struct {
	jobs              storage.JobRepository
	sink              storage.ChunkSink
	store             assets.Store
	plugins           *plugin.Registry
	credentials       ai.CredentialResolver
	pool              *ants.Pool
	conversionTimeout time.Duration
	describeTimeout   time.Duration
	describeWorkers   int
	maxDescription    int
	claimAttempts     int
	claimDelay        time.Duration
	logger            *slog.Logger
}

// Option configures a Runner.
type Option func(*Runner) error

// WithPoolSize sets the number of jobs that run concurrently.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(r *Runner) error {
		if size < 1 {
			size = 1
		}
		if r.pool != nil {
			r.pool.Release()
		}
		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		r.pool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// WithCredentialResolver sets where LLM image describers come from. Without
// one, llm image mode always falls back to basic.
func WithCredentialResolver(resolver ai.CredentialResolver) Option {
	return func(r *Runner) error {
		r.credentials = resolver
		return nil
	}
}

// WithConversionTimeout bounds a single conversion, including URL fetches.
// Default is 5 minutes.
func WithConversionTimeout(d time.Duration) Option {
	return func(r *Runner) error {
		if d > 0 {
			r.conversionTimeout = d
		}
		return nil
	}
}

// WithDescribeTimeout bounds a single image description call.
// Default is 60 seconds.
func WithDescribeTimeout(d time.Duration) Option {
	return func(r *Runner) error {
		if d > 0 {
			r.describeTimeout = d
		}
		return nil
	}
}

// WithDescribeConcurrency sets how many images of one job are described at
// the same time. Default is 4.
func WithDescribeConcurrency(n int) Option {
	return func(r *Runner) error {
		if n < 1 {
			n = 1
		}
		r.describeWorkers = n
		return nil
	}
}

// WithMaxDescriptionChars caps the length of stored image descriptions.
// Default is 500.
func WithMaxDescriptionChars(n int) Option {
	return func(r *Runner) error {
		r.maxDescription = n
		return nil
	}
}

// WithClaimRetry sets how often a claim blocked by another job holding the
// same artifact is retried, and the initial delay between attempts.
// Default is 5 attempts starting at 200ms.
func WithClaimRetry(attempts int, baseDelay time.Duration) Option {
	return func(r *Runner) error {
		if attempts < 1 {
			return ErrInvalidMaxAttempts
		}
		r.claimAttempts = attempts
		r.claimDelay = baseDelay
		return nil
	}
}

// NewRunner creates a job runner.
func NewRunner(
	jobs storage.JobRepository,
	sink storage.ChunkSink,
	store assets.Store,
	plugins *plugin.Registry,
	opts ...Option,
) (*Runner, error) {
	if jobs == nil {
		return nil, ErrJobRepositoryRequired
	}
	if sink == nil {
		return nil, ErrChunkSinkRequired
	}
	if store == nil {
		return nil, ErrAssetStoreRequired
	}
	if plugins == nil {
		return nil, ErrPluginRegistryRequired
	}

	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		jobs:              jobs,
		sink:              sink,
		store:             store,
		plugins:           plugins,
		pool:              pool,
		conversionTimeout: 5 * time.Minute,
		describeTimeout:   60 * time.Second,
		describeWorkers:   4,
		maxDescription:    500,
		claimAttempts:     5,
		claimDelay:        200 * time.Millisecond,
		logger:            slog.Default(),
	}

	for _, opt := range opts {
		if optErr := opt(r); optErr != nil {
			r.Release()
			return nil, optErr
		}
	}
	r.logger = r.logger.With("component", "runner")
	return r, nil
}

// Dispatch queues jobID for a background run and returns immediately.
func (r *Runner) Dispatch(ctx context.Context, jobID string) error {
	return r.pool.Submit(func() {
		if err := r.Run(context.WithoutCancel(ctx), jobID); err != nil {
			r.logger.Error("job run failed", "job_id", jobID, "err", err)
		}
	})
}

// ResumePending dispatches every job left pending, for example by a restart
// between submission and dispatch. Returns the number of jobs dispatched.
func (r *Runner) ResumePending(ctx context.Context) (int, error) {
	pending, err := r.jobs.ListJobsByStatus(ctx, core.StatusPending)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, job := range pending {
		if err := r.Dispatch(ctx, job.ID); err != nil {
			return dispatched, fmt.Errorf("dispatching job %s: %w", job.ID, err)
		}
		dispatched++
	}
	if dispatched > 0 {
		r.logger.Info("resumed pending jobs", "count", dispatched)
	}
	return dispatched, nil
}

// Release stops the worker pool. Runs already started are not interrupted.
func (r *Runner) Release() {
	if r.pool != nil {
		r.pool.Release()
	}
}

// Running returns the number of runs currently executing.
func (r *Runner) Running() int {
	return r.pool.Running()
}

// Run drives one job from pending to a terminal status.
//
// Run returns an error only when the job could not be claimed or its final
// state could not be stored. Pipeline failures are recorded on the job.
// A claim blocked by storage.ErrArtifactBusy is retried with backoff and
// the error is returned if the artifact stays busy.
func (r *Runner) Run(ctx context.Context, jobID string) error {
	claimStart := time.Now()
	var job *core.IngestionJob
	err := RetryWithBackoff(ctx, func() error {
		var claimErr error
		job, claimErr = r.jobs.ClaimJob(ctx, jobID)
		return claimErr
	}, isArtifactBusy, r.claimAttempts, r.claimDelay)
	if err != nil {
		return fmt.Errorf("claiming job %s: %w", jobID, err)
	}

	logger := r.logger.With("job_id", job.ID, "collection_id", job.CollectionID, "plugin", job.PluginName)
	logger.Info("processing job", "attempt", job.Attempts, "source", job.SourceDescriptor)

	run := &jobRun{
		Runner:     r,
		job:        job,
		logger:     logger,
		progress:   NewProgressTracker(r.jobs, job.ID, logger),
		stats:      &core.ProcessingStats{},
		stage:      core.StageClaim,
		stageStart: claimStart,
	}
	return run.execute(ctx)
}

func isArtifactBusy(err error) bool {
	return errors.Is(err, storage.ErrArtifactBusy)
}

// jobRun is the state of one claimed run.
type jobRun struct {
	*Runner
	job        *core.IngestionJob
	logger     *slog.Logger
	progress   *ProgressTracker
	stats      *core.ProcessingStats
	stage      string
	stageStart time.Time
	describer  ai.ImageDescriber
	statsMu    sync.Mutex
}

// execute runs the pipeline and records its outcome.
func (j *jobRun) execute(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			j.logger.Error("panic during job run", "stage", j.stage, "panic", rec, "stack", string(debug.Stack()))
			err = j.fail(ctx, fmt.Errorf("panic: %v", rec))
		}
	}()

	chunks, pipelineErr := j.pipeline(ctx)
	switch {
	case pipelineErr == nil:
		return j.finalize(ctx, chunks)
	case errors.Is(pipelineErr, core.ErrCancelled):
		return j.cancel(ctx, 0)
	default:
		return j.fail(ctx, pipelineErr)
	}
}

// pipeline runs validation through chunking and returns the chunks to persist.
func (j *jobRun) pipeline(ctx context.Context) ([]core.Chunk, error) {
	j.enter(core.StageValidation)
	p, params, err := j.validate(ctx)
	if err != nil {
		return nil, err
	}
	if err := j.checkpoint(ctx); err != nil {
		return nil, err
	}

	j.enter(core.StageConversion)
	doc, err := j.convert(ctx, p, params)
	if err != nil {
		return nil, err
	}
	if err := j.checkpoint(ctx); err != nil {
		return nil, err
	}

	j.enter(core.StageImageProcessing)
	markdown, err := j.processImages(ctx, doc, params)
	if err != nil {
		return nil, err
	}
	if err := j.checkpoint(ctx); err != nil {
		return nil, err
	}

	j.enter(core.StageChunking)
	chunks, err := j.chunk(ctx, p, params, markdown, doc)
	if err != nil {
		return nil, err
	}
	if err := j.checkpoint(ctx); err != nil {
		return nil, err
	}

	j.enter(core.StageFinalization)
	return chunks, nil
}

// enter closes the timing of the previous stage and starts the next one.
func (j *jobRun) enter(stage string) {
	now := time.Now()
	if j.stage != "" && !j.stageStart.IsZero() {
		j.stats.StageTimings = append(j.stats.StageTimings, core.StageTiming{
			Stage:   j.stage,
			Seconds: now.Sub(j.stageStart).Seconds(),
		})
	}
	j.stage = stage
	j.stageStart = now
}

// checkpoint returns core.ErrCancelled when a cancel was requested or the
// job left processing underneath the run.
func (j *jobRun) checkpoint(ctx context.Context) error {
	current, err := j.jobs.GetJob(ctx, j.job.ID)
	if err != nil {
		return err
	}
	if current.CancelRequested || current.Status != core.StatusProcessing {
		j.logger.Info("cancellation observed", "stage", j.stage, "status", current.Status)
		return fmt.Errorf("%w at %s", core.ErrCancelled, j.stage)
	}
	return nil
}

func (j *jobRun) validate(ctx context.Context) (plugin.Plugin, core.Params, error) {
	p, err := j.plugins.Resolve(j.job.PluginName)
	if err != nil {
		return nil, nil, err
	}

	var caps plugin.Capabilities
	if plugin.ImageMode(j.job.PluginParams) == plugin.ImagesLLM && j.credentials != nil {
		describer, err := j.credentials.Describer(ctx, j.job.Owner)
		switch {
		case err == nil && describer != nil:
			j.describer = describer
			caps.LLMCredential = true
		case errors.Is(err, ai.ErrNoCredential):
		case err != nil:
			j.logger.Warn("credential lookup failed", "owner", j.job.Owner, "err", err)
		}
	}

	params, warnings, err := j.plugins.ValidateParams(p, j.sourceExtension(), j.job.PluginParams, caps)
	if err != nil {
		return nil, nil, err
	}
	for _, w := range warnings {
		j.logger.Warn("capability fallback", "warning", w)
	}
	j.stats.Warnings = append(j.stats.Warnings, warnings...)
	j.stats.EffectiveParams = params
	j.stats.ImageMode = plugin.ImageMode(params)
	if j.stats.ImageMode != plugin.ImagesLLM {
		j.describer = nil
	}
	return p, params, nil
}

func (j *jobRun) sourceExtension() string {
	if j.job.SourceURL != "" {
		u, err := url.Parse(j.job.SourceURL)
		if err != nil {
			return ""
		}
		return convert.Extension(u.Path)
	}
	return convert.Extension(j.job.OriginalFilename)
}

func (j *jobRun) convert(ctx context.Context, p plugin.Plugin, params core.Params) (*convert.Document, error) {
	j.progress.Message(ctx, "Converting "+j.job.SourceDescriptor)

	src := convert.Source{Filename: j.job.OriginalFilename, URL: j.job.SourceURL}
	if j.job.SourceURL == "" {
		data, err := j.store.Get(ctx, j.job.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("%w: reading source %s: %w", core.ErrConversion, j.job.StoragePath, err)
		}
		src.Data = data
	}

	convCtx, cancel := context.WithTimeout(ctx, j.conversionTimeout)
	defer cancel()
	doc, err := p.Convert(convCtx, src, convert.Options{
		ExtractImages: plugin.ImageMode(params) != plugin.ImagesNone,
		Readability:   p.Kind() == plugin.SourceURL,
	})
	if err != nil {
		return nil, err
	}

	j.stats.ContentLength = utf8.RuneCountInString(doc.Markdown)
	j.stats.ImagesExtracted = len(doc.Assets)

	// conversion + one per image + chunking + persistence
	total := 1 + len(doc.Assets) + 1 + 1
	j.progress.SetTotal(ctx, total, "Converted")
	j.progress.Advance(ctx, 1, fmt.Sprintf("Converted %d characters", j.stats.ContentLength))
	return doc, nil
}

func (j *jobRun) chunk(ctx context.Context, p plugin.Plugin, params core.Params, markdown string, doc *convert.Document) ([]core.Chunk, error) {
	j.progress.Message(ctx, "Chunking")

	result, err := p.Chunk(markdown, params)
	if err != nil {
		return nil, err
	}
	if len(result.Pieces) == 0 {
		return nil, fmt.Errorf("%w: no chunks produced from %d characters", core.ErrChunking, j.stats.ContentLength)
	}
	for _, w := range result.Warnings {
		j.logger.Warn("chunking fallback", "warning", w)
	}
	j.stats.Warnings = append(j.stats.Warnings, result.Warnings...)
	j.stats.ChunkingStrategy = result.Strategy
	j.stats.Chunks = result.Stats()

	chunks := result.BuildChunks(j.baseMetadata(params, doc))
	j.progress.Advance(ctx, 1, fmt.Sprintf("Created %d chunks", len(chunks)))
	return chunks, nil
}

// baseMetadata is copied into every chunk of the job.
func (j *jobRun) baseMetadata(params core.Params, doc *convert.Document) map[string]any {
	md := map[string]any{
		core.MetaJobID:        j.job.ID,
		core.MetaCollectionID: j.job.CollectionID,
		core.MetaFilename:     j.job.OriginalFilename,
		core.MetaExtension:    j.sourceExtension(),
		core.MetaFileSize:     j.job.FileSize,
	}
	if j.job.SourceURL != "" {
		md[core.MetaSourceURL] = j.job.SourceURL
	} else if j.job.PublicURL != "" {
		md[core.MetaSourceURL] = j.job.PublicURL
	}
	if j.stats.MarkdownURL != "" {
		md[core.MetaMarkdownURL] = j.stats.MarkdownURL
	}
	if len(j.stats.AssetURLs) > 0 {
		md[core.MetaImageURLs] = j.stats.AssetURLs
	}
	if v := params.String(plugin.ParamDescription); v != "" {
		md[core.MetaDescription] = v
	} else if doc.Title != "" {
		md[core.MetaDescription] = doc.Title
	}
	if v := params.String(plugin.ParamCitation); v != "" {
		md[core.MetaCitation] = v
	}
	return md
}

// finalize persists chunks and completes the job. A cancel that arrives
// while the chunks are written wins; the written chunks are removed again.
func (j *jobRun) finalize(ctx context.Context, chunks []core.Chunk) error {
	j.progress.Message(ctx, fmt.Sprintf("Storing %d chunks", len(chunks)))

	written, err := j.sink.WriteChunks(ctx, j.job.CollectionID, j.job.ID, chunks)
	if err != nil {
		if !errors.Is(err, core.ErrStorage) {
			err = fmt.Errorf("%w: %w", core.ErrStorage, err)
		}
		return j.fail(ctx, err)
	}
	j.stats.ChunksWritten = written
	j.enter("")

	completed := j.progress.Complete("Completed")
	now := time.Now().UTC()
	_, err = j.jobs.TransitionJob(ctx, j.job.ID, core.StatusCompleted, func(job *core.IngestionJob) error {
		if job.CancelRequested {
			return core.ErrCancelled
		}
		job.DocumentCount = written
		job.ProcessingStats = j.stats
		job.ProcessingCompletedAt = &now
		job.Progress = completed
		return nil
	})
	switch {
	case err == nil:
		j.logger.Info("job completed", "chunks", written, "strategy", j.stats.ChunkingStrategy, "warnings", len(j.stats.Warnings))
		return nil
	case errors.Is(err, core.ErrCancelled):
		return j.cancel(ctx, written)
	case errors.Is(err, core.ErrInvalidStateTransition):
		// Deleted while the chunks were written
		j.removeChunks(ctx)
		j.logger.Info("job left processing before completion", "err", err)
		return nil
	default:
		j.removeChunks(ctx)
		return fmt.Errorf("completing job %s: %w", j.job.ID, err)
	}
}

// cancel moves the job to cancelled. written is the number of chunks the
// sink accepted before the cancel was observed; they are removed.
func (j *jobRun) cancel(ctx context.Context, written int) error {
	stage := j.stage
	if written > 0 {
		j.removeChunks(ctx)
	}
	j.stats.ChunksWritten = written
	j.enter("")

	progress := j.progress.Snapshot("Cancelled")
	now := time.Now().UTC()
	_, err := j.jobs.TransitionJob(ctx, j.job.ID, core.StatusCancelled, func(job *core.IngestionJob) error {
		job.ProcessingStats = j.stats
		job.ProcessingCompletedAt = &now
		job.Progress = progress
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrInvalidStateTransition) {
			j.logger.Info("job left processing before cancellation", "err", err)
			return nil
		}
		return fmt.Errorf("cancelling job %s: %w", j.job.ID, err)
	}
	j.logger.Info("job cancelled", "stage", stage, "chunks_removed", written)
	return nil
}

// fail records cause on the job with the stage it happened in.
func (j *jobRun) fail(ctx context.Context, cause error) error {
	stage := j.stage
	j.enter("")
	j.logger.Error("job failed", "stage", stage, "err", cause)

	source := j.job.StoragePath
	if j.job.SourceURL != "" {
		source = j.job.SourceURL
	}
	progress := j.progress.Snapshot("Failed")
	now := time.Now().UTC()
	_, err := j.jobs.TransitionJob(ctx, j.job.ID, core.StatusFailed, func(job *core.IngestionJob) error {
		job.ErrorMessage = cause.Error()
		job.ErrorDetails = &core.ErrorDetails{
			ExceptionType: core.ExceptionType(cause),
			Stage:         stage,
			SourcePath:    source,
		}
		job.DocumentCount = 0
		job.ProcessingStats = j.stats
		job.ProcessingCompletedAt = &now
		job.Progress = progress
		return nil
	})
	if err != nil {
		if errors.Is(err, core.ErrInvalidStateTransition) {
			j.logger.Info("job left processing before failure was recorded", "err", err)
			return nil
		}
		return fmt.Errorf("recording failure of job %s: %w", j.job.ID, err)
	}
	return nil
}

func (j *jobRun) removeChunks(ctx context.Context) {
	removed, err := j.sink.DeleteJobChunks(ctx, j.job.CollectionID, j.job.ID)
	if err != nil {
		j.logger.Error("failed to remove chunks", "err", err)
		return
	}
	j.logger.Debug("removed chunks", "count", removed)
}

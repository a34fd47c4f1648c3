package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/poiesic/kbingest/core"
)

// ProgressSink persists progress for a job. storage.JobRepository satisfies it.
type ProgressSink interface {
	UpdateProgress(ctx context.Context, id string, progress core.Progress) (*core.IngestionJob, error)
}

// ProgressTracker tracks the progress of one job run and writes every change
// through to a ProgressSink. Current only moves forward; the total stays
// unknown until SetTotal is called.
type ProgressTracker struct {
	sink    ProgressSink
	jobID   string
	logger  *slog.Logger
	current int
	total   *int
	mu      sync.Mutex
}

// NewProgressTracker creates a tracker for jobID.
func NewProgressTracker(sink ProgressSink, jobID string, logger *slog.Logger) *ProgressTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressTracker{
		sink:   sink,
		jobID:  jobID,
		logger: logger,
	}
}

// SetTotal fixes the amount of work. A total below the current position is
// raised to it.
func (p *ProgressTracker) SetTotal(ctx context.Context, total int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if total < p.current {
		total = p.current
	}
	p.total = &total
	p.report(ctx, message)
}

// Advance moves the current position forward by delta.
func (p *ProgressTracker) Advance(ctx context.Context, delta int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if delta > 0 {
		p.current += delta
	}
	if p.total != nil && p.current > *p.total {
		p.current = *p.total
	}
	p.report(ctx, message)
}

// Message replaces the progress message without moving forward.
func (p *ProgressTracker) Message(ctx context.Context, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.report(ctx, message)
}

// Complete returns the finished progress value. It is not written through;
// the caller stores it with the terminal transition.
func (p *ProgressTracker) Complete(message string) core.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.total == nil {
		total := p.current
		p.total = &total
	}
	p.current = *p.total
	return core.NewProgress(p.current, p.total, message)
}

// Snapshot returns the current progress.
func (p *ProgressTracker) Snapshot(message string) core.Progress {
	p.mu.Lock()
	defer p.mu.Unlock()

	return core.NewProgress(p.current, p.total, message)
}

// report writes the current progress. Must be called with lock held.
func (p *ProgressTracker) report(ctx context.Context, message string) {
	progress := core.NewProgress(p.current, p.total, message)
	if _, err := p.sink.UpdateProgress(ctx, p.jobID, progress); err != nil {
		// A job that left processing no longer takes progress
		if errors.Is(err, core.ErrInvalidStateTransition) {
			p.logger.Debug("progress update dropped", "job_id", p.jobID, "err", err)
			return
		}
		p.logger.Warn("failed to store progress", "job_id", p.jobID, "err", err)
	}
}

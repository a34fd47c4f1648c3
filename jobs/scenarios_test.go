package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/ai/mock"
	"github.com/poiesic/kbingest/chunking"
	"github.com/poiesic/kbingest/convert"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/ingestion"
	"github.com/poiesic/kbingest/plugin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncDispatcher runs each job to the end before Dispatch returns.
type syncDispatcher struct {
	runner *ingestion.Runner
}

func (d *syncDispatcher) Dispatch(ctx context.Context, id string) error {
	return d.runner.Run(ctx, id)
}

// newPipeline wires the service to a real runner over in-memory storage.
func newPipeline(t *testing.T, runnerOpts ...ingestion.Option) *env {
	t.Helper()
	e := newEnv(t)
	runnerOpts = append([]ingestion.Option{
		ingestion.WithPoolSize(1),
		ingestion.WithClaimRetry(1, time.Millisecond),
	}, runnerOpts...)
	runner, err := ingestion.NewRunner(e.jobs, e.chunks, e.store, e.plugins, runnerOpts...)
	require.NoError(t, err)
	t.Cleanup(runner.Release)

	e.svc, err = NewService(e.jobs, e.store, e.plugins, &syncDispatcher{runner: runner}, WithChunkSink(e.chunks))
	require.NoError(t, err)
	return e
}

func (e *env) status(t *testing.T, id string) *core.IngestionJob {
	t.Helper()
	job, err := e.svc.GetStatus(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestScenario_PagedPDF(t *testing.T) {
	e := newPipeline(t)
	pdf := convert.SamplePDF("Alpha page.", "Beta page.", "Gamma page.")

	job, err := e.svc.Submit(context.Background(), SubmitRequest{
		CollectionID: "col-1",
		Owner:        "alice",
		Filename:     "report.pdf",
		Data:         pdf,
		PluginName:   plugin.MarkitdownIngest,
		Params:       map[string]any{plugin.ParamChunkingMode: "by_page", plugin.ParamPagesPerChunk: 1},
	})
	require.NoError(t, err)

	done := e.status(t, job.ID)
	require.Equal(t, core.StatusCompleted, done.Status, done.ErrorMessage)
	assert.Equal(t, 3, done.DocumentCount)
	assert.Equal(t, chunking.StrategyByPage, done.ProcessingStats.ChunkingStrategy)
	assert.Empty(t, done.ProcessingStats.Warnings)

	chunks, err := e.chunks.GetJobChunks(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, []any{float64(i + 1), float64(i + 1)}, c.Metadata[core.MetaPageRange])
		assert.Equal(t, job.ID, c.Metadata[core.MetaJobID])
	}
}

func TestScenario_SectionModeWithoutHeadings(t *testing.T) {
	e := newPipeline(t)
	job, err := e.svc.Submit(context.Background(), SubmitRequest{
		CollectionID: "col-1",
		Filename:     "plain.txt",
		Data:         []byte("First paragraph without structure.\n\nSecond paragraph."),
		PluginName:   plugin.MarkitdownIngest,
		Params:       map[string]any{plugin.ParamChunkingMode: "by_section"},
	})
	require.NoError(t, err)

	done := e.status(t, job.ID)
	require.Equal(t, core.StatusCompleted, done.Status, done.ErrorMessage)
	assert.Equal(t, chunking.StrategyStandard, done.ProcessingStats.ChunkingStrategy)
	assert.Equal(t, []string{chunking.WarnNoHeadings}, done.ProcessingStats.Warnings)
	assert.Greater(t, done.DocumentCount, 0)
}

func TestScenario_CorruptFileThenRetry(t *testing.T) {
	e := newPipeline(t)
	job, err := e.svc.Submit(context.Background(), SubmitRequest{
		CollectionID: "col-1",
		Filename:     "broken.pdf",
		Data:         []byte("definitely not a pdf"),
		PluginName:   plugin.MarkitdownIngest,
	})
	require.NoError(t, err)

	failed := e.status(t, job.ID)
	require.Equal(t, core.StatusFailed, failed.Status)
	assert.Equal(t, 0, failed.DocumentCount)
	require.NotNil(t, failed.ErrorDetails)
	assert.Equal(t, core.StageConversion, failed.ErrorDetails.Stage)

	retried, err := e.svc.Retry(context.Background(), job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, retried.Status, "the returned job is the pending one")

	again := e.status(t, job.ID)
	assert.Equal(t, core.StatusFailed, again.Status)
	assert.Equal(t, 2, again.Attempts)

	sum, err := e.svc.Summary(context.Background(), "col-1")
	require.NoError(t, err)
	require.Len(t, sum.RecentFailures, 1)
	assert.Equal(t, job.ID, sum.RecentFailures[0].ID)
}

func TestScenario_CancelWhileProcessing(t *testing.T) {
	var e *env
	describer := mock.NewMockDescriber()
	describer.DescribeImageFunc = func(ctx context.Context, img ai.Image) (string, error) {
		page, err := e.svc.List(ctx, ListRequest{CollectionID: "col-1", Statuses: []core.JobStatus{core.StatusProcessing}})
		if err != nil || len(page.Items) != 1 {
			return "", err
		}
		_, err = e.svc.Cancel(ctx, page.Items[0].ID)
		return "a described figure", err
	}
	e = newPipeline(t,
		ingestion.WithCredentialResolver(ai.NewStaticResolver(describer)),
		ingestion.WithDescribeConcurrency(1))

	docx := convert.SampleDOCX([]convert.SampleParagraph{
		{Text: "Two figures follow."},
		{Image: "one.png"},
		{Image: "two.png"},
	}, map[string][]byte{"one.png": []byte("png-1"), "two.png": []byte("png-2")})
	job, err := e.svc.Submit(context.Background(), SubmitRequest{
		CollectionID: "col-1",
		Filename:     "figures.docx",
		Data:         docx,
		PluginName:   plugin.MarkitdownPlus,
		Params:       map[string]any{plugin.ParamImageDescriptions: "llm"},
	})
	require.NoError(t, err)

	cancelled := e.status(t, job.ID)
	assert.Equal(t, core.StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, cancelled.DocumentCount)
	assert.Equal(t, 1, describer.CallCount())

	chunks, err := e.chunks.GetJobChunks(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	_, err = e.svc.Retry(context.Background(), job.ID, nil)
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition, "cancelled jobs are not retried")
}

func TestScenario_RetryCompletedIsRejected(t *testing.T) {
	e := newPipeline(t)
	job, err := e.svc.Submit(context.Background(), SubmitRequest{
		CollectionID: "col-1",
		Filename:     "notes.md",
		Data:         []byte("# Notes\n\nShort body."),
		PluginName:   plugin.SimpleIngest,
	})
	require.NoError(t, err)
	done := e.status(t, job.ID)
	require.Equal(t, core.StatusCompleted, done.Status, done.ErrorMessage)

	_, err = e.svc.Retry(context.Background(), job.ID, map[string]any{plugin.ParamChunkSize: 400})
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)

	after := e.status(t, job.ID)
	assert.Equal(t, done, after)
}

func TestScenario_LLMWithoutCredential(t *testing.T) {
	e := newPipeline(t, ingestion.WithCredentialResolver(ai.NewStaticResolver(nil)))
	docx := convert.SampleDOCX([]convert.SampleParagraph{
		{Text: "A chart."},
		{Image: "chart.png"},
	}, map[string][]byte{"chart.png": []byte("png-bytes")})

	job, err := e.svc.Submit(context.Background(), SubmitRequest{
		CollectionID: "col-1",
		Filename:     "chart.docx",
		Data:         docx,
		PluginName:   plugin.MarkitdownPlus,
		Params:       map[string]any{plugin.ParamImageDescriptions: "llm"},
	})
	require.NoError(t, err)

	done := e.status(t, job.ID)
	require.Equal(t, core.StatusCompleted, done.Status, done.ErrorMessage)
	assert.Equal(t, plugin.ImagesBasic, done.ProcessingStats.ImageMode)
	assert.Equal(t, []string{plugin.WarnNoLLMCredential}, done.ProcessingStats.Warnings)
	assert.Empty(t, done.ProcessingStats.LLMCalls)
	assert.Equal(t, plugin.ImagesLLM, done.PluginParams.String(plugin.ParamImageDescriptions))
}

func TestScenario_DeleteCompletedRemovesChunks(t *testing.T) {
	e := newPipeline(t)
	job, err := e.svc.Submit(context.Background(), SubmitRequest{
		CollectionID: "col-1",
		Filename:     "notes.txt",
		Data:         []byte("Some text worth indexing."),
		PluginName:   plugin.SimpleIngest,
	})
	require.NoError(t, err)
	require.Equal(t, core.StatusCompleted, e.status(t, job.ID).Status)

	deleted, err := e.svc.Delete(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, deleted.StatusBeforeDelete)

	chunks, err := e.chunks.GetJobChunks(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	page, err := e.svc.List(context.Background(), ListRequest{CollectionID: "col-1"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

package ingestion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/ai/mock"
	"github.com/poiesic/kbingest/assets"
	"github.com/poiesic/kbingest/chunking"
	"github.com/poiesic/kbingest/convert"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/plugin"
	"github.com/poiesic/kbingest/storage"
	"github.com/poiesic/kbingest/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fakePNG = []byte("\x89PNG\r\n\x1a\nnot really a png")

type fixture struct {
	jobs    storage.JobRepository
	chunks  *badger.ChunkRepository
	store   *assets.MemoryStore
	plugins *plugin.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	jobs, chunks, backend, err := badger.NewMemoryRepositories()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	return &fixture{
		jobs:    jobs,
		chunks:  chunks,
		store:   assets.NewMemoryStore(""),
		plugins: plugin.DefaultRegistry(convert.NewRegistry()),
	}
}

func (f *fixture) runner(t *testing.T, sink storage.ChunkSink, opts ...Option) *Runner {
	t.Helper()
	if sink == nil {
		sink = f.chunks
	}
	opts = append([]Option{WithPoolSize(2), WithClaimRetry(2, time.Millisecond)}, opts...)
	r, err := NewRunner(f.jobs, sink, f.store, f.plugins, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Release)
	return r
}

// submit stores a source and a pending job the way the job service does.
func (f *fixture) submit(t *testing.T, filename string, data []byte, pluginName string, raw map[string]any) *core.IngestionJob {
	t.Helper()
	ctx := context.Background()
	p, err := f.plugins.Resolve(pluginName)
	require.NoError(t, err)
	params, err := f.plugins.Normalize(p, raw)
	require.NoError(t, err)

	id := core.NewJobID()
	key := assets.SourceKey("tester", "col-1", id, filename)
	url, err := f.store.Put(ctx, key, data, "")
	require.NoError(t, err)

	job := &core.IngestionJob{
		ID:               id,
		CollectionID:     "col-1",
		Owner:            "tester",
		OriginalFilename: filename,
		SourceDescriptor: filename,
		FileSize:         int64(len(data)),
		StoragePath:      key,
		PublicURL:        url,
		PluginName:       pluginName,
		PluginParams:     params,
		Status:           core.StatusPending,
	}
	require.NoError(t, f.jobs.CreateJob(ctx, job))
	return job
}

func (f *fixture) get(t *testing.T, id string) *core.IngestionJob {
	t.Helper()
	job, err := f.jobs.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestNewRunner_RequiresDependencies(t *testing.T) {
	f := newFixture(t)

	_, err := NewRunner(nil, f.chunks, f.store, f.plugins)
	assert.ErrorIs(t, err, ErrJobRepositoryRequired)
	_, err = NewRunner(f.jobs, nil, f.store, f.plugins)
	assert.ErrorIs(t, err, ErrChunkSinkRequired)
	_, err = NewRunner(f.jobs, f.chunks, nil, f.plugins)
	assert.ErrorIs(t, err, ErrAssetStoreRequired)
	_, err = NewRunner(f.jobs, f.chunks, f.store, nil)
	assert.ErrorIs(t, err, ErrPluginRegistryRequired)
	_, err = NewRunner(f.jobs, f.chunks, f.store, f.plugins, WithClaimRetry(0, 0))
	assert.ErrorIs(t, err, ErrInvalidMaxAttempts)
}

func TestRun_CompletesTextJob(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)
	text := strings.Repeat("Ingestion turns documents into chunks. ", 20)
	job := f.submit(t, "notes.txt", []byte(text), plugin.SimpleIngest, map[string]any{
		plugin.ParamChunkSize:    200,
		plugin.ParamChunkOverlap: 20,
		plugin.ParamCitation:     "Notes, 2024",
	})

	require.NoError(t, r.Run(context.Background(), job.ID))

	done := f.get(t, job.ID)
	assert.Equal(t, core.StatusCompleted, done.Status)
	assert.Equal(t, 1, done.Attempts)
	assert.Greater(t, done.DocumentCount, 1)
	assert.Empty(t, done.ErrorMessage)
	require.NotNil(t, done.ProcessingCompletedAt)
	require.NotNil(t, done.Progress.Total)
	assert.Equal(t, 3, *done.Progress.Total)
	assert.Equal(t, 100.0, done.Progress.Percentage)

	stats := done.ProcessingStats
	require.NotNil(t, stats)
	assert.Equal(t, chunking.StrategyStandard, stats.ChunkingStrategy)
	assert.Equal(t, done.DocumentCount, stats.ChunksWritten)
	assert.Equal(t, done.DocumentCount, stats.Chunks.Count)
	assert.LessOrEqual(t, stats.Chunks.MaxSize, 200)
	assert.Equal(t, len([]rune(text)), stats.ContentLength)
	assert.Empty(t, stats.Warnings)
	assert.NotEmpty(t, stats.MarkdownURL)

	stages := make([]string, 0, len(stats.StageTimings))
	for _, st := range stats.StageTimings {
		stages = append(stages, st.Stage)
	}
	assert.Equal(t, []string{core.StageClaim, core.StageValidation, core.StageConversion,
		core.StageImageProcessing, core.StageChunking, core.StageFinalization}, stages)

	chunks, err := f.chunks.GetJobChunks(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, done.DocumentCount)
	for i, c := range chunks {
		assert.Equal(t, i, int(c.Metadata[core.MetaChunkIndex].(float64)))
		assert.Equal(t, "Notes, 2024", c.Metadata[core.MetaCitation])
		assert.Equal(t, job.ID, c.Metadata[core.MetaJobID])
		assert.Equal(t, ".txt", c.Metadata[core.MetaExtension])
		assert.Equal(t, stats.MarkdownURL, c.Metadata[core.MetaMarkdownURL])
	}

	assert.Equal(t, []string{assets.MarkdownKey("tester", "col-1", job.ID), job.StoragePath},
		f.store.Keys(assets.JobPrefix("tester", "col-1", job.ID)))
}

func TestRun_PDFByPage(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)
	pdf := convert.SamplePDF("Page one talks about apples.", "Page two talks about pears.", "Page three talks about plums.")
	job := f.submit(t, "fruit.pdf", pdf, plugin.MarkitdownIngest, map[string]any{
		plugin.ParamChunkingMode:  "by_page",
		plugin.ParamPagesPerChunk: 1,
	})

	require.NoError(t, r.Run(context.Background(), job.ID))

	done := f.get(t, job.ID)
	require.Equal(t, core.StatusCompleted, done.Status, done.ErrorMessage)
	assert.Equal(t, 3, done.DocumentCount)
	assert.Equal(t, chunking.StrategyByPage, done.ProcessingStats.ChunkingStrategy)

	chunks, err := f.chunks.GetJobChunks(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, []any{float64(i + 1), float64(i + 1)}, c.Metadata[core.MetaPageRange])
	}
	assert.Contains(t, chunks[0].Text, "apples")
	assert.Contains(t, chunks[2].Text, "plums")
}

func TestRun_SectionFallbackOnPlainText(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)
	job := f.submit(t, "plain.txt", []byte("No headings here.\n\nJust two paragraphs."), plugin.MarkitdownIngest,
		map[string]any{plugin.ParamChunkingMode: "by_section"})

	require.NoError(t, r.Run(context.Background(), job.ID))

	done := f.get(t, job.ID)
	require.Equal(t, core.StatusCompleted, done.Status)
	assert.Equal(t, chunking.StrategyStandard, done.ProcessingStats.ChunkingStrategy)
	assert.Equal(t, []string{chunking.WarnNoHeadings}, done.ProcessingStats.Warnings)
	assert.Equal(t, "by_section", done.PluginParams.String(plugin.ParamChunkingMode), "stored params keep the request")
}

func TestRun_PageFallbackOnDOCX(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)
	docx := convert.SampleDOCX([]convert.SampleParagraph{{Text: "Only one paragraph."}}, nil)
	job := f.submit(t, "memo.docx", docx, plugin.MarkitdownIngest,
		map[string]any{plugin.ParamChunkingMode: "by_page"})

	require.NoError(t, r.Run(context.Background(), job.ID))

	done := f.get(t, job.ID)
	require.Equal(t, core.StatusCompleted, done.Status, done.ErrorMessage)
	assert.Equal(t, []string{plugin.WarnPageChunkingUnsupported}, done.ProcessingStats.Warnings)
	assert.Equal(t, "standard", done.ProcessingStats.EffectiveParams.String(plugin.ParamChunkingMode))
}

func TestRun_CorruptFileFailsAtConversion(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)
	job := f.submit(t, "broken.pdf", []byte("this is not a pdf"), plugin.MarkitdownIngest, nil)

	require.NoError(t, r.Run(context.Background(), job.ID))

	failed := f.get(t, job.ID)
	assert.Equal(t, core.StatusFailed, failed.Status)
	assert.Equal(t, 0, failed.DocumentCount)
	assert.NotEmpty(t, failed.ErrorMessage)
	require.NotNil(t, failed.ErrorDetails)
	assert.Equal(t, core.StageConversion, failed.ErrorDetails.Stage)
	assert.Equal(t, "ConversionError", failed.ErrorDetails.ExceptionType)
	assert.Equal(t, job.StoragePath, failed.ErrorDetails.SourcePath)
	assert.Nil(t, failed.Progress.Total, "total stays unknown when conversion fails")
}

func TestRun_LLMWithoutCredentialFallsBack(t *testing.T) {
	f := newFixture(t)
	describer := mock.NewMockDescriber()
	r := f.runner(t, nil, WithCredentialResolver(ai.NewStaticResolver(nil)))
	docx := convert.SampleDOCX([]convert.SampleParagraph{
		{Text: "Figure one shows the layout."},
		{Image: "image1.png"},
	}, map[string][]byte{"image1.png": fakePNG})
	job := f.submit(t, "figures.docx", docx, plugin.MarkitdownPlus,
		map[string]any{plugin.ParamImageDescriptions: "llm"})

	require.NoError(t, r.Run(context.Background(), job.ID))

	done := f.get(t, job.ID)
	require.Equal(t, core.StatusCompleted, done.Status, done.ErrorMessage)
	stats := done.ProcessingStats
	assert.Equal(t, plugin.ImagesBasic, stats.ImageMode)
	assert.Equal(t, []string{plugin.WarnNoLLMCredential}, stats.Warnings)
	assert.Empty(t, stats.LLMCalls)
	assert.Zero(t, describer.CallCount())
	assert.Equal(t, 1, stats.ImagesExtracted)
	assert.Equal(t, 1, stats.ImagesDescribed)
	require.Len(t, stats.AssetURLs, 1)
	assert.Equal(t, 4, *done.Progress.Total)

	chunks, err := f.chunks.GetJobChunks(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	assert.Contains(t, chunks[0].Text, "![Image image1.png (PNG,")
	assert.Contains(t, chunks[0].Text, stats.AssetURLs[0])
}

func TestRun_LLMDescriptions(t *testing.T) {
	f := newFixture(t)
	describer := mock.NewMockDescriber()
	var seen ai.Image
	describer.DescribeImageFunc = func(_ context.Context, img ai.Image) (string, error) {
		seen = img
		return "A floor plan with [three] rooms", nil
	}
	r := f.runner(t, nil, WithCredentialResolver(ai.NewStaticResolver(describer)))
	docx := convert.SampleDOCX([]convert.SampleParagraph{
		{Text: "Figure one shows the layout."},
		{Image: "image1.png"},
	}, map[string][]byte{"image1.png": fakePNG})
	job := f.submit(t, "figures.docx", docx, plugin.MarkitdownPlus,
		map[string]any{plugin.ParamImageDescriptions: "llm"})

	require.NoError(t, r.Run(context.Background(), job.ID))

	done := f.get(t, job.ID)
	require.Equal(t, core.StatusCompleted, done.Status, done.ErrorMessage)
	stats := done.ProcessingStats
	assert.Equal(t, plugin.ImagesLLM, stats.ImageMode)
	assert.Empty(t, stats.Warnings)
	assert.Equal(t, 1, describer.CallCount())
	assert.Equal(t, "image/png", seen.ContentType)
	assert.Contains(t, seen.Context, "Figure one shows the layout.")
	require.Len(t, stats.LLMCalls, 1)
	assert.True(t, stats.LLMCalls[0].Success)
	assert.Equal(t, "mock", stats.LLMCalls[0].Provider)

	markdown, err := f.store.Get(context.Background(), assets.MarkdownKey("tester", "col-1", job.ID))
	require.NoError(t, err)
	assert.Contains(t, string(markdown), "![A floor plan with (three) rooms]("+stats.AssetURLs[0]+")")
}

func TestRun_LLMFailureDegradesToBasic(t *testing.T) {
	f := newFixture(t)
	describer := mock.NewMockDescriber()
	describer.DescribeImageFunc = func(context.Context, ai.Image) (string, error) {
		return "", errors.New("rate limited")
	}
	r := f.runner(t, nil, WithCredentialResolver(ai.NewStaticResolver(describer)))
	docx := convert.SampleDOCX([]convert.SampleParagraph{
		{Text: "Two figures."},
		{Image: "a.png"},
		{Image: "b.png"},
	}, map[string][]byte{"a.png": fakePNG, "b.png": fakePNG})
	job := f.submit(t, "figures.docx", docx, plugin.MarkitdownPlus,
		map[string]any{plugin.ParamImageDescriptions: "llm"})

	require.NoError(t, r.Run(context.Background(), job.ID))

	done := f.get(t, job.ID)
	require.Equal(t, core.StatusCompleted, done.Status, done.ErrorMessage)
	stats := done.ProcessingStats
	assert.Equal(t, 2, stats.ImagesExtracted)
	assert.Equal(t, 0, stats.ImagesDescribed)
	require.Len(t, stats.LLMCalls, 2)
	for _, call := range stats.LLMCalls {
		assert.False(t, call.Success)
		assert.Contains(t, call.Error, "rate limited")
	}

	markdown, err := f.store.Get(context.Background(), assets.MarkdownKey("tester", "col-1", job.ID))
	require.NoError(t, err)
	assert.Contains(t, string(markdown), "![Image a.png (PNG,")
	assert.Contains(t, string(markdown), "![Image b.png (PNG,")
}

func TestRun_CancelDuringImages(t *testing.T) {
	f := newFixture(t)
	describer := mock.NewMockDescriber()
	describer.DescribeImageFunc = func(ctx context.Context, img ai.Image) (string, error) {
		_, err := f.jobs.UpdateJob(ctx, jobIDFromContext(ctx), func(j *core.IngestionJob) error {
			j.CancelRequested = true
			return nil
		})
		return "described", err
	}
	r := f.runner(t, nil, WithCredentialResolver(ai.NewStaticResolver(describer)), WithDescribeConcurrency(1))
	docx := convert.SampleDOCX([]convert.SampleParagraph{
		{Text: "Figures."},
		{Image: "a.png"},
		{Image: "b.png"},
	}, map[string][]byte{"a.png": fakePNG, "b.png": fakePNG})
	job := f.submit(t, "figures.docx", docx, plugin.MarkitdownPlus,
		map[string]any{plugin.ParamImageDescriptions: "llm"})

	require.NoError(t, r.Run(withJobID(context.Background(), job.ID), job.ID))

	cancelled := f.get(t, job.ID)
	assert.Equal(t, core.StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, cancelled.DocumentCount)
	assert.Equal(t, 1, describer.CallCount(), "the second image is never described")
	chunks, err := f.chunks.GetJobChunks(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

// cancellingSink requests cancellation of the job right after its chunks
// were written, before the runner completes it.
type cancellingSink struct {
	storage.ChunkSink
	jobs storage.JobRepository
}

func (s *cancellingSink) WriteChunks(ctx context.Context, collectionID, jobID string, chunks []core.Chunk) (int, error) {
	n, err := s.ChunkSink.WriteChunks(ctx, collectionID, jobID, chunks)
	if err != nil {
		return n, err
	}
	_, err = s.jobs.UpdateJob(ctx, jobID, func(j *core.IngestionJob) error {
		j.CancelRequested = true
		return nil
	})
	return n, err
}

func TestRun_CancelAfterWriteRemovesChunks(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, &cancellingSink{ChunkSink: f.chunks, jobs: f.jobs})
	job := f.submit(t, "notes.md", []byte("# Notes\n\nSome text."), plugin.SimpleIngest, nil)

	require.NoError(t, r.Run(context.Background(), job.ID))

	cancelled := f.get(t, job.ID)
	assert.Equal(t, core.StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, cancelled.DocumentCount)
	require.NotNil(t, cancelled.ProcessingStats)
	assert.Equal(t, 1, cancelled.ProcessingStats.ChunksWritten)

	chunks, err := f.chunks.GetJobChunks(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

type failingSink struct{}

func (failingSink) WriteChunks(context.Context, string, string, []core.Chunk) (int, error) {
	return 0, errors.New("disk full")
}

func (failingSink) DeleteJobChunks(context.Context, string, string) (int, error) {
	return 0, nil
}

func TestRun_StorageFailure(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, failingSink{})
	job := f.submit(t, "notes.txt", []byte("some text"), plugin.SimpleIngest, nil)

	require.NoError(t, r.Run(context.Background(), job.ID))

	failed := f.get(t, job.ID)
	assert.Equal(t, core.StatusFailed, failed.Status)
	assert.Equal(t, core.StageFinalization, failed.ErrorDetails.Stage)
	assert.Equal(t, "StorageError", failed.ErrorDetails.ExceptionType)
	assert.Contains(t, failed.ErrorMessage, "disk full")
}

func TestRun_OnlyClaimsPendingJobs(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)
	job := f.submit(t, "notes.txt", []byte("some text"), plugin.SimpleIngest, nil)
	require.NoError(t, r.Run(context.Background(), job.ID))
	before := f.get(t, job.ID)

	err := r.Run(context.Background(), job.ID)
	assert.ErrorIs(t, err, core.ErrInvalidStateTransition)
	assert.Equal(t, before, f.get(t, job.ID))

	err = r.Run(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRun_ArtifactBusy(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)
	first := f.submit(t, "notes.txt", []byte("some text"), plugin.SimpleIngest, nil)

	// A second job over the same stored artifact
	second := first.Clone()
	second.ID = core.NewJobID()
	second.Status = core.StatusPending
	second.Progress = core.Progress{}
	require.NoError(t, f.jobs.CreateJob(context.Background(), second))

	_, err := f.jobs.ClaimJob(context.Background(), first.ID)
	require.NoError(t, err)

	err = r.Run(context.Background(), second.ID)
	assert.ErrorIs(t, err, storage.ErrArtifactBusy)
	assert.Equal(t, core.StatusPending, f.get(t, second.ID).Status)
}

// monotonicRepo records every progress write.
type monotonicRepo struct {
	storage.JobRepository
	mu      sync.Mutex
	updates []core.Progress
}

func (m *monotonicRepo) UpdateProgress(ctx context.Context, id string, p core.Progress) (*core.IngestionJob, error) {
	m.mu.Lock()
	m.updates = append(m.updates, p)
	m.mu.Unlock()
	return m.JobRepository.UpdateProgress(ctx, id, p)
}

func TestRun_ProgressIsMonotonic(t *testing.T) {
	f := newFixture(t)
	repo := &monotonicRepo{JobRepository: f.jobs}
	r, err := NewRunner(repo, f.chunks, f.store, f.plugins, WithCredentialResolver(ai.NewStaticResolver(mock.NewMockDescriber())))
	require.NoError(t, err)
	defer r.Release()

	docx := convert.SampleDOCX([]convert.SampleParagraph{
		{Text: "Figures."},
		{Image: "a.png"},
		{Image: "b.png"},
		{Image: "c.png"},
	}, map[string][]byte{"a.png": fakePNG, "b.png": fakePNG, "c.png": fakePNG})
	job := f.submit(t, "figures.docx", docx, plugin.MarkitdownPlus,
		map[string]any{plugin.ParamImageDescriptions: "llm"})

	require.NoError(t, r.Run(context.Background(), job.ID))
	require.Equal(t, core.StatusCompleted, f.get(t, job.ID).Status)

	require.NotEmpty(t, repo.updates)
	assert.Nil(t, repo.updates[0].Total, "total unknown before conversion")
	for i := 1; i < len(repo.updates); i++ {
		assert.GreaterOrEqual(t, repo.updates[i].Current, repo.updates[i-1].Current)
		if repo.updates[i].Total != nil {
			assert.LessOrEqual(t, repo.updates[i].Current, *repo.updates[i].Total)
		}
	}
}

// panicPlugin converts anything to a fixed text and panics while chunking.
type panicPlugin struct{}

func (panicPlugin) Name() string               { return "panic_ingest" }
func (panicPlugin) Description() string        { return "panics" }
func (panicPlugin) Kind() plugin.SourceKind    { return plugin.SourceFile }
func (panicPlugin) Schema() plugin.Schema      { return nil }
func (panicPlugin) Extensions() []string       { return []string{".txt"} }
func (panicPlugin) Supports(ext string) bool   { return ext == ".txt" }
func (panicPlugin) Chunk(string, core.Params) (*chunking.Result, error) {
	panic("chunker exploded")
}
func (panicPlugin) Convert(context.Context, convert.Source, convert.Options) (*convert.Document, error) {
	return &convert.Document{Markdown: "hello"}, nil
}

func TestRun_RecoversPanic(t *testing.T) {
	f := newFixture(t)
	f.plugins = plugin.NewRegistry(panicPlugin{})
	r := f.runner(t, nil)
	job := f.submit(t, "notes.txt", []byte("hello"), "panic_ingest", nil)

	require.NoError(t, r.Run(context.Background(), job.ID))

	failed := f.get(t, job.ID)
	assert.Equal(t, core.StatusFailed, failed.Status)
	assert.Equal(t, core.StageChunking, failed.ErrorDetails.Stage)
	assert.Contains(t, failed.ErrorMessage, "chunker exploded")
}

func TestDispatchAndResumePending(t *testing.T) {
	f := newFixture(t)
	r := f.runner(t, nil)
	a := f.submit(t, "a.txt", []byte("first document"), plugin.SimpleIngest, nil)
	b := f.submit(t, "b.txt", []byte("second document"), plugin.SimpleIngest, nil)

	require.NoError(t, r.Dispatch(context.Background(), a.ID))
	n, err := r.ResumePending(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	for _, id := range []string{a.ID, b.ID} {
		require.Eventually(t, func() bool {
			return f.get(t, id).Status == core.StatusCompleted
		}, 5*time.Second, 10*time.Millisecond)
	}
}

type jobIDKey struct{}

func withJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

func jobIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

package core

import (
	"encoding/hex"
	"maps"
	"time"

	"github.com/go-crypt/x/blake2b"
	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
	StatusDeleted    JobStatus = "deleted"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusDeleted,
}

// IsTerminal reports whether no further automatic transition occurs from s.
// Failed counts as terminal; it can only be left through an explicit retry.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Stage names recorded in ErrorDetails and stage timings.
const (
	StageClaim           = "claim"
	StageValidation      = "validation"
	StageConversion      = "conversion"
	StageImageProcessing = "image_processing"
	StageChunking        = "chunking"
	StageFinalization    = "finalization"
)

// Params is a normalized plugin parameter set.
type Params map[string]any

// Clone returns a shallow copy of the parameter set.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// String returns the string value of key, or "" if absent or not a string.
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Int returns the integer value of key, or 0 if absent.
// JSON decoded numbers arrive as float64 and are truncated.
func (p Params) Int(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Progress reports how far a processing job has advanced.
// Total is nil until the amount of work is known.
type Progress struct {
	Current    int     `json:"current"`
	Total      *int    `json:"total,omitempty"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message"`
}

// NewProgress builds a Progress with the percentage derived from current and total.
func NewProgress(current int, total *int, message string) Progress {
	p := Progress{Current: current, Message: message}
	if total != nil {
		t := *total
		p.Total = &t
		if t > 0 {
			if current > t {
				p.Current = t
			}
			p.Percentage = float64(p.Current) / float64(t) * 100.0
		}
	}
	return p
}

// ErrorDetails is the machine readable part of a job failure.
type ErrorDetails struct {
	ExceptionType string `json:"exception_type"`
	Stage         string `json:"stage"`
	SourcePath    string `json:"source_path,omitempty"`
}

// StageTiming records wall time spent in one pipeline stage.
type StageTiming struct {
	Stage   string  `json:"stage"`
	Seconds float64 `json:"seconds"`
}

// LLMCall records a single external description call.
type LLMCall struct {
	Asset      string `json:"asset"`
	Provider   string `json:"provider"`
	Model      string `json:"model,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// ChunkStats summarizes chunk sizes in characters.
type ChunkStats struct {
	Count   int     `json:"count"`
	MinSize int     `json:"min_size"`
	MaxSize int     `json:"max_size"`
	AvgSize float64 `json:"avg_size"`
}

// ProcessingStats is populated as a job runs and persisted with the final status.
type ProcessingStats struct {
	ContentLength    int           `json:"content_length"`
	ImageMode        string        `json:"image_mode,omitempty"`
	ImagesExtracted  int           `json:"images_extracted"`
	ImagesDescribed  int           `json:"images_described"`
	ChunkingStrategy string        `json:"chunking_strategy,omitempty"`
	Chunks           ChunkStats    `json:"chunks"`
	ChunksWritten    int           `json:"chunks_written"`
	StageTimings     []StageTiming `json:"stage_timings,omitempty"`
	LLMCalls         []LLMCall     `json:"llm_calls,omitempty"`
	Warnings         []string      `json:"warnings,omitempty"`
	EffectiveParams  Params        `json:"effective_params,omitempty"`
	MarkdownURL      string        `json:"markdown_url,omitempty"`
	AssetURLs        []string      `json:"asset_urls,omitempty"`
}

// IngestionJob is one tracked attempt to turn a source into persisted chunks.
type IngestionJob struct {
	ID                    string           `json:"id"`
	CollectionID          string           `json:"collection_id"`
	Owner                 string           `json:"owner"`
	OriginalFilename      string           `json:"original_filename"`
	SourceDescriptor      string           `json:"source_descriptor"`
	SourceURL             string           `json:"source_url,omitempty"`
	ContentHash           string           `json:"content_hash,omitempty"`
	ContentType           string           `json:"content_type,omitempty"`
	FileSize              int64            `json:"file_size"`
	StoragePath           string           `json:"storage_path"`
	PublicURL             string           `json:"public_url"`
	PluginName            string           `json:"plugin_name"`
	PluginParams          Params           `json:"plugin_params"`
	Status                JobStatus        `json:"status"`
	StatusBeforeDelete    JobStatus        `json:"status_before_delete,omitempty"`
	CancelRequested       bool             `json:"cancel_requested"`
	Attempts              int              `json:"attempts"`
	DocumentCount         int              `json:"document_count"`
	Progress              Progress         `json:"progress"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
	ProcessingStartedAt   *time.Time       `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time       `json:"processing_completed_at,omitempty"`
	ErrorMessage          string           `json:"error_message,omitempty"`
	ErrorDetails          *ErrorDetails    `json:"error_details,omitempty"`
	ProcessingStats       *ProcessingStats `json:"processing_stats,omitempty"`
}

// ProcessingDurationSeconds is derived from the processing timestamps.
// A job still processing reports the time elapsed so far.
func (j *IngestionJob) ProcessingDurationSeconds() float64 {
	if j.ProcessingStartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if j.ProcessingCompletedAt != nil {
		end = *j.ProcessingCompletedAt
	}
	return end.Sub(*j.ProcessingStartedAt).Seconds()
}

// Clone returns a deep enough copy for callers that mutate a job outside storage.
func (j *IngestionJob) Clone() *IngestionJob {
	if j == nil {
		return nil
	}
	c := *j
	c.PluginParams = j.PluginParams.Clone()
	if j.Progress.Total != nil {
		t := *j.Progress.Total
		c.Progress.Total = &t
	}
	if j.ErrorDetails != nil {
		d := *j.ErrorDetails
		c.ErrorDetails = &d
	}
	if j.ProcessingStats != nil {
		s := *j.ProcessingStats
		c.ProcessingStats = &s
	}
	return &c
}

// Chunk is the output unit handed to the vector storage collaborator.
type Chunk struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

// Chunk metadata keys.
const (
	MetaJobID            = "job_id"
	MetaCollectionID     = "collection_id"
	MetaFilename         = "filename"
	MetaExtension        = "extension"
	MetaFileSize         = "file_size"
	MetaSourceURL        = "source_url"
	MetaMarkdownURL      = "markdown_url"
	MetaImageURLs        = "image_urls"
	MetaDescription      = "description"
	MetaCitation         = "citation"
	MetaChunkIndex       = "chunk_index"
	MetaChunkCount       = "chunk_count"
	MetaChunkingStrategy = "chunking_strategy"
	MetaPageRange        = "page_range"
	MetaSectionTitles    = "section_titles"
	MetaParentPath       = "parent_path"
)

// NewJobID returns a fresh opaque job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// ContentHash returns a hex BLAKE2b-256 digest of data.
// Identical uploads produce identical hashes.
func ContentHash(data []byte) string {
	h, _ := blake2b.New(32, nil)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

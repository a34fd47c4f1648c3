package openai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/poiesic/kbingest/ai"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// Embedder implements ai.Embedder against an OpenAI-compatible embeddings
// endpoint. Chunk texts are sent in requests of at most batchSize inputs and
// every returned vector is checked against the configured dimensions.
type Embedder struct {
	embedder   embeddings.Embedder
	batchSize  int
	dimensions int
	logger     *slog.Logger
}

func newEmbedder(config *ai.Config) (*Embedder, error) {
	if err := config.ValidateEmbedding(); err != nil {
		return nil, err
	}

	client, err := openai.New(
		openai.WithBaseURL(config.EmbeddingHost),
		openai.WithToken(config.APIKey),
		openai.WithEmbeddingModel(config.EmbeddingModel),
	)
	if err != nil {
		return nil, err
	}

	batchSize := config.EmbeddingBatchSize
	if batchSize == 0 {
		batchSize = ai.DefaultEmbeddingBatchSize
	}
	embedder, err := embeddings.NewEmbedder(client,
		embeddings.WithStripNewLines(true),
		embeddings.WithBatchSize(batchSize))
	if err != nil {
		return nil, err
	}

	return &Embedder{
		embedder:   embedder,
		batchSize:  batchSize,
		dimensions: config.EmbeddingDimensions,
		logger: slog.Default().With("component", "openai-embedder",
			"model", config.EmbeddingModel),
	}, nil
}

// NewEmbedder creates an embedder from config.
//
// Returns ai.Embedder interface to enforce abstraction.
func NewEmbedder(config *ai.Config) (ai.Embedder, error) {
	return newEmbedder(config)
}

// Dimensions is the expected vector length, or 0 when any length is accepted.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// EmbedText embeds a single text.
func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedTexts embeds texts in order, one request per batch. The result always
// holds exactly one vector per input.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, text := range texts {
		if text == "" {
			return nil, fmt.Errorf("embedding text %d is empty", i)
		}
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		e.logger.Debug("embedding batch", "offset", start, "count", end-start)

		batch, err := e.embedder.EmbedDocuments(ctx, texts[start:end])
		if err != nil {
			e.logger.Error("failed to generate embeddings", "offset", start, "count", end-start, "err", err)
			return nil, fmt.Errorf("embedding texts %d-%d: %w", start, end-1, err)
		}
		if len(batch) != end-start {
			return nil, fmt.Errorf("embedding texts %d-%d: got %d vectors", start, end-1, len(batch))
		}
		for i, v := range batch {
			if e.dimensions > 0 && len(v) != e.dimensions {
				return nil, fmt.Errorf("embedding text %d has %d dimensions, want %d", start+i, len(v), e.dimensions)
			}
		}
		out = append(out, batch...)
	}
	return out, nil
}

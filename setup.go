package kbingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/ai/openai"
	"github.com/poiesic/kbingest/assets"
	"github.com/poiesic/kbingest/assets/minio"
	"github.com/poiesic/kbingest/assets/s3"
	"github.com/poiesic/kbingest/config"
	"github.com/poiesic/kbingest/ingestion"
	"github.com/poiesic/kbingest/jobs"
	"github.com/poiesic/kbingest/queue"
	"github.com/poiesic/kbingest/storage/postgres"
)

// FromConfig builds a System from environment configuration. Extra options
// are applied after the ones derived from cfg.
func FromConfig(ctx context.Context, cfg config.Config, extra ...Option) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := slog.Default()

	var closers []func() error
	cleanup := func() {
		for _, fn := range closers {
			_ = fn()
		}
	}

	store, err := openAssetStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	base := aiConfig(cfg)
	opts := []Option{
		WithAssetStore(store),
		WithLogger(logger),
		WithRunnerOptions(
			ingestion.WithConversionTimeout(cfg.ConversionTimeout),
			ingestion.WithDescribeTimeout(cfg.DescribeTimeout),
			ingestion.WithDescribeConcurrency(cfg.DescribeConcurrency),
			ingestion.WithMaxDescriptionChars(base.MaxDescriptionChars),
		),
		WithServiceOptions(
			jobs.WithStaleThreshold(cfg.StaleAfter),
			jobs.WithMaxUploadBytes(cfg.MaxUploadBytes),
		),
	}
	if cfg.Workers > 0 {
		opts = append(opts, WithRunnerOptions(ingestion.WithPoolSize(cfg.Workers)))
	}

	var provider ai.AIProvider
	switch {
	case cfg.CredentialsFile != "":
		resolver, err := ai.LoadCredentialsFile(cfg.CredentialsFile, DescriberFactory(*base))
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithCredentialResolver(resolver))
	case cfg.LLMConfigured() && base.Provider != ai.ProviderGemini:
		provider, err = openai.NewProvider(base)
		if err != nil {
			return nil, err
		}
		closers = append(closers, provider.Close)
		opts = append(opts, WithCredentialResolver(ai.NewStaticResolver(provider.ImageDescriber())))
	case cfg.LLMConfigured():
		describer, err := DescriberFactory(*base)(ctx, ai.Credential{})
		if err != nil {
			return nil, err
		}
		if c, ok := describer.(interface{ Close() error }); ok {
			closers = append(closers, c.Close)
		}
		opts = append(opts, WithCredentialResolver(ai.NewStaticResolver(describer)))
	}

	if cfg.ChunkSink == config.SinkPostgres {
		sinkOpts := []postgres.Option{postgres.WithTable(cfg.ChunkTable), postgres.WithLogger(logger)}
		if cfg.EmbedChunks {
			embedder, err := chunkEmbedder(provider, base)
			if err != nil {
				cleanup()
				return nil, err
			}
			sinkOpts = append(sinkOpts, postgres.WithEmbedder(embedder, cfg.EmbeddingDims))
		}
		sink, err := postgres.Open(ctx, cfg.DatabaseURL, sinkOpts...)
		if err != nil {
			cleanup()
			return nil, err
		}
		closers = append(closers, sink.Close)
		opts = append(opts, WithChunkSink(sink))
	}

	var client *queue.Client
	if cfg.AMQPURL != "" {
		client, err = queue.Dial(cfg.AMQPURL)
		if err != nil {
			cleanup()
			return nil, err
		}
		opts = append(opts, WithQueue(client, cfg.QueueName, cfg.DLQName))
	}

	for _, fn := range closers {
		opts = append(opts, WithCloser(fn))
	}
	sys, err := Open(cfg.DataDir, append(opts, extra...)...)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		cleanup()
		return nil, err
	}
	return sys, nil
}

func openAssetStore(ctx context.Context, cfg config.Config) (assets.Store, error) {
	switch cfg.AssetBackend {
	case config.AssetsMemory:
		return assets.NewMemoryStore(cfg.AssetBaseURL), nil
	case config.AssetsMinIO:
		store, err := minio.NewStore(ctx, minio.Config{
			Endpoint:      cfg.MinIOEndpoint,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			Bucket:        cfg.Bucket,
			UseSSL:        cfg.MinIOUseSSL,
			PublicBaseURL: cfg.AssetBaseURL,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.AssetsS3:
		store, err := s3.NewStore(ctx, s3.Config{
			Region:        cfg.AWSRegion,
			Bucket:        cfg.Bucket,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			PublicBaseURL: cfg.AssetBaseURL,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.AssetsFile:
		store, err := assets.NewFileStore(cfg.AssetDir, cfg.AssetBaseURL)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown asset backend %q", cfg.AssetBackend)
	}
}

func aiConfig(cfg config.Config) *ai.Config {
	opts := []ai.ConfigOption{
		ai.WithProvider(cfg.AIProvider),
		ai.WithVisionModel(cfg.VisionModel),
		ai.WithEmbeddingModel(cfg.EmbeddingModel),
		ai.WithEmbeddingDimensions(cfg.EmbeddingDims),
		ai.WithAPIKey(cfg.AIAPIKey),
	}
	if cfg.AIHost != "" {
		opts = append(opts, ai.WithHost(cfg.AIHost))
	}
	base := ai.NewConfig(opts...)
	base.Normalize()
	return base
}

// chunkEmbedder reuses the shared provider's embedder when there is one.
func chunkEmbedder(provider ai.AIProvider, base *ai.Config) (ai.Embedder, error) {
	if provider != nil {
		if e := provider.Embedder(); e != nil {
			return e, nil
		}
	}
	if err := base.ValidateEmbedding(); err != nil {
		return nil, err
	}
	embedder, err := openai.NewEmbedder(base)
	if err != nil {
		return nil, errors.Join(errors.New("creating chunk embedder"), err)
	}
	return embedder, nil
}

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Asset backends.
const (
	AssetsFile   = "file"
	AssetsMemory = "memory"
	AssetsMinIO  = "minio"
	AssetsS3     = "s3"
)

// Chunk sinks.
const (
	SinkBadger   = "badger"
	SinkPostgres = "postgres"
)

// Config holds all configuration values.
type Config struct {
	// Storage
	DataDir   string
	ChunkSink string

	// Postgres chunk sink
	DatabaseURL   string
	ChunkTable    string
	EmbedChunks   bool
	EmbeddingDims int

	// Assets
	AssetBackend  string
	AssetDir      string
	AssetBaseURL  string
	MinIOEndpoint string
	MinIOUseSSL   bool
	Bucket        string
	AccessKey     string
	SecretKey     string
	AWSRegion     string

	// Queue. An empty AMQPURL runs jobs in process.
	AMQPURL     string
	QueueName   string
	DLQName     string
	Prefetch    int
	ConsumerTag string

	// HTTP
	HTTPAddr       string
	AllowedOrigins []string
	RequestTimeout time.Duration

	// Runner
	Workers             int
	ConversionTimeout   time.Duration
	DescribeTimeout     time.Duration
	DescribeConcurrency int
	StaleAfter          time.Duration
	MaxUploadBytes      int64

	// AI
	AIProvider      string
	AIHost          string
	AIAPIKey        string
	VisionModel     string
	EmbeddingModel  string
	CredentialsFile string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from the environment after loading an optional
// .env file from the working directory.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		DataDir:   getEnv("KBINGEST_DATA_DIR", "./data"),
		ChunkSink: strings.ToLower(getEnv("KBINGEST_CHUNK_SINK", SinkBadger)),

		DatabaseURL:   getEnv("DATABASE_URL", ""),
		ChunkTable:    getEnv("KBINGEST_CHUNK_TABLE", "ingestion_chunks"),
		EmbedChunks:   getEnvBool("KBINGEST_EMBED_CHUNKS", false),
		EmbeddingDims: getEnvInt("EMBED_DIM", 0),

		AssetBackend:  strings.ToLower(getEnv("KBINGEST_ASSET_BACKEND", AssetsFile)),
		AssetDir:      getEnv("KBINGEST_ASSET_DIR", "./data/assets"),
		AssetBaseURL:  getEnv("KBINGEST_ASSET_BASE_URL", ""),
		MinIOEndpoint: getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOUseSSL:   getEnvBool("MINIO_USE_SSL", false),
		Bucket:        getEnv("BUCKET_NAME", "kbingest"),
		AccessKey:     getEnv("ACCESS_KEY", ""),
		SecretKey:     getEnv("SECRET_KEY", ""),
		AWSRegion:     getEnv("AWS_REGION", "us-east-1"),

		AMQPURL:     getEnv("AMQP_URL", ""),
		QueueName:   getEnv("KBINGEST_QUEUE", "kbingest.jobs"),
		DLQName:     getEnv("KBINGEST_DLQ", "kbingest.jobs.dlq"),
		Prefetch:    getEnvInt("KBINGEST_PREFETCH", 1),
		ConsumerTag: getEnv("KBINGEST_CONSUMER_TAG", "kbingest-worker"),

		HTTPAddr:       getEnv("KBINGEST_HTTP_ADDR", ":8080"),
		AllowedOrigins: getEnvList("KBINGEST_CORS_ORIGINS", []string{"*"}),
		RequestTimeout: getEnvDuration("KBINGEST_REQUEST_TIMEOUT", 60*time.Second),

		Workers:             getEnvInt("KBINGEST_WORKERS", 0),
		ConversionTimeout:   getEnvDuration("KBINGEST_CONVERSION_TIMEOUT", 5*time.Minute),
		DescribeTimeout:     getEnvDuration("KBINGEST_DESCRIBE_TIMEOUT", 60*time.Second),
		DescribeConcurrency: getEnvInt("KBINGEST_DESCRIBE_CONCURRENCY", 4),
		StaleAfter:          getEnvDuration("KBINGEST_STALE_AFTER", 30*time.Minute),
		MaxUploadBytes:      int64(getEnvInt("KBINGEST_MAX_UPLOAD_MB", 100)) << 20,

		AIProvider:      getEnv("AI_PROVIDER", "openai"),
		AIHost:          getEnv("AI_HOST", ""),
		AIAPIKey:        getEnv("AI_API_KEY", ""),
		VisionModel:     getEnv("VISION_MODEL", "llava"),
		EmbeddingModel:  getEnv("EMBED_MODEL", "embeddinggemma"),
		CredentialsFile: getEnv("KBINGEST_CREDENTIALS_FILE", ""),

		LogFile:  getEnv("KBINGEST_LOG_FILE", ""),
		LogLevel: parseLogLevel(getEnv("KBINGEST_LOG_LEVEL", "INFO")),
	}
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.ChunkSink {
	case SinkBadger:
	case SinkPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres chunk sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown chunk sink %q", c.ChunkSink))
	}
	switch c.AssetBackend {
	case AssetsFile, AssetsMemory:
	case AssetsMinIO, AssetsS3:
		if c.Bucket == "" {
			errs = append(errs, errors.New("BUCKET_NAME is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown asset backend %q", c.AssetBackend))
	}
	if c.EmbedChunks && c.ChunkSink != SinkPostgres {
		errs = append(errs, errors.New("chunk embeddings need the postgres chunk sink"))
	}
	if c.Prefetch < 1 {
		errs = append(errs, errors.New("KBINGEST_PREFETCH must be at least 1"))
	}
	if c.StaleAfter <= 0 {
		errs = append(errs, errors.New("KBINGEST_STALE_AFTER must be positive"))
	}
	return errors.Join(errs...)
}

// LLMConfigured reports whether a shared LLM endpoint or key was provided.
func (c Config) LLMConfigured() bool {
	return c.AIHost != "" || c.AIAPIKey != ""
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, def int) int {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring non-integer setting", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring non-boolean setting", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("ignoring invalid duration", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func getEnvList(key string, def []string) []string {
	v := getEnv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

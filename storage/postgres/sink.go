package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"
	"github.com/poiesic/kbingest/ai"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
)

const defaultTable = "ingestion_chunks"

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// ErrDatabaseRequired indicates a nil *sql.DB.
var ErrDatabaseRequired = errors.New("database handle is required")

// ChunkSink writes chunk batches to a pgvector table.
type ChunkSink struct {
	db         *sql.DB
	table      string
	embedder   ai.Embedder
	dimensions int
	batchSize  int
	logger     *slog.Logger
}

var _ storage.ChunkSink = (*ChunkSink)(nil)

// Option configures a ChunkSink.
type Option func(*ChunkSink) error

// WithTable sets the chunk table name. Default is "ingestion_chunks".
func WithTable(name string) Option {
	return func(s *ChunkSink) error {
		if !identifier.MatchString(name) {
			return fmt.Errorf("%w: invalid table name %q", core.ErrValidation, name)
		}
		s.table = name
		return nil
	}
}

// WithEmbedder embeds chunk text with e. dimensions fixes the vector column
// size; zero leaves it unconstrained.
func WithEmbedder(e ai.Embedder, dimensions int) Option {
	return func(s *ChunkSink) error {
		if dimensions < 0 {
			return fmt.Errorf("%w: negative embedding dimensions", core.ErrValidation)
		}
		s.embedder = e
		s.dimensions = dimensions
		return nil
	}
}

// WithEmbedBatchSize sets how many chunks are embedded per request.
// Default is 64.
func WithEmbedBatchSize(n int) Option {
	return func(s *ChunkSink) error {
		if n < 1 {
			return fmt.Errorf("%w: embed batch size must be at least 1", core.ErrValidation)
		}
		s.batchSize = n
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *ChunkSink) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// Open connects to dsn through the pgx driver, verifies the connection and
// creates the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*ChunkSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: database url is empty", core.ErrValidation)
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s, err := New(db, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database. Call EnsureSchema before the first write.
func New(db *sql.DB, opts ...Option) (*ChunkSink, error) {
	if db == nil {
		return nil, ErrDatabaseRequired
	}
	s := &ChunkSink{
		db:        db,
		table:     defaultTable,
		batchSize: 64,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "pgvector-sink", "table", s.table)
	return s, nil
}

// EnsureSchema creates the vector extension, the chunk table and its index.
func (s *ChunkSink) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: bootstrap schema: %w", core.ErrStorage, err)
		}
	}
	return nil
}

func (s *ChunkSink) schema() []string {
	vectorType := "vector"
	if s.dimensions > 0 {
		vectorType = fmt.Sprintf("vector(%d)", s.dimensions)
	}
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			collection_id TEXT NOT NULL,
			job_id        TEXT NOT NULL,
			chunk_index   INTEGER NOT NULL,
			text          TEXT NOT NULL,
			metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding     %s,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (job_id, chunk_index)
		)`, s.table, vectorType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_collection_job_idx ON %s (collection_id, job_id)`, s.table, s.table),
	}
}

// WriteChunks replaces the chunks of jobID with chunks in one transaction.
func (s *ChunkSink) WriteChunks(ctx context.Context, collectionID, jobID string, chunks []core.Chunk) (int, error) {
	vectors, err := s.embed(ctx, chunks)
	if err != nil {
		return 0, fmt.Errorf("%w: embedding chunks for job %s: %w", core.ErrStorage, jobID, err)
	}

	if err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE collection_id = $1 AND job_id = $2`, s.table),
			collectionID, jobID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (collection_id, job_id, chunk_index, text, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5, $6)`, s.table))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, c := range chunks {
			metadata, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("chunk %d metadata: %w", i, err)
			}
			var embedding any
			if vectors != nil {
				embedding = pgvector.NewVector(vectors[i])
			}
			if _, err := stmt.ExecContext(ctx, collectionID, jobID, i, c.Text, metadata, embedding); err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
		}
		return nil
	}); err != nil {
		return 0, fmt.Errorf("%w: writing chunks for job %s: %w", core.ErrStorage, jobID, err)
	}

	s.logger.Debug("chunks written", "job_id", jobID, "count", len(chunks), "embedded", vectors != nil)
	return len(chunks), nil
}

// embed returns one vector per chunk, or nil without an embedder.
func (s *ChunkSink) embed(ctx context.Context, chunks []core.Chunk) ([][]float32, error) {
	if s.embedder == nil || len(chunks) == 0 {
		return nil, nil
	}
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += s.batchSize {
		end := min(start+s.batchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}
		batch, err := s.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(batch) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(batch), len(texts))
		}
		for _, v := range batch {
			if s.dimensions > 0 && len(v) != s.dimensions {
				return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(v), s.dimensions)
			}
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// DeleteJobChunks removes every chunk of jobID.
func (s *ChunkSink) DeleteJobChunks(ctx context.Context, collectionID, jobID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE collection_id = $1 AND job_id = $2`, s.table),
		collectionID, jobID)
	if err != nil {
		return 0, fmt.Errorf("%w: deleting chunks for job %s: %w", core.ErrStorage, jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: deleting chunks for job %s: %w", core.ErrStorage, jobID, err)
	}
	return int(n), nil
}

// StoredChunk is a chunk as read back from the table.
type StoredChunk struct {
	core.Chunk
	Index     int
	Embedding []float32
}

// GetJobChunks returns the chunks of a job in index order.
func (s *ChunkSink) GetJobChunks(ctx context.Context, collectionID, jobID string) ([]StoredChunk, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT chunk_index, text, metadata, embedding
		FROM %s
		WHERE collection_id = $1 AND job_id = $2
		ORDER BY chunk_index ASC`, s.table), collectionID, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredChunk
	for rows.Next() {
		var (
			c         StoredChunk
			metadata  []byte
			embedding pgvector.Vector
		)
		if err := rows.Scan(&c.Index, &c.Text, &metadata, &nullVector{v: &embedding}); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("chunk %d metadata: %w", c.Index, err)
		}
		c.Embedding = embedding.Slice()
		out = append(out, c)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *ChunkSink) Close() error {
	return s.db.Close()
}

func (s *ChunkSink) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	return tx.Commit()
}

// nullVector scans a nullable vector column.
type nullVector struct {
	v *pgvector.Vector
}

func (n *nullVector) Scan(src any) error {
	if src == nil {
		return nil
	}
	return n.v.Scan(src)
}

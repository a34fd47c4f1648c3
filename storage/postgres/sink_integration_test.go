//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/poiesic/kbingest/ai/mock"
	"github.com/poiesic/kbingest/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDSN string

// TestMain starts a pgvector container shared by every test.
func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "pgvector/pgvector:pg16",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "kb",
				"POSTGRES_PASSWORD": "kb",
				"POSTGRES_DB":       "kb",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start pgvector container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}
	testDSN = fmt.Sprintf("postgres://kb:kb@%s:%s/kb?sslmode=disable", host, port.Port())

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func openSink(t *testing.T, table string, opts ...Option) *ChunkSink {
	t.Helper()
	opts = append([]Option{WithTable(table)}, opts...)
	s, err := Open(context.Background(), testDSN, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestChunkSink_WriteReplacesBatch(t *testing.T) {
	ctx := context.Background()
	s := openSink(t, "replace_chunks")

	n, err := s.WriteChunks(ctx, "col", "job-1", chunks("one", "two", "three"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.WriteChunks(ctx, "col", "job-1", chunks("only"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := s.GetJobChunks(ctx, "col", "job-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "only", stored[0].Text)
	assert.Equal(t, float64(0), stored[0].Metadata[core.MetaChunkIndex])
	assert.Empty(t, stored[0].Embedding)

	removed, err := s.DeleteJobChunks(ctx, "col", "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestChunkSink_StoresEmbeddings(t *testing.T) {
	ctx := context.Background()
	s := openSink(t, "embedded_chunks", WithEmbedder(mock.NewMockEmbedder(), mock.Dimensions))

	_, err := s.WriteChunks(ctx, "col", "job-2", chunks("alpha", "beta"))
	require.NoError(t, err)

	stored, err := s.GetJobChunks(ctx, "col", "job-2")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Len(t, stored[0].Embedding, mock.Dimensions)
}

func TestChunkSink_FailedEmbeddingWritesNothing(t *testing.T) {
	ctx := context.Background()
	embedder := mock.NewMockEmbedder()
	s := openSink(t, "failing_chunks", WithEmbedder(embedder, mock.Dimensions))

	_, err := s.WriteChunks(ctx, "col", "job-3", chunks("kept"))
	require.NoError(t, err)

	embedder.EmbedTextsFunc = func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("provider down")
	}
	_, err = s.WriteChunks(ctx, "col", "job-3", chunks("new", "batch"))
	assert.ErrorIs(t, err, core.ErrStorage)

	stored, err := s.GetJobChunks(ctx, "col", "job-3")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "kept", stored[0].Text)
}

// Package postgres stores chunk batches in PostgreSQL with the pgvector
// extension.
//
// ChunkSink implements storage.ChunkSink. A job's batch replaces its prior
// chunks inside one transaction, so a failed write leaves nothing behind.
// When an ai.Embedder is configured every chunk is embedded before the
// transaction starts and the vectors are stored next to the text.
package postgres

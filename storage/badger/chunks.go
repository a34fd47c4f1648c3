// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/kbingest/core"
	"github.com/poiesic/kbingest/storage"
)

// ChunkRepository implements storage.ChunkSink for BadgerDB.
// Chunks are keyed by (jobID, chunkIndex).
type ChunkRepository struct {
	backend *Backend
}

var _ storage.ChunkSink = (*ChunkRepository)(nil)

// NewChunkRepository creates a new ChunkRepository.
func NewChunkRepository(backend *Backend) *ChunkRepository {
	return &ChunkRepository{
		backend: backend,
	}
}

// WriteChunks replaces the chunks of a job with the given batch in a single
// transaction. Either the whole batch is stored or nothing changes.
func (r *ChunkRepository) WriteChunks(ctx context.Context, collectionID, jobID string, chunks []core.Chunk) (int, error) {
	err := r.backend.Update(func(tx *badger.Txn) error {
		if _, err := deletePrefix(tx, makeChunkPrefix(jobID)); err != nil {
			return err
		}
		for i := range chunks {
			value, err := storage.MarshalChunk(&chunks[i])
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			if err := tx.Set(makeChunkKey(jobID, i), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: writing chunks for job %s: %w", core.ErrStorage, jobID, err)
	}
	return len(chunks), nil
}

// DeleteJobChunks removes every chunk of a job.
func (r *ChunkRepository) DeleteJobChunks(ctx context.Context, collectionID, jobID string) (int, error) {
	var removed int
	err := r.backend.Update(func(tx *badger.Txn) error {
		var err error
		removed, err = deletePrefix(tx, makeChunkPrefix(jobID))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: deleting chunks for job %s: %w", core.ErrStorage, jobID, err)
	}
	return removed, nil
}

// GetJobChunks returns the chunks of a job in chunk index order.
func (r *ChunkRepository) GetJobChunks(ctx context.Context, jobID string) ([]core.Chunk, error) {
	var chunks []core.Chunk
	err := r.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = makeChunkPrefix(jobID)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			err := iter.Item().Value(func(val []byte) error {
				chunk, err := storage.UnmarshalChunk(val)
				if err != nil {
					return err
				}
				chunks = append(chunks, *chunk)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return chunks, err
}

// deletePrefix removes every key under prefix and returns how many were removed.
// Keys are collected before deletion so the iterator is closed first.
func deletePrefix(tx *badger.Txn, prefix []byte) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	iter := tx.NewIterator(opts)

	var keys [][]byte
	for iter.Rewind(); iter.Valid(); iter.Next() {
		keys = append(keys, iter.Item().KeyCopy(nil))
	}
	iter.Close()

	for _, key := range keys {
		if err := tx.Delete(key); err != nil {
			if errors.Is(err, badger.ErrTxnTooBig) {
				return 0, fmt.Errorf("too many chunks to replace in one transaction: %w", err)
			}
			return 0, err
		}
	}
	return len(keys), nil
}

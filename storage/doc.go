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


// Package storage provides the storage abstraction layer for kbingest.
//
// This package defines the repository interfaces that decouple the job store
// and the chunk sink from business logic, so BadgerDB, Postgres or in-memory
// backends can be used interchangeably.
//
// # Architecture
//
//   - JobRepository: durable job records and the status state machine
//   - ChunkSink: all-or-nothing chunk batch writes keyed by job
//
// Status changes go through TransitionJob or ClaimJob, which check the
// current status and write the new one in a single transaction. A rejected
// transition leaves the stored row byte-for-byte unchanged.
//
// # Usage
//
//	backend, err := badger.OpenBackend("/path/to/db", false)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//	jobs := badger.NewJobRepository(backend)
//
// Use in tests with in-memory storage:
//
//	jobs, chunks, backend, err := badger.NewMemoryRepositories()
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines.
package storage

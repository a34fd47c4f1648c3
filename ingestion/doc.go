// Package ingestion drives ingestion jobs from pending to a terminal status.
//
// The Runner claims a pending job, resolves its plugin, converts the stored
// source, describes extracted images, chunks the converted text and hands the
// chunks to a storage.ChunkSink. Every step reports progress to the job
// record so callers can poll it.
//
// Runs are dispatched onto a bounded worker pool. Failures after the claim are
// never returned to the submitter; they are recorded on the job as an error
// message plus ErrorDetails naming the stage that failed.
//
// Cancellation is cooperative. The runner checks the job's cancel flag at each
// stage boundary and between images, and stops at the first checkpoint that
// observes it.
package ingestion

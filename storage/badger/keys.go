package badger

import (
	"encoding/binary"
	"time"

	"github.com/poiesic/kbingest/core"
)

// Key prefixes for different data types
const (
	jobPrefix           = "job:"
	jobCollectionPrefix = "jobcol:"
	jobStatusPrefix     = "jobsta:"
	jobArtifactPrefix   = "jobart:"
	chunkPrefix         = "chunk:"
)

// keySep terminates variable length key segments so that one collection's
// prefix can never match another collection whose ID extends it.
const keySep = 0x00

// makeJobKey generates the primary key for a job.
func makeJobKey(id string) []byte {
	return []byte(jobPrefix + id)
}

// makeCollectionIndexKey generates a composite key for the per-collection index.
// Format: prefix:collectionID\x00timestamp:id
func makeCollectionIndexKey(collectionID string, createdAt time.Time, id string) []byte {
	prefix := makeCollectionIndexPrefix(collectionID)
	buf := make([]byte, len(prefix)+8+len(id))
	offset := copy(buf, prefix)
	// Write in BigEndian order so lexicographic sort works correctly
	binary.BigEndian.PutUint64(buf[offset:], uint64(createdAt.UnixMicro()))
	offset += 8
	copy(buf[offset:], id)
	return buf
}

// makeCollectionIndexPrefix generates the scan prefix for one collection.
func makeCollectionIndexPrefix(collectionID string) []byte {
	buf := make([]byte, 0, len(jobCollectionPrefix)+len(collectionID)+1)
	buf = append(buf, jobCollectionPrefix...)
	buf = append(buf, collectionID...)
	return append(buf, keySep)
}

// makeStatusIndexKey generates a key for the status index.
// Format: prefix:status\x00id
func makeStatusIndexKey(status core.JobStatus, id string) []byte {
	return append(makeStatusIndexPrefix(status), id...)
}

// makeStatusIndexPrefix generates the scan prefix for one status.
func makeStatusIndexPrefix(status core.JobStatus) []byte {
	buf := make([]byte, 0, len(jobStatusPrefix)+len(status)+1)
	buf = append(buf, jobStatusPrefix...)
	buf = append(buf, status...)
	return append(buf, keySep)
}

// makeArtifactLockKey generates the lock key held while a job processes a
// stored artifact. The pair is hashed to keep keys short and uniform.
func makeArtifactLockKey(collectionID, storagePath string) []byte {
	return []byte(jobArtifactPrefix + core.ContentHash([]byte(collectionID+"\x00"+storagePath)))
}

// makeChunkKey generates a key for one chunk of a job.
// Format: prefix:jobID\x00index
func makeChunkKey(jobID string, index int) []byte {
	prefix := makeChunkPrefix(jobID)
	buf := make([]byte, len(prefix)+4)
	offset := copy(buf, prefix)
	binary.BigEndian.PutUint32(buf[offset:], uint32(index))
	return buf
}

// makeChunkPrefix generates the scan prefix for all chunks of a job.
func makeChunkPrefix(jobID string) []byte {
	buf := make([]byte, 0, len(chunkPrefix)+len(jobID)+1)
	buf = append(buf, chunkPrefix...)
	buf = append(buf, jobID...)
	return append(buf, keySep)
}

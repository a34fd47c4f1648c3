package ingestion

import "errors"

var (
	// ErrJobRepositoryRequired is returned when a job repository is not provided.
	ErrJobRepositoryRequired = errors.New("job repository required")

	// ErrChunkSinkRequired is returned when a chunk sink is not provided.
	ErrChunkSinkRequired = errors.New("chunk sink required")

	// ErrAssetStoreRequired is returned when an asset store is not provided.
	ErrAssetStoreRequired = errors.New("asset store required")

	// ErrPluginRegistryRequired is returned when a plugin registry is not provided.
	ErrPluginRegistryRequired = errors.New("plugin registry required")

	// ErrInvalidMaxAttempts is returned when maxAttempts is <= 0
	ErrInvalidMaxAttempts = errors.New("maxAttempts must be greater than 0")
)

package jobs

import "errors"

var (
	// ErrJobRepositoryRequired is returned when a job repository is not provided.
	ErrJobRepositoryRequired = errors.New("job repository required")

	// ErrAssetStoreRequired is returned when an asset store is not provided.
	ErrAssetStoreRequired = errors.New("asset store required")

	// ErrPluginRegistryRequired is returned when a plugin registry is not provided.
	ErrPluginRegistryRequired = errors.New("plugin registry required")

	// ErrDispatcherRequired is returned when a dispatcher is not provided.
	ErrDispatcherRequired = errors.New("dispatcher required")

	// errStatusChanged aborts a conditional write whose precondition no longer holds.
	errStatusChanged = errors.New("job status changed")
)

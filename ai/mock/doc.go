// Package mock provides test double implementations of AI service interfaces.
//
// This package contains mock implementations of ai.Embedder, ai.ImageDescriber,
// and ai.AIProvider for use in unit tests. The mocks allow tests to run without
// external AI service dependencies and enable controlled, deterministic behavior.
//
// # Usage in Tests
//
//	// Basic usage with default behavior
//	mockProvider := mock.NewMockProvider()
//	desc, err := mockProvider.ImageDescriber().DescribeImage(ctx, img)
//
//	// Custom behavior injection
//	describer := mock.NewMockDescriber()
//	describer.DescribeImageFunc = func(ctx context.Context, img ai.Image) (string, error) {
//	    return "", errors.New("rate limited")
//	}
//
//	// Check call counts
//	count := describer.CallCount()
//
// # Default Behavior
//
// The mock implementations provide sensible defaults:
//
//   - MockEmbedder: Returns deterministic vectors based on text hash
//   - MockDescriber: Describes an image by its name and size
//   - MockProvider: Aggregates mock embedder and describer
//
// All mocks are safe for concurrent use.
package mock

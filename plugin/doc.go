// Package plugin holds the static table of ingestion recipes.
//
// A Plugin names the sources it accepts, declares its parameters as a Schema
// and delegates conversion and chunking. Registry.ValidateParams fills
// defaults, checks types and bounds, and applies capability fallbacks: an
// unsupported chunking mode or image mode is downgraded with a warning
// instead of failing the job.
package plugin

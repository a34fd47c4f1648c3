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


package core

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Wrap these with fmt.Errorf("...: %w", ...)
// and test with errors.Is.
var (
	// ErrValidation indicates a bad or unknown plugin, or a parameter out of its declared range.
	ErrValidation = errors.New("validation error")

	// ErrPluginNotFound indicates an unknown plugin name. It is also a validation error.
	ErrPluginNotFound = fmt.Errorf("%w: plugin not found", ErrValidation)

	// ErrConversion indicates source content could not be converted.
	ErrConversion = errors.New("conversion error")

	// ErrChunking indicates the chunking engine reached an invalid internal state.
	ErrChunking = errors.New("chunking error")

	// ErrAssetDescription indicates a single asset description failed. Never fatal.
	ErrAssetDescription = errors.New("asset description error")

	// ErrStorage indicates chunk or artifact persistence failed.
	ErrStorage = errors.New("storage error")

	// ErrInvalidStateTransition indicates a transition not allowed by the job state machine.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrNotFound indicates an unknown job or collection id.
	ErrNotFound = errors.New("not found")

	// ErrCancelled indicates a run stopped because cancellation was requested.
	ErrCancelled = errors.New("job cancelled")
)

var exceptionTypes = []struct {
	err  error
	name string
}{
	{ErrValidation, "ValidationError"},
	{ErrConversion, "ConversionError"},
	{ErrChunking, "ChunkingError"},
	{ErrAssetDescription, "AssetDescriptionError"},
	{ErrStorage, "StorageError"},
	{ErrInvalidStateTransition, "InvalidStateTransition"},
	{ErrNotFound, "NotFound"},
	{ErrCancelled, "Cancelled"},
}

// ExceptionType names the taxonomy entry of err for ErrorDetails.
// Errors outside the taxonomy are reported by their Go type.
func ExceptionType(err error) string {
	if err == nil {
		return ""
	}
	for _, et := range exceptionTypes {
		if errors.Is(err, et.err) {
			return et.name
		}
	}
	for {
		inner := errors.Unwrap(err)
		if inner == nil {
			break
		}
		err = inner
	}
	return fmt.Sprintf("%T", err)
}

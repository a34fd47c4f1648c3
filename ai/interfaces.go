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


package ai

import (
	"context"
	"errors"
)

// ErrNoCredential is returned by a CredentialResolver when an owner has no
// usable LLM credential.
var ErrNoCredential = errors.New("no LLM credential")

type Embedder interface {
	// EmbedText generates a vector embedding for a single text string.
	// The returned vector represents the semantic meaning of the text.
	// Returns an error if the embedding generation fails.
	EmbedText(ctx context.Context, text string) ([]float32, error)

	// EmbedTexts generates vector embeddings for multiple text strings in a batch.
	// Batch processing is more efficient than calling EmbedText multiple times.
	// The returned slice contains embeddings in the same order as the input texts.
	// Returns an error if any embedding generation fails.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

type ImageDescriber interface {
	// DescribeImage returns a short natural language description of img.
	// Implementations must be safe for concurrent use.
	DescribeImage(ctx context.Context, img Image) (string, error)

	// Provider names the backend, e.g. "openai" or "gemini".
	Provider() string

	// Model is the model identifier sent with each request.
	Model() string
}

type CredentialResolver interface {
	// Describer returns the image describer owner may use.
	// Returns ErrNoCredential when owner has no LLM credential.
	Describer(ctx context.Context, owner string) (ImageDescriber, error)
}

type AIProvider interface {
	// Embedder returns the text embedding service, or nil when embeddings
	// are not configured.
	Embedder() Embedder

	// ImageDescriber returns the image description service.
	// The returned ImageDescriber is safe for concurrent use.
	ImageDescriber() ImageDescriber

	// Close releases resources held by the provider and its services.
	// After Close is called, the provider and its services should not be used.
	Close() error
}

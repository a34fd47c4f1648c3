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
	"errors"
	"strings"
)

// Provider names accepted in Config.Provider.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config holds configuration for AI service providers.
type Config struct {
	// Provider selects the backend for image descriptions: "openai" for any
	// OpenAI-compatible API, or "gemini".
	Provider string

	// EmbeddingHost is the base URL for the embedding service API.
	// Example: "http://localhost:11434/v1" for local OpenAI-compatible server
	EmbeddingHost string

	// VisionHost is the base URL of the OpenAI-compatible service used to
	// describe images.
	VisionHost string

	// EmbeddingModel is the model identifier to use for text embeddings.
	// Example: "embeddinggemma", "text-embedding-3-small"
	EmbeddingModel string

	// VisionModel is the multimodal model used for image descriptions.
	// Example: "llava", "gpt-4o-mini", "gemini-1.5-flash"
	VisionModel string

	// APIKey authenticates against the provider. Local OpenAI-compatible
	// servers accept any token.
	APIKey string

	// MaxDescriptionChars truncates generated descriptions.
	// Default: 500
	MaxDescriptionChars int

	// EmbeddingDimensions is the vector length the embedding model must
	// return. Zero accepts any length.
	EmbeddingDimensions int

	// EmbeddingBatchSize caps the number of texts per embedding request.
	// Default: 32
	EmbeddingBatchSize int
}

// DefaultEmbeddingBatchSize is used when Config.EmbeddingBatchSize is unset.
const DefaultEmbeddingBatchSize = 32

// ConfigOption is a functional option for configuring a Config.
type ConfigOption func(*Config)

// WithProvider sets the description provider.
func WithProvider(provider string) ConfigOption {
	return func(c *Config) {
		c.Provider = provider
	}
}

// WithEmbeddingHost sets the embedding service host URL.
func WithEmbeddingHost(host string) ConfigOption {
	return func(c *Config) {
		c.EmbeddingHost = host
	}
}

// WithVisionHost sets the image description service host URL.
func WithVisionHost(host string) ConfigOption {
	return func(c *Config) {
		c.VisionHost = host
	}
}

// WithHost sets both embedding and vision hosts to the same URL.
func WithHost(host string) ConfigOption {
	return func(c *Config) {
		c.EmbeddingHost = host
		c.VisionHost = host
	}
}

// WithEmbeddingModel sets the embedding model identifier.
func WithEmbeddingModel(model string) ConfigOption {
	return func(c *Config) {
		c.EmbeddingModel = model
	}
}

// WithVisionModel sets the image description model identifier.
func WithVisionModel(model string) ConfigOption {
	return func(c *Config) {
		c.VisionModel = model
	}
}

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) ConfigOption {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithMaxDescriptionChars sets the description length limit.
func WithMaxDescriptionChars(n int) ConfigOption {
	return func(c *Config) {
		c.MaxDescriptionChars = n
	}
}

// WithEmbeddingDimensions sets the expected embedding vector length.
func WithEmbeddingDimensions(n int) ConfigOption {
	return func(c *Config) {
		c.EmbeddingDimensions = n
	}
}

// WithEmbeddingBatchSize sets how many texts go into one embedding request.
func WithEmbeddingBatchSize(n int) ConfigOption {
	return func(c *Config) {
		c.EmbeddingBatchSize = n
	}
}

// DefaultConfig returns a Config with sensible defaults for local OpenAI-compatible services.
// By default, both embedding and vision use the same host.
func DefaultConfig() *Config {
	defaultHost := "http://localhost:11434/v1"
	return &Config{
		Provider:            ProviderOpenAI,
		EmbeddingHost:       defaultHost,
		VisionHost:          defaultHost,
		EmbeddingModel:      "embeddinggemma",
		VisionModel:         "llava",
		MaxDescriptionChars: 500,
		EmbeddingBatchSize:  DefaultEmbeddingBatchSize,
	}
}

// NewConfig creates a Config with the default values and applies the provided options.
//
// Example:
//
//	cfg := NewConfig(
//	    WithHost("http://localhost:11434/v1"),
//	    WithVisionModel("llava:13b"),
//	)
func NewConfig(opts ...ConfigOption) *Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Normalize ensures the configuration is in a canonical form.
// It automatically adds the /v1 suffix to hosts if missing, which is required
// by most OpenAI-compatible APIs (Ollama, LocalAI, vLLM, etc).
func (c *Config) Normalize() {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = ProviderOpenAI
	}
	c.EmbeddingHost = withV1(c.EmbeddingHost)
	c.VisionHost = withV1(c.VisionHost)
	if c.APIKey == "" {
		c.APIKey = "none"
	}
}

func withV1(host string) string {
	if host == "" || strings.HasSuffix(host, "/v1") {
		return host
	}
	return strings.TrimSuffix(host, "/") + "/v1"
}

// Validate checks that the configuration is valid and complete.
// It automatically normalizes the configuration before validation.
func (c *Config) Validate() error {
	c.Normalize()

	switch c.Provider {
	case ProviderOpenAI:
		if c.VisionHost == "" {
			return errors.New("ai config: VisionHost is required")
		}
	case ProviderGemini:
		if c.APIKey == "none" {
			return errors.New("ai config: APIKey is required for gemini")
		}
	default:
		return errors.New("ai config: Provider must be openai or gemini")
	}
	if c.VisionModel == "" {
		return errors.New("ai config: VisionModel is required")
	}
	if c.MaxDescriptionChars < 0 {
		return errors.New("ai config: MaxDescriptionChars must not be negative")
	}
	return nil
}

// ValidateEmbedding checks the settings needed to build an embedder.
func (c *Config) ValidateEmbedding() error {
	c.Normalize()
	if c.EmbeddingHost == "" {
		return errors.New("ai config: EmbeddingHost is required")
	}
	if c.EmbeddingModel == "" {
		return errors.New("ai config: EmbeddingModel is required")
	}
	if c.EmbeddingDimensions < 0 {
		return errors.New("ai config: EmbeddingDimensions must not be negative")
	}
	if c.EmbeddingBatchSize < 0 {
		return errors.New("ai config: EmbeddingBatchSize must not be negative")
	}
	return nil
}

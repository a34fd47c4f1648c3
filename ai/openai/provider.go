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


package openai

import (
	"log/slog"

	"github.com/poiesic/kbingest/ai"
)

// Provider implements ai.AIProvider using OpenAI-compatible services.
// It manages embedder and image describer instances.
type Provider struct {
	config    *ai.Config
	embedder  *Embedder
	describer *Describer
	logger    *slog.Logger
}

// NewProvider creates a new AI provider with OpenAI-compatible services.
// The config is validated and normalized before use. The embedder is only
// created when an embedding model is configured.
//
// Returns ai.AIProvider interface (not *Provider) to enforce abstraction
// and prevent coupling to OpenAI-specific implementation details.
func NewProvider(config *ai.Config) (ai.AIProvider, error) {
	describer, err := newDescriber(config)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		config:    config,
		describer: describer,
		logger:    slog.Default().With("component", "openai-provider"),
	}
	if config.EmbeddingModel != "" {
		embedder, err := newEmbedder(config)
		if err != nil {
			return nil, err
		}
		p.embedder = embedder
	}
	return p, nil
}

// Embedder returns the text embedding service, or nil.
func (p *Provider) Embedder() ai.Embedder {
	if p.embedder == nil {
		return nil
	}
	return p.embedder
}

// ImageDescriber returns the image description service.
func (p *Provider) ImageDescriber() ai.ImageDescriber {
	return p.describer
}

// Close releases resources held by the provider.
// Currently a no-op as the underlying clients don't require explicit cleanup.
func (p *Provider) Close() error {
	p.logger.Debug("closing OpenAI provider")
	return nil
}

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
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/poiesic/kbingest/ai"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Describer implements ai.ImageDescriber using OpenAI-compatible chat APIs
// with image input.
type Describer struct {
	client   llms.Model
	model    string
	maxChars int
	logger   *slog.Logger
}

// newDescriber is an internal constructor that returns the concrete type.
// Used by Provider to manage the instance.
func newDescriber(config *ai.Config) (*Describer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	client, err := openai.New(
		openai.WithBaseURL(config.VisionHost),
		openai.WithToken(config.APIKey),
		openai.WithModel(config.VisionModel),
	)
	if err != nil {
		return nil, err
	}

	return &Describer{
		client:   client,
		model:    config.VisionModel,
		maxChars: config.MaxDescriptionChars,
		logger:   slog.Default().With("component", "openai-describer"),
	}, nil
}

// NewDescriber creates a new image describer using the provided configuration.
//
// Returns ai.ImageDescriber interface to enforce abstraction.
func NewDescriber(config *ai.Config) (ai.ImageDescriber, error) {
	return newDescriber(config)
}

// DescribeImage sends the image bytes inline with the description prompt.
func (d *Describer) DescribeImage(ctx context.Context, img ai.Image) (string, error) {
	content := []llms.MessageContent{
		{
			Role: llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{
				llms.TextPart(ai.DescriptionPrompt(img)),
				llms.BinaryPart(img.ContentType, img.Data),
			},
		},
	}

	response, err := d.client.GenerateContent(ctx, content, llms.WithTemperature(0.0))
	if err != nil {
		d.logger.Error("failed to generate description", "asset", img.Name, "err", err)
		return "", err
	}
	if len(response.Choices) < 1 {
		return "", errors.New("no choices returned from model")
	}

	description := ai.CleanDescription(response.Choices[0].Content, d.maxChars)
	if strings.TrimSpace(description) == "" {
		return "", errors.New("model returned an empty description")
	}
	d.logger.Debug("described image", "asset", img.Name, "length", len(description))
	return description, nil
}

func (d *Describer) Provider() string {
	return ai.ProviderOpenAI
}

func (d *Describer) Model() string {
	return d.model
}

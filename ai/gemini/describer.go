// Package gemini describes images with Google's Gemini models.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/poiesic/kbingest/ai"
	"google.golang.org/api/option"
)

const defaultModel = "gemini-1.5-flash"

// Describer implements ai.ImageDescriber on the Gemini API.
type Describer struct {
	client   *genai.Client
	model    string
	maxChars int
	logger   *slog.Logger
}

// NewDescriber connects with the configured API key.
func NewDescriber(ctx context.Context, config *ai.Config) (*Describer, error) {
	if config.APIKey == "" || config.APIKey == "none" {
		return nil, errors.New("gemini: API key is required")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(config.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	model := config.VisionModel
	if model == "" || model == ai.DefaultConfig().VisionModel {
		model = defaultModel
	}
	return &Describer{
		client:   cl,
		model:    model,
		maxChars: config.MaxDescriptionChars,
		logger:   slog.Default().With("component", "gemini-describer"),
	}, nil
}

func (d *Describer) Close() error {
	if d.client != nil {
		return d.client.Close()
	}
	return nil
}

// DescribeImage sends the prompt and the image in one request.
func (d *Describer) DescribeImage(ctx context.Context, img ai.Image) (string, error) {
	m := d.client.GenerativeModel(d.model)
	m.SetTemperature(0)

	resp, err := m.GenerateContent(ctx,
		genai.Text(ai.DescriptionPrompt(img)),
		genai.ImageData(imageFormat(img.ContentType), img.Data),
	)
	if err != nil {
		d.logger.Error("failed to generate description", "asset", img.Name, "err", err)
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini returned no candidates")
	}

	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	description := ai.CleanDescription(b.String(), d.maxChars)
	if description == "" {
		return "", errors.New("gemini returned an empty description")
	}
	return description, nil
}

func (d *Describer) Provider() string {
	return ai.ProviderGemini
}

func (d *Describer) Model() string {
	return d.model
}

// imageFormat maps a MIME type to the short format genai.ImageData expects.
func imageFormat(contentType string) string {
	if f, ok := strings.CutPrefix(contentType, "image/"); ok && f != "" {
		return strings.TrimSuffix(f, "+xml")
	}
	return "png"
}

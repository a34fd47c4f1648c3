package gemini

import (
	"context"
	"testing"

	"github.com/poiesic/kbingest/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageFormat(t *testing.T) {
	assert.Equal(t, "png", imageFormat("image/png"))
	assert.Equal(t, "jpeg", imageFormat("image/jpeg"))
	assert.Equal(t, "svg", imageFormat("image/svg+xml"))
	assert.Equal(t, "png", imageFormat("application/octet-stream"))
}

func TestNewDescriberRequiresKey(t *testing.T) {
	_, err := NewDescriber(context.Background(), ai.NewConfig(ai.WithProvider(ai.ProviderGemini)))
	assert.Error(t, err)
}

func TestNewDescriberDefaultsModel(t *testing.T) {
	d, err := NewDescriber(context.Background(), ai.NewConfig(ai.WithAPIKey("test-key")))
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, defaultModel, d.Model())
	assert.Equal(t, ai.ProviderGemini, d.Provider())
}

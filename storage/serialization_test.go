package storage

import (
	"testing"

	"github.com/poiesic/kbingest/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalJob_Corrupt(t *testing.T) {
	_, err := UnmarshalJob([]byte("{not json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSerializationFailed)
}

func TestMarshalJob_PreservesOptionalTotal(t *testing.T) {
	job := &core.IngestionJob{ID: "a", Status: core.StatusProcessing, Progress: core.NewProgress(0, nil, "Converting")}
	data, err := MarshalJob(job)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"total"`)

	decoded, err := UnmarshalJob(data)
	require.NoError(t, err)
	assert.Nil(t, decoded.Progress.Total)
	assert.Equal(t, "Converting", decoded.Progress.Message)
}

func TestUnmarshalChunk_Corrupt(t *testing.T) {
	_, err := UnmarshalChunk([]byte("["))
	assert.ErrorIs(t, err, ErrSerializationFailed)
}

func TestNotFoundIsCoreNotFound(t *testing.T) {
	assert.ErrorIs(t, ErrNotFound, core.ErrNotFound)
	assert.ErrorIs(t, ErrInvalidQuery, core.ErrValidation)
}

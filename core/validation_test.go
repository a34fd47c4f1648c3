package core

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition_Allowed(t *testing.T) {
	allowed := [][2]JobStatus{
		{StatusPending, StatusProcessing},
		{StatusPending, StatusCancelled},
		{StatusProcessing, StatusCompleted},
		{StatusProcessing, StatusFailed},
		{StatusProcessing, StatusCancelled},
		{StatusFailed, StatusPending},
		{StatusPending, StatusDeleted},
		{StatusProcessing, StatusDeleted},
		{StatusCompleted, StatusDeleted},
		{StatusFailed, StatusDeleted},
		{StatusCancelled, StatusDeleted},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestCanTransition_EveryOtherPairRejected(t *testing.T) {
	allowed := map[[2]JobStatus]bool{
		{StatusPending, StatusProcessing}:    true,
		{StatusPending, StatusCancelled}:     true,
		{StatusProcessing, StatusCompleted}:  true,
		{StatusProcessing, StatusFailed}:     true,
		{StatusProcessing, StatusCancelled}:  true,
		{StatusFailed, StatusPending}:        true,
		{StatusPending, StatusDeleted}:       true,
		{StatusProcessing, StatusDeleted}:    true,
		{StatusCompleted, StatusDeleted}:     true,
		{StatusFailed, StatusDeleted}:        true,
		{StatusCancelled, StatusDeleted}:     true,
	}
	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			if allowed[[2]JobStatus{from, to}] {
				continue
			}
			err := ValidateTransition(from, to)
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, errors.Is(err, ErrInvalidStateTransition))
		}
	}
}

func TestCanTransition_UnknownStatus(t *testing.T) {
	assert.False(t, CanTransition("bogus", StatusPending))
	assert.False(t, CanTransition(StatusPending, "bogus"))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("failed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, s)

	_, err = ParseStatus("FAILED")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestValidateJob(t *testing.T) {
	total := 4
	tests := []struct {
		name    string
		job     *IngestionJob
		wantErr bool
	}{
		{
			name:    "nil job",
			job:     nil,
			wantErr: true,
		},
		{
			name: "valid pending job",
			job:  &IngestionJob{ID: "a", CollectionID: "c", PluginName: "p", Status: StatusPending},
		},
		{
			name:    "missing collection",
			job:     &IngestionJob{ID: "a", PluginName: "p", Status: StatusPending},
			wantErr: true,
		},
		{
			name:    "document count on failed job",
			job:     &IngestionJob{ID: "a", CollectionID: "c", PluginName: "p", Status: StatusFailed, DocumentCount: 3},
			wantErr: true,
		},
		{
			name: "document count on completed job",
			job:  &IngestionJob{ID: "a", CollectionID: "c", PluginName: "p", Status: StatusCompleted, DocumentCount: 3},
		},
		{
			name: "deleted completed job keeps count",
			job: &IngestionJob{ID: "a", CollectionID: "c", PluginName: "p", Status: StatusDeleted,
				StatusBeforeDelete: StatusCompleted, DocumentCount: 3},
		},
		{
			name:    "error message on completed job",
			job:     &IngestionJob{ID: "a", CollectionID: "c", PluginName: "p", Status: StatusCompleted, ErrorMessage: "x"},
			wantErr: true,
		},
		{
			name: "progress beyond total",
			job: &IngestionJob{ID: "a", CollectionID: "c", PluginName: "p", Status: StatusProcessing,
				Progress: Progress{Current: 5, Total: &total}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateJob(tt.job)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExceptionType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrPluginNotFound, "ValidationError"},
		{errors.Join(errors.New("x"), ErrStorage), "StorageError"},
		{wrap(ErrConversion), "ConversionError"},
		{wrap(ErrInvalidStateTransition), "InvalidStateTransition"},
		{errors.New("boom"), "*errors.errorString"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExceptionType(tt.err))
	}
}

func wrap(err error) error {
	return errors.Join(err)
}

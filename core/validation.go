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
	"fmt"
	"slices"
)

// transitions is the complete job state machine. Deleted is reachable from
// every other state and handled separately in CanTransition.
var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	if !IsValidStatus(from) || !IsValidStatus(to) {
		return false
	}
	if to == StatusDeleted {
		return from != StatusDeleted
	}
	return slices.Contains(transitions[from], to)
}

// ValidateTransition returns ErrInvalidStateTransition when from -> to is not allowed.
func ValidateTransition(from, to JobStatus) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
	}
	return nil
}

// IsValidStatus checks s against the six-value status enum.
func IsValidStatus(s JobStatus) bool {
	return slices.Contains(AllStatuses, s)
}

// ParseStatus converts a caller supplied string into a JobStatus.
func ParseStatus(s string) (JobStatus, error) {
	status := JobStatus(s)
	if !IsValidStatus(status) {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	return status, nil
}

// ValidateJob checks the invariants of a persisted job record.
//
// Validation rules:
//   - ID, CollectionID and PluginName must not be empty
//   - Status must be one of the six known values
//   - DocumentCount > 0 only when completed
//   - ErrorMessage only when failed
//   - Progress.Current must not exceed a known Progress.Total
//
// A soft-deleted job is checked against the status it had before deletion.
func ValidateJob(job *IngestionJob) error {
	if job == nil {
		return fmt.Errorf("%w: job is nil", ErrValidation)
	}
	if job.ID == "" {
		return fmt.Errorf("%w: job id is empty", ErrValidation)
	}
	if job.CollectionID == "" {
		return fmt.Errorf("%w: collection id is empty", ErrValidation)
	}
	if job.PluginName == "" {
		return fmt.Errorf("%w: plugin name is empty", ErrValidation)
	}
	if !IsValidStatus(job.Status) {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, job.Status)
	}
	if job.DocumentCount > 0 && job.effectiveStatus() != StatusCompleted {
		return fmt.Errorf("%w: document count %d on %s job", ErrValidation, job.DocumentCount, job.Status)
	}
	if job.ErrorMessage != "" && job.effectiveStatus() != StatusFailed {
		return fmt.Errorf("%w: error message on %s job", ErrValidation, job.Status)
	}
	if job.Progress.Total != nil && job.Progress.Current > *job.Progress.Total {
		return fmt.Errorf("%w: progress %d exceeds total %d", ErrValidation, job.Progress.Current, *job.Progress.Total)
	}
	return nil
}

func (j *IngestionJob) effectiveStatus() JobStatus {
	if j.Status == StatusDeleted && j.StatusBeforeDelete != "" {
		return j.StatusBeforeDelete
	}
	return j.Status
}

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


// Package jobs is the control surface for ingestion jobs.
//
// Service validates and records submissions, hands them to a Dispatcher for
// background processing and answers status, listing and summary queries.
// Retry, cancel and delete go through the job state machine; a request the
// machine does not allow fails with core.ErrInvalidStateTransition and leaves
// the job untouched.
//
// Validation errors are returned before anything is stored. Everything that
// goes wrong after submission is recorded on the job and observed by polling.
package jobs

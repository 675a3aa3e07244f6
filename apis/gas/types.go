/*
Copyright 2022 The GAS Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package gas defines the job record, the message payloads exchanged over
// the bus, and the object-key layout shared by every GAS component.
package gas

import (
	"fmt"
	"path"
	"strings"
)

// JobState specifies where a job is in its lifecycle.
type JobState string

// All job states. Transitions are monotonic along PENDING, RUNNING,
// COMPLETED; FAILED is terminal from any non-terminal state.
const (
	// PendingState means the record exists but no worker owns the job yet.
	PendingState JobState = "PENDING"
	// RunningState means an annotator won the PENDING->RUNNING transition
	// and the pipeline child is (or was) executing.
	RunningState JobState = "RUNNING"
	// CompletedState means result and log artifacts are uploaded and the
	// record carries their coordinates.
	CompletedState JobState = "COMPLETED"
	// FailedState is terminal and set when the pipeline reports a
	// permanent error or a stuck job is swept.
	FailedState JobState = "FAILED"
)

// Job is the metadata record for one annotation request. The job_id key is
// immutable once written and records are never deleted. Attribute names on
// the wire match the dynamodbav tags; no other package may touch the store's
// typed wire format.
type Job struct {
	JobID         string   `json:"job_id" dynamodbav:"job_id"`
	UserID        string   `json:"user_id" dynamodbav:"user_id"`
	InputFileName string   `json:"input_file_name" dynamodbav:"input_file_name"`
	InputBucket   string   `json:"input_bucket" dynamodbav:"input_bucket"`
	InputKey      string   `json:"input_key" dynamodbav:"input_key"`
	SubmitTime    int64    `json:"submit_time" dynamodbav:"submit_time"`
	Status        JobState `json:"job_status" dynamodbav:"job_status"`

	// Set by the pipeline child on completion.
	ResultBucket string `json:"result_bucket,omitempty" dynamodbav:"result_bucket,omitempty"`
	ResultKey    string `json:"result_key,omitempty" dynamodbav:"result_key,omitempty"`
	LogKey       string `json:"log_key,omitempty" dynamodbav:"log_key,omitempty"`
	CompleteTime int64  `json:"complete_time,omitempty" dynamodbav:"complete_time,omitempty"`

	// ArchiveID is the cold-storage handle. Its presence means the hot
	// result object has been purged.
	ArchiveID string `json:"results_file_archive_id,omitempty" dynamodbav:"results_file_archive_id,omitempty"`
}

// Terminal returns true if no further status transition is allowed.
func (j *Job) Terminal() bool {
	return j.Status == CompletedState || j.Status == FailedState
}

// Archived returns true if the hot result object has been moved to the
// cold-storage vault.
func (j *Job) Archived() bool {
	return j.ArchiveID != ""
}

// JobSubmitted announces a freshly inserted PENDING job to the annotators.
type JobSubmitted struct {
	JobID         string `json:"job_id"`
	UserID        string `json:"user_id"`
	InputBucket   string `json:"input_bucket"`
	InputKey      string `json:"input_key"`
	InputFileName string `json:"input_file_name"`
	SubmitTime    int64  `json:"submit_time"`
}

// JobCompleted announces a finished job to the notifier.
type JobCompleted struct {
	JobID        string `json:"job_id"`
	UserID       string `json:"user_id"`
	CompleteTime int64  `json:"complete_time"`
}

// ArchiveScheduled asks the archiver to consider one result object after
// the retention delay has elapsed. Bucket and Key locate the hot result.
type ArchiveScheduled struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	UserID string `json:"user_id"`
	JobID  string `json:"job_id"`
}

// ThawRequested asks the thaw worker to initiate cold retrieval for one
// archived result.
type ThawRequested struct {
	UserID    string `json:"user_id"`
	ArchiveID string `json:"archive_id"`
	JobID     string `json:"job_id"`
}

// RetrievalReady is the vault's retrieval-complete notification. Field
// names match the vault's wire format verbatim; JobDescription carries the
// application job_id that was passed when the retrieval was initiated.
type RetrievalReady struct {
	JobID          string `json:"JobId"`
	ArchiveID      string `json:"ArchiveId"`
	Completed      bool   `json:"Completed"`
	StatusCode     string `json:"StatusCode"`
	JobDescription string `json:"JobDescription"`
}

// Succeeded reports whether the retrieval finished and its output may be
// fetched.
func (r *RetrievalReady) Succeeded() bool {
	return r.Completed && r.StatusCode == "Succeeded"
}

// Canonical artifact extensions produced by the pipeline.
const (
	// ResultSuffix marks the annotated output inside a results folder.
	ResultSuffix = ".annot.vcf"
	// LogSuffix marks the pipeline log inside a results folder.
	LogSuffix = ".log"
)

// inputKeySeparator splits the job id from the original file name inside an
// input key. Only the first occurrence separates; file names may contain
// further ones.
const inputKeySeparator = "~"

// InputKey builds the object key for a fresh upload,
// <prefix>/<user_id>/<job_id>~<filename>. The filename part may be the
// uploader's ${filename} placeholder.
func InputKey(prefix, userID, jobID, filename string) string {
	return path.Join(prefix, userID, jobID+inputKeySeparator+filename)
}

// ParseInputKey splits <prefix>/<user_id>/<job_id>~<filename> back into its
// parts. The first "~" is the separator between job id and filename.
func ParseInputKey(key string) (userID, jobID, filename string, err error) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("input key %q does not have <prefix>/<user_id>/<file> form", key)
	}
	userID = parts[1]
	sep := strings.Index(parts[2], inputKeySeparator)
	if userID == "" || sep <= 0 || sep == len(parts[2])-1 {
		return "", "", "", fmt.Errorf("input key %q does not carry a <job_id>~<filename> object name", key)
	}
	return userID, parts[2][:sep], parts[2][sep+1:], nil
}

// ResultKeyPrefix builds the folder all artifacts of one job live under,
// <prefix>/<user_id>/<job_id>/. Individual artifacts append their base name.
func ResultKeyPrefix(prefix, userID, jobID string) string {
	return path.Join(prefix, userID, jobID) + "/"
}

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

// Package jobstore is the metadata store gateway. Its conditional writes
// are the only synchronization primitive between workers: every state
// transition is a compare-and-set on job_status, so duplicate deliveries
// and racing workers resolve to exactly one winner. The store's typed wire
// format stays inside this package; business logic sees gas.Job.
package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/pkg/errors"

	"github.com/jimzhengzsy/CloudComputing/apis/gas"
)

var (
	// ErrConflict means the record was not in the state a conditional
	// write expected. A peer beat us to the transition; treat its win as
	// final.
	ErrConflict = errors.New("job is not in the expected state")
	// ErrAlreadyExists means an insert hit an existing job_id.
	ErrAlreadyExists = errors.New("job already exists")
	// ErrNotFound means the record does not exist.
	ErrNotFound = errors.New("job not found")
)

// dynamoAPI is the slice of the table client the store uses; tests fake it.
type dynamoAPI interface {
	PutItemWithContext(aws.Context, *dynamodb.PutItemInput, ...request.Option) (*dynamodb.PutItemOutput, error)
	UpdateItemWithContext(aws.Context, *dynamodb.UpdateItemInput, ...request.Option) (*dynamodb.UpdateItemOutput, error)
	GetItemWithContext(aws.Context, *dynamodb.GetItemInput, ...request.Option) (*dynamodb.GetItemOutput, error)
	QueryPagesWithContext(aws.Context, *dynamodb.QueryInput, func(*dynamodb.QueryOutput, bool) bool, ...request.Option) error
	ScanPagesWithContext(aws.Context, *dynamodb.ScanInput, func(*dynamodb.ScanOutput, bool) bool, ...request.Option) error
}

// Store reads and writes job records.
type Store struct {
	svc       dynamoAPI
	table     string
	userIndex string
}

// New builds a store over the given session.
func New(sess *session.Session, table, userIndex string) *Store {
	return &Store{
		svc:       dynamodb.New(sess),
		table:     table,
		userIndex: userIndex,
	}
}

// Insert writes a fresh record. The job_id must be new; a duplicate insert
// fails with ErrAlreadyExists.
func (s *Store) Insert(ctx context.Context, job *gas.Job) error {
	item, err := dynamodbattribute.MarshalMap(job)
	if err != nil {
		return errors.Wrap(err, "couldn't marshal job record")
	}
	_, err = s.svc.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(job_id)"),
	})
	if isConditionalCheckFailed(err) {
		return errors.Wrapf(ErrAlreadyExists, "job %s", job.JobID)
	}
	return errors.Wrapf(err, "couldn't insert job %s", job.JobID)
}

// ConditionalSetStatus moves a job from one state to another. It fails
// with ErrConflict when the record is not currently in the from state,
// which is how duplicate deliveries and racing workers lose.
func (s *Store) ConditionalSetStatus(ctx context.Context, jobID string, from, to gas.JobState) error {
	_, err := s.svc.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 jobKey(jobID),
		UpdateExpression:    aws.String("SET job_status = :to"),
		ConditionExpression: aws.String("attribute_exists(job_id) AND job_status = :from"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":from": {S: aws.String(string(from))},
			":to":   {S: aws.String(string(to))},
		},
	})
	if isConditionalCheckFailed(err) {
		return errors.Wrapf(ErrConflict, "job %s is not %s", jobID, from)
	}
	return errors.Wrapf(err, "couldn't set job %s to %s", jobID, to)
}

// MarkCompleted commits the artifact coordinates and moves a RUNNING job
// to COMPLETED in one conditional write, so a duplicate pipeline cannot
// clobber a record that is already terminal.
func (s *Store) MarkCompleted(ctx context.Context, jobID, resultBucket, resultKey, logKey string, completeTime int64) error {
	_, err := s.svc.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       jobKey(jobID),
		UpdateExpression: aws.String(
			"SET job_status = :completed, result_bucket = :rb, result_key = :rk, log_key = :lk, complete_time = :ct"),
		ConditionExpression: aws.String("attribute_exists(job_id) AND job_status = :running"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":completed": {S: aws.String(string(gas.CompletedState))},
			":running":   {S: aws.String(string(gas.RunningState))},
			":rb":        {S: aws.String(resultBucket)},
			":rk":        {S: aws.String(resultKey)},
			":lk":        {S: aws.String(logKey)},
			":ct":        {N: aws.String(fmt.Sprintf("%d", completeTime))},
		},
	})
	if isConditionalCheckFailed(err) {
		return errors.Wrapf(ErrConflict, "job %s is not %s", jobID, gas.RunningState)
	}
	return errors.Wrapf(err, "couldn't mark job %s completed", jobID)
}

// SetArchiveID records the cold-storage handle after the hot copy is
// purged.
func (s *Store) SetArchiveID(ctx context.Context, jobID, archiveID string) error {
	_, err := s.svc.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 jobKey(jobID),
		UpdateExpression:    aws.String("SET results_file_archive_id = :a"),
		ConditionExpression: aws.String("attribute_exists(job_id)"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":a": {S: aws.String(archiveID)},
		},
	})
	if isConditionalCheckFailed(err) {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return errors.Wrapf(err, "couldn't record archive id for job %s", jobID)
}

// ClearArchiveID drops the cold-storage handle once the hot copy is back.
// Clearing an already-clear record succeeds, keeping restores idempotent.
func (s *Store) ClearArchiveID(ctx context.Context, jobID string) error {
	_, err := s.svc.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 jobKey(jobID),
		UpdateExpression:    aws.String("REMOVE results_file_archive_id"),
		ConditionExpression: aws.String("attribute_exists(job_id)"),
	})
	if isConditionalCheckFailed(err) {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return errors.Wrapf(err, "couldn't clear archive id for job %s", jobID)
}

// Get fetches one record, consistently, so handlers observe their own
// earlier writes.
func (s *Store) Get(ctx context.Context, jobID string) (*gas.Job, error) {
	out, err := s.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            jobKey(jobID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't get job %s", jobID)
	}
	if len(out.Item) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	job := &gas.Job{}
	if err := dynamodbattribute.UnmarshalMap(out.Item, job); err != nil {
		return nil, errors.Wrapf(err, "couldn't unmarshal job %s", jobID)
	}
	return job, nil
}

// QueryByUser lists a user's jobs, newest first.
func (s *Store) QueryByUser(ctx context.Context, userID string) ([]gas.Job, error) {
	var jobs []gas.Job
	var pageErr error
	err := s.svc.QueryPagesWithContext(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(s.userIndex),
		KeyConditionExpression: aws.String("user_id = :u"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":u": {S: aws.String(userID)},
		},
		ScanIndexForward: aws.Bool(false),
	}, func(page *dynamodb.QueryOutput, lastPage bool) bool {
		var batch []gas.Job
		if pageErr = dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); pageErr != nil {
			return false
		}
		jobs = append(jobs, batch...)
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't query jobs for user %s", userID)
	}
	if pageErr != nil {
		return nil, errors.Wrapf(pageErr, "couldn't unmarshal jobs for user %s", userID)
	}
	return jobs, nil
}

// RunningSince lists jobs still RUNNING that were submitted before the
// cutoff. The sweeper uses it to surface and fail stuck work.
func (s *Store) RunningSince(ctx context.Context, before time.Time) ([]gas.Job, error) {
	var jobs []gas.Job
	var pageErr error
	err := s.svc.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.table),
		FilterExpression: aws.String("job_status = :running AND submit_time < :cutoff"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":running": {S: aws.String(string(gas.RunningState))},
			":cutoff":  {N: aws.String(fmt.Sprintf("%d", before.Unix()))},
		},
	}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		var batch []gas.Job
		if pageErr = dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); pageErr != nil {
			return false
		}
		jobs = append(jobs, batch...)
		return true
	})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't scan for stuck jobs")
	}
	if pageErr != nil {
		return nil, errors.Wrap(pageErr, "couldn't unmarshal stuck jobs")
	}
	return jobs, nil
}

// CompletedUnarchivedSince lists COMPLETED jobs that finished before the
// cutoff and have no archive recorded. The sweeper uses it to re-schedule
// archival whose completion-time send was lost.
func (s *Store) CompletedUnarchivedSince(ctx context.Context, before time.Time) ([]gas.Job, error) {
	var jobs []gas.Job
	var pageErr error
	err := s.svc.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
		FilterExpression: aws.String(
			"job_status = :completed AND complete_time < :cutoff AND attribute_not_exists(results_file_archive_id)"),
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":completed": {S: aws.String(string(gas.CompletedState))},
			":cutoff":    {N: aws.String(fmt.Sprintf("%d", before.Unix()))},
		},
	}, func(page *dynamodb.ScanOutput, lastPage bool) bool {
		var batch []gas.Job
		if pageErr = dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); pageErr != nil {
			return false
		}
		jobs = append(jobs, batch...)
		return true
	})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't scan for unarchived results")
	}
	if pageErr != nil {
		return nil, errors.Wrap(pageErr, "couldn't unmarshal unarchived results")
	}
	return jobs, nil
}

func jobKey(jobID string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"job_id": {S: aws.String(jobID)},
	}
}

func isConditionalCheckFailed(err error) bool {
	if awsErr, ok := err.(awserr.Error); ok {
		return awsErr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
	}
	return false
}

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

package identity

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/pkg/errors"
)

// dynamoAPI is the slice of the accounts-table client we use; tests fake it.
type dynamoAPI interface {
	GetItemWithContext(aws.Context, *dynamodb.GetItemInput, ...request.Option) (*dynamodb.GetItemOutput, error)
	UpdateItemWithContext(aws.Context, *dynamodb.UpdateItemInput, ...request.Option) (*dynamodb.UpdateItemOutput, error)
}

// Directory reads and updates account profiles.
type Directory struct {
	svc   dynamoAPI
	table string
}

// NewDirectory builds a directory over the accounts table.
func NewDirectory(sess *session.Session, table string) *Directory {
	return &Directory{svc: dynamodb.New(sess), table: table}
}

// Profile fetches one account record, or ErrNotFound.
func (d *Directory) Profile(ctx context.Context, userID string) (*Profile, error) {
	out, err := d.svc.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key:       userKey(userID),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't get profile for %s", userID)
	}
	if len(out.Item) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "user %s", userID)
	}
	profile := &Profile{}
	if err := dynamodbattribute.UnmarshalMap(out.Item, profile); err != nil {
		return nil, errors.Wrapf(err, "couldn't unmarshal profile for %s", userID)
	}
	return profile, nil
}

// SetRole updates an existing account's role. Unknown users fail with
// ErrNotFound rather than creating a record.
func (d *Directory) SetRole(ctx context.Context, userID, role string) error {
	_, err := d.svc.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.table),
		Key:                 userKey(userID),
		UpdateExpression:    aws.String("SET #role = :r"),
		ConditionExpression: aws.String("attribute_exists(user_id)"),
		ExpressionAttributeNames: map[string]*string{
			"#role": aws.String("role"),
		},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":r": {S: aws.String(role)},
		},
	})
	if awsErr, ok := err.(awserr.Error); ok && awsErr.Code() == dynamodb.ErrCodeConditionalCheckFailedException {
		return errors.Wrapf(ErrNotFound, "user %s", userID)
	}
	return errors.Wrapf(err, "couldn't set role for %s", userID)
}

func userKey(userID string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{
		"user_id": {S: aws.String(userID)},
	}
}

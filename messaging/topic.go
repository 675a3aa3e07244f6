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

package messaging

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// snsAPI is the slice of the topic client we use; tests fake it.
type snsAPI interface {
	PublishWithContext(aws.Context, *sns.PublishInput, ...request.Option) (*sns.PublishOutput, error)
}

// Topic publishes JSON payloads to one notification topic.
type Topic struct {
	svc snsAPI
	arn string
}

// NewTopic builds a publisher for the given topic ARN.
func NewTopic(sess *session.Session, arn string) *Topic {
	return &Topic{svc: sns.New(sess), arn: arn}
}

// ARN returns the topic this publisher targets.
func (t *Topic) ARN() string {
	return t.arn
}

// Publish marshals the payload and fans it out to every subscriber of the
// topic.
func (t *Topic) Publish(ctx context.Context, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "couldn't marshal payload")
	}
	if _, err := t.svc.PublishWithContext(ctx, &sns.PublishInput{
		TopicArn: aws.String(t.arn),
		Message:  aws.String(string(body)),
	}); err != nil {
		publishErrorCounter.With(prometheus.Labels{topicLabel: t.arn}).Inc()
		return errors.Wrapf(err, "couldn't publish to %s", t.arn)
	}
	return nil
}

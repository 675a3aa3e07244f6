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
	"path"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// receiveErrorBackoff paces retries after a failed receive so a broken
// queue does not turn the poll loop hot.
var receiveErrorBackoff = 5 * time.Second

// sqsAPI is the slice of the queue client we use; tests fake it.
type sqsAPI interface {
	ReceiveMessageWithContext(aws.Context, *sqs.ReceiveMessageInput, ...request.Option) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageWithContext(aws.Context, *sqs.DeleteMessageInput, ...request.Option) (*sqs.DeleteMessageOutput, error)
	SendMessageWithContext(aws.Context, *sqs.SendMessageInput, ...request.Option) (*sqs.SendMessageOutput, error)
}

// Message is one queue delivery. The receipt handle identifies this
// delivery, not the message, and is what Delete consumes.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          []byte
}

// Queue sends to and consumes from one work queue.
type Queue struct {
	svc   sqsAPI
	url   string
	name  string
	wait  int64
	batch int64
}

// NewQueue builds a queue client. waitSeconds is the long-poll window and
// batch the per-receive message cap, both bounded by the service (20s, 10).
func NewQueue(sess *session.Session, url string, waitSeconds, batch int) *Queue {
	return &Queue{
		svc:   sqs.New(sess),
		url:   url,
		name:  path.Base(url),
		wait:  int64(waitSeconds),
		batch: int64(batch),
	}
}

// Name returns the last path segment of the queue URL, used in logs and
// metric labels.
func (q *Queue) Name() string {
	return q.name
}

// Receive long-polls for up to the configured batch of messages. An empty
// slice and nil error means the poll window elapsed quietly.
func (q *Queue) Receive(ctx context.Context) ([]Message, error) {
	out, err := q.svc.ReceiveMessageWithContext(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: aws.Int64(q.batch),
		WaitTimeSeconds:     aws.Int64(q.wait),
	})
	if err != nil {
		receiveErrorCounter.With(prometheus.Labels{queueLabel: q.name}).Inc()
		return nil, errors.Wrapf(err, "couldn't receive from %s", q.name)
	}
	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			ID:            aws.StringValue(m.MessageId),
			ReceiptHandle: aws.StringValue(m.ReceiptHandle),
			Body:          []byte(aws.StringValue(m.Body)),
		})
	}
	messageCounter.With(prometheus.Labels{queueLabel: q.name}).Add(float64(len(messages)))
	return messages, nil
}

// Delete acks one delivery. Callers must not ack before the handler's
// post-condition is durable.
func (q *Queue) Delete(ctx context.Context, m Message) error {
	if _, err := q.svc.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(m.ReceiptHandle),
	}); err != nil {
		return errors.Wrapf(err, "couldn't delete message %s from %s", m.ID, q.name)
	}
	ackCounter.With(prometheus.Labels{queueLabel: q.name}).Inc()
	return nil
}

// Send marshals the payload onto the queue. A non-zero delay holds delivery
// back, which is how completed jobs schedule their own archival. The service
// caps the delay at 15 minutes; config validation enforces that bound.
func (q *Queue) Send(ctx context.Context, v interface{}, delay time.Duration) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "couldn't marshal payload")
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	}
	if delay > 0 {
		in.DelaySeconds = aws.Int64(int64(delay / time.Second))
	}
	if _, err := q.svc.SendMessageWithContext(ctx, in); err != nil {
		return errors.Wrapf(err, "couldn't send to %s", q.name)
	}
	return nil
}

// ProcessOnce runs one receive-handle-ack cycle and reports how many
// messages were handled. Per the Handler contract a nil result acks,
// ErrPoison logs and acks, and any other error leaves the message for
// redelivery after its visibility timeout.
func (q *Queue) ProcessOnce(ctx context.Context, h Handler) (int, error) {
	messages, err := q.Receive(ctx)
	if err != nil {
		return 0, err
	}
	log := logrus.WithField("queue", q.name)
	handled := 0
	for _, m := range messages {
		switch err := h(ctx, Unwrap(m.Body)); {
		case err == nil:
			handled++
		case errors.Is(err, ErrPoison):
			poisonCounter.With(prometheus.Labels{queueLabel: q.name}).Inc()
			log.WithField("message", m.ID).WithError(err).Warn("Dropping unprocessable message.")
			handled++
		default:
			handlerErrorCounter.With(prometheus.Labels{queueLabel: q.name}).Inc()
			log.WithField("message", m.ID).WithError(err).Error("Handler failed, leaving message for redelivery.")
			continue
		}
		if err := q.Delete(ctx, m); err != nil {
			log.WithField("message", m.ID).WithError(err).Error("Failed to ack message.")
		}
	}
	return handled, nil
}

// Poll runs ProcessOnce until the context is done. Receive errors are
// logged and paced; handler errors are already handled per message.
func (q *Queue) Poll(ctx context.Context, h Handler) {
	log := logrus.WithField("queue", q.name)
	log.Info("Polling for messages.")
	defer log.Info("Stopped polling.")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := q.ProcessOnce(ctx, h); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Failed to receive messages.")
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveErrorBackoff):
			}
		}
	}
}

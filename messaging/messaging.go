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

// Package messaging carries events between GAS components. Topics fan out
// JSON payloads, queues deliver them at least once, and consumers ack a
// message only after its effects are durable. Handlers that cannot ever
// succeed signal ErrPoison so the message is dropped instead of redelivered
// forever.
package messaging

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrPoison tells the consumer loop a message is permanently unprocessable.
// The loop logs and deletes it; returning any other error leaves the message
// for redelivery.
var ErrPoison = errors.New("message is not processable")

// Handler consumes one unwrapped message body. A nil return acks the
// message, ErrPoison drops it, anything else leaves it on the queue.
type Handler func(ctx context.Context, body []byte) error

// Message types delivered over the notification bus, named on the wire.
const (
	TypeNotification             = "Notification"
	TypeSubscriptionConfirmation = "SubscriptionConfirmation"

	// MessageTypeHeader carries the envelope type on pushed HTTP
	// deliveries.
	MessageTypeHeader = "x-amz-sns-message-type"
)

// Envelope is the topic-notification wrapper around a published payload.
// Queues subscribed without raw delivery and webhook pushes both see it.
type Envelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
	Token        string `json:"Token"`
}

// Unwrap peels a notification envelope off a message body. Bodies that are
// not envelopes, including raw JSON sent straight to a queue, come back
// unchanged.
func Unwrap(body []byte) []byte {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return body
	}
	if e.Type == TypeNotification || e.Message != "" {
		return []byte(e.Message)
	}
	return body
}

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
	"github.com/prometheus/client_golang/prometheus"
)

const (
	queueLabel = "queue"
	topicLabel = "topic"
)

var (
	messageCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gas_messaging_message_counter",
		Help: "A counter of messages received per queue.",
	}, []string{queueLabel})
	ackCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gas_messaging_ack_counter",
		Help: "A counter of messages acked per queue.",
	}, []string{queueLabel})
	poisonCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gas_messaging_poison_counter",
		Help: "A counter of unprocessable messages dropped per queue.",
	}, []string{queueLabel})
	handlerErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gas_messaging_handler_error_counter",
		Help: "A counter of handler failures that left a message for redelivery.",
	}, []string{queueLabel})
	receiveErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gas_messaging_receive_error_counter",
		Help: "A counter of failed receive calls per queue.",
	}, []string{queueLabel})
	publishErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gas_messaging_publish_error_counter",
		Help: "A counter of failed topic publishes.",
	}, []string{topicLabel})
)

func init() {
	prometheus.MustRegister(messageCounter)
	prometheus.MustRegister(ackCounter)
	prometheus.MustRegister(poisonCounter)
	prometheus.MustRegister(handlerErrorCounter)
	prometheus.MustRegister(receiveErrorCounter)
	prometheus.MustRegister(publishErrorCounter)
}

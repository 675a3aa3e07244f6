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

package annotator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/jimzhengzsy/CloudComputing/messaging"
)

type jobProcessor interface {
	ProcessOnce(ctx context.Context) (int, error)
}

// Server is the push front-end of the worker. The jobs topic POSTs here;
// each notification triggers one receive-handle-ack cycle on the queue, so
// push and poll share the same handler and the same delivery guarantees.
type Server struct {
	processor jobProcessor
	client    *retryablehttp.Client
}

// NewServer builds the push front-end around a worker.
func NewServer(processor jobProcessor) *Server {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = &retryableHTTPLogrusWrapper{log: logrus.NewEntry(logrus.StandardLogger())}
	return &Server{processor: processor, client: client}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeStatus(w, http.StatusMethodNotAllowed, "Expecting a notification POST request.")
		return
	}
	switch messageType := r.Header.Get(messaging.MessageTypeHeader); messageType {
	case messaging.TypeSubscriptionConfirmation:
		s.confirmSubscription(w, r)
	case messaging.TypeNotification:
		if _, err := s.processor.ProcessOnce(r.Context()); err != nil {
			logrus.WithError(err).Error("Failed to process job requests.")
			writeStatus(w, http.StatusInternalServerError, "Failed to process the job request.")
			return
		}
		writeStatus(w, http.StatusOK, "Annotation job request processed.")
	default:
		writeStatus(w, http.StatusBadRequest, fmt.Sprintf("Unexpected message type %q.", messageType))
	}
}

// confirmSubscription completes the topic's subscription handshake by
// fetching the one-time confirmation URL from the push body.
func (s *Server) confirmSubscription(w http.ResponseWriter, r *http.Request) {
	var envelope messaging.Envelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil || envelope.SubscribeURL == "" {
		writeStatus(w, http.StatusBadRequest, "Malformed confirmation body.")
		return
	}
	resp, err := s.client.Get(envelope.SubscribeURL)
	if err != nil {
		logrus.WithError(err).Error("Failed to confirm the topic subscription.")
		writeStatus(w, http.StatusInternalServerError, "Failed to confirm subscription.")
		return
	}
	resp.Body.Close()
	logrus.WithField("topic", envelope.TopicArn).Info("Confirmed topic subscription.")
	writeStatus(w, http.StatusOK, "Subscription confirmed.")
}

func writeStatus(w http.ResponseWriter, code int, message string) {
	webhookResponseCounter.With(prometheus.Labels{responseCodeLabel: strconv.Itoa(code)}).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"code": code, "message": message}); err != nil {
		logrus.WithError(err).Error("Failed to write response.")
	}
}

// retryableHTTPLogrusWrapper adapts a logrus entry to retryablehttp's
// LeveledLogger.
type retryableHTTPLogrusWrapper struct {
	log *logrus.Entry
}

// fieldsForContext translates a list of context fields to logrus fields.
func (l *retryableHTTPLogrusWrapper) fieldsForContext(context ...interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(context)-1; i += 2 {
		key, ok := context[i].(string)
		if !ok {
			continue
		}
		fields[key] = context[i+1]
	}
	return fields
}

func (l *retryableHTTPLogrusWrapper) Error(msg string, context ...interface{}) {
	l.log.WithFields(l.fieldsForContext(context...)).Error(msg)
}

func (l *retryableHTTPLogrusWrapper) Info(msg string, context ...interface{}) {
	l.log.WithFields(l.fieldsForContext(context...)).Info(msg)
}

func (l *retryableHTTPLogrusWrapper) Debug(msg string, context ...interface{}) {
	l.log.WithFields(l.fieldsForContext(context...)).Debug(msg)
}

func (l *retryableHTTPLogrusWrapper) Warn(msg string, context ...interface{}) {
	l.log.WithFields(l.fieldsForContext(context...)).Warn(msg)
}

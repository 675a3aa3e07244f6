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

// Package notify consumes completion events and mails the job owner a link
// to the results. Delivery is at-least-once; a duplicate email is the cost
// of never losing one.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/jimzhengzsy/CloudComputing/apis/gas"
	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/identity"
	"github.com/jimzhengzsy/CloudComputing/messaging"
)

const timeLayout = "2006-01-02 15:04:05 MST"

var emailCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "gas_notifier_email_counter",
	Help: "Number of completion emails by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(emailCounter)
}

type resultsQueue interface {
	ProcessOnce(ctx context.Context, h messaging.Handler) (int, error)
	Poll(ctx context.Context, h messaging.Handler)
}

type directory interface {
	Profile(ctx context.Context, userID string) (*identity.Profile, error)
}

type mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// Notifier turns JobCompleted messages into emails.
type Notifier struct {
	queue resultsQueue
	users directory
	mail  mailer
	cfg   config.Getter
}

// New builds a notifier over the results queue.
func New(queue resultsQueue, users directory, mail mailer, cfg config.Getter) *Notifier {
	return &Notifier{queue: queue, users: users, mail: mail, cfg: cfg}
}

// Poll consumes the results queue until the context ends.
func (n *Notifier) Poll(ctx context.Context) {
	n.queue.Poll(ctx, n.Handle)
}

// ProcessOnce drains one receive batch.
func (n *Notifier) ProcessOnce(ctx context.Context) (int, error) {
	return n.queue.ProcessOnce(ctx, n.Handle)
}

// Handle mails the owner of one completed job. Unknown users are permanent
// failures; everything else is left for redelivery.
func (n *Notifier) Handle(ctx context.Context, body []byte) error {
	var done gas.JobCompleted
	if err := json.Unmarshal(body, &done); err != nil {
		return fmt.Errorf("decoding completion %q: %v: %w", string(body), err, messaging.ErrPoison)
	}
	if done.JobID == "" || done.UserID == "" || done.CompleteTime == 0 {
		return fmt.Errorf("completion %+v is missing required fields: %w", done, messaging.ErrPoison)
	}
	log := logrus.WithFields(logrus.Fields{"job": done.JobID, "user": done.UserID})

	profile, err := n.users.Profile(ctx, done.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			return fmt.Errorf("job %s belongs to unknown user %s: %w", done.JobID, done.UserID, messaging.ErrPoison)
		}
		return fmt.Errorf("looking up user %s: %v", done.UserID, err)
	}

	cfg := n.cfg()
	loc, err := cfg.Email.DisplayLocation()
	if err != nil {
		return fmt.Errorf("resolving display time zone: %v", err)
	}
	when := time.Unix(done.CompleteTime, 0).In(loc).Format(timeLayout)
	link := fmt.Sprintf("%s/annotations/%s", strings.TrimSuffix(cfg.Web.ExternalURL, "/"), done.JobID)
	subject := fmt.Sprintf("Results available for annotation job %s", done.JobID)
	text := fmt.Sprintf("Your annotation job completed at %s. Click here to view job details and results: %s", when, link)

	if err := n.mail.Send(ctx, []string{profile.Email}, subject, text); err != nil {
		emailCounter.WithLabelValues("failed").Inc()
		return fmt.Errorf("sending completion mail for job %s: %v", done.JobID, err)
	}
	emailCounter.WithLabelValues("sent").Inc()
	log.WithField("email", profile.Email).Info("Sent completion notification.")
	return nil
}

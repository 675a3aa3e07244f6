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

package notify

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/identity"
	"github.com/jimzhengzsy/CloudComputing/messaging"
)

type fakeDirectory struct {
	profiles map[string]*identity.Profile
	err      error
}

func (f *fakeDirectory) Profile(_ context.Context, userID string) (*identity.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[userID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return p, nil
}

type sentMail struct {
	to      []string
	subject string
	body    string
}

type fakeMailer struct {
	sent []sentMail
	err  error
}

func (f *fakeMailer) Send(_ context.Context, to []string, subject, body string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

func testNotifier(users *fakeDirectory, mail *fakeMailer) *Notifier {
	c := &config.Config{}
	c.Email.DisplayTimeZone = "America/Chicago"
	c.Web.ExternalURL = "https://gas.example.org/"
	return New(nil, users, mail, func() *config.Config { return c })
}

const completion = `{"job_id": "J1", "user_id": "u1", "complete_time": 1652141000}`

func TestHandleSendsMail(t *testing.T) {
	users := &fakeDirectory{profiles: map[string]*identity.Profile{
		"u1": {UserID: "u1", Email: "u1@example.org", Role: identity.RoleFree},
	}}
	mail := &fakeMailer{}
	n := testNotifier(users, mail)

	if err := n.Handle(context.Background(), []byte(completion)); err != nil {
		t.Fatalf("Handle() = %v, want nil", err)
	}
	want := []sentMail{{
		to:      []string{"u1@example.org"},
		subject: "Results available for annotation job J1",
		body:    "Your annotation job completed at 2022-05-09 19:03:20 CDT. Click here to view job details and results: https://gas.example.org/annotations/J1",
	}}
	if diff := cmp.Diff(want, mail.sent, cmp.AllowUnexported(sentMail{})); diff != "" {
		t.Errorf("sent mail differs (-want +got):\n%s", diff)
	}
}

func TestHandleUnknownUserIsPoison(t *testing.T) {
	users := &fakeDirectory{}
	mail := &fakeMailer{}
	n := testNotifier(users, mail)

	err := n.Handle(context.Background(), []byte(completion))
	if !errors.Is(err, messaging.ErrPoison) {
		t.Fatalf("Handle() = %v, want ErrPoison", err)
	}
	if len(mail.sent) != 0 {
		t.Errorf("sent %v, want nothing for an unknown user", mail.sent)
	}
}

func TestHandleLookupFailureLeavesMessage(t *testing.T) {
	users := &fakeDirectory{err: fmt.Errorf("injected directory error")}
	n := testNotifier(users, &fakeMailer{})

	err := n.Handle(context.Background(), []byte(completion))
	if err == nil {
		t.Fatal("Handle() = nil, want lookup error")
	}
	if errors.Is(err, messaging.ErrPoison) {
		t.Fatalf("Handle() = %v, want a transient error, not poison", err)
	}
}

func TestHandleSendFailureLeavesMessage(t *testing.T) {
	users := &fakeDirectory{profiles: map[string]*identity.Profile{
		"u1": {UserID: "u1", Email: "u1@example.org", Role: identity.RoleFree},
	}}
	mail := &fakeMailer{err: fmt.Errorf("injected send error")}
	n := testNotifier(users, mail)

	err := n.Handle(context.Background(), []byte(completion))
	if err == nil {
		t.Fatal("Handle() = nil, want send error")
	}
	if errors.Is(err, messaging.ErrPoison) {
		t.Fatalf("Handle() = %v, want a transient error, not poison", err)
	}
}

func TestHandlePoison(t *testing.T) {
	var testCases = []struct {
		name string
		body string
	}{
		{
			name: "not json",
			body: "results are in!",
		},
		{
			name: "missing job id",
			body: `{"user_id": "u1", "complete_time": 1652141000}`,
		},
		{
			name: "missing user id",
			body: `{"job_id": "J1", "complete_time": 1652141000}`,
		},
		{
			name: "missing complete time",
			body: `{"job_id": "J1", "user_id": "u1"}`,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mail := &fakeMailer{}
			n := testNotifier(&fakeDirectory{}, mail)
			err := n.Handle(context.Background(), []byte(tc.body))
			if !errors.Is(err, messaging.ErrPoison) {
				t.Fatalf("Handle() = %v, want ErrPoison", err)
			}
			if len(mail.sent) != 0 {
				t.Errorf("sent %v, want nothing", mail.sent)
			}
		})
	}
}

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

package awsapi

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ses"
	"github.com/pkg/errors"
)

const mailCharset = "UTF-8"

// Mailer sends plain-text mail from the service's sender identity.
type Mailer struct {
	svc    *ses.SES
	sender string
}

// Mailer returns the mail gateway for the given verified sender.
func (c *Client) Mailer(sender string) *Mailer {
	return &Mailer{svc: ses.New(c.session), sender: sender}
}

// Send delivers one message to the recipients.
func (m *Mailer) Send(ctx context.Context, to []string, subject, body string) error {
	if len(to) == 0 {
		return errors.New("no recipients")
	}
	if _, err := m.svc.SendEmailWithContext(ctx, &ses.SendEmailInput{
		Source: aws.String(m.sender),
		Destination: &ses.Destination{
			ToAddresses: aws.StringSlice(to),
		},
		Message: &ses.Message{
			Subject: &ses.Content{
				Charset: aws.String(mailCharset),
				Data:    aws.String(subject),
			},
			Body: &ses.Body{
				Text: &ses.Content{
					Charset: aws.String(mailCharset),
					Data:    aws.String(body),
				},
			},
		},
	}); err != nil {
		return errors.Wrapf(err, "couldn't send mail to %v", to)
	}
	return nil
}

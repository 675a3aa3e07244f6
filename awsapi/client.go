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

// Package awsapi is the object-store gateway: hot storage, presigned
// forms, the cold-storage vault and the mail transport. Every type hangs
// off one shared session; service errors are classified here so callers
// only ever branch on the package's sentinel errors.
package awsapi

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"
)

// Client bundles the session the service gateways are built from.
type Client struct {
	session *session.Session
	region  string
}

// NewClient builds a session for the region. A non-empty profile selects a
// shared-credentials profile; otherwise the default provider chain is used.
func NewClient(region, profile string) (*Client, error) {
	opts := session.Options{
		Config: aws.Config{
			Region:     aws.String(region),
			MaxRetries: aws.Int(3),
		},
	}
	if profile != "" {
		opts.Profile = profile
		opts.SharedConfigState = session.SharedConfigEnable
	}
	sess, err := session.NewSessionWithOptions(opts)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create session")
	}
	return &Client{session: sess, region: region}, nil
}

// Session exposes the underlying session for gateways built elsewhere.
func (c *Client) Session() *session.Session {
	return c.session
}

// awsErrorCode returns the service error code, or "" for non-service
// errors.
func awsErrorCode(err error) string {
	if awsErr, ok := err.(awserr.Error); ok {
		return awsErr.Code()
	}
	return ""
}

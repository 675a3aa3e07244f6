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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// The SDK does not implement browser POST uploads, so the sigv4 POST
// policy is built and signed here from the session's credentials.

const (
	signingAlgorithm = "AWS4-HMAC-SHA256"
	// FilenamePlaceholder in a key is replaced by the object store with
	// the uploaded file's name; its presence turns the key condition into
	// a prefix match.
	FilenamePlaceholder = "${filename}"
)

// now is swapped by tests for deterministic policies.
var now = time.Now

// PostOptions describes one presigned browser upload.
type PostOptions struct {
	Bucket string
	// Key may end in FilenamePlaceholder.
	Key string
	// ACL the uploader is forced to request.
	ACL string
	// SuccessActionRedirect is where the object store sends the browser
	// after a successful upload.
	SuccessActionRedirect string
	// Encryption is the server-side encryption tag enforced on upload.
	Encryption string
	// Expires bounds how long the form may be used. Defaults to a minute.
	Expires time.Duration
}

// PostForm is a signed upload form. Fields must reach the uploader
// verbatim; any change breaks the signature.
type PostForm struct {
	URL    string
	Fields map[string]string
}

// PresignPost builds and signs an upload form for the given options.
func (s *S3) PresignPost(opts PostOptions) (*PostForm, error) {
	if opts.Bucket == "" || opts.Key == "" {
		return nil, errors.New("post form needs a bucket and a key")
	}
	if opts.Expires <= 0 {
		opts.Expires = time.Minute
	}
	creds, err := s.creds.Get()
	if err != nil {
		return nil, errors.Wrap(err, "couldn't resolve credentials for post form")
	}

	t := now().UTC()
	amzDate := t.Format("20060102T150405Z")
	dateStamp := t.Format("20060102")
	credential := strings.Join([]string{creds.AccessKeyID, dateStamp, s.region, "s3", "aws4_request"}, "/")

	fields := map[string]string{
		"key":              opts.Key,
		"x-amz-algorithm":  signingAlgorithm,
		"x-amz-credential": credential,
		"x-amz-date":       amzDate,
	}
	for field, value := range map[string]string{
		"acl":                          opts.ACL,
		"success_action_redirect":      opts.SuccessActionRedirect,
		"x-amz-server-side-encryption": opts.Encryption,
	} {
		if value != "" {
			fields[field] = value
		}
	}

	conditions := []interface{}{
		map[string]string{"bucket": opts.Bucket},
	}
	if i := strings.Index(opts.Key, FilenamePlaceholder); i >= 0 {
		conditions = append(conditions, []string{"starts-with", "$key", opts.Key[:i]})
	} else {
		conditions = append(conditions, map[string]string{"key": opts.Key})
	}
	// Every signed field except the key must be pinned by a condition or
	// the store rejects the post.
	for _, field := range []string{"acl", "success_action_redirect", "x-amz-server-side-encryption", "x-amz-algorithm", "x-amz-credential", "x-amz-date"} {
		if value, ok := fields[field]; ok {
			conditions = append(conditions, map[string]string{field: value})
		}
	}
	if creds.SessionToken != "" {
		fields["x-amz-security-token"] = creds.SessionToken
		conditions = append(conditions, map[string]string{"x-amz-security-token": creds.SessionToken})
	}

	policy, err := json.Marshal(map[string]interface{}{
		"expiration": t.Add(opts.Expires).Format("2006-01-02T15:04:05.000Z"),
		"conditions": conditions,
	})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't marshal post policy")
	}
	encoded := base64.StdEncoding.EncodeToString(policy)
	fields["policy"] = encoded
	fields["x-amz-signature"] = hex.EncodeToString(hmacSHA256(signingKey(creds.SecretAccessKey, dateStamp, s.region), encoded))

	return &PostForm{URL: postURL(s.region, opts.Bucket), Fields: fields}, nil
}

func signingKey(secret, dateStamp, region string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, "s3")
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func postURL(region, bucket string) string {
	if region == "us-east-1" {
		return fmt.Sprintf("https://%s.s3.amazonaws.com/", bucket)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/", bucket, region)
}

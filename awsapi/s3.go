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
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
)

// ErrObjectNotFound marks reads of keys that do not exist, so callers can
// tell a purged object from a transport failure.
var ErrObjectNotFound = errors.New("object not found")

// downloadAPI is the slice of the transfer manager the gateway uses; tests
// fake it.
type downloadAPI interface {
	DownloadWithContext(ctx aws.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*s3manager.Downloader)) (int64, error)
}

// S3 reads and writes hot storage.
type S3 struct {
	svc        *s3.S3
	uploader   *s3manager.Uploader
	downloader downloadAPI
	creds      *credentials.Credentials
	region     string
}

// S3 returns the hot-storage gateway.
func (c *Client) S3() *S3 {
	return &S3{
		svc:        s3.New(c.session),
		uploader:   s3manager.NewUploader(c.session),
		downloader: s3manager.NewDownloader(c.session),
		creds:      c.session.Config.Credentials,
		region:     c.region,
	}
}

// DownloadToFile fetches an object into path, creating parent directories.
// The bytes land in a temporary sibling that is renamed over path, so a
// reader holding the old file open never sees a partial or truncated copy.
func (s *S3) DownloadToFile(ctx context.Context, bucket, key, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrapf(err, "couldn't create directory for %s", path)
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".partial")
	if err != nil {
		return errors.Wrapf(err, "couldn't create a download file for %s", path)
	}
	if _, err := s.downloader.DownloadWithContext(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		f.Close()
		os.Remove(f.Name())
		return classifyGetError(err, bucket, key)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return errors.Wrapf(err, "couldn't finish writing %s", path)
	}
	if err := os.Rename(f.Name(), path); err != nil {
		os.Remove(f.Name())
		return errors.Wrapf(err, "couldn't move the download to %s", path)
	}
	return nil
}

// DownloadBytes fetches a whole object into memory. Meant for result files
// headed to the vault, which wants a seekable body.
func (s *S3) DownloadBytes(ctx context.Context, bucket, key string) ([]byte, error) {
	buf := aws.NewWriteAtBuffer([]byte{})
	if _, err := s.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return nil, classifyGetError(err, bucket, key)
	}
	return buf.Bytes(), nil
}

// Open streams an object's body. The caller owns the returned reader.
func (s *S3) Open(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyGetError(err, bucket, key)
	}
	return out.Body, nil
}

// UploadFile stores a local file under bucket/key.
func (s *S3) UploadFile(ctx context.Context, bucket, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "couldn't open %s", path)
	}
	defer f.Close()
	return s.Upload(ctx, bucket, key, f)
}

// Upload streams body into bucket/key.
func (s *S3) Upload(ctx context.Context, bucket, key string, body io.Reader) error {
	if _, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	}); err != nil {
		return errors.Wrapf(err, "couldn't upload s3://%s/%s", bucket, key)
	}
	return nil
}

// Delete removes an object. Deleting a missing key succeeds, which keeps
// redeliveries of archive work idempotent.
func (s *S3) Delete(ctx context.Context, bucket, key string) error {
	if _, err := s.svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return errors.Wrapf(err, "couldn't delete s3://%s/%s", bucket, key)
	}
	return nil
}

// PresignGet returns a time-limited download URL for bucket/key.
func (s *S3) PresignGet(bucket, key string, ttl time.Duration) (string, error) {
	req, _ := s.svc.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", errors.Wrapf(err, "couldn't presign s3://%s/%s", bucket, key)
	}
	return url, nil
}

func classifyGetError(err error, bucket, key string) error {
	switch awsErrorCode(err) {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return errors.Wrapf(ErrObjectNotFound, "s3://%s/%s", bucket, key)
	}
	return errors.Wrapf(err, "couldn't get s3://%s/%s", bucket, key)
}

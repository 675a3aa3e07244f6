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

package restore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/jimzhengzsy/CloudComputing/apis/gas"
	"github.com/jimzhengzsy/CloudComputing/awsapi"
	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/jobstore"
	"github.com/jimzhengzsy/CloudComputing/messaging"
)

type fakeVault struct {
	output     string
	outputErr  error
	deleted    []string
	deleteErr  error
	lastOutput string
}

func (f *fakeVault) RetrievalOutput(_ context.Context, vault, retrievalID string) (io.ReadCloser, error) {
	if f.outputErr != nil {
		return nil, f.outputErr
	}
	f.lastOutput = vault + "/" + retrievalID
	return io.NopCloser(strings.NewReader(f.output)), nil
}

func (f *fakeVault) DeleteArchive(_ context.Context, vault, archiveID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, archiveID)
	return nil
}

type fakeObjects struct {
	uploads map[string]string
	err     error
}

func (f *fakeObjects) Upload(_ context.Context, bucket, key string, body io.Reader) error {
	if f.err != nil {
		return f.err
	}
	content, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if f.uploads == nil {
		f.uploads = map[string]string{}
	}
	f.uploads[bucket+"/"+key] = string(content)
	return nil
}

type fakeStore struct {
	jobs     map[string]*gas.Job
	cleared  []string
	clearErr error
}

func (f *fakeStore) Get(_ context.Context, jobID string) (*gas.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	return job, nil
}

func (f *fakeStore) ClearArchiveID(_ context.Context, jobID string) error {
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared = append(f.cleared, jobID)
	return nil
}

func testConfig() config.Getter {
	c := &config.Config{}
	c.Archive.Vault = "gas-vault"
	return func() *config.Config { return c }
}

func archivedJob() *fakeStore {
	return &fakeStore{jobs: map[string]*gas.Job{
		"J3": {
			JobID:        "J3",
			UserID:       "u1",
			Status:       gas.CompletedState,
			ResultBucket: "gas-results",
			ResultKey:    "songyuanzheng/u1/J3/sample.annot.vcf",
			ArchiveID:    "A3",
		},
	}}
}

const ready = `{"JobId": "R3", "ArchiveId": "A3", "Completed": true, "StatusCode": "Succeeded", "JobDescription": "J3"}`

func TestHandleRestoresResult(t *testing.T) {
	vault := &fakeVault{output: "annotated bytes"}
	objects := &fakeObjects{}
	store := archivedJob()
	r := New(nil, vault, objects, store, testConfig())

	if err := r.Handle(context.Background(), []byte(ready)); err != nil {
		t.Fatalf("Handle() = %v, want nil", err)
	}
	if vault.lastOutput != "gas-vault/R3" {
		t.Errorf("fetched retrieval %q, want gas-vault/R3", vault.lastOutput)
	}
	want := map[string]string{
		"gas-results/songyuanzheng/u1/J3/sample.annot.vcf": "annotated bytes",
	}
	if diff := cmp.Diff(want, objects.uploads); diff != "" {
		t.Errorf("uploads differ (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"A3"}, vault.deleted); diff != "" {
		t.Errorf("deleted archives differ (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"J3"}, store.cleared); diff != "" {
		t.Errorf("cleared pointers differ (-want +got):\n%s", diff)
	}
}

func TestHandleIgnoresUnsuccessfulRetrievals(t *testing.T) {
	var testCases = []struct {
		name string
		body string
	}{
		{
			name: "not completed",
			body: `{"JobId": "R3", "ArchiveId": "A3", "Completed": false, "StatusCode": "InProgress", "JobDescription": "J3"}`,
		},
		{
			name: "failed",
			body: `{"JobId": "R3", "ArchiveId": "A3", "Completed": true, "StatusCode": "Failed", "JobDescription": "J3"}`,
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			objects := &fakeObjects{}
			store := archivedJob()
			r := New(nil, &fakeVault{}, objects, store, testConfig())

			if err := r.Handle(context.Background(), []byte(tc.body)); err != nil {
				t.Fatalf("Handle() = %v, want nil for an ignored notification", err)
			}
			if len(objects.uploads) != 0 || len(store.cleared) != 0 {
				t.Error("an ignored notification changed state")
			}
		})
	}
}

func TestHandleDuplicateDelivery(t *testing.T) {
	// The pointer is already clear; an earlier delivery finished the work.
	store := &fakeStore{jobs: map[string]*gas.Job{
		"J3": {
			JobID:        "J3",
			UserID:       "u1",
			Status:       gas.CompletedState,
			ResultBucket: "gas-results",
			ResultKey:    "songyuanzheng/u1/J3/sample.annot.vcf",
		},
	}}
	objects := &fakeObjects{}
	r := New(nil, &fakeVault{}, objects, store, testConfig())

	if err := r.Handle(context.Background(), []byte(ready)); err != nil {
		t.Fatalf("Handle() = %v, want nil for a duplicate", err)
	}
	if len(objects.uploads) != 0 {
		t.Errorf("uploaded %v, want nothing for a duplicate", objects.uploads)
	}
}

func TestHandleGoneArchiveStillClears(t *testing.T) {
	// A crash after DeleteArchive leaves the pointer set; the redelivery
	// finds the archive gone and must still clear the record.
	vault := &fakeVault{output: "annotated bytes", deleteErr: awsapi.ErrArchiveNotFound}
	store := archivedJob()
	r := New(nil, vault, &fakeObjects{}, store, testConfig())

	if err := r.Handle(context.Background(), []byte(ready)); err != nil {
		t.Fatalf("Handle() = %v, want nil when the archive is already gone", err)
	}
	if diff := cmp.Diff([]string{"J3"}, store.cleared); diff != "" {
		t.Errorf("cleared pointers differ (-want +got):\n%s", diff)
	}
}

func TestHandleUnknownJobIsPoison(t *testing.T) {
	r := New(nil, &fakeVault{output: "x"}, &fakeObjects{}, &fakeStore{}, testConfig())

	err := r.Handle(context.Background(), []byte(ready))
	if !errors.Is(err, messaging.ErrPoison) {
		t.Fatalf("Handle() = %v, want ErrPoison", err)
	}
}

func TestHandleTransientFailuresLeaveMessage(t *testing.T) {
	var testCases = []struct {
		name  string
		build func() *Restorer
	}{
		{
			name: "retrieval output fails",
			build: func() *Restorer {
				vault := &fakeVault{outputErr: fmt.Errorf("injected output error")}
				return New(nil, vault, &fakeObjects{}, archivedJob(), testConfig())
			},
		},
		{
			name: "upload fails",
			build: func() *Restorer {
				objects := &fakeObjects{err: fmt.Errorf("injected upload error")}
				return New(nil, &fakeVault{output: "x"}, objects, archivedJob(), testConfig())
			},
		},
		{
			name: "archive delete fails",
			build: func() *Restorer {
				vault := &fakeVault{output: "x", deleteErr: fmt.Errorf("injected delete error")}
				return New(nil, vault, &fakeObjects{}, archivedJob(), testConfig())
			},
		},
		{
			name: "clearing the pointer fails",
			build: func() *Restorer {
				store := archivedJob()
				store.clearErr = fmt.Errorf("injected store error")
				return New(nil, &fakeVault{output: "x"}, &fakeObjects{}, store, testConfig())
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.build().Handle(context.Background(), []byte(ready))
			if err == nil {
				t.Fatal("Handle() = nil, want a transient error")
			}
			if errors.Is(err, messaging.ErrPoison) {
				t.Fatalf("Handle() = %v, want a transient error, not poison", err)
			}
		})
	}
}

func TestHandlePoison(t *testing.T) {
	var testCases = []struct {
		name string
		body string
	}{
		{name: "not json", body: "{retrieval done"},
		{name: "missing retrieval id", body: `{"ArchiveId": "A3", "Completed": true, "StatusCode": "Succeeded", "JobDescription": "J3"}`},
		{name: "missing description", body: `{"JobId": "R3", "ArchiveId": "A3", "Completed": true, "StatusCode": "Succeeded"}`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := New(nil, &fakeVault{}, &fakeObjects{}, &fakeStore{}, testConfig())
			err := r.Handle(context.Background(), []byte(tc.body))
			if !errors.Is(err, messaging.ErrPoison) {
				t.Fatalf("Handle() = %v, want ErrPoison", err)
			}
		})
	}
}

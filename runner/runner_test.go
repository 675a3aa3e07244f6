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

package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jimzhengzsy/CloudComputing/apis/gas"
	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/jobstore"
)

type completion struct {
	jobID        string
	resultBucket string
	resultKey    string
	logKey       string
	completeTime int64
}

type fakeJobStore struct {
	completions []completion
	err         error
}

func (f *fakeJobStore) MarkCompleted(_ context.Context, jobID, resultBucket, resultKey, logKey string, completeTime int64) error {
	if f.err != nil {
		return f.err
	}
	f.completions = append(f.completions, completion{jobID, resultBucket, resultKey, logKey, completeTime})
	return nil
}

type fakeObjectStore struct {
	sync.Mutex
	// uploads maps bucket/key to the file content read at upload time.
	uploads  map[string]string
	attempts map[string]int
	// failures is how many times each key errors before succeeding; a
	// negative count never succeeds.
	failures map[string]int
}

func (f *fakeObjectStore) UploadFile(_ context.Context, bucket, key, path string) error {
	f.Lock()
	defer f.Unlock()
	if f.uploads == nil {
		f.uploads = map[string]string{}
	}
	if f.attempts == nil {
		f.attempts = map[string]int{}
	}
	f.attempts[key]++
	if n := f.failures[key]; n != 0 {
		if n > 0 {
			f.failures[key]--
		}
		return fmt.Errorf("injected upload error for %s", key)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %v", path, err)
	}
	f.uploads[bucket+"/"+key] = string(content)
	return nil
}

type fakeTopic struct {
	published []interface{}
	err       error
}

func (f *fakeTopic) Publish(_ context.Context, v interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, v)
	return nil
}

type fakeDelayQueue struct {
	sent   []interface{}
	delays []time.Duration
	err    error
}

func (f *fakeDelayQueue) Send(_ context.Context, v interface{}, delay time.Duration) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, v)
	f.delays = append(f.delays, delay)
	return nil
}

// annotateScript drops the two artifacts a real pipeline produces next to
// the input it is handed.
const annotateScript = `dir=$(dirname "$0")
printf 'annotated' > "$dir/sample.annot.vcf"
printf 'logged' > "$dir/sample.vcf.count.log"`

func testConfig(script string) config.Getter {
	c := &config.Config{}
	c.Keys.Prefix = "songyuanzheng"
	c.Buckets.Results = "gas-results"
	c.Annotator.PipelineCommand = []string{"sh", "-c", script}
	c.Archive.RetentionSeconds = 300
	return func() *config.Config { return c }
}

// writeInput creates a per-job working directory holding one input file and
// returns the input path.
func writeInput(t *testing.T) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "J1")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("creating workdir: %v", err)
	}
	path := filepath.Join(dir, "sample.vcf")
	if err := os.WriteFile(path, []byte("##fileformat=VCFv4.1\n"), 0644); err != nil {
		t.Fatalf("writing input: %v", err)
	}
	return path
}

func pinTime(t *testing.T, unix int64) {
	t.Helper()
	oldNow, oldBackoff := now, uploadBackoffUnit
	now = func() time.Time { return time.Unix(unix, 0) }
	uploadBackoffUnit = 0
	t.Cleanup(func() {
		now = oldNow
		uploadBackoffUnit = oldBackoff
	})
}

func TestRun(t *testing.T) {
	pinTime(t, 1652141000)
	store := &fakeJobStore{}
	objects := &fakeObjectStore{}
	done := &fakeTopic{}
	archive := &fakeDelayQueue{}
	r := New(store, objects, done, archive, testConfig(annotateScript))
	input := writeInput(t)

	if err := r.Run(context.Background(), input, "J1", "u1"); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}

	wantUploads := map[string]string{
		"gas-results/songyuanzheng/u1/J1/sample.annot.vcf":     "annotated",
		"gas-results/songyuanzheng/u1/J1/sample.vcf.count.log": "logged",
	}
	if diff := cmp.Diff(wantUploads, objects.uploads); diff != "" {
		t.Errorf("uploads differ (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(filepath.Dir(input)); !os.IsNotExist(err) {
		t.Errorf("workdir still present after Run, stat err = %v", err)
	}
	wantCompletions := []completion{{
		jobID:        "J1",
		resultBucket: "gas-results",
		resultKey:    "songyuanzheng/u1/J1/sample.annot.vcf",
		logKey:       "songyuanzheng/u1/J1/sample.vcf.count.log",
		completeTime: 1652141000,
	}}
	if diff := cmp.Diff(wantCompletions, store.completions, cmp.AllowUnexported(completion{})); diff != "" {
		t.Errorf("completions differ (-want +got):\n%s", diff)
	}
	wantPublished := []interface{}{gas.JobCompleted{JobID: "J1", UserID: "u1", CompleteTime: 1652141000}}
	if diff := cmp.Diff(wantPublished, done.published); diff != "" {
		t.Errorf("published messages differ (-want +got):\n%s", diff)
	}
	wantScheduled := []interface{}{gas.ArchiveScheduled{
		Bucket: "gas-results",
		Key:    "songyuanzheng/u1/J1/sample.annot.vcf",
		UserID: "u1",
		JobID:  "J1",
	}}
	if diff := cmp.Diff(wantScheduled, archive.sent); diff != "" {
		t.Errorf("scheduled archives differ (-want +got):\n%s", diff)
	}
	if want := []time.Duration{300 * time.Second}; !cmp.Equal(want, archive.delays) {
		t.Errorf("archive delays = %v, want %v", archive.delays, want)
	}
}

func TestRunPipelineFailure(t *testing.T) {
	pinTime(t, 1652141000)
	store := &fakeJobStore{}
	objects := &fakeObjectStore{}
	r := New(store, objects, &fakeTopic{}, &fakeDelayQueue{}, testConfig("exit 3"))
	input := writeInput(t)

	if err := r.Run(context.Background(), input, "J1", "u1"); err == nil {
		t.Fatal("Run() = nil, want pipeline error")
	}
	if len(objects.uploads) != 0 {
		t.Errorf("uploaded %v despite pipeline failure", objects.uploads)
	}
	if len(store.completions) != 0 {
		t.Errorf("recorded completions %v despite pipeline failure", store.completions)
	}
	if _, err := os.Stat(input); err != nil {
		t.Errorf("input removed despite pipeline failure, stat err = %v", err)
	}
}

func TestRunMissingArtifacts(t *testing.T) {
	pinTime(t, 1652141000)
	store := &fakeJobStore{}
	objects := &fakeObjectStore{}
	// The pipeline produces the annotated output but no log.
	script := `dir=$(dirname "$0"); printf 'annotated' > "$dir/sample.annot.vcf"`
	r := New(store, objects, &fakeTopic{}, &fakeDelayQueue{}, testConfig(script))
	input := writeInput(t)

	if err := r.Run(context.Background(), input, "J1", "u1"); err == nil {
		t.Fatal("Run() = nil, want missing-artifact error")
	}
	if len(objects.uploads) != 0 {
		t.Errorf("uploaded %v despite incomplete artifacts", objects.uploads)
	}
	if len(store.completions) != 0 {
		t.Errorf("recorded completions %v despite incomplete artifacts", store.completions)
	}
}

func TestRunUploadRetries(t *testing.T) {
	pinTime(t, 1652141000)
	store := &fakeJobStore{}
	objects := &fakeObjectStore{failures: map[string]int{
		"songyuanzheng/u1/J1/sample.annot.vcf": 2,
	}}
	r := New(store, objects, &fakeTopic{}, &fakeDelayQueue{}, testConfig(annotateScript))
	input := writeInput(t)

	if err := r.Run(context.Background(), input, "J1", "u1"); err != nil {
		t.Fatalf("Run() = %v, want nil after retries", err)
	}
	if got := objects.attempts["songyuanzheng/u1/J1/sample.annot.vcf"]; got != 3 {
		t.Errorf("result upload attempts = %d, want 3", got)
	}
	if len(store.completions) != 1 {
		t.Errorf("completions = %v, want exactly one", store.completions)
	}
}

func TestRunUploadFailure(t *testing.T) {
	pinTime(t, 1652141000)
	store := &fakeJobStore{}
	objects := &fakeObjectStore{failures: map[string]int{
		"songyuanzheng/u1/J1/sample.vcf.count.log": -1,
	}}
	r := New(store, objects, &fakeTopic{}, &fakeDelayQueue{}, testConfig(annotateScript))
	input := writeInput(t)

	if err := r.Run(context.Background(), input, "J1", "u1"); err == nil {
		t.Fatal("Run() = nil, want upload error")
	}
	if got := objects.attempts["songyuanzheng/u1/J1/sample.vcf.count.log"]; got != uploadRetries {
		t.Errorf("log upload attempts = %d, want %d", got, uploadRetries)
	}
	if len(store.completions) != 0 {
		t.Errorf("recorded completions %v despite upload failure", store.completions)
	}
	if _, err := os.Stat(input); err != nil {
		t.Errorf("workdir removed despite upload failure, stat err = %v", err)
	}
}

func TestRunPeerAlreadyCommitted(t *testing.T) {
	pinTime(t, 1652141000)
	store := &fakeJobStore{err: jobstore.ErrConflict}
	done := &fakeTopic{}
	archive := &fakeDelayQueue{}
	r := New(store, &fakeObjectStore{}, done, archive, testConfig(annotateScript))
	input := writeInput(t)

	if err := r.Run(context.Background(), input, "J1", "u1"); err != nil {
		t.Fatalf("Run() = %v, want nil when a peer already committed", err)
	}
	if len(done.published) != 0 {
		t.Errorf("published %v, want nothing when a peer already committed", done.published)
	}
	if len(archive.sent) != 0 {
		t.Errorf("scheduled %v, want nothing when a peer already committed", archive.sent)
	}
}

func TestRunCommitFailure(t *testing.T) {
	pinTime(t, 1652141000)
	store := &fakeJobStore{err: fmt.Errorf("injected store error")}
	done := &fakeTopic{}
	r := New(store, &fakeObjectStore{}, done, &fakeDelayQueue{}, testConfig(annotateScript))
	input := writeInput(t)

	if err := r.Run(context.Background(), input, "J1", "u1"); err == nil {
		t.Fatal("Run() = nil, want commit error")
	}
	if len(done.published) != 0 {
		t.Errorf("published %v despite commit failure", done.published)
	}
}

func TestRunToleratesDeliveryFailures(t *testing.T) {
	pinTime(t, 1652141000)
	store := &fakeJobStore{}
	done := &fakeTopic{err: fmt.Errorf("injected publish error")}
	archive := &fakeDelayQueue{err: fmt.Errorf("injected send error")}
	r := New(store, &fakeObjectStore{}, done, archive, testConfig(annotateScript))
	input := writeInput(t)

	if err := r.Run(context.Background(), input, "J1", "u1"); err != nil {
		t.Fatalf("Run() = %v, want nil once the completion is committed", err)
	}
	if len(store.completions) != 1 {
		t.Errorf("completions = %v, want exactly one", store.completions)
	}
}

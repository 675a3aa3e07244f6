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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/jimzhengzsy/CloudComputing/apis/gas"
	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/jobstore"
	"github.com/jimzhengzsy/CloudComputing/messaging"
)

type fakeStore struct {
	transitions []string
	errs        map[string]error
}

func (f *fakeStore) ConditionalSetStatus(_ context.Context, jobID string, from, to gas.JobState) error {
	key := fmt.Sprintf("%s->%s", from, to)
	f.transitions = append(f.transitions, key)
	return f.errs[key]
}

type fakeInputs struct {
	err   error
	paths []string
}

func (f *fakeInputs) DownloadToFile(_ context.Context, bucket, key, path string) error {
	if f.err != nil {
		return f.err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f.paths = append(f.paths, path)
	return os.WriteFile(path, []byte("##fileformat=VCFv4.1\n"), 0644)
}

func testWorker(t *testing.T, store *fakeStore, inputs *fakeInputs, command []string) *Worker {
	cfg := &config.Config{}
	cfg.Annotator.WorkDir = t.TempDir()
	cfg.Annotator.RunnerCommand = command
	return NewWorker(nil, store, inputs, func() *config.Config { return cfg })
}

const submission = `{"job_id":"J1","user_id":"u1","input_bucket":"gas-inputs","input_key":"songyuanzheng/u1/J1~sample.vcf","input_file_name":"sample.vcf","submit_time":1652140800}`

func TestHandleRunsPipeline(t *testing.T) {
	store := &fakeStore{}
	inputs := &fakeInputs{}
	w := testWorker(t, store, inputs, []string{"sh", "-c", "exit 0"})
	if err := w.Handle(context.Background(), []byte(submission)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"PENDING->RUNNING"}, store.transitions); diff != "" {
		t.Errorf("transitions differ (-want +got):\n%s", diff)
	}
	if len(inputs.paths) != 1 || filepath.Base(inputs.paths[0]) != "sample.vcf" {
		t.Errorf("downloaded to %v", inputs.paths)
	}
	if dir := filepath.Base(filepath.Dir(inputs.paths[0])); dir != "J1" {
		t.Errorf("workdir segment: got %q, want J1", dir)
	}
}

func TestHandlePassesArgv(t *testing.T) {
	store := &fakeStore{}
	inputs := &fakeInputs{}
	out := filepath.Join(t.TempDir(), "argv.txt")
	w := testWorker(t, store, inputs, []string{"sh", "-c", `printf '%s %s %s' "$0" "$1" "$2" > ` + out})
	if err := w.Handle(context.Background(), []byte(submission)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("reading argv capture: %v", err)
	}
	fields := strings.Fields(string(b))
	if len(fields) != 3 || filepath.Base(fields[0]) != "sample.vcf" || fields[1] != "J1" || fields[2] != "u1" {
		t.Errorf("child argv: got %v, want [<input path> J1 u1]", fields)
	}
}

func TestHandlePipelineFailureMarksFailed(t *testing.T) {
	store := &fakeStore{}
	w := testWorker(t, store, &fakeInputs{}, []string{"sh", "-c", "exit 3"})
	if err := w.Handle(context.Background(), []byte(submission)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"PENDING->RUNNING", "RUNNING->FAILED"}, store.transitions); diff != "" {
		t.Errorf("transitions differ (-want +got):\n%s", diff)
	}
}

func TestHandleSpawnFailureMarksFailed(t *testing.T) {
	store := &fakeStore{}
	w := testWorker(t, store, &fakeInputs{}, []string{"./this-runner-does-not-exist"})
	if err := w.Handle(context.Background(), []byte(submission)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"PENDING->RUNNING", "RUNNING->FAILED"}, store.transitions); diff != "" {
		t.Errorf("transitions differ (-want +got):\n%s", diff)
	}
}

func TestHandlePeerOwnsJob(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawned")
	store := &fakeStore{errs: map[string]error{"PENDING->RUNNING": jobstore.ErrConflict}}
	w := testWorker(t, store, &fakeInputs{}, []string{"sh", "-c", "touch " + marker})
	if err := w.Handle(context.Background(), []byte(submission)); err != nil {
		t.Fatalf("conflict should ack, got error: %v", err)
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("a second pipeline was spawned for an owned job")
	}
}

func TestHandleDownloadFailureLeavesMessage(t *testing.T) {
	store := &fakeStore{}
	w := testWorker(t, store, &fakeInputs{err: errors.New("slow down")}, []string{"sh", "-c", "exit 0"})
	err := w.Handle(context.Background(), []byte(submission))
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, messaging.ErrPoison) {
		t.Errorf("transient download failure misreported as poison: %v", err)
	}
	if len(store.transitions) != 0 {
		t.Errorf("state changed before input was available: %v", store.transitions)
	}
}

func TestHandleClaimFailureLeavesMessage(t *testing.T) {
	store := &fakeStore{errs: map[string]error{"PENDING->RUNNING": errors.New("rpc broke")}}
	marker := filepath.Join(t.TempDir(), "spawned")
	w := testWorker(t, store, &fakeInputs{}, []string{"sh", "-c", "touch " + marker})
	if err := w.Handle(context.Background(), []byte(submission)); err == nil {
		t.Fatal("expected an error")
	}
	if _, err := os.Stat(marker); !os.IsNotExist(err) {
		t.Error("pipeline spawned without a claim")
	}
}

func TestHandlePoison(t *testing.T) {
	var testcases = []struct {
		name string
		body string
	}{
		{name: "not json", body: "][junk"},
		{name: "missing job id", body: `{"user_id":"u1","input_bucket":"b","input_key":"k","input_file_name":"f"}`},
		{name: "missing input key", body: `{"job_id":"J1","user_id":"u1","input_bucket":"b","input_file_name":"f"}`},
		{name: "missing file name", body: `{"job_id":"J1","user_id":"u1","input_bucket":"b","input_key":"k"}`},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{}
			w := testWorker(t, store, &fakeInputs{}, []string{"sh", "-c", "exit 0"})
			err := w.Handle(context.Background(), []byte(tc.body))
			if !errors.Is(err, messaging.ErrPoison) {
				t.Errorf("got %v, want ErrPoison", err)
			}
			if len(store.transitions) != 0 {
				t.Errorf("poison message changed state: %v", store.transitions)
			}
		})
	}
}

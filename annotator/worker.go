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

// Package annotator claims submitted jobs and runs the annotation pipeline
// under supervision. Exactly one worker wins the PENDING to RUNNING
// transition for a job; only the winner spawns the pipeline, and the queue
// message is acked only once the outcome is durable in the store.
package annotator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/jimzhengzsy/CloudComputing/apis/gas"
	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/jobstore"
	"github.com/jimzhengzsy/CloudComputing/messaging"
)

type jobQueue interface {
	ProcessOnce(context.Context, messaging.Handler) (int, error)
	Poll(context.Context, messaging.Handler)
}

type jobStore interface {
	ConditionalSetStatus(ctx context.Context, jobID string, from, to gas.JobState) error
}

type inputStore interface {
	DownloadToFile(ctx context.Context, bucket, key, path string) error
}

// Worker consumes the job queue and supervises one pipeline child per
// claimed job.
type Worker struct {
	queue  jobQueue
	store  jobStore
	inputs inputStore
	cfg    config.Getter
}

// NewWorker builds a worker over the jobs queue.
func NewWorker(queue jobQueue, store jobStore, inputs inputStore, cfg config.Getter) *Worker {
	return &Worker{queue: queue, store: store, inputs: inputs, cfg: cfg}
}

// ProcessOnce runs a single receive-handle-ack cycle. The webhook front-end
// calls it per push; the polling front-end loops it.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	return w.queue.ProcessOnce(ctx, w.Handle)
}

// Poll consumes the queue until the context is done.
func (w *Worker) Poll(ctx context.Context) {
	w.queue.Poll(ctx, w.Handle)
}

// Handle processes one JobSubmitted message through the claim, spawn and
// supervise sequence. The claim happens before the spawn so a duplicate
// delivery can never start a second pipeline; the loser observes the
// conflict and acks. Its re-download of the input is renamed into place
// atomically, so a pipeline already reading the winner's copy never sees a
// torn file.
func (w *Worker) Handle(ctx context.Context, body []byte) error {
	var job gas.JobSubmitted
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("decoding job submission %q: %v: %w", string(body), err, messaging.ErrPoison)
	}
	if job.JobID == "" || job.UserID == "" || job.InputBucket == "" || job.InputKey == "" || job.InputFileName == "" {
		return fmt.Errorf("job submission %q is incomplete: %w", string(body), messaging.ErrPoison)
	}
	log := logrus.WithFields(logrus.Fields{"job": job.JobID, "user": job.UserID})
	cfg := w.cfg()

	dir := filepath.Join(cfg.Annotator.WorkDir, job.JobID)
	inputPath := filepath.Join(dir, filepath.Base(job.InputFileName))
	if err := w.inputs.DownloadToFile(ctx, job.InputBucket, job.InputKey, inputPath); err != nil {
		return fmt.Errorf("downloading input: %v", err)
	}

	if err := w.store.ConditionalSetStatus(ctx, job.JobID, gas.PendingState, gas.RunningState); err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			log.Info("A peer already owns this job.")
			return nil
		}
		return fmt.Errorf("claiming job: %v", err)
	}
	log.Info("Claimed job, starting pipeline.")

	argv := append(append([]string{}, cfg.Annotator.RunnerCommand...), inputPath, job.JobID, job.UserID)
	cmd, err := startDetached(argv)
	if err != nil {
		log.WithError(err).Error("Failed to start the pipeline.")
		return w.fail(ctx, log, job.JobID)
	}
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log = log.WithField("exit_code", exitErr.ExitCode())
		}
		log.WithError(err).Error("Pipeline failed.")
		return w.fail(ctx, log, job.JobID)
	}
	pipelineCounter.With(prometheus.Labels{resultLabel: "completed"}).Inc()
	log.Info("Pipeline succeeded.")
	return nil
}

// fail closes the state machine for a claimed job whose pipeline could not
// finish. A conflict means the record went terminal some other way; that
// peer outcome stands.
func (w *Worker) fail(ctx context.Context, log *logrus.Entry, jobID string) error {
	pipelineCounter.With(prometheus.Labels{resultLabel: "failed"}).Inc()
	if err := w.store.ConditionalSetStatus(ctx, jobID, gas.RunningState, gas.FailedState); err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			log.Warn("Job went terminal elsewhere, keeping that outcome.")
			return nil
		}
		return fmt.Errorf("marking job failed: %v", err)
	}
	return nil
}

// startDetached starts argv in its own process group so signals aimed at
// the worker do not reach a pipeline in flight.
func startDetached(argv []string) (*exec.Cmd, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

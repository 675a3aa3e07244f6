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

// Package runner is the pipeline child the annotator supervises. It executes
// the opaque annotation tool against the downloaded input, publishes every
// artifact the tool leaves in the working directory, commits the completion
// to the store and schedules the eventual archival of the result. Its exit
// code is the contract with the supervising worker: zero only once the
// completion is durable.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/jimzhengzsy/CloudComputing/apis/gas"
	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/jobstore"
)

const (
	uploadRetries     = 4
	concurrentUploads = 4
)

var (
	// uploadBackoffUnit scales the quadratic retry backoff; tests shrink it.
	uploadBackoffUnit = time.Second
	now               = time.Now
)

type jobStore interface {
	MarkCompleted(ctx context.Context, jobID, resultBucket, resultKey, logKey string, completeTime int64) error
}

type objectStore interface {
	UploadFile(ctx context.Context, bucket, key, path string) error
}

type topic interface {
	Publish(ctx context.Context, v interface{}) error
}

type delayQueue interface {
	Send(ctx context.Context, v interface{}, delay time.Duration) error
}

// Runner executes one annotation and commits its artifacts.
type Runner struct {
	store   jobStore
	results objectStore
	done    topic
	archive delayQueue
	cfg     config.Getter
}

// New builds a runner. done receives JobCompleted, archive receives the
// delayed ArchiveScheduled.
func New(store jobStore, results objectStore, done topic, archive delayQueue, cfg config.Getter) *Runner {
	return &Runner{store: store, results: results, done: done, archive: archive, cfg: cfg}
}

// Run annotates one input. Any error before the completion is committed
// means the caller must exit non-zero so the supervisor records the failure;
// after the commit the job is terminal and only notification or archival
// scheduling can be lost, which is logged and tolerated.
func (r *Runner) Run(ctx context.Context, inputPath, jobID, userID string) error {
	cfg := r.cfg()
	log := logrus.WithFields(logrus.Fields{"job": jobID, "user": userID})

	argv := append(append([]string{}, cfg.Annotator.PipelineCommand...), inputPath)
	start := now()
	pipeline := exec.Command(argv[0], argv[1:]...)
	pipeline.Stdout = os.Stdout
	pipeline.Stderr = os.Stderr
	if err := pipeline.Run(); err != nil {
		return fmt.Errorf("running pipeline %v: %v", argv, err)
	}
	log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("Pipeline finished.")

	workDir := filepath.Dir(inputPath)
	artifacts, resultKey, logKey, err := classifyArtifacts(workDir, filepath.Base(inputPath), cfg.Keys.Prefix, userID, jobID)
	if err != nil {
		return err
	}
	if err := r.uploadAll(ctx, log, cfg.Buckets.Results, artifacts); err != nil {
		return err
	}
	if err := os.RemoveAll(workDir); err != nil {
		log.WithError(err).Error("Failed to remove the working directory.")
	}

	completeTime := now().Unix()
	if err := r.store.MarkCompleted(ctx, jobID, cfg.Buckets.Results, resultKey, logKey, completeTime); err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			log.Warn("Job already terminal, keeping the peer's outcome.")
			return nil
		}
		return fmt.Errorf("committing completion: %v", err)
	}
	log.Info("Job completed.")

	if err := r.done.Publish(ctx, gas.JobCompleted{
		JobID:        jobID,
		UserID:       userID,
		CompleteTime: completeTime,
	}); err != nil {
		log.WithError(err).Error("Failed to publish the completion notification.")
	}
	if err := r.archive.Send(ctx, gas.ArchiveScheduled{
		Bucket: cfg.Buckets.Results,
		Key:    resultKey,
		UserID: userID,
		JobID:  jobID,
	}, cfg.Archive.RetentionDelay()); err != nil {
		log.WithError(err).Error("Failed to schedule archival.")
	}
	return nil
}

// classifyArtifacts lists the files the pipeline left next to the input and
// assigns each its result key. The input itself is never published. Both
// the annotated output and the pipeline log must exist.
func classifyArtifacts(workDir, inputName, prefix, userID, jobID string) (artifacts map[string]string, resultKey, logKey string, err error) {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return nil, "", "", fmt.Errorf("listing artifacts: %v", err)
	}
	keyPrefix := gas.ResultKeyPrefix(prefix, userID, jobID)
	artifacts = map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == inputName {
			continue
		}
		key := keyPrefix + entry.Name()
		artifacts[key] = filepath.Join(workDir, entry.Name())
		if strings.HasSuffix(entry.Name(), gas.ResultSuffix) {
			resultKey = key
		} else if strings.HasSuffix(entry.Name(), gas.LogSuffix) {
			logKey = key
		}
	}
	if resultKey == "" || logKey == "" {
		return nil, "", "", fmt.Errorf("pipeline left no %s or %s artifact in %s", gas.ResultSuffix, gas.LogSuffix, workDir)
	}
	return artifacts, resultKey, logKey, nil
}

// uploadAll publishes the artifacts in parallel, retrying each a few times
// with quadratic backoff before giving up.
func (r *Runner) uploadAll(ctx context.Context, log *logrus.Entry, bucket string, artifacts map[string]string) error {
	errCh := make(chan error, len(artifacts))
	group := &sync.WaitGroup{}
	sem := semaphore.NewWeighted(concurrentUploads)
	group.Add(len(artifacts))
	for key, path := range artifacts {
		log := log.WithField("key", key)
		log.Info("Queued for upload")
		go func(key, path string, log *logrus.Entry) {
			defer group.Done()

			var err error
			for attempt := 1; attempt <= uploadRetries; attempt++ {
				err = func() error {
					if err := sem.Acquire(ctx, 1); err != nil {
						return err
					}
					defer sem.Release(1)
					if attempt > 1 {
						log.WithField("retry_attempt", attempt).Debug("Retrying upload")
					}
					return r.results.UploadFile(ctx, bucket, key, path)
				}()

				if err == nil {
					break
				}
				if attempt < uploadRetries {
					time.Sleep(time.Duration(attempt*attempt) * uploadBackoffUnit)
				}
			}

			if err != nil {
				errCh <- fmt.Errorf("uploading %s: %v", key, err)
				log.Info("Failed upload")
			} else {
				log.Info("Finished upload")
			}
		}(key, path, log)
	}
	group.Wait()
	close(errCh)
	if len(errCh) != 0 {
		var uploadErrors []error
		for err := range errCh {
			uploadErrors = append(uploadErrors, err)
		}
		return fmt.Errorf("encountered errors during upload: %v", uploadErrors)
	}
	return nil
}

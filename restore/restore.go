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

// Package restore finishes the thaw round trip. The vault announces each
// completed retrieval on the restore topic; the handler streams the
// retrieved bytes back to the result's original hot location, deletes the
// cold copy and clears the archive pointer, returning the job to the
// plain COMPLETED shape.
package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/jimzhengzsy/CloudComputing/apis/gas"
	"github.com/jimzhengzsy/CloudComputing/awsapi"
	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/jobstore"
	"github.com/jimzhengzsy/CloudComputing/messaging"
)

var restoreCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "gas_restore_counter",
	Help: "A counter of retrieval notifications by outcome.",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(restoreCounter)
}

type restoreQueue interface {
	ProcessOnce(ctx context.Context, h messaging.Handler) (int, error)
	Poll(ctx context.Context, h messaging.Handler)
}

type vault interface {
	RetrievalOutput(ctx context.Context, vault, retrievalID string) (io.ReadCloser, error)
	DeleteArchive(ctx context.Context, vault, archiveID string) error
}

type objectStore interface {
	Upload(ctx context.Context, bucket, key string, body io.Reader) error
}

type jobStore interface {
	Get(ctx context.Context, jobID string) (*gas.Job, error)
	ClearArchiveID(ctx context.Context, jobID string) error
}

// Restorer consumes the vault's retrieval notifications.
type Restorer struct {
	queue   restoreQueue
	vault   vault
	objects objectStore
	store   jobStore
	cfg     config.Getter
}

// New builds a restorer over the restore queue.
func New(queue restoreQueue, vault vault, objects objectStore, store jobStore, cfg config.Getter) *Restorer {
	return &Restorer{queue: queue, vault: vault, objects: objects, store: store, cfg: cfg}
}

// Poll consumes the restore queue until the context ends.
func (r *Restorer) Poll(ctx context.Context) {
	r.queue.Poll(ctx, r.Handle)
}

// ProcessOnce drains one receive batch.
func (r *Restorer) ProcessOnce(ctx context.Context) (int, error) {
	return r.queue.ProcessOnce(ctx, r.Handle)
}

// Handle repopulates hot storage from one completed retrieval. The
// notification's JobDescription carries the application job id; the
// record's own result coordinates say where the bytes belong. The archive
// pointer is cleared last so a crash at any earlier step leaves a
// retriable message, and a record already missing its pointer means an
// earlier delivery finished the work.
func (r *Restorer) Handle(ctx context.Context, body []byte) error {
	var ready gas.RetrievalReady
	if err := json.Unmarshal(body, &ready); err != nil {
		return fmt.Errorf("decoding retrieval notification %q: %v: %w", string(body), err, messaging.ErrPoison)
	}
	if ready.JobID == "" || ready.ArchiveID == "" || ready.JobDescription == "" {
		return fmt.Errorf("retrieval notification %+v is missing required fields: %w", ready, messaging.ErrPoison)
	}
	log := logrus.WithFields(logrus.Fields{"job": ready.JobDescription, "retrieval": ready.JobID})
	if !ready.Succeeded() {
		restoreCounter.WithLabelValues("ignored").Inc()
		log.WithField("status", ready.StatusCode).Warn("Ignoring an unsuccessful retrieval notification.")
		return nil
	}

	job, err := r.store.Get(ctx, ready.JobDescription)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return fmt.Errorf("retrieval for unknown job %s: %w", ready.JobDescription, messaging.ErrPoison)
		}
		return fmt.Errorf("looking up job %s: %v", ready.JobDescription, err)
	}
	if !job.Archived() {
		restoreCounter.WithLabelValues("duplicate").Inc()
		log.Info("Job is already restored.")
		return nil
	}
	if job.ResultBucket == "" || job.ResultKey == "" {
		return fmt.Errorf("job %s is archived but has no result coordinates: %w", job.JobID, messaging.ErrPoison)
	}

	cfg := r.cfg()
	output, err := r.vault.RetrievalOutput(ctx, cfg.Archive.Vault, ready.JobID)
	if err != nil {
		return fmt.Errorf("fetching retrieval output for job %s: %v", job.JobID, err)
	}
	defer output.Close()
	if err := r.objects.Upload(ctx, job.ResultBucket, job.ResultKey, output); err != nil {
		return fmt.Errorf("repopulating s3://%s/%s: %v", job.ResultBucket, job.ResultKey, err)
	}

	// A redelivery after this point finds the archive gone; that is fine,
	// the hot copy is already back.
	if err := r.vault.DeleteArchive(ctx, cfg.Archive.Vault, ready.ArchiveID); err != nil && !errors.Is(err, awsapi.ErrArchiveNotFound) {
		return fmt.Errorf("deleting archive %s: %v", ready.ArchiveID, err)
	}
	if err := r.store.ClearArchiveID(ctx, job.JobID); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return fmt.Errorf("job %s disappeared while restoring: %w", job.JobID, messaging.ErrPoison)
		}
		return fmt.Errorf("clearing archive pointer for job %s: %v", job.JobID, err)
	}
	restoreCounter.WithLabelValues("restored").Inc()
	log.WithField("key", job.ResultKey).Info("Restored result to hot storage.")
	return nil
}

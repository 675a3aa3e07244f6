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

// Package archiver moves free-tier results to cold storage once their
// retention delay expires and, on a schedule, fails jobs stuck in RUNNING.
package archiver

import (
	"bytes"
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
	"github.com/jimzhengzsy/CloudComputing/identity"
	"github.com/jimzhengzsy/CloudComputing/jobstore"
	"github.com/jimzhengzsy/CloudComputing/messaging"
)

var (
	archiveCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gas_archiver_archive_counter",
		Help: "Number of archive messages by outcome.",
	}, []string{"outcome"})
	sweptCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gas_archiver_swept_jobs",
		Help: "Number of stuck RUNNING jobs the sweep marked FAILED.",
	})
	rescheduledCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gas_archiver_rescheduled_archives",
		Help: "Number of overdue unarchived results the sweep re-scheduled.",
	})
)

func init() {
	prometheus.MustRegister(archiveCounter)
	prometheus.MustRegister(sweptCounter)
	prometheus.MustRegister(rescheduledCounter)
}

type archiveQueue interface {
	ProcessOnce(ctx context.Context, h messaging.Handler) (int, error)
	Poll(ctx context.Context, h messaging.Handler)
}

type directory interface {
	Profile(ctx context.Context, userID string) (*identity.Profile, error)
}

type objectStore interface {
	DownloadBytes(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
}

type vault interface {
	Upload(ctx context.Context, vault string, body io.ReadSeeker) (string, error)
}

type jobStore interface {
	Get(ctx context.Context, jobID string) (*gas.Job, error)
	SetArchiveID(ctx context.Context, jobID, archiveID string) error
}

// Archiver consumes ArchiveScheduled messages.
type Archiver struct {
	queue   archiveQueue
	users   directory
	objects objectStore
	vault   vault
	store   jobStore
	cfg     config.Getter
}

// New builds an archiver over the archive queue.
func New(queue archiveQueue, users directory, objects objectStore, vault vault, store jobStore, cfg config.Getter) *Archiver {
	return &Archiver{queue: queue, users: users, objects: objects, vault: vault, store: store, cfg: cfg}
}

// Poll consumes the archive queue until the context ends.
func (a *Archiver) Poll(ctx context.Context) {
	a.queue.Poll(ctx, a.Handle)
}

// ProcessOnce drains one receive batch.
func (a *Archiver) ProcessOnce(ctx context.Context) (int, error) {
	return a.queue.ProcessOnce(ctx, a.Handle)
}

// Handle archives one result. Premium owners keep their results hot. The
// hot object is deleted only after the vault accepted the archive, and the
// archive id is recorded and the message acked only after the hot copy is
// gone, so redelivery at any earlier point converges. A redelivery between
// the vault upload and the ack re-archives and orphans the earlier upload.
func (a *Archiver) Handle(ctx context.Context, body []byte) error {
	var msg gas.ArchiveScheduled
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("decoding archive request %q: %v: %w", string(body), err, messaging.ErrPoison)
	}
	if msg.Bucket == "" || msg.Key == "" || msg.UserID == "" || msg.JobID == "" {
		return fmt.Errorf("archive request %+v is missing required fields: %w", msg, messaging.ErrPoison)
	}
	log := logrus.WithFields(logrus.Fields{"job": msg.JobID, "user": msg.UserID, "key": msg.Key})

	profile, err := a.users.Profile(ctx, msg.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			log.Error("Result belongs to an unknown user, leaving it hot.")
			return fmt.Errorf("job %s belongs to unknown user %s: %w", msg.JobID, msg.UserID, messaging.ErrPoison)
		}
		return fmt.Errorf("looking up user %s: %v", msg.UserID, err)
	}
	if profile.Premium() {
		archiveCounter.WithLabelValues("skipped").Inc()
		log.Info("Premium user, result stays hot.")
		return nil
	}

	cfg := a.cfg()
	data, err := a.objects.DownloadBytes(ctx, msg.Bucket, msg.Key)
	if errors.Is(err, awsapi.ErrObjectNotFound) {
		job, err := a.store.Get(ctx, msg.JobID)
		if err != nil {
			if errors.Is(err, jobstore.ErrNotFound) {
				return fmt.Errorf("archive request for unknown job %s: %w", msg.JobID, messaging.ErrPoison)
			}
			return fmt.Errorf("checking job %s for a prior archive: %v", msg.JobID, err)
		}
		if job.Archived() {
			archiveCounter.WithLabelValues("duplicate").Inc()
			log.Info("Result already archived.")
			return nil
		}
		log.Error("Hot object is gone and no archive is recorded.")
		return fmt.Errorf("result object s3://%s/%s vanished before archiving: %w", msg.Bucket, msg.Key, messaging.ErrPoison)
	}
	if err != nil {
		return fmt.Errorf("downloading result for job %s: %v", msg.JobID, err)
	}

	archiveID, err := a.vault.Upload(ctx, cfg.Archive.Vault, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("archiving result for job %s: %v", msg.JobID, err)
	}
	// The archive id must never be recorded while the hot copy still
	// exists; a failed delete leaves the message for redelivery.
	if err := a.objects.Delete(ctx, msg.Bucket, msg.Key); err != nil {
		return fmt.Errorf("deleting the hot copy for job %s: %v", msg.JobID, err)
	}
	if err := a.store.SetArchiveID(ctx, msg.JobID, archiveID); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return fmt.Errorf("job %s disappeared while archiving: %w", msg.JobID, messaging.ErrPoison)
		}
		return fmt.Errorf("recording archive %s for job %s: %v", archiveID, msg.JobID, err)
	}
	archiveCounter.WithLabelValues("archived").Inc()
	log.WithField("archive", archiveID).Info("Moved result to cold storage.")
	return nil
}

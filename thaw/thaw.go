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

// Package thaw brings archived results back toward hot storage. The
// producer runs when a user upgrades and asks for every archived job of
// theirs to be retrieved; the worker initiates the vault retrievals,
// expedited when capacity allows. Retrieval itself is asynchronous: the
// vault announces completion on the restore topic and the restore worker
// finishes the round trip.
package thaw

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/jimzhengzsy/CloudComputing/apis/gas"
	"github.com/jimzhengzsy/CloudComputing/awsapi"
	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/messaging"
)

var retrievalCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "gas_thaw_retrieval_counter",
	Help: "A counter of initiated archive retrievals by tier.",
}, []string{"tier"})

func init() {
	prometheus.MustRegister(retrievalCounter)
}

type jobLister interface {
	QueryByUser(ctx context.Context, userID string) ([]gas.Job, error)
}

type topic interface {
	Publish(ctx context.Context, v interface{}) error
}

// Producer announces every archived job of a user to the thaw workers.
type Producer struct {
	store jobLister
	topic topic
}

// NewProducer builds a producer over the thaw topic.
func NewProducer(store jobLister, topic topic) *Producer {
	return &Producer{store: store, topic: topic}
}

// RequestThaw publishes one ThawRequested per archived job the user owns
// and reports how many were requested. Publishing is not transactional
// with the upgrade; the worker and the restore handler tolerate both
// duplicates and jobs that finish restoring in between.
func (p *Producer) RequestThaw(ctx context.Context, userID string) (int, error) {
	jobs, err := p.store.QueryByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("listing jobs for user %s: %v", userID, err)
	}
	requested := 0
	for i := range jobs {
		job := &jobs[i]
		if !job.Archived() {
			continue
		}
		if err := p.topic.Publish(ctx, gas.ThawRequested{
			UserID:    userID,
			ArchiveID: job.ArchiveID,
			JobID:     job.JobID,
		}); err != nil {
			return requested, fmt.Errorf("requesting thaw of job %s: %v", job.JobID, err)
		}
		logrus.WithFields(logrus.Fields{"job": job.JobID, "user": userID}).Info("Requested thaw.")
		requested++
	}
	return requested, nil
}

type thawQueue interface {
	ProcessOnce(ctx context.Context, h messaging.Handler) (int, error)
	Poll(ctx context.Context, h messaging.Handler)
}

type vault interface {
	InitiateRetrieval(ctx context.Context, vault, archiveID, tier, topicARN, description string) (string, error)
}

// Worker consumes ThawRequested messages and starts vault retrievals.
type Worker struct {
	queue thawQueue
	vault vault
	cfg   config.Getter
}

// NewWorker builds a worker over the thaw queue.
func NewWorker(queue thawQueue, vault vault, cfg config.Getter) *Worker {
	return &Worker{queue: queue, vault: vault, cfg: cfg}
}

// Poll consumes the thaw queue until the context ends.
func (w *Worker) Poll(ctx context.Context) {
	w.queue.Poll(ctx, w.Handle)
}

// ProcessOnce drains one receive batch.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	return w.queue.ProcessOnce(ctx, w.Handle)
}

// Handle initiates one retrieval, expedited first and standard when the
// expedited capacity is exhausted. The application job id rides along as
// the retrieval description so the completion notification can be routed
// back to the job. Nothing is recorded locally; the vault's callback
// carries everything the restore handler needs.
func (w *Worker) Handle(ctx context.Context, body []byte) error {
	var req gas.ThawRequested
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("decoding thaw request %q: %v: %w", string(body), err, messaging.ErrPoison)
	}
	if req.ArchiveID == "" || req.JobID == "" {
		return fmt.Errorf("thaw request %+v is missing required fields: %w", req, messaging.ErrPoison)
	}
	log := logrus.WithFields(logrus.Fields{"job": req.JobID, "user": req.UserID})
	cfg := w.cfg()

	retrievalID, err := w.initiate(ctx, cfg, req, awsapi.TierExpedited)
	if errors.Is(err, awsapi.ErrInsufficientCapacity) {
		log.Info("No expedited capacity, falling back to standard retrieval.")
		retrievalID, err = w.initiate(ctx, cfg, req, awsapi.TierStandard)
	}
	if errors.Is(err, awsapi.ErrArchiveNotFound) {
		// The archive was already retrieved and deleted; a duplicate
		// request has nothing left to do.
		log.Info("Archive is gone, assuming an earlier thaw finished.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("initiating retrieval for job %s: %v", req.JobID, err)
	}
	log.WithField("retrieval", retrievalID).Info("Initiated archive retrieval.")
	return nil
}

func (w *Worker) initiate(ctx context.Context, cfg *config.Config, req gas.ThawRequested, tier string) (string, error) {
	retrievalID, err := w.vault.InitiateRetrieval(ctx, cfg.Archive.Vault, req.ArchiveID, tier, cfg.Topics.Restore, req.JobID)
	if err != nil {
		return "", err
	}
	retrievalCounter.WithLabelValues(tier).Inc()
	return retrievalID, nil
}

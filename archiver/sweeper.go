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

package archiver

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jimzhengzsy/CloudComputing/apis/gas"
	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/identity"
	"github.com/jimzhengzsy/CloudComputing/jobstore"
)

var now = time.Now

type sweepStore interface {
	RunningSince(ctx context.Context, before time.Time) ([]gas.Job, error)
	CompletedUnarchivedSince(ctx context.Context, before time.Time) ([]gas.Job, error)
	ConditionalSetStatus(ctx context.Context, jobID string, from, to gas.JobState) error
}

type archiveScheduler interface {
	Send(ctx context.Context, v interface{}, delay time.Duration) error
}

// Sweeper repairs what the queue-driven paths cannot. A worker that dies
// between claiming a job and committing an outcome leaves the record RUNNING
// forever; a completion whose ArchiveScheduled send was lost leaves a
// free-tier result hot forever. The sweep fails the first kind and
// re-schedules the second.
type Sweeper struct {
	store   sweepStore
	users   directory
	archive archiveScheduler
	cfg     config.Getter
}

// NewSweeper builds a sweeper over the job store and the archive queue.
func NewSweeper(store sweepStore, users directory, archive archiveScheduler, cfg config.Getter) *Sweeper {
	return &Sweeper{store: store, users: users, archive: archive, cfg: cfg}
}

// Sweep runs both passes. Each pass attempts its whole batch; the first
// error is returned once everything has been tried.
func (s *Sweeper) Sweep(ctx context.Context) error {
	firstErr := s.failStuck(ctx)
	if err := s.rescheduleUnarchived(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// failStuck fails every job still RUNNING past MaxJobAge. Jobs that moved
// on between the scan and the write are skipped.
func (s *Sweeper) failStuck(ctx context.Context) error {
	cutoff := now().Add(-s.cfg().Archive.MaxJobAge.Duration)
	jobs, err := s.store.RunningSince(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing stuck jobs: %v", err)
	}
	var firstErr error
	for i := range jobs {
		job := &jobs[i]
		log := logrus.WithFields(logrus.Fields{"job": job.JobID, "user": job.UserID, "submitted": job.SubmitTime})
		err := s.store.ConditionalSetStatus(ctx, job.JobID, gas.RunningState, gas.FailedState)
		switch {
		case errors.Is(err, jobstore.ErrConflict):
			log.Info("Job moved on before the sweep could fail it.")
		case err != nil:
			log.WithError(err).Error("Failed to fail a stuck job.")
			if firstErr == nil {
				firstErr = err
			}
		default:
			sweptCounter.Inc()
			log.Warn("Failed a job stuck in RUNNING.")
		}
	}
	return firstErr
}

// rescheduleUnarchived re-sends ArchiveScheduled, with no delay, for every
// free-tier result past its retention window with no archive recorded. The
// archiver's duplicate handling absorbs any in-flight message this races
// with.
func (s *Sweeper) rescheduleUnarchived(ctx context.Context) error {
	cutoff := now().Add(-s.cfg().Archive.RetentionDelay())
	jobs, err := s.store.CompletedUnarchivedSince(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("listing unarchived results: %v", err)
	}
	var firstErr error
	// Premium owners' results match the scan on every sweep; look each
	// owner up once per pass.
	premium := map[string]bool{}
	for i := range jobs {
		job := &jobs[i]
		log := logrus.WithFields(logrus.Fields{"job": job.JobID, "user": job.UserID})
		isPremium, seen := premium[job.UserID]
		if !seen {
			profile, err := s.users.Profile(ctx, job.UserID)
			if errors.Is(err, identity.ErrNotFound) {
				log.Error("Result belongs to an unknown user, leaving it hot.")
				continue
			}
			if err != nil {
				log.WithError(err).Error("Failed to look up a result's owner.")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			isPremium = profile.Premium()
			premium[job.UserID] = isPremium
		}
		if isPremium {
			continue
		}
		err := s.archive.Send(ctx, gas.ArchiveScheduled{
			Bucket: job.ResultBucket,
			Key:    job.ResultKey,
			UserID: job.UserID,
			JobID:  job.JobID,
		}, 0)
		if err != nil {
			log.WithError(err).Error("Failed to re-schedule an archive.")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rescheduledCounter.Inc()
		log.Warn("Re-scheduled archival for a result past its retention.")
	}
	return firstErr
}

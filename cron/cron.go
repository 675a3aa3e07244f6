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

// Package cron provides a wrapper of robfig/cron, which manages the scheduled
// maintenance tasks of the archiver binary.
package cron

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	cron "gopkg.in/robfig/cron.v2" // using v2 api, doc at https://godoc.org/gopkg.in/robfig/cron.v2

	"github.com/jimzhengzsy/CloudComputing/config"
)

// SweepTask names the stuck-job sweep entry in QueuedTasks results.
const SweepTask = "sweep"

// taskStatus is a cache layer for tracking existing cron tasks
type taskStatus struct {
	// entryID is a unique-identifier for each cron entry generated from cronAgent
	entryID cron.EntryID
	// triggered marks if a task has been triggered for the next cron.QueuedTasks() call
	triggered bool
	// cronStr is a cache for the task's cron spec
	// cron entry will be regenerated if the spec changes in the config
	cronStr string
}

// Cron is a wrapper for cron.Cron
type Cron struct {
	cronAgent *cron.Cron
	tasks     map[string]*taskStatus
	logger    *logrus.Entry
	lock      sync.Mutex
}

// New makes a new Cron object
func New() *Cron {
	return &Cron{
		cronAgent: cron.New(),
		tasks:     map[string]*taskStatus{},
		logger:    logrus.WithField("client", "cron"),
	}
}

// Start kicks off current cronAgent scheduler
func (c *Cron) Start() {
	c.cronAgent.Start()
}

// Stop pauses current cronAgent scheduler
func (c *Cron) Stop() {
	c.cronAgent.Stop()
}

// QueuedTasks returns a list of tasks that need to be triggered
// and resets trigger in taskStatus
func (c *Cron) QueuedTasks() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	res := []string{}
	for k, v := range c.tasks {
		if v.triggered {
			res = append(res, k)
		}
		c.tasks[k].triggered = false
	}
	return res
}

// SyncConfig syncs current cronAgent with the current config,
// which adds/updates tasks accordingly.
func (c *Cron) SyncConfig(cfg *config.Config) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.addTask(SweepTask, cfg.Archive.SweepSchedule)
}

// HasTask returns if a task has been scheduled in cronAgent or not
func (c *Cron) HasTask(name string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	_, ok := c.tasks[name]
	return ok
}

// addTask adds a cron entry for a task to cronAgent
func (c *Cron) addTask(name, spec string) error {
	if task, ok := c.tasks[name]; ok {
		if task.cronStr == spec {
			return nil
		}
		// spec updated, remove old entry
		if err := c.removeTask(name); err != nil {
			return err
		}
	}

	id, err := c.cronAgent.AddFunc("TZ=UTC "+spec, func() {
		c.lock.Lock()
		defer c.lock.Unlock()

		c.tasks[name].triggered = true
		c.logger.Infof("Triggering cron task %s.", name)
	})
	if err != nil {
		return fmt.Errorf("cronAgent fails to add task %s with cron %s: %v", name, spec, err)
	}

	c.tasks[name] = &taskStatus{
		entryID: id,
		cronStr: spec,
		// try to kick off a periodic trigger right away
		triggered: strings.HasPrefix(spec, "@every"),
	}

	c.logger.Infof("Added new cron task %s with trigger %s.", name, spec)
	return nil
}

// removeTask removes the task from cronAgent
func (c *Cron) removeTask(name string) error {
	task, ok := c.tasks[name]
	if !ok {
		return fmt.Errorf("task %s has not been added to cronAgent yet", name)
	}
	c.cronAgent.Remove(task.entryID)
	delete(c.tasks, name)
	c.logger.Infof("Removed previous cron task %s.", name)
	return nil
}

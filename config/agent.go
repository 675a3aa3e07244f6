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

package config

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/fsnotify.v1"

	"github.com/jimzhengzsy/CloudComputing/interrupts"
)

// Agent watches a config path and automatically loads the config stored
// therein.
type Agent struct {
	mut sync.RWMutex // do not export Lock, etc methods
	c   *Config
}

// Getter returns the current Config in a thread-safe manner.
type Getter func() *Config

// Start loads the config once and begins polling for modification-time
// changes. If the first load fails, Start returns the error and aborts.
// Future load failures log the failure message but keep the last good
// config.
func (ca *Agent) Start(path string) error {
	c, err := Load(path)
	if err != nil {
		return err
	}
	ca.Set(c)
	lastModTime := time.Time{}
	if stat, err := os.Stat(path); err == nil {
		lastModTime = stat.ModTime()
	}
	go func() {
		// If two changes land in the same second, mtime cannot tell them
		// apart; reload unconditionally once in a while to catch up.
		skips := 0
		for range time.Tick(1 * time.Second) {
			if skips < 600 {
				stat, err := os.Stat(path)
				if err != nil {
					logrus.WithField("config", path).WithError(err).Error("Error checking config.")
					continue
				}
				if !stat.ModTime().After(lastModTime) {
					skips++
					continue
				}
				lastModTime = stat.ModTime()
			}
			if c, err := Load(path); err != nil {
				logrus.WithField("config", path).WithError(err).Error("Error loading config.")
			} else {
				skips = 0
				ca.Set(c)
			}
		}
	}()
	return nil
}

// StartWatch loads the config once and reloads on filesystem events instead
// of polling. Meant for the long-lived web binary; the watcher stops on
// interrupt.
func (ca *Agent) StartWatch(path string) error {
	c, err := Load(path)
	if err != nil {
		return err
	}
	ca.Set(c)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}
	interrupts.Run(func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				if err := w.Close(); err != nil {
					logrus.WithField("config", path).WithError(err).Error("Failed to close config watcher.")
				}
				return
			case <-w.Events:
				if c, err := Load(path); err != nil {
					logrus.WithField("config", path).WithError(err).Error("Error loading config.")
				} else {
					ca.Set(c)
				}
				// Editors and configmap mounts replace the file, which
				// drops the watch; re-adding an existing watch is a no-op.
				if err := w.Add(path); err != nil {
					logrus.WithField("config", path).WithError(err).Error("Failed to re-watch config.")
				}
			case err := <-w.Errors:
				logrus.WithField("config", path).WithError(err).Error("Config watcher error.")
			}
		}
	})
	return nil
}

// Config returns the latest config. Do not modify the config.
func (ca *Agent) Config() *Config {
	ca.mut.RLock()
	defer ca.mut.RUnlock()
	return ca.c
}

// Set sets the config. Useful for testing.
func (ca *Agent) Set(c *Config) {
	ca.mut.Lock()
	defer ca.mut.Unlock()
	ca.c = c
}

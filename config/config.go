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

// Package config loads and validates the deployment configuration shared by
// all GAS binaries. Components never read package-level state; they receive
// a Getter from main and consult it per iteration so reloads take effect.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
	// The display time zone must resolve even on hosts without a system
	// zone database.
	_ "time/tzdata"

	"sigs.k8s.io/yaml"
)

// Duration wraps time.Duration so YAML carries values like "24h".
type Duration struct {
	time.Duration
}

// UnmarshalJSON parses a Go duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalJSON renders the duration string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Config is the deployment configuration for every GAS component.
type Config struct {
	// Region is the cloud region all service endpoints live in.
	Region string `json:"region"`
	// Profile optionally names a shared-credentials profile. Empty means
	// the default provider chain.
	Profile string `json:"profile,omitempty"`

	Store     StoreConfig     `json:"store"`
	Accounts  AccountsConfig  `json:"accounts"`
	Buckets   BucketConfig    `json:"buckets"`
	Keys      KeyConfig       `json:"keys"`
	Queues    QueueSet        `json:"queues"`
	Topics    TopicSet        `json:"topics"`
	Archive   ArchiveConfig   `json:"archive"`
	Annotator AnnotatorConfig `json:"annotator"`
	Email     EmailConfig     `json:"email"`
	Web       WebConfig       `json:"web"`
}

// StoreConfig locates the job metadata table.
type StoreConfig struct {
	Table string `json:"table"`
	// UserIndex is the global secondary index keyed by user_id with
	// submit_time as the range key.
	UserIndex string `json:"user_index"`
}

// AccountsConfig locates the user profile table.
type AccountsConfig struct {
	Table string `json:"table"`
}

// BucketConfig names the hot-storage buckets.
type BucketConfig struct {
	Inputs  string `json:"inputs"`
	Results string `json:"results"`
}

// KeyConfig governs object-key layout and presigned forms.
type KeyConfig struct {
	// Prefix namespaces every key this deployment writes.
	Prefix string `json:"prefix"`
	// ACL applies to uploaded inputs. Defaults to private.
	ACL string `json:"acl,omitempty"`
	// Encryption is the server-side encryption tag enforced on uploads.
	Encryption string `json:"encryption,omitempty"`
	// URLTTLSeconds bounds presigned URL and POST lifetimes.
	URLTTLSeconds int64 `json:"url_ttl_seconds,omitempty"`
}

// URLTTL is the presigned URL lifetime.
func (k KeyConfig) URLTTL() time.Duration {
	return time.Duration(k.URLTTLSeconds) * time.Second
}

// QueueConfig describes one queue and its receive tuning.
type QueueConfig struct {
	URL string `json:"url"`
	// WaitSeconds is the long-poll window per receive. Defaults to 20.
	WaitSeconds int64 `json:"wait_seconds,omitempty"`
	// Batch is the max messages per receive. Defaults to 10.
	Batch int64 `json:"batch,omitempty"`
}

// QueueSet enumerates the queues each worker consumes.
type QueueSet struct {
	Jobs    QueueConfig `json:"jobs"`
	Results QueueConfig `json:"results"`
	Archive QueueConfig `json:"archive"`
	Thaw    QueueConfig `json:"thaw"`
	Restore QueueConfig `json:"restore"`
}

// TopicSet enumerates publish targets. Restore is handed to the vault so
// retrieval completions come back to us.
type TopicSet struct {
	Jobs    string `json:"jobs"`
	Results string `json:"results"`
	Thaw    string `json:"thaw"`
	Restore string `json:"restore"`
}

// ArchiveConfig governs cold storage and the stuck-job sweep.
type ArchiveConfig struct {
	Vault string `json:"vault"`
	// RetentionSeconds is the free-tier grace period between completion
	// and archiving; it rides the archive queue's per-message delay, so
	// it cannot exceed the queue's 900s ceiling.
	RetentionSeconds int64 `json:"retention_seconds,omitempty"`
	// MaxJobAge is how long a job may sit in RUNNING before the sweeper
	// declares it FAILED. Defaults to 24h.
	MaxJobAge Duration `json:"max_job_age,omitempty"`
	// SweepSchedule is a cron spec for the sweeper. Defaults to
	// "@every 10m".
	SweepSchedule string `json:"sweep_schedule,omitempty"`
}

// RetentionDelay is the archive delay as a duration.
func (a ArchiveConfig) RetentionDelay() time.Duration {
	return time.Duration(a.RetentionSeconds) * time.Second
}

// AnnotatorConfig governs the worker and its pipeline child.
type AnnotatorConfig struct {
	// WorkDir is the root under which per-job directories are created.
	WorkDir string `json:"work_dir"`
	// RunnerCommand launches the supervised child; the worker appends
	// input path, job id and user id.
	RunnerCommand []string `json:"runner_command,omitempty"`
	// PipelineCommand is the opaque annotation tool the child executes
	// with the input path appended.
	PipelineCommand []string `json:"pipeline_command"`
	// Concurrency is the number of polling loops. Defaults to 1.
	Concurrency int `json:"concurrency,omitempty"`
}

// EmailConfig governs completion notifications.
type EmailConfig struct {
	Sender string `json:"sender"`
	// DisplayTimeZone is an IANA zone name used when rendering
	// completion times for users. Defaults to America/Chicago.
	DisplayTimeZone string `json:"display_time_zone,omitempty"`
}

// DisplayLocation resolves the configured zone. Validated at load, so
// callers may treat errors as impossible.
func (e EmailConfig) DisplayLocation() (*time.Location, error) {
	return time.LoadLocation(e.DisplayTimeZone)
}

// WebConfig governs the intake and read-API front end.
type WebConfig struct {
	// ExternalURL is the address users reach the service at; presigned
	// upload redirects and email links are built from it.
	ExternalURL string `json:"external_url"`
	// Listen is the bind address. Defaults to ":8000".
	Listen string `json:"listen,omitempty"`
}

// maxQueueDelaySeconds is the ceiling the queue service puts on
// per-message delivery delays.
const maxQueueDelaySeconds = 900

// Load reads, defaults and validates a config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	c := &Config{}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("error unmarshaling %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Keys.ACL == "" {
		c.Keys.ACL = "private"
	}
	if c.Keys.Encryption == "" {
		c.Keys.Encryption = "AES256"
	}
	if c.Keys.URLTTLSeconds == 0 {
		c.Keys.URLTTLSeconds = 60
	}
	for _, q := range []*QueueConfig{&c.Queues.Jobs, &c.Queues.Results, &c.Queues.Archive, &c.Queues.Thaw, &c.Queues.Restore} {
		if q.WaitSeconds == 0 {
			q.WaitSeconds = 20
		}
		if q.Batch == 0 {
			q.Batch = 10
		}
	}
	if c.Archive.RetentionSeconds == 0 {
		c.Archive.RetentionSeconds = 300
	}
	if c.Archive.MaxJobAge.Duration == 0 {
		c.Archive.MaxJobAge.Duration = 24 * time.Hour
	}
	if c.Archive.SweepSchedule == "" {
		c.Archive.SweepSchedule = "@every 10m"
	}
	if len(c.Annotator.RunnerCommand) == 0 {
		c.Annotator.RunnerCommand = []string{"runner"}
	}
	if c.Annotator.Concurrency == 0 {
		c.Annotator.Concurrency = 1
	}
	if c.Email.DisplayTimeZone == "" {
		c.Email.DisplayTimeZone = "America/Chicago"
	}
	if c.Web.Listen == "" {
		c.Web.Listen = ":8000"
	}
}

// Validate reports the first problem with the configuration.
func (c *Config) Validate() error {
	if c.Region == "" {
		return fmt.Errorf("region must be set")
	}
	if c.Store.Table == "" {
		return fmt.Errorf("store.table must be set")
	}
	if c.Store.UserIndex == "" {
		return fmt.Errorf("store.user_index must be set")
	}
	if c.Accounts.Table == "" {
		return fmt.Errorf("accounts.table must be set")
	}
	if c.Buckets.Inputs == "" || c.Buckets.Results == "" {
		return fmt.Errorf("buckets.inputs and buckets.results must be set")
	}
	if c.Keys.Prefix == "" {
		return fmt.Errorf("keys.prefix must be set")
	}
	if c.Keys.URLTTLSeconds < 0 || c.Keys.URLTTLSeconds > 3600 {
		return fmt.Errorf("keys.url_ttl_seconds must be in (0, 3600], got %d", c.Keys.URLTTLSeconds)
	}
	for name, q := range map[string]QueueConfig{
		"jobs":    c.Queues.Jobs,
		"results": c.Queues.Results,
		"archive": c.Queues.Archive,
		"thaw":    c.Queues.Thaw,
		"restore": c.Queues.Restore,
	} {
		if q.URL == "" {
			return fmt.Errorf("queues.%s.url must be set", name)
		}
		if q.WaitSeconds < 0 || q.WaitSeconds > 20 {
			return fmt.Errorf("queues.%s.wait_seconds must be in [0, 20], got %d", name, q.WaitSeconds)
		}
		if q.Batch < 1 || q.Batch > 10 {
			return fmt.Errorf("queues.%s.batch must be in [1, 10], got %d", name, q.Batch)
		}
	}
	for name, t := range map[string]string{
		"jobs":    c.Topics.Jobs,
		"results": c.Topics.Results,
		"thaw":    c.Topics.Thaw,
		"restore": c.Topics.Restore,
	} {
		if t == "" {
			return fmt.Errorf("topics.%s must be set", name)
		}
	}
	if c.Archive.Vault == "" {
		return fmt.Errorf("archive.vault must be set")
	}
	if c.Archive.RetentionSeconds < 0 || c.Archive.RetentionSeconds > maxQueueDelaySeconds {
		return fmt.Errorf("archive.retention_seconds must be in (0, %d], got %d", maxQueueDelaySeconds, c.Archive.RetentionSeconds)
	}
	if c.Annotator.WorkDir == "" || !filepath.IsAbs(c.Annotator.WorkDir) {
		return fmt.Errorf("annotator.work_dir must be an absolute path, got %q", c.Annotator.WorkDir)
	}
	if len(c.Annotator.PipelineCommand) == 0 {
		return fmt.Errorf("annotator.pipeline_command must be set")
	}
	if c.Annotator.Concurrency < 1 {
		return fmt.Errorf("annotator.concurrency must be positive, got %d", c.Annotator.Concurrency)
	}
	if c.Email.Sender == "" {
		return fmt.Errorf("email.sender must be set")
	}
	if _, err := c.Email.DisplayLocation(); err != nil {
		return fmt.Errorf("email.display_time_zone: %w", err)
	}
	if c.Web.ExternalURL == "" {
		return fmt.Errorf("web.external_url must be set")
	}
	return nil
}

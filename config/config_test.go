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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
region: us-east-1
store:
  table: gas_annotations
  user_index: user_id_index
accounts:
  table: gas_accounts
buckets:
  inputs: gas-inputs
  results: gas-results
keys:
  prefix: songyuanzheng
queues:
  jobs: {url: https://queue.example/jobs}
  results: {url: https://queue.example/results}
  archive: {url: https://queue.example/archive}
  thaw: {url: https://queue.example/thaw}
  restore: {url: https://queue.example/restore}
topics:
  jobs: arn:aws:sns:us-east-1:1:jobs
  results: arn:aws:sns:us-east-1:1:results
  thaw: arn:aws:sns:us-east-1:1:thaw
  restore: arn:aws:sns:us-east-1:1:restore
archive:
  vault: gas-vault
annotator:
  work_dir: /var/tmp/gas
  pipeline_command: [anntools]
email:
  sender: no-reply@example.org
web:
  external_url: https://gas.example.org
`

func load(t *testing.T, content string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return Load(path)
}

func TestLoadDefaults(t *testing.T) {
	c, err := load(t, minimalYAML)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Keys.ACL != "private" {
		t.Errorf("keys.acl: got %q, want private", c.Keys.ACL)
	}
	if c.Keys.Encryption != "AES256" {
		t.Errorf("keys.encryption: got %q, want AES256", c.Keys.Encryption)
	}
	if c.Keys.URLTTL() != 60*time.Second {
		t.Errorf("url ttl: got %s, want 60s", c.Keys.URLTTL())
	}
	if c.Queues.Jobs.WaitSeconds != 20 || c.Queues.Jobs.Batch != 10 {
		t.Errorf("jobs queue tuning: got wait=%d batch=%d, want 20/10", c.Queues.Jobs.WaitSeconds, c.Queues.Jobs.Batch)
	}
	if c.Archive.RetentionDelay() != 5*time.Minute {
		t.Errorf("retention: got %s, want 5m", c.Archive.RetentionDelay())
	}
	if c.Archive.MaxJobAge.Duration != 24*time.Hour {
		t.Errorf("max job age: got %s, want 24h", c.Archive.MaxJobAge)
	}
	if c.Annotator.Concurrency != 1 {
		t.Errorf("concurrency: got %d, want 1", c.Annotator.Concurrency)
	}
	if c.Web.Listen != ":8000" {
		t.Errorf("listen: got %q, want :8000", c.Web.Listen)
	}
	if loc, err := c.Email.DisplayLocation(); err != nil || loc.String() != "America/Chicago" {
		t.Errorf("display location: got %v/%v", loc, err)
	}
}

func TestLoadRejectsBadConfigs(t *testing.T) {
	var testcases = []struct {
		name    string
		mutate  func(string) string
		errPart string
	}{
		{
			name:    "missing table",
			mutate:  func(s string) string { return strings.Replace(s, "table: gas_annotations", "table: \"\"", 1) },
			errPart: "store.table",
		},
		{
			name:    "missing queue url",
			mutate:  func(s string) string { return strings.Replace(s, "{url: https://queue.example/thaw}", "{}", 1) },
			errPart: "queues.thaw.url",
		},
		{
			name:    "missing topic",
			mutate:  func(s string) string { return strings.Replace(s, "restore: arn:aws:sns:us-east-1:1:restore", "restore: \"\"", 1) },
			errPart: "topics.restore",
		},
		{
			name: "retention exceeds queue delay ceiling",
			mutate: func(s string) string {
				return strings.Replace(s, "vault: gas-vault", "vault: gas-vault\n  retention_seconds: 1200", 1)
			},
			errPart: "retention_seconds",
		},
		{
			name:    "relative work dir",
			mutate:  func(s string) string { return strings.Replace(s, "work_dir: /var/tmp/gas", "work_dir: tmp/gas", 1) },
			errPart: "work_dir",
		},
		{
			name:    "missing pipeline command",
			mutate:  func(s string) string { return strings.Replace(s, "pipeline_command: [anntools]", "", 1) },
			errPart: "pipeline_command",
		},
		{
			name: "bogus time zone",
			mutate: func(s string) string {
				return strings.Replace(s, "sender: no-reply@example.org", "sender: no-reply@example.org\n  display_time_zone: Mars/Olympus", 1)
			},
			errPart: "display_time_zone",
		},
		{
			name: "uncapped url ttl",
			mutate: func(s string) string {
				return strings.Replace(s, "prefix: songyuanzheng", "prefix: songyuanzheng\n  url_ttl_seconds: 7200", 1)
			},
			errPart: "url_ttl_seconds",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := load(t, tc.mutate(minimalYAML))
			if err == nil {
				t.Fatal("expected error, got none")
			}
			if !strings.Contains(err.Error(), tc.errPart) {
				t.Errorf("error %q does not mention %q", err, tc.errPart)
			}
		})
	}
}

func TestDurationUnmarshal(t *testing.T) {
	c, err := load(t, strings.Replace(minimalYAML, "vault: gas-vault", "vault: gas-vault\n  max_job_age: 90m", 1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Archive.MaxJobAge.Duration != 90*time.Minute {
		t.Errorf("max_job_age: got %s, want 90m", c.Archive.MaxJobAge)
	}
}

func TestAgentGetter(t *testing.T) {
	ca := &Agent{}
	c := &Config{Region: "us-east-1"}
	ca.Set(c)
	var getter Getter = ca.Config
	if got := getter(); got.Region != "us-east-1" {
		t.Errorf("getter returned %+v", got)
	}
	ca.Set(&Config{Region: "us-west-2"})
	if got := getter(); got.Region != "us-west-2" {
		t.Errorf("getter did not observe reload: %+v", got)
	}
}

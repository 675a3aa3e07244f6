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

package logrusutil

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestComponentFormatter(t *testing.T) {
	var testcases = []struct {
		name     string
		entry    *logrus.Entry
		expected map[string]interface{}
	}{
		{
			name:  "component is stamped",
			entry: &logrus.Entry{Message: "processing"},
			expected: map[string]interface{}{
				"component": "annotator",
				"msg":       "processing",
			},
		},
		{
			name: "entry fields win over the stamp",
			entry: &logrus.Entry{
				Message: "processing",
				Data:    logrus.Fields{"component": "override", "job": "J1"},
			},
			expected: map[string]interface{}{
				"component": "override",
				"job":       "J1",
				"msg":       "processing",
			},
		},
	}

	formatter := &componentFormatter{component: "annotator"}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := formatter.Format(tc.entry)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var got map[string]interface{}
			if err := json.Unmarshal(out, &got); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			for k, want := range tc.expected {
				if got[k] != want {
					t.Errorf("field %q: got %v, want %v", k, got[k], want)
				}
			}
			// Formatting must not leak the stamp into the caller's entry.
			if tc.entry.Data["component"] == "annotator" {
				t.Error("formatter mutated the caller's entry")
			}
		})
	}
}

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

// Package logrusutil implements some helpers for using logrus
package logrusutil

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// ComponentInit installs the default GAS logging format: JSON entries
// stamped with the binary name so logs from the whole fleet can be
// aggregated and filtered per component. Call it first thing in main.
func ComponentInit() {
	Init(filepath.Base(os.Args[0]))
}

// Init installs the default format with an explicit component name.
func Init(component string) {
	logrus.SetFormatter(&componentFormatter{component: component})
}

// componentFormatter stamps each entry with a component field before JSON
// encoding. An entry that carries its own component wins.
type componentFormatter struct {
	component string
	json      logrus.JSONFormatter
}

// Format allocates a fresh Fields map rather than stamping the caller's
// entry, which would not be thread safe.
func (f *componentFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	data := make(logrus.Fields, len(entry.Data)+1)
	data["component"] = f.component
	for k, v := range entry.Data {
		data[k] = v
	}
	return f.json.Format(&logrus.Entry{
		Logger:  entry.Logger,
		Data:    data,
		Time:    entry.Time,
		Level:   entry.Level,
		Message: entry.Message,
	})
}

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

// Package metrics serves the process's prometheus registry. Every GAS
// binary exposes /metrics on its instrumentation port; the worker packages
// register their own counters in their init functions.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/jimzhengzsy/CloudComputing/interrupts"
)

// ExposeMetrics serves the default prometheus gatherer under /metrics on
// the given port until the process is interrupted.
func ExposeMetrics(component string, port int) {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		ErrorLog: promLogger{component: component},
	}))
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: metricsMux}
	interrupts.ListenAndServe(server, 5*time.Second)
}

type promLogger struct {
	component string
}

func (pl promLogger) Println(v ...interface{}) {
	logrus.WithField("component", pl.component).Errorln(v...)
}

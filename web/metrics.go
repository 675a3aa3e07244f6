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

package web

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "gas_web_request_counter",
	Help: "A counter of requests served per handler and response code.",
}, []string{"handler", "code"})

func init() {
	prometheus.MustRegister(requestCounter)
}

func recordRequest(handler string, code int) {
	requestCounter.WithLabelValues(handler, strconv.Itoa(code)).Inc()
}

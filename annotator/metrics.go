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

package annotator

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultLabel       = "result"
	responseCodeLabel = "response_code"
)

var (
	pipelineCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gas_annotator_pipeline_counter",
		Help: "A counter of supervised pipeline runs by result.",
	}, []string{resultLabel})
	webhookResponseCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gas_annotator_webhook_response_codes",
		Help: "A counter of the responses the push front-end has answered with.",
	}, []string{responseCodeLabel})
)

func init() {
	prometheus.MustRegister(pipelineCounter)
	prometheus.MustRegister(webhookResponseCounter)
}

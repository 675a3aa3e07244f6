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

// The annotator consumes the job-requests queue and supervises one pipeline
// child per claimed job. It polls the queue and additionally accepts topic
// push notifications on /process-job-request, so deployments can choose
// either delivery style without redeploying.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jimzhengzsy/CloudComputing/annotator"
	"github.com/jimzhengzsy/CloudComputing/awsapi"
	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/interrupts"
	"github.com/jimzhengzsy/CloudComputing/jobstore"
	"github.com/jimzhengzsy/CloudComputing/logrusutil"
	"github.com/jimzhengzsy/CloudComputing/messaging"
	"github.com/jimzhengzsy/CloudComputing/metrics"
)

type options struct {
	configPath  string
	port        int
	metricsPort int
	gracePeriod time.Duration
}

func gatherOptions(fs *flag.FlagSet, args ...string) options {
	var o options
	fs.StringVar(&o.configPath, "config-path", "/etc/gas/config.yaml", "Path to the deployment config.")
	fs.IntVar(&o.port, "port", 8080, "Port for the push notification endpoint.")
	fs.IntVar(&o.metricsPort, "metrics-port", 9090, "Port for prometheus metrics.")
	fs.DurationVar(&o.gracePeriod, "grace-period", 30*time.Second, "On shutdown, handle in-flight requests for the specified duration.")
	fs.Parse(args)
	return o
}

func (o *options) validate() error {
	if o.configPath == "" {
		return fmt.Errorf("--config-path is required")
	}
	if o.port <= 0 || o.port > 65535 {
		return fmt.Errorf("--port %d is out of range", o.port)
	}
	return nil
}

func main() {
	logrusutil.ComponentInit()

	o := gatherOptions(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:]...)
	if err := o.validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid options")
	}

	configAgent := &config.Agent{}
	if err := configAgent.Start(o.configPath); err != nil {
		logrus.WithError(err).Fatal("Error starting config agent.")
	}
	cfg := configAgent.Config

	client, err := awsapi.NewClient(cfg().Region, cfg().Profile)
	if err != nil {
		logrus.WithError(err).Fatal("Error creating cloud session.")
	}

	queue := messaging.NewQueue(client.Session(), cfg().Queues.Jobs.URL, int(cfg().Queues.Jobs.WaitSeconds), int(cfg().Queues.Jobs.Batch))
	store := jobstore.New(client.Session(), cfg().Store.Table, cfg().Store.UserIndex)
	worker := annotator.NewWorker(queue, store, client.S3(), cfg)

	defer interrupts.WaitForGracefulShutdown()

	metrics.ExposeMetrics("annotator", o.metricsPort)

	for i := 0; i < cfg().Annotator.Concurrency; i++ {
		interrupts.Run(worker.Poll)
	}

	mux := http.NewServeMux()
	mux.Handle("/process-job-request", annotator.NewServer(worker))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "OK")
	})
	server := &http.Server{Addr: ":" + strconv.Itoa(o.port), Handler: mux}
	logrus.WithField("port", o.port).Info("Listening for push notifications.")
	interrupts.ListenAndServe(server, o.gracePeriod)
}

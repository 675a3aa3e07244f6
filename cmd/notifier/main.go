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

// The notifier consumes completion events and mails the job owner a link to
// the results.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/jimzhengzsy/CloudComputing/awsapi"
	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/identity"
	"github.com/jimzhengzsy/CloudComputing/interrupts"
	"github.com/jimzhengzsy/CloudComputing/logrusutil"
	"github.com/jimzhengzsy/CloudComputing/messaging"
	"github.com/jimzhengzsy/CloudComputing/metrics"
	"github.com/jimzhengzsy/CloudComputing/notify"
)

type options struct {
	configPath  string
	metricsPort int
}

func gatherOptions(fs *flag.FlagSet, args ...string) options {
	var o options
	fs.StringVar(&o.configPath, "config-path", "/etc/gas/config.yaml", "Path to the deployment config.")
	fs.IntVar(&o.metricsPort, "metrics-port", 9090, "Port for prometheus metrics.")
	fs.Parse(args)
	return o
}

func (o *options) validate() error {
	if o.configPath == "" {
		return fmt.Errorf("--config-path is required")
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

	queue := messaging.NewQueue(client.Session(), cfg().Queues.Results.URL, int(cfg().Queues.Results.WaitSeconds), int(cfg().Queues.Results.Batch))
	users := identity.NewDirectory(client.Session(), cfg().Accounts.Table)
	notifier := notify.New(queue, users, client.Mailer(cfg().Email.Sender), cfg)

	defer interrupts.WaitForGracefulShutdown()

	metrics.ExposeMetrics("notifier", o.metricsPort)

	interrupts.Run(notifier.Poll)
}

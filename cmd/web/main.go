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

// The web front end serves the upload, list, detail and subscription pages.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jimzhengzsy/CloudComputing/awsapi"
	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/identity"
	"github.com/jimzhengzsy/CloudComputing/interrupts"
	"github.com/jimzhengzsy/CloudComputing/jobstore"
	"github.com/jimzhengzsy/CloudComputing/logrusutil"
	"github.com/jimzhengzsy/CloudComputing/messaging"
	"github.com/jimzhengzsy/CloudComputing/metrics"
	"github.com/jimzhengzsy/CloudComputing/thaw"
	"github.com/jimzhengzsy/CloudComputing/web"
)

type options struct {
	configPath       string
	cookieSecretFile string
	allowDevLogin    bool
	metricsPort      int
	gracePeriod      time.Duration
}

func gatherOptions(fs *flag.FlagSet, args ...string) options {
	var o options
	fs.StringVar(&o.configPath, "config-path", "/etc/gas/config.yaml", "Path to the deployment config.")
	fs.StringVar(&o.cookieSecretFile, "cookie-secret-file", "", "Path to the session cookie signing secret.")
	fs.BoolVar(&o.allowDevLogin, "allow-dev-login", false, "Enable the query-parameter login. Never use outside development.")
	fs.IntVar(&o.metricsPort, "metrics-port", 9090, "Port for prometheus metrics.")
	fs.DurationVar(&o.gracePeriod, "grace-period", 30*time.Second, "On shutdown, serve in-flight requests for the specified duration.")
	fs.Parse(args)
	return o
}

func (o *options) validate() error {
	if o.configPath == "" {
		return fmt.Errorf("--config-path is required")
	}
	if o.cookieSecretFile == "" {
		return fmt.Errorf("--cookie-secret-file is required")
	}
	return nil
}

func main() {
	logrusutil.ComponentInit()

	o := gatherOptions(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:]...)
	if err := o.validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid options")
	}

	secret, err := os.ReadFile(o.cookieSecretFile)
	if err != nil {
		logrus.WithError(err).Fatal("Error reading cookie secret.")
	}
	secret = bytes.TrimSpace(secret)
	if len(secret) == 0 {
		logrus.Fatal("Cookie secret is empty.")
	}

	configAgent := &config.Agent{}
	// The front end reloads on file events so config edits show up without
	// waiting out a polling interval.
	if err := configAgent.StartWatch(o.configPath); err != nil {
		logrus.WithError(err).Fatal("Error starting config agent.")
	}
	cfg := configAgent.Config

	client, err := awsapi.NewClient(cfg().Region, cfg().Profile)
	if err != nil {
		logrus.WithError(err).Fatal("Error creating cloud session.")
	}

	store := jobstore.New(client.Session(), cfg().Store.Table, cfg().Store.UserIndex)
	server := web.NewServer(
		identity.NewSessions(secret),
		identity.NewDirectory(client.Session(), cfg().Accounts.Table),
		store,
		client.S3(),
		messaging.NewTopic(client.Session(), cfg().Topics.Jobs),
		thaw.NewProducer(store, messaging.NewTopic(client.Session(), cfg().Topics.Thaw)),
		cfg,
		o.allowDevLogin,
	)

	defer interrupts.WaitForGracefulShutdown()

	metrics.ExposeMetrics("web", o.metricsPort)

	httpServer := &http.Server{Addr: cfg().Web.Listen, Handler: server.Router()}
	logrus.WithField("listen", cfg().Web.Listen).Info("Serving the annotation front end.")
	interrupts.ListenAndServe(httpServer, o.gracePeriod)
}

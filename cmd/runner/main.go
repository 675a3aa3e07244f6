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

// The runner is the short-lived child the annotator spawns per job: it
// executes the annotation pipeline over the staged input, uploads the
// artifacts, commits the completion and announces it. A non-zero exit means
// the job did not commit and the supervising annotator fails it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/jimzhengzsy/CloudComputing/awsapi"
	"github.com/jimzhengzsy/CloudComputing/config"
	"github.com/jimzhengzsy/CloudComputing/jobstore"
	"github.com/jimzhengzsy/CloudComputing/logrusutil"
	"github.com/jimzhengzsy/CloudComputing/messaging"
	"github.com/jimzhengzsy/CloudComputing/runner"
)

type options struct {
	configPath string

	inputPath string
	jobID     string
	userID    string
}

func gatherOptions(fs *flag.FlagSet, args ...string) options {
	var o options
	fs.StringVar(&o.configPath, "config-path", "/etc/gas/config.yaml", "Path to the deployment config.")
	fs.Parse(args)
	if rest := fs.Args(); len(rest) == 3 {
		o.inputPath, o.jobID, o.userID = rest[0], rest[1], rest[2]
	}
	return o
}

func (o *options) validate() error {
	if o.configPath == "" {
		return fmt.Errorf("--config-path is required")
	}
	if o.inputPath == "" || o.jobID == "" || o.userID == "" {
		return fmt.Errorf("usage: runner [flags] <input-path> <job-id> <user-id>")
	}
	return nil
}

func main() {
	logrusutil.ComponentInit()

	o := gatherOptions(flag.NewFlagSet(os.Args[0], flag.ExitOnError), os.Args[1:]...)
	if err := o.validate(); err != nil {
		logrus.WithError(err).Fatal("Invalid options")
	}

	// One-shot process; load the config once instead of starting an agent.
	c, err := config.Load(o.configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Error loading config.")
	}
	cfg := func() *config.Config { return c }

	client, err := awsapi.NewClient(c.Region, c.Profile)
	if err != nil {
		logrus.WithError(err).Fatal("Error creating cloud session.")
	}

	store := jobstore.New(client.Session(), c.Store.Table, c.Store.UserIndex)
	results := messaging.NewTopic(client.Session(), c.Topics.Results)
	archive := messaging.NewQueue(client.Session(), c.Queues.Archive.URL, int(c.Queues.Archive.WaitSeconds), int(c.Queues.Archive.Batch))

	r := runner.New(store, client.S3(), results, archive, cfg)
	if err := r.Run(context.Background(), o.inputPath, o.jobID, o.userID); err != nil {
		logrus.WithError(err).WithField("job", o.jobID).Fatal("Annotation failed.")
	}
}

/*
 Copyright © 2020 The OpenEBS Authors

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

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/handlers"
	frontrest "github.com/openebs/iscsid/frontend/rest"
	"github.com/openebs/iscsid/initiator"
	"github.com/openebs/iscsid/initiator/rest"
	"github.com/openebs/iscsid/types"
	"github.com/openebs/iscsid/util"
	"github.com/openebs/iscsid/vscsi"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const (
	DefaultListen   = "localhost:9720"
	DefaultStateDir = "/var/lib/iscsid"

	shutdownTimeout = 30 * time.Second
)

// Frontend is a local SCSI device served by the daemon.
type Frontend interface {
	types.Device
	Startup() error
	Shutdown() error
}

var (
	frontends = map[string]func(c *cli.Context) Frontend{
		"rest": func(c *cli.Context) Frontend {
			return frontrest.New(c.String("frontend-listen"), frontrest.DefaultBlockSize)
		},
	}
)

func DaemonCmd() cli.Command {
	return cli.Command{
		Name:  "daemon",
		Usage: "run the initiator and its control API",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "listen",
				Value: DefaultListen,
			},
			cli.StringFlag{
				Name:  "frontend",
				Value: "rest",
			},
			cli.StringFlag{
				Name:  "frontend-listen",
				Value: frontrest.DefaultListen,
			},
			cli.StringFlag{
				Name:   "initiator-name",
				Usage:  "iSCSI qualified name of this initiator",
				EnvVar: "ISCSID_INITIATOR_NAME",
			},
			cli.StringFlag{
				Name:  "state-dir",
				Value: DefaultStateDir,
			},
			cli.IntFlag{
				Name:  "max-outstanding",
				Usage: "commands in flight per connection for sessions that do not set it",
			},
		},
		Action: func(c *cli.Context) {
			if err := startDaemon(c); err != nil {
				logrus.Fatalf("Error running daemon command: %v.", err)
			}
		},
	}
}

func initializeFrontend(c *cli.Context) (Frontend, error) {
	name := c.String("frontend")
	newFrontend, ok := frontends[name]
	if !ok {
		return nil, fmt.Errorf("Failed to find frontend: %s", name)
	}
	return newFrontend(c), nil
}

func initiatorOptions(c *cli.Context) []initiator.Option {
	opts := []initiator.Option{
		initiator.WithNopInterval(util.GetNopInterval()),
	}
	if n := c.Int("max-outstanding"); n > 0 {
		opts = append(opts, initiator.WithMaxOutstanding(n))
	}
	return opts
}

func startDaemon(c *cli.Context) error {
	name := c.String("initiator-name")
	if name == "" {
		return errors.New("initiator name is required")
	}
	stateDir := c.String("state-dir")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return err
	}
	if err := util.RestoreLogging(stateDir); err != nil {
		logrus.Warningf("Failed to restore logging settings: %v", err)
	}

	frontend, err := initializeFrontend(c)
	if err != nil {
		return err
	}

	engine := initiator.New(types.InitiatorConfig{Name: name}, initiatorOptions(c)...)
	bridge := vscsi.New(frontend, engine)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	go bridge.Run(ctx)
	if err := frontend.Startup(); err != nil {
		cancel()
		return err
	}

	server := rest.NewServer(engine, stateDir)
	router := http.Handler(rest.NewRouter(server))
	router = util.AccessLog(os.Stdout, []string{"/v1/sessions", "/metrics"}, router)
	router = handlers.ProxyHeaders(router)

	logrus.Infof("Listening on %s", c.String("listen"))

	addShutdown(func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := engine.Shutdown(sctx); err != nil {
			logrus.Errorf("Failed to log out all sessions: %v", err)
		}
		if err := frontend.Shutdown(); err != nil {
			logrus.Errorf("Failed to stop frontend: %v", err)
		}
		cancel()
	})
	return http.ListenAndServe(c.String("listen"), router)
}

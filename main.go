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

package main

import (
	"os"

	"github.com/openebs/iscsid/app"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

// Version is set at build time.
var Version = "dev"

func main() {
	a := cli.NewApp()
	a.Name = "iscsid"
	a.Usage = "userspace iSCSI initiator"
	a.Version = Version
	a.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	a.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "url",
			Value: "http://" + app.DefaultListen,
			Usage: "control API of the daemon",
		},
		cli.BoolFlag{
			Name: "debug",
		},
	}
	a.Commands = []cli.Command{
		app.DaemonCmd(),
		app.SessionCmd(),
		app.InitiatorCmd(),
		app.JournalCmd(),
		app.LogCmd(),
	}

	if err := a.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

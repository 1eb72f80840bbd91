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
	"errors"
	"fmt"

	"github.com/openebs/iscsid/types"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func InitiatorCmd() cli.Command {
	return cli.Command{
		Name:  "initiator",
		Usage: "show or change the initiator identity",
		Subcommands: []cli.Command{
			{
				Name:      "set",
				ArgsUsage: "NAME",
				Flags: []cli.Flag{
					cli.IntFlag{
						Name:  "isid-qualifier",
						Usage: "low 16 bits of the ISID",
					},
				},
				Action: func(c *cli.Context) {
					if err := setInitiator(c); err != nil {
						logrus.Fatalf("Error running initiator set command: %v", err)
					}
				},
			},
			{
				Name: "show",
				Action: func(c *cli.Context) {
					if err := showInitiator(c); err != nil {
						logrus.Fatalf("Error running initiator show command: %v", err)
					}
				},
			},
		},
	}
}

func setInitiator(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("initiator name is required")
	}
	q := c.Int("isid-qualifier")
	if q < 0 || q > 0xffff {
		return fmt.Errorf("isid qualifier %d out of range", q)
	}
	return getCli(c).SetInitiator(types.InitiatorConfig{
		Name:          c.Args()[0],
		ISIDQualifier: uint16(q),
	})
}

func showInitiator(c *cli.Context) error {
	cfg, err := getCli(c).GetInitiator()
	if err != nil {
		return err
	}
	fmt.Printf("%s isid %02x%06x%04x\n", cfg.Name, cfg.ISIDBase>>24, cfg.ISIDBase&0xffffff, cfg.ISIDQualifier)
	return nil
}

func JournalCmd() cli.Command {
	return cli.Command{
		Name:  "journal",
		Usage: "flush the in-flight task journal to the daemon log",
		Flags: []cli.Flag{
			cli.IntFlag{
				Name:  "limit",
				Value: 100,
			},
		},
		Action: func(c *cli.Context) {
			if err := getCli(c).ListJournal(c.Int("limit")); err != nil {
				logrus.Fatalf("Error running journal command: %v", err)
			}
		},
	}
}

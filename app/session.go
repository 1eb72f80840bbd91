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
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/openebs/iscsid/initiator/client"
	"github.com/openebs/iscsid/types"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func getCli(c *cli.Context) *client.Client {
	cli, err := client.NewClient(c.GlobalString("url"))
	if err != nil {
		logrus.Fatalf("Invalid daemon url: %v", err)
	}
	return cli
}

func SessionCmd() cli.Command {
	return cli.Command{
		Name:  "session",
		Usage: "manage iSCSI sessions",
		Subcommands: []cli.Command{
			AddSessionCmd(),
			LsSessionCmd(),
			RmSessionCmd(),
			LogoutSessionCmd(),
			TargetsCmd(),
		},
	}
}

func AddSessionCmd() cli.Command {
	return cli.Command{
		Name:      "add",
		Usage:     "create a session or update its config",
		ArgsUsage: "NAME",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:  "type",
				Value: "normal",
				Usage: "normal or discovery",
			},
			cli.StringFlag{
				Name: "target-name",
			},
			cli.StringFlag{
				Name:  "target-addr",
				Usage: "host[:port] of the target portal",
			},
			cli.StringFlag{
				Name: "local-addr",
			},
			cli.StringFlag{
				Name:  "header-digest",
				Usage: "None, CRC32C or CRC32C,None",
			},
			cli.StringFlag{
				Name:  "data-digest",
				Usage: "None, CRC32C or CRC32C,None",
			},
			cli.IntFlag{
				Name: "max-connections",
			},
			cli.IntFlag{
				Name: "max-outstanding",
			},
			cli.StringFlag{
				Name:  "max-recv-data-segment-length",
				Usage: "size such as 64k or 64Ki",
			},
			cli.StringFlag{
				Name: "max-burst-length",
			},
			cli.StringFlag{
				Name: "first-burst-length",
			},
			cli.StringFlag{
				Name:  "immediate-data",
				Usage: "yes or no",
			},
			cli.StringFlag{
				Name:  "initial-r2t",
				Usage: "yes or no",
			},
			cli.BoolFlag{
				Name:  "disabled",
				Usage: "keep the session logged out",
			},
		},
		Action: func(c *cli.Context) {
			if err := addSession(c); err != nil {
				logrus.Fatalf("Error running add session command: %v", err)
			}
		},
	}
}

func LsSessionCmd() cli.Command {
	return cli.Command{
		Name:      "ls",
		Aliases:   []string{"list"},
		Action: func(c *cli.Context) {
			if err := lsSession(c); err != nil {
				logrus.Fatalf("Error running ls command: %v", err)
			}
		},
	}
}

func RmSessionCmd() cli.Command {
	return cli.Command{
		Name:      "rm",
		Usage:     "log a session out and remove it",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) {
			if err := rmSession(c); err != nil {
				logrus.Fatalf("Error running rm session command: %v", err)
			}
		},
	}
}

func LogoutSessionCmd() cli.Command {
	return cli.Command{
		Name:      "logout",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) {
			if err := logoutSession(c); err != nil {
				logrus.Fatalf("Error running logout command: %v", err)
			}
		},
	}
}

func TargetsCmd() cli.Command {
	return cli.Command{
		Name:      "targets",
		Usage:     "list the targets found by a discovery session",
		ArgsUsage: "NAME",
		Action: func(c *cli.Context) {
			if err := lsTargets(c); err != nil {
				logrus.Fatalf("Error running targets command: %v", err)
			}
		},
	}
}

func sessionName(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", errors.New("session name is required")
	}
	return c.Args()[0], nil
}

func sessionConfig(c *cli.Context) (types.SessionConfig, error) {
	name, err := sessionName(c)
	if err != nil {
		return types.SessionConfig{}, err
	}
	cfg := types.SessionConfig{
		SessionName:    name,
		TargetName:     c.String("target-name"),
		TargetAddr:     c.String("target-addr"),
		LocalAddr:      c.String("local-addr"),
		HeaderDigest:   types.Digest(c.String("header-digest")),
		DataDigest:     types.Digest(c.String("data-digest")),
		MaxConnections: c.Int("max-connections"),
		MaxOutstanding: c.Int("max-outstanding"),
		Disabled:       c.Bool("disabled"),
	}
	switch strings.ToLower(c.String("type")) {
	case "normal":
		cfg.SessionType = types.SessionNormal
	case "discovery":
		cfg.SessionType = types.SessionDiscovery
	default:
		return cfg, fmt.Errorf("invalid session type %q", c.String("type"))
	}

	sizes := []struct {
		flag string
		dst  *int64
	}{
		{"max-recv-data-segment-length", &cfg.MaxRecvDataSegmentLength},
		{"max-burst-length", &cfg.MaxBurstLength},
		{"first-burst-length", &cfg.FirstBurstLength},
	}
	for _, s := range sizes {
		if *s.dst, err = ParseSize(c.String(s.flag)); err != nil {
			return cfg, fmt.Errorf("invalid %s: %v", s.flag, err)
		}
	}
	if cfg.ImmediateData, err = parseYesNo(c.String("immediate-data")); err != nil {
		return cfg, err
	}
	if cfg.InitialR2T, err = parseYesNo(c.String("initial-r2t")); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func parseYesNo(s string) (*bool, error) {
	var b bool
	switch strings.ToLower(s) {
	case "":
		return nil, nil
	case "yes":
		b = true
	case "no":
	default:
		return nil, fmt.Errorf("expected yes or no, got %q", s)
	}
	return &b, nil
}

func addSession(c *cli.Context) error {
	cfg, err := sessionConfig(c)
	if err != nil {
		return err
	}
	s, err := getCli(c).ApplySession(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s\n", s.Name, stateString(s.State))
	return nil
}

func stateString(state string) string {
	switch {
	case state == "LOGGED_IN":
		return color.GreenString(state)
	case strings.HasPrefix(state, "FAILED"):
		return color.RedString(state)
	}
	return color.YellowString(state)
}

func lsSession(c *cli.Context) error {
	sessions, err := getCli(c).ListSessions()
	if err != nil {
		return err
	}

	format := "%s\t%s\t%s\t%s\t%v\t%s\n"
	tw := tabwriter.NewWriter(os.Stdout, 0, 20, 1, ' ', 0)
	fmt.Fprintf(tw, format, "NAME", "TYPE", "TARGET", "ADDRESS", "CONNS", "STATE")
	for _, s := range sessions {
		target := s.TargetName
		if target == "" {
			target = "-"
		}
		fmt.Fprintf(tw, format, s.Name, s.SessionType, target, s.TargetAddr, len(s.Connections), stateString(s.State))
	}
	return tw.Flush()
}

func rmSession(c *cli.Context) error {
	name, err := sessionName(c)
	if err != nil {
		return err
	}
	return getCli(c).DeleteSession(name)
}

func logoutSession(c *cli.Context) error {
	name, err := sessionName(c)
	if err != nil {
		return err
	}
	return getCli(c).Logout(name)
}

func lsTargets(c *cli.Context) error {
	name, err := sessionName(c)
	if err != nil {
		return err
	}
	s, err := getCli(c).GetSession(name)
	if err != nil {
		return err
	}

	format := "%s\t%s\n"
	tw := tabwriter.NewWriter(os.Stdout, 0, 20, 1, ' ', 0)
	fmt.Fprintf(tw, format, "TARGET", "ADDRESSES")
	for _, t := range s.Targets {
		fmt.Fprintf(tw, format, t.Name, strings.Join(t.Addresses, " "))
	}
	return tw.Flush()
}

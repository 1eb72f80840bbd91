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

package rest

import (
	"fmt"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"github.com/openebs/iscsid/initiator"
	"github.com/openebs/iscsid/types"
	"github.com/openebs/iscsid/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rancher/go-rancher/api"
	"github.com/rancher/go-rancher/client"
)

type Session struct {
	client.Resource
	Name         string                   `json:"name"`
	TargetName   string                   `json:"targetName"`
	TargetAddr   string                   `json:"targetAddr"`
	SessionType  string                   `json:"sessionType"`
	Disabled     bool                     `json:"disabled"`
	State        string                   `json:"state"`
	TSIH         int                      `json:"tsih"`
	TargetNumber int                      `json:"targetNumber"`
	Backlog      int                      `json:"backlog"`
	Connections  []Connection             `json:"connections"`
	Targets      []types.DiscoveredTarget `json:"targets"`
}

type Connection struct {
	CID        int    `json:"cid"`
	State      string `json:"state"`
	LocalAddr  string `json:"localAddr"`
	RemoteAddr string `json:"remoteAddr"`
	InFlight   int    `json:"inFlight"`
	ExpStatSN  int64  `json:"expStatSN"`
}

// SessionInput carries a session config. Sizes take human units such as
// "256k", booleans are "yes", "no" or empty for the default.
type SessionInput struct {
	client.Resource
	SessionName              string `json:"sessionName"`
	TargetName               string `json:"targetName"`
	InitiatorName            string `json:"initiatorName"`
	TargetAddr               string `json:"targetAddr"`
	LocalAddr                string `json:"localAddr"`
	SessionType              string `json:"sessionType"`
	HeaderDigest             string `json:"headerDigest"`
	DataDigest               string `json:"dataDigest"`
	MaxConnections           int    `json:"maxConnections"`
	MaxOutstanding           int    `json:"maxOutstanding"`
	Disabled                 bool   `json:"disabled"`
	MaxRecvDataSegmentLength string `json:"maxRecvDataSegmentLength"`
	MaxBurstLength           string `json:"maxBurstLength"`
	FirstBurstLength         string `json:"firstBurstLength"`
	ImmediateData            string `json:"immediateData"`
	InitialR2T               string `json:"initialR2T"`
}

type Initiator struct {
	client.Resource
	Name          string `json:"name"`
	ISIDBase      int64  `json:"isidBase"`
	ISIDQualifier int    `json:"isidQualifier"`
}

type JournalInput struct {
	client.Resource
	Limit int `json:"limit"`
}

type LoggingInput struct {
	client.Resource
	LogToFile util.FileLogging `json:"logtofile"`
}

func NewSession(context *api.ApiContext, info types.SessionInfo) *Session {
	s := &Session{
		Resource: client.Resource{
			Id:      info.Config.SessionName,
			Type:    "session",
			Actions: map[string]string{},
		},
		Name:         info.Config.SessionName,
		TargetName:   info.Config.TargetName,
		TargetAddr:   info.Config.TargetAddr,
		SessionType:  string(info.Config.SessionType),
		Disabled:     info.Config.Disabled,
		State:        info.State,
		TSIH:         int(info.TSIH),
		TargetNumber: info.TargetNumber,
		Backlog:      info.Backlog,
		Targets:      info.Targets,
	}
	for _, c := range info.Connections {
		s.Connections = append(s.Connections, Connection{
			CID:        int(c.CID),
			State:      c.State,
			LocalAddr:  c.LocalAddr,
			RemoteAddr: c.RemoteAddr,
			InFlight:   c.InFlight,
			ExpStatSN:  int64(c.ExpStatSN),
		})
	}

	s.Actions["logout"] = context.UrlBuilder.ActionLink(s.Resource, "logout")
	return s
}

func NewInitiator(cfg types.InitiatorConfig) *Initiator {
	return &Initiator{
		Resource: client.Resource{
			Id:   "1",
			Type: "initiator",
		},
		Name:          cfg.Name,
		ISIDBase:      int64(cfg.ISIDBase),
		ISIDQualifier: int(cfg.ISIDQualifier),
	}
}

func (i *Initiator) Config() types.InitiatorConfig {
	return types.InitiatorConfig{
		Name:          i.Name,
		ISIDBase:      uint32(i.ISIDBase),
		ISIDQualifier: uint16(i.ISIDQualifier),
	}
}

// NewSessionInput is the inverse of SessionInput.Config.
func NewSessionInput(cfg types.SessionConfig) *SessionInput {
	return &SessionInput{
		SessionName:              cfg.SessionName,
		TargetName:               cfg.TargetName,
		InitiatorName:            cfg.InitiatorName,
		TargetAddr:               cfg.TargetAddr,
		LocalAddr:                cfg.LocalAddr,
		SessionType:              string(cfg.SessionType),
		HeaderDigest:             string(cfg.HeaderDigest),
		DataDigest:               string(cfg.DataDigest),
		MaxConnections:           cfg.MaxConnections,
		MaxOutstanding:           cfg.MaxOutstanding,
		Disabled:                 cfg.Disabled,
		MaxRecvDataSegmentLength: formatSize(cfg.MaxRecvDataSegmentLength),
		MaxBurstLength:           formatSize(cfg.MaxBurstLength),
		FirstBurstLength:         formatSize(cfg.FirstBurstLength),
		ImmediateData:            formatBool(cfg.ImmediateData),
		InitialR2T:               formatBool(cfg.InitialR2T),
	}
}

func (in *SessionInput) Config() (types.SessionConfig, error) {
	cfg := types.SessionConfig{
		SessionName:    in.SessionName,
		TargetName:     in.TargetName,
		InitiatorName:  in.InitiatorName,
		TargetAddr:     in.TargetAddr,
		LocalAddr:      in.LocalAddr,
		SessionType:    types.SessionType(in.SessionType),
		HeaderDigest:   types.Digest(in.HeaderDigest),
		DataDigest:     types.Digest(in.DataDigest),
		MaxConnections: in.MaxConnections,
		MaxOutstanding: in.MaxOutstanding,
		Disabled:       in.Disabled,
	}
	if cfg.SessionType == "" {
		cfg.SessionType = types.SessionNormal
	}
	if !util.ValidSessionName(cfg.SessionName) {
		return cfg, fmt.Errorf("invalid session name %q", cfg.SessionName)
	}

	var err error
	if cfg.MaxRecvDataSegmentLength, err = parseSize(in.MaxRecvDataSegmentLength); err != nil {
		return cfg, err
	}
	if cfg.MaxBurstLength, err = parseSize(in.MaxBurstLength); err != nil {
		return cfg, err
	}
	if cfg.FirstBurstLength, err = parseSize(in.FirstBurstLength); err != nil {
		return cfg, err
	}
	if cfg.ImmediateData, err = parseBool(in.ImmediateData); err != nil {
		return cfg, err
	}
	if cfg.InitialR2T, err = parseBool(in.InitialR2T); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return units.RAMInBytes(s)
}

func formatSize(n int64) string {
	if n == 0 {
		return ""
	}
	return strconv.FormatInt(n, 10)
}

func parseBool(s string) (*bool, error) {
	var b bool
	switch strings.ToLower(s) {
	case "":
		return nil, nil
	case "yes", "true":
		b = true
	case "no", "false":
	default:
		return nil, fmt.Errorf("invalid boolean %q", s)
	}
	return &b, nil
}

func formatBool(b *bool) string {
	switch {
	case b == nil:
		return ""
	case *b:
		return "yes"
	}
	return "no"
}

func NewSchema() *client.Schemas {
	schemas := &client.Schemas{}

	schemas.AddType("error", client.ServerApiError{})
	schemas.AddType("apiVersion", client.Resource{})
	schemas.AddType("schema", client.Schema{})
	schemas.AddType("sessionInput", SessionInput{})
	schemas.AddType("connection", Connection{})
	schemas.AddType("discoveredTarget", types.DiscoveredTarget{})
	schemas.AddType("journalInput", JournalInput{})
	schemas.AddType("loggingInput", LoggingInput{})
	schemas.AddType("initiator", Initiator{})

	session := schemas.AddType("session", Session{})
	session.CollectionMethods = []string{"GET", "POST"}
	session.ResourceMethods = []string{"GET", "DELETE"}
	session.ResourceActions = map[string]client.Action{
		"logout": {},
	}

	return schemas
}

type Server struct {
	i        *initiator.Initiator
	stateDir string

	RequestDuration *prometheus.HistogramVec
	RequestCounter  *prometheus.CounterVec
}

func NewServer(i *initiator.Initiator, stateDir string) *Server {
	return &Server{
		i:               i,
		stateDir:        stateDir,
		RequestDuration: sessionRequestDuration,
		RequestCounter:  sessionRequestCounter,
	}
}

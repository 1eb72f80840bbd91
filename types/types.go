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

package types

import (
	"fmt"
)

const (
	SessionNormal    = SessionType("Normal")
	SessionDiscovery = SessionType("Discovery")

	DigestNone   = Digest("None")
	DigestCRC32C = Digest("CRC32C")
	// DigestAny offers CRC32C and falls back to None.
	DigestAny = Digest("CRC32C,None")

	DefaultPort = 3260
)

type SessionType string

type Digest string

// SessionConfig names a session and describes how to reach its target.
// Applying a config with an unknown SessionName creates the session.
type SessionConfig struct {
	SessionName    string      `json:"sessionName"`
	TargetName     string      `json:"targetName,omitempty"`
	InitiatorName  string      `json:"initiatorName,omitempty"`
	TargetAddr     string      `json:"targetAddr"`
	LocalAddr      string      `json:"localAddr,omitempty"`
	SessionType    SessionType `json:"sessionType"`
	HeaderDigest   Digest      `json:"headerDigest,omitempty"`
	DataDigest     Digest      `json:"dataDigest,omitempty"`
	MaxConnections int         `json:"maxConnections,omitempty"`
	MaxOutstanding int         `json:"maxOutstanding,omitempty"`
	Disabled       bool        `json:"disabled,omitempty"`

	// Negotiation overrides, zero keeps the default.
	MaxRecvDataSegmentLength int64 `json:"maxRecvDataSegmentLength,omitempty"`
	MaxBurstLength           int64 `json:"maxBurstLength,omitempty"`
	FirstBurstLength         int64 `json:"firstBurstLength,omitempty"`
	ImmediateData            *bool `json:"immediateData,omitempty"`
	InitialR2T               *bool `json:"initialR2T,omitempty"`
}

func (c *SessionConfig) Validate() error {
	if c.SessionName == "" {
		return fmt.Errorf("session name is required")
	}
	if c.TargetAddr == "" {
		return fmt.Errorf("target address is required for session %s", c.SessionName)
	}
	switch c.SessionType {
	case SessionNormal:
		if c.TargetName == "" {
			return fmt.Errorf("target name is required for normal session %s", c.SessionName)
		}
	case SessionDiscovery:
	default:
		return fmt.Errorf("invalid session type %q", c.SessionType)
	}
	for _, d := range []Digest{c.HeaderDigest, c.DataDigest} {
		switch d {
		case "", DigestNone, DigestCRC32C, DigestAny:
		default:
			return fmt.Errorf("invalid digest %q", d)
		}
	}
	return nil
}

type InitiatorConfig struct {
	Name          string `json:"name"`
	ISIDBase      uint32 `json:"isidBase"`
	ISIDQualifier uint16 `json:"isidQualifier"`
}

type ConnectionInfo struct {
	CID        uint16 `json:"cid"`
	State      string `json:"state"`
	LocalAddr  string `json:"localAddr,omitempty"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
	InFlight   int    `json:"inFlight"`
	ExpStatSN  uint32 `json:"expStatSN"`
}

type DiscoveredTarget struct {
	Name      string   `json:"name"`
	Addresses []string `json:"addresses"`
}

type SessionInfo struct {
	Config       SessionConfig      `json:"config"`
	State        string             `json:"state"`
	TSIH         uint16             `json:"tsih"`
	TargetNumber int                `json:"targetNumber"`
	Backlog      int                `json:"backlog"`
	Connections  []ConnectionInfo   `json:"connections"`
	Targets      []DiscoveredTarget `json:"targets,omitempty"`
}

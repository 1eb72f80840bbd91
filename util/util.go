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

package util

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
)

var (
	MaximumSessionNameSize = 64
	validName              = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]+$`)
)

const (
	DefaultISCSIPort = 3260

	DefaultRetryDelay  = 5 * time.Second
	DefaultDialTimeout = 15 * time.Second

	// isidTypeRandom marks the ISID as random, the T field set to 10b.
	isidTypeRandom = 0x80
)

// ParseTargetAddress turns a configured or advertised target address into
// host:port. A missing port means 3260 and a trailing ",tpgt" is dropped.
func ParseTargetAddress(address string) (string, error) {
	if i := strings.LastIndex(address, ","); i >= 0 {
		address = address[:i]
	}
	if address == "" {
		return "", fmt.Errorf("empty target address")
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// no port given, maybe a bare or bracketed IPv6 host
		host = strings.TrimSuffix(strings.TrimPrefix(address, "["), "]")
		port = strconv.Itoa(DefaultISCSIPort)
	}
	if host == "" {
		return "", fmt.Errorf("invalid target address %q", address)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", fmt.Errorf("invalid port in target address %q", address)
	}
	return net.JoinHostPort(host, port), nil
}

func ValidSessionName(name string) bool {
	if len(name) > MaximumSessionNameSize {
		return false
	}
	return validName.MatchString(name)
}

// NewISIDBase returns the upper 32 bits of a random ISID: the type byte
// followed by 24 random bits.
func NewISIDBase() uint32 {
	id := uuid.NewV4()
	return uint32(isidTypeRandom)<<24 | binary.BigEndian.Uint32(id[:4])&0xffffff
}

// GetRetryMax gets the number of reconnect attempts from the env, zero
// meaning no limit.
func GetRetryMax() int {
	retries, _ := strconv.ParseInt(os.Getenv("ISCSID_RETRY_MAX"), 10, 32)
	if retries == 0 {
		logrus.Debugf("ISCSID_RETRY_MAX env not set")
	}
	return int(retries)
}

// GetRetryDelay gets the base reconnect delay from the env
func GetRetryDelay() time.Duration {
	delay, _ := strconv.ParseInt(os.Getenv("ISCSID_RETRY_DELAY"), 10, 64)
	if delay == 0 {
		logrus.Debugf("ISCSID_RETRY_DELAY env not set")
		return DefaultRetryDelay
	}
	return time.Duration(delay) * time.Second
}

// GetDialTimeout gets the connect timeout from the env
func GetDialTimeout() time.Duration {
	timeout, _ := strconv.ParseInt(os.Getenv("ISCSID_DIAL_TIMEOUT"), 10, 64)
	if timeout == 0 {
		logrus.Debugf("ISCSID_DIAL_TIMEOUT env not set")
		return DefaultDialTimeout
	}
	return time.Duration(timeout) * time.Second
}

// GetNopInterval gets the NOP-Out ping interval from the env, zero
// disables pings.
func GetNopInterval() time.Duration {
	interval, _ := strconv.ParseInt(os.Getenv("ISCSID_NOP_INTERVAL"), 10, 64)
	return time.Duration(interval) * time.Second
}

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

package initiator

import (
	"fmt"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"github.com/openebs/iscsid/pdu"
	"github.com/openebs/iscsid/types"
	"github.com/sirupsen/logrus"
)

// SessionParams are the session wide operational keys.
type SessionParams struct {
	MaxBurstLength      uint32
	FirstBurstLength    uint32
	MaxOutstandingR2T   uint16
	ErrorRecoveryLevel  uint8
	InitialR2T          bool
	ImmediateData       bool
	MaxConnections      uint16
	DefaultTime2Wait    uint16
	DefaultTime2Retain  uint16
	DataPDUInOrder      bool
	DataSequenceInOrder bool
}

// ConnParams are negotiated per connection.
type ConnParams struct {
	MaxRecvDataSegmentLength uint32
	HeaderDigest             bool
	DataDigest               bool
}

// DefaultSessionParams are the values a key takes when it is never
// negotiated.
func DefaultSessionParams() SessionParams {
	return SessionParams{
		MaxBurstLength:      262144,
		FirstBurstLength:    65536,
		MaxOutstandingR2T:   1,
		ErrorRecoveryLevel:  0,
		InitialR2T:          true,
		ImmediateData:       true,
		MaxConnections:      1,
		DefaultTime2Wait:    2,
		DefaultTime2Retain:  20,
		DataPDUInOrder:      true,
		DataSequenceInOrder: true,
	}
}

func DefaultConnParams() ConnParams {
	return ConnParams{MaxRecvDataSegmentLength: pdu.DefaultMaxDataLength}
}

const ourMaxRecvDataSegmentLength = 65536

// mineFromConfig builds the values we offer for a session.
func mineFromConfig(cfg types.SessionConfig) SessionParams {
	p := DefaultSessionParams()
	if cfg.MaxBurstLength > 0 {
		p.MaxBurstLength = uint32(cfg.MaxBurstLength)
	}
	if cfg.FirstBurstLength > 0 {
		p.FirstBurstLength = uint32(cfg.FirstBurstLength)
	}
	if p.FirstBurstLength > p.MaxBurstLength {
		p.FirstBurstLength = p.MaxBurstLength
	}
	if cfg.ImmediateData != nil {
		p.ImmediateData = *cfg.ImmediateData
	}
	if cfg.InitialR2T != nil {
		p.InitialR2T = *cfg.InitialR2T
	}
	if cfg.MaxConnections > 0 {
		p.MaxConnections = uint16(cfg.MaxConnections)
	}
	return p
}

func connMineFromConfig(cfg types.SessionConfig) ConnParams {
	p := ConnParams{MaxRecvDataSegmentLength: ourMaxRecvDataSegmentLength}
	if cfg.MaxRecvDataSegmentLength > 0 {
		p.MaxRecvDataSegmentLength = uint32(cfg.MaxRecvDataSegmentLength)
	}
	if p.MaxRecvDataSegmentLength > pdu.MaxDataSegmentLength {
		p.MaxRecvDataSegmentLength = pdu.MaxDataSegmentLength
	}
	return p
}

// sessionKeys renders the session wide keys we offer.
func sessionKeys(p SessionParams) []pdu.KeyValue {
	return []pdu.KeyValue{
		{Key: "MaxBurstLength", Value: strconv.FormatUint(uint64(p.MaxBurstLength), 10)},
		{Key: "FirstBurstLength", Value: strconv.FormatUint(uint64(p.FirstBurstLength), 10)},
		{Key: "MaxOutstandingR2T", Value: strconv.FormatUint(uint64(p.MaxOutstandingR2T), 10)},
		{Key: "ErrorRecoveryLevel", Value: strconv.FormatUint(uint64(p.ErrorRecoveryLevel), 10)},
		{Key: "InitialR2T", Value: yesNo(p.InitialR2T)},
		{Key: "ImmediateData", Value: yesNo(p.ImmediateData)},
		{Key: "MaxConnections", Value: strconv.FormatUint(uint64(p.MaxConnections), 10)},
		{Key: "DefaultTime2Wait", Value: strconv.FormatUint(uint64(p.DefaultTime2Wait), 10)},
		{Key: "DefaultTime2Retain", Value: strconv.FormatUint(uint64(p.DefaultTime2Retain), 10)},
		{Key: "DataPDUInOrder", Value: yesNo(p.DataPDUInOrder)},
		{Key: "DataSequenceInOrder", Value: yesNo(p.DataSequenceInOrder)},
	}
}

func connKeys(cfg types.SessionConfig, p ConnParams) []pdu.KeyValue {
	return []pdu.KeyValue{
		{Key: "HeaderDigest", Value: digestOffer(cfg.HeaderDigest)},
		{Key: "DataDigest", Value: digestOffer(cfg.DataDigest)},
		{Key: "MaxRecvDataSegmentLength", Value: strconv.FormatUint(uint64(p.MaxRecvDataSegmentLength), 10)},
	}
}

func digestOffer(d types.Digest) string {
	if d == "" {
		return string(types.DigestNone)
	}
	return string(d)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// negotiationError reports a key the target answered with a value we can
// not accept.
type negotiationError struct {
	key, value string
}

func (e *negotiationError) Error() string {
	return fmt.Sprintf("bad value %q for key %s", e.value, e.key)
}

func parseBool(key, v string) (bool, error) {
	switch v {
	case "Yes":
		return true, nil
	case "No":
		return false, nil
	}
	return false, &negotiationError{key, v}
}

func parseNumber(key, v string, min, max uint64) (uint64, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil || n < min || n > max {
		return 0, &negotiationError{key, v}
	}
	return n, nil
}

func parseDigest(key, v string, offer types.Digest) (bool, error) {
	accepted := false
	for _, d := range strings.Split(digestOffer(offer), ",") {
		if d == v {
			accepted = true
		}
	}
	if !accepted {
		return false, &negotiationError{key, v}
	}
	return v == string(types.DigestCRC32C), nil
}

func ignoredValue(v string) bool {
	return v == "Irrelevant" || v == "NotUnderstood" || v == "Reject"
}

// parseKeys applies the keys a target sent to his session and connection
// parameters. Keys we do not negotiate are logged and skipped.
func parseKeys(kvs []pdu.KeyValue, cfg types.SessionConfig, his *SessionParams, hisConn *ConnParams) error {
	for _, kv := range kvs {
		if ignoredValue(kv.Value) {
			logrus.Debugf("Target answered %v for key %v", kv.Value, kv.Key)
			continue
		}
		var (
			n   uint64
			err error
		)
		switch kv.Key {
		case "MaxBurstLength":
			n, err = parseNumber(kv.Key, kv.Value, pdu.MinDataSegmentLength, pdu.MaxDataSegmentLength)
			his.MaxBurstLength = uint32(n)
		case "FirstBurstLength":
			n, err = parseNumber(kv.Key, kv.Value, pdu.MinDataSegmentLength, pdu.MaxDataSegmentLength)
			his.FirstBurstLength = uint32(n)
		case "MaxOutstandingR2T":
			n, err = parseNumber(kv.Key, kv.Value, 1, 65535)
			his.MaxOutstandingR2T = uint16(n)
		case "ErrorRecoveryLevel":
			n, err = parseNumber(kv.Key, kv.Value, 0, 2)
			his.ErrorRecoveryLevel = uint8(n)
		case "InitialR2T":
			his.InitialR2T, err = parseBool(kv.Key, kv.Value)
		case "ImmediateData":
			his.ImmediateData, err = parseBool(kv.Key, kv.Value)
		case "MaxConnections":
			n, err = parseNumber(kv.Key, kv.Value, 1, 65535)
			his.MaxConnections = uint16(n)
		case "DefaultTime2Wait":
			n, err = parseNumber(kv.Key, kv.Value, 0, 3600)
			his.DefaultTime2Wait = uint16(n)
		case "DefaultTime2Retain":
			n, err = parseNumber(kv.Key, kv.Value, 0, 3600)
			his.DefaultTime2Retain = uint16(n)
		case "DataPDUInOrder":
			his.DataPDUInOrder, err = parseBool(kv.Key, kv.Value)
		case "DataSequenceInOrder":
			his.DataSequenceInOrder, err = parseBool(kv.Key, kv.Value)
		case "MaxRecvDataSegmentLength":
			n, err = parseNumber(kv.Key, kv.Value, pdu.MinDataSegmentLength, pdu.MaxDataSegmentLength)
			hisConn.MaxRecvDataSegmentLength = uint32(n)
		case "HeaderDigest":
			hisConn.HeaderDigest, err = parseDigest(kv.Key, kv.Value, cfg.HeaderDigest)
		case "DataDigest":
			hisConn.DataDigest, err = parseDigest(kv.Key, kv.Value, cfg.DataDigest)
		case "TargetAlias", "TargetPortalGroupTag", "AuthMethod", "TargetAddress":
			logrus.Debugf("Target key %v", kv)
		default:
			logrus.Infof("Ignoring unknown login key %v", kv)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// negotiate combines our offer with the target's answer.
func negotiate(mine, his SessionParams) SessionParams {
	a := SessionParams{
		MaxBurstLength:      minU32(mine.MaxBurstLength, his.MaxBurstLength),
		FirstBurstLength:    minU32(mine.FirstBurstLength, his.FirstBurstLength),
		MaxOutstandingR2T:   minU16(mine.MaxOutstandingR2T, his.MaxOutstandingR2T),
		ErrorRecoveryLevel:  mine.ErrorRecoveryLevel,
		InitialR2T:          mine.InitialR2T || his.InitialR2T,
		ImmediateData:       mine.ImmediateData && his.ImmediateData,
		MaxConnections:      minU16(mine.MaxConnections, his.MaxConnections),
		DefaultTime2Wait:    mine.DefaultTime2Wait,
		DefaultTime2Retain:  minU16(mine.DefaultTime2Retain, his.DefaultTime2Retain),
		DataPDUInOrder:      mine.DataPDUInOrder || his.DataPDUInOrder,
		DataSequenceInOrder: mine.DataSequenceInOrder || his.DataSequenceInOrder,
	}
	if his.ErrorRecoveryLevel < a.ErrorRecoveryLevel {
		a.ErrorRecoveryLevel = his.ErrorRecoveryLevel
	}
	if his.DefaultTime2Wait > a.DefaultTime2Wait {
		a.DefaultTime2Wait = his.DefaultTime2Wait
	}
	if a.FirstBurstLength > a.MaxBurstLength {
		a.FirstBurstLength = a.MaxBurstLength
	}
	return a
}

func (p SessionParams) String() string {
	return fmt.Sprintf("MaxBurstLength=%s FirstBurstLength=%s MaxOutstandingR2T=%d "+
		"InitialR2T=%v ImmediateData=%v MaxConnections=%d Time2Wait=%d Time2Retain=%d",
		units.BytesSize(float64(p.MaxBurstLength)), units.BytesSize(float64(p.FirstBurstLength)),
		p.MaxOutstandingR2T, p.InitialR2T, p.ImmediateData, p.MaxConnections,
		p.DefaultTime2Wait, p.DefaultTime2Retain)
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func minU16(a, b uint16) uint16 {
	if a < b {
		return a
	}
	return b
}

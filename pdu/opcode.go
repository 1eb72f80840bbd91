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

package pdu

import (
	"fmt"

	"github.com/gostor/gotgt/pkg/port/iscsit"
	gotgtutil "github.com/gostor/gotgt/pkg/util"
)

// Opcode takes its values from the gotgt target implementation.
type Opcode iscsit.OpCode

const (
	OpNopOut      = Opcode(iscsit.OpNoopOut)
	OpSCSICmd     = Opcode(iscsit.OpSCSICmd)
	OpTaskMgmtReq = Opcode(iscsit.OpSCSITaskReq)
	OpLoginReq    = Opcode(iscsit.OpLoginReq)
	OpTextReq     = Opcode(iscsit.OpTextReq)
	OpDataOut     = Opcode(iscsit.OpSCSIOut)
	OpLogoutReq   = Opcode(iscsit.OpLogoutReq)
	OpSNACKReq    = Opcode(iscsit.OpSNACKReq)

	OpNopIn        = Opcode(iscsit.OpNoopIn)
	OpSCSIResp     = Opcode(iscsit.OpSCSIResp)
	OpTaskMgmtResp = Opcode(iscsit.OpSCSITaskResp)
	OpLoginResp    = Opcode(iscsit.OpLoginResp)
	OpTextResp     = Opcode(iscsit.OpTextResp)
	OpDataIn       = Opcode(iscsit.OpSCSIIn)
	OpLogoutResp   = Opcode(iscsit.OpLogoutResp)
	OpR2T          = Opcode(iscsit.OpReady)
	OpAsync        = Opcode(iscsit.OpAsync)
	OpReject       = Opcode(iscsit.OpReject)
)

var opcodeNames = map[Opcode]string{
	OpNopOut:       "nop-out",
	OpSCSICmd:      "scsi-cmd",
	OpTaskMgmtReq:  "task-mgmt-req",
	OpLoginReq:     "login-req",
	OpTextReq:      "text-req",
	OpDataOut:      "data-out",
	OpLogoutReq:    "logout-req",
	OpSNACKReq:     "snack-req",
	OpNopIn:        "nop-in",
	OpSCSIResp:     "scsi-resp",
	OpTaskMgmtResp: "task-mgmt-resp",
	OpLoginResp:    "login-resp",
	OpTextResp:     "text-resp",
	OpDataIn:       "data-in",
	OpLogoutResp:   "logout-resp",
	OpR2T:          "r2t",
	OpAsync:        "async",
	OpReject:       "reject",
}

// String names the opcode for logs and metric labels. Opcodes outside
// the table print as hex so the label set stays bounded by the 6 bit
// field.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("opcode(0x%02x)", int(op))
}

// Flag bits of the second header byte.
const (
	FlagFinal    = 0x80
	FlagTransit  = 0x80
	FlagContinue = 0x40

	// SCSI Command
	FlagRead        = 0x40
	FlagWrite       = 0x20
	AttrUntagged    = 0x00
	AttrSimple      = 0x01
	AttrOrdered     = 0x02
	AttrHeadOfQueue = 0x03

	// Data-In and SCSI Response
	FlagAck           = 0x40
	FlagBidiOverflow  = 0x10
	FlagBidiUnderflow = 0x08
	FlagOverflow      = 0x04
	FlagUnderflow     = 0x02
	FlagStatus        = 0x01

	flagCSGMask = 0x0c
	flagNSGMask = 0x03
)

// Stage is a login negotiation stage.
type Stage byte

const (
	StageSecurity    Stage = 0
	StageOperational Stage = 1
	StageFullFeature Stage = 3
)

func (s Stage) String() string {
	switch s {
	case StageSecurity:
		return "security"
	case StageOperational:
		return "operational"
	case StageFullFeature:
		return "full-feature"
	}
	return fmt.Sprintf("stage(%d)", byte(s))
}

const (
	VersionMax = 0x00
	VersionMin = 0x00
)

// Login status classes.
const (
	LoginSuccess      = 0x00
	LoginRedirect     = 0x01
	LoginInitiatorErr = 0x02
	LoginTargetErr    = 0x03
)

type LogoutReason byte

const (
	LogoutCloseSession    LogoutReason = 0
	LogoutCloseConnection LogoutReason = 1
	LogoutRemoveRecovery  LogoutReason = 2
)

func (r LogoutReason) String() string {
	switch r {
	case LogoutCloseSession:
		return "close-session"
	case LogoutCloseConnection:
		return "close-connection"
	case LogoutRemoveRecovery:
		return "remove-for-recovery"
	}
	return fmt.Sprintf("reason(%d)", byte(r))
}

type LogoutResponse byte

const (
	LogoutSuccess       LogoutResponse = 0
	LogoutCIDNotFound   LogoutResponse = 1
	LogoutNoRecovery    LogoutResponse = 2
	LogoutCleanupFailed LogoutResponse = 3
)

func (r LogoutResponse) String() string {
	switch r {
	case LogoutSuccess:
		return "success"
	case LogoutCIDNotFound:
		return "cid not found"
	case LogoutNoRecovery:
		return "recovery not supported"
	case LogoutCleanupFailed:
		return "cleanup failed"
	}
	return fmt.Sprintf("response(%d)", byte(r))
}

type AsyncEvent byte

const (
	AsyncSCSI           AsyncEvent = 0
	AsyncRequestLogout  AsyncEvent = 1
	AsyncDropConnection AsyncEvent = 2
	AsyncDropAll        AsyncEvent = 3
	AsyncRenegotiate    AsyncEvent = 4
	AsyncVendor         AsyncEvent = 255
)

// SCSI status bytes and the service response codes.
const (
	StatusGood           = 0x00
	StatusCheckCondition = 0x02
	StatusBusy           = 0x08

	ResponseCompleted = 0x00
)

// AHS types.
const (
	AHSExtendedCDB = 0x01
	AHSBidiReadLen = 0x02
)

// EncodeLUN packs a flat LUN into the 8 byte header format, using the
// peripheral addressing method for LUNs below 256 and flat space above.
func EncodeLUN(lun uint64) []byte {
	if lun < 256 {
		return gotgtutil.MarshalUint64(lun << 48)
	}
	return gotgtutil.MarshalUint64((0x4000 | lun&0x3fff) << 48)
}

// DecodeLUN returns the LUN number of the first level of an 8 byte LUN.
// Lower levels and the addressing method are lost, so PDUs that echo a
// target's LUN copy the raw bytes with RawLUN and SetRawLUN instead.
func DecodeLUN(b []byte) uint64 {
	return iscsit.ParseUint(b[:2]) & 0x3fff
}

// EncodeISID returns the six ISID bytes of a 48 bit ISID.
func EncodeISID(isid uint64) []byte {
	return gotgtutil.MarshalUint64(isid)[2:]
}

func DecodeISID(b []byte) uint64 {
	return iscsit.ParseUint(b[:6])
}

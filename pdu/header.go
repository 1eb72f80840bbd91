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
	"encoding/binary"
)

// Basic header segment layout. Offsets are shared between request and
// response opcodes where the fields overlap.
const (
	offOpcode     = 0
	offFlags      = 1
	offSpecific2  = 2
	offSpecific3  = 3
	offAHSLength  = 4
	offDataLength = 5
	offLUN        = 8
	offISID       = 8
	offTSIH       = 14
	offITT        = 16
	offTTT        = 20
	offCID        = 20
	offEDTL       = 20
	offCmdSN      = 24
	offStatSN     = 24
	offExpStatSN  = 28
	offExpCmdSN   = 28
	offMaxCmdSN   = 32
	offCDB        = 32
	offDataSN     = 36
	offAsyncEvent = 36
	offLoginClass = 36
	offBufOffset  = 40
	offTime2Wait  = 40
	offTime2Ret   = 42
	offResidual   = 44
	offDesired    = 44

	opcodeMask    = 0x3f
	immediateFlag = 0x40

	// CDBLength is the number of CDB bytes carried in the basic header.
	CDBLength = 16
)

func (p *PDU) u32(off int) uint32 {
	return binary.BigEndian.Uint32(p.Header()[off:])
}

func (p *PDU) setU32(off int, v uint32) {
	binary.BigEndian.PutUint32(p.Header()[off:], v)
}

func (p *PDU) u16(off int) uint16 {
	return binary.BigEndian.Uint16(p.Header()[off:])
}

func (p *PDU) setU16(off int, v uint16) {
	binary.BigEndian.PutUint16(p.Header()[off:], v)
}

func (p *PDU) Opcode() Opcode {
	return Opcode(p.Header()[offOpcode] & opcodeMask)
}

func (p *PDU) SetOpcode(op Opcode) {
	h := p.Header()
	h[offOpcode] = h[offOpcode]&immediateFlag | byte(op)&opcodeMask
}

func (p *PDU) Immediate() bool {
	return p.Header()[offOpcode]&immediateFlag != 0
}

func (p *PDU) SetImmediate(on bool) {
	h := p.Header()
	if on {
		h[offOpcode] |= immediateFlag
	} else {
		h[offOpcode] &^= immediateFlag
	}
}

func (p *PDU) Flags() byte {
	return p.Header()[offFlags]
}

func (p *PDU) SetFlags(f byte) {
	p.Header()[offFlags] = f
}

// Final reports the F bit, which sits at the same place for every opcode.
func (p *PDU) Final() bool {
	return p.Flags()&FlagFinal != 0
}

func (p *PDU) AHSLength() int {
	return int(p.Header()[offAHSLength]) * 4
}

func (p *PDU) DataLength() int {
	h := p.Header()
	return int(h[offDataLength])<<16 | int(h[offDataLength+1])<<8 | int(h[offDataLength+2])
}

func (p *PDU) setDataLength(n int) {
	h := p.Header()
	h[offDataLength] = byte(n >> 16)
	h[offDataLength+1] = byte(n >> 8)
	h[offDataLength+2] = byte(n)
}

func (p *PDU) LUN() uint64 {
	return DecodeLUN(p.Header()[offLUN : offLUN+8])
}

func (p *PDU) SetLUN(lun uint64) {
	copy(p.Header()[offLUN:offLUN+8], EncodeLUN(lun))
}

// RawLUN returns a copy of the 8 LUN bytes as they are on the wire.
func (p *PDU) RawLUN() []byte {
	return append([]byte(nil), p.Header()[offLUN:offLUN+8]...)
}

func (p *PDU) SetRawLUN(b []byte) {
	copy(p.Header()[offLUN:offLUN+8], b)
}

func (p *PDU) ITT() uint32 { return p.u32(offITT) }
func (p *PDU) SetITT(v uint32) { p.setU32(offITT, v) }
func (p *PDU) TTT() uint32 { return p.u32(offTTT) }
func (p *PDU) SetTTT(v uint32) { p.setU32(offTTT, v) }
func (p *PDU) CmdSN() uint32 { return p.u32(offCmdSN) }
func (p *PDU) SetCmdSN(v uint32) { p.setU32(offCmdSN, v) }
func (p *PDU) StatSN() uint32 { return p.u32(offStatSN) }
func (p *PDU) SetStatSN(v uint32) { p.setU32(offStatSN, v) }
func (p *PDU) ExpStatSN() uint32 { return p.u32(offExpStatSN) }
func (p *PDU) SetExpStatSN(v uint32) { p.setU32(offExpStatSN, v) }
func (p *PDU) ExpCmdSN() uint32 { return p.u32(offExpCmdSN) }
func (p *PDU) SetExpCmdSN(v uint32) { p.setU32(offExpCmdSN, v) }
func (p *PDU) MaxCmdSN() uint32 { return p.u32(offMaxCmdSN) }
func (p *PDU) SetMaxCmdSN(v uint32) { p.setU32(offMaxCmdSN, v) }

// DataSN doubles as R2TSN on R2T PDUs.
func (p *PDU) DataSN() uint32 { return p.u32(offDataSN) }
func (p *PDU) SetDataSN(v uint32) { p.setU32(offDataSN, v) }

func (p *PDU) BufferOffset() uint32 { return p.u32(offBufOffset) }
func (p *PDU) SetBufferOffset(v uint32) { p.setU32(offBufOffset, v) }

// ExpectedDataLength is the EDTL field of a SCSI Command.
func (p *PDU) ExpectedDataLength() uint32 { return p.u32(offEDTL) }
func (p *PDU) SetExpectedDataLength(v uint32) { p.setU32(offEDTL, v) }

// DesiredDataLength is the transfer length an R2T asks for.
func (p *PDU) DesiredDataLength() uint32 { return p.u32(offDesired) }
func (p *PDU) SetDesiredDataLength(v uint32) { p.setU32(offDesired, v) }

func (p *PDU) ResidualCount() uint32 { return p.u32(offResidual) }
func (p *PDU) SetResidualCount(v uint32) { p.setU32(offResidual, v) }

// Login fields.

func (p *PDU) ISID() uint64 {
	return DecodeISID(p.Header()[offISID : offISID+6])
}

func (p *PDU) SetISID(isid uint64) {
	copy(p.Header()[offISID:offISID+6], EncodeISID(isid))
}

func (p *PDU) TSIH() uint16 { return p.u16(offTSIH) }
func (p *PDU) SetTSIH(v uint16) { p.setU16(offTSIH, v) }

// CID is carried by login and logout requests.
func (p *PDU) CID() uint16 { return p.u16(offCID) }
func (p *PDU) SetCID(v uint16) { p.setU16(offCID, v) }

func (p *PDU) CurrentStage() Stage {
	return Stage(p.Flags() & flagCSGMask >> 2)
}

func (p *PDU) NextStage() Stage {
	return Stage(p.Flags() & flagNSGMask)
}

// SetLoginStages fills the login flags byte. transit sets the T bit.
func (p *PDU) SetLoginStages(csg, nsg Stage, transit bool) {
	f := p.Flags() &^ (FlagTransit | flagCSGMask | flagNSGMask)
	f |= byte(csg) << 2 & flagCSGMask
	if transit {
		f |= FlagTransit | byte(nsg)&flagNSGMask
	}
	p.SetFlags(f)
}

func (p *PDU) Transit() bool { return p.Flags()&FlagTransit != 0 }
func (p *PDU) Continue() bool { return p.Flags()&FlagContinue != 0 }

func (p *PDU) SetVersion(max, min byte) {
	h := p.Header()
	h[offSpecific2] = max
	h[offSpecific3] = min
}

func (p *PDU) LoginStatus() (class, detail byte) {
	h := p.Header()
	return h[offLoginClass], h[offLoginClass+1]
}

func (p *PDU) SetLoginStatus(class, detail byte) {
	h := p.Header()
	h[offLoginClass] = class
	h[offLoginClass+1] = detail
}

// Logout fields.

func (p *PDU) LogoutReason() LogoutReason {
	return LogoutReason(p.Flags() & 0x7f)
}

func (p *PDU) SetLogoutReason(r LogoutReason) {
	p.SetFlags(FlagFinal | byte(r)&0x7f)
}

func (p *PDU) LogoutResponse() LogoutResponse {
	return LogoutResponse(p.Header()[offSpecific2])
}

func (p *PDU) SetLogoutResponse(r LogoutResponse) {
	p.Header()[offSpecific2] = byte(r)
}

func (p *PDU) Time2Wait() uint16 { return p.u16(offTime2Wait) }
func (p *PDU) Time2Retain() uint16 { return p.u16(offTime2Ret) }

// SCSI fields.

// Response is the iSCSI service response of a SCSI Response PDU.
func (p *PDU) Response() byte {
	return p.Header()[offSpecific2]
}

func (p *PDU) SetResponse(r byte) {
	p.Header()[offSpecific2] = r
}

// Status is the SCSI status byte of a SCSI Response or a status carrying
// Data-In PDU.
func (p *PDU) Status() byte {
	return p.Header()[offSpecific3]
}

func (p *PDU) SetStatus(s byte) {
	p.Header()[offSpecific3] = s
}

// HasStatus reports the S bit of a Data-In PDU.
func (p *PDU) HasStatus() bool {
	return p.Flags()&FlagStatus != 0
}

func (p *PDU) CDB() []byte {
	return p.Header()[offCDB : offCDB+CDBLength]
}

// SetCDB copies the first 16 bytes of cdb into the header and returns the
// remainder, which belongs in an extended CDB AHS.
func (p *PDU) SetCDB(cdb []byte) []byte {
	n := copy(p.Header()[offCDB:offCDB+CDBLength], cdb)
	return cdb[n:]
}

// Reason is the reject reason code of a Reject PDU.
func (p *PDU) Reason() byte {
	return p.Header()[offSpecific2]
}

// Async fields.

func (p *PDU) AsyncEvent() AsyncEvent {
	return AsyncEvent(p.Header()[offAsyncEvent])
}

func (p *PDU) SetAsyncEvent(e AsyncEvent) {
	p.Header()[offAsyncEvent] = byte(e)
}

// AsyncParameters returns Parameter1..3 of an async message.
func (p *PDU) AsyncParameters() (uint16, uint16, uint16) {
	return p.u16(38), p.u16(40), p.u16(42)
}

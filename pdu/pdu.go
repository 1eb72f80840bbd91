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

// Package pdu frames iSCSI protocol data units over a byte stream.
//
// A PDU is made of up to five segments: the 48 byte basic header, the
// additional header segment, the header digest, the data segment and the
// data digest. Segments are owned by the PDU until they are detached or the
// PDU is freed.
package pdu

import (
	"fmt"
)

const (
	HeaderLength = 48
	DigestLength = 4

	// ReservedTag is the ITT used by tag-less immediate pings.
	ReservedTag = uint32(0xffffffff)

	// MinDataSegmentLength and MaxDataSegmentLength bound the lengths a
	// peer may declare for MaxRecvDataSegmentLength and the burst keys.
	MinDataSegmentLength = 512
	// MaxDataSegmentLength is the largest value the 24 bit length field holds.
	MaxDataSegmentLength = 1<<24 - 1
)

type Segment int

const (
	SegHeader Segment = iota
	SegAHS
	SegHeaderDigest
	SegData
	SegDataDigest

	maxSegments
)

func (s Segment) String() string {
	switch s {
	case SegHeader:
		return "header"
	case SegAHS:
		return "ahs"
	case SegHeaderDigest:
		return "header-digest"
	case SegData:
		return "data"
	case SegDataDigest:
		return "data-digest"
	}
	return fmt.Sprintf("segment(%d)", int(s))
}

type PDU struct {
	segs [maxSegments][]byte
}

// New allocates a PDU with a zeroed basic header.
func New() *PDU {
	p := &PDU{}
	p.segs[SegHeader] = make([]byte, HeaderLength)
	return p
}

// Attach hands buf over to the PDU, replacing whatever segment s held.
func (p *PDU) Attach(s Segment, buf []byte) {
	p.segs[s] = buf
	switch s {
	case SegAHS:
		p.Header()[4] = byte(len(buf) / 4)
	case SegData:
		p.setDataLength(len(buf))
	}
}

func (p *PDU) Segment(s Segment) []byte {
	return p.segs[s]
}

// Detach moves segment s out of the PDU. The caller owns the returned buffer.
func (p *PDU) Detach(s Segment) []byte {
	buf := p.segs[s]
	p.segs[s] = nil
	return buf
}

// Free releases every segment attached to the PDU.
func (p *PDU) Free() {
	for i := range p.segs {
		p.segs[i] = nil
	}
}

func (p *PDU) Header() []byte {
	return p.segs[SegHeader]
}

func (p *PDU) AHS() []byte {
	return p.segs[SegAHS]
}

func (p *PDU) Data() []byte {
	return p.segs[SegData]
}

// SetData attaches the data segment and updates the header length field.
func (p *PDU) SetData(buf []byte) {
	p.Attach(SegData, buf)
}

// SetAHS attaches an additional header segment. Its length must be a
// multiple of four bytes.
func (p *PDU) SetAHS(buf []byte) error {
	if len(buf)%4 != 0 {
		return fmt.Errorf("%w: ahs length %d", ErrMalformed, len(buf))
	}
	if len(buf)/4 > 0xff {
		return fmt.Errorf("%w: ahs length %d", ErrTooLarge, len(buf))
	}
	p.Attach(SegAHS, buf)
	return nil
}

// WireLength is the number of bytes the PDU occupies on the wire with the
// given digest settings.
func (p *PDU) WireLength(headerDigest, dataDigest bool) int {
	n := HeaderLength + len(p.segs[SegAHS])
	if headerDigest {
		n += DigestLength
	}
	if l := len(p.segs[SegData]); l > 0 {
		n += pad4(l)
		if dataDigest {
			n += DigestLength
		}
	}
	return n
}

func (p *PDU) String() string {
	return fmt.Sprintf("%v itt=0x%08x flags=0x%02x ahs=%d data=%d",
		p.Opcode(), p.ITT(), p.Flags(), len(p.AHS()), p.DataLength())
}

func pad4(n int) int {
	return (n + 3) &^ 3
}

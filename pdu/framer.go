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
	"errors"
	"fmt"
	"io"
)

var (
	ErrMalformed = errors.New("malformed pdu")
	ErrTooLarge  = errors.New("pdu data segment too large")
	ErrDigest    = errors.New("pdu digest mismatch")
)

const (
	readChunkSize = 64 * 1024

	// DefaultMaxDataLength is the RFC 7143 default MaxRecvDataSegmentLength.
	DefaultMaxDataLength = 8192
)

// Framer reassembles PDUs from a byte stream that arrives in arbitrary
// chunks. Bytes are consumed only once a whole PDU is available.
type Framer struct {
	buf          []byte
	start        int
	headerDigest bool
	dataDigest   bool
	maxData      int
	scratch      []byte
}

func NewFramer() *Framer {
	return &Framer{maxData: DefaultMaxDataLength}
}

// SetDigests switches header and data digest checking for the PDUs that
// follow.
func (f *Framer) SetDigests(header, data bool) {
	f.headerDigest = header
	f.dataDigest = data
}

// SetMaxDataLength sets the largest data segment accepted.
func (f *Framer) SetMaxDataLength(n int) {
	f.maxData = n
}

// Buffered is the number of bytes fed but not yet returned as a PDU.
func (f *Framer) Buffered() int {
	return len(f.buf) - f.start
}

// Feed appends a chunk read from the transport.
func (f *Framer) Feed(chunk []byte) {
	if f.start > 0 && f.start == len(f.buf) {
		f.buf = f.buf[:0]
		f.start = 0
	} else if f.start > cap(f.buf)/2 {
		n := copy(f.buf, f.buf[f.start:])
		f.buf = f.buf[:n]
		f.start = 0
	}
	f.buf = append(f.buf, chunk...)
}

// Next returns the next complete PDU, or nil when more bytes are needed.
// An error means the stream can not be resynchronized.
func (f *Framer) Next() (*PDU, error) {
	avail := f.buf[f.start:]
	if len(avail) < HeaderLength {
		return nil, nil
	}
	hdr := avail[:HeaderLength]
	ahsLen := int(hdr[offAHSLength]) * 4
	dataLen := int(hdr[offDataLength])<<16 | int(hdr[offDataLength+1])<<8 | int(hdr[offDataLength+2])
	if dataLen > f.maxData {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, dataLen, f.maxData)
	}

	total := HeaderLength + ahsLen
	if f.headerDigest {
		total += DigestLength
	}
	if dataLen > 0 {
		total += pad4(dataLen)
		if f.dataDigest {
			total += DigestLength
		}
	}
	if len(avail) < total {
		return nil, nil
	}

	p := &PDU{}
	p.segs[SegHeader] = append([]byte(nil), hdr...)
	off := HeaderLength
	if ahsLen > 0 {
		p.segs[SegAHS] = append([]byte(nil), avail[off:off+ahsLen]...)
		off += ahsLen
	}
	if f.headerDigest {
		if !checkDigest(avail[off:off+DigestLength], p.segs[SegHeader], p.segs[SegAHS]) {
			return nil, fmt.Errorf("%w: header of %v", ErrDigest, p.Opcode())
		}
		p.segs[SegHeaderDigest] = append([]byte(nil), avail[off:off+DigestLength]...)
		off += DigestLength
	}
	if dataLen > 0 {
		padded := pad4(dataLen)
		if f.dataDigest {
			want := avail[off+padded : off+padded+DigestLength]
			if !checkDigest(want, avail[off:off+padded]) {
				return nil, fmt.Errorf("%w: data of %v", ErrDigest, p.Opcode())
			}
			p.segs[SegDataDigest] = append([]byte(nil), want...)
		}
		p.segs[SegData] = append([]byte(nil), avail[off:off+dataLen]...)
	}
	f.start += total
	return p, nil
}

// ReadOnce performs a single read from r and feeds what it got. It returns
// io.EOF once the peer closed the stream.
func (f *Framer) ReadOnce(r io.Reader) (int, error) {
	if f.scratch == nil {
		f.scratch = make([]byte, readChunkSize)
	}
	n, err := r.Read(f.scratch)
	if n > 0 {
		f.Feed(f.scratch[:n])
	}
	return n, err
}

// ReadPDU blocks until a whole PDU was read from r.
func (f *Framer) ReadPDU(r io.Reader) (*PDU, error) {
	for {
		p, err := f.Next()
		if p != nil || err != nil {
			return p, err
		}
		if _, err := f.ReadOnce(r); err != nil {
			return nil, err
		}
	}
}

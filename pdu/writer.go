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
	"io"
	"net"
	"os"
	"sync"
)

var zeroPad [4]byte

// Writer is the outbound PDU queue of a connection. PDUs are rendered to
// wire buffers when they are enqueued, so digest settings apply to what is
// queued after SetDigests. A single flusher drains the queue.
type Writer struct {
	mu           sync.Mutex
	queue        net.Buffers
	queued       int
	partial      bool
	headerDigest bool
	dataDigest   bool

	// owned by the flusher
	cur net.Buffers
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) SetDigests(header, data bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.headerDigest = header
	w.dataDigest = data
}

// Enqueue appends PDUs to the outbound queue.
func (w *Writer) Enqueue(pdus ...*PDU) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range pdus {
		w.queue = append(w.queue, buffers(p, w.headerDigest, w.dataDigest)...)
		w.queued++
	}
}

// Pending reports whether queued PDUs wait to be flushed.
func (w *Writer) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.queued > 0 || w.partial
}

// Flush writes queued PDUs to dst. It returns true once everything queued
// so far is on the wire. Short writes resume where they stopped on the next
// call; a write deadline timeout is not an error and keeps the position.
func (w *Writer) Flush(dst io.Writer) (bool, error) {
	for {
		if len(w.cur) == 0 {
			w.mu.Lock()
			w.cur, w.queue = w.queue, nil
			w.queued = 0
			w.partial = len(w.cur) > 0
			w.mu.Unlock()
			if len(w.cur) == 0 {
				return true, nil
			}
		}
		if _, err := w.cur.WriteTo(dst); err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return false, nil
			}
			return false, err
		}
	}
}

// Encode renders p to a single buffer.
func Encode(p *PDU, headerDigest, dataDigest bool) []byte {
	bufs := buffers(p, headerDigest, dataDigest)
	out := make([]byte, 0, p.WireLength(headerDigest, dataDigest))
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

func buffers(p *PDU, headerDigest, dataDigest bool) net.Buffers {
	bufs := net.Buffers{p.segs[SegHeader]}
	if ahs := p.segs[SegAHS]; len(ahs) > 0 {
		bufs = append(bufs, ahs)
	}
	if headerDigest {
		bufs = append(bufs, digestBytes(Digest(p.segs[SegHeader], p.segs[SegAHS])))
	}
	if data := p.segs[SegData]; len(data) > 0 {
		pad := zeroPad[:pad4(len(data))-len(data)]
		bufs = append(bufs, data)
		if len(pad) > 0 {
			bufs = append(bufs, pad)
		}
		if dataDigest {
			bufs = append(bufs, digestBytes(Digest(data, pad)))
		}
	}
	return bufs
}

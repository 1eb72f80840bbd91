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

// Package iscsitest provides an in-process iSCSI target end for tests of
// the initiator. It speaks just enough of the protocol to log in, answer
// commands and log out.
package iscsitest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/openebs/iscsid/pdu"
)

const Timeout = 5 * time.Second

var ErrTimeout = errors.New("timed out waiting for the initiator")

// Pipe is a dialer handing out in-memory connections. The target end of
// every dialed connection is returned by Accept.
type Pipe struct {
	mu    sync.Mutex
	fail  []error
	addrs []string
	conns chan *Conn
}

func NewPipe() *Pipe {
	return &Pipe{conns: make(chan *Conn, 16)}
}

// FailNext makes the next dial return err.
func (p *Pipe) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = append(p.fail, err)
}

// Addrs lists the remote address of every dial attempt so far.
func (p *Pipe) Addrs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.addrs...)
}

func (p *Pipe) Dial(ctx context.Context, laddr, raddr string) (net.Conn, error) {
	p.mu.Lock()
	p.addrs = append(p.addrs, raddr)
	if len(p.fail) > 0 {
		err := p.fail[0]
		p.fail = p.fail[1:]
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Unlock()
	a, b := net.Pipe()
	p.conns <- NewConn(b)
	return a, nil
}

func (p *Pipe) Accept() (*Conn, error) {
	select {
	case c := <-p.conns:
		return c, nil
	case <-time.After(Timeout):
		return nil, ErrTimeout
	}
}

// Server accepts initiator connections over loopback TCP.
type Server struct {
	ln net.Listener
}

func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln}, nil
}

func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

func (s *Server) Accept() (*Conn, error) {
	if tl, ok := s.ln.(*net.TCPListener); ok {
		if err := tl.SetDeadline(time.Now().Add(Timeout)); err != nil {
			return nil, err
		}
	}
	conn, err := s.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(conn), nil
}

func (s *Server) Close() error {
	return s.ln.Close()
}

// Conn is the target end of one connection.
type Conn struct {
	net.Conn
	framer       *pdu.Framer
	headerDigest bool
	dataDigest   bool

	StatSN   uint32
	ExpCmdSN uint32
	// Window is the number of commands the target admits past ExpCmdSN,
	// 32 when zero.
	Window uint32

	// identity from the first login request
	ISID uint64
	TSIH uint16
	CID  uint16
	seen bool
}

func NewConn(conn net.Conn) *Conn {
	f := pdu.NewFramer()
	f.SetMaxDataLength(pdu.MaxDataSegmentLength)
	return &Conn{Conn: conn, framer: f, StatSN: 100}
}

func (c *Conn) SetDigests(header, data bool) {
	c.headerDigest = header
	c.dataDigest = data
	c.framer.SetDigests(header, data)
}

// Recv reads the next PDU from the initiator.
func (c *Conn) Recv() (*pdu.PDU, error) {
	if err := c.SetReadDeadline(time.Now().Add(Timeout)); err != nil {
		return nil, err
	}
	p, err := c.framer.ReadPDU(c.Conn)
	if err != nil {
		return nil, err
	}
	if p.Opcode() != pdu.OpDataOut {
		switch {
		case !p.Immediate():
			c.ExpCmdSN = p.CmdSN() + 1
		case c.ExpCmdSN == 0:
			c.ExpCmdSN = p.CmdSN()
		}
	}
	return p, nil
}

// Expect reads the next PDU and checks its opcode.
func (c *Conn) Expect(op pdu.Opcode) (*pdu.PDU, error) {
	p, err := c.Recv()
	if err != nil {
		return nil, err
	}
	if p.Opcode() != op {
		return p, fmt.Errorf("got %v, expected %v", p.Opcode(), op)
	}
	return p, nil
}

// Send stamps sequence numbers on p and writes it. Status carrying PDUs
// advance StatSN.
func (c *Conn) Send(p *pdu.PDU) error {
	p.SetStatSN(c.StatSN)
	if advancesStatSN(p) {
		c.StatSN++
	}
	window := c.Window
	if window == 0 {
		window = 32
	}
	p.SetExpCmdSN(c.ExpCmdSN)
	p.SetMaxCmdSN(c.ExpCmdSN + window - 1)
	return c.Write(pdu.Encode(p, c.headerDigest, c.dataDigest))
}

func (c *Conn) Write(b []byte) error {
	if err := c.SetWriteDeadline(time.Now().Add(Timeout)); err != nil {
		return err
	}
	_, err := c.Conn.Write(b)
	return err
}

func advancesStatSN(p *pdu.PDU) bool {
	switch p.Opcode() {
	case pdu.OpR2T:
		return false
	case pdu.OpDataIn:
		return p.HasStatus()
	case pdu.OpNopIn:
		return p.ITT() != pdu.ReservedTag
	}
	return true
}

// LoginOptions shape the target side of a login.
type LoginOptions struct {
	TSIH uint16
	// Digest is answered for both digests when the initiator offers it.
	Digest                   string
	MaxRecvDataSegmentLength int
	// Keys override answers to operational keys, and the declared
	// MaxRecvDataSegmentLength.
	Keys map[string]string
	// Hold answers the operational stage this many times without the
	// transit bit.
	Hold int
	// StatusClass and StatusDetail fail the first login response.
	StatusClass  byte
	StatusDetail byte
	// Extra keys sent with a failed response, such as TargetAddress.
	Extra []pdu.KeyValue
}

// Login plays the target side of a login and returns every key the
// initiator sent, in order.
func (c *Conn) Login(opts LoginOptions) ([]pdu.KeyValue, error) {
	var sent []pdu.KeyValue
	if opts.TSIH == 0 {
		opts.TSIH = 1
	}
	for {
		req, err := c.Expect(pdu.OpLoginReq)
		if err != nil {
			return sent, err
		}
		kvs, err := pdu.DecodeText(req.Data())
		if err != nil {
			return sent, err
		}
		sent = append(sent, kvs...)
		if !c.seen {
			c.seen = true
			c.ISID, c.TSIH, c.CID = req.ISID(), req.TSIH(), req.CID()
		}

		resp := pdu.New()
		resp.SetOpcode(pdu.OpLoginResp)
		resp.SetITT(req.ITT())
		resp.SetISID(req.ISID())
		if opts.StatusClass != 0 {
			resp.SetLoginStatus(opts.StatusClass, opts.StatusDetail)
			resp.SetData(pdu.EncodeText(opts.Extra))
			return sent, c.Send(resp)
		}

		transit := req.Transit()
		var answer []pdu.KeyValue
		if req.CurrentStage() == pdu.StageOperational {
			answer = operationalAnswer(kvs, opts)
			if opts.Hold > 0 {
				opts.Hold--
				transit = false
			}
		} else {
			answer = []pdu.KeyValue{{Key: "TargetPortalGroupTag", Value: "1"}}
		}
		resp.SetLoginStages(req.CurrentStage(), req.NextStage(), transit)
		done := transit && req.NextStage() == pdu.StageFullFeature
		if done {
			resp.SetTSIH(opts.TSIH)
		}
		if len(answer) > 0 {
			resp.SetData(pdu.EncodeText(answer))
		}
		if err := c.Send(resp); err != nil {
			return sent, err
		}
		if done {
			digest := opts.Digest == "CRC32C"
			if v, ok := pdu.Lookup(sent, "HeaderDigest"); ok && digest && v != "None" {
				c.SetDigests(true, true)
			}
			return sent, nil
		}
	}
}

func operationalAnswer(kvs []pdu.KeyValue, opts LoginOptions) []pdu.KeyValue {
	var answer []pdu.KeyValue
	for _, kv := range kvs {
		value := kv.Value
		switch kv.Key {
		case "HeaderDigest", "DataDigest":
			value = "None"
			if opts.Digest != "" {
				value = opts.Digest
			}
		case "MaxRecvDataSegmentLength":
			// declarative, answered with our own limit below
			continue
		}
		if v, ok := opts.Keys[kv.Key]; ok {
			value = v
		}
		answer = append(answer, pdu.KeyValue{Key: kv.Key, Value: value})
	}
	mrdsl := strconv.Itoa(opts.MaxRecvDataSegmentLength)
	if opts.MaxRecvDataSegmentLength == 0 {
		mrdsl = strconv.Itoa(pdu.DefaultMaxDataLength)
	}
	if v, ok := opts.Keys["MaxRecvDataSegmentLength"]; ok {
		mrdsl = v
	}
	return append(answer, pdu.KeyValue{Key: "MaxRecvDataSegmentLength", Value: mrdsl})
}

// Logout reads a logout request and answers it with resp.
func (c *Conn) Logout(resp pdu.LogoutResponse) (*pdu.PDU, error) {
	req, err := c.Expect(pdu.OpLogoutReq)
	if err != nil {
		return req, err
	}
	p := pdu.New()
	p.SetOpcode(pdu.OpLogoutResp)
	p.SetFlags(pdu.FlagFinal)
	p.SetITT(req.ITT())
	p.SetLogoutResponse(resp)
	return req, c.Send(p)
}

// TextResponse answers a text request with keys.
func (c *Conn) TextResponse(req *pdu.PDU, keys []pdu.KeyValue, final bool) error {
	p := pdu.New()
	p.SetOpcode(pdu.OpTextResp)
	if final {
		p.SetFlags(pdu.FlagFinal)
		p.SetTTT(pdu.ReservedTag)
	} else {
		p.SetFlags(pdu.FlagContinue)
		p.SetTTT(0x1234)
	}
	p.SetITT(req.ITT())
	if len(keys) > 0 {
		p.SetData(pdu.EncodeText(keys))
	}
	return c.Send(p)
}

func SCSIResponse(itt uint32, status byte, sense []byte) *pdu.PDU {
	p := pdu.New()
	p.SetOpcode(pdu.OpSCSIResp)
	p.SetFlags(pdu.FlagFinal)
	p.SetITT(itt)
	p.SetResponse(pdu.ResponseCompleted)
	p.SetStatus(status)
	if len(sense) > 0 {
		data := make([]byte, 2+len(sense))
		data[0] = byte(len(sense) >> 8)
		data[1] = byte(len(sense))
		copy(data[2:], sense)
		p.SetData(data)
	}
	return p
}

// DataIn builds a Data-In PDU. With status set it carries the final SCSI
// status.
func DataIn(itt, dataSN, offset uint32, data []byte, status bool) *pdu.PDU {
	p := pdu.New()
	p.SetOpcode(pdu.OpDataIn)
	p.SetITT(itt)
	p.SetTTT(pdu.ReservedTag)
	p.SetDataSN(dataSN)
	p.SetBufferOffset(offset)
	p.SetData(data)
	if status {
		p.SetFlags(pdu.FlagFinal | pdu.FlagStatus)
		p.SetStatus(pdu.StatusGood)
	}
	return p
}

func R2T(itt, ttt, r2tSN, offset, length uint32) *pdu.PDU {
	p := pdu.New()
	p.SetOpcode(pdu.OpR2T)
	p.SetFlags(pdu.FlagFinal)
	p.SetITT(itt)
	p.SetTTT(ttt)
	p.SetDataSN(r2tSN)
	p.SetBufferOffset(offset)
	p.SetDesiredDataLength(length)
	return p
}

func NopIn(ttt uint32) *pdu.PDU {
	p := pdu.New()
	p.SetOpcode(pdu.OpNopIn)
	p.SetFlags(pdu.FlagFinal)
	p.SetITT(pdu.ReservedTag)
	p.SetTTT(ttt)
	return p
}

func Async(event pdu.AsyncEvent, param1 uint16) *pdu.PDU {
	p := pdu.New()
	p.SetOpcode(pdu.OpAsync)
	p.SetFlags(pdu.FlagFinal)
	p.SetITT(pdu.ReservedTag)
	p.SetAsyncEvent(event)
	h := p.Header()
	h[38] = byte(param1 >> 8)
	h[39] = byte(param1)
	return p
}

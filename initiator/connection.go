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
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/armon/circbuf"
	inject "github.com/openebs/iscsid/error-inject"
	"github.com/openebs/iscsid/pdu"
	"github.com/openebs/iscsid/types"
	"github.com/openebs/iscsid/util"
	"github.com/sirupsen/logrus"
)

type ConnState int

const (
	ConnFree ConnState = iota
	ConnXptWait
	ConnInLogin
	ConnLoggedIn
	ConnLogoutReq
	ConnInLogout
	ConnCleanupWait
	ConnInCleanup
)

func (s ConnState) String() string {
	switch s {
	case ConnFree:
		return "FREE"
	case ConnXptWait:
		return "XPT_WAIT"
	case ConnInLogin:
		return "IN_LOGIN"
	case ConnLoggedIn:
		return "LOGGED_IN"
	case ConnLogoutReq:
		return "LOGOUT_REQ"
	case ConnInLogout:
		return "IN_LOGOUT"
	case ConnCleanupWait:
		return "CLEANUP_WAIT"
	case ConnInCleanup:
		return "IN_CLEANUP"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// running connections carry full feature phase traffic.
func (s ConnState) running() bool {
	return s == ConnLoggedIn || s == ConnLogoutReq
}

func (s ConnState) cleaning() bool {
	return s == ConnCleanupWait || s == ConnInCleanup
}

type ConnEvent int

const (
	ConnEvConnect ConnEvent = iota
	ConnEvConnected
	ConnEvLoggedIn
	ConnEvDiscovery
	ConnEvLogout
	ConnEvLoggedOut
	ConnEvReqLogout
	ConnEvClose
	ConnEvCleaningUp
	ConnEvFail
	ConnEvFree
)

var connEventNames = []string{
	"CONNECT", "CONNECTED", "LOGGED_IN", "DISCOVERY", "LOGOUT", "LOGGED_OUT",
	"REQ_LOGOUT", "CLOSE", "CLEANING_UP", "FAIL", "FREE",
}

func (e ConnEvent) String() string {
	if int(e) < len(connEventNames) {
		return connEventNames[e]
	}
	return fmt.Sprintf("ConnEvent(%d)", int(e))
}

const (
	readChunkSize = 64 * 1024
	traceSize     = 4096
	writeTimeout  = 5 * time.Second
)

var errDropped = errors.New("connection dropped by fault injection")

// Connection is one TCP connection of a session. It never reconnects on
// its own; the session decides.
type Connection struct {
	session *Session
	cid     uint16
	state   ConnState
	err     error

	sock   net.Conn
	cancel context.CancelFunc
	quit   chan struct{}
	kick   chan struct{}
	framer *pdu.Framer
	writer *pdu.Writer
	trace  *circbuf.Buffer

	tasks       map[uint32]*Task
	expStatSN   uint32
	statSNValid bool

	leading    bool
	mine, his  ConnParams
	hisSession SessionParams
	login      loginState

	logoutReason   pdu.LogoutReason
	logoutAttempts int

	nop         *time.Timer
	pingPending bool

	localAddr, remoteAddr string
}

func newConnection(s *Session, cid uint16) *Connection {
	trace, _ := circbuf.NewBuffer(traceSize)
	return &Connection{
		session: s,
		cid:     cid,
		state:   ConnFree,
		framer:  pdu.NewFramer(),
		writer:  pdu.NewWriter(),
		kick:    make(chan struct{}, 1),
		trace:   trace,
		tasks:   map[uint32]*Task{},
		mine:    connMineFromConfig(s.config),
		his:     DefaultConnParams(),
	}
}

func (c *Connection) String() string {
	return fmt.Sprintf("%v/%d", c.session, c.cid)
}

func (c *Connection) CID() uint16 {
	return c.cid
}

func (c *Connection) State() ConnState {
	return c.state
}

func (c *Connection) Session() *Session {
	return c.session
}

// HisMaxRecvDataSegmentLength is the largest data segment the target
// accepts on this connection.
func (c *Connection) HisMaxRecvDataSegmentLength() uint32 {
	return c.his.MaxRecvDataSegmentLength
}

func (c *Connection) ExpStatSN() uint32 {
	return c.expStatSN
}

func (c *Connection) inFlight() int {
	n := 0
	for _, t := range c.tasks {
		if t.kind != TaskNop {
			n++
		}
	}
	return n
}

func (c *Connection) Info() types.ConnectionInfo {
	return types.ConnectionInfo{
		CID:        c.cid,
		State:      c.state.String(),
		LocalAddr:  c.localAddr,
		RemoteAddr: c.remoteAddr,
		InFlight:   c.inFlight(),
		ExpStatSN:  c.expStatSN,
	}
}

func (c *Connection) setState(state ConnState) {
	logrus.Debugf("Connection %v: %v -> %v", c, c.state, state)
	c.state = state
}

func (c *Connection) fsm(ev ConnEvent) {
	s := c.session
	logrus.Debugf("Connection %v: event %v in state %v", c, ev, c.state)
	switch ev {
	case ConnEvConnect:
		if c.state != ConnFree {
			break
		}
		c.setState(ConnXptWait)
		c.connect()
		return
	case ConnEvConnected:
		if c.state != ConnXptWait {
			break
		}
		if err := tuneSocket(c.sock); err != nil {
			c.err = err
			c.fsm(ConnEvFail)
			return
		}
		c.startIO()
		c.setState(ConnInLogin)
		c.startLogin()
		return
	case ConnEvLoggedIn, ConnEvDiscovery:
		if c.state != ConnInLogin {
			break
		}
		c.framer.SetDigests(c.his.HeaderDigest, c.his.DataDigest)
		c.writer.SetDigests(c.his.HeaderDigest, c.his.DataDigest)
		c.framer.SetMaxDataLength(int(c.mine.MaxRecvDataSegmentLength))
		c.setState(ConnLoggedIn)
		c.startPing()
		s.raise(SessConnLoggedIn, c)
		return
	case ConnEvLogout:
		if !c.state.running() {
			break
		}
		c.setState(ConnInLogout)
		c.logout()
		return
	case ConnEvReqLogout:
		if c.state != ConnLoggedIn {
			break
		}
		c.setState(ConnLogoutReq)
		c.logoutReason = pdu.LogoutCloseConnection
		c.fsm(ConnEvLogout)
		return
	case ConnEvLoggedOut:
		if c.state != ConnInLogout {
			break
		}
		c.drop()
		return
	case ConnEvClose:
		switch c.state {
		case ConnLoggedIn:
			c.logoutReason = pdu.LogoutCloseConnection
			c.fsm(ConnEvLogout)
		case ConnXptWait, ConnInLogin:
			c.drop()
		}
		return
	case ConnEvFail:
		if c.state == ConnFree || c.state.cleaning() {
			return
		}
		logrus.Errorf("Connection %v failed in state %v: %v", c, c.state, c.err)
		c.closeSocket()
		c.setState(ConnCleanupWait)
		s.raise(SessConnFail, c)
		return
	case ConnEvCleaningUp:
		if c.state != ConnCleanupWait {
			break
		}
		c.setState(ConnInCleanup)
		c.failTasks()
		return
	case ConnEvFree:
		if !c.state.cleaning() {
			break
		}
		c.drop()
		return
	}
	logrus.Warningf("Connection %v: unhandled event %v in state %v", c, ev, c.state)
}

// drop releases the connection and tells the session it is gone.
func (c *Connection) drop() {
	c.teardown()
	c.setState(ConnFree)
	c.session.raise(SessConnClosed, c)
}

func (c *Connection) connect() {
	s := c.session
	raddr, err := util.ParseTargetAddress(s.targetAddr())
	if err != nil {
		c.err = err
		s.init.later(func() { c.fsm(ConnEvFail) })
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	dial := s.init.dial
	laddr := s.config.LocalAddr
	logrus.Infof("Connection %v: connecting to %v", c, raddr)
	go func() {
		inject.AddConnectDelay()
		sock, err := dial(ctx, laddr, raddr)
		s.init.Post(func() {
			if c.state != ConnXptWait || ctx.Err() != nil {
				if sock != nil {
					sock.Close()
				}
				return
			}
			if err != nil {
				c.err = err
				c.fsm(ConnEvFail)
				return
			}
			c.sock = sock
			c.localAddr = sock.LocalAddr().String()
			c.remoteAddr = sock.RemoteAddr().String()
			c.fsm(ConnEvConnected)
		})
	}()
}

func (c *Connection) startIO() {
	c.quit = make(chan struct{})
	go c.read(c.sock)
	go c.write(c.sock, c.quit)
}

func (c *Connection) read(sock net.Conn) {
	post := c.session.init.Post
	for {
		buf := make([]byte, readChunkSize)
		n, err := sock.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			post(func() {
				if c.sock == sock {
					c.receive(chunk)
				}
			})
		}
		if err == nil && inject.DropConnection() {
			err = errDropped
		}
		if err != nil {
			post(func() {
				if c.sock == sock {
					c.err = err
					c.fsm(ConnEvFail)
				}
			})
			logrus.Infof("Exiting reader of %v: %v", sock.RemoteAddr(), err)
			return
		}
	}
}

func (c *Connection) write(sock net.Conn, quit chan struct{}) {
	for {
		select {
		case <-quit:
			return
		case <-c.kick:
		}
		inject.AddWriteDelay()
		for {
			if err := sock.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				logrus.Debugf("Failed to set write deadline: %v", err)
			}
			done, err := c.writer.Flush(sock)
			if err != nil {
				c.session.init.Post(func() {
					if c.sock == sock {
						c.err = err
						c.fsm(ConnEvFail)
					}
				})
				logrus.Errorf("Error writing to %v: %v", sock.RemoteAddr(), err)
				return
			}
			if done {
				break
			}
			select {
			case <-quit:
				return
			default:
			}
		}
	}
}

func (c *Connection) kickWriter() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Connection) closeSocket() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.nop != nil {
		c.nop.Stop()
		c.nop = nil
	}
	if c.quit != nil {
		close(c.quit)
		c.quit = nil
	}
	if c.sock != nil {
		if err := c.sock.Close(); err != nil {
			logrus.Debugf("Connection %v: close: %v", c, err)
		}
		c.sock = nil
	}
}

// teardown closes the transport and fails every task still bound to the
// connection.
func (c *Connection) teardown() {
	c.closeSocket()
	c.failTasks()
}

func (c *Connection) failTasks() {
	if len(c.tasks) == 0 {
		return
	}
	tasks := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		tasks = append(tasks, t)
	}
	logrus.Warningf("Connection %v: failing %d tasks", c, len(tasks))
	for _, t := range tasks {
		t.fail()
	}
}

// issue hands a task to this connection and queues its PDUs.
func (c *Connection) issue(t *Task) {
	t.pending = false
	t.start(c)
	if t.callback != nil && t.itt != pdu.ReservedTag {
		c.tasks[t.itt] = t
	}
	pdus := t.pdus
	t.pdus = nil
	c.Send(pdus...)
	if t.callback == nil {
		t.finish(true)
	}
}

// Send queues PDUs that belong to a task already running on this
// connection, such as Data-Out.
func (c *Connection) Send(pdus ...*pdu.PDU) {
	s := c.session
	for _, p := range pdus {
		if p.Opcode() != pdu.OpDataOut {
			p.SetCmdSN(s.cmdSN)
			if !p.Immediate() {
				s.cmdSN++
			}
		}
		p.SetExpStatSN(c.expStatSN)
		pdusTotal.WithLabelValues("out", p.Opcode().String()).Inc()
	}
	if c.sock == nil {
		logrus.Warningf("Connection %v: dropping %d pdus, no transport", c, len(pdus))
		return
	}
	c.writer.Enqueue(pdus...)
	c.kickWriter()
}

func (c *Connection) receive(chunk []byte) {
	if _, err := c.trace.Write(chunk); err != nil {
		logrus.Debugf("Connection %v: trace: %v", c, err)
	}
	c.framer.Feed(chunk)
	for c.sock != nil {
		p, err := c.framer.Next()
		if err != nil {
			c.protocolError(err)
			return
		}
		if p == nil {
			return
		}
		c.dispatch(p)
	}
}

func (c *Connection) protocolError(err error) {
	logrus.Errorf("Connection %v: protocol error: %v", c, err)
	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		logrus.Debugf("Last bytes received on %v:\n%s", c, hex.Dump(c.trace.Bytes()))
	}
	c.err = err
	c.fsm(ConnEvFail)
}

func (c *Connection) dispatch(p *pdu.PDU) {
	pdusTotal.WithLabelValues("in", p.Opcode().String()).Inc()
	c.updateStatSN(p)
	c.session.updateWindow(p)

	// any of these may have opened the command window
	defer c.session.schedule()

	switch p.Opcode() {
	case pdu.OpNopIn:
		if p.ITT() == pdu.ReservedTag {
			c.nopIn(p)
			return
		}
	case pdu.OpAsync:
		c.asyncMessage(p)
		return
	case pdu.OpReject:
		c.reject(p)
		return
	}

	t, ok := c.tasks[p.ITT()]
	if !ok {
		logrus.Warningf("Connection %v: %v for unknown task 0x%08x", c, p.Opcode(), p.ITT())
		p.Free()
		return
	}
	t.callback(c, p)
}

// Fail drops the connection with a protocol error, failing its tasks
// back to their owners.
func (c *Connection) Fail(err error) {
	c.protocolError(err)
}

// updateStatSN advances ExpStatSN for PDUs that carry a valid StatSN.
func (c *Connection) updateStatSN(p *pdu.PDU) {
	switch p.Opcode() {
	case pdu.OpR2T:
		return
	case pdu.OpDataIn:
		if !p.HasStatus() {
			return
		}
	case pdu.OpNopIn:
		if p.ITT() == pdu.ReservedTag {
			return
		}
	}
	sn := p.StatSN()
	if c.statSNValid && serialLess(sn, c.expStatSN) {
		logrus.Debugf("Connection %v: stale StatSN %d, expecting %d", c, sn, c.expStatSN)
		return
	}
	c.expStatSN = sn + 1
	c.statSNValid = true
}

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
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/openebs/iscsid/pdu"
	"github.com/openebs/iscsid/types"
	"github.com/sirupsen/logrus"
)

type SessionState int

const (
	SessInit SessionState = iota
	SessFree
	SessLoggedIn
	SessFailed
	SessDown
)

func (s SessionState) String() string {
	switch s {
	case SessInit:
		return "INIT"
	case SessFree:
		return "FREE"
	case SessLoggedIn:
		return "LOGGED_IN"
	case SessFailed:
		return "FAILED"
	case SessDown:
		return "DOWN"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

func (s SessionState) running() bool {
	return s == SessFree || s == SessLoggedIn || s == SessFailed
}

type SessionEvent int

const (
	SessStart SessionEvent = iota
	SessStop
	SessConnLoggedIn
	SessConnFail
	SessConnClosed
	SessClosed
)

func (e SessionEvent) String() string {
	switch e {
	case SessStart:
		return "START"
	case SessStop:
		return "STOP"
	case SessConnLoggedIn:
		return "CONN_LOGGED_IN"
	case SessConnFail:
		return "CONN_FAIL"
	case SessConnClosed:
		return "CONN_CLOSED"
	case SessClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("SessionEvent(%d)", int(e))
}

const defaultMaxOutstanding = 1

var errTargetLogout = errors.New("target asked for logout")

// Session is one iSCSI session to a target, made of one or more
// connections. Only the event loop touches it.
type Session struct {
	init   *Initiator
	config types.SessionConfig

	mine, his, active SessionParams

	isid   uint64
	tsih   uint16
	target int

	cmdSN    uint32
	expCmdSN uint32
	maxCmdSN uint32
	window   bool
	itt      uint32

	conns   []*Connection
	tasks   map[uint32]*Task
	backlog []*Task

	state    SessionState
	stopping bool
	gaveUp   bool
	attempts int
	retry    *time.Timer
	redirect string
	lastErr  error

	// config to restart with once this session is down
	pending *types.SessionConfig
}

func newSession(i *Initiator, cfg types.SessionConfig, target int) *Session {
	s := &Session{
		init:   i,
		config: cfg,
		mine:   mineFromConfig(cfg),
		his:    DefaultSessionParams(),
		active: DefaultSessionParams(),
		target: target,
		isid:   uint64(i.config.ISIDBase)<<16 | uint64(i.config.ISIDQualifier+uint16(target)),
		tasks:  map[uint32]*Task{},
		cmdSN:  1,
		itt:    rand.Uint32(),
		state:  SessInit,
	}
	sessionStates.WithLabelValues(s.state.String()).Inc()
	return s
}

func (s *Session) String() string {
	return s.config.SessionName
}

func (s *Session) Config() types.SessionConfig {
	return s.config
}

func (s *Session) State() SessionState {
	return s.state
}

func (s *Session) Target() int {
	return s.target
}

func (s *Session) Active() SessionParams {
	return s.active
}

// Accepting reports whether new commands can still be queued.
func (s *Session) Accepting() bool {
	return s.state.running() && !s.stopping && !s.gaveUp &&
		s.config.SessionType == types.SessionNormal
}

func (s *Session) maxOutstanding() int {
	if s.config.MaxOutstanding > 0 {
		return s.config.MaxOutstanding
	}
	if n := s.init.defaultMaxOutstanding; n > 0 {
		return n
	}
	return defaultMaxOutstanding
}

func (s *Session) targetAddr() string {
	if s.redirect != "" {
		return s.redirect
	}
	return s.config.TargetAddr
}

func (s *Session) setState(state SessionState) {
	if s.state == state {
		return
	}
	logrus.Debugf("Session %v: %v -> %v", s, s.state, state)
	sessionStates.WithLabelValues(s.state.String()).Dec()
	sessionStates.WithLabelValues(state.String()).Inc()
	s.state = state
}

// raise queues a session event. It runs after the current handler returned,
// never on the caller's stack.
func (s *Session) raise(ev SessionEvent, c *Connection) {
	s.init.later(func() { s.fsm(ev, c) })
}

func (s *Session) fsm(ev SessionEvent, c *Connection) {
	logrus.Debugf("Session %v: event %v in state %v", s, ev, s.state)
	switch ev {
	case SessStart:
		s.doStart()
	case SessStop:
		s.doStop()
	case SessConnLoggedIn:
		s.doConnLoggedIn(c)
	case SessConnFail:
		s.doConnFail(c)
	case SessConnClosed:
		s.doConnClosed(c)
	case SessClosed:
		s.doClosed()
	}
}

func (s *Session) doStart() {
	switch s.state {
	case SessInit, SessFree, SessFailed:
	default:
		logrus.Debugf("Session %v: ignoring START in state %v", s, s.state)
		return
	}
	if s.stopping || s.config.Disabled {
		return
	}
	s.retry = nil
	if s.state == SessInit {
		s.setState(SessFree)
	}
	s.gaveUp = false
	s.openConnection()
}

func (s *Session) openConnection() {
	c := newConnection(s, s.newCID())
	s.conns = append(s.conns, c)
	c.fsm(ConnEvConnect)
}

func (s *Session) newCID() uint16 {
	for {
		cid := uint16(rand.Intn(1 << 16))
		if s.connection(cid) == nil {
			return cid
		}
	}
}

func (s *Session) connection(cid uint16) *Connection {
	for _, c := range s.conns {
		if c.cid == cid {
			return c
		}
	}
	return nil
}

// loggedIn reports whether any connection carries full feature phase.
func (s *Session) loggedIn() bool {
	for _, c := range s.conns {
		if c.state == ConnLoggedIn {
			return true
		}
	}
	return false
}

func (s *Session) doConnLoggedIn(c *Connection) {
	switch s.state {
	case SessFree, SessLoggedIn, SessFailed:
	default:
		return
	}
	was := s.state
	s.attempts = 0
	s.lastErr = nil
	s.setState(SessLoggedIn)

	switch s.config.SessionType {
	case types.SessionDiscovery:
		c.discover()
	default:
		if was != SessLoggedIn && s.init.bridge != nil {
			s.init.bridge.Probe(s.target)
		}
		want := int(minU16(s.mine.MaxConnections, s.active.MaxConnections))
		if len(s.conns) < want && !s.stopping {
			logrus.Infof("Session %v: opening connection %d of %d", s, len(s.conns)+1, want)
			s.openConnection()
		}
	}
	s.schedule()
}

func (s *Session) recompute() {
	state := SessFree
	for _, c := range s.conns {
		if c.state.cleaning() {
			state = SessFailed
		} else if c.state.running() && state != SessFailed {
			state = SessLoggedIn
		}
	}
	if state == SessFree && s.gaveUp {
		state = SessFailed
	}
	s.setState(state)
}

func (s *Session) doConnFail(c *Connection) {
	if !s.state.running() {
		return
	}
	connectionFailures.Inc()
	if c.err != nil {
		s.lastErr = c.err
	}
	c.fsm(ConnEvCleaningUp)
	s.recompute()

	if !s.stopping && !s.loggedIn() && !s.hasPendingConnection() {
		s.decide()
	}
	s.init.later(func() { c.fsm(ConnEvFree) })
}

func (s *Session) hasPendingConnection() bool {
	for _, c := range s.conns {
		if c.state == ConnXptWait || c.state == ConnInLogin {
			return true
		}
	}
	return false
}

// decide asks the policy what to do about a session without usable
// connections.
func (s *Session) decide() {
	if s.config.SessionType == types.SessionDiscovery {
		logrus.Errorf("Discovery session %v failed: %v", s, s.lastErr)
		s.raise(SessStop, nil)
		return
	}
	s.attempts++
	retry, delay := s.init.policy.Failed(s, s.attempts, s.lastErr)
	if !retry {
		logrus.Errorf("Session %v: giving up after %d attempts: %v", s, s.attempts, s.lastErr)
		s.gaveUp = true
		s.setState(SessFailed)
		s.failBacklog()
		return
	}
	logrus.Warningf("Session %v: reconnecting in %v (attempt %d): %v", s, delay, s.attempts, s.lastErr)
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = s.init.after(delay, func() {
		if s.state == SessDown {
			return
		}
		s.fsm(SessStart, nil)
	})
}

func (s *Session) doConnClosed(c *Connection) {
	if !s.state.running() {
		return
	}
	if c.state != ConnFree {
		logrus.Errorf("Session %v: connection %v closed in state %v", s, c, c.state)
		return
	}
	for n, o := range s.conns {
		if o == c {
			s.conns = append(s.conns[:n], s.conns[n+1:]...)
			break
		}
	}
	s.recompute()
	if s.stopping {
		if len(s.conns) == 0 {
			s.raise(SessClosed, nil)
		}
		return
	}
	if len(s.conns) == 0 && s.retry == nil && !s.gaveUp {
		// logged out at the target's request
		s.lastErr = errTargetLogout
		s.decide()
		return
	}
	s.schedule()
}

func (s *Session) doStop() {
	if !s.state.running() && s.state != SessInit {
		return
	}
	s.stopping = true
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if len(s.conns) == 0 {
		s.raise(SessClosed, nil)
		return
	}
	reason := pdu.LogoutCloseSession
	for _, c := range s.conns {
		if c.state.running() {
			c.logoutReason = reason
			c.fsm(ConnEvLogout)
			// one close-session logout ends them all
			reason = pdu.LogoutCloseConnection
		} else {
			c.fsm(ConnEvClose)
		}
	}
}

func (s *Session) doClosed() {
	if s.state == SessDown {
		return
	}
	for _, c := range s.conns {
		c.teardown()
	}
	s.conns = nil
	s.failBacklog()
	for _, t := range s.tasks {
		t.fail()
	}
	if s.retry != nil {
		s.retry.Stop()
	}
	s.setState(SessDown)
	sessionStates.WithLabelValues(SessDown.String()).Dec()
	if s.config.SessionType == types.SessionNormal && s.init.bridge != nil {
		s.init.bridge.Detach(s.target)
	}
	s.init.removeSession(s)
	logrus.Infof("Session %v is down", s)

	if s.pending != nil && !s.init.shutdown {
		cfg := *s.pending
		s.pending = nil
		ns := s.init.newSession(cfg)
		ns.raise(SessStart, nil)
	}
}

// Submit queues a task and hands it to a connection when one is free.
func (s *Session) Submit(t *Task) {
	t.pending = true
	s.backlog = append(s.backlog, t)
	s.schedule()
}

func (s *Session) failBacklog() {
	backlog := s.backlog
	s.backlog = nil
	for _, t := range backlog {
		t.fail()
	}
}

// schedule moves backlog tasks onto logged in connections with room.
func (s *Session) schedule() {
	for len(s.backlog) > 0 {
		if s.window && serialLess(s.maxCmdSN, s.cmdSN) {
			logrus.Debugf("Session %v: command window closed at %d", s, s.maxCmdSN)
			return
		}
		c := s.pickConnection()
		if c == nil {
			return
		}
		t := s.backlog[0]
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]
		c.issue(t)
	}
}

func (s *Session) pickConnection() *Connection {
	max := s.maxOutstanding()
	for _, c := range s.conns {
		if c.state == ConnLoggedIn && c.inFlight() < max {
			return c
		}
	}
	return nil
}

// NewTask binds a task of the given kind to the session and assigns an
// ITT not in use by any outstanding task.
func (s *Session) NewTask(kind TaskKind) *Task {
	t := &Task{session: s, kind: kind, itt: s.nextITT()}
	s.tasks[t.itt] = t
	return t
}

// newUntaggedTask creates a task for tag-less immediate PDUs.
func (s *Session) newUntaggedTask(kind TaskKind) *Task {
	return &Task{session: s, kind: kind, itt: pdu.ReservedTag}
}

func (s *Session) nextITT() uint32 {
	for {
		s.itt++
		if s.itt == pdu.ReservedTag {
			continue
		}
		if _, used := s.tasks[s.itt]; !used {
			return s.itt
		}
	}
}

func (s *Session) forget(t *Task) {
	if s.tasks[t.itt] == t {
		delete(s.tasks, t.itt)
	}
	for n, b := range s.backlog {
		if b == t {
			s.backlog = append(s.backlog[:n], s.backlog[n+1:]...)
			break
		}
	}
}

// updateWindow records ExpCmdSN and MaxCmdSN from a target response.
func (s *Session) updateWindow(p *pdu.PDU) {
	exp, max := p.ExpCmdSN(), p.MaxCmdSN()
	if serialLess(max, exp-1) {
		// MaxCmdSN < ExpCmdSN-1 is to be ignored
		return
	}
	if !s.window || serialLess(s.expCmdSN, exp) {
		s.expCmdSN = exp
	}
	if !s.window || serialLess(s.maxCmdSN, max) {
		s.maxCmdSN = max
	}
	s.window = true
}

// MaxImmediate is the largest immediate data payload a command may carry.
func (s *Session) MaxImmediate() uint32 {
	if !s.active.ImmediateData {
		return 0
	}
	n := s.active.FirstBurstLength
	for _, c := range s.conns {
		if c.state == ConnLoggedIn && c.his.MaxRecvDataSegmentLength < n {
			n = c.his.MaxRecvDataSegmentLength
		}
	}
	return n
}

func (s *Session) Info() types.SessionInfo {
	info := types.SessionInfo{
		Config:       s.config,
		State:        s.state.String(),
		TSIH:         s.tsih,
		TargetNumber: s.target,
		Backlog:      len(s.backlog),
		Targets:      s.init.discovered[s.config.SessionName],
	}
	if s.gaveUp {
		info.State += " (gave up)"
	}
	for _, c := range s.conns {
		info.Connections = append(info.Connections, c.Info())
	}
	return info
}

// serialLess compares sequence numbers with RFC 1982 arithmetic.
func serialLess(a, b uint32) bool {
	return a != b && int32(a-b) < 0
}

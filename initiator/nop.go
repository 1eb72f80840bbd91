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

	"github.com/openebs/iscsid/pdu"
	"github.com/sirupsen/logrus"
)

var errPingTimeout = errors.New("nop-out ping timeout")

func errUnexpected(p *pdu.PDU) error {
	return fmt.Errorf("%w: unexpected %v", pdu.ErrMalformed, p.Opcode())
}

// nopIn answers an unsolicited NOP-In. A valid TTT asks for a NOP-Out echo.
func (c *Connection) nopIn(p *pdu.PDU) {
	defer p.Free()
	if p.TTT() == pdu.ReservedTag {
		return
	}
	t := c.session.newUntaggedTask(TaskNop)
	r := pdu.New()
	r.SetOpcode(pdu.OpNopOut)
	r.SetImmediate(true)
	r.SetFlags(pdu.FlagFinal)
	r.SetTTT(p.TTT())
	r.SetRawLUN(p.RawLUN())
	t.AddPDU(r)
	c.issue(t)
}

// ping sends a NOP-Out and expects its NOP-In before the next ping is due.
func (c *Connection) ping() {
	if c.pingPending {
		c.err = errPingTimeout
		c.fsm(ConnEvFail)
		return
	}
	t := c.session.NewTask(TaskNop)
	t.SetCallback(func(c *Connection, p *pdu.PDU) {
		p.Free()
		c.pingPending = false
		t.Done()
	})
	p := pdu.New()
	p.SetOpcode(pdu.OpNopOut)
	p.SetImmediate(true)
	p.SetFlags(pdu.FlagFinal)
	p.SetTTT(pdu.ReservedTag)
	t.AddPDU(p)
	c.pingPending = true
	c.issue(t)
}

func (c *Connection) startPing() {
	interval := c.session.init.nopInterval
	if interval <= 0 {
		return
	}
	sock := c.sock
	c.nop = c.session.init.after(interval, func() {
		if c.sock != sock || c.state != ConnLoggedIn {
			return
		}
		c.ping()
		if c.state == ConnLoggedIn {
			c.startPing()
		}
	})
}

func (c *Connection) asyncMessage(p *pdu.PDU) {
	defer p.Free()
	s := c.session
	event := p.AsyncEvent()
	p1, p2, p3 := p.AsyncParameters()
	switch event {
	case pdu.AsyncRequestLogout:
		logrus.Infof("Connection %v: target requests logout within %ds", c, p3)
		c.fsm(ConnEvReqLogout)
	case pdu.AsyncDropConnection:
		victim := s.connection(p1)
		if victim == nil {
			victim = c
		}
		logrus.Warningf("Connection %v: target drops connection %d, Time2Wait %d Time2Retain %d",
			c, p1, p2, p3)
		victim.err = errors.New("connection dropped by target")
		victim.fsm(ConnEvFail)
	case pdu.AsyncDropAll:
		logrus.Warningf("Connection %v: target drops all connections of session %v", c, s)
		for _, o := range s.conns {
			o.err = errors.New("session dropped by target")
			o.fsm(ConnEvFail)
		}
	case pdu.AsyncRenegotiate:
		logrus.Infof("Connection %v: target requests parameter negotiation, ignored", c)
	case pdu.AsyncSCSI:
		logrus.Infof("Connection %v: SCSI async event, sense %d bytes", c, len(p.Data()))
	default:
		logrus.Infof("Connection %v: async event %d ignored", c, event)
	}
}

func (c *Connection) reject(p *pdu.PDU) {
	defer p.Free()
	var rejected uint32
	if data := p.Data(); len(data) >= pdu.HeaderLength {
		h := pdu.New()
		h.Attach(pdu.SegHeader, data[:pdu.HeaderLength])
		rejected = h.ITT()
	}
	c.err = fmt.Errorf("target rejected pdu 0x%08x, reason 0x%02x", rejected, p.Reason())
	c.fsm(ConnEvFail)
}

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

	"github.com/openebs/iscsid/pdu"
	"github.com/sirupsen/logrus"
)

// logoutRetries bounds how often a rejected logout is sent again before the
// connection is failed.
const logoutRetries = 3

func (c *Connection) logout() {
	s := c.session
	t := s.NewTask(TaskLogout)
	reason := c.logoutReason
	t.SetCallback(func(c *Connection, p *pdu.PDU) {
		c.logoutResponse(t, reason, p)
	})
	p := pdu.New()
	p.SetOpcode(pdu.OpLogoutReq)
	p.SetImmediate(true)
	p.SetLogoutReason(reason)
	p.SetCID(c.cid)
	t.AddPDU(p)
	logrus.Infof("Connection %v: logging out, reason %v", c, reason)
	c.issue(t)
}

func (c *Connection) logoutResponse(t *Task, reason pdu.LogoutReason, p *pdu.PDU) {
	defer p.Free()
	if p.Opcode() != pdu.OpLogoutResp {
		c.protocolError(errUnexpected(p))
		return
	}
	resp := p.LogoutResponse()
	t.Done()
	switch resp {
	case pdu.LogoutSuccess:
		c.fsm(ConnEvLoggedOut)
		if reason == pdu.LogoutCloseSession {
			for _, o := range c.session.conns {
				if o != c && o.state != ConnFree && !o.state.cleaning() {
					o.drop()
				}
			}
		}
	case pdu.LogoutCIDNotFound:
		logrus.Warningf("Connection %v: target does not know the connection", c)
		c.fsm(ConnEvLoggedOut)
	default:
		c.logoutAttempts++
		if c.logoutAttempts < logoutRetries {
			logrus.Warningf("Connection %v: logout %v, retrying", c, resp)
			c.logout()
			return
		}
		c.err = fmt.Errorf("logout failed: %v", resp)
		c.fsm(ConnEvFail)
	}
}

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
	"github.com/openebs/iscsid/types"
	"github.com/sirupsen/logrus"
)

// maxLoginExchanges bounds the PDUs a single login stage may take.
const maxLoginExchanges = 8

type loginState struct {
	task      *Task
	stage     pdu.Stage
	next      pdu.Stage
	exchanges int
	text      []byte
}

// LoginError is a login response with a non-zero status class.
type LoginError struct {
	Class  byte
	Detail byte
}

func (e *LoginError) Error() string {
	var class string
	switch e.Class {
	case pdu.LoginRedirect:
		class = "redirected"
	case pdu.LoginInitiatorErr:
		class = "initiator error"
	case pdu.LoginTargetErr:
		class = "target error"
	default:
		class = fmt.Sprintf("class 0x%02x", e.Class)
	}
	return fmt.Sprintf("login failed: %s, detail 0x%02x", class, e.Detail)
}

func (c *Connection) startLogin() {
	s := c.session
	c.leading = !s.loggedIn()
	c.his = DefaultConnParams()
	c.hisSession = DefaultSessionParams()

	t := s.NewTask(TaskLogin)
	t.SetCallback(c.loginResponse)
	c.login = loginState{
		task:  t,
		stage: pdu.StageSecurity,
		next:  pdu.StageOperational,
	}
	t.AddPDU(c.loginPDU(pdu.StageSecurity, pdu.StageOperational, true, c.securityKeys()))
	c.issue(t)
}

func (c *Connection) loginPDU(csg, nsg pdu.Stage, transit bool, keys []pdu.KeyValue) *pdu.PDU {
	s := c.session
	p := pdu.New()
	p.SetOpcode(pdu.OpLoginReq)
	p.SetImmediate(true)
	p.SetLoginStages(csg, nsg, transit)
	p.SetVersion(pdu.VersionMax, pdu.VersionMin)
	p.SetISID(s.isid)
	if !c.leading {
		p.SetTSIH(s.tsih)
	}
	p.SetCID(c.cid)
	if len(keys) > 0 {
		p.SetData(pdu.EncodeText(keys))
	}
	return p
}

func (c *Connection) sendLogin(p *pdu.PDU) {
	p.SetITT(c.login.task.itt)
	c.Send(p)
}

func (c *Connection) securityKeys() []pdu.KeyValue {
	cfg := c.session.config
	keys := []pdu.KeyValue{
		{Key: "AuthMethod", Value: "None"},
		{Key: "InitiatorName", Value: cfg.InitiatorName},
	}
	if cfg.SessionType == types.SessionDiscovery {
		return append(keys, pdu.KeyValue{Key: "SessionType", Value: "Discovery"})
	}
	return append(keys,
		pdu.KeyValue{Key: "TargetName", Value: cfg.TargetName},
		pdu.KeyValue{Key: "SessionType", Value: "Normal"})
}

// operationalKeys are offered in the operational stage. Session wide keys
// only go out on the leading connection of a normal session.
func (c *Connection) operationalKeys() []pdu.KeyValue {
	s := c.session
	keys := connKeys(s.config, c.mine)
	if c.leading && s.config.SessionType == types.SessionNormal {
		keys = append(keys, sessionKeys(s.mine)...)
	}
	return keys
}

func (c *Connection) loginResponse(_ *Connection, p *pdu.PDU) {
	defer p.Free()
	if p.Opcode() != pdu.OpLoginResp {
		c.protocolError(fmt.Errorf("%w: %v during login", pdu.ErrMalformed, p.Opcode()))
		return
	}
	class, detail := p.LoginStatus()
	if class != pdu.LoginSuccess {
		if class == pdu.LoginRedirect {
			c.redirect(p)
		}
		c.err = &LoginError{Class: class, Detail: detail}
		c.fsm(ConnEvFail)
		return
	}

	c.login.text = append(c.login.text, p.Data()...)
	if p.Continue() {
		// the response text continues in the next PDU
		if !c.nextExchange() {
			return
		}
		c.sendLogin(c.loginPDU(c.login.stage, c.login.next, false, nil))
		return
	}
	kvs, err := pdu.DecodeText(c.login.text)
	c.login.text = nil
	if err != nil {
		c.protocolError(err)
		return
	}
	if err := parseKeys(kvs, c.session.config, &c.hisSession, &c.his); err != nil {
		c.err = err
		c.fsm(ConnEvFail)
		return
	}

	if !p.Transit() {
		if !c.nextExchange() {
			return
		}
		c.sendLogin(c.loginPDU(c.login.stage, c.login.next, true, nil))
		return
	}
	switch p.NextStage() {
	case pdu.StageOperational:
		c.login.stage = pdu.StageOperational
		c.login.next = pdu.StageFullFeature
		c.login.exchanges = 0
		c.sendLogin(c.loginPDU(pdu.StageOperational, pdu.StageFullFeature, true, c.operationalKeys()))
	case pdu.StageFullFeature:
		c.finishLogin(p.TSIH())
	default:
		c.protocolError(fmt.Errorf("%w: login transit to stage %v", pdu.ErrMalformed, p.NextStage()))
	}
}

func (c *Connection) nextExchange() bool {
	c.login.exchanges++
	if c.login.exchanges > maxLoginExchanges {
		c.err = fmt.Errorf("login stage %v did not complete after %d exchanges",
			c.login.stage, maxLoginExchanges)
		c.fsm(ConnEvFail)
		return false
	}
	return true
}

func (c *Connection) redirect(p *pdu.PDU) {
	kvs, err := pdu.DecodeText(p.Data())
	if err != nil {
		logrus.Warningf("Connection %v: bad redirect: %v", c, err)
		return
	}
	if addr, ok := pdu.Lookup(kvs, "TargetAddress"); ok {
		logrus.Infof("Session %v redirected to %v", c.session, addr)
		c.session.redirect = addr
	}
}

func (c *Connection) finishLogin(tsih uint16) {
	s := c.session
	if c.leading {
		s.tsih = tsih
		if s.config.SessionType == types.SessionNormal {
			s.his = c.hisSession
			s.active = negotiate(s.mine, s.his)
			logrus.Infof("Session %v negotiated %v", s, s.active)
		}
	}
	logrus.Infof("Connection %v logged in, MaxRecvDataSegmentLength mine=%d his=%d, digests header=%v data=%v",
		c, c.mine.MaxRecvDataSegmentLength, c.his.MaxRecvDataSegmentLength, c.his.HeaderDigest, c.his.DataDigest)
	c.login.task.Done()
	c.login = loginState{}
	if s.config.SessionType == types.SessionDiscovery {
		c.fsm(ConnEvDiscovery)
	} else {
		c.fsm(ConnEvLoggedIn)
	}
}

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
	"github.com/openebs/iscsid/pdu"
	"github.com/openebs/iscsid/types"
	"github.com/sirupsen/logrus"
)

// discover asks the target for every target it knows about. The session
// is stopped once the answer is in.
func (c *Connection) discover() {
	s := c.session
	t := s.NewTask(TaskText)
	var text []byte
	t.SetCallback(func(c *Connection, p *pdu.PDU) {
		defer p.Free()
		if p.Opcode() != pdu.OpTextResp {
			c.protocolError(errUnexpected(p))
			return
		}
		text = append(text, p.Data()...)
		if !p.Final() {
			// ask for the rest with an empty request
			c.Send(textRequest(t.itt, p.TTT(), nil))
			return
		}
		kvs, err := pdu.DecodeText(text)
		if err != nil {
			c.protocolError(err)
			return
		}
		t.Done()
		c.discovered(parseTargets(kvs))
	})
	t.AddPDU(textRequest(t.itt, pdu.ReservedTag, []pdu.KeyValue{{Key: "SendTargets", Value: "All"}}))
	c.issue(t)
}

func textRequest(itt, ttt uint32, keys []pdu.KeyValue) *pdu.PDU {
	p := pdu.New()
	p.SetOpcode(pdu.OpTextReq)
	p.SetFlags(pdu.FlagFinal)
	p.SetITT(itt)
	p.SetTTT(ttt)
	if len(keys) > 0 {
		p.SetData(pdu.EncodeText(keys))
	}
	return p
}

func (c *Connection) discovered(targets []types.DiscoveredTarget) {
	s := c.session
	for _, t := range targets {
		logrus.Infof("Discovered target %v at %v", t.Name, t.Addresses)
	}
	if len(targets) == 0 {
		logrus.Infof("Discovery session %v found no targets", s)
	}
	s.init.discovered[s.config.SessionName] = targets
	s.raise(SessStop, nil)
}

// parseTargets groups SendTargets keys: every TargetName starts a target
// and the TargetAddress keys after it belong to it.
func parseTargets(kvs []pdu.KeyValue) []types.DiscoveredTarget {
	var targets []types.DiscoveredTarget
	for _, kv := range kvs {
		switch kv.Key {
		case "TargetName":
			targets = append(targets, types.DiscoveredTarget{Name: kv.Value})
		case "TargetAddress":
			if len(targets) == 0 {
				logrus.Warningf("TargetAddress %v without TargetName", kv.Value)
				continue
			}
			last := &targets[len(targets)-1]
			last.Addresses = append(last.Addresses, kv.Value)
		}
	}
	return targets
}

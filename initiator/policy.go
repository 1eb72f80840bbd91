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
	"reflect"
	"time"

	"github.com/openebs/iscsid/pdu"
	"github.com/openebs/iscsid/types"
	"github.com/openebs/iscsid/util"
)

// Policy decides how sessions recover.
type Policy interface {
	// Failed is asked when a normal session lost its last usable
	// connection. It returns whether to reconnect and after how long.
	Failed(s *Session, attempt int, err error) (bool, time.Duration)
	// Reconnect reports whether a config change needs the session to be
	// logged out and created again.
	Reconnect(old, new types.SessionConfig) bool
}

type DefaultPolicy struct {
	// MaxRetries of zero retries forever.
	MaxRetries int
	Delay      time.Duration
	MaxDelay   time.Duration
}

func NewDefaultPolicy() *DefaultPolicy {
	return &DefaultPolicy{
		MaxRetries: util.GetRetryMax(),
		Delay:      util.GetRetryDelay(),
		MaxDelay:   time.Minute,
	}
}

func (p *DefaultPolicy) Failed(s *Session, attempt int, err error) (bool, time.Duration) {
	var lerr *LoginError
	if errors.As(err, &lerr) {
		switch lerr.Class {
		case pdu.LoginRedirect:
			return true, 0
		case pdu.LoginInitiatorErr:
			return false, 0
		}
	}
	if p.MaxRetries > 0 && attempt > p.MaxRetries {
		return false, 0
	}
	delay := p.Delay
	for n := 1; n < attempt && delay < p.MaxDelay; n++ {
		delay *= 2
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if floor := time.Duration(s.Active().DefaultTime2Wait) * time.Second; delay < floor {
		delay = floor
	}
	return true, delay
}

func (p *DefaultPolicy) Reconnect(old, new types.SessionConfig) bool {
	old.Disabled, new.Disabled = false, false
	old.MaxOutstanding, new.MaxOutstanding = 0, 0
	return !reflect.DeepEqual(old, new)
}

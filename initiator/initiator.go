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
	"errors"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/openebs/iscsid/types"
	"github.com/openebs/iscsid/util"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrShutdown       = errors.New("initiator is shutting down")
)

const eventQueueSize = 1024

// Bridge is told when a normal session can carry commands for its target
// and when it is gone for good.
type Bridge interface {
	Probe(target int)
	Detach(target int)
}

// DialFunc opens the transport of a connection.
type DialFunc func(ctx context.Context, laddr, raddr string) (net.Conn, error)

// Initiator owns every session, connection and task. All of its state is
// touched by the goroutine running Run only; everything else posts closures
// into the event loop.
type Initiator struct {
	config     types.InitiatorConfig
	sessions   map[string]*Session
	targets    map[int]*Session
	discovered map[string][]types.DiscoveredTarget

	events   chan func()
	deferred []func()

	policy      Policy
	bridge      Bridge
	dial        DialFunc
	dialTimeout time.Duration
	nopInterval time.Duration
	shutdown    bool

	defaultMaxOutstanding int
}

type Option func(*Initiator)

func WithPolicy(p Policy) Option {
	return func(i *Initiator) { i.policy = p }
}

func WithDialer(d DialFunc) Option {
	return func(i *Initiator) { i.dial = d }
}

func WithNopInterval(d time.Duration) Option {
	return func(i *Initiator) { i.nopInterval = d }
}

// WithMaxOutstanding sets how many tasks a connection carries at once for
// sessions that do not configure it.
func WithMaxOutstanding(n int) Option {
	return func(i *Initiator) { i.defaultMaxOutstanding = n }
}

func New(cfg types.InitiatorConfig, opts ...Option) *Initiator {
	i := &Initiator{
		config:      cfg,
		sessions:    map[string]*Session{},
		targets:     map[int]*Session{},
		discovered:  map[string][]types.DiscoveredTarget{},
		events:      make(chan func(), eventQueueSize),
		policy:      NewDefaultPolicy(),
		dialTimeout: util.GetDialTimeout(),
	}
	i.dial = i.defaultDial
	if i.config.ISIDBase == 0 {
		i.config.ISIDBase = util.NewISIDBase()
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

func (i *Initiator) defaultDial(ctx context.Context, laddr, raddr string) (net.Conn, error) {
	d := net.Dialer{Timeout: i.dialTimeout}
	if laddr != "" {
		addr, err := net.ResolveTCPAddr("tcp", laddr)
		if err != nil {
			return nil, err
		}
		d.LocalAddr = addr
	}
	return d.DialContext(ctx, "tcp", raddr)
}

// SetBridge must be called before Run.
func (i *Initiator) SetBridge(b Bridge) {
	i.bridge = b
}

// Run drives the event loop until ctx is done.
func (i *Initiator) Run(ctx context.Context) error {
	logrus.Infof("Starting initiator %v", i.config.Name)
	for {
		if err := i.runOnce(ctx); err != nil {
			logrus.Infof("Exiting initiator loop: %v", err)
			return err
		}
	}
}

func (i *Initiator) runOnce(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case fn := <-i.events:
		fn()
		i.drain()
	}
	return nil
}

// later queues fn to run after the current handler returned.
func (i *Initiator) later(fn func()) {
	i.deferred = append(i.deferred, fn)
}

func (i *Initiator) drain() {
	for len(i.deferred) > 0 {
		fn := i.deferred[0]
		i.deferred[0] = nil
		i.deferred = i.deferred[1:]
		fn()
	}
	i.deferred = nil
}

// Post hands fn to the event loop without waiting. It must not be called
// from the loop itself.
func (i *Initiator) Post(fn func()) {
	i.events <- fn
}

// after posts fn into the loop once d elapsed.
func (i *Initiator) after(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { i.Post(fn) })
}

// Do runs fn inside the event loop and waits for it.
func (i *Initiator) Do(fn func()) {
	done := make(chan struct{})
	i.Post(func() {
		defer close(done)
		fn()
	})
	<-done
}

// ApplyConfig creates the session named by cfg or updates the existing one.
func (i *Initiator) ApplyConfig(cfg types.SessionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	var err error
	i.Do(func() { err = i.applyConfig(cfg) })
	return err
}

func (i *Initiator) applyConfig(cfg types.SessionConfig) error {
	if i.shutdown {
		return ErrShutdown
	}
	if cfg.InitiatorName == "" {
		cfg.InitiatorName = i.config.Name
	}
	if cfg.InitiatorName == "" {
		return fmt.Errorf("no initiator name for session %v", cfg.SessionName)
	}
	s, ok := i.sessions[cfg.SessionName]
	if !ok {
		s = i.newSession(cfg)
		s.raise(SessStart, nil)
		return nil
	}
	old := s.config
	if !i.policy.Reconnect(old, cfg) {
		logrus.Infof("Updating config of session %v", s)
		s.config = cfg
		if cfg.Disabled && !old.Disabled {
			s.raise(SessStop, nil)
		} else if !cfg.Disabled && old.Disabled {
			s.raise(SessStart, nil)
		}
		return nil
	}
	logrus.Infof("Config of session %v changed, reconnecting", s)
	s.pending = &cfg
	s.raise(SessStop, nil)
	return nil
}

func (i *Initiator) newSession(cfg types.SessionConfig) *Session {
	s := newSession(i, cfg, i.nextTargetNumber())
	i.sessions[cfg.SessionName] = s
	i.targets[s.target] = s
	logrus.Infof("Created session %v for target %v at %v", s, cfg.TargetName, cfg.TargetAddr)
	return s
}

func (i *Initiator) nextTargetNumber() int {
	n := 0
	for {
		if _, ok := i.targets[n]; !ok {
			return n
		}
		n++
	}
}

func (i *Initiator) removeSession(s *Session) {
	if i.sessions[s.config.SessionName] == s {
		delete(i.sessions, s.config.SessionName)
	}
	if i.targets[s.target] == s {
		delete(i.targets, s.target)
	}
}

// Logout stops the named session.
func (i *Initiator) Logout(name string) error {
	var err error
	i.Do(func() {
		s, ok := i.sessions[name]
		if !ok {
			err = ErrUnknownSession
			return
		}
		s.raise(SessStop, nil)
	})
	return err
}

// SessionByTarget maps a device target number to its session. Loop only.
func (i *Initiator) SessionByTarget(target int) *Session {
	return i.targets[target]
}

// Session looks a session up by name. Loop only.
func (i *Initiator) Session(name string) *Session {
	return i.sessions[name]
}

func (i *Initiator) Sessions() []types.SessionInfo {
	var infos []types.SessionInfo
	i.Do(func() {
		for _, s := range i.sessions {
			infos = append(infos, s.Info())
		}
	})
	sort.Slice(infos, func(a, b int) bool {
		return infos[a].Config.SessionName < infos[b].Config.SessionName
	})
	return infos
}

func (i *Initiator) SessionInfo(name string) (types.SessionInfo, error) {
	var (
		info types.SessionInfo
		err  error
	)
	i.Do(func() {
		s, ok := i.sessions[name]
		if !ok {
			err = ErrUnknownSession
			return
		}
		info = s.Info()
	})
	return info, err
}

// Discovered returns the targets a discovery session reported.
func (i *Initiator) Discovered(name string) []types.DiscoveredTarget {
	var targets []types.DiscoveredTarget
	i.Do(func() {
		targets = append(targets, i.discovered[name]...)
	})
	return targets
}

func (i *Initiator) Config() types.InitiatorConfig {
	var cfg types.InitiatorConfig
	i.Do(func() { cfg = i.config })
	return cfg
}

// SetConfig changes the initiator identity used by sessions created later.
func (i *Initiator) SetConfig(cfg types.InitiatorConfig) {
	i.Do(func() {
		if cfg.ISIDBase == 0 {
			cfg.ISIDBase = i.config.ISIDBase
		}
		i.config = cfg
		logrus.Infof("Initiator name set to %v", cfg.Name)
	})
}

// Shutdown logs out every session and waits until they are gone or ctx
// expires.
func (i *Initiator) Shutdown(ctx context.Context) error {
	i.Do(func() {
		i.shutdown = true
		for _, s := range i.sessions {
			s.pending = nil
			s.raise(SessStop, nil)
		}
	})
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		n := 0
		i.Do(func() { n = len(i.sessions) })
		if n == 0 {
			logrus.Info("All sessions closed")
			return nil
		}
		select {
		case <-ctx.Done():
			logrus.Warningf("Shutdown timed out with %d sessions left", n)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

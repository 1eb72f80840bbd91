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
	"time"

	"github.com/openebs/iscsid/pdu"
	journal "github.com/openebs/sparse-tools/stats"
)

type TaskKind int

const (
	TaskLogin TaskKind = iota
	TaskText
	TaskLogout
	TaskNop
	TaskSCSI
)

func (k TaskKind) String() string {
	switch k {
	case TaskLogin:
		return "login"
	case TaskText:
		return "text"
	case TaskLogout:
		return "logout"
	case TaskNop:
		return "nop"
	case TaskSCSI:
		return "scsi"
	}
	return "unknown"
}

// Callback handles a response correlated to a task. It owns the PDU.
type Callback func(c *Connection, p *pdu.PDU)

// Failback is called once when a task can not complete because its
// connection or session went away.
type Failback func(t *Task)

// Task is one initiator task, correlated by its ITT. It sits in the session
// backlog until it is handed to a connection.
type Task struct {
	session  *Session
	conn     *Connection
	kind     TaskKind
	itt      uint32
	pdus     []*pdu.PDU
	callback Callback
	failback Failback
	pending  bool
	finished bool

	size    int
	started time.Time
	id      journal.OpID
}

func (t *Task) ITT() uint32 {
	return t.itt
}

func (t *Task) Kind() TaskKind {
	return t.kind
}

func (t *Task) Session() *Session {
	return t.session
}

// Connection is the connection the task was issued on, nil while it is
// queued.
func (t *Task) Connection() *Connection {
	return t.conn
}

func (t *Task) SetCallback(cb Callback) {
	t.callback = cb
}

func (t *Task) SetFailback(fb Failback) {
	t.failback = fb
}

// AddPDU appends an outbound PDU and stamps it with the task's ITT.
func (t *Task) AddPDU(p *pdu.PDU) {
	p.SetITT(t.itt)
	t.pdus = append(t.pdus, p)
	t.size += len(p.Data())
}

func (t *Task) start(c *Connection) {
	t.conn = c
	t.started = time.Now()
	t.id = journal.InsertPendingOp(t.started, c.String(), journal.SampleOp(t.kind), t.size)
	tasksInFlight.Inc()
}

// finish removes the task from every queue it is on. It is a no-op when the
// task already finished.
func (t *Task) finish(success bool) bool {
	if t.finished {
		return false
	}
	t.finished = true
	t.pending = false
	if t.conn != nil {
		delete(t.conn.tasks, t.itt)
		journal.RemovePendingOp(t.id, success)
		tasksInFlight.Dec()
		taskDuration.WithLabelValues(t.kind.String()).Observe(time.Since(t.started).Seconds())
	}
	t.session.forget(t)
	for _, p := range t.pdus {
		p.Free()
	}
	t.pdus = nil
	return true
}

// Done completes a task once its last response was handled.
func (t *Task) Done() {
	if t.finish(true) {
		t.session.schedule()
	}
}

// fail finishes the task unsuccessfully and calls its failback.
func (t *Task) fail() {
	if !t.finish(false) {
		return
	}
	if t.failback != nil {
		t.failback(t)
	}
}

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

// Package vscsi connects a local SCSI device to the initiator. Commands
// coming from the device become SCSI tasks on the session serving their
// target; responses, data and failures flow back to the device.
package vscsi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/openebs/iscsid/initiator"
	"github.com/openebs/iscsid/pdu"
	"github.com/openebs/iscsid/types"
	"github.com/sirupsen/logrus"
)

var (
	log = logrus.WithFields(logrus.Fields{"pkg": "vscsi"})

	errNoCDB = errors.New("command without cdb")
)

// Bridge implements initiator.Bridge on top of a types.Device.
type Bridge struct {
	dev  types.Device
	init *initiator.Initiator
}

// New binds the bridge to init. It must be called before init runs.
func New(dev types.Device, init *initiator.Initiator) *Bridge {
	b := &Bridge{dev: dev, init: init}
	init.SetBridge(b)
	return b
}

// Run hands device commands to the initiator until ctx is done or the
// device closes its command channel.
func (b *Bridge) Run(ctx context.Context) error {
	cmds := b.dev.Commands()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-cmds:
			if !ok {
				log.Info("Device command channel closed")
				return nil
			}
			b.init.Post(func() { b.dispatch(cmd) })
		}
	}
}

func (b *Bridge) Probe(target int) {
	log.Infof("Probing target %d", target)
	if err := b.dev.Event(types.EventProbe, target, types.AllLUNs); err != nil {
		log.Errorf("Failed to probe target %d: %v", target, err)
	}
}

func (b *Bridge) Detach(target int) {
	log.Infof("Detaching target %d", target)
	if err := b.dev.Event(types.EventDetach, target, types.AllLUNs); err != nil {
		log.Errorf("Failed to detach target %d: %v", target, err)
	}
}

func (b *Bridge) status(tag uint32, code types.StatusCode, sense []byte) {
	if err := b.dev.Status(tag, code, sense); err != nil {
		log.Errorf("Failed to complete command 0x%x: %v", tag, err)
	}
}

// dispatch runs in the event loop.
func (b *Bridge) dispatch(cmd *types.SCSICommand) {
	s := b.init.SessionByTarget(cmd.Target)
	if s == nil || !s.Accepting() {
		log.Warningf("No session accepting commands for target %d, failing 0x%x", cmd.Target, cmd.Tag)
		b.status(cmd.Tag, types.StatusError, nil)
		return
	}
	p, err := b.commandPDU(s, cmd)
	if err != nil {
		log.Errorf("Failed to build command 0x%x: %v", cmd.Tag, err)
		b.status(cmd.Tag, types.StatusError, nil)
		return
	}

	x := &command{bridge: b, cmd: cmd}
	x.task = s.NewTask(initiator.TaskSCSI)
	x.task.AddPDU(p)
	x.task.SetCallback(x.response)
	x.task.SetFailback(func(t *initiator.Task) {
		log.Warningf("Command 0x%x on %v aborted", cmd.Tag, s)
		x.complete(types.StatusReset, nil)
	})
	s.Submit(x.task)
}

// commandPDU builds the SCSI Command PDU with as much immediate data as the
// session allows.
func (b *Bridge) commandPDU(s *initiator.Session, cmd *types.SCSICommand) (*pdu.PDU, error) {
	if len(cmd.CDB) == 0 {
		return nil, errNoCDB
	}
	p := pdu.New()
	p.SetOpcode(pdu.OpSCSICmd)
	flags := byte(pdu.FlagFinal | pdu.AttrSimple)
	switch cmd.Direction {
	case types.DirRead:
		flags |= pdu.FlagRead
	case types.DirWrite:
		flags |= pdu.FlagWrite
	}
	p.SetFlags(flags)
	p.SetLUN(uint64(cmd.LUN))
	p.SetExpectedDataLength(cmd.DataLength)
	if rest := p.SetCDB(cmd.CDB); len(rest) > 0 {
		if err := p.SetAHS(extendedCDB(rest)); err != nil {
			return nil, err
		}
	}

	if cmd.Direction != types.DirWrite {
		return p, nil
	}
	n := s.MaxImmediate()
	if cmd.DataLength < n {
		n = cmd.DataLength
	}
	if n == 0 {
		return p, nil
	}
	buf := make([]byte, n)
	got, err := b.dev.Data(types.DirWrite, cmd.Tag, 0, buf)
	if err != nil {
		return nil, fmt.Errorf("reading immediate data: %v", err)
	}
	p.SetData(buf[:got])
	return p, nil
}

// extendedCDB renders the CDB bytes past the first 16 as an AHS.
func extendedCDB(rest []byte) []byte {
	ahs := make([]byte, (4+len(rest)+3)&^3)
	// the length covers the reserved byte
	binary.BigEndian.PutUint16(ahs, uint16(len(rest)+1))
	ahs[2] = pdu.AHSExtendedCDB
	copy(ahs[4:], rest)
	return ahs
}

// command tracks one device command while its task is outstanding.
type command struct {
	bridge    *Bridge
	cmd       *types.SCSICommand
	task      *initiator.Task
	failed    error
	completed bool
}

func (x *command) response(c *initiator.Connection, p *pdu.PDU) {
	defer p.Free()
	switch p.Opcode() {
	case pdu.OpDataIn:
		x.dataIn(p)
		if p.HasStatus() {
			x.finish(pdu.ResponseCompleted, p.Status(), nil)
		}
	case pdu.OpR2T:
		x.r2t(c, p)
	case pdu.OpSCSIResp:
		x.finish(p.Response(), p.Status(), senseData(p.Data()))
	default:
		log.Warningf("Unexpected %v for command 0x%x", p.Opcode(), x.cmd.Tag)
		x.failed = fmt.Errorf("unexpected %v", p.Opcode())
		x.finish(pdu.ResponseCompleted, pdu.StatusGood, nil)
	}
}

func (x *command) dataIn(p *pdu.PDU) {
	data := p.Data()
	offset := p.BufferOffset()
	if len(data) == 0 {
		return
	}
	if x.cmd.Direction != types.DirRead || uint64(offset)+uint64(len(data)) > uint64(x.cmd.DataLength) {
		x.failed = fmt.Errorf("data-in of %d bytes at %d overruns %d byte buffer",
			len(data), offset, x.cmd.DataLength)
		log.Warning(x.failed)
		return
	}
	if _, err := x.bridge.dev.Data(types.DirRead, x.cmd.Tag, offset, data); err != nil {
		x.failed = err
		log.Errorf("Failed to deliver data for command 0x%x: %v", x.cmd.Tag, err)
	}
}

// r2t answers a ready to transfer with Data-Out PDUs covering exactly the
// requested range.
func (x *command) r2t(c *initiator.Connection, p *pdu.PDU) {
	offset, length := p.BufferOffset(), p.DesiredDataLength()
	// The target can not be trusted to answer a bad R2T with a status, so
	// these fail the connection and the command is reset.
	if x.cmd.Direction != types.DirWrite || uint64(offset)+uint64(length) > uint64(x.cmd.DataLength) {
		c.Fail(fmt.Errorf("%w: r2t for %d bytes at %d overruns %d byte buffer",
			pdu.ErrMalformed, length, offset, x.cmd.DataLength))
		return
	}
	if length == 0 {
		c.Fail(fmt.Errorf("%w: r2t for 0 bytes at %d", pdu.ErrMalformed, offset))
		return
	}
	chunk := c.HisMaxRecvDataSegmentLength()
	if chunk == 0 {
		c.Fail(fmt.Errorf("%w: no data segment length negotiated", pdu.ErrMalformed))
		return
	}
	var (
		out    []*pdu.PDU
		dataSN uint32
	)
	for sent := uint32(0); sent < length; dataSN++ {
		n := length - sent
		if n > chunk {
			n = chunk
		}
		buf := make([]byte, n)
		if _, err := x.bridge.dev.Data(types.DirWrite, x.cmd.Tag, offset+sent, buf); err != nil {
			// the target still gets the range it asked for
			x.failed = err
			log.Errorf("Failed to read data for command 0x%x: %v", x.cmd.Tag, err)
		}
		d := pdu.New()
		d.SetOpcode(pdu.OpDataOut)
		d.SetITT(x.task.ITT())
		d.SetTTT(p.TTT())
		d.SetRawLUN(p.RawLUN())
		d.SetDataSN(dataSN)
		d.SetBufferOffset(offset + sent)
		d.SetData(buf)
		sent += n
		if sent == length {
			d.SetFlags(pdu.FlagFinal)
		}
		out = append(out, d)
	}
	c.Send(out...)
}

func (x *command) finish(response, status byte, sense []byte) {
	x.task.Done()
	switch {
	case x.failed != nil:
		x.complete(types.StatusError, nil)
	case response != pdu.ResponseCompleted:
		log.Warningf("Command 0x%x: target failure 0x%02x", x.cmd.Tag, response)
		x.complete(types.StatusError, nil)
	case status == pdu.StatusGood:
		x.complete(types.StatusOK, nil)
	case status == pdu.StatusCheckCondition:
		x.complete(types.StatusSense, sense)
	default:
		log.Debugf("Command 0x%x: status 0x%02x", x.cmd.Tag, status)
		x.complete(types.StatusError, nil)
	}
}

func (x *command) complete(code types.StatusCode, sense []byte) {
	if x.completed {
		return
	}
	x.completed = true
	x.bridge.status(x.cmd.Tag, code, sense)
}

// senseData strips the two byte length from a SCSI Response data segment.
func senseData(data []byte) []byte {
	if len(data) < 2 {
		return nil
	}
	n := int(binary.BigEndian.Uint16(data))
	if n > len(data)-2 {
		n = len(data) - 2
	}
	return append([]byte(nil), data[2:2+n]...)
}

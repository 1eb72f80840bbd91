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

// Package rest is a SCSI device fed over HTTP. Reads, writes and inquiries
// posted to it become SCSI commands for the initiator, so a session can be
// exercised without a kernel SCSI host.
package rest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/openebs/iscsid/types"
	"github.com/sirupsen/logrus"
)

var (
	log = logrus.WithFields(logrus.Fields{"pkg": "rest-frontend"})

	ErrNotAttached = errors.New("target not attached")
	ErrAlignment   = errors.New("offset and length must be multiples of the block size")
)

const (
	DefaultListen    = "localhost:9414"
	DefaultBlockSize = 512

	commandTimeout = 30 * time.Second
	inquiryLength  = 96

	opInquiry = 0x12
	opRead10  = 0x28
	opWrite10 = 0x2a
)

// StatusError is a command that did not complete with GOOD status.
type StatusError struct {
	Code  types.StatusCode
	Sense []byte
}

func (e *StatusError) Error() string {
	if e.Code == types.StatusSense && len(e.Sense) >= 14 {
		return fmt.Sprintf("check condition, sense key 0x%x asc 0x%02x ascq 0x%02x",
			e.Sense[2]&0x0f, e.Sense[12], e.Sense[13])
	}
	return fmt.Sprintf("command failed: %v", e.Code)
}

type request struct {
	buf  []byte
	done chan error
}

type Device struct {
	Listen    string
	BlockSize int64

	cmds chan *types.SCSICommand

	sync.Mutex
	tag      uint32
	pending  map[uint32]*request
	attached map[int]bool

	server *http.Server
}

func New(listen string, blockSize int64) *Device {
	if listen == "" {
		listen = DefaultListen
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Device{
		Listen:    listen,
		BlockSize: blockSize,
		cmds:      make(chan *types.SCSICommand, 64),
		pending:   map[uint32]*request{},
		attached:  map[int]bool{},
	}
}

// Handler serves the device API.
func (d *Device) Handler() http.Handler {
	return NewRouter(NewServer(d))
}

func (d *Device) Startup() error {
	router := d.Handler()
	router = handlers.LoggingHandler(os.Stdout, router)
	router = handlers.ProxyHeaders(router)

	l, err := net.Listen("tcp", d.Listen)
	if err != nil {
		return err
	}
	d.server = &http.Server{Handler: router}
	log.Infof("Rest Frontend listening on %s", d.Listen)
	go func() {
		if err := d.server.Serve(l); err != http.ErrServerClosed {
			log.Errorf("Rest Frontend stopped: %v", err)
		}
	}()
	return nil
}

func (d *Device) Shutdown() error {
	if d.server == nil {
		return nil
	}
	return d.server.Close()
}

func (d *Device) Commands() <-chan *types.SCSICommand {
	return d.cmds
}

func (d *Device) Status(tag uint32, code types.StatusCode, sense []byte) error {
	d.Lock()
	r, ok := d.pending[tag]
	delete(d.pending, tag)
	d.Unlock()
	if !ok {
		return fmt.Errorf("status for unknown tag 0x%x", tag)
	}
	if code == types.StatusOK {
		r.done <- nil
	} else {
		r.done <- &StatusError{Code: code, Sense: sense}
	}
	return nil
}

func (d *Device) Data(dir types.Direction, tag uint32, offset uint32, buf []byte) (int, error) {
	d.Lock()
	r, ok := d.pending[tag]
	d.Unlock()
	if !ok {
		return 0, fmt.Errorf("data for unknown tag 0x%x", tag)
	}
	if uint64(offset)+uint64(len(buf)) > uint64(len(r.buf)) {
		return 0, fmt.Errorf("%v of %d bytes at %d past %d byte buffer", dir, len(buf), offset, len(r.buf))
	}
	if dir == types.DirRead {
		return copy(r.buf[offset:], buf), nil
	}
	return copy(buf, r.buf[offset:]), nil
}

func (d *Device) Event(kind types.EventKind, target, lun int) error {
	d.Lock()
	defer d.Unlock()
	switch kind {
	case types.EventProbe:
		d.attached[target] = true
	case types.EventDetach:
		delete(d.attached, target)
	}
	log.Infof("Target %d: %v", target, kind)
	return nil
}

// Targets lists the attached target numbers.
func (d *Device) Targets() []int {
	d.Lock()
	defer d.Unlock()
	var targets []int
	for t := range d.attached {
		targets = append(targets, t)
	}
	sort.Ints(targets)
	return targets
}

func (d *Device) isAttached(target int) bool {
	d.Lock()
	defer d.Unlock()
	return d.attached[target]
}

// submit queues a command and waits for its status. A command given up by
// ctx stays pending until its status arrives.
func (d *Device) submit(ctx context.Context, target, lun int, cdb []byte, dir types.Direction, buf []byte) error {
	if !d.isAttached(target) {
		return ErrNotAttached
	}
	r := &request{buf: buf, done: make(chan error, 1)}
	d.Lock()
	d.tag++
	tag := d.tag
	d.pending[tag] = r
	d.Unlock()

	cmd := &types.SCSICommand{
		Tag:        tag,
		Target:     target,
		LUN:        lun,
		CDB:        cdb,
		Direction:  dir,
		DataLength: uint32(len(buf)),
	}
	select {
	case d.cmds <- cmd:
	case <-ctx.Done():
		d.Lock()
		delete(d.pending, tag)
		d.Unlock()
		return ctx.Err()
	}
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) blocks(offset, length int64) (uint32, uint16, error) {
	if offset < 0 || length <= 0 || offset%d.BlockSize != 0 || length%d.BlockSize != 0 {
		return 0, 0, ErrAlignment
	}
	lba, n := offset/d.BlockSize, length/d.BlockSize
	if lba > 0xffffffff || n > 0xffff {
		return 0, 0, fmt.Errorf("%d blocks at %d out of READ(10) range", n, lba)
	}
	return uint32(lba), uint16(n), nil
}

func (d *Device) ReadAt(ctx context.Context, target, lun int, offset, length int64) ([]byte, error) {
	lba, n, err := d.blocks(offset, length)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if err := d.submit(ctx, target, lun, rw10(opRead10, lba, n), types.DirRead, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (d *Device) WriteAt(ctx context.Context, target, lun int, offset int64, data []byte) error {
	lba, n, err := d.blocks(offset, int64(len(data)))
	if err != nil {
		return err
	}
	return d.submit(ctx, target, lun, rw10(opWrite10, lba, n), types.DirWrite, data)
}

// Inquiry returns the standard INQUIRY data of a LUN.
func (d *Device) Inquiry(ctx context.Context, target, lun int) ([]byte, error) {
	buf := make([]byte, inquiryLength)
	cdb := []byte{opInquiry, 0, 0, 0, inquiryLength, 0}
	if err := d.submit(ctx, target, lun, cdb, types.DirRead, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func rw10(op byte, lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = op
	binary.BigEndian.PutUint32(cdb[2:], lba)
	binary.BigEndian.PutUint16(cdb[7:], blocks)
	return cdb
}

package vscsi

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openebs/iscsid/initiator"
	"github.com/openebs/iscsid/initiator/iscsitest"
	"github.com/openebs/iscsid/pdu"
	"github.com/openebs/iscsid/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type status struct {
	tag   uint32
	code  types.StatusCode
	sense []byte
}

type event struct {
	kind   types.EventKind
	target int
	lun    int
}

type fakeDevice struct {
	cmds     chan *types.SCSICommand
	statuses chan status
	events   chan event

	mu     sync.Mutex
	reads  map[uint32][]byte
	writes map[uint32][]byte
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		cmds:     make(chan *types.SCSICommand, 16),
		statuses: make(chan status, 16),
		events:   make(chan event, 16),
		reads:    map[uint32][]byte{},
		writes:   map[uint32][]byte{},
	}
}

func (d *fakeDevice) Commands() <-chan *types.SCSICommand {
	return d.cmds
}

func (d *fakeDevice) Status(tag uint32, code types.StatusCode, sense []byte) error {
	d.statuses <- status{tag: tag, code: code, sense: sense}
	return nil
}

func (d *fakeDevice) Data(dir types.Direction, tag uint32, offset uint32, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch dir {
	case types.DirRead:
		dst, ok := d.reads[tag]
		if !ok {
			return 0, errors.New("unknown tag")
		}
		return copy(dst[offset:], buf), nil
	case types.DirWrite:
		src, ok := d.writes[tag]
		if !ok {
			return 0, errors.New("unknown tag")
		}
		return copy(buf, src[offset:]), nil
	}
	return 0, errors.New("no data direction")
}

func (d *fakeDevice) Event(kind types.EventKind, target, lun int) error {
	d.events <- event{kind: kind, target: target, lun: lun}
	return nil
}

func (d *fakeDevice) read(tag uint32, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads[tag] = make([]byte, n)
}

func (d *fakeDevice) readData(tag uint32) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.reads[tag]...)
}

func (d *fakeDevice) write(tag uint32, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes[tag] = data
}

func (d *fakeDevice) waitStatus(t *testing.T) status {
	select {
	case s := <-d.statuses:
		return s
	case <-time.After(iscsitest.Timeout):
		require.FailNow(t, "no status reported")
	}
	return status{}
}

func (d *fakeDevice) waitEvent(t *testing.T) event {
	select {
	case e := <-d.events:
		return e
	case <-time.After(iscsitest.Timeout):
		require.FailNow(t, "no event reported")
	}
	return event{}
}

type giveUp struct{}

func (giveUp) Failed(*initiator.Session, int, error) (bool, time.Duration) {
	return false, 0
}

func (giveUp) Reconnect(old, new types.SessionConfig) bool {
	return old != new
}

type env struct {
	dev    *fakeDevice
	init   *initiator.Initiator
	pipe   *iscsitest.Pipe
	target *iscsitest.Conn
	cancel context.CancelFunc
}

func setup(t *testing.T, cfg types.SessionConfig, opts iscsitest.LoginOptions) *env {
	e := &env{dev: newFakeDevice(), pipe: iscsitest.NewPipe()}
	e.init = initiator.New(types.InitiatorConfig{Name: "iqn.2020-01.io.openebs:host"},
		initiator.WithDialer(e.pipe.Dial), initiator.WithPolicy(giveUp{}))
	b := New(e.dev, e.init)
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.init.Run(ctx)
	go b.Run(ctx)

	require.NoError(t, e.init.ApplyConfig(cfg))
	conn, err := e.pipe.Accept()
	require.NoError(t, err)
	_, err = conn.Login(opts)
	require.NoError(t, err)
	e.target = conn

	ev := e.dev.waitEvent(t)
	require.Equal(t, event{kind: types.EventProbe, target: 0, lun: types.AllLUNs}, ev)
	return e
}

func sessionConfig() types.SessionConfig {
	return types.SessionConfig{
		SessionName: "vol1",
		TargetName:  "iqn.2020-01.io.openebs:vol1",
		TargetAddr:  "10.0.0.1:3260",
		SessionType: types.SessionNormal,
	}
}

func noImmediate() types.SessionConfig {
	cfg := sessionConfig()
	no := false
	cfg.ImmediateData = &no
	return cfg
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func read10(lba uint32, blocks uint16) []byte {
	return []byte{0x28, 0, byte(lba >> 24), byte(lba >> 16), byte(lba >> 8), byte(lba), 0,
		byte(blocks >> 8), byte(blocks), 0}
}

func write10(lba uint32, blocks uint16) []byte {
	cdb := read10(lba, blocks)
	cdb[0] = 0x2a
	return cdb
}

func TestRead(t *testing.T) {
	e := setup(t, sessionConfig(), iscsitest.LoginOptions{})
	defer e.cancel()

	e.dev.read(1, 8192)
	e.dev.cmds <- &types.SCSICommand{Tag: 1, LUN: 2, CDB: read10(0, 16), Direction: types.DirRead, DataLength: 8192}

	req, err := e.target.Expect(pdu.OpSCSICmd)
	require.NoError(t, err)
	assert.Equal(t, byte(pdu.FlagFinal|pdu.FlagRead|pdu.AttrSimple), req.Flags())
	assert.Equal(t, uint32(8192), req.ExpectedDataLength())
	assert.Equal(t, uint64(2), req.LUN())
	assert.Equal(t, read10(0, 16), req.CDB()[:10])
	assert.Equal(t, 0, req.DataLength())

	data := pattern(8192)
	require.NoError(t, e.target.Send(iscsitest.DataIn(req.ITT(), 1, 4096, data[4096:], false)))
	require.NoError(t, e.target.Send(iscsitest.DataIn(req.ITT(), 0, 0, data[:4096], true)))

	s := e.dev.waitStatus(t)
	assert.Equal(t, status{tag: 1, code: types.StatusOK}, s)
	assert.Equal(t, data, e.dev.readData(1))
}

func TestReadOverrun(t *testing.T) {
	e := setup(t, sessionConfig(), iscsitest.LoginOptions{})
	defer e.cancel()

	e.dev.read(1, 512)
	e.dev.cmds <- &types.SCSICommand{Tag: 1, CDB: read10(0, 1), Direction: types.DirRead, DataLength: 512}
	req, err := e.target.Expect(pdu.OpSCSICmd)
	require.NoError(t, err)
	require.NoError(t, e.target.Send(iscsitest.DataIn(req.ITT(), 0, 256, pattern(512), true)))

	s := e.dev.waitStatus(t)
	assert.Equal(t, types.StatusError, s.code)
}

// A write without immediate data is carried entirely by R2T driven
// Data-Out PDUs no larger than the target accepts.
func TestWriteR2T(t *testing.T) {
	e := setup(t, noImmediate(), iscsitest.LoginOptions{MaxRecvDataSegmentLength: 4096})
	defer e.cancel()

	data := pattern(10000)
	e.dev.write(7, data)
	e.dev.cmds <- &types.SCSICommand{Tag: 7, CDB: write10(8, 20), Direction: types.DirWrite, DataLength: 10000}

	req, err := e.target.Expect(pdu.OpSCSICmd)
	require.NoError(t, err)
	assert.Equal(t, byte(pdu.FlagFinal|pdu.FlagWrite|pdu.AttrSimple), req.Flags())
	assert.Equal(t, 0, req.DataLength())

	require.NoError(t, e.target.Send(iscsitest.R2T(req.ITT(), 0x77, 0, 0, 10000)))

	var got []byte
	sizes := []int{4096, 4096, 1808}
	for n, size := range sizes {
		out, err := e.target.Expect(pdu.OpDataOut)
		require.NoError(t, err)
		assert.Equal(t, req.ITT(), out.ITT())
		assert.Equal(t, uint32(0x77), out.TTT())
		assert.Equal(t, uint32(n), out.DataSN())
		assert.Equal(t, uint32(len(got)), out.BufferOffset())
		assert.Equal(t, size, out.DataLength())
		assert.Equal(t, n == len(sizes)-1, out.Final())
		got = append(got, out.Data()...)
	}
	assert.Equal(t, data, got)

	require.NoError(t, e.target.Send(iscsitest.SCSIResponse(req.ITT(), pdu.StatusGood, nil)))
	assert.Equal(t, status{tag: 7, code: types.StatusOK}, e.dev.waitStatus(t))
}

// A target declaring a zero segment length is refused at login, before
// any LUN is exposed.
func TestZeroSegmentLengthRefused(t *testing.T) {
	dev := newFakeDevice()
	pipe := iscsitest.NewPipe()
	engine := initiator.New(types.InitiatorConfig{Name: "iqn.2020-01.io.openebs:host"},
		initiator.WithDialer(pipe.Dial), initiator.WithPolicy(giveUp{}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)
	go New(dev, engine).Run(ctx)

	require.NoError(t, engine.ApplyConfig(noImmediate()))
	target, err := pipe.Accept()
	require.NoError(t, err)
	_, err = target.Login(iscsitest.LoginOptions{Keys: map[string]string{"MaxRecvDataSegmentLength": "0"}})
	require.NoError(t, err)

	_, err = target.Recv()
	assert.Error(t, err)
	require.Eventually(t, func() bool {
		info, err := engine.SessionInfo("vol1")
		return err == nil && info.State == "FAILED (gave up)"
	}, iscsitest.Timeout, 10*time.Millisecond)
	select {
	case ev := <-dev.events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

// An R2T the initiator can not honour fails the connection, so the command
// is reset instead of waiting for a status that never comes.
func TestBadR2TResets(t *testing.T) {
	for _, tc := range []struct {
		name           string
		offset, length uint32
	}{
		{name: "zero length", offset: 0, length: 0},
		{name: "past the buffer", offset: 2048, length: 4096},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := setup(t, noImmediate(), iscsitest.LoginOptions{})
			defer e.cancel()

			e.dev.write(1, pattern(4096))
			e.dev.cmds <- &types.SCSICommand{Tag: 1, CDB: write10(0, 8), Direction: types.DirWrite, DataLength: 4096}
			req, err := e.target.Expect(pdu.OpSCSICmd)
			require.NoError(t, err)
			require.NoError(t, e.target.Send(iscsitest.R2T(req.ITT(), 0x20, 0, tc.offset, tc.length)))

			assert.Equal(t, status{tag: 1, code: types.StatusReset}, e.dev.waitStatus(t))
			_, err = e.target.Recv()
			assert.Error(t, err)

			// the event loop is still serving
			require.Eventually(t, func() bool {
				infos := e.init.Sessions()
				return len(infos) == 1 && infos[0].State == "FAILED (gave up)"
			}, iscsitest.Timeout, 10*time.Millisecond)
		})
	}
}

// Data-Out echoes the R2T's LUN field byte for byte.
func TestDataOutLUN(t *testing.T) {
	e := setup(t, noImmediate(), iscsitest.LoginOptions{})
	defer e.cancel()

	e.dev.write(2, pattern(512))
	e.dev.cmds <- &types.SCSICommand{Tag: 2, CDB: write10(0, 1), Direction: types.DirWrite, DataLength: 512}
	req, err := e.target.Expect(pdu.OpSCSICmd)
	require.NoError(t, err)

	lun := []byte{0xd2, 0x01, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00}
	r2t := iscsitest.R2T(req.ITT(), 0x30, 0, 0, 512)
	r2t.SetRawLUN(lun)
	require.NoError(t, e.target.Send(r2t))
	out, err := e.target.Expect(pdu.OpDataOut)
	require.NoError(t, err)
	assert.Equal(t, lun, out.RawLUN())

	require.NoError(t, e.target.Send(iscsitest.SCSIResponse(req.ITT(), pdu.StatusGood, nil)))
	assert.Equal(t, types.StatusOK, e.dev.waitStatus(t).code)
}

func TestWriteImmediate(t *testing.T) {
	e := setup(t, sessionConfig(), iscsitest.LoginOptions{MaxRecvDataSegmentLength: 4096})
	defer e.cancel()

	data := pattern(6000)
	e.dev.write(3, data)
	e.dev.cmds <- &types.SCSICommand{Tag: 3, CDB: write10(0, 12), Direction: types.DirWrite, DataLength: 6000}

	req, err := e.target.Expect(pdu.OpSCSICmd)
	require.NoError(t, err)
	require.Equal(t, 4096, req.DataLength())
	assert.Equal(t, data[:4096], req.Data())

	// the second R2T restarts DataSN
	require.NoError(t, e.target.Send(iscsitest.R2T(req.ITT(), 0x10, 0, 4096, 1000)))
	out, err := e.target.Expect(pdu.OpDataOut)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), out.DataSN())
	assert.True(t, out.Final())
	assert.Equal(t, data[4096:5096], out.Data())

	require.NoError(t, e.target.Send(iscsitest.R2T(req.ITT(), 0x11, 1, 5096, 904)))
	out, err = e.target.Expect(pdu.OpDataOut)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), out.DataSN())
	assert.Equal(t, uint32(0x11), out.TTT())
	assert.Equal(t, data[5096:], out.Data())

	require.NoError(t, e.target.Send(iscsitest.SCSIResponse(req.ITT(), pdu.StatusGood, nil)))
	assert.Equal(t, types.StatusOK, e.dev.waitStatus(t).code)
}

func TestCheckCondition(t *testing.T) {
	e := setup(t, sessionConfig(), iscsitest.LoginOptions{})
	defer e.cancel()

	e.dev.cmds <- &types.SCSICommand{Tag: 9, CDB: []byte{0x00, 0, 0, 0, 0, 0}}
	req, err := e.target.Expect(pdu.OpSCSICmd)
	require.NoError(t, err)
	assert.Equal(t, byte(pdu.FlagFinal|pdu.AttrSimple), req.Flags())

	sense := []byte{0x70, 0, 0x06, 0, 0, 0, 0, 0x0a, 0, 0, 0, 0, 0x29, 0}
	require.NoError(t, e.target.Send(iscsitest.SCSIResponse(req.ITT(), pdu.StatusCheckCondition, sense)))
	assert.Equal(t, status{tag: 9, code: types.StatusSense, sense: sense}, e.dev.waitStatus(t))
}

func TestBusy(t *testing.T) {
	e := setup(t, sessionConfig(), iscsitest.LoginOptions{})
	defer e.cancel()

	e.dev.cmds <- &types.SCSICommand{Tag: 9, CDB: []byte{0x00, 0, 0, 0, 0, 0}}
	req, err := e.target.Expect(pdu.OpSCSICmd)
	require.NoError(t, err)
	require.NoError(t, e.target.Send(iscsitest.SCSIResponse(req.ITT(), pdu.StatusBusy, nil)))
	assert.Equal(t, types.StatusError, e.dev.waitStatus(t).code)
}

func TestExtendedCDB(t *testing.T) {
	e := setup(t, sessionConfig(), iscsitest.LoginOptions{})
	defer e.cancel()

	cdb := pattern(32)
	e.dev.cmds <- &types.SCSICommand{Tag: 4, CDB: cdb}
	req, err := e.target.Expect(pdu.OpSCSICmd)
	require.NoError(t, err)
	assert.Equal(t, cdb[:16], req.CDB())
	ahs := req.AHS()
	require.Len(t, ahs, 20)
	assert.Equal(t, []byte{0, 17, pdu.AHSExtendedCDB, 0}, ahs[:4])
	assert.Equal(t, cdb[16:], ahs[4:])

	require.NoError(t, e.target.Send(iscsitest.SCSIResponse(req.ITT(), pdu.StatusGood, nil)))
	assert.Equal(t, types.StatusOK, e.dev.waitStatus(t).code)
}

func TestUnknownTarget(t *testing.T) {
	e := setup(t, sessionConfig(), iscsitest.LoginOptions{})
	defer e.cancel()

	e.dev.cmds <- &types.SCSICommand{Tag: 5, Target: 3, CDB: []byte{0x00, 0, 0, 0, 0, 0}}
	assert.Equal(t, status{tag: 5, code: types.StatusError}, e.dev.waitStatus(t))

	e.dev.cmds <- &types.SCSICommand{Tag: 6}
	assert.Equal(t, status{tag: 6, code: types.StatusError}, e.dev.waitStatus(t))
}

// A connection lost mid-command resets the command exactly once.
func TestPeerCloseResets(t *testing.T) {
	e := setup(t, noImmediate(), iscsitest.LoginOptions{})
	defer e.cancel()

	e.dev.write(1, pattern(4096))
	e.dev.cmds <- &types.SCSICommand{Tag: 1, CDB: write10(0, 8), Direction: types.DirWrite, DataLength: 4096}
	_, err := e.target.Expect(pdu.OpSCSICmd)
	require.NoError(t, err)
	require.NoError(t, e.target.Close())

	assert.Equal(t, status{tag: 1, code: types.StatusReset}, e.dev.waitStatus(t))
	select {
	case s := <-e.dev.statuses:
		t.Fatalf("second status %+v", s)
	case <-time.After(100 * time.Millisecond):
	}

	// the session gave up, new commands fail right away
	e.dev.cmds <- &types.SCSICommand{Tag: 2, CDB: []byte{0x00, 0, 0, 0, 0, 0}}
	assert.Equal(t, status{tag: 2, code: types.StatusError}, e.dev.waitStatus(t))
}

func TestLogoutDetaches(t *testing.T) {
	e := setup(t, sessionConfig(), iscsitest.LoginOptions{})
	defer e.cancel()

	require.NoError(t, e.init.Logout("vol1"))
	_, err := e.target.Logout(pdu.LogoutSuccess)
	require.NoError(t, err)
	assert.Equal(t, event{kind: types.EventDetach, target: 0, lun: types.AllLUNs}, e.dev.waitEvent(t))
}

func TestSenseData(t *testing.T) {
	assert.Nil(t, senseData(nil))
	assert.Equal(t, []byte{1, 2}, senseData([]byte{0, 2, 1, 2, 0, 0}))
	// a length past the segment is cut to what is there
	assert.Equal(t, []byte{1}, senseData([]byte{0, 9, 1}))
}

func TestExtendedCDBPadding(t *testing.T) {
	ahs := extendedCDB(bytes.Repeat([]byte{0xaa}, 5))
	assert.Len(t, ahs, 12)
	assert.Equal(t, []byte{0, 6, pdu.AHSExtendedCDB, 0}, ahs[:4])
	assert.Equal(t, []byte{0, 0, 0}, ahs[9:])
}

package rest

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/openebs/iscsid/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// disk answers commands from the device the way a session would, backed by
// an in-memory disk.
type disk struct {
	d     *Device
	data  []byte
	cmds  chan *types.SCSICommand
	sense []byte
}

func newDisk(t *testing.T, size int) *disk {
	k := &disk{
		d:    New("", 512),
		data: make([]byte, size),
		cmds: make(chan *types.SCSICommand, 16),
	}
	require.NoError(t, k.d.Event(types.EventProbe, 1, types.AllLUNs))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go k.run(ctx)
	return k
}

func (k *disk) run(ctx context.Context) {
	for {
		select {
		case cmd := <-k.d.Commands():
			k.cmds <- cmd
			k.serve(cmd)
		case <-ctx.Done():
			return
		}
	}
}

func (k *disk) serve(cmd *types.SCSICommand) {
	if k.sense != nil {
		k.d.Status(cmd.Tag, types.StatusSense, k.sense)
		return
	}
	switch cmd.CDB[0] {
	case opInquiry:
		inq := make([]byte, inquiryLength)
		copy(inq[8:], "OpenEBS iSCSI Disk      0001")
		k.d.Data(types.DirRead, cmd.Tag, 0, inq)
	case opRead10:
		off := int64(binary.BigEndian.Uint32(cmd.CDB[2:])) * 512
		k.d.Data(types.DirRead, cmd.Tag, 0, k.data[off:off+int64(cmd.DataLength)])
	case opWrite10:
		off := int64(binary.BigEndian.Uint32(cmd.CDB[2:])) * 512
		k.d.Data(types.DirWrite, cmd.Tag, 0, k.data[off:off+int64(cmd.DataLength)])
	}
	k.d.Status(cmd.Tag, types.StatusOK, nil)
}

func TestReadWrite(t *testing.T) {
	k := newDisk(t, 8192)
	ctx := context.Background()

	data := bytes.Repeat([]byte{0xab}, 1024)
	require.NoError(t, k.d.WriteAt(ctx, 1, 0, 1024, data))
	cmd := <-k.cmds
	assert.Equal(t, types.DirWrite, cmd.Direction)
	assert.Equal(t, uint32(1024), cmd.DataLength)
	assert.Equal(t, []byte{opWrite10, 0, 0, 0, 0, 2, 0, 0, 2, 0}, cmd.CDB)

	buf, err := k.d.ReadAt(ctx, 1, 0, 512, 2048)
	require.NoError(t, err)
	cmd = <-k.cmds
	assert.Equal(t, types.DirRead, cmd.Direction)
	assert.Equal(t, make([]byte, 512), buf[:512])
	assert.Equal(t, data, buf[512:1536])
	assert.Equal(t, make([]byte, 512), buf[1536:])
}

func TestAlignment(t *testing.T) {
	k := newDisk(t, 4096)
	ctx := context.Background()

	_, err := k.d.ReadAt(ctx, 1, 0, 100, 512)
	assert.Equal(t, ErrAlignment, err)
	_, err = k.d.ReadAt(ctx, 1, 0, 0, 0)
	assert.Equal(t, ErrAlignment, err)
	assert.Equal(t, ErrAlignment, k.d.WriteAt(ctx, 1, 0, 0, make([]byte, 10)))
	_, err = k.d.ReadAt(ctx, 1, 0, 0, 512*0x10000)
	assert.Error(t, err)
}

func TestNotAttached(t *testing.T) {
	k := newDisk(t, 4096)
	ctx := context.Background()

	_, err := k.d.ReadAt(ctx, 2, 0, 0, 512)
	assert.Equal(t, ErrNotAttached, err)

	require.NoError(t, k.d.Event(types.EventDetach, 1, types.AllLUNs))
	_, err = k.d.ReadAt(ctx, 1, 0, 0, 512)
	assert.Equal(t, ErrNotAttached, err)
	assert.Empty(t, k.d.Targets())
}

func TestCheckCondition(t *testing.T) {
	k := newDisk(t, 4096)
	sense := make([]byte, 18)
	sense[0] = 0x70
	sense[2] = 0x05
	sense[12] = 0x24
	k.sense = sense

	_, err := k.d.ReadAt(context.Background(), 1, 0, 0, 512)
	serr, ok := err.(*StatusError)
	require.True(t, ok)
	assert.Equal(t, types.StatusSense, serr.Code)
	assert.Equal(t, "check condition, sense key 0x5 asc 0x24 ascq 0x00", serr.Error())
}

func TestUnknownTag(t *testing.T) {
	d := New("", 0)
	assert.Equal(t, int64(DefaultBlockSize), d.BlockSize)
	assert.Error(t, d.Status(7, types.StatusOK, nil))
	_, err := d.Data(types.DirRead, 7, 0, make([]byte, 1))
	assert.Error(t, err)
}

func TestSubmitTimeout(t *testing.T) {
	// nothing reads the command channel once it is full
	d := New("", 512)
	require.NoError(t, d.Event(types.EventProbe, 0, types.AllLUNs))
	for i := 0; i < cap(d.cmds); i++ {
		d.cmds <- &types.SCSICommand{}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.ReadAt(ctx, 0, 0, 0, 512)
	assert.Equal(t, context.DeadlineExceeded, err)
	d.Lock()
	assert.Empty(t, d.pending)
	d.Unlock()
}

func TestDataBounds(t *testing.T) {
	d := New("", 512)
	d.pending[1] = &request{buf: make([]byte, 512), done: make(chan error, 1)}

	_, err := d.Data(types.DirRead, 1, 256, make([]byte, 512))
	assert.Error(t, err)
	n, err := d.Data(types.DirRead, 1, 256, bytes.Repeat([]byte{1}, 256))
	require.NoError(t, err)
	assert.Equal(t, 256, n)
	assert.Equal(t, byte(1), d.pending[1].buf[511])
}

func post(t *testing.T, url string, body interface{}) (*http.Response, map[string]interface{}) {
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]interface{}{}
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestHTTP(t *testing.T) {
	k := newDisk(t, 8192)
	srv := httptest.NewServer(k.d.Handler())
	defer srv.Close()

	data := bytes.Repeat([]byte("iscsi"), 512)[:2048]
	resp, _ := post(t, srv.URL+"/v1/targets/1?action=writeat", WriteInput{
		Offset: 4096,
		Length: len(data),
		Data:   EncodeData(data),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, data, k.data[4096:6144])

	resp, out := post(t, srv.URL+"/v1/targets/1?action=readat", ReadInput{
		Offset: 4096,
		Length: 2048,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got, err := DecodeData(out["data"].(string))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	resp, out = post(t, srv.URL+"/v1/targets/1?action=inquiry", InquiryInput{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OpenEBS", out["vendor"])
	assert.Equal(t, "iSCSI Disk", out["product"])
	assert.Equal(t, "0001", out["revision"])

	resp, _ = post(t, srv.URL+"/v1/targets/2?action=readat", ReadInput{Length: 512})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = post(t, srv.URL+"/v1/targets/1?action=writeat", WriteInput{
		Length: 512,
		Data:   EncodeData(data),
	})
	assert.NotEqual(t, http.StatusOK, resp.StatusCode)
}

func TestInquiryOutput(t *testing.T) {
	out := NewInquiryOutput([]byte{0x00})
	assert.Empty(t, out.Vendor)

	inq := make([]byte, 36)
	inq[0] = 0x05
	copy(inq[8:], "VENDOR  PRODUCT         REV1")
	out = NewInquiryOutput(inq)
	assert.Equal(t, 5, out.DeviceType)
	assert.Equal(t, "VENDOR", out.Vendor)
	assert.Equal(t, "PRODUCT", out.Product)
	assert.Equal(t, "REV1", out.Revision)
}

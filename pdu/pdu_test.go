package pdu

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct{}

var _ = Suite(&TestSuite{})

func loginRequest() *PDU {
	p := New()
	p.SetOpcode(OpLoginReq)
	p.SetImmediate(true)
	p.SetLoginStages(StageSecurity, StageOperational, true)
	p.SetISID(0x80123456abcd)
	p.SetCID(7)
	p.SetITT(42)
	p.SetCmdSN(1)
	p.SetData(EncodeText([]KeyValue{
		{"AuthMethod", "None"},
		{"InitiatorName", "iqn.2020-01.io.openebs:test"},
		{"SessionType", "Normal"},
	}))
	return p
}

func dataIn(itt uint32, offset uint32, data []byte) *PDU {
	p := New()
	p.SetOpcode(OpDataIn)
	p.SetITT(itt)
	p.SetBufferOffset(offset)
	p.SetData(data)
	return p
}

func (s *TestSuite) TestHeaderFields(c *C) {
	p := loginRequest()
	c.Assert(p.Opcode(), Equals, OpLoginReq)
	c.Assert(p.Immediate(), Equals, true)
	c.Assert(p.Transit(), Equals, true)
	c.Assert(p.CurrentStage(), Equals, StageSecurity)
	c.Assert(p.NextStage(), Equals, StageOperational)
	c.Assert(p.ISID(), Equals, uint64(0x80123456abcd))
	c.Assert(p.CID(), Equals, uint16(7))
	c.Assert(p.ITT(), Equals, uint32(42))
	c.Assert(p.DataLength(), Equals, len(p.Data()))

	p.SetLoginStages(StageOperational, StageFullFeature, false)
	c.Assert(p.Transit(), Equals, false)
	c.Assert(p.CurrentStage(), Equals, StageOperational)
	c.Assert(p.NextStage(), Equals, StageSecurity)
}

func (s *TestSuite) TestLUN(c *C) {
	for _, lun := range []uint64{0, 1, 255, 256, 4000} {
		p := New()
		p.SetLUN(lun)
		c.Assert(p.LUN(), Equals, lun)
	}
	c.Assert(EncodeLUN(3)[:2], DeepEquals, []byte{0x00, 0x03})
	c.Assert(EncodeLUN(300)[:2], DeepEquals, []byte{0x41, 0x2c})
}

func (s *TestSuite) TestRawLUN(c *C) {
	// two level LUN with the extended addressing method
	lun := []byte{0xd2, 0x01, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00}
	p := New()
	p.SetRawLUN(lun)
	raw := p.RawLUN()
	c.Assert(raw, DeepEquals, lun)

	echo := New()
	echo.SetRawLUN(raw)
	c.Assert(echo.RawLUN(), DeepEquals, lun)
	// the decoded form is lossy
	echo.SetLUN(p.LUN())
	c.Assert(echo.RawLUN(), Not(DeepEquals), lun)

	raw[0] = 0
	c.Assert(p.RawLUN(), DeepEquals, lun)
}

func (s *TestSuite) TestOpcodeNames(c *C) {
	c.Assert(OpNopIn.String(), Equals, "nop-in")
	c.Assert(OpR2T.String(), Equals, "r2t")
	c.Assert(OpDataOut.String(), Equals, "data-out")
	c.Assert(Opcode(0x1c).String(), Equals, "opcode(0x1c)")
	c.Assert(OpSCSICmd, Equals, Opcode(0x01))
	c.Assert(OpReject, Equals, Opcode(0x3f))

	p := New()
	p.SetOpcode(OpLogoutResp)
	c.Assert(p.Opcode().String(), Equals, "logout-resp")
}

func (s *TestSuite) TestDetach(c *C) {
	p := dataIn(1, 0, []byte("abc"))
	data := p.Detach(SegData)
	c.Assert(data, DeepEquals, []byte("abc"))
	c.Assert(p.Data(), IsNil)
	p.Free()
	c.Assert(p.Header(), IsNil)
}

func (s *TestSuite) TestAHS(c *C) {
	p := New()
	c.Assert(errors.Is(p.SetAHS(make([]byte, 5)), ErrMalformed), Equals, true)
	c.Assert(p.SetAHS(make([]byte, 20)), IsNil)
	c.Assert(p.AHSLength(), Equals, 20)
}

func (s *TestSuite) TestFramerChunkInvariance(c *C) {
	for _, digests := range []bool{false, true} {
		var stream []byte
		var want []*PDU
		for i, size := range []int{0, 1, 5, 48, 4097} {
			p := dataIn(uint32(i), uint32(i*10), bytes.Repeat([]byte{byte(i + 1)}, size))
			want = append(want, p)
			stream = append(stream, Encode(p, digests, digests)...)
		}
		stream = append(stream, Encode(loginRequest(), digests, digests)...)

		for _, chunk := range []int{1, 3, 47, 48, 49, 1000, len(stream)} {
			f := NewFramer()
			f.SetDigests(digests, digests)
			var got []*PDU
			for off := 0; off < len(stream); off += chunk {
				end := off + chunk
				if end > len(stream) {
					end = len(stream)
				}
				f.Feed(stream[off:end])
				for {
					p, err := f.Next()
					c.Assert(err, IsNil)
					if p == nil {
						break
					}
					got = append(got, p)
				}
			}
			c.Assert(got, HasLen, len(want)+1, Commentf("chunk %d", chunk))
			for i, p := range want {
				c.Assert(got[i].Header(), DeepEquals, p.Header())
				c.Assert(got[i].BufferOffset(), Equals, uint32(i*10))
				c.Assert(len(got[i].Data()), Equals, len(p.Data()))
				c.Assert(bytes.Equal(got[i].Data(), p.Data()), Equals, true)
			}
			c.Assert(f.Buffered(), Equals, 0)
		}
	}
}

func (s *TestSuite) TestFramerLimits(c *C) {
	f := NewFramer()
	f.SetMaxDataLength(16)
	f.Feed(Encode(dataIn(1, 0, make([]byte, 17)), false, false))
	_, err := f.Next()
	c.Assert(errors.Is(err, ErrTooLarge), Equals, true)

	buf := Encode(dataIn(1, 0, []byte("payload")), true, true)
	buf[HeaderLength+DigestLength] ^= 0xff
	f = NewFramer()
	f.SetDigests(true, true)
	f.Feed(buf)
	_, err = f.Next()
	c.Assert(errors.Is(err, ErrDigest), Equals, true)
}

func (s *TestSuite) TestTextRoundTrip(c *C) {
	kvs := []KeyValue{
		{"TargetName", "iqn.2020-01.io.openebs:a"},
		{"TargetAddress", "10.0.0.1:3260,1"},
		{"TargetAddress", "10.0.0.2:3260,1"},
		{"Empty", ""},
	}
	p := New()
	p.SetOpcode(OpTextResp)
	p.SetData(EncodeText(kvs))

	f := NewFramer()
	got, err := f.ReadPDU(bytes.NewReader(Encode(p, false, false)))
	c.Assert(err, IsNil)
	decoded, err := DecodeText(got.Data())
	c.Assert(err, IsNil)
	c.Assert(decoded, DeepEquals, kvs)
	c.Assert(LookupAll(decoded, "TargetAddress"), HasLen, 2)

	// padding as received from the wire
	decoded, err = DecodeText(append(EncodeText(kvs[:1]), 0, 0, 0))
	c.Assert(err, IsNil)
	c.Assert(decoded, DeepEquals, kvs[:1])

	_, err = DecodeText([]byte("NoTerminator=1"))
	c.Assert(errors.Is(err, ErrMalformed), Equals, true)
}

// shortWriter accepts at most limit bytes per call and then reports a
// deadline.
type shortWriter struct {
	buf   bytes.Buffer
	limit int
}

func (w *shortWriter) Write(b []byte) (int, error) {
	if len(b) > w.limit {
		w.buf.Write(b[:w.limit])
		return w.limit, os.ErrDeadlineExceeded
	}
	return w.buf.Write(b)
}

func (s *TestSuite) TestWriterShortWrites(c *C) {
	w := NewWriter()
	w.SetDigests(true, true)
	first := dataIn(1, 0, []byte("hello"))
	second := dataIn(2, 5, bytes.Repeat([]byte("x"), 100))
	w.Enqueue(first, second)
	c.Assert(w.Pending(), Equals, true)

	sw := &shortWriter{limit: 7}
	for i := 0; ; i++ {
		c.Assert(i < 1000, Equals, true)
		done, err := w.Flush(sw)
		c.Assert(err, IsNil)
		if done {
			break
		}
	}
	c.Assert(w.Pending(), Equals, false)

	want := append(Encode(first, true, true), Encode(second, true, true)...)
	c.Assert(sw.buf.Bytes(), DeepEquals, want)

	f := NewFramer()
	f.SetDigests(true, true)
	p, err := f.ReadPDU(&sw.buf)
	c.Assert(err, IsNil)
	c.Assert(string(p.Data()), Equals, "hello")
	p, err = f.ReadPDU(&sw.buf)
	c.Assert(err, IsNil)
	c.Assert(p.BufferOffset(), Equals, uint32(5))
	_, err = f.ReadPDU(&sw.buf)
	c.Assert(err, Equals, io.EOF)
}

func (s *TestSuite) TestWriterError(c *C) {
	w := NewWriter()
	w.Enqueue(loginRequest())
	done, err := w.Flush(errWriter{})
	c.Assert(done, Equals, false)
	c.Assert(err, ErrorMatches, "broken pipe")
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func (s *TestSuite) TestDigestKnownValue(c *C) {
	// RFC 3720 B.4: 32 bytes of zeroes.
	c.Assert(Digest(make([]byte, 32)), Equals, uint32(0x8a9136aa))
}

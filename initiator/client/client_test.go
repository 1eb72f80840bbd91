package client

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openebs/iscsid/initiator"
	"github.com/openebs/iscsid/initiator/iscsitest"
	"github.com/openebs/iscsid/initiator/rest"
	"github.com/openebs/iscsid/pdu"
	"github.com/openebs/iscsid/types"
	"github.com/openebs/iscsid/util"

	. "gopkg.in/check.v1"
)

func Test(t *testing.T) { TestingT(t) }

type TestSuite struct {
	pipe   *iscsitest.Pipe
	init   *initiator.Initiator
	srv    *httptest.Server
	cli    *Client
	dir    string
	cancel context.CancelFunc
}

var _ = Suite(&TestSuite{})

type giveUp struct{}

func (giveUp) Failed(s *initiator.Session, attempt int, err error) (bool, time.Duration) {
	return false, 0
}

func (giveUp) Reconnect(old, new types.SessionConfig) bool {
	return (&initiator.DefaultPolicy{}).Reconnect(old, new)
}

func (s *TestSuite) SetUpTest(c *C) {
	var err error
	s.dir = c.MkDir()
	s.pipe = iscsitest.NewPipe()
	s.init = initiator.New(types.InitiatorConfig{Name: "iqn.2020-01.io.openebs:host"},
		initiator.WithPolicy(giveUp{}), initiator.WithDialer(s.pipe.Dial))
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.init.Run(ctx)

	s.srv = httptest.NewServer(rest.NewRouter(rest.NewServer(s.init, s.dir)))
	s.cli, err = NewClient(s.srv.URL)
	c.Assert(err, IsNil)
}

func (s *TestSuite) TearDownTest(c *C) {
	s.srv.Close()
	s.cancel()
}

func (s *TestSuite) waitState(c *C, name, state string) rest.Session {
	deadline := time.Now().Add(iscsitest.Timeout)
	for time.Now().Before(deadline) {
		sess, err := s.cli.GetSession(name)
		c.Assert(err, IsNil)
		if sess.State == state {
			return sess
		}
		time.Sleep(20 * time.Millisecond)
	}
	c.Fatalf("session %s never reached %s", name, state)
	return rest.Session{}
}

func config(name string) types.SessionConfig {
	return types.SessionConfig{
		SessionName:    name,
		TargetName:     "iqn.2020-01.io.openebs:vol1",
		TargetAddr:     "10.0.0.1",
		SessionType:    types.SessionNormal,
		MaxBurstLength: 128 << 10,
	}
}

func (s *TestSuite) TestSessionLifecycle(c *C) {
	sess, err := s.cli.ApplySession(config("vol1"))
	c.Assert(err, IsNil)
	c.Check(sess.Name, Equals, "vol1")
	c.Check(sess.TargetAddr, Equals, "10.0.0.1")
	c.Check(sess.Actions["logout"], Not(Equals), "")

	t, err := s.pipe.Accept()
	c.Assert(err, IsNil)
	sent, err := t.Login(iscsitest.LoginOptions{TSIH: 3})
	c.Assert(err, IsNil)
	v, _ := pdu.Lookup(sent, "MaxBurstLength")
	c.Check(v, Equals, "131072")

	sess = s.waitState(c, "vol1", "LOGGED_IN")
	c.Check(sess.TSIH, Equals, 3)
	c.Assert(sess.Connections, HasLen, 1)
	c.Check(sess.Connections[0].State, Equals, "LOGGED_IN")

	list, err := s.cli.ListSessions()
	c.Assert(err, IsNil)
	c.Assert(list, HasLen, 1)
	c.Check(list[0].Name, Equals, "vol1")

	done := make(chan error, 1)
	go func() {
		_, err := t.Logout(pdu.LogoutSuccess)
		done <- err
	}()
	c.Assert(s.cli.DeleteSession("vol1"), IsNil)
	c.Assert(<-done, IsNil)

	_, err = s.cli.GetSession("vol1")
	c.Check(err, Equals, ErrNotFound)
	c.Check(s.cli.DeleteSession("vol1"), Equals, ErrNotFound)
	c.Check(s.cli.Logout("vol1"), Equals, ErrNotFound)
}

func (s *TestSuite) TestLogoutAction(c *C) {
	_, err := s.cli.ApplySession(config("vol2"))
	c.Assert(err, IsNil)
	t, err := s.pipe.Accept()
	c.Assert(err, IsNil)
	_, err = t.Login(iscsitest.LoginOptions{})
	c.Assert(err, IsNil)
	s.waitState(c, "vol2", "LOGGED_IN")

	c.Assert(s.cli.Logout("vol2"), IsNil)
	req, err := t.Logout(pdu.LogoutSuccess)
	c.Assert(err, IsNil)
	c.Check(req.LogoutReason(), Equals, pdu.LogoutCloseSession)
}

func (s *TestSuite) TestInvalidSession(c *C) {
	_, err := s.cli.ApplySession(types.SessionConfig{
		SessionName: "bad name",
		TargetAddr:  "10.0.0.1",
	})
	c.Check(err, ErrorMatches, "(?s).*invalid session name.*")

	cfg := config("vol3")
	cfg.TargetName = ""
	_, err = s.cli.ApplySession(cfg)
	c.Check(err, ErrorMatches, "(?s).*target name is required.*")

	list, err := s.cli.ListSessions()
	c.Assert(err, IsNil)
	c.Check(list, HasLen, 0)
}

func (s *TestSuite) TestSessionInput(c *C) {
	yes := true
	cfg := config("vol4")
	cfg.ImmediateData = &yes
	cfg.HeaderDigest = types.DigestCRC32C
	in := rest.NewSessionInput(cfg)
	c.Check(in.ImmediateData, Equals, "yes")
	c.Check(in.InitialR2T, Equals, "")

	got, err := in.Config()
	c.Assert(err, IsNil)
	c.Check(got, DeepEquals, cfg)

	in.MaxRecvDataSegmentLength = "64k"
	in.InitialR2T = "No"
	got, err = in.Config()
	c.Assert(err, IsNil)
	c.Check(got.MaxRecvDataSegmentLength, Equals, int64(65536))
	c.Assert(got.InitialR2T, NotNil)
	c.Check(*got.InitialR2T, Equals, false)

	in.ImmediateData = "maybe"
	_, err = in.Config()
	c.Check(err, ErrorMatches, `invalid boolean "maybe"`)
}

func (s *TestSuite) TestInitiator(c *C) {
	cfg, err := s.cli.GetInitiator()
	c.Assert(err, IsNil)
	c.Check(cfg.Name, Equals, "iqn.2020-01.io.openebs:host")
	base := cfg.ISIDBase

	c.Assert(s.cli.SetInitiator(types.InitiatorConfig{Name: "iqn.2020-01.io.openebs:other", ISIDQualifier: 9}), IsNil)
	cfg, err = s.cli.GetInitiator()
	c.Assert(err, IsNil)
	c.Check(cfg.Name, Equals, "iqn.2020-01.io.openebs:other")
	c.Check(cfg.ISIDQualifier, Equals, uint16(9))
	c.Check(cfg.ISIDBase, Equals, base)
}

func (s *TestSuite) TestJournalAndLogging(c *C) {
	c.Assert(s.cli.ListJournal(10), IsNil)

	c.Assert(s.cli.SetLogging(util.FileLogging{Enable: false}), IsNil)
	lf, err := util.LoadFileLogging(s.dir)
	c.Assert(err, IsNil)
	c.Check(lf.Enable, Equals, false)
	_, err = os.Stat(filepath.Join(s.dir, util.LogFile))
	c.Check(os.IsNotExist(err), Equals, true)
}

func (s *TestSuite) TestMetrics(c *C) {
	_, err := s.cli.ApplySession(config("vol5"))
	c.Assert(err, IsNil)

	resp, err := http.Get(s.srv.URL + "/metrics")
	c.Assert(err, IsNil)
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	c.Assert(err, IsNil)
	c.Check(string(body), Matches, `(?s).*iscsid_session_requests_total\{code="200",method="POST"\}.*`)
}

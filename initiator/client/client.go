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

package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openebs/iscsid/initiator/rest"
	"github.com/openebs/iscsid/types"
	"github.com/openebs/iscsid/util"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned for a session the daemon does not know.
var ErrNotFound = fmt.Errorf("not found")

type sessionCollection struct {
	Data []rest.Session `json:"data"`
}

type Client struct {
	address    string
	httpClient *http.Client
}

func NewClient(address string) (*Client, error) {
	if strings.HasPrefix(address, "tcp://") {
		address = address[6:]
	}
	if !strings.HasPrefix(address, "http") {
		address = "http://" + address
	}
	if !strings.HasSuffix(address, "/v1") {
		address += "/v1"
	}
	if _, err := url.Parse(address); err != nil {
		return nil, err
	}

	return &Client{
		address: address,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}, nil
}

func (c *Client) ListSessions() ([]rest.Session, error) {
	var resp sessionCollection
	err := c.do("GET", "/sessions", nil, &resp)
	return resp.Data, err
}

func (c *Client) GetSession(name string) (rest.Session, error) {
	var s rest.Session
	err := c.do("GET", "/sessions/"+url.PathEscape(name), nil, &s)
	return s, err
}

// ApplySession creates or updates a session.
func (c *Client) ApplySession(cfg types.SessionConfig) (rest.Session, error) {
	var s rest.Session
	err := c.do("POST", "/sessions", rest.NewSessionInput(cfg), &s)
	return s, err
}

func (c *Client) Logout(name string) error {
	return c.do("POST", "/sessions/"+url.PathEscape(name)+"?action=logout", map[string]string{}, nil)
}

// DeleteSession logs the session out and returns once the daemon has
// dropped it.
func (c *Client) DeleteSession(name string) error {
	return c.do("DELETE", "/sessions/"+url.PathEscape(name), nil, nil)
}

func (c *Client) GetInitiator() (types.InitiatorConfig, error) {
	var i rest.Initiator
	if err := c.do("GET", "/initiator", nil, &i); err != nil {
		return types.InitiatorConfig{}, err
	}
	return i.Config(), nil
}

func (c *Client) SetInitiator(cfg types.InitiatorConfig) error {
	return c.do("POST", "/initiator", rest.NewInitiator(cfg), nil)
}

func (c *Client) ListJournal(limit int) error {
	return c.do("POST", "/journal", &rest.JournalInput{Limit: limit}, nil)
}

func (c *Client) SetLogging(lf util.FileLogging) error {
	return c.do("POST", "/logging", &rest.LoggingInput{LogToFile: lf}, nil)
}

func (c *Client) do(method, path string, req, resp interface{}) error {
	var body *bytes.Buffer
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(b)
	} else {
		body = &bytes.Buffer{}
	}

	url := c.address + path
	logrus.Debugf("%s %s", method, url)

	httpReq, err := http.NewRequest(method, url, body)
	if err != nil {
		return err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if httpResp.StatusCode >= 300 {
		content, _ := ioutil.ReadAll(httpResp.Body)
		return fmt.Errorf("Bad response: %d %s: %s", httpResp.StatusCode, httpResp.Status, content)
	}

	if resp == nil || httpResp.StatusCode == http.StatusNoContent {
		return nil
	}

	return json.NewDecoder(httpResp.Body).Decode(resp)
}

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

package rest

import (
	"net/http"

	"github.com/openebs/iscsid/util"
	journal "github.com/openebs/sparse-tools/stats"
	"github.com/rancher/go-rancher/api"
	"github.com/sirupsen/logrus"
)

func (s *Server) GetInitiator(rw http.ResponseWriter, req *http.Request) error {
	apiContext := api.GetApiContext(req)
	apiContext.Write(NewInitiator(s.i.Config()))
	return nil
}

// SetInitiator changes the identity used by sessions created afterwards.
func (s *Server) SetInitiator(rw http.ResponseWriter, req *http.Request) error {
	var input Initiator
	apiContext := api.GetApiContext(req)
	if err := apiContext.Read(&input); err != nil {
		return err
	}

	s.i.SetConfig(input.Config())
	apiContext.Write(NewInitiator(s.i.Config()))
	return nil
}

// ListJournal flushes the in-flight task journal accumulated since the
// previous flush to the log.
func (s *Server) ListJournal(rw http.ResponseWriter, req *http.Request) error {
	var input JournalInput
	apiContext := api.GetApiContext(req)
	if err := apiContext.Read(&input); err != nil {
		return err
	}
	journal.PrintLimited(input.Limit)
	return nil
}

func (s *Server) SetLogging(rw http.ResponseWriter, req *http.Request) error {
	var input LoggingInput
	apiContext := api.GetApiContext(req)
	if err := apiContext.Read(&input); err != nil {
		return err
	}

	logrus.Infof("Set logging to file: %+v", input.LogToFile)
	return util.SetLogging(s.stateDir, input.LogToFile)
}

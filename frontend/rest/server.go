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
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rancher/go-rancher/api"
	"github.com/rancher/go-rancher/client"
)

func (s *Server) ListTargets(rw http.ResponseWriter, req *http.Request) error {
	apiContext := api.GetApiContext(req)
	data := []interface{}{}
	for _, t := range s.d.Targets() {
		data = append(data, NewTarget(apiContext, t))
	}
	apiContext.Write(&client.GenericCollection{
		Data: data,
	})
	return nil
}

func (s *Server) GetTarget(rw http.ResponseWriter, req *http.Request) error {
	apiContext := api.GetApiContext(req)

	t := s.getTarget(req)
	if t < 0 {
		rw.WriteHeader(http.StatusNotFound)
		return nil
	}

	apiContext.Write(NewTarget(apiContext, t))
	return nil
}

func (s *Server) ReadAt(rw http.ResponseWriter, req *http.Request) error {
	var input ReadInput

	apiContext := api.GetApiContext(req)
	t := s.getTarget(req)
	if t < 0 {
		rw.WriteHeader(http.StatusNotFound)
		return nil
	}

	if err := apiContext.Read(&input); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(req.Context(), commandTimeout)
	defer cancel()
	buf, err := s.d.ReadAt(ctx, t, input.Lun, input.Offset, input.Length)
	if err != nil {
		log.Errorln("read failed: ", err.Error())
		return fmt.Errorf("read failed: %v", err.Error())
	}

	apiContext.Write(&ReadOutput{
		Resource: client.Resource{
			Type: "readOutput",
		},
		Data: EncodeData(buf),
	})
	return nil
}

func (s *Server) WriteAt(rw http.ResponseWriter, req *http.Request) error {
	var input WriteInput

	apiContext := api.GetApiContext(req)
	t := s.getTarget(req)
	if t < 0 {
		rw.WriteHeader(http.StatusNotFound)
		return nil
	}

	if err := apiContext.Read(&input); err != nil {
		return err
	}

	buf, err := DecodeData(input.Data)
	if err != nil {
		return err
	}
	if len(buf) != input.Length {
		return fmt.Errorf("Inconsistent length in request")
	}

	ctx, cancel := context.WithTimeout(req.Context(), commandTimeout)
	defer cancel()
	if err := s.d.WriteAt(ctx, t, input.Lun, input.Offset, buf); err != nil {
		log.Errorln("write failed: ", err.Error())
		return err
	}
	apiContext.Write(&WriteOutput{
		Resource: client.Resource{
			Type: "writeOutput",
		},
	})
	return nil
}

func (s *Server) Inquiry(rw http.ResponseWriter, req *http.Request) error {
	var input InquiryInput

	apiContext := api.GetApiContext(req)
	t := s.getTarget(req)
	if t < 0 {
		rw.WriteHeader(http.StatusNotFound)
		return nil
	}

	if err := apiContext.Read(&input); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(req.Context(), commandTimeout)
	defer cancel()
	data, err := s.d.Inquiry(ctx, t, input.Lun)
	if err != nil {
		log.Errorln("inquiry failed: ", err.Error())
		return err
	}
	apiContext.Write(NewInquiryOutput(data))
	return nil
}

// getTarget returns the attached target named by the request or -1.
func (s *Server) getTarget(req *http.Request) int {
	id := mux.Vars(req)["id"]
	t, err := strconv.Atoi(id)
	if err != nil || !s.d.isAttached(t) {
		return -1
	}
	return t
}

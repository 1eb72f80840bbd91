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
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/openebs/iscsid/initiator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rancher/go-rancher/api"
	"github.com/rancher/go-rancher/client"
	"github.com/sirupsen/logrus"
)

var (
	sessionRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iscsid_session_request_duration_seconds",
			Help:    "Response time of the /v1/sessions requests applying session configs.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"code", "method"},
	)
	sessionRequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iscsid_session_requests_total",
			Help: "Total number of /v1/sessions requests applying session configs.",
		},
		[]string{"code", "method"},
	)
)

const (
	removeTimeout = 30 * time.Second
	pollInterval  = 100 * time.Millisecond
)

func init() {
	prometheus.MustRegister(sessionRequestDuration)
	prometheus.MustRegister(sessionRequestCounter)
}

func (s *Server) ListSessions(rw http.ResponseWriter, req *http.Request) error {
	apiContext := api.GetApiContext(req)
	resp := client.GenericCollection{}
	for _, info := range s.i.Sessions() {
		resp.Data = append(resp.Data, NewSession(apiContext, info))
	}

	resp.ResourceType = "session"
	resp.CreateTypes = map[string]string{
		"session": apiContext.UrlBuilder.Collection("session"),
	}

	apiContext.Write(&resp)
	return nil
}

func (s *Server) GetSession(rw http.ResponseWriter, req *http.Request) error {
	apiContext := api.GetApiContext(req)
	id := mux.Vars(req)["id"]

	info, err := s.i.SessionInfo(id)
	if err == initiator.ErrUnknownSession {
		rw.WriteHeader(http.StatusNotFound)
		return nil
	} else if err != nil {
		return err
	}

	apiContext.Write(NewSession(apiContext, info))
	return nil
}

// ApplySession creates the session named in the input or updates its
// config.
func (s *Server) ApplySession(rw http.ResponseWriter, req *http.Request) (err error) {
	var input SessionInput
	start := time.Now()
	code := http.StatusOK
	defer func() {
		if err != nil {
			code = http.StatusInternalServerError
		}
		s.RequestDuration.WithLabelValues(strconv.Itoa(code), req.Method).Observe(time.Since(start).Seconds())
		s.RequestCounter.WithLabelValues(strconv.Itoa(code), req.Method).Inc()
	}()

	apiContext := api.GetApiContext(req)
	if err := apiContext.Read(&input); err != nil {
		return err
	}

	cfg, err := input.Config()
	if err != nil {
		return err
	}
	if err := s.i.ApplyConfig(cfg); err != nil {
		return err
	}

	info, err := s.i.SessionInfo(cfg.SessionName)
	if err != nil {
		return err
	}
	apiContext.Write(NewSession(apiContext, info))
	return nil
}

func (s *Server) LogoutSession(rw http.ResponseWriter, req *http.Request) error {
	apiContext := api.GetApiContext(req)
	id := mux.Vars(req)["id"]

	err := s.i.Logout(id)
	if err == initiator.ErrUnknownSession {
		rw.WriteHeader(http.StatusNotFound)
		return nil
	} else if err != nil {
		return err
	}

	info, err := s.i.SessionInfo(id)
	if err == initiator.ErrUnknownSession {
		rw.WriteHeader(http.StatusNoContent)
		return nil
	} else if err != nil {
		return err
	}
	apiContext.Write(NewSession(apiContext, info))
	return nil
}

// DeleteSession logs the session out and waits until it is gone.
func (s *Server) DeleteSession(rw http.ResponseWriter, req *http.Request) error {
	id := mux.Vars(req)["id"]

	err := s.i.Logout(id)
	if err == initiator.ErrUnknownSession {
		rw.WriteHeader(http.StatusNotFound)
		return nil
	} else if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(req.Context(), removeTimeout)
	defer cancel()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if _, err := s.i.SessionInfo(id); err == initiator.ErrUnknownSession {
			logrus.Infof("Session %v removed", id)
			rw.WriteHeader(http.StatusNoContent)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

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
	"github.com/gorilla/mux"
	"github.com/openebs/iscsid/util"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rancher/go-rancher/api"
)

func NewRouter(s *Server) *mux.Router {
	schemas := NewSchema()
	router := mux.NewRouter().StrictSlash(true)
	f := util.HandleError

	// API framework routes
	router.Methods("GET").Path("/").Handler(api.VersionsHandler(schemas, "v1"))
	router.Methods("GET").Path("/v1/schemas").Handler(api.SchemasHandler(schemas))
	router.Methods("GET").Path("/v1/schemas/{id}").Handler(api.SchemaHandler(schemas))
	router.Methods("GET").Path("/v1").Handler(api.VersionHandler(schemas, "v1"))

	// Sessions
	router.Methods("GET").Path("/v1/sessions").Handler(f(schemas, s.ListSessions))
	router.Methods("POST").Path("/v1/sessions").Handler(f(schemas, s.ApplySession))
	router.Methods("GET").Path("/v1/sessions/{id}").Handler(f(schemas, s.GetSession))
	router.Methods("POST").Path("/v1/sessions/{id}").Queries("action", "logout").Handler(f(schemas, s.LogoutSession))
	router.Methods("DELETE").Path("/v1/sessions/{id}").Handler(f(schemas, s.DeleteSession))

	// Initiator
	router.Methods("GET").Path("/v1/initiator").Handler(f(schemas, s.GetInitiator))
	router.Methods("POST").Path("/v1/initiator").Handler(f(schemas, s.SetInitiator))

	router.Methods("POST").Path("/v1/journal").Handler(f(schemas, s.ListJournal))
	router.Methods("POST").Path("/v1/logging").Handler(f(schemas, s.SetLogging))
	router.Handle("/metrics", promhttp.Handler())

	return router
}

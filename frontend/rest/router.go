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

	// Targets
	router.Methods("GET").Path("/v1/targets").Handler(f(schemas, s.ListTargets))
	router.Methods("GET").Path("/v1/targets/{id}").Handler(f(schemas, s.GetTarget))
	router.Methods("POST").Path("/v1/targets/{id}").Queries("action", "readat").Handler(f(schemas, s.ReadAt))
	router.Methods("POST").Path("/v1/targets/{id}").Queries("action", "writeat").Handler(f(schemas, s.WriteAt))
	router.Methods("POST").Path("/v1/targets/{id}").Queries("action", "inquiry").Handler(f(schemas, s.Inquiry))

	return router
}

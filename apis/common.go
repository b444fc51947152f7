// Copyright 2022 The topicrouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/alwitt/topicrouter/hub"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// statusForError map a hub error to the HTTP response code
func statusForError(err error) int {
	switch {
	case errors.Is(err, hub.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, hub.ErrBadDestination):
		return http.StatusBadRequest
	case errors.Is(err, hub.ErrAuthorizationRejected), errors.Is(err, hub.ErrAuthorizationUnresolved):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// renderEvent render a message as one server-sent event
func renderEvent(msg hub.Message) ([]byte, error) {
	serialized, err := json.Marshal(&msg)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("data: %s\n\n", serialized)), nil
}

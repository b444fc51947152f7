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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/alwitt/goutils"
	"github.com/alwitt/topicrouter/common"
	"github.com/alwitt/topicrouter/hub"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ReadinessCheck reports an error when a dependency of the hub is not usable
type ReadinessCheck func() error

// CookieSetter derives the connection cookie from the request opening the event stream.
// A nil result leaves the connection without a cookie.
type CookieSetter func(r *http.Request) interface{}

/*
DefineCookieSetter define a CookieSetter which copies named request headers and query
parameters into a map[string]string cookie. Query parameters are stored under "query."
prefixed keys. Returns nil when nothing is to be copied.

	@param headers []string - request headers to copy
	@param queryParams []string - query parameters to copy
*/
func DefineCookieSetter(headers, queryParams []string) CookieSetter {
	if len(headers) == 0 && len(queryParams) == 0 {
		return nil
	}
	return func(r *http.Request) interface{} {
		cookie := map[string]string{}
		for _, name := range headers {
			if value := r.Header.Get(name); value != "" {
				cookie[http.CanonicalHeaderKey(name)] = value
			}
		}
		query := r.URL.Query()
		for _, name := range queryParams {
			if value := query.Get(name); value != "" {
				cookie["query."+name] = value
			}
		}
		if len(cookie) == 0 {
			return nil
		}
		return cookie
	}
}

// APIRestHubHandler REST handler for the hub
type APIRestHubHandler struct {
	goutils.RestAPIHandler
	registry        hub.ConnectionRegistry
	sinkBufferLen   int
	readinessChecks []ReadinessCheck
	cookieSetter    CookieSetter
	validate        *validator.Validate
	baseContext     context.Context
}

/*
GetAPIRestHubHandler define APIRestHubHandler

	@param baseContext context.Context - the server runtime context. Event streams end when
	    it is cancelled.
	@param registry hub.ConnectionRegistry - the connection registry
	@param httpConfig *common.HTTPConfig - HTTP request logging config
	@param endpoints common.HubEndpointConfig - hub endpoint config
	@param readinessChecks ...ReadinessCheck - additional checks for the ready endpoint
*/
func GetAPIRestHubHandler(
	baseContext context.Context,
	registry hub.ConnectionRegistry,
	httpConfig *common.HTTPConfig,
	endpoints common.HubEndpointConfig,
	readinessChecks ...ReadinessCheck,
) (APIRestHubHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "hub",
	}
	if endpoints.SinkBufferLen < 1 {
		return APIRestHubHandler{}, fmt.Errorf(
			"event stream buffer length must be positive, got %d", endpoints.SinkBufferLen,
		)
	}
	return APIRestHubHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		registry:        registry,
		sinkBufferLen:   endpoints.SinkBufferLen,
		readinessChecks: readinessChecks,
		cookieSetter:    DefineCookieSetter(endpoints.CookieHeaders, endpoints.CookieQueryParams),
		validate:        validator.New(),
		baseContext:     baseContext,
	}, nil
}

// WithCookieSetter copy of the handler which sets connection cookies with setter
func (h APIRestHubHandler) WithCookieSetter(setter CookieSetter) APIRestHubHandler {
	h.cookieSetter = setter
	return h
}

// =======================================================================
// Event stream

// EventStream godoc
// @Summary Open an event stream
// @Description Register a new hub connection, and stream its messages as server-sent
// events. The first event is CONNECT, carrying the connection ID used by the other
// calls. The stream closes on client disconnect or server shutdown.
// @tags Hub
// @Produce text/event-stream
// @Param Topicrouter-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} hub.Message "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /events [get]
func (h APIRestHubHandler) EventStream(w http.ResponseWriter, r *http.Request) {
	logTags := h.GetLogTagsForContext(r.Context())

	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		log.WithFields(logTags).Errorf(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
		return
	}

	// Messages queued for this client. A client too slow to drain the queue loses messages.
	msgBuffer := make(chan hub.Message, h.sinkBufferLen)
	sink := func(msg hub.Message) error {
		select {
		case msgBuffer <- msg:
			return nil
		default:
			return fmt.Errorf("event stream buffer full")
		}
	}

	peer := hub.PeerInfo{RemoteAddress: r.RemoteAddr, UserAgent: r.UserAgent()}
	if localAddr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		peer.LocalAddress = localAddr.String()
	}
	var cookie interface{}
	if h.cookieSetter != nil {
		cookie = h.cookieSetter(r)
	}
	connID, err := h.registry.CreateConnection(peer, cookie, sink, hub.UseDefaultKeepAlive)
	if err != nil {
		msg := "Unable to register connection"
		log.WithError(err).WithFields(logTags).Error(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error()),
			nil,
		); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to form response")
		}
		return
	}
	defer h.registry.RemoveConnection(connID)
	logTags["conn_id"] = connID

	// Send support headers for SSE first
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()

	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(logTags).Info("Terminating event stream on server stop")
			return
		case <-r.Context().Done():
			log.WithFields(logTags).Info("Terminating event stream on request end")
			return
		case msg := <-msgBuffer:
			rendered, err := renderEvent(msg)
			if err != nil {
				log.WithError(err).WithFields(logTags).Errorf("Failed to serialize %s", msg)
				continue
			}
			written, err := w.Write(rendered)
			writeFlusher.Flush()
			if err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to transmit message")
				return
			}
			h.registry.NotifyOutgoing(connID, rendered)
			log.WithFields(logTags).Debugf("Written %dB", written)
		}
	}
}

// EventStreamHandler Wrapper around EventStream
func (h APIRestHubHandler) EventStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.EventStream(w, r)
	}
}

// =======================================================================
// Client commands

// decodeJSONBody parse and validate a JSON request body
func (h APIRestHubHandler) decodeJSONBody(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(target); err != nil {
		return err
	}
	return h.validate.Struct(target)
}

// SubscribeRequest parameters of a subscribe command
type SubscribeRequest struct {
	// ConnectionID is the connection to subscribe
	ConnectionID string `json:"conn_id" validate:"required"`
	// SubscriptionID is the ID of the new subscription
	SubscriptionID string `json:"sub_id" validate:"required"`
	// Destination is the destination to subscribe to
	Destination string `json:"destination"`
	// Headers are the subscription headers. The selector header filters messages.
	Headers hub.Headers `json:"headers,omitempty"`
}

// Subscribe godoc
// @Summary Subscribe a connection to a destination
// @Description Subscribe a connection to every message published at or below a destination
// @tags Hub
// @Accept json
// @Produce json
// @Param Topicrouter-Request-ID header string false "User provided request ID to match against logs"
// @Param param body SubscribeRequest true "Subscription parameters"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /events/subscribe [post]
func (h APIRestHubHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params SubscribeRequest
	if err := h.decodeJSONBody(r, &params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	h.registry.NotifyCommand(params.ConnectionID, hub.CommandSubscribe, params)
	if err := h.registry.AddSubscription(
		r.Context(), params.ConnectionID, params.SubscriptionID, params.Destination, params.Headers,
	); err != nil {
		msg := fmt.Sprintf("Unable to subscribe to %s", params.Destination)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = statusForError(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestHubHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}

// UnsubscribeRequest parameters of an unsubscribe command
type UnsubscribeRequest struct {
	ConnectionID   string `json:"conn_id" validate:"required"`
	SubscriptionID string `json:"sub_id" validate:"required"`
}

// Unsubscribe godoc
// @Summary Remove a subscription
// @Description Remove a subscription from a connection
// @tags Hub
// @Produce json
// @Param Topicrouter-Request-ID header string false "User provided request ID to match against logs"
// @Param conn_id query string true "Connection ID"
// @Param sub_id query string true "Subscription ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /events/unsubscribe [get]
func (h APIRestHubHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	requestQueries := r.URL.Query()
	params := UnsubscribeRequest{
		ConnectionID: requestQueries.Get("conn_id"), SubscriptionID: requestQueries.Get("sub_id"),
	}
	if err := h.validate.Struct(&params); err != nil {
		msg := "Missing conn_id / sub_id"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	h.registry.NotifyCommand(params.ConnectionID, hub.CommandUnsubscribe, params)
	if err := h.registry.RemoveSubscription(params.ConnectionID, params.SubscriptionID); err != nil {
		msg := fmt.Sprintf("Unable to remove subscription %s", params.SubscriptionID)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = statusForError(err)
		if respCode == http.StatusInternalServerError {
			respCode = http.StatusBadRequest
		}
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// UnsubscribeHandler Wrapper around Unsubscribe
func (h APIRestHubHandler) UnsubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Unsubscribe(w, r)
	}
}

// SendRequest parameters of a send command
type SendRequest struct {
	// ConnectionID is the sending connection
	ConnectionID string `json:"conn_id" validate:"required"`
	// Destination is the message destination
	Destination string `json:"destination"`
	// Headers are the message headers
	Headers hub.Headers `json:"headers,omitempty"`
	// Body is the message body
	Body interface{} `json:"body,omitempty"`
}

// Send godoc
// @Summary Send a message
// @Description Send a message from a connection. The message is delivered to every matching
// subscription unless dispatch on send is disabled.
// @tags Hub
// @Accept json
// @Produce json
// @Param Topicrouter-Request-ID header string false "User provided request ID to match against logs"
// @Param param body SendRequest true "Message to send"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 403 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /events/send [post]
func (h APIRestHubHandler) Send(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params SendRequest
	if err := h.decodeJSONBody(r, &params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	h.registry.NotifyCommand(params.ConnectionID, hub.CommandSend, params)
	if err := h.registry.SendMessage(
		r.Context(), params.ConnectionID, params.Destination, params.Headers, params.Body,
	); err != nil {
		msg := fmt.Sprintf("Unable to send message to %s", params.Destination)
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = statusForError(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// SendHandler Wrapper around Send
func (h APIRestHubHandler) SendHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Send(w, r)
	}
}

// =======================================================================
// Connection listing

// APIRestRespConnections response listing the hub connections
type APIRestRespConnections struct {
	goutils.RestAPIBaseResponse
	Connections []hub.ConnectionSnapshot `json:"connections"`
}

// ListConnections godoc
// @Summary List connections
// @Description List the live hub connections along with their subscriptions and counters
// @tags Hub
// @Produce json
// @Param Topicrouter-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespConnections "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/connections [get]
func (h APIRestHubHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	resp := APIRestRespConnections{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()),
		Connections:         h.registry.Snapshot(),
	}
	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// ListConnectionsHandler Wrapper around ListConnections
func (h APIRestHubHandler) ListConnectionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ListConnections(w, r)
	}
}

// =======================================================================
// Health Checks

// Alive godoc
// @Summary For hub REST API liveness check
// @Description Will return success to indicate hub REST API module is live
// @tags Hub
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestHubHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestHubHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For hub REST API readiness check
// @Description Will return success if hub REST API module is ready for use
// @tags Hub
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestHubHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.baseContext.Err(); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}
	for _, check := range h.readinessChecks {
		if err := check(); err != nil {
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
			return
		}
	}
	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestHubHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// Write logging support
func (h APIRestHubHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", bytes.TrimSpace(p))
	return len(p), nil
}

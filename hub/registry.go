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

package hub

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/topicrouter/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// DispatchMode how published messages are fanned out
type DispatchMode string

const (
	// DispatchSync fan-out runs in the publisher's goroutine
	DispatchSync DispatchMode = "sync"
	// DispatchAsync fan-out runs in the registry's event loop
	DispatchAsync DispatchMode = "async"
)

// UseDefaultKeepAlive pass as the keep-alive to CreateConnection to use the registry's
// configured keep-alive interval
const UseDefaultKeepAlive time.Duration = -1

// RegistryConfig connection registry parameters
type RegistryConfig struct {
	// KeepAlive is the keep-alive interval used with UseDefaultKeepAlive
	KeepAlive time.Duration
	// DispatchOnSend whether messages sent by clients are dispatched to subscribers
	DispatchOnSend bool
	// DispatchMode is the fan-out mode. Defaults to sync.
	DispatchMode DispatchMode
	// DispatchQueueLen is the async fan-out task buffer length
	DispatchQueueLen int
	// SelectorErrorPolicy is the handling of selector errors. Required.
	SelectorErrorPolicy SelectorErrorPolicy
	// DestinationMatch is the destination matching mode. Defaults to prefix.
	DestinationMatch MatchMode
	// Authorizer is the authorization gate. Nil accepts every request.
	Authorizer Authorizer
	// IDGenerator generates connection IDs. Defaults to random UUIDs.
	IDGenerator func() string
}

// DefineRegistryConfig convert the hub config into registry parameters
func DefineRegistryConfig(cfg common.HubConfig) (RegistryConfig, error) {
	authorizer, err := DefineAuthorizerFromConfig(cfg.Authorization)
	if err != nil {
		return RegistryConfig{}, err
	}
	return RegistryConfig{
		KeepAlive:           time.Millisecond * time.Duration(cfg.KeepAliveInterval),
		DispatchOnSend:      cfg.DispatchOnSend,
		DispatchMode:        DispatchMode(cfg.DispatchMode),
		DispatchQueueLen:    cfg.DispatchQueueLen,
		SelectorErrorPolicy: SelectorErrorPolicy(cfg.SelectorErrorPolicy),
		DestinationMatch:    MatchMode(cfg.DestinationMatch),
		Authorizer:          authorizer,
	}, nil
}

// ConnectionRegistry owns every client connection of the hub
type ConnectionRegistry interface {
	/*
		CreateConnection register a new connection. The connection immediately pushes a
		CONNECT message carrying its ID through the sink.

			@param peer PeerInfo - remote peer descriptor
			@param cookie interface{} - user cookie
			@param sink MessageSink - receives the messages for the connection
			@param keepAlive time.Duration - ping interval, 0 disables pings
			@return the connection ID
	*/
	CreateConnection(
		peer PeerInfo, cookie interface{}, sink MessageSink, keepAlive time.Duration,
	) (string, error)

	// RemoveConnection end and remove a connection. Unknown IDs are ignored.
	RemoveConnection(connID string)

	// GetConnection fetch a connection
	GetConnection(connID string) (*Connection, error)

	// FindConnections list the connections matching the predicate, in no particular order
	FindConnections(predicate func(conn *Connection) bool) []*Connection

	// ConnectionCount number of live connections
	ConnectionCount() int

	/*
		AddSubscription subscribe a connection to a destination, after the authorization
		gate accepts the request

			@param ctxt context.Context - execution context
			@param connID string - the connection
			@param subID string - the subscription ID
			@param destination string - destination pattern
			@param headers Headers - subscription headers, may carry a selector
	*/
	AddSubscription(
		ctxt context.Context, connID, subID, destination string, headers Headers,
	) error

	// RemoveSubscription remove a subscription from a connection
	RemoveSubscription(connID, subID string) error

	/*
		SendMessage process a message sent by a client. The authorization gate is
		consulted, and the message is dispatched when dispatch on send is enabled.

			@param ctxt context.Context - execution context
			@param connID string - the sending connection
			@param destination string - the message destination
			@param headers Headers - the message headers
			@param body interface{} - the message body
	*/
	SendMessage(
		ctxt context.Context, connID, destination string, headers Headers, body interface{},
	) error

	/*
		DispatchMessage deliver a message to every matching subscription of every live
		connection. A failed connection does not stop the fan-out.

			@param ctxt context.Context - execution context
			@param destination string - the message destination
			@param headers Headers - the message headers
			@param body interface{} - the message body
	*/
	DispatchMessage(
		ctxt context.Context, destination string, headers Headers, body interface{},
	) error

	// Snapshot read-only copy of every connection
	Snapshot() []ConnectionSnapshot

	// AddEventListener register a listener for the given event kinds, all kinds if
	// none are given. Returns the listener ID.
	AddEventListener(listener EventListener, kinds ...EventKind) string

	// RemoveEventListener unregister a listener
	RemoveEventListener(listenerID string)

	// NotifyCommand report a client command received by the transport
	NotifyCommand(connID string, command CommandKind, payload interface{})

	// NotifyOutgoing report a rendered message written to a client by the transport
	NotifyOutgoing(connID string, rendered []byte)

	// Close end every connection and stop the registry
	Close() error
}

// dispatchTask an async fan-out request
type dispatchTask struct {
	destination string
	headers     Headers
	body        interface{}
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	cfg           RegistryConfig
	matcher       DestinationMatcher
	operationCtxt context.Context
	contextCancel context.CancelFunc
	wg            *sync.WaitGroup
	events        *eventBroadcaster
	dispatcher    common.TaskProcessor

	lock        sync.RWMutex
	connections map[string]*Connection
	reserved    map[string]bool
	closed      bool
}

/*
GetConnectionRegistry define a new connection registry

	@param ctxt context.Context - parent context for the keep-alive timers and event loop
	@param cfg RegistryConfig - registry parameters
	@param wg *sync.WaitGroup - tracks the goroutines started by the registry
*/
func GetConnectionRegistry(
	ctxt context.Context, cfg RegistryConfig, wg *sync.WaitGroup,
) (ConnectionRegistry, error) {
	logTags := log.Fields{"module": "hub", "component": "registry"}
	if err := cfg.SelectorErrorPolicy.Validate(); err != nil {
		return nil, err
	}
	matcher, err := GetDestinationMatcher(cfg.DestinationMatch)
	if err != nil {
		return nil, err
	}
	if cfg.KeepAlive < 0 {
		return nil, fmt.Errorf("keep-alive interval can't be negative")
	}
	if cfg.DispatchMode == "" {
		cfg.DispatchMode = DispatchSync
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = func() string { return uuid.New().String() }
	}

	optCtxt, cancel := context.WithCancel(ctxt)
	instance := &connectionRegistryImpl{
		Component:     common.Component{LogTags: logTags},
		cfg:           cfg,
		matcher:       matcher,
		operationCtxt: optCtxt,
		contextCancel: cancel,
		wg:            wg,
		events:        &eventBroadcaster{},
		connections:   make(map[string]*Connection),
		reserved:      make(map[string]bool),
	}

	switch cfg.DispatchMode {
	case DispatchSync:
	case DispatchAsync:
		if cfg.DispatchQueueLen < 1 {
			cfg.DispatchQueueLen = 1
		}
		dispatcher, err := common.GetNewTaskProcessorInstance("dispatch", cfg.DispatchQueueLen, optCtxt)
		if err != nil {
			cancel()
			return nil, err
		}
		if err := dispatcher.AddToTaskExecutionMap(
			reflect.TypeOf(dispatchTask{}), instance.processDispatchTask,
		); err != nil {
			cancel()
			return nil, err
		}
		if err := dispatcher.StartEventLoop(wg); err != nil {
			cancel()
			return nil, err
		}
		instance.dispatcher = dispatcher
	default:
		cancel()
		return nil, fmt.Errorf("unknown dispatch mode '%s'", cfg.DispatchMode)
	}
	return instance, nil
}

// CreateConnection register a new connection
func (r *connectionRegistryImpl) CreateConnection(
	peer PeerInfo, cookie interface{}, sink MessageSink, keepAlive time.Duration,
) (string, error) {
	if keepAlive < 0 {
		keepAlive = r.cfg.KeepAlive
	}
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return "", ErrRegistryClosed
	}
	connID := r.cfg.IDGenerator()
	if _, exists := r.connections[connID]; exists || r.reserved[connID] {
		r.lock.Unlock()
		return "", fmt.Errorf("generated connection ID '%s' already in use", connID)
	}
	r.reserved[connID] = true
	r.lock.Unlock()

	// CONNECT is pushed through the caller's sink without holding the registry lock
	conn, err := newConnection(connectionParams{
		id:             connID,
		peer:           peer,
		cookie:         cookie,
		sink:           sink,
		keepAlive:      keepAlive,
		matcher:        r.matcher,
		selectorPolicy: r.cfg.SelectorErrorPolicy,
		notify:         r.events.emit,
		onEnd:          r.connectionEnded,
		ctxt:           r.operationCtxt,
		wg:             r.wg,
	})

	r.lock.Lock()
	delete(r.reserved, connID)
	if err != nil {
		r.lock.Unlock()
		log.WithError(err).WithFields(r.LogTags).Error("Failed to define connection")
		return "", err
	}
	if r.closed {
		r.lock.Unlock()
		conn.end()
		return "", ErrRegistryClosed
	}
	r.connections[connID] = conn
	r.lock.Unlock()

	log.WithFields(r.LogTags).WithField("peer", peer.RemoteAddress).Infof("Connection %s created", connID)
	r.events.emit(Event{Kind: EventChange})
	r.events.emit(Event{Kind: EventConnect, ConnectionID: connID})
	return connID, nil
}

// RemoveConnection end and remove a connection
func (r *connectionRegistryImpl) RemoveConnection(connID string) {
	r.lock.Lock()
	conn, ok := r.connections[connID]
	if !ok {
		r.lock.Unlock()
		return
	}
	delete(r.connections, connID)
	conn.end()
	r.lock.Unlock()

	log.WithFields(r.LogTags).Infof("Connection %s removed", connID)
	r.events.emit(Event{Kind: EventChange})
	r.events.emit(Event{Kind: EventDisconnect, ConnectionID: connID})
}

// connectionEnded drop a connection which was ended directly
func (r *connectionRegistryImpl) connectionEnded(conn *Connection) {
	connID := conn.ID()
	r.lock.Lock()
	if current, ok := r.connections[connID]; !ok || current != conn {
		r.lock.Unlock()
		return
	}
	delete(r.connections, connID)
	r.lock.Unlock()

	log.WithFields(r.LogTags).Infof("Connection %s ended", connID)
	r.events.emit(Event{Kind: EventChange})
	r.events.emit(Event{Kind: EventDisconnect, ConnectionID: connID})
}

// GetConnection fetch a connection
func (r *connectionRegistryImpl) GetConnection(connID string) (*Connection, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	conn, ok := r.connections[connID]
	if !ok {
		return nil, connectionNotFound(connID)
	}
	return conn, nil
}

// connectionList copy of the live connections
func (r *connectionRegistryImpl) connectionList() []*Connection {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		result = append(result, conn)
	}
	return result
}

// FindConnections list the connections matching the predicate
func (r *connectionRegistryImpl) FindConnections(predicate func(conn *Connection) bool) []*Connection {
	result := []*Connection{}
	for _, conn := range r.connectionList() {
		if predicate == nil || predicate(conn) {
			result = append(result, conn)
		}
	}
	return result
}

// ConnectionCount number of live connections
func (r *connectionRegistryImpl) ConnectionCount() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.connections)
}

// AddSubscription subscribe a connection to a destination
func (r *connectionRegistryImpl) AddSubscription(
	ctxt context.Context, connID, subID, destination string, headers Headers,
) error {
	logTags := r.CopyLogTags(log.Fields{"conn_id": connID, "sub_id": subID})
	conn, err := r.GetConnection(connID)
	if err != nil {
		return err
	}
	if err := authorize(ctxt, r.cfg.Authorizer, AuthRequest{
		Mode:         AuthModeSubscribe,
		ConnectionID: connID,
		Connection:   conn,
		Destination:  destination,
		Headers:      headers,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Info("Subscribe rejected")
		return err
	}
	if destination == "" {
		return fmt.Errorf("%w: subscription '%s' has no destination", ErrBadDestination, subID)
	}
	return conn.AddSubscription(subID, NormalizeDestination(destination), headers)
}

// RemoveSubscription remove a subscription from a connection
func (r *connectionRegistryImpl) RemoveSubscription(connID, subID string) error {
	conn, err := r.GetConnection(connID)
	if err != nil {
		return err
	}
	return conn.RemoveSubscription(subID)
}

// SendMessage process a message sent by a client
func (r *connectionRegistryImpl) SendMessage(
	ctxt context.Context, connID, destination string, headers Headers, body interface{},
) error {
	logTags := r.CopyLogTags(log.Fields{"conn_id": connID})
	conn, err := r.GetConnection(connID)
	if err != nil {
		return err
	}
	if err := authorize(ctxt, r.cfg.Authorizer, AuthRequest{
		Mode:         AuthModeSend,
		ConnectionID: connID,
		Connection:   conn,
		Destination:  destination,
		Headers:      headers,
		Body:         body,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Info("Send rejected")
		return err
	}
	if destination == "" {
		return fmt.Errorf("%w: message has no destination", ErrBadDestination)
	}
	r.events.emit(Event{
		Kind:         EventSent,
		ConnectionID: connID,
		Sent:         &SendParams{Destination: destination, Headers: headers.Copy(), Body: body},
	})
	if !r.cfg.DispatchOnSend {
		return nil
	}
	if err := r.DispatchMessage(ctxt, destination, headers, body); err != nil {
		if errors.Is(err, ErrRegistryClosed) {
			return err
		}
		// Delivery problems of other subscribers are not the sender's failure
		log.WithError(err).WithFields(logTags).Warnf("Dispatch to %s partially failed", destination)
	}
	return nil
}

// DispatchMessage deliver a message to every matching subscription
func (r *connectionRegistryImpl) DispatchMessage(
	ctxt context.Context, destination string, headers Headers, body interface{},
) error {
	r.lock.RLock()
	closed := r.closed
	r.lock.RUnlock()
	if closed {
		return ErrRegistryClosed
	}
	if r.dispatcher != nil {
		return r.dispatcher.Submit(
			ctxt, dispatchTask{destination: destination, headers: headers.Copy(), body: body},
		)
	}
	return r.fanOut(destination, headers, body)
}

// processDispatchTask event loop handler for async fan-out
func (r *connectionRegistryImpl) processDispatchTask(param interface{}) error {
	task, ok := param.(dispatchTask)
	if !ok {
		return fmt.Errorf("can't process unknown task %s", reflect.TypeOf(param))
	}
	return r.fanOut(task.destination, task.headers, task.body)
}

// fanOut deliver a message to every live connection
func (r *connectionRegistryImpl) fanOut(
	destination string, headers Headers, body interface{},
) error {
	var errs error
	delivered := 0
	for _, conn := range r.connectionList() {
		count, err := conn.ForwardMessage(destination, headers, body)
		delivered += count
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("connection '%s': %w", conn.ID(), err))
		}
	}
	log.WithFields(r.LogTags).Debugf("Dispatched %s to %d subscriptions", destination, delivered)
	return errs
}

// Snapshot read-only copy of every connection
func (r *connectionRegistryImpl) Snapshot() []ConnectionSnapshot {
	conns := r.connectionList()
	result := make([]ConnectionSnapshot, 0, len(conns))
	for _, conn := range conns {
		result = append(result, conn.Snapshot())
	}
	return result
}

// AddEventListener register a listener
func (r *connectionRegistryImpl) AddEventListener(listener EventListener, kinds ...EventKind) string {
	return r.events.add(listener, kinds...)
}

// RemoveEventListener unregister a listener
func (r *connectionRegistryImpl) RemoveEventListener(listenerID string) {
	r.events.remove(listenerID)
}

// NotifyCommand report a client command
func (r *connectionRegistryImpl) NotifyCommand(
	connID string, command CommandKind, payload interface{},
) {
	r.events.emit(Event{Kind: EventCommand, ConnectionID: connID, Command: command, Payload: payload})
}

// NotifyOutgoing report a message written to a client
func (r *connectionRegistryImpl) NotifyOutgoing(connID string, rendered []byte) {
	if conn, err := r.GetConnection(connID); err == nil {
		conn.recordOutgoing(len(rendered))
	}
	r.events.emit(Event{Kind: EventOutgoing, ConnectionID: connID, Rendered: rendered})
}

// Close end every connection and stop the registry
func (r *connectionRegistryImpl) Close() error {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
		conn.end()
	}
	r.connections = make(map[string]*Connection)
	r.lock.Unlock()

	for _, conn := range conns {
		r.events.emit(Event{Kind: EventDisconnect, ConnectionID: conn.ID()})
	}
	if len(conns) > 0 {
		r.events.emit(Event{Kind: EventChange})
	}
	var err error
	if r.dispatcher != nil {
		err = r.dispatcher.StopEventLoop()
	}
	r.contextCancel()
	log.WithFields(r.LogTags).Info("Registry closed")
	return err
}

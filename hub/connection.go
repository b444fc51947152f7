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
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/alwitt/topicrouter/common"
	"github.com/apex/log"
	"go.uber.org/multierr"
)

// Subscription one destination subscription of a connection
type Subscription struct {
	// ID is the subscription ID, unique within the connection
	ID string `json:"sub_id"`
	// Destination is the subscribed destination pattern
	Destination string `json:"destination"`
	// Headers are the subscription headers
	Headers Headers `json:"headers,omitempty"`
	selector    *Selector
	selectorErr error
}

// compileSelector prepare the selector carried in the subscription headers
func (s *Subscription) compileSelector() {
	raw, ok := s.Headers[HeaderSelector]
	if !ok || raw == nil {
		return
	}
	expr, ok := raw.(string)
	if !ok {
		s.selectorErr = &SelectorError{
			Selector: fmt.Sprintf("%v", raw), Pos: -1, Msg: fmt.Sprintf("selector must be a string, got %T", raw),
		}
		return
	}
	if expr == "" {
		return
	}
	s.selector, s.selectorErr = CompileSelector(expr)
}

// hasSelector whether the subscription filters on headers
func (s *Subscription) hasSelector() bool {
	return s.selector != nil || s.selectorErr != nil
}

// ConnectionCounters transport counters of a connection
type ConnectionCounters struct {
	Delivered    uint64 `json:"delivered"`
	Failed       uint64 `json:"failed"`
	Pings        uint64 `json:"pings"`
	BytesWritten uint64 `json:"bytes_written"`
}

// ConnectionSnapshot read-only copy of a connection's state
type ConnectionSnapshot struct {
	ID            string             `json:"conn_id"`
	Peer          PeerInfo           `json:"peer"`
	Cookie        interface{}        `json:"cookie,omitempty"`
	KeepAliveMS   int64              `json:"keep_alive_ms"`
	Active        bool               `json:"active"`
	Subscriptions []Subscription     `json:"subscriptions"`
	Counters      ConnectionCounters `json:"counters"`
	CreatedAt     time.Time          `json:"created_at"`
}

// connectionParams parameters for defining a connection
type connectionParams struct {
	id             string
	peer           PeerInfo
	cookie         interface{}
	sink           MessageSink
	keepAlive      time.Duration
	matcher        DestinationMatcher
	selectorPolicy SelectorErrorPolicy
	notify         func(evt Event)
	onEnd          func(conn *Connection)
	ctxt           context.Context
	wg             *sync.WaitGroup
}

// Connection one client channel registered with the hub
type Connection struct {
	common.Component
	id             string
	peer           PeerInfo
	keepAlive      time.Duration
	createdAt      time.Time
	sink           MessageSink
	matcher        DestinationMatcher
	selectorPolicy SelectorErrorPolicy
	notify         func(evt Event)
	onEnd          func(conn *Connection)

	lock          sync.Mutex
	cookie        interface{}
	active        bool
	subscriptions map[string]*Subscription
	counters      ConnectionCounters
	pinger        common.IntervalTimer
}

// newConnection define a new connection. The connection emits its CONNECT message, and
// starts pinging when a keep-alive interval is set.
func newConnection(params connectionParams) (*Connection, error) {
	if params.sink == nil {
		return nil, fmt.Errorf("connection requires a message sink")
	}
	if params.matcher == nil {
		params.matcher = MatchDestinationPrefix
	}
	if params.notify == nil {
		params.notify = func(Event) {}
	}
	if params.onEnd == nil {
		params.onEnd = func(*Connection) {}
	}
	logTags := log.Fields{"module": "hub", "component": "connection", "instance": params.id}
	conn := &Connection{
		Component:      common.Component{LogTags: logTags},
		id:             params.id,
		peer:           params.peer,
		keepAlive:      params.keepAlive,
		createdAt:      time.Now().UTC(),
		sink:           params.sink,
		matcher:        params.matcher,
		selectorPolicy: params.selectorPolicy,
		notify:         params.notify,
		onEnd:          params.onEnd,
		cookie:         params.cookie,
		active:         true,
		subscriptions:  make(map[string]*Subscription),
	}

	conn.lock.Lock()
	conn.push(Message{Headers: Headers{
		HeaderEvent: string(MessageEventConnect), HeaderConnID: conn.id,
	}})
	conn.lock.Unlock()

	if params.keepAlive > 0 {
		pinger, err := common.GetIntervalTimerInstance(
			fmt.Sprintf("ping-%s", params.id), params.ctxt, params.wg,
		)
		if err != nil {
			return nil, err
		}
		conn.pinger = pinger
		if err := pinger.Start(params.keepAlive, conn.ping, false); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to start keep-alive")
			return nil, err
		}
	}
	return conn, nil
}

// push send a message through the sink. Caller must hold the lock.
func (c *Connection) push(msg Message) error {
	if err := c.sink(msg); err != nil {
		c.counters.Failed++
		log.WithError(err).WithFields(c.LogTags).Debugf("Failed to push %s", msg)
		return err
	}
	return nil
}

// ping keep-alive timer handler
func (c *Connection) ping() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.active {
		return nil
	}
	c.counters.Pings++
	return c.push(Message{Headers: Headers{HeaderEvent: string(MessageEventPing)}})
}

// ID the connection ID
func (c *Connection) ID() string {
	return c.id
}

// Peer the remote peer descriptor
func (c *Connection) Peer() PeerInfo {
	return c.peer
}

// KeepAlive the keep-alive interval. 0 means disabled.
func (c *Connection) KeepAlive() time.Duration {
	return c.keepAlive
}

// CreatedAt when the connection was created
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// Cookie the user cookie
func (c *Connection) Cookie() interface{} {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.cookie
}

// SetCookie replace the user cookie. A change of value raises a change event.
func (c *Connection) SetCookie(cookie interface{}) {
	c.lock.Lock()
	changed := !reflect.DeepEqual(c.cookie, cookie)
	c.cookie = cookie
	c.lock.Unlock()
	if changed {
		c.notify(Event{Kind: EventChange, ConnectionID: c.id})
	}
}

// Active whether the connection has not ended
func (c *Connection) Active() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.active
}

// Counters the transport counters
func (c *Connection) Counters() ConnectionCounters {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.counters
}

// recordOutgoing account for bytes written to the client by the transport
func (c *Connection) recordOutgoing(byteCount int) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.counters.BytesWritten += uint64(byteCount)
}

// AddSubscription add a subscription, replacing any existing one with the same ID
func (c *Connection) AddSubscription(subID, destination string, headers Headers) error {
	sub := &Subscription{ID: subID, Destination: destination, Headers: headers.Copy()}
	sub.compileSelector()
	if sub.selectorErr != nil {
		log.WithError(sub.selectorErr).WithFields(c.LogTags).Warnf(
			"Subscription %s has an invalid selector", subID,
		)
	}
	c.lock.Lock()
	if !c.active {
		c.lock.Unlock()
		return connectionNotFound(c.id)
	}
	c.subscriptions[subID] = sub
	c.lock.Unlock()
	log.WithFields(c.LogTags).Debugf("Subscribed %s to %s", subID, destination)
	c.notify(Event{Kind: EventChange, ConnectionID: c.id})
	return nil
}

// RemoveSubscription remove a subscription
func (c *Connection) RemoveSubscription(subID string) error {
	c.lock.Lock()
	if _, ok := c.subscriptions[subID]; !ok {
		c.lock.Unlock()
		return subscriptionNotFound(c.id, subID)
	}
	delete(c.subscriptions, subID)
	c.lock.Unlock()
	log.WithFields(c.LogTags).Debugf("Unsubscribed %s", subID)
	c.notify(Event{Kind: EventChange, ConnectionID: c.id})
	return nil
}

// Subscriptions copy of the subscriptions, ordered by ID
func (c *Connection) Subscriptions() []Subscription {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.subscriptionList()
}

// subscriptionList copy of the subscriptions ordered by ID. Caller must hold the lock.
func (c *Connection) subscriptionList() []Subscription {
	result := make([]Subscription, 0, len(c.subscriptions))
	for _, sub := range c.sortedSubscriptions() {
		oneCopy := *sub
		oneCopy.Headers = sub.Headers.Copy()
		result = append(result, oneCopy)
	}
	return result
}

// sortedSubscriptions subscriptions ordered by ID. Caller must hold the lock.
func (c *Connection) sortedSubscriptions() []*Subscription {
	result := make([]*Subscription, 0, len(c.subscriptions))
	for _, sub := range c.subscriptions {
		result = append(result, sub)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// deliveryMessage build the message delivered to one subscription. Incoming headers
// never override the delivery fields.
func deliveryMessage(subID, destination string, headers Headers, body interface{}) Message {
	msgHeaders := Headers{
		HeaderEvent:       string(MessageEventMessage),
		HeaderSubID:       subID,
		HeaderDestination: destination,
	}
	for k, v := range headers {
		if _, ok := msgHeaders[k]; !ok {
			msgHeaders[k] = v
		}
	}
	return Message{Headers: msgHeaders, Body: body}
}

/*
ForwardMessage deliver a published message to every matching subscription

Subscriptions are visited in subscription ID order. A subscription with a selector only
receives the message when the selector holds for the delivered message headers, which
include the delivery fields. Selector failures
are handled according to the selector error policy, and reported in the returned error
along with any sink failure.

	@param destination string - the published destination
	@param headers Headers - the message headers
	@param body interface{} - the message body
	@return number of messages delivered
*/
func (c *Connection) ForwardMessage(
	destination string, headers Headers, body interface{},
) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if !c.active {
		return 0, nil
	}
	delivered := 0
	var errs error
	for _, sub := range c.sortedSubscriptions() {
		if !c.matcher(sub.Destination, destination) {
			continue
		}
		msg := deliveryMessage(sub.ID, destination, headers, body)
		if sub.hasSelector() {
			pass := false
			err := sub.selectorErr
			if err == nil {
				pass, err = sub.selector.Evaluate(msg.Headers)
			}
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("subscription '%s': %w", sub.ID, err))
				pass = c.selectorPolicy == SelectorDeliver
			}
			if !pass {
				continue
			}
		}
		if err := c.push(msg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("subscription '%s': %w", sub.ID, err))
			continue
		}
		c.counters.Delivered++
		delivered++
	}
	return delivered, errs
}

// end stop the keep-alive and clear the subscriptions. Returns false if already ended.
func (c *Connection) end() bool {
	c.lock.Lock()
	if !c.active {
		c.lock.Unlock()
		return false
	}
	c.active = false
	c.subscriptions = make(map[string]*Subscription)
	pinger := c.pinger
	c.lock.Unlock()
	if pinger != nil {
		if err := pinger.Stop(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Failed to stop keep-alive")
		}
	}
	log.WithFields(c.LogTags).Debug("Connection ended")
	return true
}

// End end the connection, and drop it from the registry which owns it. Calling End
// more than once has no effect.
func (c *Connection) End() {
	if c.end() {
		c.notify(Event{Kind: EventChange, ConnectionID: c.id})
		c.onEnd(c)
	}
}

// Snapshot read-only copy of the connection state
func (c *Connection) Snapshot() ConnectionSnapshot {
	c.lock.Lock()
	defer c.lock.Unlock()
	return ConnectionSnapshot{
		ID:            c.id,
		Peer:          c.peer,
		Cookie:        c.cookie,
		KeepAliveMS:   c.keepAlive.Milliseconds(),
		Active:        c.active,
		Subscriptions: c.subscriptionList(),
		Counters:      c.counters,
		CreatedAt:     c.createdAt,
	}
}

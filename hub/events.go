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
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventKind the kind of registry notification
type EventKind string

const (
	// EventChange the registry or one of its connections changed
	EventChange EventKind = "change"
	// EventConnect a connection was created
	EventConnect EventKind = "connect"
	// EventDisconnect a connection was removed
	EventDisconnect EventKind = "disconnect"
	// EventCommand the transport received a client command
	EventCommand EventKind = "command"
	// EventSent a client sent a message
	EventSent EventKind = "sent"
	// EventOutgoing the transport wrote a message to a client
	EventOutgoing EventKind = "outgoing"
)

// CommandKind the kind of client command
type CommandKind string

const (
	// CommandSubscribe subscribe command
	CommandSubscribe CommandKind = "subscribe"
	// CommandUnsubscribe unsubscribe command
	CommandUnsubscribe CommandKind = "unsubscribe"
	// CommandSend send command
	CommandSend CommandKind = "send"
)

// Event a registry notification
type Event struct {
	// Kind is the notification kind
	Kind EventKind
	// ConnectionID is the connection involved. Empty for registry wide changes.
	ConnectionID string
	// Command is the client command, EventCommand only
	Command CommandKind
	// Payload is the client command payload, EventCommand only
	Payload interface{}
	// Sent is the message a client sent, EventSent only
	Sent *SendParams
	// Rendered is the rendered outgoing message, EventOutgoing only
	Rendered []byte
	// Timestamp is when the event was raised
	Timestamp time.Time
}

// EventListener callback receiving registry notifications. Listeners run synchronously
// in the goroutine raising the event.
type EventListener func(evt Event)

type listenerEntry struct {
	id       string
	kinds    map[EventKind]bool
	listener EventListener
}

// eventBroadcaster tracks the listeners of a registry
type eventBroadcaster struct {
	lock      sync.RWMutex
	listeners []listenerEntry
}

// add register a listener. No kinds means every kind.
func (b *eventBroadcaster) add(listener EventListener, kinds ...EventKind) string {
	entry := listenerEntry{id: uuid.New().String(), listener: listener}
	if len(kinds) > 0 {
		entry.kinds = make(map[EventKind]bool, len(kinds))
		for _, kind := range kinds {
			entry.kinds[kind] = true
		}
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	b.listeners = append(b.listeners, entry)
	return entry.id
}

// remove unregister a listener
func (b *eventBroadcaster) remove(id string) bool {
	b.lock.Lock()
	defer b.lock.Unlock()
	for idx, entry := range b.listeners {
		if entry.id == id {
			b.listeners = append(b.listeners[:idx], b.listeners[idx+1:]...)
			return true
		}
	}
	return false
}

// emit deliver an event to the interested listeners, in registration order
func (b *eventBroadcaster) emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.lock.RLock()
	targets := make([]EventListener, 0, len(b.listeners))
	for _, entry := range b.listeners {
		if entry.kinds == nil || entry.kinds[evt.Kind] {
			targets = append(targets, entry.listener)
		}
	}
	b.lock.RUnlock()
	for _, listener := range targets {
		listener(evt)
	}
}

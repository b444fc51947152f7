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

import "fmt"

// MessageEventType the kind of message pushed onto a connection
type MessageEventType string

// Message event types
const (
	MessageEventConnect MessageEventType = "CONNECT"
	MessageEventPing    MessageEventType = "PING"
	MessageEventMessage MessageEventType = "MESSAGE"
)

// Reserved message header fields
const (
	HeaderEvent       = "event"
	HeaderConnID      = "conn_id"
	HeaderSubID       = "sub_id"
	HeaderDestination = "destination"
	// HeaderSelector is the subscription header holding the selector expression
	HeaderSelector = "selector"
)

// Headers a flat set of message or subscription headers
type Headers map[string]interface{}

// Copy make a shallow copy of the headers. A nil set copies to nil.
func (h Headers) Copy() Headers {
	if h == nil {
		return nil
	}
	result := make(Headers, len(h))
	for k, v := range h {
		result[k] = v
	}
	return result
}

// Message one message pushed onto a connection
type Message struct {
	Headers Headers     `json:"headers"`
	Body    interface{} `json:"body,omitempty"`
}

// EventType return the message event type
func (m Message) EventType() MessageEventType {
	switch v := m.Headers[HeaderEvent].(type) {
	case MessageEventType:
		return v
	case string:
		return MessageEventType(v)
	}
	return ""
}

// String toString function
func (m Message) String() string {
	if m.EventType() == MessageEventMessage {
		return fmt.Sprintf(
			"%s[%v@%v]", MessageEventMessage, m.Headers[HeaderSubID], m.Headers[HeaderDestination],
		)
	}
	return string(m.EventType())
}

// MessageSink receives the messages pushed onto a connection. The sink is called while
// the connection is locked, so it must not call back into the connection or registry.
type MessageSink func(msg Message) error

// PeerInfo describes the remote end of a connection
type PeerInfo struct {
	RemoteAddress string `json:"remote_address"`
	LocalAddress  string `json:"local_address,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
}

// SendParams a message sent by a client through the send command
type SendParams struct {
	Destination string      `json:"destination"`
	Headers     Headers     `json:"headers,omitempty"`
	Body        interface{} `json:"body,omitempty"`
}

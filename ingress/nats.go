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

package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/topicrouter/common"
	"github.com/alwitt/topicrouter/hub"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// MessageDispatcher delivers a published message to the hub subscribers
type MessageDispatcher interface {
	DispatchMessage(
		ctxt context.Context, destination string, headers hub.Headers, body interface{},
	) error
}

// SubjectBridge feeds messages read from NATS subjects into the hub
type SubjectBridge interface {
	// Start subscribe to the configured subjects
	Start() error
	// Stop unsubscribe from every subject
	Stop() error
}

// natsSubjectBridgeImpl implements SubjectBridge
type natsSubjectBridgeImpl struct {
	common.Component
	conn          *nats.Conn
	config        common.NATSIngressConfig
	target        MessageDispatcher
	operationCtxt context.Context
	lock          sync.Mutex
	subscriptions []*nats.Subscription
}

/*
GetNATSSubjectBridge define a new NATS subject bridge

	@param ctxt context.Context - context for the dispatch calls
	@param conn *nats.Conn - the NATS connection
	@param config common.NATSIngressConfig - subjects and destination mapping
	@param target MessageDispatcher - receives the converted messages
*/
func GetNATSSubjectBridge(
	ctxt context.Context,
	conn *nats.Conn,
	config common.NATSIngressConfig,
	target MessageDispatcher,
) (SubjectBridge, error) {
	if conn == nil || target == nil {
		return nil, fmt.Errorf("subject bridge needs a NATS connection and a dispatch target")
	}
	if len(config.Subjects) == 0 {
		return nil, fmt.Errorf("subject bridge needs at least one subject")
	}
	logTags := log.Fields{
		"module":    "ingress",
		"component": "nats-bridge",
		"instance":  strings.Join(config.Subjects, ","),
	}
	return &natsSubjectBridgeImpl{
		Component:     common.Component{LogTags: logTags},
		conn:          conn,
		config:        config,
		target:        target,
		operationCtxt: ctxt,
	}, nil
}

// Start subscribe to the configured subjects
func (b *natsSubjectBridgeImpl) Start() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if len(b.subscriptions) > 0 {
		return fmt.Errorf("subject bridge already started")
	}
	for _, subject := range b.config.Subjects {
		var sub *nats.Subscription
		var err error
		if b.config.QueueGroup != "" {
			sub, err = b.conn.QueueSubscribe(subject, b.config.QueueGroup, b.processMessage)
		} else {
			sub, err = b.conn.Subscribe(subject, b.processMessage)
		}
		if err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Unable to subscribe to %s", subject)
			b.unsubscribeAll()
			return err
		}
		b.subscriptions = append(b.subscriptions, sub)
		log.WithFields(b.LogTags).Infof("Reading from subject %s", subject)
	}
	return nil
}

// Stop unsubscribe from every subject
func (b *natsSubjectBridgeImpl) Stop() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.unsubscribeAll()
}

// unsubscribeAll drop all subscriptions. Caller must hold the lock.
func (b *natsSubjectBridgeImpl) unsubscribeAll() error {
	var firstErr error
	for _, sub := range b.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Unable to unsubscribe from %s", sub.Subject)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	b.subscriptions = nil
	return firstErr
}

// processMessage NATS message handler
func (b *natsSubjectBridgeImpl) processMessage(msg *nats.Msg) {
	destination, headers, body := ConvertNATSMessage(
		msg, b.config.DestinationPrefix, b.config.StripSubjectPrefix,
	)
	if err := b.target.DispatchMessage(b.operationCtxt, destination, headers, body); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf(
			"Dispatch of %s to %s failed", msg.Subject, destination,
		)
		return
	}
	log.WithFields(b.LogTags).Debugf("Dispatched %s to %s", msg.Subject, destination)
}

// =======================================================================

// SubjectToDestination map a NATS subject onto a hub destination
func SubjectToDestination(subject, destinationPrefix, stripSubjectPrefix string) string {
	if stripSubjectPrefix != "" {
		if subject == stripSubjectPrefix {
			subject = ""
		} else if strings.HasPrefix(subject, stripSubjectPrefix+".") {
			subject = subject[len(stripSubjectPrefix)+1:]
		}
	}
	path := strings.ReplaceAll(subject, ".", hub.DestinationSeparator)
	prefix := strings.TrimSuffix(destinationPrefix, hub.DestinationSeparator)
	if path == "" {
		if prefix == "" {
			return hub.DestinationSeparator
		}
		return prefix
	}
	return prefix + hub.DestinationSeparator + path
}

// messageEnvelope a NATS payload carrying both headers and body
type messageEnvelope struct {
	Headers hub.Headers `json:"headers"`
	Body    interface{} `json:"body"`
}

// unpackEnvelope decode the payload as a message envelope. Only objects whose keys are
// limited to headers and body qualify.
func unpackEnvelope(data []byte) (messageEnvelope, bool) {
	var envelope messageEnvelope
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return envelope, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || len(fields) == 0 {
		return envelope, false
	}
	for key := range fields {
		if key != "headers" && key != "body" {
			return envelope, false
		}
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	if err := decoder.Decode(&envelope); err != nil {
		return envelope, false
	}
	return envelope, true
}

/*
ConvertNATSMessage convert a NATS message into hub dispatch parameters

The destination is the subject, less the strip prefix, with its tokens joined by the
destination separator under the destination prefix. NATS message headers become message
headers. A JSON payload of the form {"headers": {...}, "body": ...} is unpacked, its
headers taking precedence. Any other payload is used as a string body.

	@param msg *nats.Msg - the NATS message
	@param destinationPrefix string - prefix of the destination
	@param stripSubjectPrefix string - subject prefix to drop
	@return destination, headers, and body
*/
func ConvertNATSMessage(
	msg *nats.Msg, destinationPrefix, stripSubjectPrefix string,
) (string, hub.Headers, interface{}) {
	destination := SubjectToDestination(msg.Subject, destinationPrefix, stripSubjectPrefix)
	headers := hub.Headers{}
	for key, values := range msg.Header {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = strings.Join(values, ",")
		}
	}
	if envelope, ok := unpackEnvelope(msg.Data); ok {
		for key, value := range envelope.Headers {
			headers[key] = value
		}
		return destination, headers, envelope.Body
	}
	return destination, headers, string(msg.Data)
}

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
	"sync"

	"github.com/alwitt/topicrouter/common"
)

// AuthMode the operation being authorized
type AuthMode int

const (
	// AuthModeSubscribe authorize adding a subscription
	AuthModeSubscribe AuthMode = iota
	// AuthModeSend authorize sending a message
	AuthModeSend
)

// String describe the operation, as used in rejection reasons
func (m AuthMode) String() string {
	switch m {
	case AuthModeSubscribe:
		return "subscribe"
	case AuthModeSend:
		return "send message"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// ParseAuthMode parse a config mode name: subscribe or send
func ParseAuthMode(name string) (AuthMode, error) {
	switch name {
	case "subscribe":
		return AuthModeSubscribe, nil
	case "send":
		return AuthModeSend, nil
	}
	return 0, fmt.Errorf("unknown authorization mode '%s'", name)
}

// AuthRequest the request presented to an Authorizer
type AuthRequest struct {
	// Mode is the operation being authorized
	Mode AuthMode
	// ConnectionID is the connection requesting the operation
	ConnectionID string
	// Connection is the connection requesting the operation
	Connection *Connection
	// Destination is the destination of the operation
	Destination string
	// Headers are the subscription or message headers
	Headers Headers
	// Body is the message body, send only
	Body interface{}
}

// AuthResponder resolves an authorization request. Only the first call counts.
type AuthResponder interface {
	// Accept allow the operation
	Accept()
	// Reject deny the operation. An empty reason is replaced by the default reason.
	Reject(reason string)
	// Resolved whether Accept or Reject was already called
	Resolved() bool
}

/*
Authorizer decides whether an operation is allowed.

The request is resolved once the function returns. If neither Accept nor Reject was
called by then, the request is rejected with the default reason. Calling next hands the
request to the following authorizer in a chain; at the end of a chain next does nothing.
*/
type Authorizer func(ctxt context.Context, req AuthRequest, resp AuthResponder, next func())

type authOutcome int

const (
	authPending authOutcome = iota
	authAccepted
	authRejected
)

// authResponderImpl implements AuthResponder
type authResponderImpl struct {
	lock    sync.Mutex
	outcome authOutcome
	reason  string
}

func (r *authResponderImpl) Accept() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.outcome == authPending {
		r.outcome = authAccepted
	}
}

func (r *authResponderImpl) Reject(reason string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.outcome == authPending {
		r.outcome = authRejected
		r.reason = reason
	}
}

func (r *authResponderImpl) Resolved() bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.outcome != authPending
}

// defaultRejectReason the reason reported when no explicit reason is available
func defaultRejectReason(mode AuthMode, destination string) string {
	return fmt.Sprintf("not authorized to %s on %s", mode, destination)
}

// authorize run a request through the authorizer. A nil authorizer accepts everything.
func authorize(ctxt context.Context, authorizer Authorizer, req AuthRequest) error {
	if authorizer == nil {
		return nil
	}
	resp := &authResponderImpl{}
	authorizer(ctxt, req, resp, func() {})
	resp.lock.Lock()
	defer resp.lock.Unlock()
	switch resp.outcome {
	case authAccepted:
		return nil
	case authRejected:
		reason := resp.reason
		if reason == "" {
			reason = defaultRejectReason(req.Mode, req.Destination)
		}
		return &AuthorizationError{Mode: req.Mode, Destination: req.Destination, Reason: reason}
	default:
		return &AuthorizationError{
			Mode:        req.Mode,
			Destination: req.Destination,
			Reason:      defaultRejectReason(req.Mode, req.Destination),
			Unresolved:  true,
		}
	}
}

// AcceptAll authorizer which accepts every request
func AcceptAll(_ context.Context, _ AuthRequest, resp AuthResponder, _ func()) {
	resp.Accept()
}

// ChainAuthorizers compose authorizers. Each authorizer passes the request on by
// calling next. Nil entries are skipped.
func ChainAuthorizers(authorizers ...Authorizer) Authorizer {
	chain := []Authorizer{}
	for _, oneAuthorizer := range authorizers {
		if oneAuthorizer != nil {
			chain = append(chain, oneAuthorizer)
		}
	}
	return func(ctxt context.Context, req AuthRequest, resp AuthResponder, next func()) {
		var step func(idx int)
		step = func(idx int) {
			if resp.Resolved() {
				return
			}
			if idx >= len(chain) {
				next()
				return
			}
			chain[idx](ctxt, req, resp, func() { step(idx + 1) })
		}
		step(0)
	}
}

// ACLRule one access rule of the ACL authorizer
type ACLRule struct {
	// Modes are the operations the rule applies to. Empty means all.
	Modes []AuthMode
	// Destination is the destination prefix the rule applies to
	Destination string
	// Allow whether a matching request is accepted
	Allow bool
	// Reason is the rejection reason for denied requests
	Reason string
}

// appliesTo whether the rule covers the request
func (r ACLRule) appliesTo(req AuthRequest) bool {
	if len(r.Modes) > 0 {
		covered := false
		for _, mode := range r.Modes {
			if mode == req.Mode {
				covered = true
				break
			}
		}
		if !covered {
			return false
		}
	}
	return MatchDestinationPrefix(r.Destination, req.Destination)
}

// GetACLAuthorizer define an authorizer from an ordered rule list. The first matching
// rule decides; when no rule matches the request is passed on through next.
func GetACLAuthorizer(rules []ACLRule) Authorizer {
	ruleCopy := make([]ACLRule, len(rules))
	copy(ruleCopy, rules)
	return func(_ context.Context, req AuthRequest, resp AuthResponder, next func()) {
		for _, rule := range ruleCopy {
			if !rule.appliesTo(req) {
				continue
			}
			if rule.Allow {
				resp.Accept()
			} else {
				resp.Reject(rule.Reason)
			}
			return
		}
		next()
	}
}

// DefineAuthorizerFromConfig build the authorizer described by the config. Returns nil
// when authorization is disabled.
func DefineAuthorizerFromConfig(cfg common.AuthorizationConfig) (Authorizer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	rules := make([]ACLRule, 0, len(cfg.Rules))
	for idx, oneRule := range cfg.Rules {
		rule := ACLRule{Destination: oneRule.Destination, Allow: oneRule.Allow, Reason: oneRule.Reason}
		if oneRule.Mode != "any" {
			mode, err := ParseAuthMode(oneRule.Mode)
			if err != nil {
				return nil, fmt.Errorf("authorization rule %d: %w", idx, err)
			}
			rule.Modes = []AuthMode{mode}
		}
		rules = append(rules, rule)
	}
	if cfg.DefaultAllow {
		return ChainAuthorizers(GetACLAuthorizer(rules), AcceptAll), nil
	}
	return GetACLAuthorizer(rules), nil
}

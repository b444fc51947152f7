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
	"errors"
	"fmt"
)

var (
	// ErrNotFound unknown connection or subscription
	ErrNotFound = errors.New("not found")
	// ErrBadDestination empty or invalid destination
	ErrBadDestination = errors.New("bad destination")
	// ErrAuthorizationRejected the authorization gate explicitly rejected the request
	ErrAuthorizationRejected = errors.New("authorization rejected")
	// ErrAuthorizationUnresolved the authorization gate never accepted or rejected the request
	ErrAuthorizationUnresolved = errors.New("authorization unresolved")
	// ErrFilterEvaluation a subscription selector is malformed or failed to evaluate
	ErrFilterEvaluation = errors.New("filter evaluation error")
	// ErrRegistryClosed the registry no longer accepts operations
	ErrRegistryClosed = errors.New("registry closed")
)

// connectionNotFound helper for reporting an unknown connection
func connectionNotFound(connID string) error {
	return fmt.Errorf("%w: connection '%s'", ErrNotFound, connID)
}

// subscriptionNotFound helper for reporting an unknown subscription
func subscriptionNotFound(connID, subID string) error {
	return fmt.Errorf("%w: subscription '%s' on connection '%s'", ErrNotFound, subID, connID)
}

// AuthorizationError outcome of a rejected authorization request
type AuthorizationError struct {
	// Mode is the operation being authorized
	Mode AuthMode
	// Destination is the destination of the operation
	Destination string
	// Reason is the rejection reason
	Reason string
	// Unresolved is true when the gate never accepted or rejected the request
	Unresolved bool
}

// Error implements error
func (e *AuthorizationError) Error() string {
	return e.Reason
}

// Unwrap allows errors.Is against ErrAuthorizationRejected / ErrAuthorizationUnresolved
func (e *AuthorizationError) Unwrap() error {
	if e.Unresolved {
		return ErrAuthorizationUnresolved
	}
	return ErrAuthorizationRejected
}

// SelectorError a selector failed to compile or evaluate
type SelectorError struct {
	// Selector is the selector expression
	Selector string
	// Pos is the byte offset into the expression where the problem was found, -1 if
	// the failure is not tied to a position
	Pos int
	// Msg describes the failure
	Msg string
}

// Error implements error
func (e *SelectorError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("selector '%s' at %d: %s", e.Selector, e.Pos, e.Msg)
	}
	return fmt.Sprintf("selector '%s': %s", e.Selector, e.Msg)
}

// Unwrap allows errors.Is against ErrFilterEvaluation
func (e *SelectorError) Unwrap() error {
	return ErrFilterEvaluation
}

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
	"fmt"
	"strings"
)

// DestinationSeparator separates the levels of a destination path
const DestinationSeparator = "/"

// MatchMode how subscribed destinations are matched against published destinations
type MatchMode string

const (
	// MatchPrefix the subscribed destination is a path prefix of the published destination
	MatchPrefix MatchMode = "prefix"
	// MatchContains the subscribed destination occurs anywhere in the published destination
	MatchContains MatchMode = "contains"
)

// DestinationMatcher decides whether a subscribed pattern matches a published destination
type DestinationMatcher func(pattern, destination string) bool

// GetDestinationMatcher fetch the matcher for a match mode
func GetDestinationMatcher(mode MatchMode) (DestinationMatcher, error) {
	switch mode {
	case MatchPrefix, "":
		return MatchDestinationPrefix, nil
	case MatchContains:
		return MatchDestinationContains, nil
	default:
		return nil, fmt.Errorf("unknown destination match mode '%s'", mode)
	}
}

// withTrailingSeparator make sure the path terminates with exactly one separator
func withTrailingSeparator(path string) string {
	if strings.HasSuffix(path, DestinationSeparator) {
		return path
	}
	return path + DestinationSeparator
}

// MatchDestinationPrefix the published destination is at or below the subscribed pattern
// in the destination hierarchy. Comparison is case-insensitive.
func MatchDestinationPrefix(pattern, destination string) bool {
	p := strings.ToLower(withTrailingSeparator(pattern))
	d := strings.ToLower(withTrailingSeparator(destination))
	if len(d) < len(p) {
		return false
	}
	return strings.HasPrefix(d, p)
}

// MatchDestinationContains the subscribed pattern occurs anywhere in the published
// destination, ignoring case
func MatchDestinationContains(pattern, destination string) bool {
	return strings.Contains(strings.ToLower(destination), strings.ToLower(pattern))
}

// NormalizeDestination strip a single trailing separator from a subscribed destination
func NormalizeDestination(destination string) string {
	if len(destination) > 1 && strings.HasSuffix(destination, DestinationSeparator) {
		return destination[:len(destination)-1]
	}
	return destination
}

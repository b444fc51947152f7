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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDestinationPrefixMatch(t *testing.T) {
	assert := assert.New(t)

	type testCase struct {
		pattern     string
		destination string
		match       bool
	}
	testCases := []testCase{
		{pattern: "/topics/a", destination: "/topics/a/sub", match: true},
		{pattern: "/topics/a", destination: "/topics/a", match: true},
		{pattern: "/topics/a/", destination: "/topics/a", match: true},
		{pattern: "/topics/a", destination: "/topics/b", match: false},
		{pattern: "/topics/a", destination: "/topics/ab", match: false},
		{pattern: "/topics/a/b", destination: "/topics/a", match: false},
		{pattern: "/Topics/A", destination: "/topics/a/c", match: true},
		{pattern: "/", destination: "/anything/at/all", match: true},
		// Lower case forms shorter than the original
		{pattern: "/\u212A", destination: "/k", match: true},
		{pattern: "/topics/\u0130", destination: "/topics/i", match: true},
		{pattern: "/\u212A/x", destination: "/k", match: false},
	}
	for idx, oneCase := range testCases {
		assert.Equalf(
			oneCase.match,
			MatchDestinationPrefix(oneCase.pattern, oneCase.destination),
			"Case %d: %s vs %s", idx, oneCase.pattern, oneCase.destination,
		)
	}
}

func TestDestinationContainsMatch(t *testing.T) {
	assert := assert.New(t)

	assert.True(MatchDestinationContains("a/S", "/topics/A/sub"))
	assert.True(MatchDestinationContains("/topics", "/topics/a"))
	assert.False(MatchDestinationContains("/topics/c", "/topics/a"))
}

func TestGetDestinationMatcher(t *testing.T) {
	assert := assert.New(t)

	// Case 0: default is prefix
	{
		matcher, err := GetDestinationMatcher("")
		assert.Nil(err)
		assert.True(matcher("/a", "/a/b"))
		assert.False(matcher("a/b", "/a/b"))
	}

	// Case 1: contains
	{
		matcher, err := GetDestinationMatcher(MatchContains)
		assert.Nil(err)
		assert.True(matcher("a/b", "/a/b"))
	}

	// Case 2: unknown mode
	{
		_, err := GetDestinationMatcher("regex")
		assert.NotNil(err)
	}
}

func TestNormalizeDestination(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("/topics/a", NormalizeDestination("/topics/a/"))
	assert.Equal("/topics/a", NormalizeDestination("/topics/a"))
	assert.Equal("/", NormalizeDestination("/"))
	assert.Equal("", NormalizeDestination(""))
}

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

package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alwitt/topicrouter/hub"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHubMetrics(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	registry, err := hub.GetConnectionRegistry(
		utCtxt, hub.RegistryConfig{SelectorErrorPolicy: hub.SelectorSuppress, DispatchOnSend: true}, &wg,
	)
	assert.Nil(err)
	defer func() {
		assert.Nil(registry.Close())
	}()

	uut, err := GetHubMetrics("ut", registry)
	assert.Nil(err)
	impl, ok := uut.(*hubMetricsImpl)
	assert.True(ok)

	sink := func(hub.Message) error { return nil }
	c1, err := registry.CreateConnection(hub.PeerInfo{}, nil, sink, 0)
	assert.Nil(err)
	c2, err := registry.CreateConnection(hub.PeerInfo{}, nil, sink, 0)
	assert.Nil(err)
	assert.Nil(registry.AddSubscription(utCtxt, c2, "s1", "/a", nil))
	registry.NotifyCommand(c2, hub.CommandSubscribe, nil)
	registry.NotifyCommand(c1, hub.CommandSend, nil)
	assert.Nil(registry.SendMessage(utCtxt, c1, "/a", nil, "hi"))
	registry.NotifyOutgoing(c2, []byte("data: {}\n\n"))
	registry.RemoveConnection(c1)

	// Case 0: event counters
	assert.Equal(2.0, testutil.ToFloat64(impl.connectsTotal))
	assert.Equal(1.0, testutil.ToFloat64(impl.disconnectsTotal))
	assert.Equal(1.0, testutil.ToFloat64(impl.commandsTotal.WithLabelValues("subscribe")))
	assert.Equal(1.0, testutil.ToFloat64(impl.commandsTotal.WithLabelValues("send")))
	assert.Equal(1.0, testutil.ToFloat64(impl.sentTotal))
	assert.Equal(1.0, testutil.ToFloat64(impl.outgoingMessages))
	assert.Equal(10.0, testutil.ToFloat64(impl.outgoingBytes))

	// Case 1: exposition
	{
		req, err := http.NewRequest("GET", "/metrics", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.Handler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		body := respRecorder.Body.String()
		assert.Contains(body, "ut_connections 1")
		assert.Contains(body, "ut_subscriptions 1")
		assert.Contains(body, "ut_connects_total 2")
	}

	// Case 2: detached
	uut.Detach()
	_, err = registry.CreateConnection(hub.PeerInfo{}, nil, sink, 0)
	assert.Nil(err)
	assert.Equal(2.0, testutil.ToFloat64(impl.connectsTotal))
}

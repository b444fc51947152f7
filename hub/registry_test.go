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
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func defineTestRegistry(
	t *testing.T, ctxt context.Context, cfg RegistryConfig, wg *sync.WaitGroup,
) ConnectionRegistry {
	if cfg.SelectorErrorPolicy == "" {
		cfg.SelectorErrorPolicy = SelectorSuppress
	}
	uut, err := GetConnectionRegistry(ctxt, cfg, wg)
	assert.Nil(t, err)
	return uut
}

func TestRegistryScenarios(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	uut := defineTestRegistry(t, utCtxt, RegistryConfig{}, &wg)
	defer func() {
		assert.Nil(uut.Close())
	}()

	sink := &recordingSink{}
	c1, err := uut.CreateConnection(PeerInfo{RemoteAddress: "10.0.0.1:4000"}, nil, sink.push, 0)
	assert.Nil(err)
	assert.Equal(1, uut.ConnectionCount())
	assert.Len(sink.ofType(MessageEventConnect), 1)

	// Case 1: subscribe and receive
	assert.Nil(uut.AddSubscription(utCtxt, c1, "s1", "/topics/a", Headers{}))
	assert.Nil(uut.DispatchMessage(utCtxt, "/topics/a/sub", Headers{}, "hello"))
	{
		msgs := sink.ofType(MessageEventMessage)
		assert.Len(msgs, 1)
		assert.Equal(Headers{
			HeaderEvent: "MESSAGE", HeaderSubID: "s1", HeaderDestination: "/topics/a/sub",
		}, msgs[0].Headers)
		assert.Equal("hello", msgs[0].Body)
	}

	// Case 2: no match
	sink.reset()
	assert.Nil(uut.DispatchMessage(utCtxt, "/topics/b", Headers{}, "x"))
	assert.Empty(sink.ofType(MessageEventMessage))

	// Case 3: removed connection receives nothing
	uut.RemoveConnection(c1)
	assert.Equal(0, uut.ConnectionCount())
	assert.Nil(uut.DispatchMessage(utCtxt, "/topics/a/sub", Headers{}, "hello"))
	assert.Empty(sink.ofType(MessageEventMessage))
	uut.RemoveConnection(c1)
	{
		_, err := uut.GetConnection(c1)
		assert.True(errors.Is(err, ErrNotFound))
	}

	// Case 5: selector
	sink.reset()
	c2, err := uut.CreateConnection(PeerInfo{}, nil, sink.push, 0)
	assert.Nil(err)
	assert.Nil(uut.AddSubscription(utCtxt, c2, "s1", "/x", Headers{HeaderSelector: "flag = true"}))
	assert.Nil(uut.DispatchMessage(utCtxt, "/x", Headers{"flag": true}, "m1"))
	assert.Nil(uut.DispatchMessage(utCtxt, "/x", Headers{"flag": false}, "m2"))
	{
		msgs := sink.ofType(MessageEventMessage)
		assert.Len(msgs, 1)
		assert.Equal("m1", msgs[0].Body)
	}

	// Case 6: unknown subscription
	{
		err := uut.RemoveSubscription(c2, "unknown")
		assert.True(errors.Is(err, ErrNotFound))
		conn, err := uut.GetConnection(c2)
		assert.Nil(err)
		assert.Len(conn.Subscriptions(), 1)
		err = uut.RemoveSubscription("unknown", "s1")
		assert.True(errors.Is(err, ErrNotFound))
	}
}

func TestRegistryRejectedSubscription(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	uut := defineTestRegistry(t, utCtxt, RegistryConfig{
		Authorizer: func(_ context.Context, _ AuthRequest, resp AuthResponder, _ func()) {
			resp.Reject("nope")
		},
	}, &wg)
	defer func() {
		assert.Nil(uut.Close())
	}()

	sink := &recordingSink{}
	c1, err := uut.CreateConnection(PeerInfo{}, nil, sink.push, 0)
	assert.Nil(err)

	// Case 4: gate rejects
	err = uut.AddSubscription(utCtxt, c1, "s1", "/x", Headers{})
	assert.NotNil(err)
	assert.True(errors.Is(err, ErrAuthorizationRejected))
	assert.Equal("nope", err.Error())
	conn, err := uut.GetConnection(c1)
	assert.Nil(err)
	assert.Empty(conn.Subscriptions())

	// Gate runs before destination validation
	err = uut.AddSubscription(utCtxt, c1, "s1", "", Headers{})
	assert.True(errors.Is(err, ErrAuthorizationRejected))

	// Unknown connection is reported before the gate
	err = uut.AddSubscription(utCtxt, "unknown", "s1", "/x", Headers{})
	assert.True(errors.Is(err, ErrNotFound))
}

func TestRegistrySubscriptionValidation(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	var gateRequests []AuthRequest
	uut := defineTestRegistry(t, utCtxt, RegistryConfig{
		Authorizer: func(_ context.Context, req AuthRequest, resp AuthResponder, _ func()) {
			gateRequests = append(gateRequests, req)
			resp.Accept()
		},
	}, &wg)
	defer func() {
		assert.Nil(uut.Close())
	}()

	sink := &recordingSink{}
	c1, err := uut.CreateConnection(PeerInfo{}, "cookie", sink.push, 0)
	assert.Nil(err)
	conn, err := uut.GetConnection(c1)
	assert.Nil(err)

	// Case 0: empty destination
	err = uut.AddSubscription(utCtxt, c1, "s1", "", nil)
	assert.True(errors.Is(err, ErrBadDestination))
	assert.Empty(conn.Subscriptions())

	// Case 1: trailing separator is stripped
	assert.Nil(uut.AddSubscription(utCtxt, c1, "s1", "/topics/a/", nil))
	assert.Equal("/topics/a", conn.Subscriptions()[0].Destination)
	assert.Nil(uut.AddSubscription(utCtxt, c1, "s2", "/", nil))
	assert.Equal("/", conn.Subscriptions()[1].Destination)

	// Gate saw the requests
	assert.Len(gateRequests, 3)
	assert.Equal(AuthModeSubscribe, gateRequests[1].Mode)
	assert.Equal(c1, gateRequests[1].ConnectionID)
	assert.Equal(conn, gateRequests[1].Connection)
	assert.Equal("/topics/a/", gateRequests[1].Destination)
}

func TestRegistrySendMessage(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	for _, dispatchOnSend := range []bool{true, false} {
		uut := defineTestRegistry(t, utCtxt, RegistryConfig{
			DispatchOnSend: dispatchOnSend,
			Authorizer: GetACLAuthorizer([]ACLRule{
				{Modes: []AuthMode{AuthModeSend}, Destination: "/readonly", Allow: false},
				{Destination: "/", Allow: true},
			}),
		}, &wg)

		sentEvents := []Event{}
		uut.AddEventListener(func(evt Event) { sentEvents = append(sentEvents, evt) }, EventSent)

		senderSink := &recordingSink{}
		sender, err := uut.CreateConnection(PeerInfo{}, nil, senderSink.push, 0)
		assert.Nil(err)
		readerSink := &recordingSink{}
		reader, err := uut.CreateConnection(PeerInfo{}, nil, readerSink.push, 0)
		assert.Nil(err)
		assert.Nil(uut.AddSubscription(utCtxt, reader, "chat", "/chat", nil))

		// Case 0: send
		assert.Nil(uut.SendMessage(utCtxt, sender, "/chat/room", Headers{"lang": "en"}, "hi"))
		assert.Len(sentEvents, 1)
		assert.Equal(sender, sentEvents[0].ConnectionID)
		assert.Equal(
			&SendParams{Destination: "/chat/room", Headers: Headers{"lang": "en"}, Body: "hi"},
			sentEvents[0].Sent,
		)
		if dispatchOnSend {
			msgs := readerSink.ofType(MessageEventMessage)
			assert.Len(msgs, 1)
			assert.Equal("en", msgs[0].Headers["lang"])
			assert.Equal("hi", msgs[0].Body)
		} else {
			assert.Empty(readerSink.ofType(MessageEventMessage))
		}

		// Case 1: gate rejects the send
		err = uut.SendMessage(utCtxt, sender, "/readonly/x", nil, "hi")
		assert.True(errors.Is(err, ErrAuthorizationUnresolved) || errors.Is(err, ErrAuthorizationRejected))
		assert.Equal("not authorized to send message on /readonly/x", err.Error())
		assert.Len(sentEvents, 1)

		// Case 2: bad requests
		err = uut.SendMessage(utCtxt, sender, "", nil, "hi")
		assert.True(errors.Is(err, ErrBadDestination))
		err = uut.SendMessage(utCtxt, "unknown", "/chat", nil, "hi")
		assert.True(errors.Is(err, ErrNotFound))

		assert.Nil(uut.Close())
	}
}

func TestRegistryEventListeners(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	uut := defineTestRegistry(t, utCtxt, RegistryConfig{}, &wg)

	allEvents := []EventKind{}
	allID := uut.AddEventListener(func(evt Event) { allEvents = append(allEvents, evt.Kind) })
	lifecycle := []string{}
	uut.AddEventListener(func(evt Event) {
		lifecycle = append(lifecycle, fmt.Sprintf("%s:%s", evt.Kind, evt.ConnectionID))
	}, EventConnect, EventDisconnect)
	transport := []Event{}
	uut.AddEventListener(func(evt Event) {
		transport = append(transport, evt)
	}, EventCommand, EventOutgoing)

	sink := &recordingSink{}
	c1, err := uut.CreateConnection(PeerInfo{}, nil, sink.push, 0)
	assert.Nil(err)
	assert.Nil(uut.AddSubscription(utCtxt, c1, "s1", "/x", nil))
	uut.NotifyCommand(c1, CommandSubscribe, map[string]string{"sub_id": "s1"})
	uut.NotifyOutgoing(c1, []byte("data: {}\n\n"))
	uut.RemoveConnection(c1)

	assert.Equal([]EventKind{
		EventChange, EventConnect, EventChange, EventCommand, EventOutgoing, EventChange, EventDisconnect,
	}, allEvents)
	assert.Equal([]string{"connect:" + c1, "disconnect:" + c1}, lifecycle)
	assert.Len(transport, 2)
	assert.Equal(CommandSubscribe, transport[0].Command)
	assert.Equal([]byte("data: {}\n\n"), transport[1].Rendered)

	// Case 1: listener removed
	uut.RemoveEventListener(allID)
	_, err = uut.CreateConnection(PeerInfo{}, nil, sink.push, 0)
	assert.Nil(err)
	assert.Len(allEvents, 7)
	assert.Len(lifecycle, 3)

	assert.Nil(uut.Close())
	assert.Len(lifecycle, 4)
}

func TestRegistrySnapshotAndCounters(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	generatedIDs := []string{"conn-0", "conn-0", "conn-1"}
	idx := 0
	uut := defineTestRegistry(t, utCtxt, RegistryConfig{
		IDGenerator: func() string {
			connID := generatedIDs[idx]
			idx++
			return connID
		},
	}, &wg)
	defer func() {
		assert.Nil(uut.Close())
	}()

	sink := &recordingSink{}
	c0, err := uut.CreateConnection(PeerInfo{RemoteAddress: "a"}, "user-a", sink.push, 0)
	assert.Nil(err)
	assert.Equal("conn-0", c0)

	// Case 0: ID collision
	_, err = uut.CreateConnection(PeerInfo{}, nil, sink.push, 0)
	assert.NotNil(err)
	assert.Equal(1, uut.ConnectionCount())

	c1, err := uut.CreateConnection(PeerInfo{RemoteAddress: "b"}, "user-b", sink.push, 0)
	assert.Nil(err)
	assert.Equal("conn-1", c1)

	// Case 1: counters
	assert.Nil(uut.AddSubscription(utCtxt, c1, "s1", "/x", nil))
	assert.Nil(uut.DispatchMessage(utCtxt, "/x", nil, "m"))
	uut.NotifyOutgoing(c1, []byte("12345"))
	uut.NotifyOutgoing("unknown", []byte("12345"))

	snapshots := map[string]ConnectionSnapshot{}
	for _, snapshot := range uut.Snapshot() {
		snapshots[snapshot.ID] = snapshot
	}
	assert.Len(snapshots, 2)
	assert.Equal("user-a", snapshots[c0].Cookie)
	assert.Equal("b", snapshots[c1].Peer.RemoteAddress)
	assert.Equal(uint64(1), snapshots[c1].Counters.Delivered)
	assert.Equal(uint64(5), snapshots[c1].Counters.BytesWritten)
	assert.Len(snapshots[c1].Subscriptions, 1)
	assert.Empty(snapshots[c0].Subscriptions)

	// Case 2: find
	found := uut.FindConnections(func(conn *Connection) bool { return conn.Cookie() == "user-b" })
	assert.Len(found, 1)
	assert.Equal(c1, found[0].ID())
	assert.Len(uut.FindConnections(nil), 2)
}

func TestRegistryDispatchFailureIsolation(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	uut := defineTestRegistry(t, utCtxt, RegistryConfig{}, &wg)
	defer func() {
		assert.Nil(uut.Close())
	}()

	badSink := &recordingSink{}
	bad, err := uut.CreateConnection(PeerInfo{}, nil, badSink.push, 0)
	assert.Nil(err)
	goodSink := &recordingSink{}
	good, err := uut.CreateConnection(PeerInfo{}, nil, goodSink.push, 0)
	assert.Nil(err)
	assert.Nil(uut.AddSubscription(utCtxt, bad, "s1", "/x", nil))
	assert.Nil(uut.AddSubscription(utCtxt, good, "s1", "/x", nil))

	badSink.failWith = fmt.Errorf("client gone")
	err = uut.DispatchMessage(utCtxt, "/x", nil, "m")
	assert.NotNil(err)
	assert.Contains(err.Error(), bad)
	assert.Len(goodSink.ofType(MessageEventMessage), 1)
}

func TestRegistryAsyncDispatch(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	uut := defineTestRegistry(t, utCtxt, RegistryConfig{
		DispatchMode: DispatchAsync, DispatchQueueLen: 4,
	}, &wg)

	sink := &recordingSink{}
	c1, err := uut.CreateConnection(PeerInfo{}, nil, sink.push, 0)
	assert.Nil(err)
	assert.Nil(uut.AddSubscription(utCtxt, c1, "s1", "/x", nil))

	for itr := 0; itr < 3; itr++ {
		assert.Nil(uut.DispatchMessage(utCtxt, "/x", nil, fmt.Sprintf("m%d", itr)))
	}
	assert.Eventually(func() bool {
		return len(sink.ofType(MessageEventMessage)) == 3
	}, time.Second, time.Millisecond*10)
	msgs := sink.ofType(MessageEventMessage)
	for itr := 0; itr < 3; itr++ {
		assert.Equal(fmt.Sprintf("m%d", itr), msgs[itr].Body)
	}

	// Closed registry rejects work
	assert.Nil(uut.Close())
	err = uut.DispatchMessage(utCtxt, "/x", nil, "late")
	assert.True(errors.Is(err, ErrRegistryClosed))
	_, err = uut.CreateConnection(PeerInfo{}, nil, sink.push, 0)
	assert.True(errors.Is(err, ErrRegistryClosed))
	assert.Equal(0, uut.ConnectionCount())
}

func TestRegistryConfigValidation(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}

	// Case 0: selector error policy is required
	_, err := GetConnectionRegistry(utCtxt, RegistryConfig{}, &wg)
	assert.NotNil(err)

	// Case 1: bad match mode
	_, err = GetConnectionRegistry(
		utCtxt, RegistryConfig{SelectorErrorPolicy: SelectorDeliver, DestinationMatch: "regex"}, &wg,
	)
	assert.NotNil(err)

	// Case 2: bad dispatch mode
	_, err = GetConnectionRegistry(
		utCtxt, RegistryConfig{SelectorErrorPolicy: SelectorDeliver, DispatchMode: "later"}, &wg,
	)
	assert.NotNil(err)

	// Case 3: default keep-alive
	uut, err := GetConnectionRegistry(
		utCtxt, RegistryConfig{SelectorErrorPolicy: SelectorDeliver, KeepAlive: time.Minute}, &wg,
	)
	assert.Nil(err)
	sink := &recordingSink{}
	c1, err := uut.CreateConnection(PeerInfo{}, nil, sink.push, UseDefaultKeepAlive)
	assert.Nil(err)
	conn, err := uut.GetConnection(c1)
	assert.Nil(err)
	assert.Equal(time.Minute, conn.KeepAlive())
	assert.Nil(uut.Close())
	wg.Wait()
}

func TestRegistryFanOutToMatchingConnections(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	uut := defineTestRegistry(t, utCtxt, RegistryConfig{}, &wg)
	defer func() {
		assert.Nil(uut.Close())
	}()

	type connSetup struct {
		subscriptions map[string]string
		expected      []string
	}
	setups := []connSetup{
		{subscriptions: map[string]string{"s1": "/news"}, expected: []string{"s1"}},
		{subscriptions: map[string]string{"s1": "/sports"}, expected: []string{}},
		{subscriptions: map[string]string{}, expected: []string{}},
		{
			subscriptions: map[string]string{"a": "/news/world", "b": "/", "c": "/newsletter"},
			expected:      []string{"a", "b"},
		},
		{subscriptions: map[string]string{"s9": "/news/world/europe/x"}, expected: []string{}},
	}

	sinks := make([]*recordingSink, len(setups))
	for idx, setup := range setups {
		sinks[idx] = &recordingSink{}
		connID, err := uut.CreateConnection(PeerInfo{}, nil, sinks[idx].push, 0)
		assert.Nil(err)
		for subID, destination := range setup.subscriptions {
			assert.Nil(uut.AddSubscription(utCtxt, connID, subID, destination, nil))
		}
	}

	assert.Nil(uut.DispatchMessage(utCtxt, "/news/world/europe", Headers{"lang": "en"}, "m"))

	total := 0
	for idx, setup := range setups {
		msgs := sinks[idx].ofType(MessageEventMessage)
		assert.Lenf(msgs, len(setup.expected), "Case %d", idx)
		for msgIdx, msg := range msgs {
			if msgIdx >= len(setup.expected) {
				break
			}
			assert.Equalf(setup.expected[msgIdx], msg.Headers[HeaderSubID], "Case %d", idx)
			assert.Equalf("/news/world/europe", msg.Headers[HeaderDestination], "Case %d", idx)
			assert.Equalf("en", msg.Headers["lang"], "Case %d", idx)
			assert.Equalf("m", msg.Body, "Case %d", idx)
		}
		total += len(msgs)
	}
	assert.Equal(4, total)
}

func TestRegistryConnectionEndedDirectly(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	uut := defineTestRegistry(t, utCtxt, RegistryConfig{}, &wg)
	defer func() {
		assert.Nil(uut.Close())
	}()

	disconnects := []string{}
	uut.AddEventListener(func(evt Event) {
		disconnects = append(disconnects, evt.ConnectionID)
	}, EventDisconnect)

	sink := &recordingSink{}
	c0, err := uut.CreateConnection(PeerInfo{}, nil, sink.push, 0)
	assert.Nil(err)
	c1, err := uut.CreateConnection(PeerInfo{}, nil, sink.push, 0)
	assert.Nil(err)
	assert.Nil(uut.AddSubscription(utCtxt, c0, "s1", "/x", nil))

	conn, err := uut.GetConnection(c0)
	assert.Nil(err)
	conn.End()
	conn.End()

	// Case 0: the ended connection is gone from the registry
	assert.Equal(1, uut.ConnectionCount())
	{
		_, err := uut.GetConnection(c0)
		assert.True(errors.Is(err, ErrNotFound))
	}
	assert.Len(uut.Snapshot(), 1)
	assert.Len(uut.FindConnections(nil), 1)
	assert.Equal([]string{c0}, disconnects)

	// Case 1: later removal is a no-op
	uut.RemoveConnection(c0)
	assert.Equal([]string{c0}, disconnects)

	// Case 2: other connections are unaffected
	assert.Nil(uut.AddSubscription(utCtxt, c1, "s1", "/x", nil))
	sink.reset()
	assert.Nil(uut.DispatchMessage(utCtxt, "/x", nil, "m"))
	msgs := sink.ofType(MessageEventMessage)
	assert.Len(msgs, 1)
}

func TestRegistrySinkUsesRegistryDuringConnect(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	uut := defineTestRegistry(t, utCtxt, RegistryConfig{}, &wg)

	// Case 0: the sink can query the registry while CONNECT is pushed
	{
		countsSeen := []int{}
		sink := func(msg Message) error {
			if msg.EventType() == MessageEventConnect {
				countsSeen = append(countsSeen, uut.ConnectionCount())
			}
			return nil
		}
		connID, err := uut.CreateConnection(PeerInfo{}, nil, sink, 0)
		assert.Nil(err)
		assert.Equal([]int{0}, countsSeen)
		assert.Equal(1, uut.ConnectionCount())
		_, err = uut.GetConnection(connID)
		assert.Nil(err)
	}

	// Case 1: registry closed while the connection is being built
	{
		sink := func(msg Message) error {
			if msg.EventType() == MessageEventConnect {
				assert.Nil(uut.Close())
			}
			return nil
		}
		_, err := uut.CreateConnection(PeerInfo{}, nil, sink, time.Millisecond*10)
		assert.True(errors.Is(err, ErrRegistryClosed))
		assert.Equal(0, uut.ConnectionCount())
	}
}

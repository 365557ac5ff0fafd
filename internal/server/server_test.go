package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/pairchat/internal/events"
	"github.com/npezzotti/pairchat/internal/presence"
	"github.com/npezzotti/pairchat/internal/stats"
	"github.com/npezzotti/pairchat/internal/store"
	"github.com/npezzotti/pairchat/internal/testutil"
	"github.com/npezzotti/pairchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []types.Message
	err  error
}

func (s *recordingSink) PublishMessage(_ context.Context, m types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return s.err
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) Published() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.msgs...)
}

// newTestChatServer creates a new ChatServer instance for testing purposes
func newTestChatServer(t *testing.T, st RelayStore, su *stats.MockStatsUpdater) *ChatServer {
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)

	if st == nil {
		st = store.NewMessageStore(testutil.TestLogger(t))
	}

	cs, err := NewChatServer(testutil.TestLogger(t), st, presence.NewMemoryTracker(), nil, su, Options{})
	if err != nil {
		t.Fatalf("failed to create test ChatServer: %v", err)
	}
	return cs
}

func newTestClient(cs *ChatServer, userId, id string) *Client {
	return &Client{
		id:         id,
		userId:     userId,
		chatServer: cs,
		log:        cs.log,
		send:       make(chan *ServerMessage, 8),
		stop:       make(chan struct{}),
	}
}

// seededStore returns a store holding one message from u1 to u2.
func seededStore(t *testing.T) *store.MessageStore {
	st := store.NewMessageStore(testutil.TestLogger(t))
	require.True(t, st.Append(types.Message{Id: "m0", SenderId: "u1", ReceiverId: "u2", Content: "hi"}))
	return st
}

func queued(c *Client) []events.Event {
	var out []events.Event
	for {
		select {
		case msg := <-c.send:
			out = append(out, msg.Event)
		default:
			return out
		}
	}
}

func TestNewChatServer(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)

	logger := testutil.TestLogger(t)
	st := store.NewMessageStore(logger)
	tracker := presence.NewMemoryTracker()

	cs, err := NewChatServer(logger, st, tracker, nil, su, Options{})
	assert.NoError(t, err, "expected no error creating ChatServer")
	assert.NotNil(t, cs, "expected ChatServer to be non-nil")
	assert.Equal(t, logger, cs.log, "expected logger to be set")
	assert.Equal(t, st, cs.store, "expected store to be set")
	assert.Equal(t, tracker, cs.presence, "expected tracker to be set")
	assert.NotNil(t, cs.sink, "expected a no-op sink by default")
	assert.NotNil(t, cs.inbound, "expected inbound channel to be initialized")
	assert.NotNil(t, cs.publishChan, "expected publish channel to be initialized")
	assert.NotNil(t, cs.stop, "expected stop channel to be initialized")
	assert.NotNil(t, cs.clients, "expected clients map to be initialized")
	assert.NotNil(t, cs.userMap, "expected userMap to be initialized")
	assert.Equal(t, 20.0, cs.opts.RateLimit, "expected default rate limit")
	assert.Equal(t, 40, cs.opts.RateBurst, "expected default rate burst")
}

func TestNewChatServer_RequiresCollaborators(t *testing.T) {
	logger := testutil.TestLogger(t)

	_, err := NewChatServer(logger, nil, presence.NewMemoryTracker(), nil, &stats.MockStatsUpdater{}, Options{})
	assert.Error(t, err, "expected error without a store")

	_, err = NewChatServer(logger, store.NewMessageStore(logger), nil, nil, &stats.MockStatsUpdater{}, Options{})
	assert.Error(t, err, "expected error without a tracker")
}

func TestChatServerShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		cs := newTestChatServer(t, nil, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		go func() {
			select {
			case req := <-cs.stop:
				assert.NotNil(t, req.done, "expected done channel in stop request")
				close(req.done)
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		cs := newTestChatServer(t, nil, &stats.MockStatsUpdater{})

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()

		go func() {
			select {
			case <-cs.stop:
				// never close done to simulate a hang
			case <-time.After(100 * time.Millisecond):
				t.Error("expected signal on stop chan")
			}
		}()

		err := cs.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})
}

func TestChatServerShutdown_Integration(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", metricActiveClients).Once()
	defer su.AssertExpectations(t)

	sink := &recordingSink{}
	cs := newTestChatServer(t, nil, su)
	cs.sink = sink

	client := newTestClient(cs, "u1", "c1")
	cs.addClient(client)
	cs.publish(types.Message{Id: "m1", SenderId: "u1", ReceiverId: "u2"})

	go cs.Run()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx), "expected successful shutdown")

	select {
	case <-client.stop:
	default:
		t.Error("expected client to be stopped on shutdown")
	}

	assert.Len(t, sink.Published(), 1, "expected queued messages to be published before shutdown completes")
}

func TestChatServer_addClient_removeClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", metricActiveClients).Once()
	su.On("Decr", metricActiveClients).Once()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, nil, su)
	client := newTestClient(cs, "u1", "c1")
	cs.addClient(client)
	assert.Len(t, cs.clients, 1, "expected 1 client after adding")
	assert.Contains(t, cs.clients, client, "expected client to be added to clients map")
	assert.Len(t, cs.userMap, 1, "expected userMap to have 1 entry")
	assert.Contains(t, cs.userMap["u1"], client, "expected userMap to contain client")

	cs.removeClient(client)
	cs.removeClient(client)
	assert.Len(t, cs.clients, 0, "expected 0 client after removing")
	assert.NotContains(t, cs.userMap, "u1", "expected userMap to be empty after removing client")
}

func Test_getClients(t *testing.T) {
	tcases := []struct {
		name    string
		clients int
	}{
		{name: "single client", clients: 1},
		{name: "multiple clients", clients: 2},
		{name: "no clients", clients: 0},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			su := &stats.MockStatsUpdater{}
			if tc.clients > 0 {
				su.On("Incr", metricActiveClients).Times(tc.clients)
			}
			defer su.AssertExpectations(t)

			cs := newTestChatServer(t, nil, su)

			var added []*Client
			for i := 0; i < tc.clients; i++ {
				c := newTestClient(cs, "u1", string(rune('a'+i)))
				cs.addClient(c)
				added = append(added, c)
			}

			clients := cs.getClients("u1")
			assert.Len(t, clients, tc.clients, "expected %d clients for user", tc.clients)
			for _, c := range added {
				assert.Contains(t, clients, c)
			}
		})
	}
}

func TestChatServer_handleBroadcast(t *testing.T) {
	t.Run("successful broadcast", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", metricActiveClients).Once()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, nil, su)
		client := newTestClient(cs, "u1", "c1")
		cs.addClient(client)

		msg := &ServerMessage{UserId: "u1", Event: events.NewUserStatus("u2", true)}
		cs.handleBroadcast(msg)

		require.Len(t, client.send, 1, "expected 1 message to be queued to client")
		assert.Equal(t, msg, <-client.send, "expected messages to match")
	})

	t.Run("successful broadcast skip client", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", metricActiveClients).Twice()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, nil, su)
		client1 := newTestClient(cs, "u1", "c1")
		client2 := newTestClient(cs, "u1", "c2")
		cs.addClient(client1)
		cs.addClient(client2)

		cs.handleBroadcast(&ServerMessage{UserId: "u1", Event: events.NewUserStatus("u2", true), SkipClient: client2})

		assert.Len(t, client1.send, 1, "expected 1 message to be queued to client1")
		assert.Len(t, client2.send, 0, "expected no messages to be queued to client2")
	})
}

func TestChatServer_registerClient(t *testing.T) {
	t.Run("first connection announces online to peers", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", metricActiveClients).Twice()
		su.On("Incr", metricOnlineUsers).Twice()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, seededStore(t), su)
		peer := newTestClient(cs, "u2", "c2")
		cs.registerClient(peer)

		got := queued(peer)
		require.Len(t, got, 2, "expected the status of u1 and the unread backlog")
		assert.Equal(t, events.NewUserStatus("u1", false), got[0], "expected u1 to be offline")
		require.Equal(t, events.KindMessage, got[1].Kind)
		assert.Equal(t, "m0", got[1].Message.Id, "expected the unread message to be replayed")

		client := newTestClient(cs, "u1", "c1")
		cs.registerClient(client)

		got = queued(peer)
		require.Len(t, got, 1, "expected peer to be told u1 came online")
		assert.Equal(t, events.NewUserStatus("u1", true), got[0])

		got = queued(client)
		require.Len(t, got, 1, "expected client to receive its peer's status")
		assert.Equal(t, events.NewUserStatus("u2", true), got[0])
	})

	t.Run("second connection does not announce again", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", metricActiveClients).Times(3)
		su.On("Incr", metricOnlineUsers).Twice()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, seededStore(t), su)
		peer := newTestClient(cs, "u2", "c2")
		cs.registerClient(peer)
		cs.registerClient(newTestClient(cs, "u1", "c1"))
		queued(peer)

		second := newTestClient(cs, "u1", "c1b")
		cs.registerClient(second)

		assert.Empty(t, queued(peer), "expected no second online announcement")
		assert.Len(t, queued(second), 1, "expected peer status for the new connection")
	})

	t.Run("register client with no rooms", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", metricActiveClients).Once()
		su.On("Incr", metricOnlineUsers).Once()
		defer su.AssertExpectations(t)

		cs := newTestChatServer(t, nil, su)
		client := newTestClient(cs, "u1", "c1")

		cs.registerClient(client)
		assert.Len(t, cs.clients, 1, "expected 1 client after registration")
		assert.Empty(t, queued(client), "expected no presence notification without rooms")
	})
}

func TestChatServer_deregisterClient(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", metricActiveClients).Times(3)
	su.On("Decr", metricActiveClients).Twice()
	su.On("Incr", metricOnlineUsers).Twice()
	su.On("Decr", metricOnlineUsers).Once()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, seededStore(t), su)
	peer := newTestClient(cs, "u2", "c2")
	first := newTestClient(cs, "u1", "c1")
	second := newTestClient(cs, "u1", "c1b")
	cs.registerClient(peer)
	cs.registerClient(first)
	cs.registerClient(second)
	queued(peer)

	cs.deregisterClient(first)
	assert.NotContains(t, cs.clients, first, "expected client to be removed from clients map")
	assert.Empty(t, queued(peer), "expected no offline announcement while u1 has a connection")

	cs.deregisterClient(second)
	assert.NotContains(t, cs.userMap, "u1", "expected userMap to not contain user after last connection")

	got := queued(peer)
	require.Len(t, got, 1)
	assert.Equal(t, events.NewUserStatus("u1", false), got[0])
}

func TestChatServer_backlogFor(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	logger := testutil.TestLogger(t)
	st := store.NewMessageStore(logger, store.WithClock(func() time.Time { return now }))

	require.True(t, st.Append(types.Message{Id: "m0", SenderId: "u1", ReceiverId: "u2", Content: "hi", Timestamp: base}))
	require.True(t, st.Append(types.Message{Id: "m1", SenderId: "u2", ReceiverId: "u1", Content: "hey", Timestamp: base.Add(time.Minute)}))
	require.True(t, st.Append(types.Message{Id: "m2", SenderId: "u2", ReceiverId: "u3", Content: "yo", Timestamp: base.Add(2 * time.Minute)}))

	now = base.Add(3 * time.Minute)
	require.True(t, st.MarkRead("m1", "u1"))
	now = base.Add(5 * time.Minute)
	require.True(t, st.MarkRead("m2", "u3"))

	cs := newTestChatServer(t, st, &stats.MockStatsUpdater{})

	tcases := []struct {
		name     string
		userId   string
		since    time.Time
		expected []string
	}{
		{
			name:     "nothing pending",
			userId:   "u3",
			since:    base.Add(10 * time.Minute),
			expected: []string{},
		},
		{
			name:     "unread messages and receipts since the last visit",
			userId:   "u2",
			since:    base.Add(4 * time.Minute),
			expected: []string{"message m0", "message:read m2"},
		},
		{
			name:     "every receipt on a first visit",
			userId:   "u2",
			expected: []string{"message m0", "message:read m1", "message:read m2"},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, backlogKeys(cs.backlogFor(tc.userId, tc.since)))
		})
	}

	t.Run("truncated to the newest events", func(t *testing.T) {
		for i := 0; i < maxBacklog+10; i++ {
			id := fmt.Sprintf("b%03d", i)
			require.True(t, st.Append(types.Message{Id: id, SenderId: "u4", ReceiverId: "u5", Timestamp: base.Add(time.Duration(i) * time.Second)}))
		}

		got := backlogKeys(cs.backlogFor("u5", time.Time{}))
		require.Len(t, got, maxBacklog)
		assert.Equal(t, "message b010", got[0])
		assert.Equal(t, fmt.Sprintf("message b%03d", maxBacklog+9), got[len(got)-1])
	})
}

func backlogKeys(evts []events.Event) []string {
	keys := []string{}
	for _, e := range evts {
		switch e.Kind {
		case events.KindMessage:
			keys = append(keys, string(e.Kind)+" "+e.Message.Id)
		case events.KindMessageRead:
			keys = append(keys, string(e.Kind)+" "+e.Read.MessageId)
		}
	}
	return keys
}

func TestChatServer_RegisterClient(t *testing.T) {
	su := new(stats.MockStatsUpdater).AllowUpdates()
	cs := newTestChatServer(t, seededStore(t), su)
	go cs.Run()

	client := newTestClient(cs, "u2", "c2")
	cs.RegisterClient(client)
	require.Eventually(t, func() bool { return len(cs.getClients("u2")) == 1 }, time.Second, 5*time.Millisecond,
		"expected the hub to add the client")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, cs.Shutdown(ctx))

	late := newTestClient(cs, "u1", "c1")
	cs.RegisterClient(late)
	select {
	case <-late.stop:
	default:
		t.Error("expected a client registered after shutdown to be stopped")
	}
	assert.Empty(t, cs.getClients("u1"))

	cs.DeRegisterClient(client)
	assert.Empty(t, cs.getClients("u2"), "expected removal after shutdown to complete")
}

func Test_handleMessage(t *testing.T) {
	t.Run("relays new messages to the receiver", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", metricActiveClients).Twice()
		su.On("Incr", metricMessagesRelayed).Once()
		defer su.AssertExpectations(t)

		st := store.NewMessageStore(testutil.TestLogger(t))
		cs := newTestChatServer(t, st, su)
		sender := newTestClient(cs, "u1", "c1")
		receiver := newTestClient(cs, "u2", "c2")
		cs.addClient(sender)
		cs.addClient(receiver)

		msg := types.Message{Id: "m1", SenderId: "u1", ReceiverId: "u2", Content: "hello"}
		cs.handleEvent(&clientEvent{client: sender, event: events.NewMessage(msg)})
		cs.handleEvent(&clientEvent{client: sender, event: events.NewMessage(msg)})

		got := queued(receiver)
		require.Len(t, got, 1, "expected a duplicate message not to be forwarded")
		assert.Equal(t, "hello", got[0].Message.Content)
		assert.Equal(t, types.TextMessage, got[0].Message.Type)
		assert.False(t, got[0].Message.Timestamp.IsZero(), "expected the relay to stamp the message")
		assert.Empty(t, queued(sender), "expected no echo to the sender")

		assert.Len(t, st.ListMessages(types.RoomID("u1", "u2")), 1)
		require.Len(t, cs.publishChan, 1, "expected the message to be queued for publishing")
		assert.Equal(t, "m1", (<-cs.publishChan).Id)
	})

	t.Run("rejects messages sent on behalf of another user", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		su.On("Incr", metricActiveClients).Once()
		su.On("Incr", metricFramesRejected).Once()
		defer su.AssertExpectations(t)

		st := store.NewMessageStore(testutil.TestLogger(t))
		cs := newTestChatServer(t, st, su)
		receiver := newTestClient(cs, "u2", "c2")
		cs.addClient(receiver)

		spoofer := newTestClient(cs, "u3", "c3")
		msg := types.Message{Id: "m1", SenderId: "u1", ReceiverId: "u2", Content: "hello"}
		cs.handleEvent(&clientEvent{client: spoofer, event: events.NewMessage(msg)})

		assert.Empty(t, queued(receiver))
		_, ok := st.Get("m1")
		assert.False(t, ok, "expected spoofed message not to be stored")
	})
}

func Test_handleTyping(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", metricActiveClients).Once()
	su.On("Incr", metricFramesRejected).Twice()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, nil, su)
	peer := newTestClient(cs, "u2", "c2")
	cs.addClient(peer)
	typist := newTestClient(cs, "u1", "c1")
	room := types.RoomID("u1", "u2")

	cs.handleEvent(&clientEvent{client: typist, event: events.NewTypingStart(room, "u1")})
	cs.handleEvent(&clientEvent{client: typist, event: events.NewTypingEnd(room, "u1")})
	cs.handleEvent(&clientEvent{client: typist, event: events.NewTypingStart(types.RoomID("u2", "u3"), "u1")})
	cs.handleEvent(&clientEvent{client: typist, event: events.NewTypingStart(room, "u2")})

	got := queued(peer)
	require.Len(t, got, 2)
	assert.Equal(t, events.KindTypingStart, got[0].Kind)
	assert.Equal(t, events.KindTypingEnd, got[1].Kind)
}

func Test_handleRead(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", metricActiveClients).Twice()
	su.On("Incr", metricFramesRejected).Twice()
	defer su.AssertExpectations(t)

	st := seededStore(t)
	cs := newTestChatServer(t, st, su)
	sender := newTestClient(cs, "u1", "c1")
	receiver := newTestClient(cs, "u2", "c2")
	cs.addClient(sender)
	cs.addClient(receiver)

	// the sender cannot mark its own message read
	cs.handleEvent(&clientEvent{client: sender, event: events.NewMessageRead("m0", "u1")})
	cs.handleEvent(&clientEvent{client: receiver, event: events.NewMessageRead("missing", "u2")})

	cs.handleEvent(&clientEvent{client: receiver, event: events.NewMessageRead("m0", "u2")})
	cs.handleEvent(&clientEvent{client: receiver, event: events.NewMessageRead("m0", "u2")})

	got := queued(sender)
	require.Len(t, got, 1, "expected exactly one receipt for the sender")
	assert.Equal(t, events.NewMessageRead("m0", "u2"), got[0])

	m, _ := st.Get("m0")
	assert.True(t, m.Read)
}

func Test_handleStatusIgnored(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", metricActiveClients).Once()
	defer su.AssertExpectations(t)

	cs := newTestChatServer(t, seededStore(t), su)
	peer := newTestClient(cs, "u2", "c2")
	cs.addClient(peer)

	cs.handleEvent(&clientEvent{client: newTestClient(cs, "u1", "c1"), event: events.NewUserStatus("u1", true)})
	assert.Empty(t, queued(peer), "expected client status frames not to be relayed")
}

func Test_dispatch(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", metricFramesRejected).Once()
	defer su.AssertExpectations(t)

	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)
	cs, err := NewChatServer(testutil.TestLogger(t), store.NewMessageStore(testutil.TestLogger(t)), presence.NewMemoryTracker(), nil, su, Options{InboundBuffer: 1})
	require.NoError(t, err)

	c := newTestClient(cs, "u1", "c1")
	assert.True(t, cs.dispatch(c, events.NewTypingStart(types.RoomID("u1", "u2"), "u1")))
	assert.False(t, cs.dispatch(c, events.NewTypingEnd(types.RoomID("u1", "u2"), "u1")), "expected a full inbound channel to drop the frame")
}

func Test_publishLoop(t *testing.T) {
	cs := newTestChatServer(t, nil, &stats.MockStatsUpdater{})
	sink := &recordingSink{err: errors.New("broker down")}
	cs.sink = sink

	cs.publish(types.Message{Id: "m1"})
	cs.publish(types.Message{Id: "m2"})
	close(cs.publishChan)
	cs.publishLoop()

	got := sink.Published()
	require.Len(t, got, 2, "expected publish errors not to stop the loop")
	assert.Equal(t, "m1", got[0].Id)
	assert.Equal(t, "m2", got[1].Id)
}

package server

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/pairchat/internal/broker"
	"github.com/npezzotti/pairchat/internal/events"
	"github.com/npezzotti/pairchat/internal/presence"
	"github.com/npezzotti/pairchat/internal/stats"
	"github.com/npezzotti/pairchat/internal/types"
	"go.uber.org/zap"
)

const (
	metricActiveClients   = "NumActiveClients"
	metricOnlineUsers     = "NumOnlineUsers"
	metricMessagesRelayed = "NumMessagesRelayed"
	metricFramesRejected  = "NumFramesRejected"

	presenceTimeout = 2 * time.Second
	publishTimeout  = 5 * time.Second

	// maxBacklog bounds the frames replayed to a connecting client; older
	// history is served by the messages endpoint.
	maxBacklog = 128
)

// RelayStore is the relay's copy of every conversation. *store.MessageStore
// satisfies it.
type RelayStore interface {
	Append(msg types.Message) bool
	Get(messageId string) (types.Message, bool)
	MarkRead(messageId, readerId string) bool
	ListRooms(userId string) []types.ChatRoom
	ListMessages(roomId string) []types.Message
}

type Options struct {
	// RateLimit and RateBurst bound inbound frames per connection.
	RateLimit     float64
	RateBurst     int
	InboundBuffer int
	PublishBuffer int
}

func (o *Options) setDefaults() {
	if o.RateLimit <= 0 {
		o.RateLimit = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 40
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = 256
	}
	if o.PublishBuffer <= 0 {
		o.PublishBuffer = 256
	}
}

type ChatServer struct {
	log         *zap.SugaredLogger
	store       RelayStore
	presence    presence.Tracker
	sink        broker.MessageSink
	stats       stats.StatsProvider
	opts        Options
	clients     map[*Client]struct{}
	userMap     map[string]map[*Client]struct{}
	clientsLock sync.RWMutex
	register    chan *Client
	deregister  chan *Client
	inbound     chan *clientEvent
	publishChan chan types.Message
	publishDone chan struct{}
	stop        chan stopRequest
	done        chan struct{}
}

func NewChatServer(logger *zap.SugaredLogger, store RelayStore, tracker presence.Tracker, sink broker.MessageSink, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if store == nil {
		return nil, errors.New("relay store is required")
	}
	if tracker == nil {
		return nil, errors.New("presence tracker is required")
	}
	if sink == nil {
		sink = broker.NopSink{}
	}
	opts.setDefaults()

	su.RegisterMetric(metricActiveClients)
	su.RegisterMetric(metricOnlineUsers)
	su.RegisterMetric(metricMessagesRelayed)
	su.RegisterMetric(metricFramesRejected)

	return &ChatServer{
		log:         logger,
		store:       store,
		presence:    tracker,
		sink:        sink,
		stats:       su,
		opts:        opts,
		clients:     make(map[*Client]struct{}),
		userMap:     make(map[string]map[*Client]struct{}),
		register:    make(chan *Client),
		deregister:  make(chan *Client),
		inbound:     make(chan *clientEvent, opts.InboundBuffer),
		publishChan: make(chan types.Message, opts.PublishBuffer),
		publishDone: make(chan struct{}),
		stop:        make(chan stopRequest),
		done:        make(chan struct{}),
	}, nil
}

// Run processes registrations, deregistrations and inbound client events
// until Shutdown is called.
func (cs *ChatServer) Run() {
	go cs.publishLoop()

	for {
		select {
		case c := <-cs.register:
			cs.registerClient(c)
		case c := <-cs.deregister:
			cs.deregisterClient(c)
		case ce := <-cs.inbound:
			cs.handleEvent(ce)
		case req := <-cs.stop:
			cs.log.Info("shutting down chat server")
			close(cs.done)
			for _, c := range cs.allClients() {
				c.stopClient()
			}

			close(cs.publishChan)
			<-cs.publishDone
			close(req.done)
			return
		}
	}
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case cs.stop <- stopRequest{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if _, ok := cs.userMap[c.userId]; !ok {
		cs.userMap[c.userId] = make(map[*Client]struct{})
	}
	cs.userMap[c.userId][c] = struct{}{}
	cs.stats.Incr(metricActiveClients)
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	if conns, ok := cs.userMap[c.userId]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(cs.userMap, c.userId)
		}
	}
	cs.stats.Decr(metricActiveClients)
}

func (cs *ChatServer) getClients(userId string) []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	var clients []*Client
	for c := range cs.userMap[userId] {
		clients = append(clients, c)
	}

	return clients
}

func (cs *ChatServer) allClients() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}

	return clients
}

// RegisterClient hands c to the hub and returns once the hub has taken it.
// A client registered after shutdown is stopped.
func (cs *ChatServer) RegisterClient(c *Client) {
	select {
	case cs.register <- c:
	case <-cs.done:
		c.stopClient()
	}
}

// DeRegisterClient hands c to the hub for removal. After shutdown the client
// is removed on the calling goroutine.
func (cs *ChatServer) DeRegisterClient(c *Client) {
	select {
	case cs.deregister <- c:
	case <-cs.done:
		cs.deregisterClient(c)
	}
}

// registerClient adds c to the hub. On the user's first connection the
// user's peers are told it came online. c receives the current status of
// every peer, then the backlog it missed while offline.
func (cs *ChatServer) registerClient(c *Client) {
	cs.log.Infof("adding connection %s for %q", c.id, c.userId)
	cs.addClient(c)

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	prev, err := cs.presence.Status(ctx, c.userId)
	if err != nil {
		cs.log.Errorf("presence status %q: %v", c.userId, err)
	}

	first, err := cs.presence.Connect(ctx, c.userId, c.id)
	if err != nil {
		cs.log.Errorf("presence connect %q: %v", c.userId, err)
	}

	peers := cs.peersOf(c.userId)
	if first {
		cs.stats.Incr(metricOnlineUsers)
		cs.announce(c.userId, true, peers, c)
	}

	for _, peer := range peers {
		st, err := cs.presence.Status(ctx, peer)
		if err != nil {
			cs.log.Errorf("presence status %q: %v", peer, err)
			continue
		}
		c.queueMessage(&ServerMessage{UserId: c.userId, Event: events.NewUserStatus(peer, st.Online)})
	}

	// A dropped connection can go unnoticed for up to pongWait, so receipts
	// queued to it in that window are replayed too.
	since := prev.LastSeen
	if !since.IsZero() {
		since = since.Add(-pongWait)
	}

	backlog := cs.backlogFor(c.userId, since)
	for _, e := range backlog {
		c.queueMessage(&ServerMessage{UserId: c.userId, Event: e})
	}
	if len(backlog) > 0 {
		cs.log.Debugf("replayed %d events to connection %s", len(backlog), c.id)
	}
}

// backlogFor lists, oldest first, every unread message addressed to userId
// and a receipt for every message userId sent that was read at or after
// since. A zero since replays every receipt.
func (cs *ChatServer) backlogFor(userId string, since time.Time) []events.Event {
	type entry struct {
		at time.Time
		e  events.Event
	}

	var backlog []entry
	for _, r := range cs.store.ListRooms(userId) {
		for _, m := range cs.store.ListMessages(r.Id) {
			switch {
			case m.ReceiverId == userId && !m.Read:
				backlog = append(backlog, entry{at: m.Timestamp, e: events.NewMessage(m)})
			case m.SenderId == userId && m.Read && m.ReadAt != nil && !m.ReadAt.Before(since):
				backlog = append(backlog, entry{at: *m.ReadAt, e: events.NewMessageRead(m.Id, m.ReceiverId)})
			}
		}
	}

	slices.SortStableFunc(backlog, func(a, b entry) int { return a.at.Compare(b.at) })
	if len(backlog) > maxBacklog {
		cs.log.Warnf("backlog for %q truncated to the newest %d of %d events", userId, maxBacklog, len(backlog))
		backlog = backlog[len(backlog)-maxBacklog:]
	}

	out := make([]events.Event, 0, len(backlog))
	for _, b := range backlog {
		out = append(out, b.e)
	}

	return out
}

// deregisterClient removes c from the hub and announces the user offline
// when c was its last connection.
func (cs *ChatServer) deregisterClient(c *Client) {
	cs.log.Infof("removing connection %s for %q", c.id, c.userId)
	cs.removeClient(c)

	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()

	last, err := cs.presence.Disconnect(ctx, c.userId, c.id)
	if err != nil {
		cs.log.Errorf("presence disconnect %q: %v", c.userId, err)
		return
	}

	if last {
		cs.stats.Decr(metricOnlineUsers)
		cs.announce(c.userId, false, cs.peersOf(c.userId), nil)
	}
}

func (cs *ChatServer) announce(userId string, online bool, peers []string, skip *Client) {
	for _, peer := range peers {
		cs.handleBroadcast(&ServerMessage{
			UserId:     peer,
			Event:      events.NewUserStatus(userId, online),
			SkipClient: skip,
		})
	}
}

// peersOf lists every user that shares a room with userId.
func (cs *ChatServer) peersOf(userId string) []string {
	var peers []string
	for _, r := range cs.store.ListRooms(userId) {
		if peer, ok := types.Peer(r.Id, userId); ok {
			peers = append(peers, peer)
		}
	}

	return peers
}

// dispatch hands a decoded frame to the hub without blocking the read pump.
func (cs *ChatServer) dispatch(c *Client, e events.Event) bool {
	select {
	case cs.inbound <- &clientEvent{client: c, event: e}:
		return true
	default:
		cs.log.Warnf("inbound channel full, dropping %s from %q", e.Kind, c.userId)
		cs.stats.Incr(metricFramesRejected)
		return false
	}
}

func (cs *ChatServer) handleEvent(ce *clientEvent) {
	switch ce.event.Kind {
	case events.KindMessage:
		cs.handleMessage(ce.client, *ce.event.Message)
	case events.KindTypingStart, events.KindTypingEnd:
		cs.handleTyping(ce.client, ce.event)
	case events.KindMessageRead:
		cs.handleRead(ce.client, *ce.event.Read)
	case events.KindUserStatus:
		cs.log.Debugf("ignoring client status frame from %q", ce.client.userId)
	default:
		cs.reject(ce.client, "unknown kind %q", ce.event.Kind)
	}
}

func (cs *ChatServer) handleMessage(c *Client, m types.Message) {
	if m.SenderId != c.userId {
		cs.reject(c, "message %q sent on behalf of %q", m.Id, m.SenderId)
		return
	}

	if !cs.store.Append(m) {
		cs.log.Debugf("message %q from %q not appended", m.Id, c.userId)
		return
	}

	stored, ok := cs.store.Get(m.Id)
	if !ok {
		return
	}

	cs.stats.Incr(metricMessagesRelayed)
	cs.handleBroadcast(&ServerMessage{UserId: stored.ReceiverId, Event: events.NewMessage(stored)})
	cs.publish(stored)
}

func (cs *ChatServer) handleTyping(c *Client, e events.Event) {
	if e.Typing.UserId != c.userId {
		cs.reject(c, "%s on behalf of %q", e.Kind, e.Typing.UserId)
		return
	}

	peer, ok := types.Peer(e.Typing.RoomId, c.userId)
	if !ok {
		cs.reject(c, "%s for room %q", e.Kind, e.Typing.RoomId)
		return
	}

	cs.handleBroadcast(&ServerMessage{UserId: peer, Event: e})
}

func (cs *ChatServer) handleRead(c *Client, r types.ReadReceipt) {
	if r.UserId != c.userId {
		cs.reject(c, "read receipt on behalf of %q", r.UserId)
		return
	}

	m, ok := cs.store.Get(r.MessageId)
	if !ok {
		cs.reject(c, "read receipt for unknown message %q", r.MessageId)
		return
	}
	if m.ReceiverId != c.userId {
		cs.reject(c, "read receipt for message %q addressed to %q", r.MessageId, m.ReceiverId)
		return
	}

	if !cs.store.MarkRead(r.MessageId, c.userId) {
		return
	}

	cs.handleBroadcast(&ServerMessage{UserId: m.SenderId, Event: events.NewMessageRead(r.MessageId, c.userId)})
}

func (cs *ChatServer) reject(c *Client, format string, args ...any) {
	cs.stats.Incr(metricFramesRejected)
	cs.log.Debugf("rejected frame from %q: "+format, append([]any{c.userId}, args...)...)
}

func (cs *ChatServer) handleBroadcast(msg *ServerMessage) {
	for _, c := range cs.getClients(msg.UserId) {
		if c == msg.SkipClient {
			continue
		}
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) publish(m types.Message) {
	select {
	case cs.publishChan <- m:
	default:
		cs.log.Warnf("publish queue full, message %q not streamed", m.Id)
	}
}

func (cs *ChatServer) publishLoop() {
	defer close(cs.publishDone)

	for m := range cs.publishChan {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := cs.sink.PublishMessage(ctx, m); err != nil {
			cs.log.Errorf("publish message %q: %v", m.Id, err)
		}
		cancel()
	}
}

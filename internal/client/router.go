package client

import (
	"sync"

	"github.com/npezzotti/pairchat/internal/events"
	"github.com/npezzotti/pairchat/internal/types"
	"go.uber.org/zap"
)

type Handler func(events.Event)

// Transport carries encoded frames to the relay.
type Transport interface {
	Send(data []byte) bool
	SendTransient(data []byte) bool
}

// RoomResolver maps a message id to the room holding it, so read receipts
// can be routed to room-scoped subscribers.
type RoomResolver interface {
	RoomOf(messageId string) (string, bool)
}

type subscription struct {
	id      uint64
	scope   string
	handler Handler
}

// Router dispatches inbound relay events to subscribers and encodes outbound
// actions onto the transport. Subscriptions are additive: each is scoped to a
// room id (or a user id for user:status) and removed only by its own
// unsubscribe func. An empty scope receives every event of its kind.
type Router struct {
	log       *zap.SugaredLogger
	transport Transport
	resolver  RoomResolver

	mu     sync.RWMutex
	subs   map[events.Kind][]subscription
	nextId uint64
}

func NewRouter(logger *zap.SugaredLogger, transport Transport, resolver RoomResolver) *Router {
	return &Router{
		log:       logger,
		transport: transport,
		resolver:  resolver,
		subs:      make(map[events.Kind][]subscription),
	}
}

func (r *Router) Subscribe(kind events.Kind, scope string, h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextId
	r.nextId++
	r.subs[kind] = append(r.subs[kind], subscription{id: id, scope: scope, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() { r.unsubscribe(kind, id) })
	}
}

func (r *Router) unsubscribe(kind events.Kind, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.subs[kind]
	for i, s := range subs {
		if s.id == id {
			r.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Subscribers returns the number of live subscriptions for kind.
func (r *Router) Subscribers(kind events.Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[kind])
}

// Dispatch decodes one inbound frame and delivers it. Frames that fail to
// decode are logged and dropped.
func (r *Router) Dispatch(raw []byte) {
	e, err := events.Decode(raw)
	if err != nil {
		r.log.Warnf("dropping inbound event: %v", err)
		return
	}

	r.Publish(e)
}

// Publish delivers a decoded event to every matching subscriber.
func (r *Router) Publish(e events.Event) {
	scope := r.scopeOf(e)

	r.mu.RLock()
	var handlers []Handler
	for _, s := range r.subs[e.Kind] {
		if s.scope == "" || s.scope == scope {
			handlers = append(handlers, s.handler)
		}
	}
	r.mu.RUnlock()

	if len(handlers) == 0 {
		r.log.Debugf("no subscriber for %s in %q", e.Kind, scope)
		return
	}

	for _, h := range handlers {
		h(e)
	}
}

func (r *Router) scopeOf(e events.Event) string {
	switch e.Kind {
	case events.KindMessage:
		return e.Message.RoomId()
	case events.KindTypingStart, events.KindTypingEnd:
		return e.Typing.RoomId
	case events.KindMessageRead:
		if r.resolver != nil {
			if roomId, ok := r.resolver.RoomOf(e.Read.MessageId); ok {
				return roomId
			}
		}
	case events.KindUserStatus:
		return e.Status.UserId
	}

	return ""
}

func (r *Router) SendMessage(m types.Message) bool {
	return r.emit(events.NewMessage(m), false)
}

func (r *Router) SendTypingStart(roomId, userId string) bool {
	return r.emit(events.NewTypingStart(roomId, userId), true)
}

func (r *Router) SendTypingEnd(roomId, userId string) bool {
	return r.emit(events.NewTypingEnd(roomId, userId), true)
}

func (r *Router) MarkMessageRead(messageId, userId string) bool {
	return r.emit(events.NewMessageRead(messageId, userId), false)
}

func (r *Router) emit(e events.Event, transient bool) bool {
	raw, err := events.Encode(e)
	if err != nil {
		r.log.Errorf("encode %s: %v", e.Kind, err)
		return false
	}

	if transient {
		return r.transport.SendTransient(raw)
	}

	return r.transport.Send(raw)
}

package session

import (
	"github.com/npezzotti/pairchat/internal/client"
	"github.com/npezzotti/pairchat/internal/events"
	"go.uber.org/zap"
)

// Subscriber registers router handlers.
type Subscriber interface {
	Subscribe(kind events.Kind, scope string, h client.Handler) func()
}

// Inbox keeps the store current for conversations that have no open
// session: it appends every inbound message addressed to the local user and
// applies read receipts for messages the local user sent. It must be started
// before any Session so that sessions observe messages already stored.
type Inbox struct {
	log    *zap.SugaredLogger
	store  Store
	me     string
	unsubs []func()
}

func NewInbox(logger *zap.SugaredLogger, store Store, router Subscriber, me string) *Inbox {
	i := &Inbox{
		log:   logger,
		store: store,
		me:    me,
	}

	i.unsubs = []func(){
		router.Subscribe(events.KindMessage, "", i.handleMessage),
		router.Subscribe(events.KindMessageRead, "", i.handleRead),
	}

	return i
}

func (i *Inbox) handleMessage(e events.Event) {
	m := *e.Message
	if m.ReceiverId != i.me && m.SenderId != i.me {
		i.log.Warnf("ignoring message %q not addressed to %s", m.Id, i.me)
		return
	}

	if i.store.Append(m) {
		i.log.Debugf("stored message %q in %s", m.Id, m.RoomId())
	}
}

func (i *Inbox) handleRead(e events.Event) {
	if e.Read.UserId == i.me {
		return
	}

	i.store.MarkRead(e.Read.MessageId, e.Read.UserId)
}

func (i *Inbox) Close() {
	for _, unsub := range i.unsubs {
		unsub()
	}
	i.unsubs = nil
}

package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/pairchat/internal/client"
	"github.com/npezzotti/pairchat/internal/events"
	"github.com/npezzotti/pairchat/internal/types"
	"go.uber.org/zap"
)

const (
	defaultDebounce = 1500 * time.Millisecond
)

var ErrInvalidPeer = errors.New("session requires two distinct, non-empty users")

type State int

const (
	Loading State = iota
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Store is the part of the message store a session reads and writes.
type Store interface {
	Append(msg types.Message) bool
	ListMessages(roomId string) []types.Message
	MarkRead(messageId, readerId string) bool
	SetTyping(roomId, userId string, typing bool) bool
}

// Router is the part of the event router a session subscribes to and emits on.
type Router interface {
	Subscribe(kind events.Kind, scope string, h client.Handler) func()
	SendMessage(m types.Message) bool
	SendTypingStart(roomId, userId string) bool
	SendTypingEnd(roomId, userId string) bool
	MarkMessageRead(messageId, userId string) bool
}

type Options struct {
	// Debounce is how long local input may pause before typing:end is sent.
	Debounce time.Duration
	// TypingTimeout clears the peer's typing indicator when no typing:start
	// refresh arrives in time. Defaults to twice Debounce.
	TypingTimeout time.Duration
	Now           func() time.Time
}

func (o *Options) setDefaults() {
	if o.Debounce <= 0 {
		o.Debounce = defaultDebounce
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = 2 * o.Debounce
	}
	if o.Now == nil {
		o.Now = types.Now
	}
}

// Session is the live view of one conversation between the local user and
// a peer. It is safe for concurrent use by the consumer, the router and its
// own timers.
type Session struct {
	log    *zap.SugaredLogger
	store  Store
	router Router
	opts   Options

	me     string
	peer   string
	roomId string

	mu         sync.Mutex
	state      State
	unsubs     []func()
	onChange   func()
	peerTyping bool
	peerOnline bool
	composing  bool

	debounce    *time.Timer
	debounceGen uint64
	lastStart   time.Time
	liveness    *time.Timer
	livenessGen uint64
}

// Open loads the room's history, marks every unread message from peer read
// and subscribes to the room's events. Events that arrive while the session
// is loading are applied once it is Ready.
func Open(logger *zap.SugaredLogger, store Store, router Router, me, peer string, opts Options) (*Session, error) {
	if me == "" || peer == "" || me == peer {
		return nil, ErrInvalidPeer
	}

	opts.setDefaults()
	s := &Session{
		log:    logger,
		store:  store,
		router: router,
		opts:   opts,
		me:     me,
		peer:   peer,
		roomId: types.RoomID(me, peer),
		state:  Loading,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.unsubs = []func(){
		router.Subscribe(events.KindMessage, s.roomId, s.handleMessage),
		router.Subscribe(events.KindTypingStart, s.roomId, s.handleTyping),
		router.Subscribe(events.KindTypingEnd, s.roomId, s.handleTyping),
		router.Subscribe(events.KindMessageRead, s.roomId, s.handleRead),
		router.Subscribe(events.KindUserStatus, peer, s.handleStatus),
	}

	marked := 0
	for _, m := range store.ListMessages(s.roomId) {
		if m.SenderId == peer && !m.Read && s.markReadLocked(m.Id) {
			marked++
		}
	}

	s.state = Ready
	s.log.Debugf("session %s ready, marked %d messages read", s.roomId, marked)

	return s, nil
}

func (s *Session) RoomId() string {
	return s.roomId
}

func (s *Session) Peer() string {
	return s.peer
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Messages returns the room's history in arrival order.
func (s *Session) Messages() []types.Message {
	return s.store.ListMessages(s.roomId)
}

func (s *Session) PeerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerTyping
}

func (s *Session) PeerOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerOnline
}

// Composing reports whether a local typing:start is outstanding.
func (s *Session) Composing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.composing
}

// OnChange sets fn to be called after every change visible to the consumer.
// fn runs without the session lock held and may call back into the session.
func (s *Session) OnChange(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *Session) notify() {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// InputChanged reports the current content of the local input. typing:start
// is sent only when no debounce is pending, and repeated once per debounce
// interval of sustained input; typing:end follows once the input has been
// quiet for the debounce interval or is cleared.
func (s *Session) InputChanged(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Ready {
		return
	}

	if strings.TrimSpace(text) == "" {
		s.stopComposingLocked()
		return
	}

	// Sustained input refreshes typing:start before the peer's liveness
	// timeout can expire.
	if !s.composing || time.Since(s.lastStart) >= s.refreshInterval() {
		s.composing = true
		s.lastStart = time.Now()
		s.router.SendTypingStart(s.roomId, s.me)
	}

	s.debounceGen++
	gen := s.debounceGen
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(s.opts.Debounce, func() { s.debounceFired(gen) })
}

func (s *Session) refreshInterval() time.Duration {
	return min(s.opts.Debounce, s.opts.TypingTimeout/2)
}

func (s *Session) debounceFired(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Ready || gen != s.debounceGen {
		return
	}

	s.debounce = nil
	s.stopComposingLocked()
}

func (s *Session) stopComposingLocked() {
	s.debounceGen++
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}

	if s.composing {
		s.composing = false
		s.router.SendTypingEnd(s.roomId, s.me)
	}
}

// Send posts a text message to the peer. The message is appended to the
// store before it is handed to the router. Blank text is ignored.
func (s *Session) Send(text string) (types.Message, bool) {
	content := strings.TrimSpace(text)
	if content == "" {
		return types.Message{}, false
	}

	return s.send(types.Message{Type: types.TextMessage, Content: content})
}

// SendImage posts an image message. ref is the opaque reference returned by
// the image uploader; caption may be empty.
func (s *Session) SendImage(ref, caption string) (types.Message, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return types.Message{}, false
	}

	return s.send(types.Message{Type: types.ImageMessage, ImageUrl: ref, Content: strings.TrimSpace(caption)})
}

func (s *Session) send(m types.Message) (types.Message, bool) {
	s.mu.Lock()
	if s.state != Ready {
		s.mu.Unlock()
		return types.Message{}, false
	}

	now := s.opts.Now()
	m.Id = types.NewMessageID(now)
	m.SenderId = s.me
	m.ReceiverId = s.peer
	m.Timestamp = now

	if !s.store.Append(m) {
		s.mu.Unlock()
		s.log.Errorf("local message %q rejected by store", m.Id)
		return types.Message{}, false
	}

	s.router.SendMessage(m)
	s.stopComposingLocked()
	s.mu.Unlock()

	s.notify()
	return m, true
}

func (s *Session) handleMessage(e events.Event) {
	m := *e.Message

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}

	// Duplicates are expected after a reconnect resend.
	s.store.Append(m)
	if m.SenderId == s.peer {
		s.markReadLocked(m.Id)
		s.clearPeerTypingLocked()
	}
	s.mu.Unlock()

	s.notify()
}

func (s *Session) markReadLocked(messageId string) bool {
	if !s.store.MarkRead(messageId, s.me) {
		return false
	}

	s.router.MarkMessageRead(messageId, s.me)
	return true
}

func (s *Session) handleTyping(e events.Event) {
	if e.Typing.UserId != s.peer {
		return
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}

	changed := false
	if e.Kind == events.KindTypingStart {
		changed = !s.peerTyping
		s.peerTyping = true
		s.store.SetTyping(s.roomId, s.peer, true)
		s.armLivenessLocked()
	} else {
		changed = s.clearPeerTypingLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Session) armLivenessLocked() {
	s.livenessGen++
	gen := s.livenessGen
	if s.liveness != nil {
		s.liveness.Stop()
	}
	s.liveness = time.AfterFunc(s.opts.TypingTimeout, func() { s.livenessExpired(gen) })
}

func (s *Session) livenessExpired(gen uint64) {
	s.mu.Lock()
	if s.state != Ready || gen != s.livenessGen {
		s.mu.Unlock()
		return
	}

	s.log.Debugf("typing indicator for %s in %s timed out", s.peer, s.roomId)
	s.liveness = nil
	changed := s.clearPeerTypingLocked()
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *Session) clearPeerTypingLocked() bool {
	s.livenessGen++
	if s.liveness != nil {
		s.liveness.Stop()
		s.liveness = nil
	}

	if !s.peerTyping {
		return false
	}

	s.peerTyping = false
	s.store.SetTyping(s.roomId, s.peer, false)
	return true
}

func (s *Session) handleRead(e events.Event) {
	if e.Read.UserId != s.peer {
		return
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.store.MarkRead(e.Read.MessageId, s.peer)
	s.mu.Unlock()

	s.notify()
}

func (s *Session) handleStatus(e events.Event) {
	s.mu.Lock()
	if s.state == Closed || s.peerOnline == e.Status.Online {
		s.mu.Unlock()
		return
	}
	s.peerOnline = e.Status.Online
	s.mu.Unlock()

	s.notify()
}

// Close unsubscribes the session from the router and cancels its timers.
// An outstanding typing:start is closed with typing:end.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed {
		return
	}

	s.stopComposingLocked()
	s.clearPeerTypingLocked()
	s.state = Closed

	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	s.log.Debugf("session %s closed", s.roomId)
}

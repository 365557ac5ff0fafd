package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/npezzotti/pairchat/internal/types"
	"go.uber.org/zap"
)

// Persister receives every accepted write. The in-memory store stays
// authoritative; persister failures are logged, not returned.
type Persister interface {
	SaveMessage(ctx context.Context, msg types.Message) error
	MarkRead(ctx context.Context, messageId string, readAt time.Time) error
	LoadMessages(ctx context.Context) ([]types.Message, error)
}

type room struct {
	id           string
	participants [2]string
	messages     []types.Message
	lastIdx      int
	updatedAt    time.Time
	typing       map[string]struct{}
	unread       map[string]int
}

type location struct {
	roomId string
	idx    int
}

type MessageStore struct {
	log       *zap.SugaredLogger
	persister Persister
	// persistMu is taken before mu is released so the persister sees writes
	// in the order they were applied in memory.
	persistMu sync.Mutex
	mu        sync.RWMutex
	rooms     map[string]*room
	index     map[string]location
	now       func() time.Time
}

type Option func(*MessageStore)

func WithPersister(p Persister) Option {
	return func(s *MessageStore) {
		s.persister = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *MessageStore) {
		s.now = now
	}
}

func NewMessageStore(logger *zap.SugaredLogger, opts ...Option) *MessageStore {
	s := &MessageStore{
		log:   logger,
		rooms: make(map[string]*room),
		index: make(map[string]location),
		now:   types.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Restore replays the persister into memory. Replayed messages are not
// written back.
func (s *MessageStore) Restore(ctx context.Context) (int, error) {
	if s.persister == nil {
		return 0, nil
	}

	msgs, err := s.persister.LoadMessages(ctx)
	if err != nil {
		return 0, fmt.Errorf("load messages: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, m := range msgs {
		if s.appendLocked(m) {
			n++
		}
	}

	s.log.Infof("restored %d messages into %d rooms", n, len(s.rooms))
	return n, nil
}

// Append adds msg to the end of its room's log, creating the room on the
// first message between the pair. It reports false for invalid messages and
// for ids already in the store.
func (s *MessageStore) Append(msg types.Message) bool {
	if msg.Id == "" || msg.SenderId == "" || msg.ReceiverId == "" || msg.SenderId == msg.ReceiverId {
		s.log.Debugf("rejecting invalid message %q from %q to %q", msg.Id, msg.SenderId, msg.ReceiverId)
		return false
	}
	if msg.Type == "" {
		msg.Type = types.TextMessage
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	s.mu.Lock()
	if !s.appendLocked(msg) {
		s.mu.Unlock()
		s.log.Debugf("duplicate message %q ignored", msg.Id)
		return false
	}

	if s.persister == nil {
		s.mu.Unlock()
		return true
	}

	s.persistMu.Lock()
	s.mu.Unlock()
	defer s.persistMu.Unlock()

	if err := s.persister.SaveMessage(context.Background(), msg); err != nil {
		s.log.Errorf("persist message %q: %v", msg.Id, err)
	}

	return true
}

func (s *MessageStore) appendLocked(msg types.Message) bool {
	if _, ok := s.index[msg.Id]; ok {
		return false
	}

	roomId := msg.RoomId()
	r, ok := s.rooms[roomId]
	if !ok {
		r = &room{
			id:           roomId,
			participants: sortedPair(msg.SenderId, msg.ReceiverId),
			lastIdx:      -1,
			typing:       make(map[string]struct{}),
			unread:       make(map[string]int),
		}
		s.rooms[roomId] = r
	}

	r.messages = append(r.messages, msg)
	r.lastIdx = len(r.messages) - 1
	r.updatedAt = s.now()
	if !msg.Read {
		r.unread[msg.ReceiverId]++
	}

	s.index[msg.Id] = location{roomId: roomId, idx: r.lastIdx}
	return true
}

// ListMessages returns a copy of the room's messages in insertion order.
func (s *MessageStore) ListMessages(roomId string) []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomId]
	if !ok {
		return []types.Message{}
	}

	return copyMessages(r.messages)
}

// ListRooms returns the rooms userId participates in, most recently updated
// first, with UnreadCount computed for userId.
func (s *MessageStore) ListRooms(userId string) []types.ChatRoom {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]types.ChatRoom, 0)
	for _, r := range s.rooms {
		if r.participants[0] != userId && r.participants[1] != userId {
			continue
		}
		rooms = append(rooms, r.snapshot(userId))
	}

	slices.SortFunc(rooms, func(a, b types.ChatRoom) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		if a.Id < b.Id {
			return -1
		}
		if a.Id > b.Id {
			return 1
		}
		return 0
	})

	return rooms
}

// Room returns the room with unread counts for viewerId.
func (s *MessageStore) Room(roomId, viewerId string) (types.ChatRoom, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rooms[roomId]
	if !ok {
		return types.ChatRoom{}, false
	}

	return r.snapshot(viewerId), true
}

func (s *MessageStore) Get(messageId string) (types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.index[messageId]
	if !ok {
		return types.Message{}, false
	}

	return *s.lookupLocked(loc), true
}

// RoomOf returns the id of the room holding messageId.
func (s *MessageStore) RoomOf(messageId string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	loc, ok := s.index[messageId]
	return loc.roomId, ok
}

// MarkRead flags the message read on behalf of readerId. Only the receiver
// can mark a message read, and only once; every other call is a no-op.
func (s *MessageStore) MarkRead(messageId, readerId string) bool {
	s.mu.Lock()
	loc, ok := s.index[messageId]
	if !ok {
		s.mu.Unlock()
		return false
	}

	m := s.lookupLocked(loc)
	if m.ReceiverId != readerId || m.Read {
		s.mu.Unlock()
		return false
	}

	readAt := s.now()
	m.Read = true
	m.ReadAt = &readAt

	r := s.rooms[loc.roomId]
	if r.unread[readerId] > 0 {
		r.unread[readerId]--
	}

	if s.persister == nil {
		s.mu.Unlock()
		return true
	}

	s.persistMu.Lock()
	s.mu.Unlock()
	defer s.persistMu.Unlock()

	if err := s.persister.MarkRead(context.Background(), messageId, readAt); err != nil {
		s.log.Errorf("persist read of %q: %v", messageId, err)
	}

	return true
}

// SetTyping records whether userId is currently typing in roomId. Unknown
// rooms and non participants are ignored.
func (s *MessageStore) SetTyping(roomId, userId string, typing bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomId]
	if !ok || (r.participants[0] != userId && r.participants[1] != userId) {
		return false
	}

	_, was := r.typing[userId]
	if typing {
		r.typing[userId] = struct{}{}
	} else {
		delete(r.typing, userId)
	}

	return was != typing
}

func (s *MessageStore) lookupLocked(loc location) *types.Message {
	r, ok := s.rooms[loc.roomId]
	if !ok || loc.idx < 0 || loc.idx >= len(r.messages) {
		panic(fmt.Sprintf("store: index entry %+v points outside room log", loc))
	}

	return &r.messages[loc.idx]
}

func (r *room) snapshot(viewerId string) types.ChatRoom {
	cr := types.ChatRoom{
		Id:           r.id,
		Participants: r.participants,
		UpdatedAt:    r.updatedAt,
		TypingUsers:  make([]string, 0, len(r.typing)),
		UnreadCount:  r.unread[viewerId],
	}

	if r.lastIdx >= 0 {
		last := copyMessage(r.messages[r.lastIdx])
		cr.LastMessage = &last
	}

	for u := range r.typing {
		cr.TypingUsers = append(cr.TypingUsers, u)
	}
	slices.Sort(cr.TypingUsers)

	return cr
}

func sortedPair(a, b string) [2]string {
	if b < a {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}

func copyMessage(m types.Message) types.Message {
	if m.ReadAt != nil {
		readAt := *m.ReadAt
		m.ReadAt = &readAt
	}
	return m
}

func copyMessages(msgs []types.Message) []types.Message {
	out := make([]types.Message, len(msgs))
	for i, m := range msgs {
		out[i] = copyMessage(m)
	}
	return out
}

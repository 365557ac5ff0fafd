package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/npezzotti/pairchat/internal/types"
)

type Kind string

const (
	KindMessage     Kind = "message"
	KindTypingStart Kind = "typing:start"
	KindTypingEnd   Kind = "typing:end"
	KindMessageRead Kind = "message:read"
	KindUserStatus  Kind = "user:status"
)

var (
	ErrMalformed   = errors.New("malformed event")
	ErrUnknownKind = errors.New("unknown event kind")
)

// Event is one decoded frame. Exactly one payload field is set, matching Kind.
type Event struct {
	Kind    Kind
	Message *types.Message
	Typing  *types.Typing
	Read    *types.ReadReceipt
	Status  *types.Presence
}

type envelope struct {
	Kind Kind `json:"kind"`
}

func NewMessage(m types.Message) Event {
	return Event{Kind: KindMessage, Message: &m}
}

func NewTypingStart(roomId, userId string) Event {
	return Event{Kind: KindTypingStart, Typing: &types.Typing{RoomId: roomId, UserId: userId}}
}

func NewTypingEnd(roomId, userId string) Event {
	return Event{Kind: KindTypingEnd, Typing: &types.Typing{RoomId: roomId, UserId: userId}}
}

func NewMessageRead(messageId, userId string) Event {
	return Event{Kind: KindMessageRead, Read: &types.ReadReceipt{MessageId: messageId, UserId: userId}}
}

func NewUserStatus(userId string, online bool) Event {
	return Event{Kind: KindUserStatus, Status: &types.Presence{UserId: userId, Online: online}}
}

func (e Event) payload() (any, error) {
	var p any
	switch e.Kind {
	case KindMessage:
		p = e.Message
	case KindTypingStart, KindTypingEnd:
		p = e.Typing
	case KindMessageRead:
		p = e.Read
	case KindUserStatus:
		p = e.Status
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}

	if isNilPayload(e) {
		return nil, fmt.Errorf("%w: missing %s payload", ErrMalformed, e.Kind)
	}

	return p, nil
}

func isNilPayload(e Event) bool {
	switch e.Kind {
	case KindMessage:
		return e.Message == nil
	case KindTypingStart, KindTypingEnd:
		return e.Typing == nil
	case KindMessageRead:
		return e.Read == nil
	case KindUserStatus:
		return e.Status == nil
	}
	return true
}

// Encode serializes an event as a single flat JSON object whose "kind" field
// sits next to the payload fields.
func Encode(e Event) ([]byte, error) {
	p, err := e.payload()
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind, err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("flatten %s payload: %w", e.Kind, err)
	}

	kind, _ := json.Marshal(e.Kind)
	fields["kind"] = kind

	return json.Marshal(fields)
}

// Decode parses one frame and validates the fields its kind requires.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	e := Event{Kind: env.Kind}
	var err error
	switch env.Kind {
	case KindMessage:
		e.Message = &types.Message{}
		err = json.Unmarshal(raw, e.Message)
	case KindTypingStart, KindTypingEnd:
		e.Typing = &types.Typing{}
		err = json.Unmarshal(raw, e.Typing)
	case KindMessageRead:
		e.Read = &types.ReadReceipt{}
		err = json.Unmarshal(raw, e.Read)
	case KindUserStatus:
		e.Status = &types.Presence{}
		err = json.Unmarshal(raw, e.Status)
	case "":
		return Event{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	default:
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := e.Validate(); err != nil {
		return Event{}, err
	}

	return e, nil
}

func (e Event) Validate() error {
	switch e.Kind {
	case KindMessage:
		m := e.Message
		if m.Id == "" || m.SenderId == "" || m.ReceiverId == "" {
			return fmt.Errorf("%w: message requires id, senderId and receiverId", ErrMalformed)
		}
		switch m.Type {
		case "":
			m.Type = types.TextMessage
		case types.TextMessage, types.ImageMessage:
		default:
			return fmt.Errorf("%w: unknown message type %q", ErrMalformed, m.Type)
		}
	case KindTypingStart, KindTypingEnd:
		if e.Typing.RoomId == "" || e.Typing.UserId == "" {
			return fmt.Errorf("%w: %s requires roomId and userId", ErrMalformed, e.Kind)
		}
	case KindMessageRead:
		if e.Read.MessageId == "" || e.Read.UserId == "" {
			return fmt.Errorf("%w: message:read requires messageId and userId", ErrMalformed)
		}
	case KindUserStatus:
		if e.Status.UserId == "" {
			return fmt.Errorf("%w: user:status requires userId", ErrMalformed)
		}
	}

	return nil
}

package types

import (
	"time"
)

type MessageKind string

const (
	TextMessage  MessageKind = "text"
	ImageMessage MessageKind = "image"
)

type Message struct {
	Id         string      `json:"id"`
	SenderId   string      `json:"senderId"`
	ReceiverId string      `json:"receiverId"`
	Content    string      `json:"content"`
	Timestamp  time.Time   `json:"timestamp"`
	Read       bool        `json:"read"`
	ReadAt     *time.Time  `json:"readAt,omitempty"`
	Type       MessageKind `json:"type"`
	ImageUrl   string      `json:"imageUrl,omitempty"`
}

// RoomId returns the id of the two-party room the message belongs to.
func (m Message) RoomId() string {
	return RoomID(m.SenderId, m.ReceiverId)
}

type ChatRoom struct {
	Id           string    `json:"id"`
	Participants [2]string `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
	TypingUsers  []string  `json:"typingUsers"`
	UnreadCount  int       `json:"unreadCount"`
}

// HasParticipant reports whether userId is one of the room's two participants.
func (r ChatRoom) HasParticipant(userId string) bool {
	return r.Participants[0] == userId || r.Participants[1] == userId
}

type Typing struct {
	RoomId string `json:"roomId"`
	UserId string `json:"userId"`
}

type ReadReceipt struct {
	MessageId string `json:"messageId"`
	UserId    string `json:"userId"`
}

type Presence struct {
	UserId string `json:"userId"`
	Online bool   `json:"online"`
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

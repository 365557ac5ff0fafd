package types

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

const roomIdSeparator = ":"

var (
	idEscaper   = strings.NewReplacer("%", "%25", roomIdSeparator, "%3A")
	idUnescaper = strings.NewReplacer("%3A", roomIdSeparator, "%25", "%")
)

// RoomID derives the id of the room shared by two users. The result does not
// depend on argument order. Ids are escaped before joining so that ids
// containing the separator cannot produce the same room id for different pairs.
func RoomID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}

	return idEscaper.Replace(userA) + roomIdSeparator + idEscaper.Replace(userB)
}

// ParseRoomID splits a room id produced by RoomID back into its participants.
func ParseRoomID(roomId string) (string, string, bool) {
	a, b, ok := strings.Cut(roomId, roomIdSeparator)
	if !ok || strings.Contains(b, roomIdSeparator) {
		return "", "", false
	}

	return idUnescaper.Replace(a), idUnescaper.Replace(b), true
}

// Peer returns the participant of roomId that is not me.
func Peer(roomId, me string) (string, bool) {
	a, b, ok := ParseRoomID(roomId)
	if !ok {
		return "", false
	}

	switch me {
	case a:
		return b, true
	case b:
		return a, true
	}

	return "", false
}

var messageSeq atomic.Uint64

// NewMessageID returns a locally generated message id. The per-process
// counter keeps ids unique when several messages share a millisecond.
func NewMessageID(now time.Time) string {
	return fmt.Sprintf("%d-%d", now.UnixMilli(), messageSeq.Add(1))
}

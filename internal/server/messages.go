package server

import (
	"github.com/npezzotti/pairchat/internal/events"
)

// ServerMessage is an event addressed to every connection of UserId except
// SkipClient.
type ServerMessage struct {
	UserId     string
	Event      events.Event
	SkipClient *Client
}

type clientEvent struct {
	client *Client
	event  events.Event
}

type stopRequest struct {
	done chan struct{}
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return events.Encode(msg.Event)
}

package database

import (
	"context"
	"time"

	"github.com/npezzotti/pairchat/internal/types"
)

// MessageRepository is the durable message log behind the relay's store.
type MessageRepository interface {
	Ping(ctx context.Context) error
	SaveMessage(ctx context.Context, msg types.Message) error
	MarkRead(ctx context.Context, messageId string, readAt time.Time) error
	LoadMessages(ctx context.Context) ([]types.Message, error)
	Close() error
}

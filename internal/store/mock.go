package store

import (
	"context"
	"time"

	"github.com/npezzotti/pairchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) SaveMessage(ctx context.Context, msg types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockPersister) MarkRead(ctx context.Context, messageId string, readAt time.Time) error {
	args := m.Called(ctx, messageId, readAt)
	return args.Error(0)
}

func (m *MockPersister) LoadMessages(ctx context.Context) ([]types.Message, error) {
	args := m.Called(ctx)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}

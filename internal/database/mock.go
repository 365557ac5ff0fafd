package database

import (
	"context"
	"time"

	"github.com/npezzotti/pairchat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
func (m *MockMessageRepository) SaveMessage(ctx context.Context, msg types.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
func (m *MockMessageRepository) MarkRead(ctx context.Context, messageId string, readAt time.Time) error {
	args := m.Called(ctx, messageId, readAt)
	return args.Error(0)
}
func (m *MockMessageRepository) LoadMessages(ctx context.Context) ([]types.Message, error) {
	args := m.Called(ctx)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockMessageRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}

package presence

import (
	"context"
	"sync"
	"time"
)

// Status is the last known presence of a user.
type Status struct {
	UserId   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// Tracker counts live relay connections per user. Connect reports whether
// connId is the user's first connection and Disconnect whether it was the
// last, so callers can announce online/offline transitions exactly once.
type Tracker interface {
	Connect(ctx context.Context, userId, connId string) (bool, error)
	Disconnect(ctx context.Context, userId, connId string) (bool, error)
	Status(ctx context.Context, userId string) (Status, error)
}

type MemoryTracker struct {
	mu       sync.Mutex
	conns    map[string]map[string]struct{}
	lastSeen map[string]time.Time
	now      func() time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		conns:    make(map[string]map[string]struct{}),
		lastSeen: make(map[string]time.Time),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (t *MemoryTracker) Connect(_ context.Context, userId, connId string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns, ok := t.conns[userId]
	if !ok {
		conns = make(map[string]struct{})
		t.conns[userId] = conns
	}
	conns[connId] = struct{}{}
	t.lastSeen[userId] = t.now()

	return len(conns) == 1, nil
}

func (t *MemoryTracker) Disconnect(_ context.Context, userId, connId string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns, ok := t.conns[userId]
	if !ok {
		return false, nil
	}
	if _, ok := conns[connId]; !ok {
		return false, nil
	}

	delete(conns, connId)
	t.lastSeen[userId] = t.now()
	if len(conns) > 0 {
		return false, nil
	}

	delete(t.conns, userId)
	return true, nil
}

func (t *MemoryTracker) Status(_ context.Context, userId string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Status{
		UserId:   userId,
		Online:   len(t.conns[userId]) > 0,
		LastSeen: t.lastSeen[userId],
	}, nil
}

package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/npezzotti/pairchat/internal/types"
)

const (
	opAppend = "append"
	opRead   = "read"
)

type logRecord struct {
	Op        string         `json:"op"`
	Message   *types.Message `json:"message,omitempty"`
	MessageId string         `json:"messageId,omitempty"`
	ReadAt    *time.Time     `json:"readAt,omitempty"`
}

// PebbleLog persists store writes as an append-only log in a Pebble
// database. Keys are 8-byte big-endian sequence numbers.
type PebbleLog struct {
	db   *pebble.DB
	mu   sync.Mutex
	next uint64
}

func OpenPebbleLog(dir string) (*PebbleLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return openPebbleLog(filepath.Clean(dir), &pebble.Options{})
}

func openPebbleLog(dir string, opts *pebble.Options) (*PebbleLog, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	l := &PebbleLog{db: db}

	it, err := db.NewIter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("new iterator: %w", err)
	}
	defer it.Close()

	if it.Last() && len(it.Key()) >= 8 {
		l.next = binary.BigEndian.Uint64(it.Key()[:8]) + 1
	}

	return l, nil
}

func (l *PebbleLog) write(rec logRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, l.next)
	if err := l.db.Set(key, val, pebble.Sync); err != nil {
		return fmt.Errorf("set record %d: %w", l.next, err)
	}
	l.next++

	return nil
}

func (l *PebbleLog) SaveMessage(_ context.Context, msg types.Message) error {
	return l.write(logRecord{Op: opAppend, Message: &msg})
}

func (l *PebbleLog) MarkRead(_ context.Context, messageId string, readAt time.Time) error {
	return l.write(logRecord{Op: opRead, MessageId: messageId, ReadAt: &readAt})
}

// LoadMessages replays the log and returns messages in append order with
// their latest read state.
func (l *PebbleLog) LoadMessages(ctx context.Context) ([]types.Message, error) {
	it, err := l.db.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("new iterator: %w", err)
	}
	defer it.Close()

	msgs := make([]types.Message, 0, 256)
	pos := make(map[string]int)
	for it.First(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var rec logRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			continue
		}

		switch rec.Op {
		case opAppend:
			if rec.Message == nil {
				continue
			}
			if _, ok := pos[rec.Message.Id]; ok {
				continue
			}
			pos[rec.Message.Id] = len(msgs)
			msgs = append(msgs, *rec.Message)
		case opRead:
			i, ok := pos[rec.MessageId]
			if !ok {
				continue
			}
			msgs[i].Read = true
			msgs[i].ReadAt = rec.ReadAt
		}
	}

	return msgs, nil
}

func (l *PebbleLog) Close() error {
	return l.db.Close()
}

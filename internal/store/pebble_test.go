package store

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
	"github.com/npezzotti/pairchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPebbleLog_ReplaysAppendsAndReads(t *testing.T) {
	fs := vfs.NewMem()
	ctx := context.Background()

	l, err := openPebbleLog("chat", &pebble.Options{FS: fs})
	require.NoError(t, err, "expected pebble log to open")

	readAt := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.SaveMessage(ctx, textMessage("1", "u1", "u2", "hi")))
	require.NoError(t, l.SaveMessage(ctx, textMessage("2", "u2", "u1", "hey")))
	require.NoError(t, l.MarkRead(ctx, "1", readAt))
	require.NoError(t, l.MarkRead(ctx, "unknown", readAt))
	require.NoError(t, l.Close())

	l, err = openPebbleLog("chat", &pebble.Options{FS: fs})
	require.NoError(t, err, "expected pebble log to reopen")
	defer l.Close()
	assert.Equal(t, uint64(4), l.next, "expected sequence to resume after last key")

	msgs, err := l.LoadMessages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].Id)
	assert.True(t, msgs[0].Read, "expected read record to be applied")
	require.NotNil(t, msgs[0].ReadAt)
	assert.True(t, readAt.Equal(*msgs[0].ReadAt))
	assert.Equal(t, "2", msgs[1].Id)
	assert.False(t, msgs[1].Read)
}

func TestPebbleLog_RestoresStore(t *testing.T) {
	l, err := openPebbleLog("chat", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	defer l.Close()

	s := newTestStore(t, WithPersister(l))
	s.Append(textMessage("1", "u1", "u2", "hi"))
	s.MarkRead("1", "u2")
	s.Append(textMessage("2", "u1", "u2", "still there?"))

	restored := newTestStore(t, WithPersister(l))
	n, err := restored.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	roomId := types.RoomID("u1", "u2")
	original, replayed := s.ListMessages(roomId), restored.ListMessages(roomId)
	require.Len(t, replayed, len(original))
	for i := range original {
		assert.Equal(t, original[i].Id, replayed[i].Id, "expected restored order to match original")
		assert.Equal(t, original[i].Content, replayed[i].Content)
		assert.Equal(t, original[i].Read, replayed[i].Read)
		assert.True(t, original[i].Timestamp.Equal(replayed[i].Timestamp))
	}
	assert.Equal(t, 1, restored.ListRooms("u2")[0].UnreadCount)
}

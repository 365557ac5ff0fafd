package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/npezzotti/pairchat/internal/types"
)

const (
	insertMessageQuery = "INSERT INTO messages " +
		"(id, room_id, sender_id, receiver_id, content, type, image_url, read, read_at, created_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) " +
		"ON CONFLICT (id) DO NOTHING"

	markReadQuery = "UPDATE messages SET read = TRUE, read_at = $2 " +
		"WHERE id = $1 AND NOT read"

	loadMessagesQuery = "SELECT id, sender_id, receiver_id, content, type, image_url, read, read_at, created_at " +
		"FROM messages ORDER BY seq ASC"
)

// SaveMessage inserts msg. Saving an id that is already stored is a no-op.
func (db *PgMessageRepository) SaveMessage(ctx context.Context, msg types.Message) error {
	_, err := db.conn.ExecContext(ctx, insertMessageQuery,
		msg.Id,
		msg.RoomId(),
		msg.SenderId,
		msg.ReceiverId,
		msg.Content,
		string(msg.Type),
		nullString(msg.ImageUrl),
		msg.Read,
		msg.ReadAt,
		msg.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", msg.Id, err)
	}

	return nil
}

func (db *PgMessageRepository) MarkRead(ctx context.Context, messageId string, readAt time.Time) error {
	if _, err := db.conn.ExecContext(ctx, markReadQuery, messageId, readAt.UTC()); err != nil {
		return fmt.Errorf("mark message %q read: %w", messageId, err)
	}

	return nil
}

// LoadMessages returns every stored message in insertion order.
func (db *PgMessageRepository) LoadMessages(ctx context.Context) ([]types.Message, error) {
	rows, err := db.conn.QueryContext(ctx, loadMessagesQuery)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var (
			m        types.Message
			kind     string
			imageUrl sql.NullString
			readAt   sql.NullTime
		)

		if err := rows.Scan(
			&m.Id,
			&m.SenderId,
			&m.ReceiverId,
			&m.Content,
			&kind,
			&imageUrl,
			&m.Read,
			&readAt,
			&m.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		m.Type = types.MessageKind(kind)
		m.ImageUrl = imageUrl.String
		m.Timestamp = m.Timestamp.UTC()
		if readAt.Valid {
			t := readAt.Time.UTC()
			m.ReadAt = &t
		}

		msgs = append(msgs, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return msgs, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/duochat/duochat/internal/apperr"
	"github.com/jackc/pgx/v5"
)

// Message types.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeAudio = "audio"
)

// Message row.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	Type           string
	Content        *string
	MediaURL       *string
	MediaMimeType  *string
	MediaDuration  *float64
	Waveform       *string
	ReplyToID      *int64
	IsDeleted      bool
	DeletedAt      *time.Time
	CreatedAt      time.Time
}

// MessageRecord is a message hydrated with its sender, a shallow
// (one-hop) reply target, and all read rows.
type MessageRecord struct {
	Message
	Sender  *User
	ReplyTo *Message
	Reads   []MessageRead
}

// CreateMessageInput carries the validated fields for one insert.
type CreateMessageInput struct {
	ConversationID int64
	SenderID       int64
	Type           string
	Content        *string
	MediaURL       *string
	MediaMimeType  *string
	MediaDuration  *float64
	Waveform       *string
	ReplyToID      *int64
}

const messageColumns = `id, conversation_id, sender_id, type, content,
	media_url, media_mime_type, media_duration, waveform,
	reply_to_id, is_deleted, deleted_at, created_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Content,
		&m.MediaURL, &m.MediaMimeType, &m.MediaDuration, &m.Waveform,
		&m.ReplyToID, &m.IsDeleted, &m.DeletedAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessageRows(rows pgx.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Type, &m.Content,
			&m.MediaURL, &m.MediaMimeType, &m.MediaDuration, &m.Waveform,
			&m.ReplyToID, &m.IsDeleted, &m.DeletedAt, &m.CreatedAt)
		if err != nil {
			return nil, classify("scan message", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CreateMessageAndReads inserts one message, one read row in status
// sent per recipient, and bumps the conversation's last message, all
// under the caller's transaction. Duplicate read rows from retries are
// silently ignored.
func (s *Store) CreateMessageAndReads(ctx context.Context, tx pgx.Tx, in CreateMessageInput, recipients []int64) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, sender_id, type, content,
			media_url, media_mime_type, media_duration, waveform, reply_to_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, in.ConversationID, in.SenderID, in.Type, in.Content,
		in.MediaURL, in.MediaMimeType, in.MediaDuration, in.Waveform, in.ReplyToID).Scan(&id)
	if err != nil {
		return 0, classify("insert message", err)
	}

	for _, userID := range recipients {
		if _, err := tx.Exec(ctx, `
			INSERT INTO message_reads (message_id, user_id, status)
			VALUES ($1, $2, $3)
			ON CONFLICT (message_id, user_id) DO NOTHING
		`, id, userID, StatusSent); err != nil {
			return 0, classify("insert message read", err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE conversations SET last_message_id = $2, updated_at = now() WHERE id = $1
	`, in.ConversationID, id); err != nil {
		return 0, classify("update last message", err)
	}

	return id, nil
}

// GetMessage loads one message row by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("message not found")
		}
		return nil, classify("get message", err)
	}
	return m, nil
}

// ConversationOfMessages maps message ids to their conversations.
// Missing ids are absent.
func (s *Store) ConversationOfMessages(ctx context.Context, ids []int64) (map[int64]int64, error) {
	out := make(map[int64]int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, conversation_id FROM messages WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, classify("resolve message conversations", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, conversationID int64
		if err := rows.Scan(&id, &conversationID); err != nil {
			return nil, classify("scan message conversation", err)
		}
		out[id] = conversationID
	}
	return out, rows.Err()
}

// GetMessageRecord loads one message hydrated with sender, reply
// target, and read rows.
func (s *Store) GetMessageRecord(ctx context.Context, id int64) (*MessageRecord, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	recs, err := s.hydrate(ctx, []Message{*m})
	if err != nil {
		return nil, err
	}
	return &recs[0], nil
}

// FetchMessagesBefore returns up to limit messages with id < beforeID
// (or the newest when beforeID is 0), ordered id DESC and hydrated.
// The second return reports whether older messages remain.
func (s *Store) FetchMessagesBefore(ctx context.Context, conversationID, beforeID int64, limit int) ([]MessageRecord, bool, error) {
	var rows pgx.Rows
	var err error
	if beforeID == 0 {
		rows, err = s.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1
			ORDER BY id DESC LIMIT $2
		`, conversationID, limit+1)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = $1 AND id < $2
			ORDER BY id DESC LIMIT $3
		`, conversationID, beforeID, limit+1)
	}
	if err != nil {
		return nil, false, classify("fetch messages", err)
	}
	msgs, err := scanMessageRows(rows)
	rows.Close()
	if err != nil {
		return nil, false, classify("fetch messages", err)
	}

	hasPrevious := len(msgs) > limit
	if hasPrevious {
		msgs = msgs[:limit]
	}

	recs, err := s.hydrate(ctx, msgs)
	if err != nil {
		return nil, false, err
	}
	return recs, hasPrevious, nil
}

// SoftDeleteMessage flips the deletion flag; the row and its read rows
// are preserved so reply pointers and cursors stay valid.
func (s *Store) SoftDeleteMessage(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET is_deleted = TRUE, deleted_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return classify("delete message", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("message not found")
	}
	return nil
}

// SearchMessages runs a case-insensitive substring match on content of
// non-deleted messages, newest first.
func (s *Store) SearchMessages(ctx context.Context, conversationID int64, query string, limit int) ([]MessageRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = $1
		  AND is_deleted = FALSE
		  AND content ILIKE '%' || $2 || '%'
		ORDER BY id DESC LIMIT $3
	`, conversationID, query, limit)
	if err != nil {
		return nil, classify("search messages", err)
	}
	msgs, err := scanMessageRows(rows)
	rows.Close()
	if err != nil {
		return nil, classify("search messages", err)
	}
	return s.hydrate(ctx, msgs)
}

// hydrate attaches senders, one-hop reply targets, and read rows to a
// batch of messages with three grouped queries.
func (s *Store) hydrate(ctx context.Context, msgs []Message) ([]MessageRecord, error) {
	recs := make([]MessageRecord, len(msgs))
	if len(msgs) == 0 {
		return recs, nil
	}

	msgIDs := make([]int64, 0, len(msgs))
	senderIDs := make([]int64, 0, len(msgs))
	var replyIDs []int64
	for i, m := range msgs {
		recs[i] = MessageRecord{Message: m}
		msgIDs = append(msgIDs, m.ID)
		senderIDs = append(senderIDs, m.SenderID)
		if m.ReplyToID != nil {
			replyIDs = append(replyIDs, *m.ReplyToID)
		}
	}

	senders, err := s.GetUsers(ctx, s.pool, senderIDs)
	if err != nil {
		return nil, err
	}

	replies := make(map[int64]*Message)
	if len(replyIDs) > 0 {
		rows, err := s.pool.Query(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE id = ANY($1)`, replyIDs)
		if err != nil {
			return nil, classify("fetch reply targets", err)
		}
		targets, err := scanMessageRows(rows)
		rows.Close()
		if err != nil {
			return nil, classify("fetch reply targets", err)
		}
		for i := range targets {
			replies[targets[i].ID] = &targets[i]
		}
	}

	reads := make(map[int64][]MessageRead)
	rows, err := s.pool.Query(ctx, `
		SELECT id, message_id, user_id, status, read_at
		FROM message_reads WHERE message_id = ANY($1)
		ORDER BY user_id
	`, msgIDs)
	if err != nil {
		return nil, classify("fetch read rows", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r MessageRead
		if err := rows.Scan(&r.ID, &r.MessageID, &r.UserID, &r.Status, &r.ReadAt); err != nil {
			return nil, classify("scan read row", err)
		}
		reads[r.MessageID] = append(reads[r.MessageID], r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("fetch read rows", err)
	}

	for i := range recs {
		recs[i].Sender = senders[recs[i].SenderID]
		if recs[i].ReplyToID != nil {
			recs[i].ReplyTo = replies[*recs[i].ReplyToID]
		}
		recs[i].Reads = reads[recs[i].ID]
	}
	return recs, nil
}

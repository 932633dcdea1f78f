package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/duochat/duochat/internal/apperr"
	"github.com/duochat/duochat/internal/cursor"
	"github.com/jackc/pgx/v5"
)

// Conversation row. Conversations are strictly 2-party and never deleted.
type Conversation struct {
	ID            int64
	LastMessageID *int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const conversationColumns = `id, last_message_id, created_at, updated_at`

func scanConversation(row pgx.Row) (*Conversation, error) {
	var c Conversation
	if err := row.Scan(&c.ID, &c.LastMessageID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// pairKey normalizes a participant pair into the unique key that
// guarantees at most one 1:1 conversation per pair.
func pairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, classify("get conversation", err)
	}
	return c, nil
}

// GetParticipants loads the two participants of a conversation.
func (s *Store) GetParticipants(ctx context.Context, conversationID int64) ([]User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT u.id, u.email, u.name, u.avatar_url, u.status, u.last_seen
		FROM conversation_participants cp
		JOIN users u ON u.id = cp.user_id
		WHERE cp.conversation_id = $1
		ORDER BY u.id
	`, conversationID)
	if err != nil {
		return nil, classify("get participants", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.AvatarURL, &u.Status, &u.LastSeen); err != nil {
			return nil, classify("scan participant", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ParticipantIDs returns the participant user ids for a conversation.
func (s *Store) ParticipantIDs(ctx context.Context, conversationID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = $1 ORDER BY user_id
	`, conversationID)
	if err != nil {
		return nil, classify("get participant ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan participant id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// IsParticipant reports whether the user belongs to the conversation.
func (s *Store) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)
	`, conversationID, userID).Scan(&exists)
	if err != nil {
		return false, classify("check participant", err)
	}
	return exists, nil
}

// ConversationIDsOf returns every conversation the user participates in.
func (s *Store) ConversationIDsOf(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conversation_id FROM conversation_participants WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, classify("get conversation ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan conversation id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateOrGetConversation finds the unique 1:1 conversation for the
// pair, creating it when absent. Idempotent under concurrent creation:
// the pair_key unique constraint arbitrates, and the loser falls back
// to the winner's row.
func (s *Store) CreateOrGetConversation(ctx context.Context, a, b int64) (*Conversation, bool, error) {
	key := pairKey(a, b)

	existing, err := s.findConversationByKey(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	var created *Conversation
	err = s.WithTx(ctx, func(tx pgx.Tx) error {
		c, err := scanConversation(tx.QueryRow(ctx,
			`INSERT INTO conversations (pair_key) VALUES ($1)
			 RETURNING `+conversationColumns, key))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id)
			VALUES ($1, $2), ($1, $3)
		`, c.ID, a, b); err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		// Lost the race: another call created the pair first.
		if isUniqueViolation(err) {
			winner, ferr := s.findConversationByKey(ctx, key)
			if ferr != nil {
				return nil, false, ferr
			}
			if winner != nil {
				return winner, false, nil
			}
		}
		return nil, false, classify("create conversation", err)
	}
	return created, true, nil
}

func (s *Store) findConversationByKey(ctx context.Context, key string) (*Conversation, error) {
	c, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE pair_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify("find conversation", err)
	}
	return c, nil
}

// ListConversationsBefore returns up to limit conversations of the user
// strictly older than the cursor under (updated_at DESC, id DESC),
// newest first. A zero cursor starts from the newest. Fetches one extra
// row so the caller can compute hasPrevious.
func (s *Store) ListConversationsBefore(ctx context.Context, userID int64, cur cursor.Conversation, limit int) ([]Conversation, bool, error) {
	var rows pgx.Rows
	var err error
	if cur.ID == 0 {
		rows, err = s.pool.Query(ctx, `
			SELECT c.id, c.last_message_id, c.created_at, c.updated_at
			FROM conversations c
			JOIN conversation_participants cp ON cp.conversation_id = c.id
			WHERE cp.user_id = $1
			ORDER BY c.updated_at DESC, c.id DESC
			LIMIT $2
		`, userID, limit+1)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT c.id, c.last_message_id, c.created_at, c.updated_at
			FROM conversations c
			JOIN conversation_participants cp ON cp.conversation_id = c.id
			WHERE cp.user_id = $1
			  AND (c.updated_at, c.id) < ($2, $3)
			ORDER BY c.updated_at DESC, c.id DESC
			LIMIT $4
		`, userID, cur.UpdatedAt, cur.ID, limit+1)
	}
	if err != nil {
		return nil, false, classify("list conversations", err)
	}
	defer rows.Close()

	return collectConversations(rows, limit)
}

// ListConversationsAfter returns up to limit conversations strictly
// newer than the cursor. The query walks forward (ascending) so the
// page is adjacent to the cursor, then the result is flipped back to
// the newest-first presentation order.
func (s *Store) ListConversationsAfter(ctx context.Context, userID int64, cur cursor.Conversation, limit int) ([]Conversation, bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.last_message_id, c.created_at, c.updated_at
		FROM conversations c
		JOIN conversation_participants cp ON cp.conversation_id = c.id
		WHERE cp.user_id = $1
		  AND (c.updated_at, c.id) > ($2, $3)
		ORDER BY c.updated_at ASC, c.id ASC
		LIMIT $4
	`, userID, cur.UpdatedAt, cur.ID, limit+1)
	if err != nil {
		return nil, false, classify("list conversations", err)
	}
	defer rows.Close()

	convs, more, err := collectConversations(rows, limit)
	if err != nil {
		return nil, false, err
	}
	for i, j := 0, len(convs)-1; i < j; i, j = i+1, j-1 {
		convs[i], convs[j] = convs[j], convs[i]
	}
	return convs, more, nil
}

func collectConversations(rows pgx.Rows, limit int) ([]Conversation, bool, error) {
	convs := make([]Conversation, 0, limit)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.LastMessageID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, false, classify("scan conversation", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, false, classify("iterate conversations", err)
	}

	more := len(convs) > limit
	if more {
		convs = convs[:limit]
	}
	return convs, more, nil
}

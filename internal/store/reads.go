package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Per-recipient read states. Progression is strictly
// sent -> delivered -> read; regressions are refused.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// statusRank orders the state machine for monotonicity checks.
func statusRank(status string) int {
	switch status {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return -1
	}
}

// MessageRead tracks one (message, recipient) pair's state.
type MessageRead struct {
	ID        int64
	MessageID int64
	UserID    int64
	Status    string
	ReadAt    *time.Time
}

// TransitionReads row-locks the user's read rows for the given messages
// and promotes their status toward target. Rows already at or past the
// target are left untouched; read_at is set only on the transition into
// read and is immutable afterwards. Returns the rows that changed, in
// their new state. Rows for other users or missing messages are
// silently ignored.
func (s *Store) TransitionReads(ctx context.Context, tx pgx.Tx, messageIDs []int64, userID int64, target string) ([]MessageRead, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT id, message_id, status, read_at
		FROM message_reads
		WHERE message_id = ANY($1) AND user_id = $2
		FOR UPDATE
	`, messageIDs, userID)
	if err != nil {
		return nil, classify("lock read rows", err)
	}

	targetRank := statusRank(target)
	var promote []int64
	changed := make([]MessageRead, 0, len(messageIDs))
	for rows.Next() {
		var r MessageRead
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Status, &r.ReadAt); err != nil {
			rows.Close()
			return nil, classify("scan read row", err)
		}
		if statusRank(r.Status) >= targetRank {
			continue
		}
		r.UserID = userID
		r.Status = target
		promote = append(promote, r.ID)
		changed = append(changed, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, classify("iterate read rows", err)
	}
	rows.Close()

	if len(promote) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	if target == StatusRead {
		if _, err := tx.Exec(ctx, `
			UPDATE message_reads SET status = $2, read_at = $3 WHERE id = ANY($1)
		`, promote, target, now); err != nil {
			return nil, classify("promote read rows", err)
		}
		for i := range changed {
			t := now
			changed[i].ReadAt = &t
		}
	} else {
		if _, err := tx.Exec(ctx, `
			UPDATE message_reads SET status = $2 WHERE id = ANY($1)
		`, promote, target); err != nil {
			return nil, classify("promote read rows", err)
		}
	}

	return changed, nil
}

// UnreadCounts maps each user to the number of read rows still in sent
// or delivered on non-deleted messages of the conversation.
func (s *Store) UnreadCounts(ctx context.Context, conversationID int64, userIDs []int64) (map[int64]int, error) {
	counts := make(map[int64]int, len(userIDs))
	for _, id := range userIDs {
		counts[id] = 0
	}
	if len(userIDs) == 0 {
		return counts, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT mr.user_id, COUNT(*)
		FROM message_reads mr
		JOIN messages m ON m.id = mr.message_id
		WHERE m.conversation_id = $1
		  AND m.is_deleted = FALSE
		  AND mr.user_id = ANY($2)
		  AND mr.status IN ($3, $4)
		GROUP BY mr.user_id
	`, conversationID, userIDs, StatusSent, StatusDelivered)
	if err != nil {
		return nil, classify("count unread", err)
	}
	defer rows.Close()

	for rows.Next() {
		var userID int64
		var n int
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, classify("scan unread count", err)
		}
		counts[userID] = n
	}
	return counts, rows.Err()
}

// UndeliveredRead references a read row still in sent for a user.
type UndeliveredRead struct {
	MessageID      int64
	ConversationID int64
}

// UndeliveredFor returns every read row in status sent for the user on
// non-deleted messages, with the owning conversation. Feeds the
// reconnect backlog.
func (s *Store) UndeliveredFor(ctx context.Context, userID int64) ([]UndeliveredRead, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT mr.message_id, m.conversation_id
		FROM message_reads mr
		JOIN messages m ON m.id = mr.message_id
		WHERE mr.user_id = $1
		  AND mr.status = $2
		  AND m.is_deleted = FALSE
		ORDER BY mr.message_id
	`, userID, StatusSent)
	if err != nil {
		return nil, classify("fetch undelivered", err)
	}
	defer rows.Close()

	var out []UndeliveredRead
	for rows.Next() {
		var u UndeliveredRead
		if err := rows.Scan(&u.MessageID, &u.ConversationID); err != nil {
			return nil, classify("scan undelivered", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UnreadMessageIDs returns the ids of non-deleted messages in the
// conversation whose read row for the user is not yet read. Feeds the
// bulk read-on-join.
func (s *Store) UnreadMessageIDs(ctx context.Context, conversationID, userID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT mr.message_id
		FROM message_reads mr
		JOIN messages m ON m.id = mr.message_id
		WHERE m.conversation_id = $1
		  AND m.is_deleted = FALSE
		  AND mr.user_id = $2
		  AND mr.status IN ($3, $4)
		ORDER BY mr.message_id
	`, conversationID, userID, StatusSent, StatusDelivered)
	if err != nil {
		return nil, classify("fetch unread ids", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, classify("scan unread id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

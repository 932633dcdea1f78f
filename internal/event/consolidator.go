package event

import (
	"context"
	"sort"
	"time"

	"github.com/duochat/duochat/internal/service"
	"github.com/duochat/duochat/internal/store"
)

// Unread carries one recipient's unread count after a mutation.
type Unread struct {
	UserID      int64 `json:"userId"`
	UnreadCount int   `json:"unreadCount"`
}

// UnifiedMessage announces a new message together with every
// participant's refreshed unread count, so no recipient needs a
// follow-up query.
type UnifiedMessage struct {
	ConversationID      int64              `json:"conversationId"`
	Message             service.MessageDTO `json:"message"`
	ConversationUpdates []Unread           `json:"conversationUpdates"`
}

// StatusUpdate is one read-row transition.
type StatusUpdate struct {
	MessageID int64      `json:"messageId"`
	UserID    int64      `json:"userId"`
	Status    string     `json:"status"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
}

// UnifiedStatus announces a batch of read-row transitions within one
// conversation.
type UnifiedStatus struct {
	ConversationID      int64          `json:"conversationId"`
	Updates             []StatusUpdate `json:"updates"`
	ConversationUpdates []Unread       `json:"conversationUpdates"`
}

// UnifiedDeletion announces soft-deleted messages.
type UnifiedDeletion struct {
	ConversationID      int64    `json:"conversationId"`
	DeletedMessageIDs   []int64  `json:"deletedMessageIds"`
	ConversationUpdates []Unread `json:"conversationUpdates"`
}

// UnreadCounter is the slice of the persistence gateway the
// consolidator needs. Counts must be read after the triggering
// mutation has committed so no recipient sees a stale value.
type UnreadCounter interface {
	UnreadCounts(ctx context.Context, conversationID int64, userIDs []int64) (map[int64]int, error)
}

// Consolidator builds the unified event shapes.
type Consolidator struct {
	counts UnreadCounter
}

// New creates a Consolidator.
func New(counts UnreadCounter) *Consolidator {
	return &Consolidator{counts: counts}
}

// Message builds a UnifiedMessage for the committed message.
func (c *Consolidator) Message(ctx context.Context, conversationID int64, participants []int64, msg service.MessageDTO) (*UnifiedMessage, error) {
	updates, err := c.conversationUpdates(ctx, conversationID, participants)
	if err != nil {
		return nil, err
	}
	return &UnifiedMessage{
		ConversationID:      conversationID,
		Message:             msg,
		ConversationUpdates: updates,
	}, nil
}

// Status builds a UnifiedStatus for committed read-row transitions.
func (c *Consolidator) Status(ctx context.Context, conversationID int64, participants []int64, rows []store.MessageRead) (*UnifiedStatus, error) {
	updates, err := c.conversationUpdates(ctx, conversationID, participants)
	if err != nil {
		return nil, err
	}

	statusUpdates := make([]StatusUpdate, 0, len(rows))
	for _, r := range rows {
		statusUpdates = append(statusUpdates, StatusUpdate{
			MessageID: r.MessageID,
			UserID:    r.UserID,
			Status:    r.Status,
			ReadAt:    r.ReadAt,
		})
	}
	sort.Slice(statusUpdates, func(i, j int) bool {
		return statusUpdates[i].MessageID < statusUpdates[j].MessageID
	})

	return &UnifiedStatus{
		ConversationID:      conversationID,
		Updates:             statusUpdates,
		ConversationUpdates: updates,
	}, nil
}

// Deletion builds a UnifiedDeletion for committed soft-deletes.
func (c *Consolidator) Deletion(ctx context.Context, conversationID int64, participants []int64, messageIDs []int64) (*UnifiedDeletion, error) {
	updates, err := c.conversationUpdates(ctx, conversationID, participants)
	if err != nil {
		return nil, err
	}
	return &UnifiedDeletion{
		ConversationID:      conversationID,
		DeletedMessageIDs:   messageIDs,
		ConversationUpdates: updates,
	}, nil
}

// conversationUpdates reads the post-commit unread counts for every
// participant, sorted by user id for deterministic payloads.
func (c *Consolidator) conversationUpdates(ctx context.Context, conversationID int64, participants []int64) ([]Unread, error) {
	counts, err := c.counts.UnreadCounts(ctx, conversationID, participants)
	if err != nil {
		return nil, err
	}

	updates := make([]Unread, 0, len(participants))
	for _, userID := range participants {
		updates = append(updates, Unread{UserID: userID, UnreadCount: counts[userID]})
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].UserID < updates[j].UserID })
	return updates, nil
}

// GroupByConversation splits undelivered read rows by conversation for
// the reconnect backlog: one UnifiedStatus per conversation.
func GroupByConversation(rows []store.UndeliveredRead) map[int64][]int64 {
	out := make(map[int64][]int64)
	for _, r := range rows {
		out[r.ConversationID] = append(out[r.ConversationID], r.MessageID)
	}
	return out
}

package service

import (
	"context"

	"github.com/duochat/duochat/internal/apperr"
	"github.com/duochat/duochat/internal/cursor"
	"github.com/duochat/duochat/internal/store"
)

// MaxConversationPageSize caps conversation list pages.
const MaxConversationPageSize = 50

// ConversationService serves conversation reads and 1:1 creation.
type ConversationService struct {
	store *store.Store
}

// NewConversationService creates a ConversationService.
func NewConversationService(st *store.Store) *ConversationService {
	return &ConversationService{store: st}
}

// Get loads a conversation with participants, last message, and the
// caller's unread count.
func (cs *ConversationService) Get(ctx context.Context, conversationID, callerID int64) (*ConversationDTO, error) {
	conv, err := cs.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	ok, err := cs.store.IsParticipant(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Forbidden("caller is not a participant")
	}

	return cs.buildDTO(ctx, conv, callerID)
}

// List returns the caller's conversations ordered by
// (updatedAt DESC, id DESC) with opaque composite cursors.
func (cs *ConversationService) List(ctx context.Context, userID int64, before, after string, limit int) (*ConversationPage, error) {
	if limit <= 0 || limit > MaxConversationPageSize {
		limit = MaxConversationPageSize
	}
	if before != "" && after != "" {
		return nil, apperr.Validation("before and after are mutually exclusive")
	}

	var (
		convs []store.Conversation
		more  bool
		err   error
	)
	page := &ConversationPage{Data: []ConversationDTO{}}

	switch {
	case after != "":
		cur, ok := cursor.DecodeConversation(after)
		if !ok {
			return nil, apperr.Validation("invalid conversation cursor")
		}
		convs, more, err = cs.store.ListConversationsAfter(ctx, userID, cur, limit)
		if err != nil {
			return nil, err
		}
		page.Pagination.HasNext = more
		// The caller paged forward from somewhere older.
		page.Pagination.HasPrevious = true
	case before != "":
		cur, ok := cursor.DecodeConversation(before)
		if !ok {
			return nil, apperr.Validation("invalid conversation cursor")
		}
		convs, more, err = cs.store.ListConversationsBefore(ctx, userID, cur, limit)
		if err != nil {
			return nil, err
		}
		page.Pagination.HasPrevious = more
		// The caller paged backward from somewhere newer.
		page.Pagination.HasNext = true
	default:
		convs, more, err = cs.store.ListConversationsBefore(ctx, userID, cursor.Conversation{}, limit)
		if err != nil {
			return nil, err
		}
		page.Pagination.HasPrevious = more
	}

	for i := range convs {
		dto, err := cs.buildDTO(ctx, &convs[i], userID)
		if err != nil {
			return nil, err
		}
		page.Data = append(page.Data, *dto)
	}

	if len(convs) > 0 {
		next := cursor.EncodeConversation(cursor.Conversation{
			UpdatedAt: convs[0].UpdatedAt, ID: convs[0].ID,
		})
		prev := cursor.EncodeConversation(cursor.Conversation{
			UpdatedAt: convs[len(convs)-1].UpdatedAt, ID: convs[len(convs)-1].ID,
		})
		if page.Pagination.HasNext {
			page.Pagination.NextCursor = &next
		}
		if page.Pagination.HasPrevious {
			page.Pagination.PreviousCursor = &prev
		}
	}

	return page, nil
}

// CreateOrGet1to1 finds or creates the unique conversation for the
// pair. Idempotent under concurrent invocation.
func (cs *ConversationService) CreateOrGet1to1(ctx context.Context, callerID, otherID int64) (*ConversationDTO, error) {
	if callerID == otherID {
		return nil, apperr.Validation("cannot start a conversation with yourself")
	}
	if otherID <= 0 {
		return nil, apperr.Validation("invalid participant")
	}
	if _, err := cs.store.GetUser(ctx, otherID); err != nil {
		return nil, err
	}

	conv, _, err := cs.store.CreateOrGetConversation(ctx, callerID, otherID)
	if err != nil {
		return nil, err
	}
	return cs.buildDTO(ctx, conv, callerID)
}

func (cs *ConversationService) buildDTO(ctx context.Context, conv *store.Conversation, callerID int64) (*ConversationDTO, error) {
	participants, err := cs.store.GetParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	dto := &ConversationDTO{
		ID:           conv.ID,
		Participants: make([]UserDTO, 0, len(participants)),
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
	}
	for i := range participants {
		dto.Participants = append(dto.Participants, userDTO(&participants[i]))
	}

	if conv.LastMessageID != nil {
		rec, err := cs.store.GetMessageRecord(ctx, *conv.LastMessageID)
		if err != nil && !apperr.Is(err, apperr.KindNotFound) {
			return nil, err
		}
		if rec != nil {
			last := messageDTO(rec)
			dto.LastMessage = &last
		}
	}

	counts, err := cs.store.UnreadCounts(ctx, conv.ID, []int64{callerID})
	if err != nil {
		return nil, err
	}
	dto.UnreadCount = counts[callerID]

	return dto, nil
}

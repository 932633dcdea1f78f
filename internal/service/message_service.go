package service

import (
	"context"
	"strings"
	"time"

	"github.com/duochat/duochat/internal/apperr"
	"github.com/duochat/duochat/internal/cursor"
	"github.com/duochat/duochat/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

const (
	// MaxPageSize caps message pagination.
	MaxPageSize = 100
	// MaxSearchResults caps search hits.
	MaxSearchResults = 20
	// maxContentLength bounds text payloads.
	maxContentLength = 10000

	// Transient database failures get this many attempts before the
	// error surfaces to the caller.
	maxTxAttempts = 3
)

// MessageService enforces message invariants and drives the
// per-recipient read-state machine.
type MessageService struct {
	store *store.Store
}

// NewMessageService creates a MessageService.
func NewMessageService(st *store.Store) *MessageService {
	return &MessageService{store: st}
}

// SendInput carries a client's message.send payload.
type SendInput struct {
	Type          string    `json:"type"`
	Content       string    `json:"content"`
	MediaURL      string    `json:"mediaUrl"`
	MediaMimeType string    `json:"mediaMimeType"`
	MediaDuration float64   `json:"mediaDuration"`
	Waveform      []float64 `json:"waveform"`
	ReplyToID     *int64    `json:"replyToId"`
}

// validateSendInput checks the per-type payload invariants.
func validateSendInput(in SendInput) error {
	switch in.Type {
	case store.TypeText:
		if strings.TrimSpace(in.Content) == "" {
			return apperr.Validation("text messages require non-empty content")
		}
		if len(in.Content) > maxContentLength {
			return apperr.Validation("content too long")
		}
	case store.TypeImage, store.TypeAudio:
		if in.MediaURL == "" {
			return apperr.Validation(in.Type + " messages require a media url")
		}
	default:
		return apperr.Validation("unknown message type")
	}
	if in.ReplyToID != nil && *in.ReplyToID <= 0 {
		return apperr.Validation("invalid reply target")
	}
	return nil
}

// Send validates, persists the message with one sent read row per
// recipient, and returns the hydrated DTO.
func (ms *MessageService) Send(ctx context.Context, conversationID, senderID int64, in SendInput) (*MessageDTO, error) {
	if err := validateSendInput(in); err != nil {
		return nil, err
	}

	if _, err := ms.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	ok, err := ms.store.IsParticipant(ctx, conversationID, senderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Forbidden("sender is not a participant")
	}

	if in.ReplyToID != nil {
		target, err := ms.store.GetMessage(ctx, *in.ReplyToID)
		if err != nil {
			if apperr.Is(err, apperr.KindNotFound) {
				return nil, apperr.Validation("reply target does not exist")
			}
			return nil, err
		}
		if target.ConversationID != conversationID {
			return nil, apperr.Validation("reply target belongs to another conversation")
		}
	}

	participants, err := ms.store.ParticipantIDs(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	recipients := make([]int64, 0, len(participants))
	for _, id := range participants {
		if id != senderID {
			recipients = append(recipients, id)
		}
	}

	input := store.CreateMessageInput{
		ConversationID: conversationID,
		SenderID:       senderID,
		Type:           in.Type,
		ReplyToID:      in.ReplyToID,
	}
	switch in.Type {
	case store.TypeText:
		content := in.Content
		input.Content = &content
	case store.TypeImage, store.TypeAudio:
		mediaURL := in.MediaURL
		input.MediaURL = &mediaURL
		if in.MediaMimeType != "" {
			mime := in.MediaMimeType
			input.MediaMimeType = &mime
		}
		if in.MediaDuration > 0 {
			dur := in.MediaDuration
			input.MediaDuration = &dur
		}
		input.Waveform = encodeWaveform(in.Waveform)
		if in.Content != "" {
			caption := in.Content
			input.Content = &caption
		}
	}

	var messageID int64
	err = ms.withRetry(ctx, func() error {
		return ms.store.WithTx(ctx, func(tx pgx.Tx) error {
			id, err := ms.store.CreateMessageAndReads(ctx, tx, input, recipients)
			if err != nil {
				return err
			}
			messageID = id
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	rec, err := ms.store.GetMessageRecord(ctx, messageID)
	if err != nil {
		return nil, err
	}
	dto := messageDTO(rec)
	return &dto, nil
}

// Get loads one hydrated message.
func (ms *MessageService) Get(ctx context.Context, messageID int64) (*MessageDTO, error) {
	rec, err := ms.store.GetMessageRecord(ctx, messageID)
	if err != nil {
		return nil, err
	}
	dto := messageDTO(rec)
	return &dto, nil
}

// Delete soft-deletes a sender-owned message. Read rows are preserved;
// unread counts drop because deleted messages are excluded from the
// count queries.
func (ms *MessageService) Delete(ctx context.Context, messageID, callerID int64) (*MessageDTO, error) {
	m, err := ms.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.SenderID != callerID {
		return nil, apperr.Forbidden("only the sender can delete a message")
	}

	if !m.IsDeleted {
		if err := ms.store.SoftDeleteMessage(ctx, messageID, time.Now().UTC()); err != nil {
			return nil, err
		}
	}

	rec, err := ms.store.GetMessageRecord(ctx, messageID)
	if err != nil {
		return nil, err
	}
	dto := messageDTO(rec)
	return &dto, nil
}

// Paginate returns a newest-first page. previousCursor is the id of
// the oldest returned message iff older messages remain.
func (ms *MessageService) Paginate(ctx context.Context, conversationID, callerID int64, before string, limit int) (*MessagePage, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}

	ok, err := ms.store.IsParticipant(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Forbidden("caller is not a participant")
	}

	var beforeID int64
	if before != "" {
		id, ok := cursor.DecodeMessage(before)
		if !ok {
			return nil, apperr.Validation("invalid message cursor")
		}
		beforeID = id
	}

	recs, hasPrevious, err := ms.store.FetchMessagesBefore(ctx, conversationID, beforeID, limit)
	if err != nil {
		return nil, err
	}

	page := &MessagePage{
		Data:       make([]MessageDTO, 0, len(recs)),
		Pagination: MessagePagination{HasPrevious: hasPrevious},
	}
	for i := range recs {
		page.Data = append(page.Data, messageDTO(&recs[i]))
	}
	if hasPrevious && len(recs) > 0 {
		prev := cursor.EncodeMessage(recs[len(recs)-1].ID)
		page.Pagination.PreviousCursor = &prev
	}
	return page, nil
}

// MarkRead promotes the user's read rows for the given messages into
// read, setting read_at. Idempotent; rows already read and rows the
// user does not own are silently skipped. Returns the rows that
// actually changed.
func (ms *MessageService) MarkRead(ctx context.Context, messageIDs []int64, userID int64) ([]store.MessageRead, error) {
	return ms.transition(ctx, messageIDs, userID, store.StatusRead)
}

// MarkDelivered promotes sent rows to delivered; rows already read
// stay read.
func (ms *MessageService) MarkDelivered(ctx context.Context, messageIDs []int64, userID int64) ([]store.MessageRead, error) {
	return ms.transition(ctx, messageIDs, userID, store.StatusDelivered)
}

func (ms *MessageService) transition(ctx context.Context, messageIDs []int64, userID int64, target string) ([]store.MessageRead, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	var changed []store.MessageRead
	err := ms.withRetry(ctx, func() error {
		return ms.store.WithTx(ctx, func(tx pgx.Tx) error {
			rows, err := ms.store.TransitionReads(ctx, tx, messageIDs, userID, target)
			if err != nil {
				return err
			}
			changed = rows
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// Search matches content case-insensitively in non-deleted messages,
// newest first.
func (ms *MessageService) Search(ctx context.Context, conversationID, callerID int64, query string, limit int) ([]MessageDTO, error) {
	if strings.TrimSpace(query) == "" {
		return nil, apperr.Validation("search query must not be empty")
	}
	if limit <= 0 || limit > MaxSearchResults {
		limit = MaxSearchResults
	}

	ok, err := ms.store.IsParticipant(ctx, conversationID, callerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Forbidden("caller is not a participant")
	}

	recs, err := ms.store.SearchMessages(ctx, conversationID, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(recs))
	for i := range recs {
		out = append(out, messageDTO(&recs[i]))
	}
	return out, nil
}

// withRetry re-runs fn on transient failures with a short backoff.
func (ms *MessageService) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = fn()
		if err == nil || !apperr.Is(err, apperr.KindTransient) {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("retrying transient database failure")
		select {
		case <-ctx.Done():
			return apperr.Transient("canceled during retry", ctx.Err())
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		}
	}
	return err
}

package service

import (
	"encoding/json"
	"time"

	"github.com/duochat/duochat/internal/store"
	"github.com/rs/zerolog/log"
)

// UserDTO is the wire shape of a user.
type UserDTO struct {
	ID        int64      `json:"id"`
	Email     string     `json:"email"`
	Name      string     `json:"name"`
	AvatarURL *string    `json:"avatarUrl,omitempty"`
	Status    string     `json:"status"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
}

// ReadReceiptDTO is the wire shape of one recipient's read state.
type ReadReceiptDTO struct {
	UserID int64      `json:"userId"`
	Status string     `json:"status"`
	ReadAt *time.Time `json:"readAt,omitempty"`
}

// MessageDTO is the wire shape of a message, complete enough that no
// recipient needs a follow-up query to render it.
type MessageDTO struct {
	ID             int64            `json:"id"`
	ConversationID int64            `json:"conversationId"`
	Sender         UserDTO          `json:"sender"`
	Type           string           `json:"type"`
	Content        *string          `json:"content,omitempty"`
	MediaURL       *string          `json:"mediaUrl,omitempty"`
	MediaMimeType  *string          `json:"mediaMimeType,omitempty"`
	MediaDuration  *float64         `json:"mediaDuration,omitempty"`
	Waveform       []float64        `json:"waveform,omitempty"`
	ReplyTo        *MessageDTO      `json:"replyTo,omitempty"`
	IsDeleted      bool             `json:"isDeleted"`
	DeletedAt      *time.Time       `json:"deletedAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	Reads          []ReadReceiptDTO `json:"reads"`
}

// ConversationDTO is the wire shape of a conversation for one caller.
type ConversationDTO struct {
	ID           int64       `json:"id"`
	Participants []UserDTO   `json:"participants"`
	LastMessage  *MessageDTO `json:"lastMessage,omitempty"`
	UnreadCount  int         `json:"unreadCount"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// MessagePage is a newest-first page of messages for the inverted feed.
type MessagePage struct {
	Data       []MessageDTO      `json:"data"`
	Pagination MessagePagination `json:"pagination"`
}

type MessagePagination struct {
	HasPrevious    bool    `json:"hasPrevious"`
	PreviousCursor *string `json:"previousCursor,omitempty"`
}

// ConversationPage is a page of the caller's conversation list.
type ConversationPage struct {
	Data       []ConversationDTO      `json:"data"`
	Pagination ConversationPagination `json:"pagination"`
}

type ConversationPagination struct {
	HasNext        bool    `json:"hasNext"`
	HasPrevious    bool    `json:"hasPrevious"`
	NextCursor     *string `json:"nextCursor,omitempty"`
	PreviousCursor *string `json:"previousCursor,omitempty"`
}

func userDTO(u *store.User) UserDTO {
	if u == nil {
		return UserDTO{}
	}
	return UserDTO{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		AvatarURL: u.AvatarURL,
		Status:    u.Status,
		LastSeen:  u.LastSeen,
	}
}

func messageDTO(rec *store.MessageRecord) MessageDTO {
	dto := MessageDTO{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		Sender:         userDTO(rec.Sender),
		Type:           rec.Type,
		Content:        rec.Content,
		MediaURL:       rec.MediaURL,
		MediaMimeType:  rec.MediaMimeType,
		MediaDuration:  rec.MediaDuration,
		Waveform:       decodeWaveform(rec.Waveform),
		IsDeleted:      rec.IsDeleted,
		DeletedAt:      rec.DeletedAt,
		CreatedAt:      rec.CreatedAt,
		Reads:          make([]ReadReceiptDTO, 0, len(rec.Reads)),
	}

	for _, r := range rec.Reads {
		dto.Reads = append(dto.Reads, ReadReceiptDTO{
			UserID: r.UserID,
			Status: r.Status,
			ReadAt: r.ReadAt,
		})
	}

	// Shallow reply target: one hop, no sender hydration beyond id.
	// Renders fine even when the target is soft-deleted.
	if rec.ReplyTo != nil {
		reply := &MessageDTO{
			ID:             rec.ReplyTo.ID,
			ConversationID: rec.ReplyTo.ConversationID,
			Sender:         UserDTO{ID: rec.ReplyTo.SenderID},
			Type:           rec.ReplyTo.Type,
			Content:        rec.ReplyTo.Content,
			MediaURL:       rec.ReplyTo.MediaURL,
			MediaMimeType:  rec.ReplyTo.MediaMimeType,
			MediaDuration:  rec.ReplyTo.MediaDuration,
			Waveform:       decodeWaveform(rec.ReplyTo.Waveform),
			IsDeleted:      rec.ReplyTo.IsDeleted,
			DeletedAt:      rec.ReplyTo.DeletedAt,
			CreatedAt:      rec.ReplyTo.CreatedAt,
			Reads:          []ReadReceiptDTO{},
		}
		dto.ReplyTo = reply
	}

	return dto
}

// The waveform is stored opaque as a serialized numeric array;
// interpretation is the client's concern.

func encodeWaveform(samples []float64) *string {
	if len(samples) == 0 {
		return nil
	}
	b, err := json.Marshal(samples)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode waveform")
		return nil
	}
	s := string(b)
	return &s
}

func decodeWaveform(raw *string) []float64 {
	if raw == nil || *raw == "" {
		return nil
	}
	var samples []float64
	if err := json.Unmarshal([]byte(*raw), &samples); err != nil {
		log.Warn().Err(err).Msg("stored waveform is not a numeric array")
		return nil
	}
	return samples
}

package ws

import (
	"context"
	"encoding/json"

	"github.com/duochat/duochat/internal/apperr"
)

// dispatch routes one inbound command. Unknown commands produce a
// typed error event addressed to the sender only; they never drop the
// connection.
func (h *Hub) dispatch(s *Session, cmd Command) {
	ctx, cancel := context.WithTimeout(h.ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd.Event {
	case CmdMessageSend:
		err = h.handleSend(ctx, s, cmd)
	case CmdMessageRead:
		err = h.handleRead(ctx, s, cmd)
	case CmdMessageDelivered:
		err = h.handleDelivered(ctx, s, cmd)
	case CmdMessageDelete:
		err = h.handleDelete(ctx, s, cmd)
	case CmdConversationJoin:
		err = h.handleJoin(ctx, s, cmd)
	case CmdConversationLeave:
		err = h.handleLeave(ctx, s, cmd)
	case CmdTypingStart:
		err = h.handleTyping(ctx, s, cmd, true)
	case CmdTypingStop:
		err = h.handleTyping(ctx, s, cmd, false)
	case CmdPresencePing:
		h.announceStatus(ctx, s.UserID, "online")
	default:
		s.sendError(cmd.Event, "unknown command")
		return
	}

	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			s.log.Error().Err(err).Str("command", cmd.Event).Msg("command failed")
		} else {
			s.log.Debug().Err(err).Str("command", cmd.Event).Msg("command rejected")
		}
		s.sendError(cmd.Event, apperr.Message(err))
	}
}

// handleSend persists the message, promotes recipients' read rows
// according to where they are (active viewer -> read, online elsewhere
// -> delivered), and fans out one UnifiedMessage carrying the final
// state. The ack payload equals the event's message field.
func (h *Hub) handleSend(ctx context.Context, s *Session, cmd Command) error {
	var p sendPayload
	if err := json.Unmarshal(cmd.Data, &p); err != nil {
		return apperr.Validation("malformed message.send payload")
	}
	if p.ConversationID <= 0 {
		return apperr.Validation("conversationId is required")
	}

	unlock := h.lockConversation(p.ConversationID)
	defer unlock()

	sent, err := h.messages.Send(ctx, p.ConversationID, s.UserID, p.SendInput)
	if err != nil {
		return err
	}

	participants, err := h.store.ParticipantIDs(ctx, p.ConversationID)
	if err != nil {
		return err
	}

	// Split the other participants by where they are right now.
	var readNow, deliverNow []int64
	for _, userID := range participants {
		if userID == s.UserID {
			continue
		}
		switch {
		case h.presence.IsViewing(p.ConversationID, userID):
			readNow = append(readNow, userID)
		case h.presence.IsOnline(userID):
			deliverNow = append(deliverNow, userID)
		}
	}
	for _, userID := range readNow {
		if _, err := h.messages.MarkRead(ctx, []int64{sent.ID}, userID); err != nil {
			return err
		}
	}
	for _, userID := range deliverNow {
		if _, err := h.messages.MarkDelivered(ctx, []int64{sent.ID}, userID); err != nil {
			return err
		}
	}

	final := sent
	if len(readNow)+len(deliverNow) > 0 {
		final, err = h.messages.Get(ctx, sent.ID)
		if err != nil {
			return err
		}
	}

	unified, err := h.events.Message(ctx, p.ConversationID, participants, *final)
	if err != nil {
		return err
	}

	h.emitConversation(p.ConversationID, Frame{Event: EvtMessageUnified, Data: unified}, "")
	s.sendFrame(Frame{ID: cmd.ID, Event: EvtAck, Data: unified.Message})
	return nil
}

// conversationOf resolves the single conversation the messages belong
// to. Mixed batches are refused so a status event cannot be scoped to
// the wrong room.
func (h *Hub) conversationOf(ctx context.Context, messageIDs []int64) (int64, error) {
	convs, err := h.store.ConversationOfMessages(ctx, messageIDs)
	if err != nil {
		return 0, err
	}
	if len(convs) == 0 {
		return 0, apperr.NotFound("messages not found")
	}
	var conversationID int64
	for _, id := range convs {
		if conversationID == 0 {
			conversationID = id
		} else if id != conversationID {
			return 0, apperr.Validation("messages span multiple conversations")
		}
	}
	return conversationID, nil
}

// handleRead marks the referenced messages read for this user and
// broadcasts the transitions. The target room comes from the message
// rows, never from the payload.
func (h *Hub) handleRead(ctx context.Context, s *Session, cmd Command) error {
	var p readPayload
	if err := json.Unmarshal(cmd.Data, &p); err != nil {
		return apperr.Validation("malformed message.read payload")
	}
	ids := p.ids()
	if len(ids) == 0 {
		return apperr.Validation("messageIds is required")
	}

	conversationID, err := h.conversationOf(ctx, ids)
	if err != nil {
		return err
	}
	if p.ConversationID != 0 && p.ConversationID != conversationID {
		return apperr.Validation("conversationId does not match the messages")
	}

	unlock := h.lockConversation(conversationID)
	defer unlock()

	changed, err := h.messages.MarkRead(ctx, ids, s.UserID)
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		h.emitStatus(ctx, conversationID, changed)
	}
	return nil
}

// handleDelivered acknowledges receipt of one message.
func (h *Hub) handleDelivered(ctx context.Context, s *Session, cmd Command) error {
	var p deliveredPayload
	if err := json.Unmarshal(cmd.Data, &p); err != nil {
		return apperr.Validation("malformed message.delivered payload")
	}
	if p.MessageID <= 0 {
		return apperr.Validation("messageId is required")
	}

	m, err := h.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return err
	}

	unlock := h.lockConversation(m.ConversationID)
	defer unlock()

	changed, err := h.messages.MarkDelivered(ctx, []int64{p.MessageID}, s.UserID)
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		h.emitStatus(ctx, m.ConversationID, changed)
	}
	return nil
}

// handleDelete soft-deletes a sender-owned message and broadcasts the
// deletion with refreshed unread counts. The target room comes from the
// message row, never from the payload.
func (h *Hub) handleDelete(ctx context.Context, s *Session, cmd Command) error {
	var p deletePayload
	if err := json.Unmarshal(cmd.Data, &p); err != nil {
		return apperr.Validation("malformed message.delete payload")
	}
	if p.MessageID <= 0 {
		return apperr.Validation("messageId is required")
	}

	m, err := h.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return err
	}
	if p.ConversationID != 0 && p.ConversationID != m.ConversationID {
		return apperr.Validation("conversationId does not match the message")
	}

	unlock := h.lockConversation(m.ConversationID)
	defer unlock()

	if _, err := h.messages.Delete(ctx, p.MessageID, s.UserID); err != nil {
		return err
	}

	participants, err := h.store.ParticipantIDs(ctx, m.ConversationID)
	if err != nil {
		return err
	}
	unified, err := h.events.Deletion(ctx, m.ConversationID, participants, []int64{p.MessageID})
	if err != nil {
		return err
	}

	h.emitConversation(m.ConversationID, Frame{Event: EvtMessageDeleted, Data: unified}, "")
	return nil
}

// handleJoin subscribes the session to the conversation room. When the
// user becomes an active viewer, their unread messages are bulk-marked
// read and a presence:joined notification goes out.
func (h *Hub) handleJoin(ctx context.Context, s *Session, cmd Command) error {
	var p conversationPayload
	if err := json.Unmarshal(cmd.Data, &p); err != nil {
		return apperr.Validation("malformed conversation.join payload")
	}
	if p.ConversationID <= 0 {
		return apperr.Validation("conversationId is required")
	}

	ok, err := h.store.IsParticipant(ctx, p.ConversationID, s.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Forbidden("not a participant of this conversation")
	}

	h.joinRoom(conversationRoom(p.ConversationID), s)
	became := h.presence.Join(s.ID, s.UserID, p.ConversationID)
	if !became {
		return nil
	}

	ids, err := h.store.UnreadMessageIDs(ctx, p.ConversationID, s.UserID)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		unlock := h.lockConversation(p.ConversationID)
		changed, err := h.messages.MarkRead(ctx, ids, s.UserID)
		if err != nil {
			unlock()
			return err
		}
		if len(changed) > 0 {
			h.emitStatus(ctx, p.ConversationID, changed)
		}
		unlock()
	}

	h.emitConversation(p.ConversationID, Frame{
		Event: EvtPresenceJoined,
		Data:  PresenceData{ConversationID: p.ConversationID, UserID: s.UserID},
	}, "")
	return nil
}

// handleLeave unsubscribes the session; presence:left goes out only
// when no other session of the user still views the conversation.
func (h *Hub) handleLeave(ctx context.Context, s *Session, cmd Command) error {
	var p conversationPayload
	if err := json.Unmarshal(cmd.Data, &p); err != nil {
		return apperr.Validation("malformed conversation.leave payload")
	}
	if p.ConversationID <= 0 {
		return apperr.Validation("conversationId is required")
	}

	h.leaveRoom(conversationRoom(p.ConversationID), s)
	if h.presence.Leave(s.ID, s.UserID, p.ConversationID) {
		h.emitConversation(p.ConversationID, Frame{
			Event: EvtPresenceLeft,
			Data:  PresenceData{ConversationID: p.ConversationID, UserID: s.UserID},
		}, "")
	}
	return nil
}

// handleTyping forwards typing indicators to the other members of the
// conversation room only, throttled for starts, never for stops.
func (h *Hub) handleTyping(ctx context.Context, s *Session, cmd Command, start bool) error {
	var p conversationPayload
	if err := json.Unmarshal(cmd.Data, &p); err != nil {
		return apperr.Validation("malformed typing payload")
	}
	if p.ConversationID <= 0 {
		return apperr.Validation("conversationId is required")
	}
	if !h.presence.IsViewing(p.ConversationID, s.UserID) {
		return apperr.Validation("join the conversation before typing")
	}

	evt := EvtTypingStop
	if start {
		if !h.presence.AllowTyping(p.ConversationID, s.UserID) {
			return nil
		}
		evt = EvtTypingStart
	}

	h.emitRooms([]string{conversationRoom(p.ConversationID)}, Frame{
		Event: evt,
		Data:  TypingData{ConversationID: p.ConversationID, UserID: s.UserID},
	}, s.ID)
	return nil
}

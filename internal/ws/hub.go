package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/duochat/duochat/internal/auth"
	"github.com/duochat/duochat/internal/event"
	"github.com/duochat/duochat/internal/presence"
	"github.com/duochat/duochat/internal/service"
	"github.com/duochat/duochat/internal/store"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// GlobalRoom is joined by every authenticated session on connect; it
// feeds inbox-list updates for clients with no conversation open.
const GlobalRoom = "conversations"

// commandTimeout bounds persistence work per inbound command. The
// timeout derives from the hub context, not the session's, so a
// disconnect does not abort a transaction already underway.
const commandTimeout = 10 * time.Second

func conversationRoom(conversationID int64) string {
	return fmt.Sprintf("conversation:%d", conversationID)
}

// Hub multiplexes authenticated websocket sessions, routes inbound
// commands to the services, and fans consolidated events out to rooms.
type Hub struct {
	messages *service.MessageService
	store    *store.Store
	presence *presence.Registry
	events   *event.Consolidator
	verifier *auth.Verifier
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session

	// Per-conversation ordering locks: held across mutate-then-emit so
	// room emission order matches commit order. Never a registry lock.
	convMu    sync.Mutex
	convLocks map[int64]*sync.Mutex
}

// New creates a Hub. origin is the accepted handshake origin; "*"
// accepts any.
func New(messages *service.MessageService, st *store.Store, reg *presence.Registry, events *event.Consolidator, verifier *auth.Verifier, origin string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		messages: messages,
		store:    st,
		presence: reg,
		events:   events,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if origin == "*" {
					return true
				}
				return r.Header.Get("Origin") == origin
			},
		},
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
		rooms:     make(map[string]map[string]*Session),
		convLocks: make(map[int64]*sync.Mutex),
	}
}

// ServeWS authenticates and upgrades an incoming connection, then
// serves it until disconnect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := h.verifier.Verify(auth.BearerToken(r))
	if err != nil {
		log.Warn().Err(err).Msg("websocket handshake rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	s := newSession(conn, userID, h, log.Logger)
	go s.writePump()
	h.attach(s)
	s.readPump()
}

// attach registers the session, replays the delivery backlog, and
// announces the user online.
func (h *Hub) attach(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.joinRoomLocked(GlobalRoom, s)
	h.mu.Unlock()

	h.presence.Attach(s.UserID, s.ID)
	s.log.Info().Msg("session attached")

	ctx, cancel := context.WithTimeout(h.ctx, commandTimeout)
	defer cancel()

	h.deliverBacklog(ctx, s)
	h.announceStatus(ctx, s.UserID, "online")
}

// detach is the disconnect cleanup path.
func (h *Hub) detach(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	for room, members := range h.rooms {
		if _, ok := members[s.ID]; ok {
			delete(members, s.ID)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	h.mu.Unlock()

	s.closeSend()

	offline, left := h.presence.Detach(s.UserID, s.ID)
	for _, conversationID := range left {
		h.emitConversation(conversationID, Frame{
			Event: EvtPresenceLeft,
			Data:  PresenceData{ConversationID: conversationID, UserID: s.UserID},
		}, "")
	}

	if offline {
		ctx, cancel := context.WithTimeout(h.ctx, commandTimeout)
		defer cancel()
		h.announceStatus(ctx, s.UserID, "offline")
	}

	s.log.Info().Bool("offline", offline).Msg("session detached")
}

// forceDrop removes a session that cannot keep up with the fan-out.
func (h *Hub) forceDrop(s *Session) {
	s.conn.Close()
}

// deliverBacklog promotes every read row still in sent for the user to
// delivered and emits one consolidated status event per conversation.
// This restores sent -> delivered correctness for messages that
// arrived while the user was offline.
func (h *Hub) deliverBacklog(ctx context.Context, s *Session) {
	rows, err := h.store.UndeliveredFor(ctx, s.UserID)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load delivery backlog")
		return
	}
	if len(rows) == 0 {
		return
	}

	for conversationID, messageIDs := range event.GroupByConversation(rows) {
		unlock := h.lockConversation(conversationID)
		changed, err := h.messages.MarkDelivered(ctx, messageIDs, s.UserID)
		if err != nil {
			unlock()
			s.log.Error().Err(err).Int64("conversationId", conversationID).Msg("failed to deliver backlog")
			continue
		}
		if len(changed) == 0 {
			unlock()
			continue
		}
		h.emitStatus(ctx, conversationID, changed)
		unlock()
	}
}

// announceStatus persists the presence transition and broadcasts
// user:status into every room for a conversation the user is part of.
func (h *Hub) announceStatus(ctx context.Context, userID int64, status string) {
	now := time.Now().UTC()
	if err := h.store.SetUserStatus(ctx, userID, status, now); err != nil {
		log.Error().Err(err).Int64("userId", userID).Msg("failed to persist user status")
		return
	}

	conversationIDs, err := h.store.ConversationIDsOf(ctx, userID)
	if err != nil {
		log.Error().Err(err).Int64("userId", userID).Msg("failed to load user conversations")
		return
	}

	rooms := make([]string, 0, len(conversationIDs)+1)
	for _, id := range conversationIDs {
		rooms = append(rooms, conversationRoom(id))
	}
	rooms = append(rooms, GlobalRoom)

	h.emitRooms(rooms, Frame{
		Event: EvtUserStatus,
		Data: UserStatusData{
			UserID:   userID,
			Status:   status,
			LastSeen: now.Format(time.RFC3339Nano),
		},
	}, "")
}

// lockConversation serializes mutate-then-emit sequences for one
// conversation so emission order matches commit order.
func (h *Hub) lockConversation(conversationID int64) func() {
	h.convMu.Lock()
	mu, ok := h.convLocks[conversationID]
	if !ok {
		mu = &sync.Mutex{}
		h.convLocks[conversationID] = mu
	}
	h.convMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// Room membership.

func (h *Hub) joinRoomLocked(room string, s *Session) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		h.rooms[room] = members
	}
	members[s.ID] = s
}

func (h *Hub) joinRoom(room string, s *Session) {
	h.mu.Lock()
	h.joinRoomLocked(room, s)
	h.mu.Unlock()
}

func (h *Hub) leaveRoom(room string, s *Session) {
	h.mu.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, s.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

// emitRooms fans one frame out to the union of the given rooms,
// deduplicated per session, optionally excluding one session. A
// fan-out failure never fails the initiating mutation: slow sessions
// are dropped and the persisted state stays authoritative.
func (h *Hub) emitRooms(rooms []string, f Frame, excludeSessionID string) {
	payload, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("event", f.Event).Msg("failed to marshal event")
		return
	}

	h.mu.RLock()
	targets := make(map[string]*Session)
	for _, room := range rooms {
		for id, s := range h.rooms[room] {
			if id == excludeSessionID {
				continue
			}
			targets[id] = s
		}
	}
	h.mu.RUnlock()

	var dropped []*Session
	for _, s := range targets {
		if !s.enqueue(payload) {
			dropped = append(dropped, s)
		}
	}
	for _, s := range dropped {
		s.log.Warn().Str("event", f.Event).Msg("send buffer full, dropping session")
		h.forceDrop(s)
	}
}

// emitConversation targets the conversation room plus the global room.
func (h *Hub) emitConversation(conversationID int64, f Frame, excludeSessionID string) {
	h.emitRooms([]string{conversationRoom(conversationID), GlobalRoom}, f, excludeSessionID)
}

// emitStatus consolidates and broadcasts committed read transitions.
func (h *Hub) emitStatus(ctx context.Context, conversationID int64, changed []store.MessageRead) {
	participants, err := h.store.ParticipantIDs(ctx, conversationID)
	if err != nil {
		log.Error().Err(err).Int64("conversationId", conversationID).Msg("failed to load participants for status event")
		return
	}
	unified, err := h.events.Status(ctx, conversationID, participants, changed)
	if err != nil {
		log.Error().Err(err).Int64("conversationId", conversationID).Msg("failed to consolidate status event")
		return
	}
	h.emitConversation(conversationID, Frame{Event: EvtStatusUnified, Data: unified}, "")
}

// SessionCount reports the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Shutdown closes every connection and stops accepting commands.
func (h *Hub) Shutdown() {
	h.cancel()

	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.conn.Close()
	}
	log.Info().Int("sessions", len(sessions)).Msg("hub shut down")
}

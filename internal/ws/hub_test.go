package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duochat/duochat/internal/auth"
	"github.com/duochat/duochat/internal/db"
	"github.com/duochat/duochat/internal/event"
	"github.com/duochat/duochat/internal/presence"
	"github.com/duochat/duochat/internal/service"
	"github.com/duochat/duochat/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
)

const testHubSecret = "test-secret"

// newTestHub wires a hub against the test database with a short typing
// window. Integration tests skip unless TEST_DATABASE_URL is set.
func newTestHub(t *testing.T) (*Hub, *store.Store) {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration tests")
	}

	pool, err := db.Open(context.Background(), dbURL, 5)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := db.EnsureSchema(context.Background(), pool); err != nil {
		t.Fatalf("Failed to ensure schema: %v", err)
	}
	_, err = pool.Exec(context.Background(), `
		DELETE FROM message_reads;
		UPDATE conversations SET last_message_id = NULL;
		DELETE FROM messages;
		DELETE FROM conversation_participants;
		DELETE FROM conversations;
		DELETE FROM users;
	`)
	if err != nil {
		t.Fatalf("Failed to clean test database: %v", err)
	}

	st := store.New(pool)
	h := New(
		service.NewMessageService(st),
		st,
		presence.New(50*time.Millisecond),
		event.New(st),
		auth.NewVerifier(testHubSecret),
		"*",
	)
	t.Cleanup(h.Shutdown)
	return h, st
}

func seedHubUsers(t *testing.T, st *store.Store, n int) []int64 {
	t.Helper()

	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		u, err := st.CreateUser(context.Background(),
			fmt.Sprintf("hub%d-%d@example.com", i, time.Now().UnixNano()),
			fmt.Sprintf("User %d", i))
		if err != nil {
			t.Fatalf("Failed to create test user: %v", err)
		}
		ids = append(ids, u.ID)
	}
	return ids
}

// wsClient drives one websocket session against the test hub.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

// frame mirrors the outbound envelope with the data left raw.
type frame struct {
	ID    int64           `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dialSession(t *testing.T, srv *httptest.Server, userID int64) *wsClient {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": strconv.FormatInt(userID, 10),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testHubSecret))
	if err != nil {
		t.Fatalf("Failed to sign test token: %v", err)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(id int64, event string, data any) {
	c.t.Helper()

	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("Failed to marshal command data: %v", err)
	}
	payload, err := json.Marshal(Command{ID: id, Event: event, Data: raw})
	if err != nil {
		c.t.Fatalf("Failed to marshal command: %v", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.t.Fatalf("Failed to write command: %v", err)
	}
}

// nextAny reads the next frame, failing on timeout.
func (c *wsClient) nextAny() frame {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("Failed to read frame: %v", err)
	}
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		c.t.Fatalf("Malformed frame: %s", payload)
	}
	return f
}

// next reads frames until one matches the event, skipping the rest.
func (c *wsClient) next(event string) frame {
	c.t.Helper()
	for {
		if f := c.nextAny(); f.Event == event {
			return f
		}
	}
}

// join subscribes the client to the conversation and waits for its own
// presence:joined to come back, so later commands observe the
// viewership.
func (c *wsClient) join(conversationID, userID int64) {
	c.t.Helper()
	c.send(0, CmdConversationJoin, conversationPayload{ConversationID: conversationID})
	c.nextPresence(EvtPresenceJoined, userID)
}

// nextPresence reads presence frames until one names the user.
func (c *wsClient) nextPresence(event string, userID int64) PresenceData {
	c.t.Helper()
	for {
		f := c.next(event)
		var p PresenceData
		if err := json.Unmarshal(f.Data, &p); err != nil {
			c.t.Fatalf("Malformed presence data: %s", f.Data)
		}
		if p.UserID == userID {
			return p
		}
	}
}

// expectNone fails if the event arrives within the wait window. The
// connection is unusable afterwards; call it last.
func (c *wsClient) expectNone(event string, wait time.Duration) {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(wait))
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if json.Unmarshal(payload, &f) == nil && f.Event == event {
			c.t.Fatalf("Received unexpected %s: %s", event, f.Data)
		}
	}
}

func decodeInto(t *testing.T, raw json.RawMessage, v any) {
	t.Helper()
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("Failed to decode payload %s: %v", raw, err)
	}
}

func TestSendPromotesActiveViewer(t *testing.T) {
	h, st := newTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	users := seedHubUsers(t, st, 2)
	conv, _, err := st.CreateOrGetConversation(context.Background(), users[0], users[1])
	if err != nil {
		t.Fatalf("CreateOrGetConversation() error = %v", err)
	}

	alice := dialSession(t, srv, users[0])
	bob := dialSession(t, srv, users[1])
	alice.join(conv.ID, users[0])
	bob.join(conv.ID, users[1])
	// Bob's join reached alice, so the registry has him viewing.
	alice.nextPresence(EvtPresenceJoined, users[1])

	alice.send(1, CmdMessageSend, map[string]any{
		"conversationId": conv.ID, "type": "text", "content": "hi",
	})

	ack := alice.next(EvtAck)
	if ack.ID != 1 {
		t.Errorf("ack id = %d, want 1", ack.ID)
	}
	var acked service.MessageDTO
	decodeInto(t, ack.Data, &acked)
	if len(acked.Reads) != 1 || acked.Reads[0].UserID != users[1] {
		t.Fatalf("ack reads = %+v, want one row for the recipient", acked.Reads)
	}
	if acked.Reads[0].Status != store.StatusRead || acked.Reads[0].ReadAt == nil {
		t.Errorf("ack read state = %+v, want read with readAt (recipient is viewing)", acked.Reads[0])
	}

	var unified event.UnifiedMessage
	decodeInto(t, bob.next(EvtMessageUnified).Data, &unified)
	if unified.ConversationID != conv.ID || unified.Message.ID != acked.ID {
		t.Errorf("unified = conv %d msg %d, want conv %d msg %d",
			unified.ConversationID, unified.Message.ID, conv.ID, acked.ID)
	}
	// The broadcast message equals the ack payload's final state.
	if len(unified.Message.Reads) != 1 || unified.Message.Reads[0].Status != store.StatusRead {
		t.Errorf("unified reads = %+v, want read", unified.Message.Reads)
	}
	for _, u := range unified.ConversationUpdates {
		if u.UserID == users[1] && u.UnreadCount != 0 {
			t.Errorf("viewer unreadCount = %d, want 0", u.UnreadCount)
		}
	}
}

func TestReadOnJoinPromotesAndOrdersEvents(t *testing.T) {
	h, st := newTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	users := seedHubUsers(t, st, 2)
	conv, _, err := st.CreateOrGetConversation(context.Background(), users[0], users[1])
	if err != nil {
		t.Fatalf("CreateOrGetConversation() error = %v", err)
	}

	alice := dialSession(t, srv, users[0])
	bob := dialSession(t, srv, users[1])
	alice.join(conv.ID, users[0])

	// Bob is online but not viewing: the send lands as delivered.
	alice.send(1, CmdMessageSend, map[string]any{
		"conversationId": conv.ID, "type": "text", "content": "while away",
	})
	var acked service.MessageDTO
	decodeInto(t, alice.next(EvtAck).Data, &acked)
	if len(acked.Reads) != 1 || acked.Reads[0].Status != store.StatusDelivered {
		t.Fatalf("ack reads = %+v, want delivered (online, not viewing)", acked.Reads)
	}

	// Joining bulk-promotes to read; the status event precedes the
	// presence announcement.
	bob.send(0, CmdConversationJoin, conversationPayload{ConversationID: conv.ID})

	sawStatus := false
	for {
		f := alice.nextAny()
		if f.Event == EvtStatusUnified {
			var us event.UnifiedStatus
			decodeInto(t, f.Data, &us)
			if len(us.Updates) != 1 || us.Updates[0].MessageID != acked.ID {
				t.Fatalf("status updates = %+v, want message %d", us.Updates, acked.ID)
			}
			if us.Updates[0].Status != store.StatusRead || us.Updates[0].ReadAt == nil {
				t.Errorf("status update = %+v, want read with readAt", us.Updates[0])
			}
			sawStatus = true
			continue
		}
		if f.Event == EvtPresenceJoined {
			var p PresenceData
			decodeInto(t, f.Data, &p)
			if p.UserID != users[1] {
				continue
			}
			if !sawStatus {
				t.Fatal("presence:joined arrived before the read promotion")
			}
			break
		}
	}
}

func TestReconnectBacklogDelivery(t *testing.T) {
	h, st := newTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	users := seedHubUsers(t, st, 2)
	conv, _, err := st.CreateOrGetConversation(context.Background(), users[0], users[1])
	if err != nil {
		t.Fatalf("CreateOrGetConversation() error = %v", err)
	}

	alice := dialSession(t, srv, users[0])
	alice.join(conv.ID, users[0])

	// Two messages while bob is offline: reads stay in sent.
	var ids []int64
	for i := 0; i < 2; i++ {
		alice.send(int64(i+1), CmdMessageSend, map[string]any{
			"conversationId": conv.ID, "type": "text", "content": fmt.Sprintf("offline %d", i),
		})
		var acked service.MessageDTO
		decodeInto(t, alice.next(EvtAck).Data, &acked)
		if acked.Reads[0].Status != store.StatusSent {
			t.Fatalf("ack reads = %+v, want sent (recipient offline)", acked.Reads)
		}
		ids = append(ids, acked.ID)
	}

	// Connecting replays the backlog: one consolidated status event,
	// then the online announcement.
	dialSession(t, srv, users[1])

	sawStatus := false
	for {
		f := alice.nextAny()
		if f.Event == EvtStatusUnified {
			var us event.UnifiedStatus
			decodeInto(t, f.Data, &us)
			if us.ConversationID != conv.ID || len(us.Updates) != 2 {
				t.Fatalf("backlog status = %+v, want both messages", us)
			}
			if us.Updates[0].MessageID != ids[0] || us.Updates[1].MessageID != ids[1] {
				t.Errorf("backlog order = %+v, want [%d %d]", us.Updates, ids[0], ids[1])
			}
			for _, u := range us.Updates {
				if u.Status != store.StatusDelivered {
					t.Errorf("backlog update = %+v, want delivered", u)
				}
			}
			sawStatus = true
			continue
		}
		if f.Event == EvtUserStatus {
			var us UserStatusData
			decodeInto(t, f.Data, &us)
			if us.UserID != users[1] || us.Status != "online" {
				continue
			}
			if !sawStatus {
				t.Fatal("user:status online arrived before the backlog delivery")
			}
			break
		}
	}
}

func TestTypingThrottleEndToEnd(t *testing.T) {
	h, st := newTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	users := seedHubUsers(t, st, 2)
	conv, _, err := st.CreateOrGetConversation(context.Background(), users[0], users[1])
	if err != nil {
		t.Fatalf("CreateOrGetConversation() error = %v", err)
	}

	alice := dialSession(t, srv, users[0])
	bob := dialSession(t, srv, users[1])
	alice.join(conv.ID, users[0])
	bob.join(conv.ID, users[1])

	// Two starts inside the window, then a stop. The second start is
	// swallowed, so bob sees start then stop.
	alice.send(0, CmdTypingStart, conversationPayload{ConversationID: conv.ID})
	alice.send(0, CmdTypingStart, conversationPayload{ConversationID: conv.ID})
	alice.send(0, CmdTypingStop, conversationPayload{ConversationID: conv.ID})

	nextTyping := func() string {
		for {
			f := bob.nextAny()
			if f.Event == EvtTypingStart || f.Event == EvtTypingStop {
				return f.Event
			}
		}
	}
	if got := nextTyping(); got != EvtTypingStart {
		t.Fatalf("first typing event = %s, want %s", got, EvtTypingStart)
	}
	if got := nextTyping(); got != EvtTypingStop {
		t.Fatalf("second typing event = %s, want %s (throttled start must not leak)", got, EvtTypingStop)
	}
}

func TestDeleteRefusesForeignConversationID(t *testing.T) {
	h, st := newTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	users := seedHubUsers(t, st, 3)
	ctx := context.Background()
	convA, _, err := st.CreateOrGetConversation(ctx, users[0], users[1])
	if err != nil {
		t.Fatalf("CreateOrGetConversation() error = %v", err)
	}
	convB, _, err := st.CreateOrGetConversation(ctx, users[0], users[2])
	if err != nil {
		t.Fatalf("CreateOrGetConversation() error = %v", err)
	}

	alice := dialSession(t, srv, users[0])
	bob := dialSession(t, srv, users[1])
	carol := dialSession(t, srv, users[2])
	alice.join(convA.ID, users[0])
	bob.join(convA.ID, users[1])
	carol.join(convB.ID, users[2])

	alice.send(1, CmdMessageSend, map[string]any{
		"conversationId": convA.ID, "type": "text", "content": "to be deleted",
	})
	var acked service.MessageDTO
	decodeInto(t, alice.next(EvtAck).Data, &acked)

	// Naming another conversation in the payload is refused outright.
	alice.send(2, CmdMessageDelete, deletePayload{MessageID: acked.ID, ConversationID: convB.ID})
	var errData ErrorData
	decodeInto(t, alice.next(EvtError).Data, &errData)
	if errData.Event != CmdMessageDelete {
		t.Errorf("error event = %q, want %q", errData.Event, CmdMessageDelete)
	}

	// The conversation id is optional; the row decides the room.
	alice.send(3, CmdMessageDelete, deletePayload{MessageID: acked.ID})
	var unified event.UnifiedDeletion
	decodeInto(t, bob.next(EvtMessageDeleted).Data, &unified)
	if unified.ConversationID != convA.ID {
		t.Errorf("deletion conversation = %d, want %d", unified.ConversationID, convA.ID)
	}
	if len(unified.DeletedMessageIDs) != 1 || unified.DeletedMessageIDs[0] != acked.ID {
		t.Errorf("deleted ids = %v, want [%d]", unified.DeletedMessageIDs, acked.ID)
	}
}

func TestReadRefusesForeignConversationID(t *testing.T) {
	h, st := newTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	users := seedHubUsers(t, st, 3)
	ctx := context.Background()
	convA, _, err := st.CreateOrGetConversation(ctx, users[0], users[1])
	if err != nil {
		t.Fatalf("CreateOrGetConversation() error = %v", err)
	}
	convB, _, err := st.CreateOrGetConversation(ctx, users[0], users[2])
	if err != nil {
		t.Fatalf("CreateOrGetConversation() error = %v", err)
	}

	alice := dialSession(t, srv, users[0])
	bob := dialSession(t, srv, users[1])
	alice.join(convA.ID, users[0])

	alice.send(1, CmdMessageSend, map[string]any{
		"conversationId": convA.ID, "type": "text", "content": "read me",
	})
	var acked service.MessageDTO
	decodeInto(t, alice.next(EvtAck).Data, &acked)

	bob.send(2, CmdMessageRead, readPayload{MessageIDs: []int64{acked.ID}, ConversationID: convB.ID})
	var errData ErrorData
	decodeInto(t, bob.next(EvtError).Data, &errData)
	if errData.Event != CmdMessageRead {
		t.Errorf("error event = %q, want %q", errData.Event, CmdMessageRead)
	}

	// Without the payload id the rows decide, and the status event
	// lands in the right room.
	bob.send(3, CmdMessageRead, readPayload{MessageIDs: []int64{acked.ID}})
	var us event.UnifiedStatus
	decodeInto(t, alice.next(EvtStatusUnified).Data, &us)
	if us.ConversationID != convA.ID {
		t.Errorf("status conversation = %d, want %d", us.ConversationID, convA.ID)
	}
	if len(us.Updates) != 1 || us.Updates[0].Status != store.StatusRead {
		t.Errorf("status updates = %+v, want one read transition", us.Updates)
	}
}

// Fan-out snapshots room members and then enqueues lock-free; teardown
// must never leave a closed channel where an emitter can still reach it.
func TestEmitRacesTeardownSafely(t *testing.T) {
	h := &Hub{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
	}

	const members = 32
	sessions := make([]*Session, 0, members)
	for i := 0; i < members; i++ {
		s := &Session{ID: fmt.Sprintf("s%d", i), send: make(chan []byte, 4096)}
		sessions = append(sessions, s)
		h.joinRoom(conversationRoom(1), s)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				h.emitRooms([]string{conversationRoom(1)}, Frame{Event: EvtTypingStart}, "")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, s := range sessions {
			h.leaveRoom(conversationRoom(1), s)
			s.closeSend()
		}
	}()
	wg.Wait()

	// Enqueue on a torn-down session reports delivered-and-dropped, so
	// emitters never force-drop it a second time.
	if !sessions[0].enqueue([]byte("{}")) {
		t.Error("enqueue() on closed session = false, want silent drop")
	}
	// closeSend is idempotent.
	sessions[0].closeSend()
}

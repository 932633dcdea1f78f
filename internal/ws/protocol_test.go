package ws

import (
	"encoding/json"
	"testing"
)

func TestCommandUnmarshal(t *testing.T) {
	raw := `{"id":3,"event":"message.send","data":{"conversationId":5,"type":"text","content":"hi"}}`

	var cmd Command
	if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if cmd.ID != 3 || cmd.Event != CmdMessageSend {
		t.Errorf("cmd = %+v", cmd)
	}

	var p sendPayload
	if err := json.Unmarshal(cmd.Data, &p); err != nil {
		t.Fatalf("payload unmarshal error = %v", err)
	}
	if p.ConversationID != 5 || p.Type != "text" || p.Content != "hi" {
		t.Errorf("payload = %+v", p)
	}
}

func TestReadPayloadIDs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []int64
	}{
		{name: "plural", raw: `{"messageIds":[1,2,3]}`, want: []int64{1, 2, 3}},
		{name: "singular", raw: `{"messageId":7}`, want: []int64{7}},
		{name: "both merge", raw: `{"messageIds":[1],"messageId":7}`, want: []int64{1, 7}},
		{name: "empty", raw: `{}`, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p readPayload
			if err := json.Unmarshal([]byte(tt.raw), &p); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			got := p.ids()
			if len(got) != len(tt.want) {
				t.Fatalf("ids() = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("ids() = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestFrameOmitsEmptyID(t *testing.T) {
	b, err := json.Marshal(Frame{Event: EvtTypingStart, Data: TypingData{ConversationID: 5, UserID: 2}})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if _, ok := m["id"]; ok {
		t.Errorf("broadcast frame carries id: %s", b)
	}
	if m["event"] != EvtTypingStart {
		t.Errorf("event = %v", m["event"])
	}
}

func TestConversationRoomName(t *testing.T) {
	if got := conversationRoom(42); got != "conversation:42" {
		t.Errorf("conversationRoom(42) = %q", got)
	}
}

func TestRoomMembership(t *testing.T) {
	h := &Hub{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
	}
	s1 := &Session{ID: "s1", UserID: 1, send: make(chan []byte, 4)}
	s2 := &Session{ID: "s2", UserID: 2, send: make(chan []byte, 4)}

	h.joinRoom(conversationRoom(5), s1)
	h.joinRoom(conversationRoom(5), s2)
	h.joinRoom(GlobalRoom, s1)
	h.joinRoom(GlobalRoom, s2)

	// Overlapping rooms deliver once per session.
	h.emitRooms([]string{conversationRoom(5), GlobalRoom}, Frame{Event: EvtMessageUnified}, "")
	if n := len(s1.send); n != 1 {
		t.Errorf("s1 received %d frames, want 1", n)
	}
	if n := len(s2.send); n != 1 {
		t.Errorf("s2 received %d frames, want 1", n)
	}

	// Exclusion skips the originating session.
	h.emitRooms([]string{conversationRoom(5)}, Frame{Event: EvtTypingStart}, "s1")
	if n := len(s1.send); n != 1 {
		t.Errorf("s1 received excluded frame, buffer = %d", n)
	}
	if n := len(s2.send); n != 2 {
		t.Errorf("s2 received %d frames, want 2", n)
	}

	// Leaving a room stops delivery there; the global room still works.
	h.leaveRoom(conversationRoom(5), s2)
	h.emitRooms([]string{conversationRoom(5)}, Frame{Event: EvtTypingStop}, "")
	if n := len(s2.send); n != 2 {
		t.Errorf("s2 received frame after leaving, buffer = %d", n)
	}

	if _, ok := h.rooms[conversationRoom(5)]; !ok {
		t.Error("room with one remaining member was removed")
	}
	h.leaveRoom(conversationRoom(5), s1)
	if _, ok := h.rooms[conversationRoom(5)]; ok {
		t.Error("empty room not removed")
	}
}

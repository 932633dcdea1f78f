package cursor

import (
	"testing"
	"time"
)

func TestEncodeDecodeMessage(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		wantID int64
		wantOK bool
	}{
		{name: "valid id", input: "42", wantID: 42, wantOK: true},
		{name: "large id", input: "9223372036854775807", wantID: 9223372036854775807, wantOK: true},
		{name: "empty", input: "", wantID: 0, wantOK: false},
		{name: "zero", input: "0", wantID: 0, wantOK: false},
		{name: "negative", input: "-5", wantID: 0, wantOK: false},
		{name: "not a number", input: "abc", wantID: 0, wantOK: false},
		{name: "trailing garbage", input: "42x", wantID: 0, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := DecodeMessage(tt.input)
			if id != tt.wantID || ok != tt.wantOK {
				t.Errorf("DecodeMessage(%q) = (%d, %v), want (%d, %v)", tt.input, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}

	if got := EncodeMessage(42); got != "42" {
		t.Errorf("EncodeMessage(42) = %q, want %q", got, "42")
	}
}

func TestConversationRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		cursor Conversation
	}{
		{
			name:   "second precision",
			cursor: Conversation{UpdatedAt: time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC), ID: 7},
		},
		{
			name:   "nanosecond precision",
			cursor: Conversation{UpdatedAt: time.Date(2025, 3, 14, 9, 26, 53, 589793238, time.UTC), ID: 7},
		},
		{
			name:   "non-utc location normalizes",
			cursor: Conversation{UpdatedAt: time.Date(2025, 3, 14, 9, 26, 53, 0, time.FixedZone("X", 3600)), ID: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := EncodeConversation(tt.cursor)
			if s == "" {
				t.Fatal("EncodeConversation() returned empty string")
			}
			got, ok := DecodeConversation(s)
			if !ok {
				t.Fatalf("DecodeConversation(%q) failed", s)
			}
			if !got.UpdatedAt.Equal(tt.cursor.UpdatedAt) || got.ID != tt.cursor.ID {
				t.Errorf("round trip = %+v, want %+v", got, tt.cursor)
			}
		})
	}
}

func TestEncodeConversationZeroValue(t *testing.T) {
	if got := EncodeConversation(Conversation{}); got != "" {
		t.Errorf("EncodeConversation(zero) = %q, want empty", got)
	}
}

func TestDecodeConversationInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "no separator", input: "2025-03-14T09%3A26%3A53Z"},
		{name: "missing id", input: "2025-03-14T09%3A26%3A53Z_"},
		{name: "missing timestamp", input: "_7"},
		{name: "bad timestamp", input: "not-a-time_7"},
		{name: "bad id", input: "2025-03-14T09%3A26%3A53Z_x"},
		{name: "zero id", input: "2025-03-14T09%3A26%3A53Z_0"},
		{name: "bad escape", input: "%zz_7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DecodeConversation(tt.input)
			if ok {
				t.Errorf("DecodeConversation(%q) = %+v, want failure", tt.input, got)
			}
		})
	}
}

func TestConversationLess(t *testing.T) {
	earlier := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Hour)

	tests := []struct {
		name string
		a, b Conversation
		want bool
	}{
		{name: "earlier time", a: Conversation{UpdatedAt: earlier, ID: 9}, b: Conversation{UpdatedAt: later, ID: 1}, want: true},
		{name: "later time", a: Conversation{UpdatedAt: later, ID: 1}, b: Conversation{UpdatedAt: earlier, ID: 9}, want: false},
		{name: "same time smaller id", a: Conversation{UpdatedAt: earlier, ID: 1}, b: Conversation{UpdatedAt: earlier, ID: 2}, want: true},
		{name: "same time same id", a: Conversation{UpdatedAt: earlier, ID: 1}, b: Conversation{UpdatedAt: earlier, ID: 1}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Less(tt.b); got != tt.want {
				t.Errorf("Less() = %v, want %v", got, tt.want)
			}
		})
	}
}

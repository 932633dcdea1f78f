package cursor

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Message cursors are the decimal message id. "before" means
// "older than this id"; monotonic ids make paging gap-free.

// EncodeMessage creates a message cursor string.
func EncodeMessage(id int64) string {
	return strconv.FormatInt(id, 10)
}

// DecodeMessage parses a message cursor.
// Returns 0 and false if invalid or empty.
func DecodeMessage(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Conversation is a position in the conversation list, ordered by
// (updatedAt DESC, id DESC).
// Format: urlencode(<updatedAt RFC3339Nano>) + "_" + <id>
// Stable across processes given the same store contents.
type Conversation struct {
	UpdatedAt time.Time
	ID        int64
}

// EncodeConversation creates a conversation cursor string.
// Returns empty string for the zero-value cursor.
func EncodeConversation(c Conversation) string {
	if c.UpdatedAt.IsZero() && c.ID == 0 {
		return ""
	}
	ts := c.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return url.QueryEscape(ts) + "_" + strconv.FormatInt(c.ID, 10)
}

// DecodeConversation parses a conversation cursor.
// Returns zero-value cursor and false if invalid or empty.
func DecodeConversation(s string) (Conversation, bool) {
	if s == "" {
		return Conversation{}, false
	}

	// The id follows the last underscore; the escaped timestamp may not
	// contain one, but split from the right anyway.
	i := strings.LastIndex(s, "_")
	if i < 1 || i == len(s)-1 {
		return Conversation{}, false
	}

	rawTs, err := url.QueryUnescape(s[:i])
	if err != nil {
		return Conversation{}, false
	}

	ts, err := time.Parse(time.RFC3339Nano, rawTs)
	if err != nil {
		return Conversation{}, false
	}

	id, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil || id <= 0 {
		return Conversation{}, false
	}

	return Conversation{UpdatedAt: ts, ID: id}, true
}

// Less reports whether c orders strictly before other under the
// (updatedAt, id) composite ordering.
func (c Conversation) Less(other Conversation) bool {
	if !c.UpdatedAt.Equal(other.UpdatedAt) {
		return c.UpdatedAt.Before(other.UpdatedAt)
	}
	return c.ID < other.ID
}

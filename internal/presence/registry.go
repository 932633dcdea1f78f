package presence

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTypingWindow is the minimum gap between forwarded
// typing.start events per (conversation, user).
const DefaultTypingWindow = time.Second

type typingKey struct {
	conversationID int64
	userID         int64
}

// Registry is the process-local presence and session bookkeeping:
// user -> sessions, session -> joined conversations, and
// conversation -> active viewers. Nothing in here is authoritative; a
// restart rebuilds it as sessions reconnect.
//
// All operations are short critical sections; the lock is never held
// across a persistence call or an emission.
type Registry struct {
	mu sync.Mutex

	// userID -> live session ids
	userSessions map[int64]map[string]struct{}
	// sessionID -> joined conversation ids
	sessionConvs map[string]map[int64]struct{}
	// conversationID -> userID -> count of that user's joined sessions
	viewers map[int64]map[int64]int

	typing       map[typingKey]*rate.Limiter
	typingWindow time.Duration
}

// New creates a Registry with the given typing throttle window.
func New(typingWindow time.Duration) *Registry {
	if typingWindow <= 0 {
		typingWindow = DefaultTypingWindow
	}
	return &Registry{
		userSessions: make(map[int64]map[string]struct{}),
		sessionConvs: make(map[string]map[int64]struct{}),
		viewers:      make(map[int64]map[int64]int),
		typing:       make(map[typingKey]*rate.Limiter),
		typingWindow: typingWindow,
	}
}

// Attach registers a session for the user.
// Reports whether this is the user's first live session.
func (r *Registry) Attach(userID int64, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.userSessions[userID]
	if !ok {
		sessions = make(map[string]struct{})
		r.userSessions[userID] = sessions
	}
	sessions[sessionID] = struct{}{}
	r.sessionConvs[sessionID] = make(map[int64]struct{})
	return len(sessions) == 1
}

// Detach removes a session and its joined conversations.
// Returns whether the user went offline and the conversations the user
// stopped viewing because this was their last joined session there.
// Typing throttle state for the user is purged once offline.
func (r *Registry) Detach(userID int64, sessionID string) (offline bool, left []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for convID := range r.sessionConvs[sessionID] {
		if r.dropViewerLocked(convID, userID) {
			left = append(left, convID)
		}
	}
	delete(r.sessionConvs, sessionID)

	if sessions, ok := r.userSessions[userID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(r.userSessions, userID)
			offline = true
		}
	}

	if offline {
		for key := range r.typing {
			if key.userID == userID {
				delete(r.typing, key)
			}
		}
	}
	return offline, left
}

// Join marks the session as viewing the conversation.
// Reports whether the user became a viewer (first of their sessions).
func (r *Registry) Join(sessionID string, userID, conversationID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	convs, ok := r.sessionConvs[sessionID]
	if !ok {
		return false
	}
	if _, joined := convs[conversationID]; joined {
		return false
	}
	convs[conversationID] = struct{}{}

	users, ok := r.viewers[conversationID]
	if !ok {
		users = make(map[int64]int)
		r.viewers[conversationID] = users
	}
	users[userID]++
	return users[userID] == 1
}

// Leave removes the session's view of the conversation.
// Reports whether the user stopped viewing it entirely.
func (r *Registry) Leave(sessionID string, userID, conversationID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	convs, ok := r.sessionConvs[sessionID]
	if !ok {
		return false
	}
	if _, joined := convs[conversationID]; !joined {
		return false
	}
	delete(convs, conversationID)
	return r.dropViewerLocked(conversationID, userID)
}

// dropViewerLocked decrements the user's joined-session count for the
// conversation. Reports whether the user is no longer a viewer.
func (r *Registry) dropViewerLocked(conversationID, userID int64) bool {
	users, ok := r.viewers[conversationID]
	if !ok {
		return false
	}
	if users[userID] <= 1 {
		delete(users, userID)
		if len(users) == 0 {
			delete(r.viewers, conversationID)
		}
		return true
	}
	users[userID]--
	return false
}

// Viewers returns the users currently viewing the conversation.
func (r *Registry) Viewers(conversationID int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := r.viewers[conversationID]
	out := make([]int64, 0, len(users))
	for userID := range users {
		out = append(out, userID)
	}
	return out
}

// IsViewing reports whether any of the user's sessions has the
// conversation joined.
func (r *Registry) IsViewing(conversationID, userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewers[conversationID][userID] > 0
}

// IsOnline reports whether the user has any live session.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.userSessions[userID]) > 0
}

// AllowTyping reports whether a typing.start for (conversation, user)
// may be forwarded now. At most one emission passes per window.
func (r *Registry) AllowTyping(conversationID, userID int64) bool {
	r.mu.Lock()
	key := typingKey{conversationID: conversationID, userID: userID}
	limiter, ok := r.typing[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(r.typingWindow), 1)
		r.typing[key] = limiter
	}
	r.mu.Unlock()

	return limiter.Allow()
}

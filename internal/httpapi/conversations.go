package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/duochat/duochat/internal/apperr"
	"github.com/duochat/duochat/internal/auth"
	"github.com/duochat/duochat/internal/service"
)

// ListConversations returns a page of the caller's conversations,
// newest activity first. before/after are opaque composite cursors and
// are mutually exclusive.
func (s *Server) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"), 20, service.MaxConversationPageSize)

	page, err := s.Conversations.List(r.Context(), userID, q.Get("before"), q.Get("after"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetConversation returns one conversation the caller participates in.
func (s *Server) GetConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	conversationID, ok := pathID(r, "conversationID")
	if !ok {
		writeError(w, apperr.Validation("invalid conversation id"))
		return
	}

	conv, err := s.Conversations.Get(r.Context(), conversationID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type createConversationRequest struct {
	ParticipantID int64 `json:"participantId"`
}

// CreateConversation finds or creates the 1:1 conversation between the
// caller and the given participant. Returns 200 in both cases; the
// pair's conversation is unique so repeated calls converge.
func (s *Server) CreateConversation(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}

	conv, err := s.Conversations.CreateOrGet1to1(r.Context(), userID, req.ParticipantID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

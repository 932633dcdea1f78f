package httpapi

import (
	"net/http"

	"github.com/duochat/duochat/internal/apperr"
	"github.com/duochat/duochat/internal/auth"
	"github.com/duochat/duochat/internal/service"
)

// ListMessages returns a newest-first page of a conversation's
// messages. before is an opaque cursor; the first page omits it.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	conversationID, ok := pathID(r, "conversationID")
	if !ok {
		writeError(w, apperr.Validation("invalid conversation id"))
		return
	}

	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"), 50, service.MaxPageSize)

	page, err := s.Messages.Paginate(r.Context(), conversationID, userID, q.Get("before"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// SearchMessages matches message content case-insensitively within one
// conversation, newest first.
func (s *Server) SearchMessages(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	conversationID, ok := pathID(r, "conversationID")
	if !ok {
		writeError(w, apperr.Validation("invalid conversation id"))
		return
	}

	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"), service.MaxSearchResults, service.MaxSearchResults)

	results, err := s.Messages.Search(r.Context(), conversationID, userID, q.Get("q"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": results})
}

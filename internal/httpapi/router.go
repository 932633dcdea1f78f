package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/duochat/duochat/internal/apperr"
	"github.com/duochat/duochat/internal/auth"
	"github.com/duochat/duochat/internal/service"
	"github.com/duochat/duochat/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// Server holds dependencies for HTTP handlers. The REST surface here
// is the pagination contract shared with sibling services; everything
// real-time goes through the hub.
type Server struct {
	Messages      *service.MessageService
	Conversations *service.ConversationService
	Hub           *ws.Hub
	Verifier      *auth.Verifier
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// writeError maps an application error onto an HTTP status with a
// client-safe message.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		code = http.StatusBadRequest
	case apperr.KindForbidden:
		code = http.StatusForbidden
	case apperr.KindNotFound:
		code = http.StatusNotFound
	case apperr.KindTransient:
		code = http.StatusServiceUnavailable
	case apperr.KindAuthFailed:
		code = http.StatusUnauthorized
	default:
		log.Error().Err(err).Msg("internal error")
	}
	writeJSON(w, code, map[string]string{"error": apperr.Message(err)})
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// pathID parses an integer URL parameter.
func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// Routes creates the HTTP router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		w.Write([]byte("ok"))
	})

	// Websocket handshake; auth happens inside the hub because browser
	// clients pass the token as a query parameter.
	r.Get("/ws", s.Hub.ServeWS)

	// Pagination surface for sibling services and the inbox view.
	r.Group(func(r chi.Router) {
		r.Use(s.Verifier.Middleware())

		r.Get("/v1/conversations", s.ListConversations)
		r.Post("/v1/conversations", s.CreateConversation)
		r.Get("/v1/conversations/{conversationID}", s.GetConversation)
		r.Get("/v1/conversations/{conversationID}/messages", s.ListMessages)
		r.Get("/v1/conversations/{conversationID}/messages/search", s.SearchMessages)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

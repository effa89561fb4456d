package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/example/flexpress-matching/internal/api"
	"github.com/example/flexpress-matching/internal/inflight"
	"github.com/example/flexpress-matching/internal/lifecycle"
	"github.com/example/flexpress-matching/internal/models"
	"github.com/example/flexpress-matching/internal/session"
	"github.com/example/flexpress-matching/internal/storage"
)

// Server is the local surface a UI drives the session through.
type Server struct {
	agent   *session.Agent
	journal storage.Journal
	logger  *slog.Logger
	views   *ViewHub
	mux     *mux.Router

	upgrader       websocket.Upgrader
	allowedOrigins []string
}

func NewServer(agent *session.Agent, journal storage.Journal, logger *slog.Logger) *Server {
	s := &Server{agent: agent, journal: journal, logger: logger, views: NewViewHub(logger), mux: mux.NewRouter()}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	agent.SubscribeViews(s.views.Broadcast)
	s.routes()
	s.registerMiddleware()
	return s
}

// Handler wraps the router with CORS for the given origins.
// The same origins gate the /ws/views upgrade.
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	s.allowedOrigins = allowedOrigins
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
	})
	return c.Handler(s)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/views", s.handleViewsWS)

	v1 := s.mux.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/session/token", s.handleSetToken).Methods("PUT")
	v1.HandleFunc("/notices", s.handleNotices).Methods("GET")

	v1.HandleFunc("/matches", s.handleListViews).Methods("GET")
	v1.HandleFunc("/matches", s.handleCreateMatch).Methods("POST")
	v1.HandleFunc("/matches/{id}/view", s.handleView).Methods("GET")
	v1.HandleFunc("/matches/{id}/transitions", s.handleTransitions).Methods("GET")
	v1.HandleFunc("/matches/{id}/select", s.handleSelect).Methods("POST")
	v1.HandleFunc("/matches/{id}/respond", s.handleRespond).Methods("POST")
	v1.HandleFunc("/matches/{id}/cancel", s.handleCancelMatch).Methods("POST")
	v1.HandleFunc("/matches/{id}/trip", s.handleConfirmTrip).Methods("POST")
	v1.HandleFunc("/matches/{id}/conversation", s.handleEnsureConversation).Methods("POST")

	v1.HandleFunc("/trips/{id}", s.handleTrip).Methods("GET")
	v1.HandleFunc("/trips/{id}/charter-complete", s.handleCharterComplete).Methods("POST")
	v1.HandleFunc("/trips/{id}/confirm", s.handleConfirmCompletion).Methods("POST")
	v1.HandleFunc("/trips/{id}/cancel", s.handleCancelTrip).Methods("POST")
	v1.HandleFunc("/trips/{id}/report", s.handleReport).Methods("POST")
	v1.HandleFunc("/trips/{id}/feedback", s.handleFeedback).Methods("POST")

	v1.HandleFunc("/conversations/{id}/messages", s.handleMessages).Methods("GET")
	v1.HandleFunc("/conversations/{id}/messages", s.handleSend).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleSetToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &body) {
		return
	}
	s.agent.Tokens.Set(body.Token)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Notices.Recent())
}

func (s *Server) handleListViews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agent.Views())
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if v, ok := s.agent.View(id); ok {
		writeJSON(w, http.StatusOK, v)
		return
	}
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	if _, err := s.agent.Repo.Refetch(ctx, id); err != nil {
		s.fail(w, r, "get match", id, err)
		return
	}
	v, _ := s.agent.View(id)
	writeJSON(w, http.StatusOK, v)
}

// handleTransitions lists the status changes observed for a match, newest
// first.
func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}
	ts, err := s.journal.Recent(r.Context(), "match", id, limit)
	if err != nil {
		s.logger.Error("journal read failed", "match_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "journal unavailable", Kind: string(api.KindTransport)})
		return
	}
	if ts == nil {
		ts = []models.Transition{}
	}
	writeJSON(w, http.StatusOK, ts)
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	var req models.CreateMatchRequest
	if !decode(w, r, &req) {
		return
	}
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	res, err := s.agent.Matching.CreateMatch(ctx, req)
	if err != nil {
		s.fail(w, r, "create match", "", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		CharterID string `json:"charterId"`
	}
	if !decode(w, r, &body) {
		return
	}
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	if _, err := s.agent.Matching.SelectCharter(ctx, id, body.CharterID); err != nil {
		s.fail(w, r, "select charter", id, err)
		return
	}
	s.writeView(w, id)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Accept *bool `json:"accept"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Accept == nil {
		s.fail(w, r, "respond to match", id, api.Invalid("respond to match", "accept is required"))
		return
	}
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	if _, err := s.agent.Matching.Respond(ctx, id, *body.Accept); err != nil {
		s.fail(w, r, "respond to match", id, err)
		return
	}
	s.writeView(w, id)
}

func (s *Server) handleCancelMatch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	if _, err := s.agent.Matching.CancelMatch(ctx, id); err != nil {
		s.fail(w, r, "cancel match", id, err)
		return
	}
	s.writeView(w, id)
}

func (s *Server) handleConfirmTrip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	trip, err := s.agent.Completion.ConfirmTrip(ctx, id, s.agent.Credits())
	if err != nil {
		s.fail(w, r, "confirm trip", id, err)
		return
	}
	if err := s.agent.RefreshCredits(ctx); err != nil {
		s.logger.Warn("credit refresh after trip failed", "match_id", id, "error", err)
	}
	writeJSON(w, http.StatusCreated, trip)
}

func (s *Server) handleEnsureConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	convID, err := s.agent.Conversations.Ensure(ctx, id)
	if err != nil {
		s.fail(w, r, "ensure conversation", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversationId": convID})
}

func (s *Server) handleTrip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	trip, err := s.agent.Repo.RefetchTrip(ctx, id)
	if err != nil {
		if cached, ok := s.agent.Repo.Trip(id); ok {
			s.logger.Warn("trip refetch failed, serving cached copy", "trip_id", id, "error", err)
			writeJSON(w, http.StatusOK, cached)
			return
		}
		s.fail(w, r, "get trip", "", err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleCharterComplete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	trip, err := s.agent.Completion.CharterComplete(ctx, id)
	if err != nil {
		s.fail(w, r, "charter complete", "", err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleConfirmCompletion(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	out, err := s.agent.Completion.ConfirmCompletion(ctx, id)
	if err != nil {
		s.fail(w, r, "confirm completion", "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip": out.Trip, "openFeedback": out.OpenFeedback})
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	trip, err := s.agent.Completion.CancelTrip(ctx, id)
	if err != nil {
		s.fail(w, r, "cancel trip", "", err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &body) {
		return
	}
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	if err := s.agent.Completion.ReportProblem(ctx, id, body.Reason); err != nil {
		s.fail(w, r, "report problem", "", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body models.Feedback
	if !decode(w, r, &body) {
		return
	}
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	if err := s.agent.Completion.SubmitFeedback(ctx, id, body.Rating, body.Comment); err != nil {
		s.fail(w, r, "submit feedback", "", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	msgs, err := s.agent.Conversations.Messages(ctx, id)
	if err != nil {
		// serve the cached page and surface the failure as a notice
		s.agent.Notices.Report("list messages", "", err)
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"messages": msgs,
		"typing":   s.agent.Conversations.Typing().Who(id),
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Content string `json:"content"`
	}
	if !decode(w, r, &body) {
		return
	}
	ctx, cancel := s.agent.RequestContext(r.Context())
	defer cancel()
	msg, err := s.agent.Conversations.Send(ctx, id, body.Content)
	if err != nil {
		s.fail(w, r, "send message", "", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) writeView(w http.ResponseWriter, matchID string) {
	v, ok := s.agent.View(matchID)
	if !ok {
		v = lifecycle.View{MatchID: matchID}
	}
	writeJSON(w, http.StatusOK, v)
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// fail records a notice and answers with the status for the error's kind.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op, matchID string, err error) {
	s.agent.Notices.Report(op, matchID, err)
	if errors.Is(err, inflight.ErrInFlight) {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: err.Error(), Kind: "in_flight"})
		return
	}
	kind := api.KindOf(err)
	writeJSON(w, statusForKind(kind), errorResponse{Error: err.Error(), Kind: string(kind)})
}

func statusForKind(k api.Kind) int {
	switch k {
	case api.KindValidation:
		return http.StatusBadRequest
	case api.KindConflict:
		return http.StatusConflict
	case api.KindBusiness:
		return http.StatusUnprocessableEntity
	case api.KindNotFound:
		return http.StatusNotFound
	case api.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Kind: string(api.KindValidation)})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

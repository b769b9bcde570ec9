package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/critterchat/critterchat/internal/config"
	"github.com/critterchat/critterchat/internal/conversation"
	"github.com/critterchat/critterchat/internal/engine"
	"github.com/critterchat/critterchat/internal/llm"
	"github.com/critterchat/critterchat/internal/observability"
	"github.com/critterchat/critterchat/internal/persona"
	"github.com/critterchat/critterchat/internal/protocol"
	"github.com/critterchat/critterchat/internal/rules"
)

// Engine is the turn pipeline surface the transport needs.
type Engine interface {
	StartSession(ctx context.Context, personaID string) (conversation.Session, persona.Persona, error)
	Session(ctx context.Context, sessionID string) (conversation.Session, error)
	PostTurn(ctx context.Context, sessionID, message string) (engine.TurnResult, error)
	PostTurnStream(ctx context.Context, sessionID, message string, onDelta llm.DeltaHandler) (engine.TurnResult, error)
}

type Server struct {
	cfg       config.Config
	engine    Engine
	ruleStore rules.Store
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, eng Engine, ruleStore rules.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		engine:    eng,
		ruleStore: ruleStore,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers by default; other sites must not be
				// able to drive a visitor's chat session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/debug/turn-stats", s.handleTurnStats)

	r.Get("/v1/personas", s.handleListPersonas)
	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/turns", s.handlePostTurn)
	r.Get("/v1/sessions/{id}/stream", s.handleSessionWS)

	r.Get("/v1/rules", s.handleListRules)
	r.Put("/v1/rules/{id}", s.handlePutRule)
	r.Delete("/v1/rules/{id}", s.handleDeactivateRule)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// The rule store backs every turn; if it is unreachable we still serve
	// chat (with the fallback prompt) but report not-ready so orchestration
	// can react.
	if _, err := s.ruleStore.List(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "rules_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleTurnStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.StageSnapshot())
}

func (s *Server) handleListPersonas(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"personas": persona.All()})
}

type createSessionRequest struct {
	PersonaID string `json:"persona_id"`
}

type createSessionResponse struct {
	SessionID string    `json:"session_id"`
	PersonaID string    `json:"persona_id"`
	Greeting  string    `json:"greeting"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, char, err := s.engine.StartSession(r.Context(), req.PersonaID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID,
		PersonaID: sess.PersonaID,
		Greeting:  char.Greeting,
		CreatedAt: sess.CreatedAt,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.Session(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, conversation.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "session_lookup_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type postTurnRequest struct {
	Message string `json:"message"`
}

type turnResponse struct {
	SessionID  string   `json:"session_id"`
	Seq        int      `json:"seq"`
	Reply      string   `json:"reply"`
	Blocked    bool     `json:"blocked"`
	Verdict    string   `json:"verdict,omitempty"`
	RiskScore  float64  `json:"risk_score,omitempty"`
	Categories []string `json:"categories,omitempty"`
	Incomplete bool     `json:"incomplete,omitempty"`
}

func (s *Server) handlePostTurn(w http.ResponseWriter, r *http.Request) {
	var req postTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		respondError(w, http.StatusBadRequest, "empty_message", "message is required")
		return
	}

	res, err := s.engine.PostTurn(r.Context(), chi.URLParam(r, "id"), req.Message)
	if err != nil {
		if errors.Is(err, conversation.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "turn_failed", err.Error())
		return
	}

	// A blocked turn is a normal outcome, not an HTTP error: the visitor
	// gets the redirect as the reply.
	respondJSON(w, http.StatusOK, turnResponse{
		SessionID:  res.SessionID,
		Seq:        res.Seq,
		Reply:      res.Reply,
		Blocked:    res.Blocked,
		Verdict:    string(res.Verdict),
		RiskScore:  res.RiskScore,
		Categories: res.Categories,
		Incomplete: res.Incomplete,
	})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if _, err := s.engine.Session(r.Context(), sessionID); err != nil {
		if errors.Is(err, conversation.ErrSessionNotFound) {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "session_lookup_failed", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx := r.Context()
	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	// Turns run synchronously in the read loop, which also gives this
	// connection exactly one writer.
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.writeWS(conn, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			})
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeClientMessage)).Inc()

		s.serveTurn(ctx, conn, sessionID, msg.Text)
	}
}

func (s *Server) serveTurn(ctx context.Context, conn *websocket.Conn, sessionID, text string) {
	started := time.Now()
	firstDelta := true

	res, err := s.engine.PostTurnStream(ctx, sessionID, text, func(delta string) error {
		if firstDelta {
			firstDelta = false
			s.metrics.ObserveFirstDeltaLatency(time.Since(started))
		}
		return s.writeWS(conn, protocol.AssistantDelta{
			Type:      protocol.TypeAssistantDelta,
			SessionID: sessionID,
			TextDelta: delta,
		})
	})
	if err != nil {
		s.writeWS(conn, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "turn_failed",
			Retryable: true,
			Detail:    err.Error(),
		})
		return
	}

	if res.Blocked {
		// The client discards any streamed deltas and shows the redirect.
		s.writeWS(conn, protocol.TurnBlocked{
			Type:       protocol.TypeTurnBlocked,
			SessionID:  sessionID,
			Seq:        res.Seq,
			Redirect:   res.Reply,
			Categories: res.Categories,
		})
		return
	}
	s.writeWS(conn, protocol.AssistantDone{
		Type:       protocol.TypeAssistantDone,
		SessionID:  sessionID,
		Seq:        res.Seq,
		Text:       res.Reply,
		Incomplete: res.Incomplete,
	})
}

func (s *Server) writeWS(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}
	if t, ok := messageTypeOf(msg); ok {
		s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
	}
	return nil
}

type putRuleRequest struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Category string `json:"category"`
	Priority int    `json:"priority"`
	Active   *bool  `json:"active"`
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.ruleStore.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "rules_list_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"rules": list})
}

func (s *Server) handlePutRule(w http.ResponseWriter, r *http.Request) {
	var req putRuleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	rule := rules.Rule{
		ID:        chi.URLParam(r, "id"),
		Type:      rules.Type(strings.ToUpper(strings.TrimSpace(req.Type))),
		Text:      strings.TrimSpace(req.Text),
		Category:  strings.TrimSpace(req.Category),
		Priority:  req.Priority,
		Active:    true,
		UpdatedAt: time.Now().UTC(),
	}
	if req.Active != nil {
		rule.Active = *req.Active
	}
	if !rule.Valid() {
		respondError(w, http.StatusBadRequest, "invalid_rule", "rule failed validation")
		return
	}
	if err := s.ruleStore.Put(r.Context(), rule); err != nil {
		respondError(w, http.StatusInternalServerError, "rule_put_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeactivateRule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.ruleStore.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, rules.ErrNotFound) {
			respondError(w, http.StatusNotFound, "rule_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "rule_deactivate_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"id": id, "active": false})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientMessage:
		return m.Type, true
	case protocol.AssistantDelta:
		return m.Type, true
	case protocol.AssistantDone:
		return m.Type, true
	case protocol.TurnBlocked:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

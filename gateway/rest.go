package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/promoterlink/linkchat/model"
)

// Server bundles the websocket hub with the REST endpoints the app's rest
// client consumes.
type Server struct {
	hub   *Hub
	store IHistoryStore
}

func NewServer(hub *Hub, store IHistoryStore) *Server {
	return &Server{hub: hub, store: store}
}

// Routes builds the full gateway router: REST plus the /ws upgrade.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/api/collection/users/{userId}", s.handleRoster)
	r.Get("/api/messages/conversation/{userId}/{peerId}", s.handleConversation)
	r.Post("/api/messages/read", s.handleMarkRead)
	r.Post("/api/collection/renew", s.handleRenew)
	r.Post("/api/messages", s.handleSendMessage)
	r.Get("/api/users/{userId}", s.handleProfile)
	r.Handle("/ws", s.hub)

	return r
}

func (s *Server) handleRoster(w http.ResponseWriter, r *http.Request) {
	userId := chi.URLParam(r, "userId")
	entries, err := s.store.Roster(r.Context(), userId)
	if err != nil {
		glog.Errorf("handleRoster(): user: %s, err: %v", userId, err)
		http.Error(w, "roster error", http.StatusInternalServerError)
		return
	}

	// Liveness is hub state, not storage state.
	for _, e := range entries {
		e.User.IsOnline = s.hub.IsOnline(e.User.Id)
	}

	writeJSON(w, map[string]interface{}{"collections": entries})
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	userId := chi.URLParam(r, "userId")
	peerId := chi.URLParam(r, "peerId")

	msgs, err := s.store.Conversation(r.Context(), userId, peerId)
	if err != nil {
		glog.Errorf("handleConversation(): %s/%s, err: %v", userId, peerId, err)
		http.Error(w, "conversation error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	writeJSON(w, map[string]interface{}{"conversation": msgs})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sender   string `json:"sender"`
		Receiver string `json:"receiver"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Sender == "" || req.Receiver == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := s.store.MarkRead(r.Context(), req.Sender, req.Receiver); err != nil {
		glog.Errorf("handleMarkRead(): %s->%s, err: %v", req.Sender, req.Receiver, err)
		http.Error(w, "mark read error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserId       string `json:"userId"`
		TargetUserId string `json:"targetUserId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserId == "" || req.TargetUserId == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	expiry, err := s.store.Renew(r.Context(), req.UserId, req.TargetUserId)
	if err != nil {
		if errors.Is(err, model.ErrInsufficientBalance) {
			http.Error(w, "insufficient LinkCoins", http.StatusPaymentRequired)
			return
		}
		glog.Errorf("handleRenew(): %s/%s, err: %v", req.UserId, req.TargetUserId, err)
		http.Error(w, "renew error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{"conversationExpiry": expiry})
}

// handleSendMessage is the REST fallback of the socket send path. The
// receiver still gets the message pushed if a live session exists.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var msg model.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if msg.Sender == "" || msg.Receiver == "" {
		http.Error(w, "sender and receiver are required", http.StatusBadRequest)
		return
	}
	if err := model.ValidateContent(msg.Content); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg.ServerId = strings.ReplaceAll(uuid.New(), "-", "")
	msg.Delivery = model.DeliverySent
	msg.Read = model.StateUnread
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if err := s.store.SaveMessage(r.Context(), &msg); err != nil {
		glog.Errorf("handleSendMessage(): local_id: %s, err: %v", msg.LocalId, err)
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	s.hub.deliver(msg.Receiver, &msg)
	s.hub.publish(&msg)
	writeJSON(w, map[string]interface{}{"message": &msg})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	userId := chi.URLParam(r, "userId")
	user, err := s.store.Profile(r.Context(), userId)
	if err != nil {
		glog.Errorf("handleProfile(): user: %s, err: %v", userId, err)
		http.Error(w, "profile error", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]interface{}{"user": user})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("writeJSON(): %v", err)
	}
}

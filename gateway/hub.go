package gateway

import (
	"net"
	"net/http"
	"strings"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/promoterlink/linkchat/auth"
	"github.com/promoterlink/linkchat/model"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The gateway is a dev tool served behind localhost or a trusted proxy.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub manages and serves the live websocket sessions.
type Hub struct {
	authClient auth.Client
	store      IHistoryStore
	publisher  *Publisher // optional

	hstore *handlerStore
}

// NewHub creates a `Hub`. publisher may be nil.
func NewHub(authClient auth.Client, store IHistoryStore, publisher *Publisher) *Hub {
	return &Hub{
		authClient: authClient,
		store:      store,
		publisher:  publisher,
		hstore:     newHandlerStore(),
	}
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userId, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP
	// error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, user: %s, err: %s", userId, err)
		return
	}

	handler := &handler{
		hub:      h,
		sid:      strings.ReplaceAll(uuid.New(), "-", ""),
		userId:   userId,
		conn:     conn,
		dataChan: make(chan *sessionData, 16),
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(handler.sid)
		return nil
	})

	glog.V(5).Infof("session opened: %s, ip: %s", handler, getRemoteIP(r))
	h.hstore.add(handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

// Close shuts down every live session.
func (h *Hub) Close() {
	h.hstore.close()
}

// joined is called once per session after the join handshake. The first
// joined session of a user flips the user online for everyone else.
func (h *Hub) joined(userId string) {
	if h.hstore.joinedCount(userId) == 1 {
		h.broadcastPresence(userId, true)
	}
}

func (h *Hub) delHandler(sid string) {
	handler := h.hstore.get(sid)
	if !h.hstore.del(sid) {
		return
	}
	if handler != nil && handler.isJoined() && h.hstore.joinedCount(handler.userId) == 0 {
		h.broadcastPresence(handler.userId, false)
	}
}

// deliver pushes a receive_message frame to every joined session of the
// user. Offline users are skipped: they pick the message up from history.
func (h *Hub) deliver(userId string, msg *model.Message) {
	slice := h.hstore.getByUser(userId)
	if len(slice) == 0 {
		glog.V(5).Infof("deliver: user %s has no live session, server_id: %s", userId, msg.ServerId)
		return
	}
	for _, s := range slice {
		s.appendDataChan(&sessionData{frame: &model.ServerFrame{ReceiveMessage: msg.Clone()}})
	}
}

func (h *Hub) broadcastPresence(userId string, online bool) {
	glog.V(5).Infof("presence: user %s online=%v", userId, online)
	frame := &model.ServerFrame{Presence: &model.Presence{UserId: userId, Online: online}}

	h.hstore.RLock()
	handlers := make([]*handler, 0, len(h.hstore.handlers))
	for _, s := range h.hstore.handlers {
		handlers = append(handlers, s)
	}
	h.hstore.RUnlock()

	for _, s := range handlers {
		if s.userId == userId || !s.isJoined() {
			continue
		}
		s.appendDataChan(&sessionData{frame: frame})
	}
}

func (h *Hub) publish(msg *model.Message) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Publish(msg); err != nil {
		glog.Errorf("publish: server_id: %s, err: %v", msg.ServerId, err)
	}
}

// IsOnline reports whether the user has at least one joined session.
func (h *Hub) IsOnline(userId string) bool {
	return h.hstore.joinedCount(userId) > 0
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			slice := strings.Split(ips, ",")
			for _, x := range slice {
				if x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}

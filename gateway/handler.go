package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/promoterlink/linkchat/model"
)

type sessionError int

const (
	readError  sessionError = 1
	writeError sessionError = 2
	pingError  sessionError = 3
	badRequest sessionError = 4
	serverStop sessionError = 5
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096
)

// handler manages one active connection to an end user.
// Every new websocket connection creates a new session.
type handler struct {
	sync.Mutex

	hub *Hub

	sid    string
	userId string
	conn   *websocket.Conn

	dataChan chan *sessionData

	closing bool
	joined  bool
}

// sessionData is the data structure for `dataChan`.
type sessionData struct {
	err   sessionError
	frame *model.ServerFrame
}

func (h *handler) String() string {
	return fmt.Sprintf("sid: %s, user: %s", h.sid, h.userId)
}

func (h *handler) isJoined() bool {
	h.Lock()
	defer h.Unlock()
	return h.joined
}

func (h *handler) setJoined() {
	h.Lock()
	h.joined = true
	h.Unlock()
}

func (h *handler) close(cause sessionError) {
	h.Lock()
	if h.closing {
		h.Unlock()
		return
	}
	h.closing = true

	h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = h.conn.WriteMessage(websocket.CloseMessage, []byte{})
	h.conn.Close()

	close(h.dataChan)
	h.Unlock()

	if cause != serverStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		h.hub.delHandler(h.sid)
	}
}

func (h *handler) appendDataChan(v *sessionData) {
	h.Lock()
	defer h.Unlock()
	if !h.closing {
		h.dataChan <- v
	}
}

func sendServerFrame(conn *websocket.Conn, frame *model.ServerFrame) error {
	out, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h) }()

	h.conn.SetReadLimit(readLimit)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("recvLoop(): read error: %v", err)
			h.appendDataChan(&sessionData{err: readError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.appendDataChan(&sessionData{err: badRequest})
			return
		}

		req := model.ClientFrame{}
		if err := json.Unmarshal(msg, &req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.appendDataChan(&sessionData{err: badRequest})
			return
		}

		if v := req.Join; v != nil {
			h.handleJoin(v)
		} else if v := req.SendMessage; v != nil {
			h.handleSendMessage(v)
		} else {
			glog.Errorf("recvLoop(): unsupported request: %s", string(msg))
			h.appendDataChan(&sessionData{err: badRequest})
			return
		}
	}
}

// handleJoin completes the session handshake. The join user must match the
// authenticated user; a mismatch closes the session.
func (h *handler) handleJoin(req *model.JoinReq) {
	if req.UserId != h.userId {
		glog.Errorf("handleJoin(): join user %s does not match session %s", req.UserId, h)
		h.appendDataChan(&sessionData{err: badRequest})
		return
	}
	if h.isJoined() {
		// Benign repeat, e.g. a client retrying the handshake.
		return
	}
	h.setJoined()
	h.hub.joined(h.userId)
	glog.V(5).Infof("session joined: %s", h)
}

// handleSendMessage persists the message, acks the sender and routes a copy
// to the receiver's live sessions. The ack carries the local id so the
// client can reconcile its optimistic entry.
func (h *handler) handleSendMessage(msg *model.Message) {
	if !h.isJoined() {
		h.ack(msg.LocalId, "", "session not joined")
		return
	}
	if msg.Sender != h.userId {
		h.ack(msg.LocalId, "", "sender does not match session user")
		return
	}
	if err := model.ValidateContent(msg.Content); err != nil {
		h.ack(msg.LocalId, "", err.Error())
		return
	}

	stored := msg.Clone()
	stored.ServerId = strings.ReplaceAll(uuid.New(), "-", "")
	stored.Delivery = model.DeliverySent
	stored.Read = model.StateUnread
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	if err := h.hub.store.SaveMessage(ctx, stored); err != nil {
		glog.Errorf("handleSendMessage(): save error: local_id: %s, err: %v", msg.LocalId, err)
		h.ack(msg.LocalId, "", "storage error")
		return
	}

	h.ack(stored.LocalId, stored.ServerId, "")
	h.hub.deliver(stored.Receiver, stored)
	h.hub.publish(stored)
}

func (h *handler) ack(localId, serverId, reason string) {
	ack := &model.Ack{LocalId: localId, ServerId: serverId, Status: model.AckOk}
	if reason != "" {
		ack.Status = model.AckError
		ack.Reason = reason
	}
	h.appendDataChan(&sessionData{frame: &model.ServerFrame{Ack: ack}})
}

func (h *handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h)
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h)
				return
			}

			if v.err > 0 {
				h.close(v.err)
				return
			} else if v.frame == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendServerFrame(h.conn, v.frame); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h, err)
				h.appendDataChan(&sessionData{err: writeError})
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.appendDataChan(&sessionData{err: pingError})
				return
			}
		}
	}
}

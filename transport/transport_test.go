package transport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promoterlink/linkchat/auth"
	"github.com/promoterlink/linkchat/model"
)

const testWait = 3 * time.Second

// wsServer is a scripted peer: it records joins and sends, and lets tests
// push frames or drop the connection.
type wsServer struct {
	ts       *httptest.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn

	joins chan *model.JoinReq
	sends chan *model.Message

	// ackWith, when set, answers every send_message with this status.
	ackWith string
}

func newWsServer(t *testing.T) *wsServer {
	s := &wsServer{
		joins:   make(chan *model.JoinReq, 4),
		sends:   make(chan *model.Message, 4),
		ackWith: model.AckOk,
	}
	s.ts = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(func() {
		s.dropConn()
		s.ts.Close()
	})
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http")
}

func (s *wsServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame model.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Join != nil {
			s.joins <- frame.Join
		}
		if frame.SendMessage != nil {
			s.sends <- frame.SendMessage
			if s.ackWith != "" {
				s.push(&model.ServerFrame{Ack: &model.Ack{
					LocalId:  frame.SendMessage.LocalId,
					Status:   s.ackWith,
					ServerId: "srv-" + frame.SendMessage.LocalId,
				}})
			}
		}
	}
}

func (s *wsServer) push(frame *model.ServerFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		data, _ := json.Marshal(frame)
		_ = s.conn.WriteMessage(websocket.TextMessage, data)
	}
}

func (s *wsServer) dropConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func newTestTransport(t *testing.T, s *wsServer) (*Transport, chan Status) {
	tr := New(s.url(), &auth.StaticCredentials{Id: "alice", BearerToken: "tok"})
	statusCh := make(chan Status, 8)
	tr.OnStatus(func(st Status) { statusCh <- st })
	t.Cleanup(tr.Disconnect)
	return tr, statusCh
}

func waitStatus(t *testing.T, ch chan Status, want Status) {
	t.Helper()
	deadline := time.After(testWait)
	for {
		select {
		case st := <-ch:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("status %s not reached", want)
		}
	}
}

func TestConnectSendsJoin(t *testing.T) {
	s := newWsServer(t)
	tr, statusCh := newTestTransport(t, s)

	tr.Connect("alice")
	waitStatus(t, statusCh, Connected)

	select {
	case join := <-s.joins:
		assert.Equal(t, "alice", join.UserId)
	case <-time.After(testWait):
		t.Fatal("no join frame received")
	}
}

func TestSendAckRoundTrip(t *testing.T) {
	s := newWsServer(t)
	tr, statusCh := newTestTransport(t, s)
	tr.Connect("alice")
	waitStatus(t, statusCh, Connected)

	ackCh := make(chan *model.Ack, 1)
	tr.Send(&model.Message{LocalId: "l1", Sender: "alice", Receiver: "bob", Content: "hi"},
		func(ack *model.Ack) { ackCh <- ack })

	select {
	case ack := <-ackCh:
		assert.Equal(t, model.AckOk, ack.Status)
		assert.Equal(t, "l1", ack.LocalId)
		assert.Equal(t, "srv-l1", ack.ServerId)
	case <-time.After(testWait):
		t.Fatal("no ack received")
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	s := newWsServer(t)
	tr, _ := newTestTransport(t, s)

	ackCh := make(chan *model.Ack, 1)
	tr.Send(&model.Message{LocalId: "l1", Content: "hi"},
		func(ack *model.Ack) { ackCh <- ack })

	select {
	case ack := <-ackCh:
		assert.Equal(t, model.AckError, ack.Status)
		assert.Equal(t, "l1", ack.LocalId)
		assert.NotEmpty(t, ack.Reason)
	case <-time.After(testWait):
		t.Fatal("offline send must fail immediately")
	}
}

func TestInboundDispatch(t *testing.T) {
	s := newWsServer(t)
	tr, statusCh := newTestTransport(t, s)

	msgCh := make(chan *model.Message, 1)
	presCh := make(chan string, 1)
	tr.OnMessage(func(m *model.Message) { msgCh <- m })
	tr.OnPresence(func(userId string, online bool) {
		if online {
			presCh <- userId
		}
	})

	tr.Connect("alice")
	waitStatus(t, statusCh, Connected)
	<-s.joins

	s.push(&model.ServerFrame{ReceiveMessage: &model.Message{
		ServerId: "s9", Sender: "bob", Receiver: "alice", Content: "yo",
	}})
	s.push(&model.ServerFrame{Presence: &model.Presence{UserId: "bob", Online: true}})

	select {
	case m := <-msgCh:
		assert.Equal(t, "s9", m.ServerId)
		assert.Equal(t, "yo", m.Content)
	case <-time.After(testWait):
		t.Fatal("inbound message not dispatched")
	}
	select {
	case userId := <-presCh:
		assert.Equal(t, "bob", userId)
	case <-time.After(testWait):
		t.Fatal("presence not dispatched")
	}
}

// The join is re-sent on every reconnect; a missing re-join would leave the
// session unregistered and drop inbound messages silently.
func TestReconnectRejoins(t *testing.T) {
	s := newWsServer(t)
	tr, statusCh := newTestTransport(t, s)

	tr.Connect("alice")
	waitStatus(t, statusCh, Connected)
	first := <-s.joins
	require.Equal(t, "alice", first.UserId)

	s.dropConn()
	waitStatus(t, statusCh, Disconnected)
	waitStatus(t, statusCh, Connected)

	select {
	case join := <-s.joins:
		assert.Equal(t, "alice", join.UserId)
	case <-time.After(testWait):
		t.Fatal("no re-join after reconnect")
	}
}

func TestDroppedConnectionFailsPendingAcks(t *testing.T) {
	s := newWsServer(t)
	s.ackWith = "" // swallow sends
	tr, statusCh := newTestTransport(t, s)
	tr.Connect("alice")
	waitStatus(t, statusCh, Connected)

	ackCh := make(chan *model.Ack, 1)
	tr.Send(&model.Message{LocalId: "l1", Sender: "alice", Receiver: "bob", Content: "hi"},
		func(ack *model.Ack) { ackCh <- ack })
	<-s.sends

	s.dropConn()

	select {
	case ack := <-ackCh:
		assert.Equal(t, model.AckError, ack.Status)
	case <-time.After(testWait):
		t.Fatal("pending ack not failed on connection loss")
	}
}

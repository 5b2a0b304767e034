// Package transport owns the persistent socket connection of a signed-in
// session: it translates typed send/receive calls to wire frames, keeps the
// connection alive, and reconnects with backoff when it drops.
package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/promoterlink/linkchat/auth"
	"github.com/promoterlink/linkchat/model"
)

// Status of the connection, surfaced to the UI as the reconnecting banner.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// AckFunc receives the acknowledgment of one send. It is invoked exactly
// once per send: with the server ack, or with a synthesized error ack on
// timeout, write failure or disconnect.
type AckFunc func(*model.Ack)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096

	// Time allowed for the server to ack a send before it is failed.
	ackWait = 10 * time.Second
)

type pendingAck struct {
	fn    AckFunc
	timer *time.Timer
}

// Transport is one live connection per authenticated session. It is created
// on login and torn down on logout; no hidden package-level singleton.
type Transport struct {
	mu  sync.Mutex
	wmu sync.Mutex // serializes frame writes

	url    string
	creds  auth.Credentials
	dialer *websocket.Dialer

	userId string
	conn   *websocket.Conn
	status Status
	cancel context.CancelFunc
	done   chan struct{}

	onMessage  func(*model.Message)
	onPresence func(userId string, online bool)
	onStatus   func(Status)

	acks map[string]*pendingAck
}

// New creates a Transport for the given websocket endpoint. The session is
// registered with the credentials' user id and token on every (re)connect.
func New(wsURL string, creds auth.Credentials) *Transport {
	return &Transport{
		url:    wsURL,
		creds:  creds,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		acks:   make(map[string]*pendingAck),
	}
}

// OnMessage registers the inbound message handler. At most one handler is
// active; registering replaces the previous one.
func (t *Transport) OnMessage(fn func(*model.Message)) {
	t.mu.Lock()
	t.onMessage = fn
	t.mu.Unlock()
}

// OnPresence registers the presence event handler.
func (t *Transport) OnPresence(fn func(userId string, online bool)) {
	t.mu.Lock()
	t.onPresence = fn
	t.mu.Unlock()
}

// OnStatus registers the connectivity status handler.
func (t *Transport) OnStatus(fn func(Status)) {
	t.mu.Lock()
	t.onStatus = fn
	t.mu.Unlock()
}

// Status returns the last known connectivity status.
func (t *Transport) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Connect starts the connection loop for the user. Calling it again for the
// same user while running is a no-op; for a different user it disconnects
// the previous session first.
func (t *Transport) Connect(userId string) {
	t.mu.Lock()
	if t.cancel != nil {
		if t.userId == userId {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
		t.Disconnect()
		t.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.userId = userId
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.run(ctx, userId, done)
}

// Disconnect tears the connection down. Safe to call when already
// disconnected.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	cancel := t.cancel
	done := t.done
	conn := t.conn
	t.cancel = nil
	t.done = nil
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if conn != nil {
		t.wmu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
		t.wmu.Unlock()
		_ = conn.Close()
	}
	<-done
}

// Send transmits the message and arranges for ack to be called once. When
// the transport is not connected the send is failed immediately: sends must
// never silently succeed while offline.
func (t *Transport) Send(msg *model.Message, ack AckFunc) {
	t.mu.Lock()
	conn := t.conn
	if t.status != Connected || conn == nil {
		t.mu.Unlock()
		metricSendFailures.Inc()
		glog.V(5).Infof("transport: send while %s, failing local id %s", t.status, msg.LocalId)
		if ack != nil {
			ack(&model.Ack{LocalId: msg.LocalId, Status: model.AckError, Reason: "not connected"})
		}
		return
	}
	if ack != nil {
		localId := msg.LocalId
		t.acks[localId] = &pendingAck{
			fn:    ack,
			timer: time.AfterFunc(ackWait, func() { t.failAck(localId, "ack timeout") }),
		}
	}
	t.mu.Unlock()

	metricSends.Inc()
	if err := t.writeFrame(conn, &model.ClientFrame{SendMessage: msg}); err != nil {
		glog.Errorf("transport: write error for local id %s: %v", msg.LocalId, err)
		t.failAck(msg.LocalId, "write error")
	}
}

func (t *Transport) run(ctx context.Context, userId string, done chan struct{}) {
	defer close(done)

	var sleep time.Duration
	first := true

	for {
		if ctx.Err() != nil {
			t.setStatus(Disconnected)
			return
		}

		t.setStatus(Connecting)
		conn, err := t.dial(ctx, userId)
		if err != nil {
			glog.Errorf("transport: dial error: %v", err)
			t.setStatus(Disconnected)
			if !sleepBackoff(ctx, &sleep) {
				return
			}
			continue
		}

		// Re-register on every connect: without the join the server has no
		// route for targeted events and inbound messages vanish silently.
		if err := t.writeFrame(conn, &model.ClientFrame{Join: &model.JoinReq{UserId: userId}}); err != nil {
			glog.Errorf("transport: join write error: %v", err)
			_ = conn.Close()
			if !sleepBackoff(ctx, &sleep) {
				return
			}
			continue
		}

		sleep = 0
		if !first {
			metricReconnects.Inc()
		}
		first = false

		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.setStatus(Connected)

		stopPing := make(chan struct{})
		go t.pingLoop(conn, stopPing)

		t.readLoop(ctx, conn)

		close(stopPing)
		_ = conn.Close()

		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		t.setStatus(Disconnected)
		t.failAllAcks("connection lost")

		if !sleepBackoff(ctx, &sleep) {
			return
		}
	}
}

func (t *Transport) dial(ctx context.Context, userId string) (*websocket.Conn, error) {
	u := t.url
	q := url.Values{}
	q.Set("user_id", userId)
	if t.creds != nil && t.creds.Token() != "" {
		q.Set("token", t.creds.Token())
	}
	u += "?" + q.Encode()

	conn, _, err := t.dialer.DialContext(ctx, u, nil)
	return conn, err
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				glog.Errorf("transport: read error: %v", err)
			}
			return
		}

		var frame model.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			glog.Errorf("transport: bad frame `%s`: %v", string(data), err)
			continue
		}

		switch {
		case frame.Ack != nil:
			t.resolveAck(frame.Ack)
		case frame.ReceiveMessage != nil:
			metricInbound.Inc()
			t.mu.Lock()
			fn := t.onMessage
			t.mu.Unlock()
			if fn != nil {
				fn(frame.ReceiveMessage)
			}
		case frame.Presence != nil:
			t.mu.Lock()
			fn := t.onPresence
			t.mu.Unlock()
			if fn != nil {
				fn(frame.Presence.UserId, frame.Presence.Online)
			}
		default:
			glog.V(5).Infof("transport: empty server frame ignored")
		}
	}
}

func (t *Transport) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				glog.Errorf("transport: ping error: %v", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (t *Transport) writeFrame(conn *websocket.Conn, frame *model.ClientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) setStatus(s Status) {
	t.mu.Lock()
	changed := t.status != s
	t.status = s
	fn := t.onStatus
	t.mu.Unlock()

	if !changed {
		return
	}
	if s == Connected {
		metricConnected.Set(1)
	} else {
		metricConnected.Set(0)
	}
	glog.V(5).Infof("transport: status %s", s)
	if fn != nil {
		fn(s)
	}
}

func (t *Transport) resolveAck(ack *model.Ack) {
	t.mu.Lock()
	p, ok := t.acks[ack.LocalId]
	if ok {
		delete(t.acks, ack.LocalId)
		p.timer.Stop()
	}
	t.mu.Unlock()

	if !ok {
		// Duplicate ack, benign.
		glog.Infof("transport: ack for unknown local id %s, ignored", ack.LocalId)
		return
	}
	if ack.Status != model.AckOk {
		metricSendFailures.Inc()
	}
	p.fn(ack)
}

func (t *Transport) failAck(localId, reason string) {
	t.mu.Lock()
	p, ok := t.acks[localId]
	if ok {
		delete(t.acks, localId)
		p.timer.Stop()
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	metricSendFailures.Inc()
	p.fn(&model.Ack{LocalId: localId, Status: model.AckError, Reason: reason})
}

func (t *Transport) failAllAcks(reason string) {
	t.mu.Lock()
	acks := t.acks
	t.acks = make(map[string]*pendingAck)
	t.mu.Unlock()

	for localId, p := range acks {
		p.timer.Stop()
		metricSendFailures.Inc()
		p.fn(&model.Ack{LocalId: localId, Status: model.AckError, Reason: reason})
	}
}

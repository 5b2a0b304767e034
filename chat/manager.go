// Package chat mediates between UI intent and the transport, message store
// and roster: it owns the active conversation, the send/retry policy and
// read tracking.
package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/promoterlink/linkchat/gate"
	"github.com/promoterlink/linkchat/model"
	"github.com/promoterlink/linkchat/rest"
	"github.com/promoterlink/linkchat/roster"
	"github.com/promoterlink/linkchat/store"
	"github.com/promoterlink/linkchat/transport"
)

// State of the active conversation.
type State int

const (
	Closed State = iota
	Loading
	Open
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Open:
		return "open"
	default:
		return "closed"
	}
}

// Socket is the slice of the transport the manager consumes.
// *transport.Transport implements it.
type Socket interface {
	Connect(userId string)
	Disconnect()
	Send(msg *model.Message, ack transport.AckFunc)
	Status() transport.Status
	OnMessage(fn func(*model.Message))
	OnPresence(fn func(userId string, online bool))
	OnStatus(fn func(transport.Status))
}

// Config wires the manager's collaborators.
type Config struct {
	Self   string
	Socket Socket
	Store  store.IMessageStore
	Outbox store.IOutbox // optional
	Roster *roster.Roster
	Gate   *gate.Gate
	Wallet *gate.Wallet
	API    rest.Client
}

// Manager is the single consumer of inbound socket events for a session.
type Manager struct {
	mu sync.Mutex

	self   string
	socket Socket
	store  store.IMessageStore
	outbox store.IOutbox
	roster *roster.Roster
	gate   *gate.Gate
	wallet *gate.Wallet
	api    rest.Client

	state     State
	activeKey string
	active    *model.Contact

	now func() time.Time
}

func NewManager(cfg *Config) *Manager {
	m := &Manager{
		self:   cfg.Self,
		socket: cfg.Socket,
		store:  cfg.Store,
		outbox: cfg.Outbox,
		roster: cfg.Roster,
		gate:   cfg.Gate,
		wallet: cfg.Wallet,
		api:    cfg.API,
		now:    time.Now,
	}
	m.socket.OnMessage(m.HandleInbound)
	m.socket.OnPresence(m.roster.SetPresence)
	m.socket.OnStatus(m.handleStatus)
	return m
}

// Start opens the socket session for the signed-in user.
func (m *Manager) Start() {
	m.socket.Connect(m.self)
}

// Stop tears down the session on logout.
func (m *Manager) Stop() {
	m.socket.Disconnect()
}

// OpenConversation loads the history with the contact and makes it the
// active conversation. When several loads are in flight the latest call
// wins: an earlier result arriving after the active conversation changed is
// discarded by comparing the conversation key captured at call time.
func (m *Manager) OpenConversation(ctx context.Context, contact *model.Contact) error {
	key := model.ConvKey(m.self, contact.UserId)

	m.mu.Lock()
	m.state = Loading
	m.activeKey = key
	m.active = contact.Clone()
	m.mu.Unlock()

	history, err := m.api.FetchConversation(ctx, m.self, contact.UserId)

	m.mu.Lock()
	if m.activeKey != key {
		m.mu.Unlock()
		glog.V(5).Infof("chat: stale history for %s discarded, active is now %s", key, m.activeKey)
		return nil
	}
	if err != nil {
		m.state = Closed
		m.activeKey = ""
		m.active = nil
		m.mu.Unlock()
		glog.Errorf("chat: history load for %s failed: %v", key, err)
		return model.Errorf(model.ErrHistoryLoad, "%v", err)
	}
	m.store.LoadHistory(key, history)
	m.state = Open
	m.mu.Unlock()

	m.roster.SetUnread(contact.UserId, false)
	return nil
}

// CloseConversation is called when the user navigates away.
func (m *Manager) CloseConversation() {
	m.mu.Lock()
	m.state = Closed
	m.activeKey = ""
	m.active = nil
	m.mu.Unlock()
}

// Active returns the active contact (or nil) and the conversation state.
func (m *Manager) Active() (*model.Contact, State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, m.state
	}
	return m.active.Clone(), m.state
}

// Messages returns the sequence of the active conversation.
func (m *Manager) Messages() []*model.Message {
	m.mu.Lock()
	key := m.activeKey
	m.mu.Unlock()
	if key == "" {
		return nil
	}
	return m.store.Messages(key)
}

// SendText validates, appends an optimistic pending message and hands it to
// the transport. The ack callback reconciles the entry to sent or failed.
func (m *Manager) SendText(text string) (*model.Message, error) {
	m.mu.Lock()
	if m.state != Open || m.active == nil {
		m.mu.Unlock()
		return nil, model.Errorf(model.ErrValidation, "no open conversation")
	}
	active := m.active.Clone()
	key := m.activeKey
	m.mu.Unlock()

	if err := model.ValidateContent(text); err != nil {
		return nil, err
	}
	if m.gate.IsExpired(active) {
		return nil, model.Errorf(model.ErrValidation, "conversation with %s expired, renewal required", active.UserId)
	}

	msg := &model.Message{
		LocalId:   newLocalId(),
		Sender:    m.self,
		Receiver:  active.UserId,
		Content:   text,
		Timestamp: m.now(),
		Delivery:  model.DeliveryPending,
		Read:      model.StateUnread,
	}

	m.store.Append(key, msg.Clone())
	if m.outbox != nil {
		if err := m.outbox.Put(msg); err != nil {
			glog.Errorf("chat: outbox put for %s failed: %v", msg.LocalId, err)
		}
	}
	m.dispatch(msg.Clone())
	return msg, nil
}

// Retry re-sends a failed message, reusing its local id and content.
// Failed messages are never retried automatically; this is the explicit
// user action.
func (m *Manager) Retry(localId string) error {
	m.mu.Lock()
	if m.state != Open || m.active == nil {
		m.mu.Unlock()
		return model.Errorf(model.ErrValidation, "no open conversation")
	}
	active := m.active.Clone()
	m.mu.Unlock()

	if m.gate.IsExpired(active) {
		return model.Errorf(model.ErrValidation, "conversation with %s expired, renewal required", active.UserId)
	}

	msg := m.store.Requeue(localId)
	if msg == nil {
		return model.Errorf(model.ErrValidation, "message %s is not retryable", localId)
	}
	if m.outbox != nil {
		if err := m.outbox.Put(msg); err != nil {
			glog.Errorf("chat: outbox put for %s failed: %v", localId, err)
		}
	}
	m.dispatch(msg)
	return nil
}

// MarkRead marks the message (and every earlier one from the same sender in
// that conversation) read, and notifies the server when the conversation is
// the open one.
func (m *Manager) MarkRead(ctx context.Context, msg *model.Message) error {
	key := msg.ConvKey()
	m.store.MarkRead(key, msg.Sender)

	if msg.Sender == m.self {
		return nil
	}
	m.roster.SetUnread(msg.Sender, false)

	m.mu.Lock()
	open := m.state == Open && m.activeKey == key
	m.mu.Unlock()
	if !open {
		return nil
	}
	if err := m.api.MarkRead(ctx, msg.Sender, m.self); err != nil {
		glog.Errorf("chat: mark read notify failed: %v", err)
		return err
	}
	return nil
}

// HandleInbound is the transport's message handler. Messages for the open
// conversation are appended; any message from someone other than the active
// contact flags that sender unread.
func (m *Manager) HandleInbound(msg *model.Message) {
	if msg == nil {
		return
	}
	if msg.Delivery == "" {
		msg.Delivery = model.DeliverySent
	}
	if msg.Read == "" {
		msg.Read = model.StateUnread
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}

	key := msg.ConvKey()

	m.mu.Lock()
	open := m.state == Open && m.activeKey == key
	var activePeer string
	if m.state == Open && m.active != nil {
		activePeer = m.active.UserId
	}
	m.mu.Unlock()

	if open {
		m.store.Append(key, msg)
	}

	if msg.Sender != m.self && msg.Sender != activePeer {
		m.roster.SetUnread(msg.Sender, true)
	}
}

// RenewActive spends a LinkCoin to renew the active conversation.
func (m *Manager) RenewActive(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return time.Time{}, model.Errorf(model.ErrValidation, "no open conversation")
	}
	active := m.active.Clone()
	m.mu.Unlock()

	expiry, err := m.gate.Renew(ctx, active)
	if err != nil {
		return time.Time{}, err
	}

	m.mu.Lock()
	if m.active != nil && m.active.UserId == active.UserId {
		t := expiry
		m.active.ConversationExpiry = &t
	}
	m.mu.Unlock()
	m.roster.Update(active.UserId, func(c *model.Contact) {
		t := expiry
		c.ConversationExpiry = &t
	})
	return expiry, nil
}

// RemoveContact applies a user-initiated removal reported by the backend.
// Removing the active contact closes the conversation.
func (m *Manager) RemoveContact(userId string) bool {
	removed := m.roster.Remove(userId)

	m.mu.Lock()
	if m.active != nil && m.active.UserId == userId {
		m.state = Closed
		m.activeKey = ""
		m.active = nil
	}
	m.mu.Unlock()
	return removed
}

// RefreshRoster replaces the roster from a REST fetch.
func (m *Manager) RefreshRoster(ctx context.Context) error {
	contacts, err := m.api.FetchRoster(ctx, m.self)
	if err != nil {
		return err
	}
	m.roster.ReplaceAll(contacts)
	return nil
}

// RefreshProfile reconciles the cached LinkCoin balance against the
// server's authoritative value.
func (m *Manager) RefreshProfile(ctx context.Context) (*model.User, error) {
	user, err := m.api.FetchProfile(ctx, m.self)
	if err != nil {
		return nil, err
	}
	m.wallet.SetBalance(user.LinkCoins)
	return user, nil
}

func (m *Manager) dispatch(msg *model.Message) {
	localId := msg.LocalId
	m.socket.Send(msg, func(ack *model.Ack) {
		if ack.Status == model.AckOk {
			m.store.Reconcile(localId, ack.ServerId, model.DeliverySent)
			if m.outbox != nil {
				_ = m.outbox.Delete(localId)
			}
		} else {
			glog.V(5).Infof("chat: send %s failed: %s", localId, ack.Reason)
			m.store.Reconcile(localId, "", model.DeliveryFailed)
		}
	})
}

func (m *Manager) handleStatus(s transport.Status) {
	if s != transport.Connected {
		return
	}
	// The transport re-joined already; what is left is replaying sends that
	// never got an ack.
	go m.replayOutbox()
}

func (m *Manager) replayOutbox() {
	if m.outbox == nil {
		return
	}
	pending, err := m.outbox.Pending()
	if err != nil {
		glog.Errorf("chat: outbox read failed: %v", err)
		return
	}

	for _, msg := range pending {
		existing := m.store.Find(msg.LocalId)
		switch {
		case existing == nil:
			// Left over from a previous run of the app.
			fresh := msg.Clone()
			fresh.Delivery = model.DeliveryPending
			m.store.Append(fresh.ConvKey(), fresh.Clone())
			m.dispatch(fresh)
		case existing.Delivery == model.DeliveryFailed:
			if requeued := m.store.Requeue(msg.LocalId); requeued != nil {
				m.dispatch(requeued)
			}
		case existing.Delivery == model.DeliveryPending:
			m.dispatch(existing)
		default:
			// Acked while we were offline; the entry is stale.
			_ = m.outbox.Delete(msg.LocalId)
		}
	}
}

func newLocalId() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}

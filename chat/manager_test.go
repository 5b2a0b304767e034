package chat

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promoterlink/linkchat/gate"
	"github.com/promoterlink/linkchat/model"
	"github.com/promoterlink/linkchat/rest/mock"
	"github.com/promoterlink/linkchat/roster"
	"github.com/promoterlink/linkchat/store"
	"github.com/promoterlink/linkchat/transport"
)

// fakeSocket records sends and lets tests deliver acks by hand.
type fakeSocket struct {
	mu     sync.Mutex
	status transport.Status
	sent   []*model.Message
	acks   []transport.AckFunc

	onMessage func(*model.Message)
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{status: transport.Connected}
}

func (f *fakeSocket) Connect(string) {}
func (f *fakeSocket) Disconnect()    {}

func (f *fakeSocket) Status() transport.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSocket) setStatus(s transport.Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *fakeSocket) Send(msg *model.Message, ack transport.AckFunc) {
	f.mu.Lock()
	if f.status != transport.Connected {
		f.mu.Unlock()
		if ack != nil {
			ack(&model.Ack{LocalId: msg.LocalId, Status: model.AckError, Reason: "not connected"})
		}
		return
	}
	f.sent = append(f.sent, msg)
	f.acks = append(f.acks, ack)
	f.mu.Unlock()
}

// ackLast resolves the most recent send.
func (f *fakeSocket) ackLast(status, serverId string) {
	f.mu.Lock()
	var msg *model.Message
	var ack transport.AckFunc
	if n := len(f.acks); n > 0 {
		msg = f.sent[n-1]
		ack = f.acks[n-1]
	}
	f.mu.Unlock()
	if ack != nil {
		ack(&model.Ack{LocalId: msg.LocalId, Status: status, ServerId: serverId})
	}
}

func (f *fakeSocket) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSocket) OnMessage(fn func(*model.Message))        { f.onMessage = fn }
func (f *fakeSocket) OnPresence(func(userId string, b bool))   {}
func (f *fakeSocket) OnStatus(func(s transport.Status))        {}

type fixture struct {
	manager *Manager
	socket  *fakeSocket
	api     *mock.MockClient
	roster  *roster.Roster
	wallet  *gate.Wallet
	store   *store.MessageStore
}

func newFixture(t *testing.T, coins int) *fixture {
	t.Helper()
	mockCtrl := gomock.NewController(t)
	t.Cleanup(mockCtrl.Finish)

	f := &fixture{
		socket: newFakeSocket(),
		api:    mock.NewMockClient(mockCtrl),
		roster: roster.New(),
		wallet: gate.NewWallet(coins),
		store:  store.NewMessageStore(),
	}
	f.manager = NewManager(&Config{
		Self:   "a",
		Socket: f.socket,
		Store:  f.store,
		Roster: f.roster,
		Gate:   gate.New("a", f.wallet, f.api),
		Wallet: f.wallet,
		API:    f.api,
	})
	return f
}

func contactB() *model.Contact {
	return &model.Contact{UserId: "b", DisplayName: "Ben"}
}

func openWith(t *testing.T, f *fixture, c *model.Contact, history []*model.Message) {
	t.Helper()
	f.api.EXPECT().FetchConversation(gomock.Any(), "a", c.UserId).Return(history, nil)
	require.NoError(t, f.manager.OpenConversation(context.Background(), c))
}

func TestSendSuccess(t *testing.T) {
	f := newFixture(t, 5)
	openWith(t, f, contactB(), nil)

	msg, err := f.manager.SendText("hello")
	require.NoError(t, err)

	seq := f.manager.Messages()
	require.Len(t, seq, 1)
	assert.Equal(t, "hello", seq[0].Content)
	assert.Equal(t, model.DeliveryPending, seq[0].Delivery)

	f.socket.ackLast(model.AckOk, "m1")

	seq = f.manager.Messages()
	require.Len(t, seq, 1)
	assert.Equal(t, "m1", seq[0].ServerId)
	assert.Equal(t, model.DeliverySent, seq[0].Delivery)
	assert.Equal(t, msg.LocalId, seq[0].LocalId)
}

func TestSendWhileDisconnected(t *testing.T) {
	f := newFixture(t, 5)
	openWith(t, f, contactB(), nil)
	f.socket.setStatus(transport.Disconnected)

	_, err := f.manager.SendText("hi")
	require.NoError(t, err)

	// The optimistic entry is appended and then failed by the error ack,
	// never silently dropped or left pending forever.
	seq := f.manager.Messages()
	require.Len(t, seq, 1)
	assert.Equal(t, model.DeliveryFailed, seq[0].Delivery)
}

func TestSendTextValidation(t *testing.T) {
	f := newFixture(t, 5)
	openWith(t, f, contactB(), nil)

	_, err := f.manager.SendText("   ")
	assert.ErrorIs(t, err, model.ErrValidation)

	long := make([]byte, 0, model.MaxContentLen+1)
	for i := 0; i <= model.MaxContentLen; i++ {
		long = append(long, 'x')
	}
	_, err = f.manager.SendText(string(long))
	assert.ErrorIs(t, err, model.ErrValidation)

	assert.Empty(t, f.manager.Messages())
	assert.Equal(t, 0, f.socket.sentCount())
}

func TestSendTextExpiredGate(t *testing.T) {
	f := newFixture(t, 5)
	c := contactB()
	past := time.Now().Add(-time.Hour)
	c.ConversationExpiry = &past
	openWith(t, f, c, nil)

	_, err := f.manager.SendText("hello")
	require.ErrorIs(t, err, model.ErrValidation)

	// Nothing appended, nothing sent.
	assert.Empty(t, f.manager.Messages())
	assert.Equal(t, 0, f.socket.sentCount())
}

func TestSendAfterRenewal(t *testing.T) {
	f := newFixture(t, 1)
	c := contactB()
	past := time.Now().Add(-time.Hour)
	c.ConversationExpiry = &past
	f.roster.ReplaceAll([]*model.Contact{c})
	openWith(t, f, c, nil)

	want := time.Now().Add(gate.RenewalWindow)
	f.api.EXPECT().RenewConversation(gomock.Any(), "a", "b").Return(want, nil)

	_, err := f.manager.RenewActive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, f.wallet.Balance())

	got := f.roster.Get("b")
	require.NotNil(t, got.ConversationExpiry)
	assert.Equal(t, want, *got.ConversationExpiry)

	_, err = f.manager.SendText("back again")
	require.NoError(t, err)
	assert.Equal(t, 1, f.socket.sentCount())
}

func TestStaleLoadDiscard(t *testing.T) {
	f := newFixture(t, 5)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.api.EXPECT().FetchConversation(gomock.Any(), "a", "b").DoAndReturn(
		func(context.Context, string, string) ([]*model.Message, error) {
			close(entered)
			<-release
			return []*model.Message{{
				ServerId: "mb", Sender: "b", Receiver: "a",
				Content: "from b", Delivery: model.DeliverySent,
			}}, nil
		})
	f.api.EXPECT().FetchConversation(gomock.Any(), "a", "c").Return(
		[]*model.Message{{
			ServerId: "mc", Sender: "c", Receiver: "a",
			Content: "from c", Delivery: model.DeliverySent,
		}}, nil)

	done := make(chan error, 1)
	go func() {
		done <- f.manager.OpenConversation(context.Background(), contactB())
	}()
	<-entered

	require.NoError(t, f.manager.OpenConversation(context.Background(),
		&model.Contact{UserId: "c", DisplayName: "Cal"}))

	close(release)
	require.NoError(t, <-done)

	// The late result for b must not clobber the active c conversation.
	active, state := f.manager.Active()
	require.NotNil(t, active)
	assert.Equal(t, "c", active.UserId)
	assert.Equal(t, Open, state)

	seq := f.manager.Messages()
	require.Len(t, seq, 1)
	assert.Equal(t, "from c", seq[0].Content)
	assert.Empty(t, f.store.Messages(model.ConvKey("a", "b")))
}

func TestHistoryLoadError(t *testing.T) {
	f := newFixture(t, 5)
	f.api.EXPECT().FetchConversation(gomock.Any(), "a", "b").Return(nil, assert.AnError)

	err := f.manager.OpenConversation(context.Background(), contactB())
	require.ErrorIs(t, err, model.ErrHistoryLoad)

	_, state := f.manager.Active()
	assert.Equal(t, Closed, state)
}

func TestUnreadInvariant(t *testing.T) {
	f := newFixture(t, 5)
	f.roster.ReplaceAll([]*model.Contact{
		contactB(),
		{UserId: "c", DisplayName: "Cal"},
	})
	openWith(t, f, contactB(), nil)

	// From the active open contact: appended, no unread flag.
	f.manager.HandleInbound(&model.Message{
		ServerId: "m1", Sender: "b", Receiver: "a", Content: "hi",
	})
	assert.False(t, f.roster.Get("b").HasUnread)
	assert.Len(t, f.manager.Messages(), 1)

	// From someone else: unread flag, not appended to the open conversation.
	f.manager.HandleInbound(&model.Message{
		ServerId: "m2", Sender: "c", Receiver: "a", Content: "yo",
	})
	assert.True(t, f.roster.Get("c").HasUnread)
	assert.Len(t, f.manager.Messages(), 1)

	// Echo of our own send from another device never touches unread flags.
	f.manager.HandleInbound(&model.Message{
		ServerId: "m3", Sender: "a", Receiver: "c", Content: "own echo",
	})
	assert.True(t, f.roster.Get("c").HasUnread)
}

func TestInboundDedup(t *testing.T) {
	f := newFixture(t, 5)
	openWith(t, f, contactB(), nil)

	in := &model.Message{ServerId: "m1", Sender: "b", Receiver: "a", Content: "hi"}
	f.manager.HandleInbound(in)
	f.manager.HandleInbound(in.Clone())

	assert.Len(t, f.manager.Messages(), 1)
}

func TestRetryReusesLocalId(t *testing.T) {
	f := newFixture(t, 5)
	openWith(t, f, contactB(), nil)
	f.socket.setStatus(transport.Disconnected)

	msg, err := f.manager.SendText("try me")
	require.NoError(t, err)
	require.Equal(t, model.DeliveryFailed, f.manager.Messages()[0].Delivery)

	f.socket.setStatus(transport.Connected)
	require.NoError(t, f.manager.Retry(msg.LocalId))
	require.Equal(t, 1, f.socket.sentCount())
	assert.Equal(t, msg.LocalId, f.socket.sent[0].LocalId)
	assert.Equal(t, "try me", f.socket.sent[0].Content)

	f.socket.ackLast(model.AckOk, "m9")
	got := f.manager.Messages()[0]
	assert.Equal(t, model.DeliverySent, got.Delivery)
	assert.Equal(t, "m9", got.ServerId)

	// Only failed messages are retryable.
	assert.ErrorIs(t, f.manager.Retry(msg.LocalId), model.ErrValidation)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t, 5)
	f.roster.ReplaceAll([]*model.Contact{contactB()})
	in := &model.Message{
		ServerId: "m1", Sender: "b", Receiver: "a",
		Content: "hi", Delivery: model.DeliverySent, Read: model.StateUnread,
	}
	openWith(t, f, contactB(), []*model.Message{in})

	f.api.EXPECT().MarkRead(gomock.Any(), "b", "a").Return(nil)
	require.NoError(t, f.manager.MarkRead(context.Background(), in))

	assert.Equal(t, model.StateRead, f.manager.Messages()[0].Read)
	assert.False(t, f.roster.Get("b").HasUnread)
}

func TestRemoveActiveContactClosesConversation(t *testing.T) {
	f := newFixture(t, 5)
	f.roster.ReplaceAll([]*model.Contact{contactB()})
	openWith(t, f, contactB(), nil)

	assert.True(t, f.manager.RemoveContact("b"))

	active, state := f.manager.Active()
	assert.Nil(t, active)
	assert.Equal(t, Closed, state)
	assert.Nil(t, f.roster.Get("b"))
}

func TestReplayOutbox(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	t.Cleanup(mockCtrl.Finish)

	outbox, err := store.OpenOutbox(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = outbox.Close() })

	// An entry left over from a previous run of the app.
	stale := &model.Message{
		LocalId: "l-old", Sender: "a", Receiver: "b",
		Content: "left behind", Timestamp: time.Now().Add(-time.Minute),
		Delivery: model.DeliveryPending, Read: model.StateUnread,
	}
	require.NoError(t, outbox.Put(stale))

	socket := newFakeSocket()
	st := store.NewMessageStore()
	api := mock.NewMockClient(mockCtrl)
	wallet := gate.NewWallet(5)
	m := NewManager(&Config{
		Self:   "a",
		Socket: socket,
		Store:  st,
		Outbox: outbox,
		Roster: roster.New(),
		Gate:   gate.New("a", wallet, api),
		Wallet: wallet,
		API:    api,
	})

	m.replayOutbox()

	require.Equal(t, 1, socket.sentCount())
	assert.Equal(t, "l-old", socket.sent[0].LocalId)

	socket.ackLast(model.AckOk, "m1")

	// Acked: reconciled in the store and gone from the outbox.
	seq := st.Messages(model.ConvKey("a", "b"))
	require.Len(t, seq, 1)
	assert.Equal(t, model.DeliverySent, seq[0].Delivery)

	pending, err := outbox.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

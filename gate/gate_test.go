package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promoterlink/linkchat/model"
	"github.com/promoterlink/linkchat/rest/mock"
)

func expiredContact() *model.Contact {
	past := time.Now().Add(-time.Hour)
	return &model.Contact{UserId: "peer", ConversationExpiry: &past}
}

func TestIsExpired(t *testing.T) {
	g := New("self", NewWallet(5), nil)

	assert.True(t, g.IsExpired(expiredContact()))

	future := time.Now().Add(time.Hour)
	assert.False(t, g.IsExpired(&model.Contact{UserId: "peer", ConversationExpiry: &future}))
	assert.False(t, g.IsExpired(&model.Contact{UserId: "peer"}))
	assert.False(t, g.IsExpired(nil))
}

func TestRenewWithoutFunds(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	api := mock.NewMockClient(mockCtrl)
	// No RenewConversation expectation: the call must not reach REST.

	g := New("self", NewWallet(0), api)
	c := expiredContact()
	before := *c.ConversationExpiry

	_, err := g.Renew(context.Background(), c)
	require.ErrorIs(t, err, model.ErrInsufficientBalance)
	assert.Equal(t, before, *c.ConversationExpiry)
}

func TestRenewWithFunds(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	want := time.Now().Add(RenewalWindow).Truncate(time.Second)
	api := mock.NewMockClient(mockCtrl)
	api.EXPECT().RenewConversation(gomock.Any(), "self", "peer").Return(want, nil)

	wallet := NewWallet(1)
	g := New("self", wallet, api)
	c := expiredContact()

	got, err := g.Renew(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	require.NotNil(t, c.ConversationExpiry)
	assert.Equal(t, want, *c.ConversationExpiry)
	assert.Equal(t, 0, wallet.Balance())
	assert.False(t, g.IsExpired(c))
}

func TestRenewServerError(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	api := mock.NewMockClient(mockCtrl)
	api.EXPECT().RenewConversation(gomock.Any(), "self", "peer").
		Return(time.Time{}, errors.New("backend down"))

	wallet := NewWallet(3)
	g := New("self", wallet, api)
	c := expiredContact()
	before := *c.ConversationExpiry

	_, err := g.Renew(context.Background(), c)
	require.Error(t, err)
	// Balance is only debited after the server confirms.
	assert.Equal(t, 3, wallet.Balance())
	assert.Equal(t, before, *c.ConversationExpiry)
}

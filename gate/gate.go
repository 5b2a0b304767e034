// Package gate enforces the conversation expiry and LinkCoin renewal rule:
// a conversation lapses after a period and sending resumes only after
// spending 1 LinkCoin to renew it.
package gate

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/promoterlink/linkchat/model"
	"github.com/promoterlink/linkchat/rest"
)

const (
	// RenewalWindow is how far a successful renewal pushes the expiry out.
	RenewalWindow = 7 * 24 * time.Hour

	// RenewalCost in LinkCoins.
	RenewalCost = 1
)

// Wallet is the locally cached LinkCoin balance. It is decremented
// optimistically on spends and reconciled against the server's
// authoritative balance on the next profile refresh.
type Wallet struct {
	sync.Mutex
	coins int
}

func NewWallet(coins int) *Wallet {
	return &Wallet{coins: coins}
}

func (w *Wallet) Balance() int {
	w.Lock()
	defer w.Unlock()
	return w.coins
}

// SetBalance replaces the cached balance with the server's value.
func (w *Wallet) SetBalance(coins int) {
	w.Lock()
	w.coins = coins
	w.Unlock()
}

func (w *Wallet) debit(n int) {
	w.Lock()
	if w.coins >= n {
		w.coins -= n
	}
	w.Unlock()
}

// Gate decides whether a conversation accepts new sends.
// State machine per contact: Active -> Expired -> (renew) -> Active.
type Gate struct {
	self   string
	wallet *Wallet
	api    rest.Client
	now    func() time.Time
}

func New(self string, wallet *Wallet, api rest.Client) *Gate {
	return &Gate{self: self, wallet: wallet, api: api, now: time.Now}
}

// IsExpired reports whether the messaging privilege for the contact has
// lapsed. A nil expiry means the backend never recorded a lapse.
func (g *Gate) IsExpired(c *model.Contact) bool {
	if c == nil || c.ConversationExpiry == nil {
		return false
	}
	return c.ConversationExpiry.Before(g.now())
}

// Renew spends 1 LinkCoin to extend the conversation with the contact.
// Fails with model.ErrInsufficientBalance below the cost, leaving the
// expiry untouched. On success the contact's expiry is updated in place and
// the cached balance decremented optimistically.
func (g *Gate) Renew(ctx context.Context, c *model.Contact) (time.Time, error) {
	if g.wallet.Balance() < RenewalCost {
		return time.Time{}, model.ErrInsufficientBalance
	}

	expiry, err := g.api.RenewConversation(ctx, g.self, c.UserId)
	if err != nil {
		glog.Errorf("gate: renew with %s failed: %v", c.UserId, err)
		return time.Time{}, err
	}
	if expiry.IsZero() {
		expiry = g.now().Add(RenewalWindow)
	}

	c.ConversationExpiry = &expiry
	g.wallet.debit(RenewalCost)
	glog.V(5).Infof("gate: renewed conversation with %s until %s", c.UserId, expiry)
	return expiry, nil
}

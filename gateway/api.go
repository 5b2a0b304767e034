// Package gateway is the development counterpart of the app's messaging
// core: a websocket hub speaking the join/send_message/receive_message
// protocol plus the REST endpoints the core consumes. It exists so the
// client packages can be run and tested end to end without the production
// backend.
package gateway

import (
	"context"
	"time"

	"github.com/promoterlink/linkchat/model"
)

// RosterUser is the raw user shape inside a roster entry, matching the
// backend payload the app's rest client normalizes.
type RosterUser struct {
	Id            string `json:"_id"`
	OwnerName     string `json:"ownerName"`
	ProfilePicUrl string `json:"profilePicUrl"`
	IsOnline      bool   `json:"isOnline"`
}

// RosterEntry is one element of the roster REST response.
type RosterEntry struct {
	User               *RosterUser `json:"user"`
	UnreadCount        int         `json:"unreadCount"`
	ConversationExpiry *time.Time  `json:"conversationExpiry,omitempty"`
}

// IHistoryStore persists gateway-side state: messages, contacts, balances.
type IHistoryStore interface {
	// SaveMessage persists a delivered message. Saving the same server id
	// twice is idempotent.
	SaveMessage(ctx context.Context, msg *model.Message) error

	// Conversation returns the ordered history between two users.
	Conversation(ctx context.Context, a, b string) ([]*model.Message, error)

	// MarkRead marks every message from sender to receiver as read.
	MarkRead(ctx context.Context, sender, receiver string) error

	// Roster lists the contacts of the user with unread counts and expiries.
	Roster(ctx context.Context, userId string) ([]*RosterEntry, error)

	// Renew spends 1 LinkCoin of the user to extend the conversation expiry
	// with the target. Fails with model.ErrInsufficientBalance.
	Renew(ctx context.Context, userId, targetId string) (time.Time, error)

	// Profile returns the user, including the LinkCoin balance.
	Profile(ctx context.Context, userId string) (*model.User, error)
}

package rest

import (
	"context"
	"time"

	"github.com/promoterlink/linkchat/model"
)

// Client is the REST collaborator consumed by the messaging core. It covers
// only the endpoints the core needs, not the full backend surface.
type Client interface {
	// FetchRoster returns the contact roster of the user, normalized into
	// the canonical Contact shape at this boundary.
	FetchRoster(ctx context.Context, userId string) ([]*model.Contact, error)

	// FetchConversation returns the ordered message history between two users.
	FetchConversation(ctx context.Context, userId, peerId string) ([]*model.Message, error)

	// MarkRead tells the server that messages from sender to receiver up to
	// now are read.
	MarkRead(ctx context.Context, senderId, receiverId string) error

	// RenewConversation spends 1 LinkCoin to renew the conversation with the
	// target user, returning the new expiry.
	RenewConversation(ctx context.Context, userId, targetId string) (time.Time, error)

	// SendMessage posts a message envelope over REST, the fallback path when
	// the socket is down. Returns the assigned server id.
	SendMessage(ctx context.Context, msg *model.Message) (string, error)

	// FetchProfile returns the user's own profile, including the
	// authoritative LinkCoin balance.
	FetchProfile(ctx context.Context, userId string) (*model.User, error)
}

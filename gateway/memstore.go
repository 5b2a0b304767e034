package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/promoterlink/linkchat/gate"
	"github.com/promoterlink/linkchat/model"
)

// MemStore implements interface `IHistoryStore` in memory. It backs the
// gateway in tests and in demo mode where no MySQL DSN is configured.
type MemStore struct {
	sync.Mutex

	users    map[string]*model.User
	contacts map[string]map[string]*time.Time // owner -> contact -> expiry
	messages map[string][]*model.Message      // conversation key -> ordered
	seen     map[string]struct{}              // server ids already saved
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:    make(map[string]*model.User),
		contacts: make(map[string]map[string]*time.Time),
		messages: make(map[string][]*model.Message),
		seen:     make(map[string]struct{}),
	}
}

// AddUser registers a user. Existing ids are overwritten.
func (s *MemStore) AddUser(u *model.User) {
	s.Lock()
	s.users[u.Id] = u
	s.Unlock()
}

// Link makes a and b mutual contacts with the given conversation expiry.
func (s *MemStore) Link(a, b string, expiry *time.Time) {
	s.Lock()
	defer s.Unlock()
	s.link(a, b, expiry)
	s.link(b, a, expiry)
}

func (s *MemStore) link(owner, target string, expiry *time.Time) {
	m, ok := s.contacts[owner]
	if !ok {
		m = make(map[string]*time.Time)
		s.contacts[owner] = m
	}
	m[target] = expiry
}

func (s *MemStore) SaveMessage(ctx context.Context, msg *model.Message) error {
	s.Lock()
	defer s.Unlock()

	if _, dup := s.seen[msg.ServerId]; dup {
		return nil
	}
	s.seen[msg.ServerId] = struct{}{}

	key := msg.ConvKey()
	s.messages[key] = append(s.messages[key], msg.Clone())
	return nil
}

func (s *MemStore) Conversation(ctx context.Context, a, b string) ([]*model.Message, error) {
	s.Lock()
	defer s.Unlock()

	seq := s.messages[model.ConvKey(a, b)]
	out := make([]*model.Message, 0, len(seq))
	for _, msg := range seq {
		out = append(out, msg.Clone())
	}
	return out, nil
}

func (s *MemStore) MarkRead(ctx context.Context, sender, receiver string) error {
	s.Lock()
	defer s.Unlock()

	for _, msg := range s.messages[model.ConvKey(sender, receiver)] {
		if msg.Sender == sender && msg.Receiver == receiver {
			msg.Read = model.StateRead
		}
	}
	return nil
}

func (s *MemStore) Roster(ctx context.Context, userId string) ([]*RosterEntry, error) {
	s.Lock()
	defer s.Unlock()

	var out []*RosterEntry
	for target, expiry := range s.contacts[userId] {
		u := s.users[target]
		if u == nil {
			continue
		}

		var unread int
		for _, msg := range s.messages[model.ConvKey(userId, target)] {
			if msg.Sender == target && msg.Read != model.StateRead {
				unread++
			}
		}

		entry := &RosterEntry{
			User: &RosterUser{
				Id:            u.Id,
				OwnerName:     u.DisplayName,
				ProfilePicUrl: u.ProfilePicUrl,
			},
			UnreadCount: unread,
		}
		if expiry != nil {
			t := *expiry
			entry.ConversationExpiry = &t
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *MemStore) Renew(ctx context.Context, userId, targetId string) (time.Time, error) {
	s.Lock()
	defer s.Unlock()

	u := s.users[userId]
	if u == nil {
		return time.Time{}, fmt.Errorf("unknown user %s", userId)
	}
	if _, ok := s.contacts[userId][targetId]; !ok {
		return time.Time{}, fmt.Errorf("user %s is not a contact of %s", targetId, userId)
	}
	if u.LinkCoins < gate.RenewalCost {
		return time.Time{}, model.Errorf(model.ErrInsufficientBalance,
			"user %s has %d LinkCoins", userId, u.LinkCoins)
	}

	u.LinkCoins -= gate.RenewalCost
	expiry := time.Now().Add(gate.RenewalWindow)
	s.link(userId, targetId, &expiry)
	s.link(targetId, userId, &expiry)
	return expiry, nil
}

func (s *MemStore) Profile(ctx context.Context, userId string) (*model.User, error) {
	s.Lock()
	defer s.Unlock()

	u := s.users[userId]
	if u == nil {
		return nil, fmt.Errorf("unknown user %s", userId)
	}
	out := *u
	return &out, nil
}

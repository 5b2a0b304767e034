// Package roster holds the locally cached contact set of the signed-in
// user, kept in sync with REST snapshots and live presence events.
package roster

import (
	"sort"
	"sync"

	"github.com/golang/glog"

	"github.com/promoterlink/linkchat/model"
)

// Roster never fabricates entries: it only reflects what the add-to-contacts
// action and periodic refresh report.
type Roster struct {
	sync.RWMutex
	contacts map[string]*model.Contact
}

func New() *Roster {
	return &Roster{contacts: make(map[string]*model.Contact)}
}

// ReplaceAll swaps in a freshly fetched roster. Unread flags accumulated
// since the last fetch are carried over for contacts present in both
// snapshots; a refresh must not silently clear them.
func (r *Roster) ReplaceAll(contacts []*model.Contact) {
	r.Lock()
	defer r.Unlock()

	next := make(map[string]*model.Contact, len(contacts))
	for _, c := range contacts {
		cc := c.Clone()
		if prev, ok := r.contacts[cc.UserId]; ok && prev.HasUnread {
			cc.HasUnread = true
		}
		next[cc.UserId] = cc
	}
	r.contacts = next
}

// SetPresence updates a single contact's online flag. Unknown user ids are
// ignored: presence events may race a contact removal.
func (r *Roster) SetPresence(userId string, online bool) {
	r.Lock()
	defer r.Unlock()
	c, ok := r.contacts[userId]
	if !ok {
		glog.V(5).Infof("roster: presence for unknown user %s, ignored", userId)
		return
	}
	c.IsOnline = online
}

// SetUnread flips the unread flag; no-op for unknown user ids.
func (r *Roster) SetUnread(userId string, hasUnread bool) {
	r.Lock()
	defer r.Unlock()
	if c, ok := r.contacts[userId]; ok {
		c.HasUnread = hasUnread
	}
}

// Update applies fn to the contact if present and reports whether it was.
func (r *Roster) Update(userId string, fn func(*model.Contact)) bool {
	r.Lock()
	defer r.Unlock()
	c, ok := r.contacts[userId]
	if ok {
		fn(c)
	}
	return ok
}

// Remove drops a contact after an explicit user-initiated removal.
func (r *Roster) Remove(userId string) bool {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.contacts[userId]; !ok {
		return false
	}
	delete(r.contacts, userId)
	return true
}

// Get returns a copy of the contact, or nil.
func (r *Roster) Get(userId string) *model.Contact {
	r.RLock()
	defer r.RUnlock()
	if c, ok := r.contacts[userId]; ok {
		return c.Clone()
	}
	return nil
}

// Contacts returns a copy of the roster ordered by display name, then id.
func (r *Roster) Contacts() []*model.Contact {
	r.RLock()
	defer r.RUnlock()

	out := make([]*model.Contact, 0, len(r.contacts))
	for _, c := range r.contacts {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].UserId < out[j].UserId
	})
	return out
}

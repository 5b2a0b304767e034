package store

import (
	"sync"

	"github.com/golang/glog"

	"github.com/promoterlink/linkchat/model"
)

// MessageStore implements interface `IMessageStore` in memory.
type MessageStore struct {
	sync.Mutex

	// conversation key -> ordered sequence.
	seqs map[string][]*model.Message

	// conversation key -> server ids already appended, for dedup.
	seen map[string]map[string]struct{}

	// local id -> conversation key, for reconciliation lookups.
	localIdx map[string]string
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		seqs:     make(map[string][]*model.Message),
		seen:     make(map[string]map[string]struct{}),
		localIdx: make(map[string]string),
	}
}

func (s *MessageStore) Append(key string, msg *model.Message) bool {
	s.Lock()
	defer s.Unlock()
	return s.append(key, msg)
}

// append expects the lock held.
func (s *MessageStore) append(key string, msg *model.Message) bool {
	if msg.ServerId != "" {
		if _, dup := s.seen[key][msg.ServerId]; dup {
			glog.V(5).Infof("store: drop duplicate message, conv: %s, server_id: %s", key, msg.ServerId)
			return false
		}
		s.markSeen(key, msg.ServerId)
	}
	s.seqs[key] = append(s.seqs[key], msg)
	if msg.LocalId != "" {
		s.localIdx[msg.LocalId] = key
	}
	return true
}

func (s *MessageStore) markSeen(key, serverId string) {
	m, ok := s.seen[key]
	if !ok {
		m = make(map[string]struct{})
		s.seen[key] = m
	}
	m[serverId] = struct{}{}
}

func (s *MessageStore) Reconcile(localId, serverId string, state model.DeliveryState) bool {
	s.Lock()
	defer s.Unlock()

	msg := s.find(localId)
	if msg == nil {
		// Duplicate or stale ack, benign.
		glog.Infof("store: reconcile for unknown local id %s, ignored", localId)
		return false
	}
	if msg.ServerId != "" {
		// Already reconciled; a repeated ack must not change anything.
		glog.Infof("store: duplicate ack for local id %s, ignored", localId)
		return false
	}
	if serverId != "" {
		key := msg.ConvKey()
		if _, dup := s.seen[key][serverId]; dup {
			glog.Infof("store: reconcile: server id %s already present in conv %s, ignored", serverId, key)
			return false
		}
		msg.ServerId = serverId
		s.markSeen(key, serverId)
	}
	msg.Delivery = state
	return true
}

func (s *MessageStore) Requeue(localId string) *model.Message {
	s.Lock()
	defer s.Unlock()

	msg := s.find(localId)
	if msg == nil || msg.Delivery != model.DeliveryFailed {
		return nil
	}
	msg.Delivery = model.DeliveryPending
	return msg.Clone()
}

// Find returns a copy of the message with the given local id, or nil.
func (s *MessageStore) Find(localId string) *model.Message {
	s.Lock()
	defer s.Unlock()
	if msg := s.find(localId); msg != nil {
		return msg.Clone()
	}
	return nil
}

// find expects the lock held.
func (s *MessageStore) find(localId string) *model.Message {
	key, ok := s.localIdx[localId]
	if !ok {
		return nil
	}
	for _, msg := range s.seqs[key] {
		if msg.LocalId == localId {
			return msg
		}
	}
	return nil
}

func (s *MessageStore) LoadHistory(key string, history []*model.Message) {
	s.Lock()
	defer s.Unlock()

	inHistory := make(map[string]struct{}, len(history))
	for _, msg := range history {
		if msg.LocalId != "" {
			inHistory[msg.LocalId] = struct{}{}
		}
	}

	// In-flight optimistic sends the server has not round-tripped yet stay,
	// appended after the loaded history. Failed entries stay too: they are
	// retried or discarded by the user, never dropped silently.
	var keep []*model.Message
	for _, msg := range s.seqs[key] {
		inFlight := msg.Delivery == model.DeliveryPending || msg.Delivery == model.DeliveryFailed
		if msg.LocalId == "" || !inFlight {
			delete(s.localIdx, msg.LocalId)
			continue
		}
		if _, ok := inHistory[msg.LocalId]; ok {
			delete(s.localIdx, msg.LocalId)
			continue
		}
		keep = append(keep, msg)
	}

	s.seqs[key] = nil
	s.seen[key] = make(map[string]struct{})
	for _, msg := range history {
		s.append(key, msg)
	}
	for _, msg := range keep {
		s.seqs[key] = append(s.seqs[key], msg)
	}
}

func (s *MessageStore) MarkRead(key, sender string) int {
	s.Lock()
	defer s.Unlock()

	var n int
	for _, msg := range s.seqs[key] {
		if msg.Sender == sender && msg.Read != model.StateRead {
			msg.Read = model.StateRead
			n++
		}
	}
	return n
}

func (s *MessageStore) Messages(key string) []*model.Message {
	s.Lock()
	defer s.Unlock()

	seq := s.seqs[key]
	out := make([]*model.Message, 0, len(seq))
	for _, msg := range seq {
		out = append(out, msg.Clone())
	}
	return out
}

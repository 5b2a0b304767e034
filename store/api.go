package store

import "github.com/promoterlink/linkchat/model"

// IMessageStore holds the canonical ordered message sequence per
// conversation key. Entries are ordered by insertion time, not by the
// timestamp field: client clocks are not trusted for ordering.
type IMessageStore interface {
	// Append adds a message at the end of the sequence for its conversation.
	// Duplicate inbound messages (same non-empty server id already present in
	// that conversation) are dropped; returns false when dropped.
	Append(key string, msg *model.Message) bool

	// Reconcile finds the message by local id and updates its server id and
	// delivery state in place. Unknown local ids (already reconciled, or a
	// duplicate ack) are a benign no-op; returns false in that case.
	Reconcile(localId, serverId string, state model.DeliveryState) bool

	// Requeue flips a failed message back to pending for a retry, reusing
	// the original local id and content. Returns a copy of the message, or
	// nil if the local id is unknown or the message is not failed.
	Requeue(localId string) *model.Message

	// LoadHistory replaces the sequence for a conversation with the
	// server-supplied list. Optimistic pending entries already present for
	// that key and absent from the list are preserved after the history.
	LoadHistory(key string, history []*model.Message)

	// MarkRead sets the read state of every message in the conversation sent
	// by the given sender. Returns the number of messages changed.
	MarkRead(key, sender string) int

	// Find returns a copy of the message with the given local id, or nil.
	Find(localId string) *model.Message

	// Messages returns a copy of the sequence for a conversation key.
	Messages(key string) []*model.Message
}

// IOutbox persists in-flight sends so they survive a restart and can be
// replayed after a reconnect.
type IOutbox interface {
	Put(msg *model.Message) error
	Delete(localId string) error
	Pending() ([]*model.Message, error)
	Close() error
}

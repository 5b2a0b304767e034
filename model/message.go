package model

import (
	"strings"
	"time"
)

// DeliveryState tracks a message on its way to the server.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// ReadState is set by the receiver's explicit mark-read action.
type ReadState string

const (
	StateUnread ReadState = "unread"
	StateRead   ReadState = "read"
)

// Message is one entry of a two-party conversation.
//
// LocalId is assigned client-side at creation and stays stable across retries
// and reconciliation. ServerId is filled in once the server acknowledges the
// message. Messages loaded from server history carry only a ServerId.
type Message struct {
	LocalId   string        `json:"local_id,omitempty"`
	ServerId  string        `json:"server_id,omitempty"`
	Sender    string        `json:"sender"`
	Receiver  string        `json:"receiver"`
	Content   string        `json:"content"`
	Timestamp time.Time     `json:"timestamp"`
	Delivery  DeliveryState `json:"status,omitempty"`
	Read      ReadState     `json:"message_status,omitempty"`
}

// ConvKey returns the conversation key of the message, the unordered pair of
// its two participant ids.
func (m *Message) ConvKey() string {
	return ConvKey(m.Sender, m.Receiver)
}

// ConvKey builds the canonical key for the conversation between two users.
// The key does not depend on the order of the arguments.
func ConvKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// ConvPeer returns the other participant of the message relative to self.
func (m *Message) ConvPeer(self string) string {
	if m.Sender == self {
		return m.Receiver
	}
	return m.Sender
}

// Clone returns a shallow copy.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// ValidateContent checks outgoing message text. The trimmed text must be
// non-empty and at most MaxContentLen runes.
func ValidateContent(text string) error {
	if strings.TrimSpace(text) == "" {
		return Errorf(ErrValidation, "message text is empty")
	}
	if len([]rune(text)) > MaxContentLen {
		return Errorf(ErrValidation, "message text exceeds %d characters", MaxContentLen)
	}
	return nil
}

// MaxContentLen is the maximum message length accepted from the composer.
const MaxContentLen = 500

package model

import "time"

// User is owned by the auth collaborator; the messaging core only reads it.
type User struct {
	Id            string `json:"_id"`
	DisplayName   string `json:"ownerName"`
	ProfilePicUrl string `json:"profilePicUrl"`
	LinkCoins     int    `json:"linkCoins"`
}

// Contact is one roster entry eligible for messaging.
//
// ConversationExpiry is nil when the backend never reported a lapse for this
// contact; a non-nil time in the past means sending requires a renewal.
type Contact struct {
	UserId             string     `json:"user_id"`
	DisplayName        string     `json:"display_name"`
	ProfilePicUrl      string     `json:"profile_pic_url,omitempty"`
	IsOnline           bool       `json:"is_online"`
	HasUnread          bool       `json:"has_unread"`
	ConversationExpiry *time.Time `json:"conversation_expiry,omitempty"`
}

// Clone returns a copy that does not share the expiry pointer.
func (c *Contact) Clone() *Contact {
	out := *c
	if c.ConversationExpiry != nil {
		t := *c.ConversationExpiry
		out.ConversationExpiry = &t
	}
	return &out
}

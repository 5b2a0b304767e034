package model

// Wire frames exchanged over the websocket. Exactly one field of each frame
// is set; the populated field selects the request kind.

const (
	AckOk    = "ok"
	AckError = "error"
)

// JoinReq registers the session for targeted delivery. It is re-sent on
// every reconnect; losing it silently drops all inbound messages.
type JoinReq struct {
	UserId string `json:"user_id"`
}

// Ack answers a send_message frame, correlated by the sender's local id.
type Ack struct {
	LocalId  string `json:"local_id"`
	Status   string `json:"status"`
	ServerId string `json:"server_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Presence reports a contact going online or offline.
type Presence struct {
	UserId string `json:"user_id"`
	Online bool   `json:"online"`
}

// ClientFrame is sent from the app to the gateway.
type ClientFrame struct {
	Join        *JoinReq `json:"join,omitempty"`
	SendMessage *Message `json:"send_message,omitempty"`
}

// ServerFrame is pushed from the gateway to the app.
type ServerFrame struct {
	Ack            *Ack      `json:"ack,omitempty"`
	ReceiveMessage *Message  `json:"receive_message,omitempty"`
	Presence       *Presence `json:"presence,omitempty"`
}

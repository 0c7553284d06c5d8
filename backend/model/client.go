package model

import "github.com/google/uuid"

// Client is one endpoint's membership in a room.
//
// For open rooms the client key is a server-generated random id, for direct
// rooms it is the device's push id. The session id is the external identifier
// clients present to /leave, /message and the relay instead of their join
// key, so the cache-internal key never travels back over the wire.
type Client struct {
	IsInitiator bool     `json:"initiator"`
	Messages    [][]byte `json:"messages"`
	SessionID   string   `json:"session_id"`
}

func NewClient(isInitiator bool) *Client {
	return &Client{
		IsInitiator: isInitiator,
		SessionID:   uuid.NewString(),
	}
}

// AddMessage buffers a signaling payload for delivery to the other client at
// join time. Payloads are opaque to the room layer.
func (c *Client) AddMessage(msg []byte) {
	c.Messages = append(c.Messages, msg)
}

func (c *Client) ClearMessages() {
	c.Messages = nil
}

package model

import (
	"fmt"
	"sort"
)

type RoomType int

const (
	// RoomTypeOpen rooms are joinable by anyone knowing the room name.
	RoomTypeOpen RoomType = 1
	// RoomTypeDirect rooms are used for direct calling and enforce the
	// allowed-clients list once it is set.
	RoomTypeDirect RoomType = 2
)

// LoopbackClientID is the synthetic second occupant injected for loopback
// debug calls. It never sends or receives buffered messages and is removed
// together with the real initiator.
const LoopbackClientID = "LOOPBACK_CLIENT_ID"

// Room is the unit of state stored under one cache key. It is a pure
// in-memory structure: no I/O, no retries. Every mutating room operation
// goes through the repository's CAS protocol.
type Room struct {
	Type    RoomType           `json:"room_type"`
	Clients map[string]*Client `json:"clients"`
	// AllowedClients is nil for unrestricted rooms. Once set for a direct
	// room it is immutable for the life of the cache key.
	AllowedClients []string `json:"allowed_clients"`
}

func NewRoom(roomType RoomType) *Room {
	if roomType != RoomTypeOpen && roomType != RoomTypeDirect {
		roomType = RoomTypeOpen
	}
	return &Room{
		Type:    roomType,
		Clients: make(map[string]*Client),
	}
}

func (r *Room) AddClient(clientID string, client *Client) {
	if r.Clients == nil {
		r.Clients = make(map[string]*Client)
	}
	r.Clients[clientID] = client
}

func (r *Room) RemoveClient(clientID string) {
	delete(r.Clients, clientID)
}

func (r *Room) HasClient(clientID string) bool {
	_, ok := r.Clients[clientID]
	return ok
}

func (r *Room) Occupancy() int {
	return len(r.Clients)
}

func (r *Room) State() RoomState {
	switch r.Occupancy() {
	case 0:
		return StateEmpty
	case 1:
		return StateWaiting
	}
	return StateFull
}

// AddAllowedClient switches the room from unrestricted to enforced on first
// call.
func (r *Room) AddAllowedClient(clientID string) {
	for _, id := range r.AllowedClients {
		if id == clientID {
			return
		}
	}
	r.AllowedClients = append(r.AllowedClients, clientID)
}

// IsClientAllowed reports whether clientID may join. A nil allow-list means
// no list is enforced.
func (r *Room) IsClientAllowed(clientID string) bool {
	if r.AllowedClients == nil {
		return true
	}
	for _, id := range r.AllowedClients {
		if id == clientID {
			return true
		}
	}
	return false
}

func (r *Room) Client(clientID string) *Client {
	return r.Clients[clientID]
}

func (r *Room) HasClientBySessionID(sessionID string) bool {
	return r.ClientBySessionID(sessionID) != nil
}

func (r *Room) ClientBySessionID(sessionID string) *Client {
	for _, c := range r.Clients {
		if c != nil && c.SessionID == sessionID {
			return c
		}
	}
	return nil
}

func (r *Room) ClientIDBySessionID(sessionID string) string {
	for id, c := range r.Clients {
		if c != nil && c.SessionID == sessionID {
			return id
		}
	}
	return ""
}

// OtherClient returns the occupant whose key differs from clientID, if any.
func (r *Room) OtherClient(clientID string) *Client {
	for id, c := range r.Clients {
		if id != clientID {
			return c
		}
	}
	return nil
}

func (r *Room) OtherClientID(clientID string) string {
	for id := range r.Clients {
		if id != clientID {
			return id
		}
	}
	return ""
}

// String renders the occupant key list for logs.
func (r *Room) String() string {
	keys := make([]string, 0, len(r.Clients))
	for id := range r.Clients {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%v", keys)
}

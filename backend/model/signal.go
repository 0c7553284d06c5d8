package model

// Relay frame commands.
const (
	CmdRegister = "register"
	CmdSend     = "send"
)

// Frame is one message on a relay connection. Clients first register with
// their room id and session id, then exchange opaque signaling payloads.
// The server re-assigns SRC based on the registered session, never trusting
// the wire value.
type Frame struct {
	Cmd    string `json:"cmd,omitempty"`
	RoomID string `json:"roomid,omitempty"`
	SRC    string `json:"clientid,omitempty"`
	Msg    string `json:"msg,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Wire is the channel pair connecting a relay session to the switch.
type Wire struct {
	RX chan Frame
	TX chan Frame
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Frame),
		TX: make(chan Frame),
	}
}

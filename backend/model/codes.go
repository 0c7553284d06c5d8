package model

// ResultCode is the protocol-level outcome of a room operation. These are
// ordinary return values, not Go errors: a full room or an unknown session
// is an expected condition that handlers translate into a response body.
type ResultCode string

const (
	ResultSuccess         ResultCode = "SUCCESS"
	ResultRoomFull        ResultCode = "FULL"
	ResultInvalidRoom     ResultCode = "INVALID_ROOM"
	ResultUnknownRoom     ResultCode = "UNKNOWN_ROOM"
	ResultInvalidUser     ResultCode = "INVALID_USER"
	ResultDuplicateClient ResultCode = "DUPLICATE_CLIENT"
	ResultInvalidCallee   ResultCode = "INVALID_CALLEE"
	ResultInvalidCaller   ResultCode = "INVALID_CALLER"
	ResultInvalidArgument ResultCode = "INVALID_ARGUMENT"
	ResultInternalError   ResultCode = "INTERNAL_ERROR"
)

// RoomState is derived from occupancy and never stored, so it cannot drift
// from the aggregate.
type RoomState int

const (
	StateEmpty RoomState = iota
	StateWaiting
	StateFull
)

func (s RoomState) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StateWaiting:
		return "WAITING"
	case StateFull:
		return "FULL"
	}
	return "UNKNOWN"
}

package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Codec transforms serialized aggregates before they touch the cache,
// typically encryption at rest. Implementations live in backend/sealer.
type Codec interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

var ErrCorruptRoom = errors.New("stored room cannot be decoded")

// EncodeRoom serializes the aggregate and runs it through the codec. The
// resulting bytes are what the repository stores under the room's cache key.
func EncodeRoom(codec Codec, room *Room) ([]byte, error) {
	b, err := json.Marshal(room)
	if err != nil {
		return nil, fmt.Errorf("marshal room: %w", err)
	}
	sealed, err := codec.Seal(b)
	if err != nil {
		return nil, fmt.Errorf("seal room: %w", err)
	}
	return sealed, nil
}

// DecodeRoom reverses EncodeRoom. Any failure means the stored value is
// corrupt or undecryptable, which callers must treat as fatal for the
// request rather than retry: a read that failed to decode will not
// self-heal.
func DecodeRoom(codec Codec, data []byte) (*Room, error) {
	b, err := codec.Open(data)
	if err != nil {
		return nil, errors.Join(ErrCorruptRoom, err)
	}
	var room Room
	if err = json.Unmarshal(b, &room); err != nil {
		return nil, errors.Join(ErrCorruptRoom, err)
	}
	if room.Clients == nil {
		room.Clients = make(map[string]*Client)
	}
	return &room, nil
}

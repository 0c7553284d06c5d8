// Package service manages relay signaling sessions: a session may only
// attach to the switch after proving membership in its room, presenting the
// session id issued at join time rather than the cache-internal client key.
package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/webrtc/apprtc/backend/model"
)

var (
	ErrNotAMember = errors.New("session is not a member of this room")
	ErrConnect    = errors.New("unable to connect")
	ErrDisconnect = errors.New("unable to disconnect")
	ErrNotLive    = errors.New("no live session to deliver to")
)

type (
	// RoomLookup is the read-only view of the room repository the relay
	// needs for membership checks.
	RoomLookup interface {
		Room(host, roomID string) *model.Room
	}

	Switch interface {
		Connect(ctx context.Context, roomID string, sessionID string, wire model.Wire) error
		Disconnect(roomID string, sessionID string) error
		Deliver(ctx context.Context, frame model.Frame, roomID string) bool
	}

	Service struct {
		rooms  RoomLookup
		sw     Switch
		host   string
		logger zerolog.Logger
	}

	Config struct {
		Rooms  RoomLookup
		Switch Switch
		// Host is the canonical host rooms are keyed under.
		Host   string
		Logger *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		rooms:  cfg.Rooms,
		sw:     cfg.Switch,
		host:   cfg.Host,
		logger: cfg.Logger.With().Str("component", "signaling").Logger(),
	}
}

func (svc *Service) isMember(roomID, sessionID string) bool {
	room := svc.rooms.Room(svc.host, roomID)
	return room != nil && room.HasClientBySessionID(sessionID)
}

// CreateSignalingSession attaches a registered session to the room's relay
// plane. The session id must belong to a current room occupant.
func (svc *Service) CreateSignalingSession(ctx context.Context, roomID, sessionID string, wire model.Wire) error {
	if !svc.isMember(roomID, sessionID) {
		return ErrNotAMember
	}
	if err := svc.sw.Connect(ctx, roomID, sessionID, wire); err != nil {
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("sessionID", sessionID).
		Msg("signaling session connected")
	return nil
}

func (svc *Service) DeleteSignalingSession(_ context.Context, roomID, sessionID string) error {
	if err := svc.sw.Disconnect(roomID, sessionID); err != nil {
		return errors.Join(ErrDisconnect, err)
	}
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("sessionID", sessionID).
		Msg("signaling session deleted")
	return nil
}

// RelayMessage delivers a payload posted over HTTP to the other live
// session of the room, on behalf of sessionID.
func (svc *Service) RelayMessage(ctx context.Context, roomID, sessionID string, payload []byte) error {
	if !svc.isMember(roomID, sessionID) {
		return ErrNotAMember
	}
	frame := model.Frame{
		Cmd: model.CmdSend,
		SRC: sessionID,
		Msg: string(payload),
	}
	if !svc.sw.Deliver(ctx, frame, roomID) {
		svc.logger.Debug().
			Str("roomID", roomID).
			Str("sessionID", sessionID).
			Msg("relayed message was dropped, no live peer")
		return ErrNotLive
	}
	return nil
}

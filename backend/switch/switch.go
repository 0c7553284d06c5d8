// Package _switch forwards signaling frames between the sessions of one
// room. It is the in-process relay plane: rooms have at most two live
// sessions, and a frame from one is handed to the other over its wire.
package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/webrtc/apprtc/backend/model"
)

const (
	defaultFwdTimout = time.Second
)

type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]model.Wire
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]model.Wire),
	}
}

func (sw *Switch) Disconnect(roomID, sessionID string) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("sessionID", sessionID).
			Msg("session disconnected")
	}()

	room, ok := sw.fwd[roomID]
	if ok {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(sw.fwd, roomID)
		}
	}
	return nil
}

func (sw *Switch) Connect(ctx context.Context, roomID string, sessionID string, wire model.Wire) error {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("sessionID", sessionID).
			Msg("session connected")
		go sw.forwardFrames(ctx, roomID, wire.RX)
	}()

	room, ok := sw.fwd[roomID]
	if !ok {
		room = make(map[string]model.Wire)
	}
	room[sessionID] = wire
	sw.fwd[roomID] = room
	return nil
}

func (sw *Switch) forwardFrames(ctx context.Context, roomID string, rx <-chan model.Frame) {
fwdLoop:
	for {
		select {
		case <-ctx.Done():
			break fwdLoop
		case frame := <-rx:
			if frame.SRC == "" {
				sw.logger.Error().
					Str("roomID", roomID).
					Msg("frame with empty src")
			} else {
				if !sw.Deliver(ctx, frame, roomID) {
					sw.logger.Debug().
						Str("roomID", roomID).
						Str("src", frame.SRC).
						Msg("incoming frame was dropped, nowhere to forward")
				}
			}
		}
	}
}

// Deliver hands the frame to every session in the room except its sender.
// With the two-peer occupancy bound this is exactly "the other client".
// Returns false when no live session received it.
func (sw *Switch) Deliver(ctx context.Context, frame model.Frame, roomID string) bool {
	var (
		sent   bool
		logger = sw.logger.With().
			Str("roomID", roomID).
			Str("src", frame.SRC).Logger()
	)

	sw.mx.RLock()
	room := sw.fwd[roomID]
	sw.mx.RUnlock()

	for sessionID, wire := range room {
		if sessionID == frame.SRC {
			continue
		}
		frameSent, canceled := send(ctx, frame, wire.TX, &logger)
		if canceled {
			break
		}
		if frameSent {
			sent = true
		}
	}
	return sent
}

// HasSession reports whether a session is currently connected, used by the
// HTTP relay path to decide between delivery and an error response.
func (sw *Switch) HasSession(roomID, sessionID string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	_, ok := sw.fwd[roomID][sessionID]
	return ok
}

func send(ctx context.Context, frame model.Frame, tx chan<- model.Frame, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultFwdTimout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Msg("dead session")
	case tx <- frame:
		logger.Debug().Msg("frame is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}

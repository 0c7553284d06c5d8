package service

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/webrtc/apprtc/backend/model"
)

type fakeRooms struct {
	rooms map[string]*model.Room
}

func (f *fakeRooms) Room(_, roomID string) *model.Room {
	return f.rooms[roomID]
}

type fakeSwitch struct {
	connected    map[string]string
	delivered    []model.Frame
	dropDelivery bool
}

func (f *fakeSwitch) Connect(_ context.Context, roomID, sessionID string, _ model.Wire) error {
	if f.connected == nil {
		f.connected = make(map[string]string)
	}
	f.connected[sessionID] = roomID
	return nil
}

func (f *fakeSwitch) Disconnect(_, sessionID string) error {
	delete(f.connected, sessionID)
	return nil
}

func (f *fakeSwitch) Deliver(_ context.Context, frame model.Frame, _ string) bool {
	if f.dropDelivery {
		return false
	}
	f.delivered = append(f.delivered, frame)
	return true
}

func newTestService(sw Switch) (*Service, *model.Client) {
	logger := zerolog.Nop()
	room := model.NewRoom(model.RoomTypeOpen)
	occupant := model.NewClient(true)
	room.AddClient("11111111", occupant)
	svc := NewService(Config{
		Rooms:  &fakeRooms{rooms: map[string]*model.Room{"foo": room}},
		Switch: sw,
		Host:   "example.com",
		Logger: &logger,
	})
	return svc, occupant
}

func TestCreateSignalingSession(t *testing.T) {
	sw := &fakeSwitch{}
	svc, occupant := newTestService(sw)
	ctx := context.Background()

	t.Run("member connects", func(t *testing.T) {
		if err := svc.CreateSignalingSession(ctx, "foo", occupant.SessionID, model.NewWire()); err != nil {
			t.Fatalf("create: %v", err)
		}
		if sw.connected[occupant.SessionID] != "foo" {
			t.Fatalf("switch did not register the session")
		}
	})

	t.Run("unknown session rejected", func(t *testing.T) {
		err := svc.CreateSignalingSession(ctx, "foo", "not-a-session", model.NewWire())
		if !errors.Is(err, ErrNotAMember) {
			t.Fatalf("err=%v, want ErrNotAMember", err)
		}
	})

	t.Run("unknown room rejected", func(t *testing.T) {
		err := svc.CreateSignalingSession(ctx, "bar", occupant.SessionID, model.NewWire())
		if !errors.Is(err, ErrNotAMember) {
			t.Fatalf("err=%v, want ErrNotAMember", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		if err := svc.DeleteSignalingSession(ctx, "foo", occupant.SessionID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, ok := sw.connected[occupant.SessionID]; ok {
			t.Fatalf("session still registered after delete")
		}
	})
}

func TestRelayMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("member relays", func(t *testing.T) {
		sw := &fakeSwitch{}
		svc, occupant := newTestService(sw)
		if err := svc.RelayMessage(ctx, "foo", occupant.SessionID, []byte("offer")); err != nil {
			t.Fatalf("relay: %v", err)
		}
		if len(sw.delivered) != 1 {
			t.Fatalf("delivered=%v, want one frame", sw.delivered)
		}
		frame := sw.delivered[0]
		if frame.Cmd != model.CmdSend || frame.SRC != occupant.SessionID || frame.Msg != "offer" {
			t.Fatalf("frame=%+v", frame)
		}
	})

	t.Run("non-member rejected", func(t *testing.T) {
		sw := &fakeSwitch{}
		svc, _ := newTestService(sw)
		err := svc.RelayMessage(ctx, "foo", "stranger", []byte("x"))
		if !errors.Is(err, ErrNotAMember) {
			t.Fatalf("err=%v, want ErrNotAMember", err)
		}
		if len(sw.delivered) != 0 {
			t.Fatalf("nothing must be delivered for a rejected sender")
		}
	})

	t.Run("dropped delivery surfaces", func(t *testing.T) {
		sw := &fakeSwitch{dropDelivery: true}
		svc, occupant := newTestService(sw)
		err := svc.RelayMessage(ctx, "foo", occupant.SessionID, []byte("x"))
		if !errors.Is(err, ErrNotLive) {
			t.Fatalf("err=%v, want ErrNotLive", err)
		}
	})
}

package _switch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/webrtc/apprtc/backend/model"
)

func newTestSwitch() *Switch {
	logger := zerolog.Nop()
	return NewSwitch(&logger)
}

func recvFrame(t *testing.T, ch <-chan model.Frame) model.Frame {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame arrived")
	}
	return model.Frame{}
}

func TestDeliverToPeer(t *testing.T) {
	sw := newTestSwitch()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := model.NewWire(), model.NewWire()
	if err := sw.Connect(ctx, "room", "sess-a", a); err != nil {
		t.Fatalf("connect a: %v", err)
	}
	if err := sw.Connect(ctx, "room", "sess-b", b); err != nil {
		t.Fatalf("connect b: %v", err)
	}

	// Deliver blocks until a peer receives, so drain b's wire concurrently.
	received := make(chan model.Frame, 1)
	go func() {
		received <- <-b.TX
	}()

	frame := model.Frame{Cmd: model.CmdSend, SRC: "sess-a", Msg: "offer"}
	if !sw.Deliver(ctx, frame, "room") {
		t.Fatalf("delivery must reach the peer")
	}
	got := recvFrame(t, received)
	if got.SRC != "sess-a" || got.Msg != "offer" {
		t.Fatalf("got %+v", got)
	}

	select {
	case f := <-a.TX:
		t.Fatalf("sender must not receive its own frame: %+v", f)
	default:
	}
}

func TestForwardFromWire(t *testing.T) {
	sw := newTestSwitch()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := model.NewWire(), model.NewWire()
	_ = sw.Connect(ctx, "room", "sess-a", a)
	_ = sw.Connect(ctx, "room", "sess-b", b)

	a.RX <- model.Frame{Cmd: model.CmdSend, SRC: "sess-a", Msg: "candidate"}
	got := recvFrame(t, b.TX)
	if got.Msg != "candidate" {
		t.Fatalf("got %+v", got)
	}
}

func TestDeliverWithoutPeer(t *testing.T) {
	sw := newTestSwitch()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := model.NewWire()
	_ = sw.Connect(ctx, "room", "sess-a", a)

	if sw.Deliver(ctx, model.Frame{SRC: "sess-a", Msg: "x"}, "room") {
		t.Fatalf("delivery with no peer must report a drop")
	}
	if sw.Deliver(ctx, model.Frame{SRC: "ghost", Msg: "x"}, "empty-room") {
		t.Fatalf("delivery to unknown room must report a drop")
	}
}

func TestDisconnect(t *testing.T) {
	sw := newTestSwitch()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, b := model.NewWire(), model.NewWire()
	_ = sw.Connect(ctx, "room", "sess-a", a)
	_ = sw.Connect(ctx, "room", "sess-b", b)
	if !sw.HasSession("room", "sess-b") {
		t.Fatalf("session must be registered")
	}

	if err := sw.Disconnect("room", "sess-b"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if sw.HasSession("room", "sess-b") {
		t.Fatalf("session must be gone")
	}
	if sw.Deliver(ctx, model.Frame{SRC: "sess-a", Msg: "x"}, "room") {
		t.Fatalf("delivery after peer disconnect must report a drop")
	}

	_ = sw.Disconnect("room", "sess-a")
	if sw.HasSession("room", "sess-a") {
		t.Fatalf("room must be emptied")
	}
}

package websocket

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/webrtc/apprtc/backend/model"
	"github.com/webrtc/apprtc/backend/rooms"
	"github.com/webrtc/apprtc/backend/sealer"
	"github.com/webrtc/apprtc/backend/service"
	"github.com/webrtc/apprtc/backend/storage/cache"
	sw "github.com/webrtc/apprtc/backend/switch"
)

const testHost = "example.com"

type testRelay struct {
	srv    *httptest.Server
	repo   *rooms.Repository
	sw     *sw.Switch
	wsAddr string
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	logger := zerolog.Nop()

	repo := rooms.NewRepository(rooms.Config{
		Store:  cache.NewMemory(),
		Codec:  sealer.Plaintext{},
		Logger: &logger,
	})
	relaySwitch := sw.NewSwitch(&logger)
	svc := service.NewService(service.Config{
		Rooms:  repo,
		Switch: relaySwitch,
		Host:   testHost,
		Logger: &logger,
	})
	relay := NewServer(Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       ":0",
	})

	srv := httptest.NewServer(relay.Server.Handler)
	t.Cleanup(srv.Close)
	return &testRelay{
		srv:    srv,
		repo:   repo,
		sw:     relaySwitch,
		wsAddr: "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/ws",
	}
}

func (tr *testRelay) join(t *testing.T, roomID, clientID string) string {
	t.Helper()
	res := tr.repo.Join(testHost, roomID, clientID, rooms.JoinOptions{
		RoomType:      model.RoomTypeOpen,
		AllowCreation: true,
	})
	if res.Code != model.ResultSuccess {
		t.Fatalf("join %s: %s", clientID, res.Code)
	}
	return res.SessionID
}

func (tr *testRelay) connect(t *testing.T, roomID, sessionID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(tr.wsAddr, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	reg := model.Frame{Cmd: model.CmdRegister, RoomID: roomID, SRC: sessionID}
	if err = conn.WriteJSON(&reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return conn
}

func (tr *testRelay) waitForSession(t *testing.T, roomID, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.sw.HasSession(roomID, sessionID) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s never registered", sessionID)
}

func readFrame(t *testing.T, conn *websocket.Conn) model.Frame {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	var frame model.Frame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestStatus(t *testing.T) {
	tr := newTestRelay(t)
	resp, err := http.Get(tr.srv.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	var status struct {
		UpSec *float64 `json:"upsec"`
	}
	if err = json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.UpSec == nil || *status.UpSec < 0 {
		t.Fatalf("status=%+v, want non-negative upsec", status)
	}
}

func TestRelayBetweenPeers(t *testing.T) {
	tr := newTestRelay(t)
	sessA := tr.join(t, "room", "aaaa")
	sessB := tr.join(t, "room", "bbbb")

	connA := tr.connect(t, "room", sessA)
	connB := tr.connect(t, "room", sessB)
	tr.waitForSession(t, "room", sessA)
	tr.waitForSession(t, "room", sessB)

	if err := connA.WriteJSON(&model.Frame{Cmd: model.CmdSend, Msg: `{"type":"offer"}`}); err != nil {
		t.Fatalf("send: %v", err)
	}
	frame := readFrame(t, connB)
	if frame.Msg != `{"type":"offer"}` {
		t.Fatalf("frame=%+v", frame)
	}
	// Routing fields stay server-side.
	if frame.Cmd != "" || frame.SRC != "" || frame.RoomID != "" {
		t.Fatalf("frame leaks routing fields: %+v", frame)
	}

	if err := connB.WriteJSON(&model.Frame{Cmd: model.CmdSend, Msg: "answer"}); err != nil {
		t.Fatalf("send back: %v", err)
	}
	if frame = readFrame(t, connA); frame.Msg != "answer" {
		t.Fatalf("frame=%+v", frame)
	}
}

func TestRegisterRejectsNonMember(t *testing.T) {
	tr := newTestRelay(t)
	tr.join(t, "room", "aaaa")

	conn := tr.connect(t, "room", "not-a-session")
	frame := readFrame(t, conn)
	if frame.Error == "" {
		t.Fatalf("frame=%+v, want error frame", frame)
	}
}

func TestPostedMessageRelay(t *testing.T) {
	tr := newTestRelay(t)
	sessA := tr.join(t, "room", "aaaa")
	sessB := tr.join(t, "room", "bbbb")

	connB := tr.connect(t, "room", sessB)
	tr.waitForSession(t, "room", sessB)

	t.Run("delivered to live peer", func(t *testing.T) {
		resp, err := http.Post(tr.srv.URL+"/room/"+sessA, "application/json", bytes.NewReader([]byte("posted-candidate")))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status=%d, want 200", resp.StatusCode)
		}
		if frame := readFrame(t, connB); frame.Msg != "posted-candidate" {
			t.Fatalf("frame=%+v", frame)
		}
	})

	t.Run("unknown sender rejected", func(t *testing.T) {
		resp, err := http.Post(tr.srv.URL+"/room/bogus", "application/json", bytes.NewReader([]byte("x")))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("status=%d, want 404", resp.StatusCode)
		}
	})

	t.Run("empty body rejected", func(t *testing.T) {
		resp, err := http.Post(tr.srv.URL+"/room/"+sessA, "application/json", nil)
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status=%d, want 400", resp.StatusCode)
		}
	})
}

// Package websocket serves the relay plane: clients upgrade, register with
// their room id and join-issued session id, then exchange opaque signaling
// frames with the other occupant. The same server exposes the /status
// endpoint the health prober checks and the POST endpoint the API uses to
// forward messages once a room is full.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/webrtc/apprtc/backend/model"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSignalingSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultRegisterDeadline            = 5 * time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		CreateSignalingSession(context.Context, string, string, model.Wire) error
		DeleteSignalingSession(context.Context, string, string) error
		RelayMessage(ctx context.Context, roomID, sessionID string, payload []byte) error
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		started time.Time
		logger  zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:  cfg.Logger.With().Str("component", "relay-server").Logger(),
		svc:     cfg.SignalingService,
		started: time.Now(),
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", srv.signal)
	mux.HandleFunc("GET /status", srv.status)
	mux.HandleFunc("POST /{roomID}/{sessionID}", srv.relay)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

// status reports uptime in the shape the health prober expects.
func (srv *Server) status(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	upsec := int64(time.Since(srv.started).Seconds())
	_, _ = fmt.Fprintf(w, `{"upsec": %d}`+"\n", upsec)
}

// relay accepts a payload posted by the API's message path and delivers it
// to the other live session of the room.
func (srv *Server) relay(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	sessionID := r.PathValue("sessionID")
	body, err := io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil || len(body) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err = srv.svc.RelayMessage(r.Context(), roomID, sessionID, body); err != nil {
		srv.logger.Warn().Err(err).
			Str("roomID", roomID).
			Str("sessionID", sessionID).
			Msg("failed to relay posted message")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	// The first frame must register the session before anything is
	// forwarded.
	reg, err := readRegister(conn)
	if err != nil {
		srv.logger.Warn().Err(err).Msg("register handshake failed")
		webSocketCloser(conn, &srv.logger)
		return
	}

	wire := model.NewWire()

	ctx, cancel := context.WithCancel(context.TODO()) // long-living wire context

	err = srv.svc.CreateSignalingSession(ctx, reg.RoomID, reg.SRC, wire)
	if err != nil {
		srv.logger.Error().Err(err).
			Str("roomID", reg.RoomID).
			Msg("failed to create signaling session")
		cancel()
		writeErrorFrame(conn, "not a member of this room", &srv.logger)
		webSocketCloser(conn, &srv.logger)
		return
	}
	srv.logger.Debug().
		Str("roomID", reg.RoomID).
		Str("sessionID", reg.SRC).
		Msg("signaling session created")

	go srv.handleWSConn(ctx, cancel, conn, reg.RoomID, reg.SRC, wire)
}

func readRegister(conn *websocket.Conn) (model.Frame, error) {
	var reg model.Frame
	if err := conn.SetReadDeadline(time.Now().Add(defaultRegisterDeadline)); err != nil {
		return reg, err
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return reg, err
	}
	if err = json.Unmarshal(msg, &reg); err != nil {
		return reg, err
	}
	if reg.Cmd != model.CmdRegister || reg.RoomID == "" || reg.SRC == "" {
		return reg, errors.New("first frame must register room and client")
	}
	return reg, nil
}

func (srv *Server) destroySession(roomID, sessionID string, logger *zerolog.Logger) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultSignalingSessionCloseTimeout))
	defer cancel()
	err := srv.svc.DeleteSignalingSession(ctx, roomID, sessionID)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to delete signaling session")
		return
	}
	logger.Debug().
		Str("roomID", roomID).
		Str("sessionID", sessionID).
		Msg("signaling session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	roomID string,
	sessionID string,
	wire model.Wire,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("roomID", roomID).
		Str("sessionID", sessionID).
		Logger()

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, sessionID, wire.RX, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.destroySession(roomID, sessionID, &logger)
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Frame,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case frame, ok := <-tx:
			if !ok {
				break SendLoop
			}

			// Clients receive only the payload wrapper, never routing
			// fields.
			b, wsErr := json.Marshal(&model.Frame{Msg: frame.Msg, Error: frame.Error})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to marshall outgoing frame")
				break SendLoop
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(websocket.TextMessage)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket text writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing frame")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	sessionID string,
	rx chan<- model.Frame,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(defaultWebSocketMaxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Warn().Err(wsErr).Msg("connection closed")
				} else {
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			var frame model.Frame
			if wsErr = json.Unmarshal(msg, &frame); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to unmarshall incoming frame")
				continue
			}
			if frame.Cmd != model.CmdSend {
				logger.Warn().Str("cmd", frame.Cmd).Msg("unexpected command on registered connection")
				continue
			}
			frame.SRC = sessionID
			select {
			case rx <- frame:
			case <-ctx.Done():
				break RecvLoop
			}
		}
	}
}

func writeErrorFrame(conn *websocket.Conn, message string, logger *zerolog.Logger) {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return
	}
	b, err := json.Marshal(&model.Frame{Error: message})
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshall error frame")
		return
	}
	if err = conn.WriteMessage(websocket.TextMessage, b); err != nil {
		logger.Error().Err(err).Msg("failed to write error frame")
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil {
			logger.Error().Err(wsErr).Msg("failed to close websocket connection")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/webrtc/apprtc/backend/model"
	"github.com/webrtc/apprtc/backend/notify"
	"github.com/webrtc/apprtc/backend/params"
	"github.com/webrtc/apprtc/backend/prober"
	"github.com/webrtc/apprtc/backend/registry"
	"github.com/webrtc/apprtc/backend/rooms"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultForwardDeadline  = 10 * time.Second

	clientIDLength = 8

	actionCall   = "call"
	actionAccept = "accept"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomService interface {
	Join(host, roomID, clientID string, opts rooms.JoinOptions) rooms.JoinResult
	LeaveOpen(host, roomID, sessionID string) rooms.LeaveResult
	RemoveDirect(host, roomID, clientID string, forDecline bool) rooms.RemoveResult
	SaveMessage(host, roomID, sessionID string, payload []byte) rooms.SaveResult
	HasRoom(host, roomID string) bool
	State(host, roomID string) (model.RoomState, bool)
}

type DeviceRegistry interface {
	ByUserID(userID string, verifiedOnly bool) ([]registry.Record, error)
	ByDeviceID(deviceID string, verifiedOnly bool) ([]registry.Record, error)
	AssociatedRecordsForDeviceID(deviceID string, verifiedOnly bool) ([]registry.Record, error)
}

type ParamResolver interface {
	Resolve(q url.Values, host, roomID string) params.RoomParams
	WSSParams(q url.Values) (wssURL, wssPostURL string)
}

type ColliderProber interface {
	ProbeAll(ctx context.Context) prober.Results
}

type joinRequest struct {
	Action      string `json:"action,omitempty"`
	CallerGCMID string `json:"caller_gcm_id,omitempty"`
	CalleeID    string `json:"callee_id,omitempty"`
	CalleeGCMID string `json:"callee_gcm_id,omitempty"`
}

type leaveRequest struct {
	UserGCMID string `json:"user_gcm_id,omitempty"`
}

type declineRequest struct {
	CalleeGCMID string `json:"callee_gcm_id,omitempty"`
	Metadata    any    `json:"metadata,omitempty"`
}

// joinParams extends the negotiated room parameters with the fields only a
// successful join produces.
type joinParams struct {
	params.RoomParams
	ClientID    string   `json:"client_id"`
	IsInitiator bool     `json:"is_initiator"`
	Messages    []string `json:"messages"`
}

type resultResponse struct {
	Result model.ResultCode `json:"result"`
	Params any              `json:"params,omitempty"`
}

type Server struct {
	logger   zerolog.Logger
	svc      RoomService
	registry DeviceRegistry
	resolver ParamResolver
	prober   ColliderProber
	notifier notify.Sender
	client   *http.Client
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	Registry    DeviceRegistry
	Resolver    ParamResolver
	Prober      ColliderProber
	Notifier    notify.Sender
	ListenAddr  string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:   cfg.Logger.With().Str("component", "api-server").Logger(),
		svc:      cfg.RoomService,
		registry: cfg.Registry,
		resolver: cfg.Resolver,
		prober:   cfg.Prober,
		notifier: cfg.Notifier,
		client:   &http.Client{Timeout: defaultForwardDeadline},
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /join/{roomID}", srv.joinRoom)
	r.HandleFunc("POST /leave/{roomID}/{sessionID}", srv.leaveRoom)
	r.HandleFunc("POST /leave/{roomID}", srv.leaveCall)
	r.HandleFunc("POST /decline/{roomID}", srv.declineCall)
	r.HandleFunc("POST /message/{roomID}/{sessionID}", srv.saveMessage)
	r.HandleFunc("GET /params", srv.roomParams)
	r.HandleFunc("GET /probe/collider", srv.probeCollider)
	r.HandleFunc("GET /r/{roomID}", srv.roomStatus)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) joinRoom(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	roomID := r.PathValue("roomID")
	if !validRoomID(roomID) {
		srv.writeResult(w, model.ResultInvalidArgument)
		return
	}

	var joinReq joinRequest
	body, _ := io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if len(body) > 0 {
		// Browser clients post an empty body, call clients post json.
		if err := json.Unmarshal(body, &joinReq); err != nil {
			srv.writeResult(w, model.ResultInvalidArgument)
			return
		}
	}

	srv.logger.Trace().Str("room", roomID).Str("action", joinReq.Action).Msg("got join request")

	switch joinReq.Action {
	case "":
		srv.joinOpen(w, r, roomID)
	case actionCall:
		srv.joinCall(w, r, roomID, joinReq)
	case actionAccept:
		srv.joinAccept(w, r, roomID, joinReq)
	default:
		srv.writeResult(w, model.ResultInvalidArgument)
	}
}

// joinOpen handles the plain browser join: any visitor may enter and the
// first one in creates the room.
func (srv *Server) joinOpen(w http.ResponseWriter, r *http.Request, roomID string) {
	clientID := randomClientID()
	res := srv.svc.Join(r.Host, roomID, clientID, rooms.JoinOptions{
		RoomType:      model.RoomTypeOpen,
		AllowCreation: true,
		Loopback:      r.URL.Query().Get("debug") == "loopback",
	})
	if res.Code != model.ResultSuccess {
		srv.logger.Info().
			Str("room", roomID).
			Str("code", string(res.Code)).
			Msg("join rejected")
		srv.writeResult(w, res.Code)
		return
	}
	srv.writeJoinSuccess(w, r, roomID, res)
}

// joinCall places a direct call: the caller's device must be registered and
// the callee must resolve to at least one verified device. The callee's
// devices are rung via the push dispatcher.
func (srv *Server) joinCall(w http.ResponseWriter, r *http.Request, roomID string, req joinRequest) {
	if req.CallerGCMID == "" || req.CalleeID == "" {
		srv.writeResult(w, model.ResultInvalidArgument)
		return
	}

	callerRecords, err := srv.registry.ByDeviceID(req.CallerGCMID, true)
	if err != nil || len(callerRecords) == 0 {
		srv.writeResult(w, model.ResultInvalidCaller)
		return
	}
	calleeRecords, err := srv.registry.ByUserID(req.CalleeID, true)
	if err != nil || len(calleeRecords) == 0 {
		srv.writeResult(w, model.ResultInvalidCallee)
		return
	}

	// A call may only start a fresh room. Reusing an id that still holds a
	// live or ringing call is rejected before any mutation.
	if state, found := srv.svc.State(r.Host, roomID); found && state != model.StateEmpty {
		srv.writeResult(w, model.ResultInvalidRoom)
		return
	}

	allowed := make([]string, 0, len(calleeRecords)+1)
	for _, rec := range calleeRecords {
		allowed = append(allowed, rec.DeviceID)
	}
	allowed = append(allowed, req.CallerGCMID)

	res := srv.svc.Join(r.Host, roomID, req.CallerGCMID, rooms.JoinOptions{
		RoomType:       model.RoomTypeDirect,
		AllowCreation:  true,
		AllowedClients: allowed,
	})
	if res.Code != model.ResultSuccess {
		srv.writeResult(w, res.Code)
		return
	}

	calleeDevices := allowed[:len(allowed)-1]
	srv.dispatch(r.Context(), calleeDevices,
		notify.InvitePayload(roomID, callerRecords[0].UserID), notify.CollapseKey(roomID))

	srv.writeJoinSuccess(w, r, roomID, res)
}

// joinAccept answers a ringing call from one of the callee's devices. The
// room must already exist and the device must be on its allow-list; the
// callee's other devices are told to stop ringing.
func (srv *Server) joinAccept(w http.ResponseWriter, r *http.Request, roomID string, req joinRequest) {
	if req.CalleeGCMID == "" {
		srv.writeResult(w, model.ResultInvalidArgument)
		return
	}
	if !srv.svc.HasRoom(r.Host, roomID) {
		srv.writeResult(w, model.ResultInvalidRoom)
		return
	}
	records, err := srv.registry.AssociatedRecordsForDeviceID(req.CalleeGCMID, true)
	if err != nil || len(records) == 0 {
		srv.writeResult(w, model.ResultInvalidCallee)
		return
	}

	res := srv.svc.Join(r.Host, roomID, req.CalleeGCMID, rooms.JoinOptions{
		RoomType:      model.RoomTypeDirect,
		AllowCreation: false,
	})
	if res.Code != model.ResultSuccess {
		srv.writeResult(w, res.Code)
		return
	}

	var others []string
	for _, rec := range records {
		if rec.DeviceID != req.CalleeGCMID {
			others = append(others, rec.DeviceID)
		}
	}
	srv.dispatch(r.Context(), others,
		notify.ByePayload(roomID, notify.ReasonAccepted, nil), notify.CollapseKey(roomID))

	srv.writeJoinSuccess(w, r, roomID, res)
}

func (srv *Server) writeJoinSuccess(w http.ResponseWriter, r *http.Request, roomID string, res rooms.JoinResult) {
	srv.logger.Info().
		Str("room", roomID).
		Str("session", res.SessionID).
		Bool("initiator", res.IsInitiator).
		Msg("client joined")

	messages := make([]string, 0, len(res.Messages))
	for _, m := range res.Messages {
		messages = append(messages, string(m))
	}
	srv.writeJSON(w, http.StatusOK, &resultResponse{
		Result: model.ResultSuccess,
		Params: &joinParams{
			RoomParams:  srv.resolver.Resolve(r.URL.Query(), r.Host, roomID),
			ClientID:    res.SessionID,
			IsInitiator: res.IsInitiator,
			Messages:    messages,
		},
	})
}

func (srv *Server) leaveRoom(w http.ResponseWriter, r *http.Request) {
	roomID, sessionID := r.PathValue("roomID"), r.PathValue("sessionID")
	if !validRoomID(roomID) || sessionID == "" {
		srv.writeResult(w, model.ResultInvalidArgument)
		return
	}

	res := srv.svc.LeaveOpen(r.Host, roomID, sessionID)
	srv.logger.Info().
		Str("room", roomID).
		Str("session", sessionID).
		Str("code", string(res.Code)).
		Str("state", res.RoomState).
		Msg("client left")
	srv.writeResult(w, res.Code)
}

// leaveCall hangs up a direct call from the caller's side. When the callee
// has not picked up yet their devices are still ringing, so a bye is
// dispatched to each of them.
func (srv *Server) leaveCall(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	req, ok := decodeBody[leaveRequest](r)
	if !ok || !validRoomID(roomID) || req.UserGCMID == "" {
		srv.writeResult(w, model.ResultInvalidArgument)
		return
	}

	res := srv.svc.RemoveDirect(r.Host, roomID, req.UserGCMID, false)
	if res.Code != model.ResultSuccess {
		srv.writeResult(w, res.Code)
		return
	}

	if res.Room != nil && res.Room.State() == model.StateWaiting {
		var ringing []string
		for _, id := range res.Room.AllowedClients {
			if id != req.UserGCMID && !res.Room.HasClient(id) {
				ringing = append(ringing, id)
			}
		}
		srv.dispatch(r.Context(), ringing,
			notify.ByePayload(roomID, notify.ReasonHangup, nil), notify.CollapseKey(roomID))
	}
	srv.writeResult(w, model.ResultSuccess)
}

// declineCall rejects a ringing call from one of the callee's devices. The
// waiting caller gets a bye carrying the decline metadata, and the callee's
// other devices are told to stop ringing.
func (srv *Server) declineCall(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	req, ok := decodeBody[declineRequest](r)
	if !ok || !validRoomID(roomID) || req.CalleeGCMID == "" {
		srv.writeResult(w, model.ResultInvalidArgument)
		return
	}

	res := srv.svc.RemoveDirect(r.Host, roomID, req.CalleeGCMID, true)
	if res.Code != model.ResultSuccess {
		srv.writeResult(w, res.Code)
		return
	}

	if res.Room != nil {
		if callerDevice := res.Room.OtherClientID(req.CalleeGCMID); callerDevice != "" {
			srv.dispatch(r.Context(), []string{callerDevice},
				notify.ByePayload(roomID, notify.ReasonDeclined, req.Metadata), notify.CollapseKey(roomID))
		}
	}
	if records, err := srv.registry.AssociatedRecordsForDeviceID(req.CalleeGCMID, true); err == nil {
		var others []string
		for _, rec := range records {
			if rec.DeviceID != req.CalleeGCMID {
				others = append(others, rec.DeviceID)
			}
		}
		srv.dispatch(r.Context(), others,
			notify.ByePayload(roomID, notify.ReasonDeclined, nil), notify.CollapseKey(roomID))
	}
	srv.writeResult(w, model.ResultSuccess)
}

func (srv *Server) saveMessage(w http.ResponseWriter, r *http.Request) {
	roomID, sessionID := r.PathValue("roomID"), r.PathValue("sessionID")
	if !validRoomID(roomID) || sessionID == "" {
		srv.writeResult(w, model.ResultInvalidArgument)
		return
	}
	payload, err := io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil || len(payload) == 0 {
		srv.writeResult(w, model.ResultInvalidArgument)
		return
	}

	res := srv.svc.SaveMessage(r.Host, roomID, sessionID, payload)
	if res.Code != model.ResultSuccess {
		srv.writeResult(w, res.Code)
		return
	}
	if !res.Saved {
		// The room is full so the peer is live on the relay. Forward the
		// payload there instead of leaving it in the buffer.
		if err = srv.forwardToCollider(r, roomID, sessionID, payload); err != nil {
			srv.logger.Error().Err(err).Str("room", roomID).Msg("collider forward failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}
	srv.writeResult(w, model.ResultSuccess)
}

func (srv *Server) forwardToCollider(r *http.Request, roomID, sessionID string, payload []byte) error {
	_, wssPostURL := srv.resolver.WSSParams(r.URL.Query())
	u := wssPostURL + "/" + roomID + "/" + sessionID
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, u, strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	resp, err := srv.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return errors.Join(ErrUnexpected, errors.New("collider returned "+resp.Status))
	}
	return nil
}

func (srv *Server) roomParams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	srv.writeJSON(w, http.StatusOK, srv.resolver.Resolve(r.URL.Query(), r.Host, ""))
}

func (srv *Server) probeCollider(w http.ResponseWriter, r *http.Request) {
	srv.writeJSON(w, http.StatusOK, srv.prober.ProbeAll(r.Context()))
}

// roomStatus backs the room page: full rooms get turned away before the
// client attempts a join.
func (srv *Server) roomStatus(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	if !validRoomID(roomID) {
		srv.writeResult(w, model.ResultInvalidArgument)
		return
	}
	if state, found := srv.svc.State(r.Host, roomID); found && state == model.StateFull {
		srv.writeResult(w, model.ResultRoomFull)
		return
	}
	srv.writeJSON(w, http.StatusOK, &resultResponse{
		Result: model.ResultSuccess,
		Params: srv.resolver.Resolve(r.URL.Query(), r.Host, roomID),
	})
}

func (srv *Server) dispatch(ctx context.Context, recipients []string, payload map[string]any, collapseKey string) {
	if srv.notifier == nil || len(recipients) == 0 {
		return
	}
	if err := srv.notifier.Send(ctx, recipients, payload, collapseKey); err != nil {
		srv.logger.Error().Err(err).Msg("notification dispatch failed")
	}
}

func (srv *Server) writeResult(w http.ResponseWriter, code model.ResultCode) {
	srv.writeJSON(w, http.StatusOK, &resultResponse{Result: code})
}

func (srv *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeBytes(w, status, b)
}

func writeBytes(w http.ResponseWriter, code int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err := w.Write(b); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func decodeBody[T any](r *http.Request) (T, bool) {
	var v T
	body, err := io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if err != nil {
		return v, false
	}
	if len(body) > 0 {
		if err = json.Unmarshal(body, &v); err != nil {
			return v, false
		}
	}
	return v, true
}

func validRoomID(roomID string) bool {
	if roomID == "" {
		return false
	}
	for _, c := range roomID {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func randomClientID() string {
	var sb strings.Builder
	for range clientIDLength {
		sb.WriteByte(byte('0' + rand.Intn(10)))
	}
	return sb.String()
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
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

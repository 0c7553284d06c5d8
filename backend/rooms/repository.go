// Package rooms implements the room membership protocol: every mutation is
// a bounded optimistic retry over the room's single cache key, since the
// backing store offers compare-and-swap on one key and nothing stronger.
package rooms

import (
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/webrtc/apprtc/backend/model"
	"github.com/webrtc/apprtc/backend/storage/cache"
)

const (
	// RetryLimit bounds the CAS loop of one operation. Contention on a
	// room key is limited to its two writers, so the budget is generous.
	RetryLimit = 100
	// RoomTTL refreshes on every write so abandoned rooms self-expire.
	RoomTTL = 24 * time.Hour

	// EventRoomSize2 is reported when a join fills a room. Mirrors the
	// analytics package constant so the repository does not import the
	// sink implementation.
	EventRoomSize2 = "room_size_2"
)

type (
	// Reporter receives analytics events after state transitions.
	Reporter interface {
		ReportEvent(eventType, roomID, host string)
	}

	Repository struct {
		store    cache.Store
		codec    model.Codec
		reporter Reporter
		logger   zerolog.Logger
		retryLim int
		ttl      time.Duration
	}

	Config struct {
		Store    cache.Store
		Codec    model.Codec
		Reporter Reporter
		Logger   *zerolog.Logger
		// RetryLimit and TTL override the defaults when positive.
		RetryLimit int
		TTL        time.Duration
	}
)

func NewRepository(cfg Config) *Repository {
	r := &Repository{
		store:    cfg.Store,
		codec:    cfg.Codec,
		reporter: cfg.Reporter,
		logger:   cfg.Logger.With().Str("component", "rooms").Logger(),
		retryLim: cfg.RetryLimit,
		ttl:      cfg.TTL,
	}
	if r.retryLim <= 0 {
		r.retryLim = RetryLimit
	}
	if r.ttl <= 0 {
		r.ttl = RoomTTL
	}
	return r
}

// RoomKey is the cache key for a room: host-scoped so distinct deployments
// sharing one cache never collide.
func RoomKey(host, roomID string) string {
	return fmt.Sprintf("%s/%s", host, roomID)
}

type JoinOptions struct {
	RoomType model.RoomType
	// AllowCreation permits materializing the room on first join. Direct
	// call acceptance joins with creation disabled.
	AllowCreation bool
	// Loopback injects the synthetic second occupant for self-test calls.
	Loopback bool
	// AllowedClients seeds the allow-list when this join creates the room.
	AllowedClients []string
}

type JoinResult struct {
	Code        model.ResultCode
	IsInitiator bool
	Messages    [][]byte
	SessionID   string
	RoomState   string
}

// Join adds a client to the room, creating it when permitted. The returned
// messages are the other occupant's flushed buffer when this join fills the
// room.
func (r *Repository) Join(host, roomID, clientID string, opts JoinOptions) JoinResult {
	key := RoomKey(host, roomID)
	var (
		res      JoinResult
		occupied int
	)
	res.Code = model.ResultSuccess

	retries, ok, err := cache.Update(r.store, key, r.retryLim, r.ttl, func(value []byte, found bool) ([]byte, cache.StepAction, error) {
		// Reset per-iteration outputs: a lost CAS recomputes everything
		// from the fresh read.
		res = JoinResult{Code: model.ResultSuccess}
		occupied = 0

		if !found {
			if !opts.AllowCreation {
				r.logger.Warn().Str("roomID", roomID).Str("clientID", clientID).
					Msg("room does not exist and creation is not allowed")
				res.Code = model.ResultInvalidRoom
				return nil, cache.ActStop, nil
			}
			empty, encErr := model.EncodeRoom(r.codec, model.NewRoom(opts.RoomType))
			if encErr != nil {
				return nil, cache.ActStop, encErr
			}
			if !r.store.Set(key, empty, r.ttl) {
				r.logger.Warn().Str("key", key).Msg("cache set failed for new room")
				res.Code = model.ResultInternalError
				return nil, cache.ActStop, nil
			}
			// Another writer may race this set; the re-read tolerates it.
			return nil, cache.ActReread, nil
		}

		room, decErr := model.DecodeRoom(r.codec, value)
		if decErr != nil {
			return nil, cache.ActStop, decErr
		}
		res.RoomState = room.String()

		if room.Occupancy() >= 2 {
			res.Code = model.ResultRoomFull
			return nil, cache.ActStop, nil
		}
		if room.HasClient(clientID) {
			res.Code = model.ResultDuplicateClient
			return nil, cache.ActStop, nil
		}
		if room.Type != opts.RoomType {
			r.logger.Warn().Str("roomID", roomID).Str("clientID", clientID).
				Int("roomType", int(room.Type)).Int("requestedType", int(opts.RoomType)).
				Msg("room type mismatch")
			res.Code = model.ResultInvalidRoom
			return nil, cache.ActStop, nil
		}

		var client *model.Client
		if room.Occupancy() == 0 {
			client = model.NewClient(true)
			room.AddClient(clientID, client)
			if opts.Loopback {
				room.AddClient(model.LoopbackClientID, model.NewClient(false))
			}
			for _, allowed := range opts.AllowedClients {
				room.AddAllowedClient(allowed)
			}
		} else {
			client = model.NewClient(false)
			other := room.OtherClient(clientID)
			res.Messages = other.Messages
			room.AddClient(clientID, client)
			other.ClearMessages()
			// The callee must be the one the caller intended.
			if !room.IsClientAllowed(clientID) {
				r.logger.Warn().Str("roomID", roomID).Str("clientID", clientID).
					Strs("allowed", room.AllowedClients).
					Msg("client not allowed in room")
				res.Code = model.ResultInvalidRoom
				return nil, cache.ActStop, nil
			}
		}

		res.IsInitiator = client.IsInitiator
		res.SessionID = client.SessionID
		res.RoomState = room.String()
		occupied = room.Occupancy()

		encoded, encErr := model.EncodeRoom(r.codec, room)
		if encErr != nil {
			return nil, cache.ActStop, encErr
		}
		r.logger.Trace().Str("roomID", roomID).Msg(spew.Sdump(room))
		return encoded, cache.ActSwap, nil
	})

	if err != nil {
		r.logger.Error().Err(err).Str("roomID", roomID).Str("clientID", clientID).
			Msg("join failed")
		return JoinResult{Code: model.ResultInternalError}
	}
	if !ok {
		r.logger.Warn().Str("roomID", roomID).Str("clientID", clientID).
			Msg("join exhausted retry budget")
		return JoinResult{Code: model.ResultInternalError}
	}
	if res.Code == model.ResultSuccess {
		r.logger.Info().Str("roomID", roomID).Str("clientID", clientID).
			Int("retries", retries).Msg("client joined room")
		if occupied == 2 && r.reporter != nil {
			r.reporter.ReportEvent(EventRoomSize2, roomID, host)
		}
	}
	return res
}

type LeaveResult struct {
	Code      model.ResultCode
	RoomState string
}

// LeaveOpen removes the occupant identified by session id from an open
// room. When the room empties it is removed from the cache via the deleted
// sentinel; a sole remaining occupant is promoted to initiator.
func (r *Repository) LeaveOpen(host, roomID, sessionID string) LeaveResult {
	key := RoomKey(host, roomID)
	var res LeaveResult
	res.Code = model.ResultSuccess

	_, ok, err := cache.Update(r.store, key, r.retryLim, r.ttl, func(value []byte, found bool) ([]byte, cache.StepAction, error) {
		res = LeaveResult{Code: model.ResultSuccess}

		if !found {
			r.logger.Warn().Str("roomID", roomID).Msg("cannot leave unknown room")
			res.Code = model.ResultInvalidRoom
			return nil, cache.ActStop, nil
		}
		room, decErr := model.DecodeRoom(r.codec, value)
		if decErr != nil {
			return nil, cache.ActStop, decErr
		}
		if !room.HasClientBySessionID(sessionID) {
			r.logger.Warn().Str("roomID", roomID).Str("sessionID", sessionID).
				Msg("cannot leave, unknown session")
			res.Code = model.ResultInvalidUser
			return nil, cache.ActStop, nil
		}
		if room.Type != model.RoomTypeOpen {
			r.logger.Warn().Str("roomID", roomID).Int("roomType", int(room.Type)).
				Msg("room is not open type")
			res.Code = model.ResultInvalidRoom
			res.RoomState = room.String()
			return nil, cache.ActStop, nil
		}

		clientID := room.ClientIDBySessionID(sessionID)
		room.RemoveClient(clientID)
		if room.HasClient(model.LoopbackClientID) {
			room.RemoveClient(model.LoopbackClientID)
		}
		if room.Occupancy() > 0 {
			room.OtherClient(clientID).IsInitiator = true
		} else {
			// Swap in the deleted sentinel so the removal still goes
			// through CAS and cannot clobber a concurrent join.
			res.RoomState = ""
			return nil, cache.ActSwap, nil
		}
		res.RoomState = room.String()
		encoded, encErr := model.EncodeRoom(r.codec, room)
		if encErr != nil {
			return nil, cache.ActStop, encErr
		}
		return encoded, cache.ActSwap, nil
	})

	if err != nil {
		r.logger.Error().Err(err).Str("roomID", roomID).Msg("leave failed")
		return LeaveResult{Code: model.ResultInternalError}
	}
	if !ok {
		r.logger.Warn().Str("roomID", roomID).Msg("leave exhausted retry budget")
		return LeaveResult{Code: model.ResultInternalError}
	}
	return res
}

type RemoveResult struct {
	Code model.ResultCode
	// Room is the aggregate as it was before the reset, so handlers can
	// look up the other occupant for notifications.
	Room *model.Room
}

// RemoveDirect tears down a direct-call room by resetting it to an empty
// aggregate of the same type; the cache entry is kept so the room id can be
// reused. forDecline applies the callee-side validation rules.
func (r *Repository) RemoveDirect(host, roomID, clientID string, forDecline bool) RemoveResult {
	key := RoomKey(host, roomID)
	var res RemoveResult
	res.Code = model.ResultSuccess

	retries, ok, err := cache.Update(r.store, key, r.retryLim, r.ttl, func(value []byte, found bool) ([]byte, cache.StepAction, error) {
		res = RemoveResult{Code: model.ResultSuccess}

		if !found {
			r.logger.Warn().Str("roomID", roomID).Str("clientID", clientID).
				Msg("cannot remove unknown room")
			res.Code = model.ResultInvalidRoom
			return nil, cache.ActStop, nil
		}
		room, decErr := model.DecodeRoom(r.codec, value)
		if decErr != nil {
			return nil, cache.ActStop, decErr
		}
		res.Room = room

		if !room.IsClientAllowed(clientID) {
			r.logger.Warn().Str("roomID", roomID).Str("clientID", clientID).
				Msg("room does not allow client")
			if forDecline {
				res.Code = model.ResultInvalidCallee
			} else {
				res.Code = model.ResultInvalidUser
			}
			return nil, cache.ActStop, nil
		}
		if room.Type != model.RoomTypeDirect {
			r.logger.Warn().Str("roomID", roomID).Int("roomType", int(room.Type)).
				Msg("room is not direct type")
			res.Code = model.ResultInvalidRoom
			return nil, cache.ActStop, nil
		}

		if forDecline {
			switch room.State() {
			case model.StateFull, model.StateEmpty:
				res.Code = model.ResultInvalidRoom
				return nil, cache.ActStop, nil
			}
			// A waiting room holds only the caller; the caller must not
			// tear its own call down via decline.
			if room.HasClient(clientID) {
				res.Code = model.ResultInvalidCallee
				return nil, cache.ActStop, nil
			}
		} else if !room.HasClient(clientID) {
			r.logger.Warn().Str("roomID", roomID).Str("clientID", clientID).
				Msg("cannot remove room, client is not an occupant")
			res.Code = model.ResultInvalidUser
			return nil, cache.ActStop, nil
		}

		reset, encErr := model.EncodeRoom(r.codec, model.NewRoom(room.Type))
		if encErr != nil {
			return nil, cache.ActStop, encErr
		}
		return reset, cache.ActSwap, nil
	})

	if err != nil {
		r.logger.Error().Err(err).Str("roomID", roomID).Str("clientID", clientID).
			Msg("remove failed")
		return RemoveResult{Code: model.ResultInternalError}
	}
	if !ok {
		r.logger.Warn().Str("roomID", roomID).Str("clientID", clientID).
			Msg("remove exhausted retry budget")
		return RemoveResult{Code: model.ResultInternalError}
	}
	if res.Code == model.ResultSuccess {
		r.logger.Info().Str("roomID", roomID).Str("clientID", clientID).
			Int("retries", retries).Msg("room reset to base state")
	}
	return res
}

type SaveResult struct {
	Code  model.ResultCode
	Saved bool
}

// SaveMessage buffers a signaling payload for the sole occupant of a
// waiting room. When the room is already full it succeeds without saving:
// the caller should forward the message live through the relay instead.
func (r *Repository) SaveMessage(host, roomID, sessionID string, payload []byte) SaveResult {
	key := RoomKey(host, roomID)
	var res SaveResult
	res.Code = model.ResultSuccess

	_, ok, err := cache.Update(r.store, key, r.retryLim, r.ttl, func(value []byte, found bool) ([]byte, cache.StepAction, error) {
		res = SaveResult{Code: model.ResultSuccess}

		if !found {
			r.logger.Warn().Str("roomID", roomID).Msg("cannot save message, unknown room")
			res.Code = model.ResultUnknownRoom
			return nil, cache.ActStop, nil
		}
		room, decErr := model.DecodeRoom(r.codec, value)
		if decErr != nil {
			return nil, cache.ActStop, decErr
		}
		if !room.HasClientBySessionID(sessionID) {
			r.logger.Warn().Str("roomID", roomID).Str("sessionID", sessionID).
				Msg("cannot save message, unknown session")
			res.Code = model.ResultInvalidUser
			return nil, cache.ActStop, nil
		}
		if room.Occupancy() > 1 {
			// Both peers present: messages are relayed live, not buffered.
			res.Saved = false
			return nil, cache.ActStop, nil
		}

		room.ClientBySessionID(sessionID).AddMessage(payload)
		encoded, encErr := model.EncodeRoom(r.codec, room)
		if encErr != nil {
			return nil, cache.ActStop, encErr
		}
		res.Saved = true
		return encoded, cache.ActSwap, nil
	})

	if err != nil {
		r.logger.Error().Err(err).Str("roomID", roomID).Msg("save message failed")
		return SaveResult{Code: model.ResultInternalError}
	}
	if !ok {
		r.logger.Warn().Str("roomID", roomID).Msg("save message exhausted retry budget")
		return SaveResult{Code: model.ResultInternalError}
	}
	return res
}

// HasRoom reports whether the room currently exists.
func (r *Repository) HasRoom(host, roomID string) bool {
	value, found := r.store.Get(RoomKey(host, roomID))
	return found && len(value) > 0
}

// Room returns the current aggregate for read-only inspection, or nil when
// the room does not exist or cannot be decoded.
func (r *Repository) Room(host, roomID string) *model.Room {
	value, found := r.store.Get(RoomKey(host, roomID))
	if !found || len(value) == 0 {
		return nil
	}
	room, err := model.DecodeRoom(r.codec, value)
	if err != nil {
		r.logger.Error().Err(err).Str("roomID", roomID).Msg("stored room is corrupt")
		return nil
	}
	return room
}

// State derives the room state, with found=false for absent rooms.
func (r *Repository) State(host, roomID string) (model.RoomState, bool) {
	room := r.Room(host, roomID)
	if room == nil {
		return model.StateEmpty, false
	}
	return room.State(), true
}

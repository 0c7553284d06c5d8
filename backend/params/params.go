// Package params computes the per-request negotiated parameters handed back
// to clients on join: media constraints, ICE configuration and the relay
// endpoint pair. Relay selection reads the prober's election key exactly
// once and silently degrades to the first configured instance; a resolver
// must never block on or retry the active-host lookup.
package params

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/webrtc/apprtc/backend/prober"
	"github.com/webrtc/apprtc/backend/storage/cache"
)

// TrackConstraints is either the bool shortcut (audio=false) or the
// optional/mandatory split parsed from a key=value list.
type TrackConstraints any

type constraintSet struct {
	Optional  []map[string]string `json:"optional"`
	Mandatory map[string]string   `json:"mandatory"`
}

// MediaConstraints is handed to the client's getUserMedia call.
type MediaConstraints struct {
	Audio TrackConstraints `json:"audio"`
	Video TrackConstraints `json:"video"`
}

// PCConfig is the RTCPeerConnection configuration template. ICE servers are
// filled in client-side from IceServerURL.
type PCConfig struct {
	IceServers    []any  `json:"iceServers"`
	BundlePolicy  string `json:"bundlePolicy"`
	RtcpMuxPolicy string `json:"rtcpMuxPolicy"`
	IceTransports string `json:"iceTransports,omitempty"`
}

// RoomParams is the negotiated parameter set included in join and /params
// responses.
type RoomParams struct {
	RoomID           string           `json:"room_id,omitempty"`
	RoomLink         string           `json:"room_link,omitempty"`
	IsLoopback       bool             `json:"is_loopback"`
	MediaConstraints MediaConstraints `json:"media_constraints"`
	PCConfig         PCConfig         `json:"pc_config"`
	IceServerURL     string           `json:"ice_server_url,omitempty"`
	WSSURL           string           `json:"wss_url"`
	WSSPostURL       string           `json:"wss_post_url"`
}

type (
	Resolver struct {
		logger       zerolog.Logger
		store        cache.Store
		instances    []prober.Instance
		iceServerURL string
	}

	Config struct {
		Logger    *zerolog.Logger
		Store     cache.Store
		Instances []prober.Instance
		// IceServerBaseURL is the TURN/STUN REST endpoint template base.
		IceServerBaseURL string
		// IceServerAPIKey fills the template's key parameter.
		IceServerAPIKey string
	}
)

func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		logger:    cfg.Logger.With().Str("component", "params").Logger(),
		store:     cfg.Store,
		instances: cfg.Instances,
	}
	if cfg.IceServerBaseURL != "" {
		r.iceServerURL = fmt.Sprintf("%s/v1alpha/iceconfig?key=%s",
			cfg.IceServerBaseURL, cfg.IceServerAPIKey)
	}
	return r
}

// Resolve computes the parameter set for one request. roomID may be empty
// for the room-independent /params endpoint.
func (r *Resolver) Resolve(q url.Values, host, roomID string) RoomParams {
	wssURL, wssPostURL := r.WSSParams(q)

	iceServerURL := r.iceServerURL
	if override := q.Get("ts"); override != "" {
		iceServerURL = override
	}

	p := RoomParams{
		IsLoopback: q.Get("debug") == "loopback",
		MediaConstraints: MediaConstraints{
			Audio: makeTrackConstraints(q.Get("audio")),
			Video: makeTrackConstraints(q.Get("video")),
		},
		PCConfig:     makePCConfig(q.Get("it")),
		IceServerURL: iceServerURL,
		WSSURL:       wssURL,
		WSSPostURL:   wssPostURL,
	}
	if roomID != "" {
		p.RoomID = roomID
		p.RoomLink = fmt.Sprintf("https://%s/r/%s", host, roomID)
	}
	return p
}

// WSSParams selects the relay endpoint pair. The wshpp override wins; next
// comes the elected active host, accepted only when it names a configured
// instance the prober has not marked down; otherwise the fixed first
// instance. Stale or missing election data degrades silently.
func (r *Resolver) WSSParams(q url.Values) (wssURL, wssPostURL string) {
	hostPort := q.Get("wshpp")
	if hostPort == "" {
		hostPort = r.pickActiveHost()
	}

	if q.Get("wstls") == "false" {
		// Local collider runs without TLS.
		return fmt.Sprintf("ws://%s/ws", hostPort), fmt.Sprintf("http://%s", hostPort)
	}
	return fmt.Sprintf("wss://%s/ws", hostPort), fmt.Sprintf("https://%s", hostPort)
}

func (r *Resolver) pickActiveHost() string {
	fallback := ""
	if len(r.instances) > 0 {
		fallback = r.instances[0].Host
	}

	active := prober.ActiveHost(r.store)
	if active == "" {
		return fallback
	}
	for _, instance := range r.instances {
		if instance.Host != active {
			continue
		}
		if status, found := r.store.Get(prober.ProbeStatusKey(instance.Name)); found && string(status) == "0" {
			r.logger.Debug().Str("host", active).Msg("active relay host marked down, using fallback")
			return fallback
		}
		return active
	}
	r.logger.Debug().Str("host", active).Msg("active relay host not configured, using fallback")
	return fallback
}

// makeTrackConstraints parses an audio/video query value. Empty and "true"
// enable the track, "false" disables it, anything else is a comma-separated
// key=value constraint list where goog-prefixed keys land in the optional
// list and all others are mandatory. Malformed entries are skipped.
func makeTrackConstraints(value string) TrackConstraints {
	switch strings.ToLower(value) {
	case "", "true":
		return true
	case "false":
		return false
	}

	set := constraintSet{
		Optional:  []map[string]string{},
		Mandatory: map[string]string{},
	}
	for _, pair := range strings.Split(value, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			continue
		}
		if strings.HasPrefix(kv[0], "goog") {
			set.Optional = append(set.Optional, map[string]string{kv[0]: kv[1]})
		} else {
			set.Mandatory[kv[0]] = kv[1]
		}
	}
	return set
}

func makePCConfig(iceTransports string) PCConfig {
	return PCConfig{
		IceServers:    []any{},
		BundlePolicy:  "max-bundle",
		RtcpMuxPolicy: "require",
		IceTransports: iceTransports,
	}
}

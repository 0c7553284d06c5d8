// Package notify is the boundary to the external push-notification
// dispatch API. Handlers hand it recipient lists after room state
// transitions; the room layer itself never sends notifications, it only
// returns the data needed to build them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Message vocabulary shared with mobile clients.
const (
	MessageTypeInvite = "INVITE"
	MessageTypeBye    = "BYE"

	ReasonDeclined = "calleeDeclined"
	ReasonAccepted = "calleeAccepted"
	ReasonHangup   = "callerHangup"

	// Collapse keys let the dispatch service coalesce undelivered
	// notifications per conversation.
	collapseKeyPrefix = "apprtc-"

	defaultSendTimeout = 10 * time.Second
)

var ErrDispatch = errors.New("notification dispatch failed")

// Sender delivers payloads to a set of device ids, fire and forget.
type Sender interface {
	Send(ctx context.Context, recipientIDs []string, payload map[string]any, collapseKey string) error
}

// InvitePayload rings the callee's devices.
func InvitePayload(roomID, callerID string) map[string]any {
	return map[string]any{
		"type":      MessageTypeInvite,
		"room_id":   roomID,
		"caller_id": callerID,
	}
}

// ByePayload ends ringing with a reason; metadata is the optional
// callee-supplied explanation passed through untouched.
func ByePayload(roomID, reason string, metadata any) map[string]any {
	payload := map[string]any{
		"type":    MessageTypeBye,
		"room_id": roomID,
		"reason":  reason,
	}
	if metadata != nil {
		payload["metadata"] = metadata
	}
	return payload
}

// CollapseKey scopes coalescing to one room.
func CollapseKey(roomID string) string {
	return collapseKeyPrefix + roomID
}

type (
	// HTTPSender posts dispatch requests to the configured endpoint.
	HTTPSender struct {
		logger zerolog.Logger
		client *http.Client
		url    string
	}

	Config struct {
		Logger *zerolog.Logger
		// URL of the external dispatch API.
		URL string
	}
)

func NewHTTPSender(cfg Config) *HTTPSender {
	return &HTTPSender{
		logger: cfg.Logger.With().Str("component", "notify").Logger(),
		client: &http.Client{Timeout: defaultSendTimeout},
		url:    cfg.URL,
	}
}

func (s *HTTPSender) Send(ctx context.Context, recipientIDs []string, payload map[string]any, collapseKey string) error {
	if len(recipientIDs) == 0 {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"registration_ids": recipientIDs,
		"data":             payload,
		"collapse_key":     collapseKey,
	})
	if err != nil {
		return errors.Join(ErrDispatch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.Join(ErrDispatch, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Error().Err(err).Int("recipients", len(recipientIDs)).
			Msg("notification dispatch failed")
		return errors.Join(ErrDispatch, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		s.logger.Error().Int("status", resp.StatusCode).Int("recipients", len(recipientIDs)).
			Msg("notification dispatch rejected")
		return errors.Join(ErrDispatch, fmt.Errorf("status %d", resp.StatusCode))
	}

	s.logger.Debug().Int("recipients", len(recipientIDs)).Str("collapseKey", collapseKey).
		Msg("notifications dispatched")
	return nil
}

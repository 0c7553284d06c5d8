// Package analytics is the boundary to the external event sink. The room
// layer only ever hands it fire-and-forget events.
package analytics

import "github.com/rs/zerolog"

const EventRoomSize2 = "room_size_2"

type Reporter interface {
	ReportEvent(eventType, roomID, host string)
}

// LogReporter records events into the structured log. Deployments that ship
// events elsewhere substitute their own Reporter in cmd.
type LogReporter struct {
	logger zerolog.Logger
}

func NewLogReporter(logger *zerolog.Logger) *LogReporter {
	return &LogReporter{
		logger: logger.With().Str("component", "analytics").Logger(),
	}
}

func (r *LogReporter) ReportEvent(eventType, roomID, host string) {
	r.logger.Info().
		Str("event", eventType).
		Str("roomID", roomID).
		Str("host", host).
		Msg("event recorded")
}

package prober

import "github.com/rs/zerolog"

// LogAlerter writes alerts into the structured log. Deployments with a mail
// or paging hook substitute their own Alerter in cmd.
type LogAlerter struct {
	logger zerolog.Logger
}

func NewLogAlerter(logger *zerolog.Logger) *LogAlerter {
	return &LogAlerter{
		logger: logger.With().Str("component", "prober-alert").Logger(),
	}
}

func (a *LogAlerter) Alert(tag, message string) {
	a.logger.Error().Str("tag", tag).Str("message", message).Msg("prober alert")
}

// LogRestarter records restart requests without acting on them, for
// deployments where instance lifecycle is managed externally.
type LogRestarter struct {
	logger zerolog.Logger
}

func NewLogRestarter(logger *zerolog.Logger) *LogRestarter {
	return &LogRestarter{
		logger: logger.With().Str("component", "prober-restart").Logger(),
	}
}

func (r *LogRestarter) Restart(instanceName, zone string) {
	r.logger.Warn().Str("instance", instanceName).Str("zone", zone).
		Msg("restart requested for collider instance")
}

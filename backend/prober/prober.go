// Package prober health-checks the configured relay (collider) instances
// and elects the active one into a shared cache key consumed by the
// parameter resolver. The election reuses the same bounded read-modify-CAS
// primitive as the room protocol, just over a much simpler aggregate: one
// host string.
package prober

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/webrtc/apprtc/backend/storage/cache"
)

const (
	// ActiveHostKey holds the currently elected relay host.
	ActiveHostKey = "wss_host_active_host"

	defaultProbeDeadline = 30 * time.Second
	defaultInterval      = time.Minute
	defaultRetryLimit    = 100

	statusUp   = "1"
	statusDown = "0"
)

// ProbeStatusKey is the per-instance cache key tracking the last probe
// outcome. It exists to detect success-to-failure transitions so sustained
// outages do not storm alerts or restarts.
func ProbeStatusKey(instanceName string) string {
	return "last_collider_probe_success_" + instanceName
}

// Instance is one configured relay deployment.
type Instance struct {
	Name string `mapstructure:"name"`
	Host string `mapstructure:"host"`
	Zone string `mapstructure:"zone"`
}

// Result is the probe outcome for one instance, serialized into the
// /probe/collider response.
type Result struct {
	IsUp         bool   `json:"is_up"`
	StatusCode   int    `json:"status_code"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Results maps instance host to its latest probe outcome.
type Results map[string]Result

type (
	// Alerter delivers failure notifications (mail, pager). Failures to
	// deliver are the alerter's problem; the prober fires and forgets.
	Alerter interface {
		Alert(tag, message string)
	}

	// Restarter restarts an unhealthy relay instance. Invoked only on a
	// success-to-failure transition.
	Restarter interface {
		Restart(instanceName, zone string)
	}

	Prober struct {
		logger    zerolog.Logger
		store     cache.Store
		client    *http.Client
		instances []Instance
		alerter   Alerter
		restarter Restarter
		scheme    string
		interval  time.Duration
		retryLim  int
	}

	Config struct {
		Logger    *zerolog.Logger
		Store     cache.Store
		Instances []Instance
		Alerter   Alerter
		Restarter Restarter
		// Scheme overrides the probe URL scheme, default https.
		Scheme   string
		Interval time.Duration
		// RetryLimit bounds the election CAS loop.
		RetryLimit int
	}
)

func New(cfg Config) *Prober {
	p := &Prober{
		logger:    cfg.Logger.With().Str("component", "prober").Logger(),
		store:     cfg.Store,
		client:    &http.Client{Timeout: defaultProbeDeadline},
		instances: cfg.Instances,
		alerter:   cfg.Alerter,
		restarter: cfg.Restarter,
		scheme:    cfg.Scheme,
		interval:  cfg.Interval,
		retryLim:  cfg.RetryLimit,
	}
	if p.scheme == "" {
		p.scheme = "https"
	}
	if p.interval <= 0 {
		p.interval = defaultInterval
	}
	if p.retryLim <= 0 {
		p.retryLim = defaultRetryLimit
	}
	return p
}

// Run probes on a fixed interval until the context is canceled. It never
// writes to errc: probe failures are the condition being monitored, not a
// server fault.
func (p *Prober) Run(ctx context.Context, wg *sync.WaitGroup, _ chan<- error) {
	defer func() {
		p.logger.Debug().Msg("prober stopped")
		wg.Done()
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.interval).Msg("prober started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll checks every configured instance, records per-instance status,
// elects the active host and returns the probe report.
func (p *Prober) ProbeAll(ctx context.Context) Results {
	results := make(Results, len(p.instances))
	for _, instance := range p.instances {
		results[instance.Host] = p.probeInstance(ctx, instance)
	}
	p.storeInstanceState(results)
	return results
}

func (p *Prober) probeInstance(ctx context.Context, instance Instance) Result {
	url := fmt.Sprintf("%s://%s/status", p.scheme, instance.Host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return p.handleResponse(instance, http.StatusInternalServerError,
			fmt.Sprintf("building probe request failed: %v", err))
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return p.handleResponse(instance, http.StatusInternalServerError,
			fmt.Sprintf("probe fetch failed: %v", err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return p.handleResponse(instance, http.StatusInternalServerError,
			fmt.Sprintf("reading probe response failed: %v", err))
	}
	if resp.StatusCode != http.StatusOK {
		return p.handleResponse(instance, resp.StatusCode,
			fmt.Sprintf("unexpected collider response: %d, requested URL: %s", resp.StatusCode, url))
	}

	var status struct {
		UpSec *float64 `json:"upsec"`
	}
	if err = json.Unmarshal(body, &status); err != nil {
		return p.handleResponse(instance, http.StatusInternalServerError,
			fmt.Sprintf("collider status is not valid JSON: %v, response: %s", err, body))
	}
	if status.UpSec == nil {
		return p.handleResponse(instance, http.StatusInternalServerError,
			fmt.Sprintf("invalid upsec field in collider status response: %s", body))
	}
	return p.handleResponse(instance, http.StatusOK, "")
}

// handleResponse records the probe outcome and, on a success-to-failure
// transition, triggers the restart and alert side effects.
func (p *Prober) handleResponse(instance Instance, statusCode int, errorMessage string) Result {
	result := Result{
		IsUp:       errorMessage == "",
		StatusCode: statusCode,
	}
	statusKey := ProbeStatusKey(instance.Name)

	if !result.IsUp {
		result.ErrorMessage = errorMessage
		p.logger.Warn().Str("host", instance.Host).Str("error", errorMessage).
			Msg("collider probe failed")

		lastStatus, found := p.store.Get(statusKey)
		if !found || string(lastStatus) == statusUp {
			p.logger.Info().Str("instance", instance.Name).Msg("restarting collider instance")
			if p.restarter != nil {
				p.restarter.Restart(instance.Name, instance.Zone)
			}
			errorMessage += "\n\nRestarting the collider instance automatically."
		}
		if p.alerter != nil {
			p.alerter.Alert(fmt.Sprintf("Collider %s error", instance.Host), errorMessage)
		}
	}

	status := statusDown
	if result.IsUp {
		status = statusUp
	}
	p.store.Set(statusKey, []byte(status), 0)
	return result
}

// storeInstanceState elects the active host through the shared CAS retry
// helper: keep the previous host while it is up, otherwise any host that
// is, otherwise none.
func (p *Prober) storeInstanceState(results Results) {
	retries, ok, err := cache.Update(p.store, ActiveHostKey, p.retryLim, 0,
		func(value []byte, found bool) ([]byte, cache.StepAction, error) {
			if !found {
				if !p.store.Set(ActiveHostKey, []byte(" "), 0) {
					return nil, cache.ActStop, fmt.Errorf("cache set failed for %s", ActiveHostKey)
				}
				return nil, cache.ActReread, nil
			}
			active := chooseActiveHost(string(value), results)
			if active == "" {
				// Single-space placeholder: an empty value reads back as
				// the deleted sentinel and would defeat the CAS.
				active = " "
			}
			return []byte(active), cache.ActSwap, nil
		})
	switch {
	case err != nil:
		p.logger.Error().Err(err).Msg("failed to store collider state")
	case !ok:
		p.logger.Warn().Int("retries", retries).Msg("collider election exhausted retry budget")
	default:
		p.logger.Info().Int("retries", retries).Msg("collider active host saved")
	}
}

func chooseActiveHost(oldActiveHost string, results Results) string {
	if result, ok := results[oldActiveHost]; ok && result.IsUp {
		return oldActiveHost
	}
	for host, result := range results {
		if result.IsUp {
			return host
		}
	}
	return ""
}

// ActiveHost reads the currently elected host, empty when none is up.
func ActiveHost(store cache.Store) string {
	value, found := store.Get(ActiveHostKey)
	if !found {
		return ""
	}
	host := string(value)
	if host == " " {
		return ""
	}
	return host
}

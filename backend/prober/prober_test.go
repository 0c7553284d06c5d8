package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/webrtc/apprtc/backend/storage/cache"
)

type fakeAlerter struct {
	alerts []string
}

func (a *fakeAlerter) Alert(subject, _ string) {
	a.alerts = append(a.alerts, subject)
}

type fakeRestarter struct {
	restarts []string
}

func (r *fakeRestarter) Restart(instanceName, _ string) {
	r.restarts = append(r.restarts, instanceName)
}

type colliderStub struct {
	srv  *httptest.Server
	fail bool
	body string
}

func newColliderStub(t *testing.T) *colliderStub {
	t.Helper()
	stub := &colliderStub{body: `{"upsec": 42}`}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			t.Errorf("probe path=%q, want /status", r.URL.Path)
		}
		if stub.fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(stub.body))
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

func (s *colliderStub) host() string {
	return strings.TrimPrefix(s.srv.URL, "http://")
}

func newTestProber(store cache.Store, alerter *fakeAlerter, restarter *fakeRestarter, instances ...Instance) *Prober {
	logger := zerolog.Nop()
	cfg := Config{
		Logger:    &logger,
		Store:     store,
		Instances: instances,
		Scheme:    "http",
	}
	if alerter != nil {
		cfg.Alerter = alerter
	}
	if restarter != nil {
		cfg.Restarter = restarter
	}
	return New(cfg)
}

func TestProbeHealthy(t *testing.T) {
	stub := newColliderStub(t)
	store := cache.NewMemory()
	p := newTestProber(store, &fakeAlerter{}, &fakeRestarter{}, Instance{Name: "c1", Host: stub.host()})

	results := p.ProbeAll(context.Background())
	res, ok := results[stub.host()]
	if !ok || !res.IsUp || res.StatusCode != http.StatusOK {
		t.Fatalf("result=%+v, want healthy", res)
	}
	if v, _ := store.Get(ProbeStatusKey("c1")); string(v) != "1" {
		t.Fatalf("status key=%q, want 1", v)
	}
	if ActiveHost(store) != stub.host() {
		t.Fatalf("active host=%q, want %q", ActiveHost(store), stub.host())
	}
}

func TestProbeFailureTransition(t *testing.T) {
	stub := newColliderStub(t)
	store := cache.NewMemory()
	alerter, restarter := &fakeAlerter{}, &fakeRestarter{}
	p := newTestProber(store, alerter, restarter, Instance{Name: "c1", Host: stub.host(), Zone: "z1"})

	p.ProbeAll(context.Background())
	if len(restarter.restarts) != 0 {
		t.Fatalf("healthy probe must not restart")
	}

	stub.fail = true
	results := p.ProbeAll(context.Background())
	res := results[stub.host()]
	if res.IsUp || res.StatusCode != http.StatusInternalServerError || res.ErrorMessage == "" {
		t.Fatalf("result=%+v, want failure with message", res)
	}
	if len(restarter.restarts) != 1 || restarter.restarts[0] != "c1" {
		t.Fatalf("restarts=%v, want single c1 restart on transition", restarter.restarts)
	}
	if len(alerter.alerts) != 1 {
		t.Fatalf("alerts=%v, want one alert", alerter.alerts)
	}

	// Still down: alert again but do not restart again.
	p.ProbeAll(context.Background())
	if len(restarter.restarts) != 1 {
		t.Fatalf("restarts=%v, repeated failure must not restart again", restarter.restarts)
	}
	if len(alerter.alerts) != 2 {
		t.Fatalf("alerts=%v, want alert per failing probe", alerter.alerts)
	}
	if v, _ := store.Get(ProbeStatusKey("c1")); string(v) != "0" {
		t.Fatalf("status key=%q, want 0", v)
	}
}

func TestProbeRejectsBadStatusBody(t *testing.T) {
	stub := newColliderStub(t)
	store := cache.NewMemory()
	p := newTestProber(store, nil, nil, Instance{Name: "c1", Host: stub.host()})

	for _, body := range []string{"not json", `{"other": 1}`} {
		stub.body = body
		results := p.ProbeAll(context.Background())
		if res := results[stub.host()]; res.IsUp {
			t.Fatalf("body %q must read as down", body)
		}
	}
}

func TestActiveHostElection(t *testing.T) {
	one, two := newColliderStub(t), newColliderStub(t)
	store := cache.NewMemory()
	p := newTestProber(store, nil, nil,
		Instance{Name: "c1", Host: one.host()},
		Instance{Name: "c2", Host: two.host()})

	p.ProbeAll(context.Background())
	elected := ActiveHost(store)
	if elected != one.host() && elected != two.host() {
		t.Fatalf("active host=%q, want one of the healthy instances", elected)
	}

	t.Run("incumbent kept while up", func(t *testing.T) {
		for range 3 {
			p.ProbeAll(context.Background())
			if got := ActiveHost(store); got != elected {
				t.Fatalf("active host=%q, want incumbent %q", got, elected)
			}
		}
	})

	t.Run("failover to surviving host", func(t *testing.T) {
		other := two
		if elected == two.host() {
			other = one
			one, two = two, one
		}
		one.fail = true
		p.ProbeAll(context.Background())
		if got := ActiveHost(store); got != other.host() {
			t.Fatalf("active host=%q, want failover to %q", got, other.host())
		}
	})

	t.Run("none when all down", func(t *testing.T) {
		one.fail, two.fail = true, true
		p.ProbeAll(context.Background())
		if got := ActiveHost(store); got != "" {
			t.Fatalf("active host=%q, want none", got)
		}
	})
}

func TestActiveHostMissingKey(t *testing.T) {
	if got := ActiveHost(cache.NewMemory()); got != "" {
		t.Fatalf("active host=%q, want empty without election", got)
	}
}

package web

import (
	"context"
	"net/http"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/tweag/chainsail/app/conditions"
	"github.com/tweag/chainsail/app/proxy"
)

const probeTimeout = 5 * time.Second

// HealthReport is the JSON response for /api/v1/health
type HealthReport struct {
	Status    string               `json:"status"` // ok or degraded
	Upstreams []UpstreamHealth     `json:"upstreams"`
	Host      conditions.HostStats `json:"host"`
	Reasons   []string             `json:"reasons,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// UpstreamHealth is the probe result of a single upstream service
type UpstreamHealth struct {
	Name       string `json:"name"`
	URL        string `json:"url"`
	OK         bool   `json:"ok"`
	StatusCode int    `json:"status_code,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
	Error      string `json:"error,omitempty"`
}

type probeTarget struct {
	name string
	url  string
}

// healthChecker probes upstreams concurrently and caches the report
type healthChecker struct {
	fwd        *proxy.Forwarder
	targets    []probeTarget
	thresholds conditions.Thresholds
	ttl        time.Duration

	mu        sync.RWMutex
	cache     *HealthReport
	cacheTime time.Time
}

func newHealthChecker(fwd *proxy.Forwarder, targets []probeTarget, th conditions.Thresholds, ttl time.Duration) *healthChecker {
	return &healthChecker{fwd: fwd, targets: targets, thresholds: th, ttl: ttl}
}

// probeTargets lists configured upstream services
func (s *Server) probeTargets() []probeTarget {
	var res []probeTarget
	if b := s.scheduler.Base(); b != "" {
		res = append(res, probeTarget{name: "scheduler", url: b})
	}
	if b := s.graphite.Base(); b != "" {
		res = append(res, probeTarget{name: "graphite", url: b})
	}
	if b := s.mcmc.Base(); b != "" {
		res = append(res, probeTarget{name: "mcmc_stats", url: b})
	}
	for _, ep := range s.extras {
		res = append(res, probeTarget{name: "extra" + ep.Path, url: ep.ProxyTo.String()})
	}
	return res
}

// handleHealth returns upstream reachability and host stats
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.health.report(r.Context()))
}

// report returns cached report if fresh, probes otherwise
func (h *healthChecker) report(ctx context.Context) HealthReport {
	h.mu.RLock()
	if h.cache != nil && time.Since(h.cacheTime) < h.ttl {
		rep := *h.cache
		h.mu.RUnlock()
		return rep
	}
	h.mu.RUnlock()

	rep := h.check(ctx)

	h.mu.Lock()
	h.cache = &rep
	h.cacheTime = time.Now()
	h.mu.Unlock()
	return rep
}

func (h *healthChecker) check(ctx context.Context) HealthReport {
	rep := HealthReport{Status: "ok", Upstreams: make([]UpstreamHealth, len(h.targets)), Timestamp: time.Now()}

	gr := syncs.NewSizedGroup(4)
	for i, t := range h.targets {
		gr.Go(func(context.Context) {
			rep.Upstreams[i] = h.probe(ctx, t)
		})
	}

	st, err := conditions.Snapshot(h.thresholds.DiskFreePath)
	if err != nil {
		log.Printf("[WARN] %v", err)
	}
	rep.Host = st
	gr.Wait()

	for _, u := range rep.Upstreams {
		if !u.OK {
			rep.Reasons = append(rep.Reasons, u.Name+" is not available")
		}
	}
	if ok, reasons := conditions.Check(st, h.thresholds); !ok {
		rep.Reasons = append(rep.Reasons, reasons...)
	}
	if len(rep.Reasons) > 0 {
		rep.Status = "degraded"
	}
	return rep
}

// probe sends GET to the upstream root. Any response below 500 means the service is up.
func (h *healthChecker) probe(ctx context.Context, t probeTarget) UpstreamHealth {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	res := UpstreamHealth{Name: t.name, URL: t.url}
	st := time.Now()
	resp, err := h.fwd.Forward(ctx, proxy.Request{Method: http.MethodGet, URL: t.url})
	res.LatencyMs = time.Since(st).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.StatusCode = resp.StatusCode
	res.OK = resp.StatusCode < http.StatusInternalServerError
	return res
}

// Package upstream builds URLs of the external services the gateway talks to: the job scheduler,
// the Graphite render/events API and the MCMC-stats service.
package upstream

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidBase is returned when a base URL is not an absolute http(s) URL with a host
var ErrInvalidBase = errors.New("upstream: invalid base url")

// default time windows, same as the dashboard used
const (
	DefaultMetricsFrom = "-5min"
	DefaultLogsFrom    = "-3hours"
	DefaultUntil       = "now"
)

var metricSegment = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidMetricSegment reports whether s can be used as a single element of a graphite metric path.
// Job ids and simulation run names end up inside render targets, so dots, wildcards and
// function syntax are rejected.
func ValidMetricSegment(s string) bool {
	return metricSegment.MatchString(s)
}

// Window is a graphite time range. Empty fields fall back to defaults.
type Window struct {
	From  string
	Until string
}

func (w Window) withDefaults(from string) Window {
	if w.From == "" {
		w.From = from
	}
	if w.Until == "" {
		w.Until = DefaultUntil
	}
	return w
}

// Scheduler makes urls for the job scheduler REST api
type Scheduler struct {
	base string
}

// NewScheduler makes Scheduler for the given base url, i.e. http://127.0.0.1:5000
func NewScheduler(base string) (Scheduler, error) {
	b, err := normalizeBase(base)
	if err != nil {
		return Scheduler{}, err
	}
	return Scheduler{base: b}, nil
}

// Base returns normalized base url
func (s Scheduler) Base() string { return s.base }

// JobCreate returns url of job creation endpoint
func (s Scheduler) JobCreate() string { return s.base + "/job" }

// JobList returns url listing all jobs of the user
func (s Scheduler) JobList() string { return s.base + "/jobs" }

// JobGet returns url of a single job
func (s Scheduler) JobGet(id string) string { return s.job(id) }

// JobStart returns url starting a job
func (s Scheduler) JobStart(id string) string { return s.job(id) + "/start" }

// JobStop returns url stopping a job
func (s Scheduler) JobStop(id string) string { return s.job(id) + "/stop" }

// JobNodes returns url listing nodes of a job
func (s Scheduler) JobNodes(id string) string { return s.job(id) + "/nodes" }

// JobSignedURL returns url refreshing the signed results url of a job
func (s Scheduler) JobSignedURL(id string) string { return s.job(id) + "/update_signed_url" }

// UserCreate returns url of user registration endpoint
func (s Scheduler) UserCreate() string { return s.base + "/user" }

func (s Scheduler) job(id string) string {
	return s.base + "/job/" + url.PathEscape(id)
}

// Graphite makes urls for graphite render and events api
type Graphite struct {
	base string
}

// NewGraphite makes Graphite for host url and port. Port is optional, as GRAPHITE_URL and
// GRAPHITE_PORT were configured separately.
func NewGraphite(host, port string) (Graphite, error) {
	b, err := normalizeBase(host)
	if err != nil {
		return Graphite{}, err
	}
	if port != "" {
		u, _ := url.Parse(b) // already validated by normalizeBase
		if u.Port() == "" {
			u.Host = net.JoinHostPort(u.Hostname(), port)
			b = strings.TrimSuffix(u.String(), "/")
		}
	}
	return Graphite{base: b}, nil
}

// Base returns normalized base url
func (g Graphite) Base() string { return g.base }

// NegLogP returns render url of the summed negative log probability of all replicas
func (g Graphite) NegLogP(jobID, run string, w Window) string {
	target := fmt.Sprintf("aggregate(%s.%s.*.negative_log_prob,'sum')", jobID, run)
	return g.render(target, w.withDefaults(DefaultMetricsFrom))
}

// AcceptanceRate returns render url of per-replica acceptance rates
func (g Graphite) AcceptanceRate(jobID, run string, w Window) string {
	target := fmt.Sprintf("%s.%s.*.acceptance_rate", jobID, run)
	return g.render(target, w.withDefaults(DefaultMetricsFrom))
}

// Logs returns events url with log entries. Empty jobID selects logs of all jobs.
func (g Graphite) Logs(jobID string, w Window) string {
	w = w.withDefaults(DefaultLogsFrom)
	tags := "log"
	if jobID != "" {
		tags += " " + jobID
	}
	q := url.Values{}
	q.Set("tags", tags)
	q.Set("from", w.From)
	q.Set("until", w.Until)
	return g.base + "/events/get_data?" + q.Encode()
}

func (g Graphite) render(target string, w Window) string {
	q := url.Values{}
	q.Set("target", target)
	q.Set("format", "json")
	q.Set("from", w.From)
	q.Set("until", w.Until)
	return g.base + "/render?" + q.Encode()
}

// MCMCStats makes urls for the mcmc-stats service
type MCMCStats struct {
	base string
}

// NewMCMCStats makes MCMCStats for the given base url
func NewMCMCStats(base string) (MCMCStats, error) {
	b, err := normalizeBase(base)
	if err != nil {
		return MCMCStats{}, err
	}
	return MCMCStats{base: b}, nil
}

// Base returns normalized base url
func (m MCMCStats) Base() string { return m.base }

// NegLogP returns url of the per-step sum of negative log probabilities
func (m MCMCStats) NegLogP(jobID, run string) string {
	return m.stats(jobID, run) + "/neg_log_prob_sum"
}

// AcceptanceRates returns url of replica exchange acceptance rates
func (m MCMCStats) AcceptanceRates(jobID, run string) string {
	return m.stats(jobID, run) + "/re_acceptance_rates"
}

func (m MCMCStats) stats(jobID, run string) string {
	return m.base + "/mcmc_stats/" + url.PathEscape(jobID) + "/" + url.PathEscape(run)
}

// normalizeBase checks base is an absolute http(s) url and trims trailing slashes
func normalizeBase(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidBase, base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %q: scheme must be http or https", ErrInvalidBase, base)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: %q: no host", ErrInvalidBase, base)
	}
	u.RawQuery, u.Fragment = "", ""
	return strings.TrimRight(u.String(), "/"), nil
}

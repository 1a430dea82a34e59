package web

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/routegroup"

	"github.com/tweag/chainsail/app/auth"
	"github.com/tweag/chainsail/app/config"
	"github.com/tweag/chainsail/app/proxy"
	"github.com/tweag/chainsail/app/upstream"
	"github.com/tweag/chainsail/app/web/enums"
)

// ErrNoUpstream is returned by routes whose upstream service is not configured
var ErrNoUpstream = errors.New("upstream service is not configured")

// ErrInvalidParam is returned for path parameters which can't be put into an upstream url
var ErrInvalidParam = errors.New("invalid path parameter")

// ErrBodyTooLarge is returned for request bodies above the size limit of the route
var ErrBodyTooLarge = errors.New("request body too large")

type bodyMode int

const (
	bodyNone      bodyMode = iota // nothing is forwarded
	bodyJSON                      // json body re-encoded and forwarded
	bodyJobID                     // json body carries job id, nothing is forwarded
	bodyMultipart                 // multipart form with one file, json accepted as well
)

// route is a single proxied api route
type route struct {
	name        string // recorded in history
	pattern     string // method and path under /api
	action      enums.Action
	auth        bool // attach bearer token from the cookie
	fail        int  // status returned when the gateway can't complete the call
	body        bodyMode
	rateLimited bool // per client ip
	target      func(r *http.Request, jobID string) (string, error)
}

// proxyRoutes returns the route table of the scheduler, graphite and mcmc-stats api
func (s *Server) proxyRoutes() []route {
	sch := func(fn func(upstream.Scheduler, string) string) func(*http.Request, string) (string, error) {
		return func(_ *http.Request, jobID string) (string, error) {
			if s.scheduler.Base() == "" {
				return "", ErrNoUpstream
			}
			return fn(s.scheduler, jobID), nil
		}
	}

	return []route{
		{name: "job/create", pattern: "POST /job/create", action: enums.ActionCreate, auth: true,
			fail: http.StatusBadRequest, body: bodyMultipart,
			target: sch(func(u upstream.Scheduler, _ string) string { return u.JobCreate() })},
		{name: "job/get-all", pattern: "GET /job/get-all", action: enums.ActionList, auth: true,
			fail: http.StatusNotFound,
			target: sch(func(u upstream.Scheduler, _ string) string { return u.JobList() })},
		{name: "job/get", pattern: "GET /job/get/{jobId}", action: enums.ActionGet, auth: true,
			fail: http.StatusBadRequest, target: sch(upstream.Scheduler.JobGet)},
		{name: "job/start", pattern: "POST /job/start", action: enums.ActionStart, auth: true,
			fail: http.StatusNotFound, body: bodyJobID, target: sch(upstream.Scheduler.JobStart)},
		{name: "job/stop", pattern: "POST /job/stop", action: enums.ActionStop, auth: true,
			fail: http.StatusNotFound, body: bodyJobID, target: sch(upstream.Scheduler.JobStop)},
		{name: "job/nodes", pattern: "GET /job/nodes/{jobId}", action: enums.ActionGet, auth: true,
			fail: http.StatusNotFound, target: sch(upstream.Scheduler.JobNodes)},
		{name: "job/signed-url", pattern: "POST /job/signed-url", action: enums.ActionGet, auth: true,
			fail: http.StatusNotFound, body: bodyJobID, target: sch(upstream.Scheduler.JobSignedURL)},

		{name: "graphite/neglogp", pattern: "GET /graphite/neglogp/{jobId}/{simulationRun}",
			action: enums.ActionMetrics, fail: http.StatusBadRequest, target: s.graphiteRender(upstream.Graphite.NegLogP)},
		{name: "graphite/neglogp", pattern: "GET /graphite/neglogp/{jobId}/{simulationRun}/{from}/{until}",
			action: enums.ActionMetrics, fail: http.StatusBadRequest, target: s.graphiteRender(upstream.Graphite.NegLogP)},
		{name: "graphite/acceptancerate", pattern: "GET /graphite/acceptancerate/{jobId}/{simulationRun}",
			action: enums.ActionMetrics, fail: http.StatusBadRequest, target: s.graphiteRender(upstream.Graphite.AcceptanceRate)},
		{name: "graphite/acceptancerate", pattern: "GET /graphite/acceptancerate/{jobId}/{simulationRun}/{from}/{until}",
			action: enums.ActionMetrics, fail: http.StatusBadRequest, target: s.graphiteRender(upstream.Graphite.AcceptanceRate)},
		{name: "graphite/logs", pattern: "GET /graphite/logs", action: enums.ActionMetrics,
			fail: http.StatusBadRequest, target: s.graphiteLogs},
		{name: "graphite/logs", pattern: "GET /graphite/logs/{jobId}", action: enums.ActionMetrics,
			fail: http.StatusBadRequest, target: s.graphiteLogs},

		{name: "mcmc_stats/neglogp", pattern: "GET /mcmc_stats/neglogp/{jobId}/{simulationRun}",
			action: enums.ActionMetrics, fail: http.StatusBadRequest, target: s.mcmcStats(upstream.MCMCStats.NegLogP)},
		{name: "mcmc_stats/acceptancerate", pattern: "GET /mcmc_stats/acceptancerate/{jobId}/{simulationRun}",
			action: enums.ActionMetrics, fail: http.StatusBadRequest, target: s.mcmcStats(upstream.MCMCStats.AcceptanceRates)},

		{name: "user/create", pattern: "POST /user/create", action: enums.ActionUser,
			fail: http.StatusBadRequest, body: bodyJSON, rateLimited: true,
			target: sch(func(u upstream.Scheduler, _ string) string { return u.UserCreate() })},
	}
}

func (s *Server) graphiteRender(fn func(upstream.Graphite, string, string, upstream.Window) string) func(*http.Request, string) (string, error) {
	return func(r *http.Request, jobID string) (string, error) {
		if s.graphite.Base() == "" {
			return "", ErrNoUpstream
		}
		run := r.PathValue("simulationRun")
		if !upstream.ValidMetricSegment(jobID) || !upstream.ValidMetricSegment(run) {
			return "", fmt.Errorf("%w: job %q, run %q", ErrInvalidParam, jobID, run)
		}
		w := upstream.Window{From: r.PathValue("from"), Until: r.PathValue("until")}
		return fn(s.graphite, jobID, run, w), nil
	}
}

func (s *Server) graphiteLogs(r *http.Request, jobID string) (string, error) {
	if s.graphite.Base() == "" {
		return "", ErrNoUpstream
	}
	if jobID != "" && !upstream.ValidMetricSegment(jobID) {
		return "", fmt.Errorf("%w: job %q", ErrInvalidParam, jobID)
	}
	w := upstream.Window{From: r.URL.Query().Get("from"), Until: r.URL.Query().Get("until")}
	return s.graphite.Logs(jobID, w), nil
}

func (s *Server) mcmcStats(fn func(upstream.MCMCStats, string, string) string) func(*http.Request, string) (string, error) {
	return func(r *http.Request, jobID string) (string, error) {
		if s.mcmc.Base() == "" {
			return "", ErrNoUpstream
		}
		return fn(s.mcmc, jobID, r.PathValue("simulationRun")), nil
	}
}

// proxyHandler makes handler forwarding requests of the route upstream and relaying the response
func (s *Server) proxyHandler(rt route) http.HandlerFunc {
	method, _, _ := strings.Cut(rt.pattern, " ")
	return func(w http.ResponseWriter, r *http.Request) {
		ev := ProxyEvent{Time: time.Now(), Route: rt.name, Action: rt.action, User: requestUser(r)}

		req, err := s.buildRequest(r, rt, &ev)
		if err != nil {
			s.failRoute(w, rt, ev, err)
			return
		}
		req.Method = method
		if rt.auth {
			req.Token = s.token(r)
		}

		resp, err := s.fwd.Forward(r.Context(), req)
		if err != nil {
			s.failRoute(w, rt, ev, err)
			return
		}
		if rt.action == enums.ActionCreate && ev.JobID == "" {
			ev.JobID = proxy.JobIDFromResponse(resp.Body)
		}
		ev.StatusCode, ev.Duration = resp.StatusCode, resp.Duration
		s.emit(ev)
		proxy.Relay(w, resp)
	}
}

// buildRequest prepares upstream request of the route, fills job id and email of the event if known
func (s *Server) buildRequest(r *http.Request, rt route, ev *ProxyEvent) (proxy.Request, error) {
	ev.JobID = r.PathValue("jobId")
	var req proxy.Request

	switch rt.body {
	case bodyJobID:
		id, err := proxy.JobIDFromBody(r.Body)
		if err != nil {
			return req, err
		}
		ev.JobID = id
	case bodyJSON:
		if err := s.jsonBody(r, &req, ev); err != nil {
			return req, err
		}
	case bodyMultipart:
		if !proxy.IsMultipart(r) {
			if err := s.jsonBody(r, &req, ev); err != nil {
				return req, err
			}
			break
		}
		form, err := proxy.RepackMultipart(r, s.uploadLimit)
		if err != nil {
			return req, err
		}
		log.Printf("[DEBUG] job create form, fields %v, file %s (%s, %d bytes)",
			form.Fields, form.FileField, form.FileName, form.FileSize)
		req.Body, req.ContentType = form.Body, form.ContentType
	case bodyNone:
	}

	u, err := rt.target(r, ev.JobID)
	if err != nil {
		return req, err
	}
	req.URL = u
	return req, nil
}

// jsonBody re-encodes json body of r into req, empty body is not forwarded
func (s *Server) jsonBody(r *http.Request, req *proxy.Request, ev *ProxyEvent) error {
	body, err := proxy.JSONBody(r.Body)
	if err != nil || body == nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("%w: %v", proxy.ErrInvalidBody, err)
	}
	ev.Email = emailFromJSON(data)
	req.Body, req.ContentType = bytes.NewReader(data), "application/json"
	return nil
}

// failRoute answers with the route's failure status and records the failed call
func (s *Server) failRoute(w http.ResponseWriter, rt route, ev ProxyEvent, err error) {
	log.Printf("[WARN] %s failed: %v", rt.name, err)
	ev.Error = err.Error()
	s.emit(ev)
	proxy.Fail(w, failStatus(rt.fail, err), clientError(err))
}

// bodyLimit caps request body at limit bytes, reading past the limit fails with *http.MaxBytesError
func bodyLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}

// failStatus returns 413 for bodies over the limit, status otherwise
func failStatus(status int, err error) int {
	if tooLarge(err) {
		return http.StatusRequestEntityTooLarge
	}
	return status
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// clientError hides upstream details from the client
func clientError(err error) error {
	if tooLarge(err) {
		return ErrBodyTooLarge
	}
	for _, e := range []error{proxy.ErrUpstream, proxy.ErrTooLarge, proxy.ErrFileCount, proxy.ErrNoJobID,
		proxy.ErrInvalidBody, proxy.ErrMultipart, ErrNoUpstream, ErrInvalidParam} {
		if errors.Is(err, e) {
			return e
		}
	}
	return errors.New("request failed")
}

// handleExtra registers forwarding of an extra endpoint, GET and POST of path and everything below
func (s *Server) handleExtra(router *routegroup.Bundle, ep config.Endpoint) {
	name := "extra" + ep.Path
	h := func(w http.ResponseWriter, r *http.Request) {
		ev := ProxyEvent{Time: time.Now(), Route: name, Action: enums.ActionExtra, User: requestUser(r)}
		fail := func(err error) {
			log.Printf("[WARN] %s failed: %v", name, err)
			ev.Error = err.Error()
			s.emit(ev)
			proxy.Fail(w, failStatus(http.StatusBadRequest, err), clientError(err))
		}

		dest, ok := ep.Rewrite(r.URL)
		if !ok {
			fail(fmt.Errorf("%w: %s is not under %s", ErrInvalidParam, r.URL.Path, ep.Path))
			return
		}
		req := proxy.Request{Method: r.Method, URL: dest.String()}
		if ep.Auth {
			req.Token = s.token(r)
		}
		if r.Method == http.MethodPost {
			data, err := io.ReadAll(r.Body)
			if err != nil {
				fail(err)
				return
			}
			req.Body, req.ContentType = bytes.NewReader(data), r.Header.Get("Content-Type")
		}

		resp, err := s.fwd.Forward(r.Context(), req)
		if err != nil {
			fail(err)
			return
		}
		ev.StatusCode, ev.Duration = resp.StatusCode, resp.Duration
		s.emit(ev)
		proxy.Relay(w, resp)
	}

	limited := router.With(bodyLimit(s.sizeLimit))
	for _, p := range []string{ep.Path, ep.Path + "/"} {
		limited.HandleFunc("GET "+p, h)
		limited.HandleFunc("POST "+p, h)
	}
	log.Printf("[INFO] extra endpoint %s -> %s, auth %v", ep.Path, ep.ProxyTo, ep.Auth)
}

// requestUser returns email, user id or subject of verified claims, empty if the request is not verified
func requestUser(r *http.Request) string {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		return ""
	}
	return claimsUser(claims)
}

func claimsUser(c *auth.Claims) string {
	switch {
	case c.Email != "":
		return c.Email
	case c.UserID != "":
		return c.UserID
	default:
		return c.Subject
	}
}


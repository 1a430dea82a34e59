// Package web implements the http server of the chainsail gateway. It serves the proxied api
// routes of the scheduler, graphite and mcmc-stats, the login/logout cookie handlers and the
// admin api with request history and health.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"
	"github.com/robfig/cron/v3"

	"github.com/tweag/chainsail/app/auth"
	"github.com/tweag/chainsail/app/conditions"
	"github.com/tweag/chainsail/app/config"
	"github.com/tweag/chainsail/app/proxy"
	"github.com/tweag/chainsail/app/upstream"
	"github.com/tweag/chainsail/app/web/persistence"
)

// invalidTokenMessage is returned by bearer routes when token verification is required and fails
const invalidTokenMessage = "Invalid/Expired/Revoked account token. Logging out and in again may refresh the token."

// Server represents the gateway http server
type Server struct {
	scheduler      upstream.Scheduler
	graphite       upstream.Graphite
	mcmc           upstream.MCMCStats
	fwd            *proxy.Forwarder
	verifier       auth.TokenVerifier
	requireAuth    bool
	extras         []config.Endpoint
	store          Store
	notifier       Notifier
	eventChan      chan ProxyEvent
	cookieName     string
	cookieTTL      time.Duration
	version        string
	passwordHash   string // bcrypt hash for admin basic auth
	sizeLimit      int64
	uploadLimit    int64
	userRateLimit  float64
	loginRateLimit float64
	historyCleanup string
	historyMaxAge  time.Duration
	csrfProtection *http.CrossOriginProtection
	userLimiter    *limiter.Limiter
	health         *healthChecker
}

// Store defines history storage operations
type Store interface {
	Record(rec persistence.Record) error
	List(limit int) ([]persistence.Record, error)
	ListByJob(jobID string, limit int) ([]persistence.Record, error)
	Cleanup(olderThan time.Duration) (int64, error)
	Close() error
}

// Notifier sends operator notifications
type Notifier interface {
	UserCreated(ctx context.Context, email string) error
	JobCreated(ctx context.Context, jobID, user string) error
}

// Config holds server configuration
type Config struct {
	Scheduler      upstream.Scheduler // zero value means not configured, routes fail
	Graphite       upstream.Graphite
	MCMCStats      upstream.MCMCStats
	Forwarder      *proxy.Forwarder      // optional, made with defaults if nil
	Verifier       auth.TokenVerifier    // optional, login accepts tokens unverified if nil
	RequireAuth    bool                  // verify the token cookie on bearer routes, requires Verifier
	Extras         []config.Endpoint     // extra proxied endpoints
	DBPath         string                // sqlite history, empty to disable
	HistoryCleanup string                // cron spec of history cleanup, empty to disable
	HistoryMaxAge  time.Duration         // age of history records removed by cleanup
	Notifier       Notifier              // optional
	CookieName     string                // token cookie, "token" by default
	CookieTTL      time.Duration         // token cookie max age, 1h by default
	Version        string                // app version
	PasswordHash   string                // bcrypt hash for admin api basic auth (empty to disable)
	SizeLimit      int64                 // max request body, 64KB by default
	UploadLimit    int64                 // max job creation body, 10MB by default
	UserRateLimit  float64               // user creation requests per second per ip, 1 by default
	LoginRateLimit float64               // login requests per second per ip, 5 by default
	Health         conditions.Thresholds // host thresholds reported by health
	HealthCacheTTL time.Duration         // health result cache, 10s by default
}

// New creates a new gateway server
func New(cfg Config) (*Server, error) {
	if cfg.RequireAuth && cfg.Verifier == nil {
		return nil, errors.New("web server initialization failed: token verification required but no verifier set")
	}

	s := &Server{
		scheduler:      cfg.Scheduler,
		graphite:       cfg.Graphite,
		mcmc:           cfg.MCMCStats,
		fwd:            cfg.Forwarder,
		verifier:       cfg.Verifier,
		requireAuth:    cfg.RequireAuth,
		extras:         cfg.Extras,
		notifier:       cfg.Notifier,
		eventChan:      make(chan ProxyEvent, 1000),
		cookieName:     withDefault(cfg.CookieName, "token"),
		cookieTTL:      withDefault(cfg.CookieTTL, time.Hour),
		version:        cfg.Version,
		passwordHash:   cfg.PasswordHash,
		sizeLimit:      withDefault(cfg.SizeLimit, 64*1024),
		uploadLimit:    withDefault(cfg.UploadLimit, 10*1024*1024),
		userRateLimit:  withDefault(cfg.UserRateLimit, 1),
		loginRateLimit: withDefault(cfg.LoginRateLimit, 5),
		historyCleanup: cfg.HistoryCleanup,
		historyMaxAge:  withDefault(cfg.HistoryMaxAge, 30*24*time.Hour),
		csrfProtection: http.NewCrossOriginProtection(),
	}
	if s.fwd == nil {
		s.fwd = proxy.New(proxy.Params{})
	}
	s.health = newHealthChecker(s.fwd, s.probeTargets(), cfg.Health, withDefault(cfg.HealthCacheTTL, 10*time.Second))

	if cfg.DBPath != "" {
		store, err := persistence.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("web server initialization failed: failed to create SQLite store at %q: %w", cfg.DBPath, err)
		}
		s.store = store
	}
	return s, nil
}

// Run starts the web server and blocks until ctx is canceled
func (s *Server) Run(ctx context.Context, address string) error {
	// start event processor
	go s.processEvents(ctx)

	if s.store != nil {
		defer func() {
			if err := s.store.Close(); err != nil {
				log.Printf("[WARN] failed to close history store: %v", err)
			}
		}()
		if s.historyCleanup != "" {
			stop, err := s.scheduleCleanup()
			if err != nil {
				return fmt.Errorf("web server failed: %w", err)
			}
			defer stop()
		}
	}

	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// scheduleCleanup starts cron removing old history records, returns stop function
func (s *Server) scheduleCleanup() (func(), error) {
	c := cron.New()
	if _, err := c.AddFunc(s.historyCleanup, s.cleanupHistory); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", s.historyCleanup, err)
	}
	c.Start()
	log.Printf("[INFO] history cleanup scheduled %q, max age %v", s.historyCleanup, s.historyMaxAge)
	return func() { <-c.Stop().Done() }, nil
}

func (s *Server) cleanupHistory() {
	n, err := s.store.Cleanup(s.historyMaxAge)
	if err != nil {
		log.Printf("[WARN] history cleanup failed: %v", err)
		return
	}
	log.Printf("[INFO] history cleanup removed %d records", n)
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("chainsail-gateway", "tweag", s.version),
		rest.Ping,
		rest.Trace,
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	s.userLimiter = s.rateLimiter(s.userRateLimit)
	loginLimiter := s.rateLimiter(s.loginRateLimit)

	router.Mount("/api").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache) // prevent caching of API responses

		for _, rt := range s.proxyRoutes() {
			s.handleRoute(api, rt)
		}

		api.HandleFunc("GET /job/schema", s.handleJobSchema)
		api.With(rest.SizeLimit(s.sizeLimit), s.csrfProtection.Handler, tollbooth.HTTPMiddleware(loginLimiter)).
			HandleFunc("POST /login", s.handleLogin)
		api.With(rest.SizeLimit(s.sizeLimit), s.csrfProtection.Handler).HandleFunc("POST /logout", s.handleLogout)
	})

	// admin JSON API
	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache, rest.SizeLimit(s.sizeLimit), s.adminAuth)
		api.HandleFunc("GET /history", s.handleHistory)
		api.HandleFunc("GET /history/{jobId}", s.handleJobHistory)
		api.HandleFunc("GET /health", s.handleHealth)
	})

	for _, ep := range s.extras {
		s.handleExtra(router, ep)
	}

	return router
}

// handleRoute registers a proxied route with its middlewares. Job creation gets the upload size limit,
// bearer routes verify the token cookie when required.
func (s *Server) handleRoute(b *routegroup.Bundle, rt route) {
	limit := s.sizeLimit
	if rt.body == bodyMultipart {
		limit = s.uploadLimit
	}
	mws := []func(http.Handler) http.Handler{bodyLimit(limit)}
	if rt.rateLimited {
		mws = append(mws, tollbooth.HTTPMiddleware(s.userLimiter))
	}
	if rt.auth && s.requireAuth {
		mws = append(mws, s.tokenMiddleware())
	}
	b.With(mws[0], mws[1:]...).HandleFunc(rt.pattern, s.proxyHandler(rt))
}

func (s *Server) tokenMiddleware() func(http.Handler) http.Handler {
	return auth.Middleware(s.verifier, s.token, invalidTokenMessage)
}

// token returns bearer token from the token cookie
func (s *Server) token(r *http.Request) string {
	return proxy.BearerToken(r, s.cookieName)
}

// rateLimiter makes per-ip limiter with requests per second
func (s *Server) rateLimiter(rps float64) *limiter.Limiter {
	lmt := tollbooth.NewLimiter(rps, nil)
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	lmt.SetMessageContentType("application/json; charset=utf-8")
	lmt.SetMessage(`{"error":"Too many requests, try again later."}`)
	return lmt
}

func withDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

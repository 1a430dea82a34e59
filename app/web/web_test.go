package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tweag/chainsail/app/auth"
	"github.com/tweag/chainsail/app/config"
	"github.com/tweag/chainsail/app/proxy"
	"github.com/tweag/chainsail/app/upstream"
	"github.com/tweag/chainsail/app/web/enums"
	"github.com/tweag/chainsail/app/web/persistence"
)

// test password hash for "testpass"
const testPasswordHash = "$2y$10$qOIpGITktzktHpcnWXiow.penxJmMcapV3G2ZRQaK0QRW7BSmAuJG" //nolint:gosec // test password hash

type recorded struct {
	method string
	path   string
	query  url.Values
	auth   string
	ctype  string
	body   []byte
}

// fakeUpstream records incoming requests and answers with a fixed status and body
type fakeUpstream struct {
	*httptest.Server
	mu   sync.Mutex
	reqs []recorded
}

func newFakeUpstream(t *testing.T, status int, body string) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.reqs = append(f.reqs, recorded{method: r.Method, path: r.URL.Path, query: r.URL.Query(),
			auth: r.Header.Get("Authorization"), ctype: r.Header.Get("Content-Type"), body: data})
		f.mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeUpstream) calls() []recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recorded(nil), f.reqs...)
}

func (f *fakeUpstream) last(t *testing.T) recorded {
	t.Helper()
	reqs := f.calls()
	require.NotEmpty(t, reqs, "upstream was not called")
	return reqs[len(reqs)-1]
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (*auth.Claims, error) {
	switch token {
	case "good-token":
		return &auth.Claims{Subject: "uid-1", Email: "user@example.com"}, nil
	case "short-token":
		return &auth.Claims{Subject: "uid-2", UserID: "u-2", ExpiresAt: time.Now().Add(10 * time.Minute)}, nil
	}
	return nil, auth.ErrInvalidToken
}

type notifierCall struct {
	kind, id, user string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifierCall
}

func (n *fakeNotifier) UserCreated(_ context.Context, email string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifierCall{kind: "user", user: email})
	return nil
}

func (n *fakeNotifier) JobCreated(_ context.Context, jobID, user string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifierCall{kind: "job", id: jobID, user: user})
	return nil
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.UserRateLimit == 0 {
		cfg.UserRateLimit = 100
	}
	if cfg.LoginRateLimit == 0 {
		cfg.LoginRateLimit = 100
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		if srv.store != nil {
			_ = srv.store.Close()
		}
	})
	return srv
}

func schedulerAt(t *testing.T, base string) upstream.Scheduler {
	t.Helper()
	sch, err := upstream.NewScheduler(base)
	require.NoError(t, err)
	return sch
}

func serve(h http.Handler, method, target string, body io.Reader, opts ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for _, o := range opts {
		o(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func withCookie(token string) func(*http.Request) {
	return func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "token", Value: token}) }
}

func withHeader(k, v string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set(k, v) }
}

// nextEvent takes the event emitted by the last request
func nextEvent(t *testing.T, srv *Server) ProxyEvent {
	t.Helper()
	select {
	case ev := <-srv.eventChan:
		return ev
	case <-time.After(time.Second):
		require.FailNow(t, "no event emitted")
	}
	return ProxyEvent{}
}

func TestServer_schedulerGetRoutes(t *testing.T) {
	body := `{"id":42,"status":"running","spec":{"name":"my job"}}`
	up := newFakeUpstream(t, http.StatusOK, body)
	srv := newTestServer(t, Config{Scheduler: schedulerAt(t, up.URL)})
	h := srv.routes()

	tests := []struct {
		target   string
		wantPath string
		action   enums.Action
		jobID    string
	}{
		{"/api/job/get-all", "/jobs", enums.ActionList, ""},
		{"/api/job/get/42", "/job/42", enums.ActionGet, "42"},
		{"/api/job/nodes/42", "/job/42/nodes", enums.ActionGet, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := serve(h, http.MethodGet, tt.target, nil, withCookie("user-token"))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, body, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			got := up.last(t)
			assert.Equal(t, http.MethodGet, got.method)
			assert.Equal(t, tt.wantPath, got.path)
			assert.Equal(t, "Bearer user-token", got.auth)

			ev := nextEvent(t, srv)
			assert.Equal(t, tt.action, ev.Action)
			assert.Equal(t, tt.jobID, ev.JobID)
			assert.Equal(t, http.StatusOK, ev.StatusCode)
		})
	}
}

func TestServer_upstreamStatusRelayed(t *testing.T) {
	up := newFakeUpstream(t, http.StatusUnauthorized, `{"message":"no token"}`)
	srv := newTestServer(t, Config{Scheduler: schedulerAt(t, up.URL)})

	rec := serve(srv.routes(), http.MethodGet, "/api/job/get-all", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `{"message":"no token"}`, rec.Body.String())
	assert.Empty(t, up.last(t).auth, "no cookie, no authorization header")
}

func TestServer_jobCreateMultipart(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"job_id": 7}`)
	notifier := &fakeNotifier{}
	srv := newTestServer(t, Config{Scheduler: schedulerAt(t, up.URL), Notifier: notifier})

	zip := []byte{0x50, 0x4b, 0x03, 0x04, 0x00, 0x01}
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	require.NoError(t, mw.WriteField("job_spec", `{"name":"my job"}`))
	fw, err := mw.CreateFormFile("probability_definition", "prob.zip")
	require.NoError(t, err)
	_, err = fw.Write(zip)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := serve(srv.routes(), http.MethodPost, "/api/job/create", buf,
		withHeader("Content-Type", mw.FormDataContentType()), withCookie("user-token"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"job_id": 7}`, rec.Body.String())

	got := up.last(t)
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/job", got.path)
	assert.Equal(t, "Bearer user-token", got.auth)
	_, params, err := mime.ParseMediaType(got.ctype)
	require.NoError(t, err)
	form, err := multipart.NewReader(bytes.NewReader(got.body), params["boundary"]).ReadForm(1 << 20)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"name":"my job"}`}, form.Value["job_spec"])
	require.Len(t, form.File["probability_definition"], 1)
	f, err := form.File["probability_definition"][0].Open()
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, zip, data)

	ev := nextEvent(t, srv)
	assert.Equal(t, enums.ActionCreate, ev.Action)
	assert.Equal(t, "7", ev.JobID)
	srv.handleEvent(context.Background(), ev)
	assert.Equal(t, []notifierCall{{kind: "job", id: "7"}}, notifier.calls)
}

func TestServer_jobCreateErrors(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"job_id": 1}`)
	srv := newTestServer(t, Config{Scheduler: schedulerAt(t, up.URL)})

	t.Run("no file", func(t *testing.T) {
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		require.NoError(t, mw.WriteField("job_spec", "{}"))
		require.NoError(t, mw.Close())
		rec := serve(srv.routes(), http.MethodPost, "/api/job/create", buf,
			withHeader("Content-Type", mw.FormDataContentType()))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"invalid number of files sent to job/create route"}`, rec.Body.String())
		ev := nextEvent(t, srv)
		assert.NotEmpty(t, ev.Error)
		assert.Zero(t, ev.StatusCode)
	})

	t.Run("bad json", func(t *testing.T) {
		rec := serve(srv.routes(), http.MethodPost, "/api/job/create", strings.NewReader("{bad"),
			withHeader("Content-Type", "application/json"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"invalid request body"}`, rec.Body.String())
		nextEvent(t, srv)
	})

	assert.Empty(t, up.calls(), "upstream should not be called")
}

func TestServer_jobCreateJSON(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"job_id": 3}`)
	srv := newTestServer(t, Config{Scheduler: schedulerAt(t, up.URL)})

	rec := serve(srv.routes(), http.MethodPost, "/api/job/create",
		strings.NewReader(`{ "name": "job",  "max_replicas": 4 }`), withHeader("Content-Type", "application/json"))
	assert.Equal(t, http.StatusOK, rec.Code)
	got := up.last(t)
	assert.Equal(t, "application/json", got.ctype)
	assert.JSONEq(t, `{"name":"job","max_replicas":4}`, string(got.body))
}

func TestServer_jobStartStop(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `ok`)
	srv := newTestServer(t, Config{Scheduler: schedulerAt(t, up.URL)})
	h := srv.routes()

	tests := []struct {
		name     string
		target   string
		body     string
		wantCode int
		wantPath string
		wantBody string
	}{
		{"start job_id", "/api/job/start", `{"job_id": 12}`, http.StatusOK, "/job/12/start", `"ok"`},
		{"start jobId string", "/api/job/start", `{"jobId": "13"}`, http.StatusOK, "/job/13/start", `"ok"`},
		{"stop", "/api/job/stop", `{"job_id": "14"}`, http.StatusOK, "/job/14/stop", `"ok"`},
		{"signed url", "/api/job/signed-url", `{"job_id": 15}`, http.StatusOK, "/job/15/update_signed_url", `"ok"`},
		{"missing id", "/api/job/start", `{"id": 1}`, http.StatusNotFound, "", `{"error":"job id is missing"}`},
		{"empty body", "/api/job/stop", ``, http.StatusNotFound, "", `{"error":"job id is missing"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(up.calls())
			rec := serve(h, http.MethodPost, tt.target, strings.NewReader(tt.body),
				withHeader("Content-Type", "application/json"), withCookie("tkn"))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
			nextEvent(t, srv)
			if tt.wantPath == "" {
				assert.Len(t, up.calls(), before)
				return
			}
			got := up.last(t)
			assert.Equal(t, http.MethodPost, got.method)
			assert.Equal(t, tt.wantPath, got.path)
			assert.Equal(t, "Bearer tkn", got.auth)
			assert.Empty(t, got.body)
		})
	}
}

func TestServer_graphiteRoutes(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `[{"target":"x","datapoints":[[1.5,1600000000]]}]`)
	g, err := upstream.NewGraphite(up.URL, "")
	require.NoError(t, err)
	srv := newTestServer(t, Config{Graphite: g})
	h := srv.routes()

	t.Run("neglogp default window", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/api/graphite/neglogp/42/run_1", nil, withCookie("tkn"))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, `[{"target":"x","datapoints":[[1.5,1600000000]]}]`, rec.Body.String())
		got := up.last(t)
		assert.Equal(t, "/render", got.path)
		assert.Equal(t, "aggregate(42.run_1.*.negative_log_prob,'sum')", got.query.Get("target"))
		assert.Equal(t, "json", got.query.Get("format"))
		assert.Equal(t, upstream.DefaultMetricsFrom, got.query.Get("from"))
		assert.Equal(t, upstream.DefaultUntil, got.query.Get("until"))
		assert.Empty(t, got.auth, "graphite routes never send a token")
		nextEvent(t, srv)
	})

	t.Run("acceptance rate with window", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/api/graphite/acceptancerate/42/run_1/-1h/now", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		got := up.last(t)
		assert.Equal(t, "42.run_1.*.acceptance_rate", got.query.Get("target"))
		assert.Equal(t, "-1h", got.query.Get("from"))
		nextEvent(t, srv)
	})

	t.Run("logs", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/api/graphite/logs/42", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		got := up.last(t)
		assert.Equal(t, "/events/get_data", got.path)
		assert.Equal(t, "log 42", got.query.Get("tags"))
		nextEvent(t, srv)

		rec = serve(h, http.MethodGet, "/api/graphite/logs", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "log", up.last(t).query.Get("tags"))
		nextEvent(t, srv)
	})

	t.Run("invalid segment", func(t *testing.T) {
		before := len(up.calls())
		rec := serve(h, http.MethodGet, "/api/graphite/neglogp/42/run.*", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"invalid path parameter"}`, rec.Body.String())
		assert.Len(t, up.calls(), before)
		nextEvent(t, srv)
	})
}

func TestServer_mcmcStatsRoutes(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"data":[1,2,3]}`)
	m, err := upstream.NewMCMCStats(up.URL)
	require.NoError(t, err)
	srv := newTestServer(t, Config{MCMCStats: m})
	h := srv.routes()

	rec := serve(h, http.MethodGet, "/api/mcmc_stats/neglogp/5/run1", nil, withCookie("tkn"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"data":[1,2,3]}`, rec.Body.String())
	assert.Equal(t, "/mcmc_stats/5/run1/neg_log_prob_sum", up.last(t).path)
	assert.Empty(t, up.last(t).auth, "mcmc stats routes don't forward the token")
	nextEvent(t, srv)

	rec = serve(h, http.MethodGet, "/api/mcmc_stats/acceptancerate/5/run1", nil, withCookie("tkn"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/mcmc_stats/5/run1/re_acceptance_rates", up.last(t).path)
	assert.Empty(t, up.last(t).auth)
	nextEvent(t, srv)
}

func TestServer_userCreate(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"id":"u1"}`)
	notifier := &fakeNotifier{}
	srv := newTestServer(t, Config{Scheduler: schedulerAt(t, up.URL), Notifier: notifier})

	rec := serve(srv.routes(), http.MethodPost, "/api/user/create",
		strings.NewReader(`{"email": "new@example.com", "name": "New"}`),
		withHeader("Content-Type", "application/json"), withCookie("user-token"))
	assert.Equal(t, http.StatusOK, rec.Code)

	got := up.last(t)
	assert.Equal(t, "/user", got.path)
	assert.Empty(t, got.auth, "user creation never sends a token")
	assert.Equal(t, "application/json", got.ctype)
	assert.JSONEq(t, `{"email":"new@example.com","name":"New"}`, string(got.body))

	ev := nextEvent(t, srv)
	assert.Equal(t, "new@example.com", ev.Email)
	srv.handleEvent(context.Background(), ev)
	assert.Equal(t, []notifierCall{{kind: "user", user: "new@example.com"}}, notifier.calls)
}

func TestServer_userCreateRateLimited(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{}`)
	srv := newTestServer(t, Config{Scheduler: schedulerAt(t, up.URL), UserRateLimit: 1})
	h := srv.routes()

	codes := []int{}
	for range 3 {
		rec := serve(h, http.MethodPost, "/api/user/create", strings.NewReader(`{}`))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Contains(t, codes, http.StatusTooManyRequests)
}

func TestServer_upstreamFailures(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		srv := newTestServer(t, Config{})
		rec := serve(srv.routes(), http.MethodGet, "/api/job/get-all", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.JSONEq(t, `{"error":"upstream service is not configured"}`, rec.Body.String())

		rec = serve(srv.routes(), http.MethodGet, "/api/graphite/logs", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unreachable", func(t *testing.T) {
		down := httptest.NewServer(http.NotFoundHandler())
		addr := down.URL
		down.Close()
		srv := newTestServer(t, Config{Scheduler: schedulerAt(t, addr)})

		rec := serve(srv.routes(), http.MethodGet, "/api/job/get/1", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"upstream request failed"}`, rec.Body.String())

		rec = serve(srv.routes(), http.MethodGet, "/api/job/get-all", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		ev := nextEvent(t, srv)
		assert.Equal(t, "1", ev.JobID)
		assert.Contains(t, ev.Error, "upstream request failed")
	})
}

func TestServer_requireAuth(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `[]`)

	_, err := New(Config{RequireAuth: true})
	require.Error(t, err, "verifier is required")

	srv := newTestServer(t, Config{Scheduler: schedulerAt(t, up.URL), RequireAuth: true, Verifier: fakeVerifier{}})
	h := srv.routes()

	rec := serve(h, http.MethodGet, "/api/job/get-all", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"message":"`+invalidTokenMessage+`"}`, rec.Body.String())

	rec = serve(h, http.MethodGet, "/api/job/get-all", nil, withCookie("bad-token"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, up.calls(), "rejected requests never reach upstream")

	rec = serve(h, http.MethodGet, "/api/job/get-all", nil, withCookie("good-token"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer good-token", up.last(t).auth)
	ev := nextEvent(t, srv)
	assert.Equal(t, "user@example.com", ev.User)

	// user creation is not a bearer route
	rec = serve(h, http.MethodPost, "/api/user/create", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_loginLogout(t *testing.T) {
	t.Run("verified", func(t *testing.T) {
		srv := newTestServer(t, Config{Verifier: fakeVerifier{}, CookieTTL: 2 * time.Hour})
		h := srv.routes()

		rec := serve(h, http.MethodPost, "/api/login", nil, withHeader("Authorization", "Bearer good-token"),
			withHeader("X-Forwarded-Proto", "https"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"success":true}`, rec.Body.String())
		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, "token", cookies[0].Name)
		assert.Equal(t, "good-token", cookies[0].Value)
		assert.Equal(t, 7200, cookies[0].MaxAge)
		assert.True(t, cookies[0].HttpOnly)
		assert.True(t, cookies[0].Secure)
		assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)

		rec = serve(h, http.MethodPost, "/api/login", nil, withHeader("Authorization", "Bearer short-token"))
		require.Equal(t, http.StatusOK, rec.Code)
		cookies = rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.InDelta(t, 600, cookies[0].MaxAge, 2, "cookie max age capped by token expiry")

		rec = serve(h, http.MethodPost, "/api/login", nil, withHeader("Authorization", "Bearer bad-token"))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"error":"Unexpected error."}`, rec.Body.String())
		assert.Empty(t, rec.Result().Cookies())

		rec = serve(h, http.MethodPost, "/api/login", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unverified", func(t *testing.T) {
		srv := newTestServer(t, Config{})
		rec := serve(srv.routes(), http.MethodPost, "/api/login", nil, withHeader("Authorization", "Bearer anything"))
		require.Equal(t, http.StatusOK, rec.Code)
		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, "anything", cookies[0].Value)
		assert.False(t, cookies[0].Secure)
	})

	t.Run("logout", func(t *testing.T) {
		srv := newTestServer(t, Config{})
		rec := serve(srv.routes(), http.MethodPost, "/api/logout", nil, withCookie("some-token"))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"success":true}`, rec.Body.String())
		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		assert.Equal(t, "token", cookies[0].Name)
		assert.Empty(t, cookies[0].Value)
		assert.Negative(t, cookies[0].MaxAge)
	})
}

func TestServer_history(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"id":9}`)
	srv := newTestServer(t, Config{Scheduler: schedulerAt(t, up.URL), DBPath: filepath.Join(t.TempDir(), "history.db"),
		PasswordHash: testPasswordHash})
	h := srv.routes()

	for _, target := range []string{"/api/job/get/9", "/api/job/get/9", "/api/job/get/10"} {
		rec := serve(h, http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		srv.handleEvent(context.Background(), nextEvent(t, srv))
	}

	admin := func(r *http.Request) { r.SetBasicAuth("admin", "testpass") }

	t.Run("unauthorized", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/api/v1/history", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		rec = serve(h, http.MethodGet, "/api/v1/history", nil, func(r *http.Request) { r.SetBasicAuth("admin", "bad") })
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("all", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/api/v1/history?limit=2", nil, admin)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp APIHistoryResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Records, 2)
		assert.Equal(t, "10", resp.Records[0].JobID, "newest first")
		assert.Equal(t, "get", resp.Records[0].Action)
		assert.Equal(t, "job/get", resp.Records[0].Route)
		assert.Equal(t, http.StatusOK, resp.Records[0].StatusCode)
	})

	t.Run("by job", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/api/v1/history/9", nil, admin)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp APIHistoryResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Len(t, resp.Records, 2)

		rec = serve(h, http.MethodGet, "/api/v1/history/unknown", nil, admin)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad limit", func(t *testing.T) {
		rec := serve(h, http.MethodGet, "/api/v1/history?limit=abc", nil, admin)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("cleanup", func(t *testing.T) {
		srv.historyMaxAge = time.Nanosecond
		time.Sleep(5 * time.Millisecond)
		srv.cleanupHistory()
		recs, err := srv.store.List(0)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func TestServer_historyDisabled(t *testing.T) {
	srv := newTestServer(t, Config{})
	rec := serve(srv.routes(), http.MethodGet, "/api/v1/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"history is disabled"}`, rec.Body.String())
}

func TestServer_handleEventFailedCallNotNotified(t *testing.T) {
	notifier := &fakeNotifier{}
	srv := newTestServer(t, Config{Notifier: notifier})
	srv.handleEvent(context.Background(), ProxyEvent{Action: enums.ActionUser, StatusCode: http.StatusConflict})
	srv.handleEvent(context.Background(), ProxyEvent{Action: enums.ActionCreate, Error: "upstream request failed"})
	srv.handleEvent(context.Background(), ProxyEvent{Action: enums.ActionStart, StatusCode: http.StatusOK})
	assert.Empty(t, notifier.calls)
}

func TestServer_emitDropsWhenFull(t *testing.T) {
	srv := newTestServer(t, Config{})
	for range cap(srv.eventChan) + 10 {
		srv.emit(ProxyEvent{Route: "x"})
	}
	assert.Len(t, srv.eventChan, cap(srv.eventChan))
}

func TestServer_extras(t *testing.T) {
	up := newFakeUpstream(t, http.StatusAccepted, `{"ok":true}`)
	target, err := url.Parse(up.URL + "/root")
	require.NoError(t, err)
	srv := newTestServer(t, Config{Extras: []config.Endpoint{
		{Path: "/ext", ProxyTo: target, Auth: true},
		{Path: "/open", ProxyTo: target},
	}})
	h := srv.routes()

	rec := serve(h, http.MethodGet, "/ext/a/b?x=1", nil, withCookie("tkn"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	got := up.last(t)
	assert.Equal(t, "/root/a/b", got.path)
	assert.Equal(t, "1", got.query.Get("x"))
	assert.Equal(t, "Bearer tkn", got.auth)
	ev := nextEvent(t, srv)
	assert.Equal(t, enums.ActionExtra, ev.Action)

	rec = serve(h, http.MethodPost, "/open/c", strings.NewReader(`{"a":1}`), withCookie("tkn"),
		withHeader("Content-Type", "application/json"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	got = up.last(t)
	assert.Equal(t, "/root/c", got.path)
	assert.Empty(t, got.auth)
	assert.Equal(t, `{"a":1}`, string(got.body))
	nextEvent(t, srv)
}

func TestServer_extrasBodyTooLarge(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"ok":true}`)
	target, err := url.Parse(up.URL)
	require.NoError(t, err)
	srv := newTestServer(t, Config{SizeLimit: 1024, Extras: []config.Endpoint{{Path: "/docs", ProxyTo: target}}})
	h := srv.routes()

	rec := serve(h, http.MethodPost, "/docs/upload", strings.NewReader(strings.Repeat("x", 5000)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.JSONEq(t, `{"error":"request body too large"}`, rec.Body.String())
	assert.Empty(t, up.calls(), "oversized body should not be forwarded")
	ev := nextEvent(t, srv)
	assert.Equal(t, enums.ActionExtra, ev.Action)
	assert.NotEmpty(t, ev.Error)

	body := strings.Repeat("y", 1024)
	rec = serve(h, http.MethodPost, "/docs/upload", strings.NewReader(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, body, string(up.last(t).body), "body within the limit is forwarded whole")
	nextEvent(t, srv)
}

func TestServer_bodyTooLarge(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK, `{"job_id": 1}`)
	srv := newTestServer(t, Config{Scheduler: schedulerAt(t, up.URL), SizeLimit: 100, UploadLimit: 1024})
	h := srv.routes()

	t.Run("json", func(t *testing.T) {
		body := fmt.Sprintf(`{"job_id": 1, "pad": %q}`, strings.Repeat("x", 200))
		rec := serve(h, http.MethodPost, "/api/job/start", strings.NewReader(body), withCookie("tkn"))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.JSONEq(t, `{"error":"request body too large"}`, rec.Body.String())
		ev := nextEvent(t, srv)
		assert.Equal(t, enums.ActionStart, ev.Action)
		assert.NotEmpty(t, ev.Error)
	})

	t.Run("multipart", func(t *testing.T) {
		buf := &bytes.Buffer{}
		mw := multipart.NewWriter(buf)
		require.NoError(t, mw.WriteField("job_spec", "{}"))
		fw, err := mw.CreateFormFile("probability_definition", "prob.zip")
		require.NoError(t, err)
		_, err = fw.Write(bytes.Repeat([]byte{0x50}, 4096))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		rec := serve(h, http.MethodPost, "/api/job/create", buf,
			withHeader("Content-Type", mw.FormDataContentType()), withCookie("tkn"))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.JSONEq(t, `{"error":"request body too large"}`, rec.Body.String())
		ev := nextEvent(t, srv)
		assert.Equal(t, enums.ActionCreate, ev.Action)
		assert.NotEmpty(t, ev.Error)
	})

	assert.Empty(t, up.calls(), "upstream should not be called")
}

func TestServer_upstreamRedirectFollowed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/jobs" {
			http.Redirect(w, r, "/jobs/", http.StatusPermanentRedirect)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}))
	defer ts.Close()
	srv := newTestServer(t, Config{Scheduler: schedulerAt(t, ts.URL)})

	rec := serve(srv.routes(), http.MethodGet, "/api/job/get-all", nil, withCookie("tkn"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `[{"id":1}]`, rec.Body.String())
	nextEvent(t, srv)
}

func TestServer_jobSchema(t *testing.T) {
	srv := newTestServer(t, Config{})
	rec := serve(srv.routes(), http.MethodGet, "/api/job/schema", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var schema map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &schema))
	assert.Equal(t, "Chainsail job specification", schema["title"])
	assert.Contains(t, rec.Body.String(), "initial_number_of_replicas")
}

func TestServer_health(t *testing.T) {
	up := newFakeUpstream(t, http.StatusNotFound, `not found`)
	down := httptest.NewServer(http.NotFoundHandler())
	downAddr := down.URL
	down.Close()
	g, err := upstream.NewGraphite(downAddr, "")
	require.NoError(t, err)

	srv := newTestServer(t, Config{Scheduler: schedulerAt(t, up.URL), Graphite: g, HealthCacheTTL: time.Minute})
	h := srv.routes()

	rec := serve(h, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rep HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, "degraded", rep.Status)
	require.Len(t, rep.Upstreams, 2)
	assert.Equal(t, "scheduler", rep.Upstreams[0].Name)
	assert.True(t, rep.Upstreams[0].OK)
	assert.Equal(t, http.StatusNotFound, rep.Upstreams[0].StatusCode)
	assert.Equal(t, "graphite", rep.Upstreams[1].Name)
	assert.False(t, rep.Upstreams[1].OK)
	assert.NotEmpty(t, rep.Upstreams[1].Error)
	assert.Contains(t, rep.Reasons, "graphite is not available")

	// cached report, no new probe
	probes := len(up.calls())
	rec = serve(h, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, up.calls(), probes)
}

func TestServer_ping(t *testing.T) {
	srv := newTestServer(t, Config{Version: "v1.2.3"})
	rec := serve(srv.routes(), http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", rec.Body.String())
	assert.Equal(t, "v1.2.3", rec.Header().Get("App-Version"))
}

func TestServer_Run(t *testing.T) {
	srv := newTestServer(t, Config{DBPath: filepath.Join(t.TempDir(), "history.db"), HistoryCleanup: "@every 1h"})
	port := freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, fmt.Sprintf("127.0.0.1:%d", port)) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/ping", port))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_RunBadCleanupSchedule(t *testing.T) {
	srv, err := New(Config{DBPath: filepath.Join(t.TempDir(), "history.db"), HistoryCleanup: "not a schedule"})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	err = srv.Run(ctx, "127.0.0.1:0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cleanup schedule")
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRequestUser(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	assert.Empty(t, requestUser(r))
	r = r.WithContext(auth.WithClaims(r.Context(), &auth.Claims{Subject: "sub-1"}))
	assert.Equal(t, "sub-1", requestUser(r))
	r = r.WithContext(auth.WithClaims(r.Context(), &auth.Claims{Subject: "sub-1", UserID: "u-1"}))
	assert.Equal(t, "u-1", requestUser(r))
	r = r.WithContext(auth.WithClaims(r.Context(), &auth.Claims{Subject: "sub-1", UserID: "u-1", Email: "a@b.c"}))
	assert.Equal(t, "a@b.c", requestUser(r))
}

func TestClientError(t *testing.T) {
	assert.Equal(t, ErrNoUpstream, clientError(fmt.Errorf("wrapped: %w", ErrNoUpstream)))
	assert.EqualError(t, clientError(assert.AnError), "request failed")
	assert.Equal(t, ErrBodyTooLarge, clientError(fmt.Errorf("%w: %w", proxy.ErrInvalidBody, &http.MaxBytesError{Limit: 10})))
	assert.Equal(t, http.StatusRequestEntityTooLarge, failStatus(http.StatusBadRequest, &http.MaxBytesError{Limit: 10}))
	assert.Equal(t, http.StatusNotFound, failStatus(http.StatusNotFound, proxy.ErrUpstream))
}

func TestEmailFromJSON(t *testing.T) {
	assert.Equal(t, "a@b.c", emailFromJSON([]byte(`{"email":"a@b.c"}`)))
	assert.Empty(t, emailFromJSON([]byte(`{"name":"x"}`)))
	assert.Empty(t, emailFromJSON([]byte(`[1]`)))
}

var _ Store = (*persistence.SQLiteStore)(nil)

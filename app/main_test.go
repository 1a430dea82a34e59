package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tweag/chainsail/app/upstream"
)

func Test_makeNotifier(t *testing.T) {
	defer func() { opts.Notify.ToEmails, opts.Notify.Webhooks, opts.Notify.FromEmail = nil, nil, "" }()

	opts.Notify.ToEmails, opts.Notify.Webhooks = nil, nil
	assert.Nil(t, makeNotifier())

	opts.Notify.FromEmail = ""
	opts.Notify.ToEmails = []string{"test@example.com"}
	notif := makeNotifier()
	require.NotNil(t, notif)
	assert.Equal(t, "chainsail@"+makeHostName(), opts.Notify.FromEmail,
		"side effect of creating notifier with empty From "+
			"is setting the From based on hostname")
}

func Test_makeVerifier(t *testing.T) {
	defer func() { opts.Auth.Project, opts.Auth.Issuer, opts.Auth.Require = "", "", false }()

	v, err := makeVerifier()
	require.NoError(t, err)
	assert.Nil(t, v)

	opts.Auth.Require = true
	_, err = makeVerifier()
	require.Error(t, err)

	opts.Auth.Issuer = "https://securetoken.google.com/chainsail-test"
	_, err = makeVerifier()
	require.Error(t, err, "audience is required")
}

func Test_makeWebConfig(t *testing.T) {
	defer func() {
		opts.Scheduler.URL, opts.Graphite.URL, opts.Graphite.Port, opts.MCMC.URL, opts.Extras = "", "", "", "", ""
	}()

	opts.Scheduler.URL = "http://127.0.0.1:5000/"
	opts.Graphite.URL = "http://graphite"
	opts.Graphite.Port = "8080"
	opts.MCMC.URL = "http://mcmc:5001"

	extras := filepath.Join(t.TempDir(), "extras.yml")
	require.NoError(t, os.WriteFile(extras, []byte("endpoints:\n  - path: /docs\n    proxy_to: http://docs:8000\n"), 0o600))
	opts.Extras = extras

	cfg, err := makeWebConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:5000", cfg.Scheduler.Base())
	assert.Equal(t, "http://graphite:8080", cfg.Graphite.Base())
	assert.Equal(t, "http://mcmc:5001", cfg.MCMCStats.Base())
	require.Len(t, cfg.Extras, 1)
	assert.Equal(t, "/docs", cfg.Extras[0].Path)
	assert.NotNil(t, cfg.Forwarder)
	assert.Nil(t, cfg.Notifier)
	assert.Nil(t, cfg.Verifier)

	opts.Scheduler.URL = "ftp://bad"
	_, err = makeWebConfig()
	require.Error(t, err)
}

func Test_upstreamDefaults(t *testing.T) {
	for _, env := range []string{"FLASK_URL", "GRAPHITE_URL", "GRAPHITE_PORT"} {
		t.Setenv(env, "")
		require.NoError(t, os.Unsetenv(env))
	}
	o := opts
	_, err := flags.ParseArgs(&o, []string{})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:5000", o.Scheduler.URL)

	g, err := upstream.NewGraphite(o.Graphite.URL, o.Graphite.Port)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:80", g.Base())
}

func Test_setupLogsWithLogsDisabled(t *testing.T) {
	opts.Log.Enabled = false
	assert.Equal(t, os.Stdout, setupLogs())
}

func Test_setupLogsToFile(t *testing.T) {
	defer func() {
		opts.Log.Enabled = false
		setupLogs()
	}()
	tmpfile, err := os.CreateTemp(t.TempDir(), "")
	require.NoError(t, err)
	require.NoError(t, tmpfile.Close())

	opts.Log.Enabled = true
	opts.Log.Filename = tmpfile.Name()
	opts.Log.MaxSize = 100
	opts.Log.MaxBackups = 7
	opts.Log.MaxAge = 0
	opts.Log.EnabledCompress = false

	out := setupLogs()
	assert.IsType(t, &lumberjack.Logger{}, out)

	logger := out.(*lumberjack.Logger)
	assert.Equal(t, tmpfile.Name(), logger.Filename)
	assert.Equal(t, 100, logger.MaxSize)
	assert.Equal(t, 7, logger.MaxBackups)
	assert.Equal(t, 0, logger.MaxAge)
	assert.False(t, logger.Compress)
}

func Test_envFile(t *testing.T) {
	t.Setenv("ENV_FILE", "")
	assert.Equal(t, ".env", envFileName(nil))
	assert.Equal(t, "a.env", envFileName([]string{"--dbg", "--env-file", "a.env"}))
	assert.Equal(t, "b.env", envFileName([]string{"--env-file=b.env"}))
	t.Setenv("ENV_FILE", "c.env")
	assert.Equal(t, "c.env", envFileName([]string{"--dbg"}))

	dir := t.TempDir()
	assert.NoError(t, loadEnvFile(filepath.Join(dir, "missing.env")), "missing file is fine")

	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("CHAINSAIL_TEST_FLASK_URL=http://scheduler:5000\n"), 0o600))
	t.Setenv("CHAINSAIL_TEST_FLASK_URL", "")
	require.NoError(t, os.Unsetenv("CHAINSAIL_TEST_FLASK_URL"))
	require.NoError(t, loadEnvFile(envFile))
	assert.Equal(t, "http://scheduler:5000", os.Getenv("CHAINSAIL_TEST_FLASK_URL"))
}

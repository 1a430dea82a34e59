package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	ntf "github.com/go-pkgz/notify"
	"github.com/joho/godotenv"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tweag/chainsail/app/auth"
	"github.com/tweag/chainsail/app/conditions"
	"github.com/tweag/chainsail/app/config"
	"github.com/tweag/chainsail/app/notify"
	"github.com/tweag/chainsail/app/proxy"
	"github.com/tweag/chainsail/app/upstream"
	"github.com/tweag/chainsail/app/web"
)

var opts struct {
	Listen  string `short:"l" long:"listen" env:"LISTEN" default:"127.0.0.1:3000" description:"listen address"`
	Extras  string `short:"e" long:"extras" env:"EXTRAS_FILE" description:"yaml file with extra proxied endpoints"`
	EnvFile string `long:"env-file" env:"ENV_FILE" default:".env" description:"dotenv file, loaded before parsing if exists"`
	Dbg     bool   `long:"dbg" env:"DEBUG" description:"debug mode"`

	Scheduler struct {
		URL string `long:"url" env:"FLASK_URL" default:"http://127.0.0.1:5000" description:"job scheduler base url"`
	} `group:"scheduler" namespace:"scheduler"`

	Graphite struct {
		URL  string `long:"url" env:"GRAPHITE_URL" default:"http://127.0.0.1" description:"graphite base url"`
		Port string `long:"port" env:"GRAPHITE_PORT" default:"80" description:"graphite port, if not in url"`
	} `group:"graphite" namespace:"graphite"`

	MCMC struct {
		URL string `long:"url" env:"MCMC_STATS_URL" description:"mcmc-stats service base url"`
	} `group:"mcmc" namespace:"mcmc"`

	Auth struct {
		Project   string        `long:"project" env:"FIREBASE_PROJECT_ID" description:"firebase project id"`
		Issuer    string        `long:"issuer" env:"ISSUER" description:"token issuer, firebase issuer of the project by default"`
		Audience  string        `long:"audience" env:"AUDIENCE" description:"token audience, project id by default"`
		JWKS      string        `long:"jwks" env:"JWKS_URL" description:"jwks url, firebase keys by default"`
		Require   bool          `long:"require" env:"REQUIRE" description:"verify token cookie on job routes"`
		CookieTTL time.Duration `long:"cookie-ttl" env:"COOKIE_TTL" default:"1h" description:"token cookie max age"`
		AdminHash string        `long:"admin-hash" env:"ADMIN_HASH" description:"bcrypt hash of admin api password"`
	} `group:"auth" namespace:"auth" env-namespace:"AUTH"`

	Proxy struct {
		Timeout     time.Duration `long:"timeout" env:"TIMEOUT" default:"30s" description:"upstream request timeout"`
		MaxResponse int64         `long:"max-response" env:"MAX_RESPONSE" default:"10485760" description:"max upstream response size"`
		SizeLimit   int64         `long:"size-limit" env:"SIZE_LIMIT" default:"65536" description:"max request body size"`
		UploadLimit int64         `long:"upload-limit" env:"UPLOAD_LIMIT" default:"10485760" description:"max job creation body size"`
		UserRate    float64       `long:"user-rate" env:"USER_RATE" default:"1" description:"user creation requests per second per ip"`
		LoginRate   float64       `long:"login-rate" env:"LOGIN_RATE" default:"5" description:"login requests per second per ip"`
	} `group:"proxy" namespace:"proxy" env-namespace:"PROXY"`

	History struct {
		DB      string        `long:"db" env:"DB" description:"sqlite file with request history, disabled if empty"`
		Cleanup string        `long:"cleanup" env:"CLEANUP" default:"@daily" description:"history cleanup schedule"`
		MaxAge  time.Duration `long:"max-age" env:"MAX_AGE" default:"720h" description:"max age of history records"`
	} `group:"history" namespace:"history" env-namespace:"HISTORY"`

	Health struct {
		CPU      int           `long:"cpu" env:"CPU" description:"cpu usage percent reported as degraded"`
		Memory   int           `long:"mem" env:"MEM" description:"memory usage percent reported as degraded"`
		LoadAvg  float64       `long:"load" env:"LOAD" description:"1 minute load average reported as degraded"`
		DiskFree int           `long:"disk-free" env:"DISK_FREE" description:"free disk percent below which is degraded"`
		DiskPath string        `long:"disk-path" env:"DISK_PATH" default:"/" description:"path for disk check"`
		CacheTTL time.Duration `long:"cache" env:"CACHE" default:"10s" description:"health report cache"`
	} `group:"health" namespace:"health" env-namespace:"HEALTH"`

	Notify struct {
		SMTPHost     string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort     int           `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS      bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		FromEmail    string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails     []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		Webhooks     []string      `long:"webhook" env:"WEBHOOK" description:"webhook url(s)" env-delim:","`
		Timeout      time.Duration `long:"timeout" env:"TIMEOUT" default:"10s" description:"notification timeout"`
		Retries      int           `long:"retries" env:"RETRIES" default:"3" description:"notification attempts"`
		UserTemplate string        `long:"user-template" env:"USER_TEMPLATE" description:"new user notification template"`
		JobTemplate  string        `long:"job-template" env:"JOB_TEMPLATE" description:"new job notification template"`
	} `group:"notify" namespace:"notify" env-namespace:"NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"chainsail.log" description:"file name for logs"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max size of log file, MB"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files, days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"enable compression of rotated files"`
	} `group:"log" namespace:"log" env-namespace:"LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("chainsail-gateway %s\n", revision)

	if err := loadEnvFile(envFileName(os.Args[1:])); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := makeWebConfig()
	if err != nil {
		return err
	}
	srv, err := web.New(cfg)
	if err != nil {
		return err
	}
	return srv.Run(ctx, opts.Listen)
}

// makeWebConfig builds server config from options
func makeWebConfig() (web.Config, error) {
	cfg := web.Config{
		RequireAuth:    opts.Auth.Require,
		DBPath:         opts.History.DB,
		HistoryCleanup: opts.History.Cleanup,
		HistoryMaxAge:  opts.History.MaxAge,
		CookieTTL:      opts.Auth.CookieTTL,
		Version:        revision,
		PasswordHash:   opts.Auth.AdminHash,
		SizeLimit:      opts.Proxy.SizeLimit,
		UploadLimit:    opts.Proxy.UploadLimit,
		UserRateLimit:  opts.Proxy.UserRate,
		LoginRateLimit: opts.Proxy.LoginRate,
		Health: conditions.Thresholds{CPUBelow: opts.Health.CPU, MemoryBelow: opts.Health.Memory,
			LoadAvgBelow: opts.Health.LoadAvg, DiskFreeAbove: opts.Health.DiskFree, DiskFreePath: opts.Health.DiskPath},
		HealthCacheTTL: opts.Health.CacheTTL,
		Forwarder:      proxy.New(proxy.Params{Timeout: opts.Proxy.Timeout, MaxResponseSize: opts.Proxy.MaxResponse}),
	}

	var err error
	if opts.Scheduler.URL != "" {
		if cfg.Scheduler, err = upstream.NewScheduler(opts.Scheduler.URL); err != nil {
			return web.Config{}, fmt.Errorf("scheduler: %w", err)
		}
	} else {
		log.Printf("[WARN] scheduler url is not set, job routes will fail")
	}
	if opts.Graphite.URL != "" {
		if cfg.Graphite, err = upstream.NewGraphite(opts.Graphite.URL, opts.Graphite.Port); err != nil {
			return web.Config{}, fmt.Errorf("graphite: %w", err)
		}
	} else {
		log.Printf("[WARN] graphite url is not set, metrics routes will fail")
	}
	if opts.MCMC.URL != "" {
		if cfg.MCMCStats, err = upstream.NewMCMCStats(opts.MCMC.URL); err != nil {
			return web.Config{}, fmt.Errorf("mcmc-stats: %w", err)
		}
	}

	if cfg.Verifier, err = makeVerifier(); err != nil {
		return web.Config{}, err
	}

	if opts.Extras != "" {
		extras, err := config.Load(opts.Extras)
		if err != nil {
			return web.Config{}, fmt.Errorf("extras: %w", err)
		}
		cfg.Extras = extras.Endpoints
	}

	if n := makeNotifier(); n != nil {
		cfg.Notifier = n
	}
	return cfg, nil
}

// makeVerifier returns token verifier, nil if no project or issuer configured
func makeVerifier() (auth.TokenVerifier, error) {
	if opts.Auth.Project == "" && opts.Auth.Issuer == "" {
		if opts.Auth.Require {
			return nil, errors.New("auth: token verification required, but neither project nor issuer set")
		}
		return nil, nil
	}
	issuer, audience, jwks := opts.Auth.Issuer, opts.Auth.Audience, opts.Auth.JWKS
	if issuer == "" && audience == "" && jwks == "" {
		v, err := auth.NewFirebaseVerifier(opts.Auth.Project)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		return v, nil
	}
	if issuer == "" {
		issuer = auth.FirebaseIssuer(opts.Auth.Project)
	}
	if audience == "" {
		audience = opts.Auth.Project
	}
	if jwks == "" {
		jwks = auth.FirebaseJWKS
	}
	v, err := auth.NewVerifier(issuer, audience, jwks)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return v, nil
}

// makeNotifier returns notification service, nil if no destinations set
func makeNotifier() *notify.Service {
	if len(opts.Notify.ToEmails) == 0 && len(opts.Notify.Webhooks) == 0 {
		return nil
	}
	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "chainsail@" + makeHostName()
	}
	return notify.NewService(
		notify.Params{UserTemplate: opts.Notify.UserTemplate, JobTemplate: opts.Notify.JobTemplate,
			Retries: opts.Notify.Retries},
		notify.SendersParams{
			SMTPParams: ntf.SMTPParams{
				Host:     opts.Notify.SMTPHost,
				Port:     opts.Notify.SMTPPort,
				TLS:      opts.Notify.SMTPTLS,
				Username: opts.Notify.SMTPUsername,
				Password: opts.Notify.SMTPPassword,
			},
			FromEmail: opts.Notify.FromEmail,
			ToEmails:  opts.Notify.ToEmails,
			Webhooks:  opts.Notify.Webhooks,
			Timeout:   opts.Notify.Timeout,
		},
	)
}

func makeHostName() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// envFileName picks --env-file value from command line, ENV_FILE or default .env
func envFileName(args []string) string {
	for i, a := range args {
		if a == "--env-file" && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(a, "--env-file="); ok {
			return v
		}
	}
	if v := os.Getenv("ENV_FILE"); v != "" {
		return v
	}
	return ".env"
}

// loadEnvFile loads dotenv file into environment, missing file is not an error
func loadEnvFile(name string) error {
	if name == "" {
		return nil
	}
	if err := godotenv.Load(name); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", name, err)
	}
	return nil
}

// setupLogs configures lgr, returns log destination
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	logOpts := []log.Option{log.Msec, log.LevelBraces, log.Out(out), log.Err(out)}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}
	log.Setup(logOpts...)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] %v received, shutting down", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}

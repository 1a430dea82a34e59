// Package notify sends operator notifications about new users and new jobs to email
// and webhook destinations
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
)

//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier

// Notifier is a single delivery channel, implemented by go-pkgz/notify senders
type Notifier interface {
	Schema() string
	Send(ctx context.Context, destination, text string) error
}

// Service renders notification messages and delivers them to all destinations
type Service struct {
	destinations []Notifier
	fromEmail    string
	toEmails     []string
	webhooks     []string
	userTmpl     *template.Template
	jobTmpl      *template.Template
	retry        strategy.Interface
}

// Params defines service parameters
type Params struct {
	UserTemplate string // optional file with user notification template
	JobTemplate  string // optional file with job notification template
	Retries      int
	RetryDelay   time.Duration
}

// SendersParams configures delivery channels
type SendersParams struct {
	SMTPParams notify.SMTPParams
	FromEmail  string
	ToEmails   []string
	Webhooks   []string // http(s) urls
	Timeout    time.Duration
}

// NewService makes notification service, returns nil if no destinations configured
func NewService(p Params, sp SendersParams) *Service {
	if len(sp.ToEmails) == 0 && len(sp.Webhooks) == 0 {
		return nil
	}
	res := &Service{
		fromEmail: sp.FromEmail,
		toEmails:  sp.ToEmails,
		webhooks:  sp.Webhooks,
		userTmpl:  loadTemplate("user", p.UserTemplate, defaultUserTemplate),
		jobTmpl:   loadTemplate("job", p.JobTemplate, defaultJobTemplate),
	}
	delay := p.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	res.retry = &strategy.Backoff{Repeats: max(p.Retries, 1), Duration: delay, Factor: 2, Jitter: true}

	timeout := sp.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if len(sp.ToEmails) > 0 {
		smtpParams := sp.SMTPParams
		smtpParams.ContentType = "text/html"
		if smtpParams.TimeOut == 0 {
			smtpParams.TimeOut = timeout
		}
		res.destinations = append(res.destinations, notify.NewEmail(smtpParams))
	}
	if len(sp.Webhooks) > 0 {
		res.destinations = append(res.destinations, notify.NewWebhook(notify.WebhookParams{Timeout: timeout}))
	}
	return res
}

// UserCreated notifies about a new registered user
func (s *Service) UserCreated(ctx context.Context, email string) error {
	text, err := s.render(s.userTmpl, map[string]any{"Email": email, "TS": time.Now(), "Host": hostname()})
	if err != nil {
		return err
	}
	return s.Send(ctx, "Chainsail: new user "+email, text)
}

// JobCreated notifies about a new sampling job
func (s *Service) JobCreated(ctx context.Context, jobID, user string) error {
	text, err := s.render(s.jobTmpl, map[string]any{"JobID": jobID, "User": user, "TS": time.Now(), "Host": hostname()})
	if err != nil {
		return err
	}
	subj := "Chainsail: new job"
	if jobID != "" {
		subj += " " + jobID
	}
	return s.Send(ctx, subj, text)
}

// Send delivers text to every destination, errors from all destinations are joined
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var errs []error
	for _, dest := range s.destinationURLs(subj) {
		n := s.notifierFor(dest)
		if n == nil {
			errs = append(errs, fmt.Errorf("no notifier for %s", dest))
			continue
		}
		send := func() error { return n.Send(ctx, dest, text) }
		if s.retry != nil {
			if err := repeater.New(s.retry).Do(ctx, send); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := send(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Printf("[DEBUG] notification %q sent", subj)
	return nil
}

// destinationURLs makes mailto destination for all emails and one destination per webhook
func (s *Service) destinationURLs(subj string) []string {
	res := []string{}
	if len(s.toEmails) > 0 {
		q := url.Values{}
		q.Set("from", s.fromEmail)
		q.Set("subject", subj)
		res = append(res, "mailto:"+strings.Join(s.toEmails, ",")+"?"+q.Encode())
	}
	return append(res, s.webhooks...)
}

func (s *Service) notifierFor(dest string) Notifier {
	for _, n := range s.destinations {
		if strings.HasPrefix(dest, n.Schema()) {
			return n
		}
	}
	return nil
}

func (s *Service) render(t *template.Template, data any) (string, error) {
	buf := bytes.Buffer{}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// loadTemplate reads template from file, falls back to the default one on any error
func loadTemplate(name, file, fallback string) *template.Template {
	if file != "" {
		data, err := os.ReadFile(file) //nolint:gosec // template file from options
		if err == nil {
			t, parseErr := template.New(name).Parse(string(data))
			if parseErr == nil {
				return t
			}
			err = parseErr
		}
		log.Printf("[WARN] can't use %s template %s, fallback to default: %v", name, file, err)
	}
	return template.Must(template.New(name).Parse(fallback))
}

func hostname() string {
	if h := os.Getenv("MHOST"); h != "" {
		return h
	}
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// Package proxy forwards gateway requests to upstream services. It attaches the bearer token
// taken from the user's cookie, re-encodes request bodies and relays upstream responses
// back to the client. Every call is a single best-effort request, there are no retries.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
)

// errors returned by Forwarder and body helpers
var (
	ErrUpstream    = errors.New("upstream request failed")
	ErrTooLarge    = errors.New("upstream response too large")
	ErrInvalidBody = errors.New("invalid request body")
)

const (
	defaultTimeout         = 30 * time.Second
	defaultMaxResponseSize = 10 * 1024 * 1024
)

// Request describes a single upstream call
type Request struct {
	Method      string
	URL         string
	Token       string    // bearer token, Authorization header is not sent when empty
	Body        io.Reader // nil for requests without body
	ContentType string
}

// Response is a fully read upstream response
type Response struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Params configures Forwarder
type Params struct {
	Timeout         time.Duration
	MaxResponseSize int64
	Transport       http.RoundTripper // optional, http.DefaultTransport if nil
}

// Forwarder sends requests to upstream services
type Forwarder struct {
	client          *http.Client
	maxResponseSize int64
}

// New makes Forwarder with defaults applied
func New(p Params) *Forwarder {
	if p.Timeout <= 0 {
		p.Timeout = defaultTimeout
	}
	if p.MaxResponseSize <= 0 {
		p.MaxResponseSize = defaultMaxResponseSize
	}
	return &Forwarder{
		// redirects are followed, the client gets the final response
		client:          &http.Client{Timeout: p.Timeout, Transport: p.Transport},
		maxResponseSize: p.MaxResponseSize,
	}
}

// Forward sends req upstream and reads the whole response body
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to make request to %s: %v", ErrUpstream, req.URL, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	st := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUpstream, req.Method, req.URL, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("[WARN] failed to close response body: %v", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response of %s: %v", ErrUpstream, req.URL, err)
	}
	if int64(len(data)) > f.maxResponseSize {
		return nil, fmt.Errorf("%w: %s returned more than %d bytes", ErrTooLarge, req.URL, f.maxResponseSize)
	}

	res := &Response{StatusCode: resp.StatusCode, Body: data, Duration: time.Since(st)}
	log.Printf("[DEBUG] %s %s -> %d, %d bytes, %v", req.Method, req.URL, res.StatusCode, len(data), res.Duration)
	return res, nil
}

// Relay writes upstream status and body to the client. JSON bodies are passed verbatim,
// anything else is sent as a JSON string.
func Relay(w http.ResponseWriter, resp *Response) {
	body := resp.Body
	if !json.Valid(body) {
		var err error
		if body, err = json.Marshal(string(resp.Body)); err != nil {
			log.Printf("[WARN] failed to encode upstream body: %v", err)
			body = []byte(`""`)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(body); err != nil {
		log.Printf("[WARN] failed to write response: %v", err)
	}
}

// Fail writes {"error": message} with the given status
func Fail(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}); encErr != nil {
		log.Printf("[WARN] failed to write error response: %v", encErr)
	}
}

// BearerToken returns the value of the token cookie, empty if not set
func BearerToken(r *http.Request, cookieName string) string {
	c, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return c.Value
}

// JSONBody reads a JSON request body and encodes it again, the same way a body parser followed
// by stringify would. Empty body results in nil reader.
func JSONBody(r io.Reader) (io.Reader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBody, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return bytes.NewReader(out), nil
}

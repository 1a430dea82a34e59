// Package config loads the yaml file with extra endpoints proxied by the gateway.
//
// Example:
//
//	endpoints:
//	  - path: /api/docs
//	    proxy_to: http://docs.internal:8080/v1
//	  - path: /api/results
//	    proxy_to: https://results.internal
//	    auth: true
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidEndpoint is returned for endpoints with bad path or target url
var ErrInvalidEndpoint = errors.New("config: invalid endpoint")

// reserved prefixes served by the gateway itself
var reserved = []string{"/api/job", "/api/user", "/api/graphite", "/api/mcmc_stats", "/api/v1", "/api/login", "/api/logout"}

// YamlConfig is the raw content of the extras file
type YamlConfig struct {
	Endpoints []YamlEndpoint `yaml:"endpoints" json:"endpoints" jsonschema:"description=extra endpoints proxied as is"`
}

// YamlEndpoint is a single entry of the extras file
type YamlEndpoint struct {
	Path    string `yaml:"path" json:"path" jsonschema:"required,pattern=^/,description=clean absolute path prefix served by the gateway"`
	ProxyTo string `yaml:"proxy_to" json:"proxy_to" jsonschema:"required,format=uri,description=root url receiving requests under path"`
	Auth    bool   `yaml:"auth,omitempty" json:"auth,omitempty" jsonschema:"description=attach bearer token from the cookie"`
}

// Endpoint is a validated extra endpoint
type Endpoint struct {
	Path    string   // clean absolute path, requests to Path/* are proxied
	ProxyTo *url.URL // sub-path of the request is appended to this url
	Auth    bool
}

// Config is a validated extras configuration
type Config struct {
	Endpoints []Endpoint
}

// Load reads and validates extras file
func Load(file string) (Config, error) {
	data, err := os.ReadFile(file) //nolint:gosec // config file from options
	if err != nil {
		return Config{}, fmt.Errorf("failed to read %s: %w", file, err)
	}
	return Parse(data)
}

// Parse validates extras configuration from yaml data
func Parse(data []byte) (Config, error) {
	raw := YamlConfig{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("failed to parse extras config: %w", err)
	}
	return raw.validate()
}

func (c YamlConfig) validate() (Config, error) {
	res := Config{}
	seen := map[string]bool{}
	for i, e := range c.Endpoints {
		ep, err := e.validate()
		if err != nil {
			return Config{}, fmt.Errorf("endpoint %d: %w", i+1, err)
		}
		if seen[ep.Path] {
			return Config{}, fmt.Errorf("endpoint %d: %w: duplicate path %s", i+1, ErrInvalidEndpoint, ep.Path)
		}
		seen[ep.Path] = true
		res.Endpoints = append(res.Endpoints, ep)
	}
	return res, nil
}

func (e YamlEndpoint) validate() (Endpoint, error) {
	if e.Path == "" {
		return Endpoint{}, fmt.Errorf("%w: path is empty", ErrInvalidEndpoint)
	}
	if !path.IsAbs(e.Path) {
		return Endpoint{}, fmt.Errorf("%w: path not absolute: %s", ErrInvalidEndpoint, e.Path)
	}
	if path.Clean(e.Path) != e.Path || e.Path == "/" {
		return Endpoint{}, fmt.Errorf("%w: path not clean: %s", ErrInvalidEndpoint, e.Path)
	}
	for _, r := range reserved {
		if e.Path == r || strings.HasPrefix(e.Path, r+"/") || strings.HasPrefix(r, e.Path+"/") {
			return Endpoint{}, fmt.Errorf("%w: path %s collides with %s", ErrInvalidEndpoint, e.Path, r)
		}
	}

	u, err := url.Parse(e.ProxyTo)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: proxy_to %q: %v", ErrInvalidEndpoint, e.ProxyTo, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Endpoint{}, fmt.Errorf("%w: proxy_to not http(s): %s", ErrInvalidEndpoint, e.ProxyTo)
	}
	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("%w: proxy_to has no hostname: %s", ErrInvalidEndpoint, e.ProxyTo)
	}
	return Endpoint{Path: e.Path, ProxyTo: u, Auth: e.Auth}, nil
}

// Rewrite maps request url under ep.Path onto ep.ProxyTo, keeping sub-path and query.
// Returns false if the request path is not under ep.Path.
func (ep Endpoint) Rewrite(req *url.URL) (*url.URL, bool) {
	p := req.EscapedPath()
	dest := *ep.ProxyTo
	switch {
	case p == ep.Path:
	case strings.HasPrefix(p, ep.Path+"/"):
		sub := strings.TrimPrefix(p, ep.Path+"/")
		if sub != "" {
			dest = *dest.JoinPath(sub)
		} else if !strings.HasSuffix(dest.Path, "/") {
			dest.Path += "/"
		}
	default:
		return nil, false
	}
	dest.RawQuery = req.RawQuery
	dest.Fragment = ""
	return &dest, true
}

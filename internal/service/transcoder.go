// Package service implements request normalization and the streaming relay.
package service

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"stream-relay-go/internal/config"
	"stream-relay-go/internal/model"
)

// forbiddenRequestHeaders are removed from every request before it is sent
// upstream. Matching is case-insensitive.
var forbiddenRequestHeaders = []string{
	"host",
	"connection",
	"content-length",
	"origin",
	"referer",
}

// Transcoder normalizes ingress requests into upstream requests against a
// fixed base URL.
type Transcoder struct {
	baseURL *url.URL
}

// NewTranscoder creates a Transcoder for the configured upstream.
func NewTranscoder(cfg *config.Config) (*Transcoder, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	return &Transcoder{baseURL: u}, nil
}

// Normalize builds the upstream request for d. It never fails: unparseable
// paths are forwarded as raw text.
func (t *Transcoder) Normalize(d *model.RequestDescriptor) *model.UpstreamRequest {
	method := strings.TrimSpace(d.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body []byte
	if !noBodyMethod(method) && len(d.Body) > 0 {
		body = d.Body
	}

	return &model.UpstreamRequest{
		Method: method,
		URL:    t.buildURL(d),
		Header: SanitizeHeader(d.Header),
		Body:   body,
	}
}

func (t *Transcoder) buildURL(d *model.RequestDescriptor) string {
	u := *t.baseURL

	// A query embedded in the path is kept and joined with the explicit one.
	p, embedded, _ := strings.Cut(d.Path, "?")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	rawPath := strings.TrimSuffix(t.baseURL.EscapedPath(), "/") + p
	if decoded, err := url.PathUnescape(rawPath); err == nil {
		u.Path = decoded
		u.RawPath = rawPath
	} else {
		u.Path = rawPath
		u.RawPath = ""
	}

	query := d.RawQuery
	if query == "" {
		query = d.Query.Encode()
	}
	u.RawQuery = joinQuery(embedded, query)
	u.Fragment = ""

	return u.String()
}

func joinQuery(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "&")
}

// SanitizeHeader returns a copy of h without the forbidden request headers.
// It is idempotent.
func SanitizeHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vals := range h {
		if isForbidden(k) {
			continue
		}
		out[k] = append([]string(nil), vals...)
	}
	return out
}

func isForbidden(name string) bool {
	for _, f := range forbiddenRequestHeaders {
		if strings.EqualFold(name, f) {
			return true
		}
	}
	return false
}

func noBodyMethod(method string) bool {
	m := strings.ToUpper(method)
	return m == http.MethodGet || m == http.MethodHead
}

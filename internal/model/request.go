// Package model defines shared types for the relay.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// RequestDescriptor is an inbound request decoded by either ingress.
// It is consumed once by the transcoder and then discarded.
type RequestDescriptor struct {
	Method string
	// Path is the escaped request path as seen on the wire.
	Path string
	// RawQuery, when set, is forwarded verbatim and Query is ignored.
	RawQuery  string
	Query     url.Values
	Header    http.Header
	Body      []byte
	RequestID string
}

// UpstreamRequest is the normalized request sent to the upstream endpoint.
type UpstreamRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte // nil for GET/HEAD and empty bodies
}

// UpstreamResponse represents the upstream response to be streamed back.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}
